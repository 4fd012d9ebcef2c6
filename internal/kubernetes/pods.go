package kubernetes

import (
	"context"
	"slices"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/client-go/kubernetes"

	"github.com/crusoecloud/vector-config-reloader/internal/errortypes"
)

// NodePodsSelector selects the pods scheduled on the given node.
func NodePodsSelector(nodeName string) string {
	return fields.OneTermEqualSelector("spec.nodeName", nodeName).String()
}

// ListRunningNodePods returns the running pods scheduled on the given node sorted by name.
// The selector is also applied client-side, so that the result does not depend on
// server-side field selector support.
func ListRunningNodePods(ctx context.Context, client kubernetes.Interface, nodeName string) ([]corev1.Pod, error) {
	selector := fields.AndSelectors(
		fields.OneTermEqualSelector("spec.nodeName", nodeName),
		fields.OneTermEqualSelector("status.phase", string(corev1.PodRunning)),
	)

	list, err := client.CoreV1().Pods(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		FieldSelector: selector.String(),
	})
	if err != nil {
		return nil, &errortypes.APIRequestFailedError{Err: err}
	}

	var pods []corev1.Pod

	for i := range list.Items {
		pod := list.Items[i]
		if pod.Spec.NodeName != nodeName || pod.Status.Phase != corev1.PodRunning {
			continue
		}

		pods = append(pods, pod)
	}

	slices.SortFunc(pods, func(a, b corev1.Pod) int {
		if c := strings.Compare(a.Name, b.Name); c != 0 {
			return c
		}

		return strings.Compare(a.Namespace, b.Namespace)
	})

	return pods, nil
}
