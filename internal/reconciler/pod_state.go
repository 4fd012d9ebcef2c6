package reconciler

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/watch"
)

type podState int

const (
	podIgnored podState = iota
	podRunning
	podTerminating
)

// podStateOf maps a pod watch event to the lifecycle state the reconciler acts on.
// Kubernetes has no terminating phase: a pod terminates once it is deleted, marked for
// deletion or has finished.
func podStateOf(eventType watch.EventType, pod *corev1.Pod) podState {
	if eventType == watch.Deleted || pod.DeletionTimestamp != nil {
		return podTerminating
	}

	switch pod.Status.Phase {
	case corev1.PodRunning:
		return podRunning
	case corev1.PodSucceeded, corev1.PodFailed:
		return podTerminating
	default:
		return podIgnored
	}
}
