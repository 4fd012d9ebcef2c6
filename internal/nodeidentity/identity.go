package nodeidentity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/crusoecloud/vector-config-reloader/internal/errortypes"
)

const (
	ClusterIDLabel  = "crusoe.ai/cluster.id"
	InstanceIDLabel = "crusoe.ai/instance.id"
	NodepoolIDLabel = "crusoe.ai/nodepool.id"
)

var ErrMissingLabel = errors.New("node is missing a required identity label")

// Identity holds the values that tag every metric leaving this node.
type Identity struct {
	NodeName   string
	ClusterID  string
	InstanceID string
	NodepoolID string
}

// Resolve reads the identity labels of the named node. A missing cluster or instance
// label is an error, the nodepool falls back to the node name without its last
// hyphen-delimited token.
func Resolve(ctx context.Context, client kubernetes.Interface, nodeName string) (Identity, error) {
	node, err := client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return Identity{}, &errortypes.APIRequestFailedError{
			Err: fmt.Errorf("failed to get node %s: %w", nodeName, err),
		}
	}

	return FromLabels(nodeName, node.Labels)
}

func FromLabels(nodeName string, labels map[string]string) (Identity, error) {
	id := Identity{
		NodeName:   nodeName,
		ClusterID:  labels[ClusterIDLabel],
		InstanceID: labels[InstanceIDLabel],
		NodepoolID: labels[NodepoolIDLabel],
	}

	if id.ClusterID == "" {
		return Identity{}, fmt.Errorf("%w: %s", ErrMissingLabel, ClusterIDLabel)
	}

	if id.InstanceID == "" {
		return Identity{}, fmt.Errorf("%w: %s", ErrMissingLabel, InstanceIDLabel)
	}

	if id.NodepoolID == "" {
		id.NodepoolID = nodepoolFromName(nodeName)
	}

	return id, nil
}

func nodepoolFromName(nodeName string) string {
	host, _, _ := strings.Cut(nodeName, ".")

	idx := strings.LastIndex(host, "-")
	if idx <= 0 {
		return host
	}

	return host[:idx]
}
