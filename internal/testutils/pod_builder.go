package testutils

import (
	"maps"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/crusoecloud/vector-config-reloader/internal/exporter"
)

type PodBuilder struct {
	name        string
	namespace   string
	nodeName    string
	podIP       string
	phase       corev1.PodPhase
	labels      map[string]string
	annotations map[string]string
	terminating bool
}

func NewPodBuilder(name, namespace string) *PodBuilder {
	return &PodBuilder{
		name:        name,
		namespace:   namespace,
		phase:       corev1.PodRunning,
		labels:      make(map[string]string),
		annotations: make(map[string]string),
	}
}

// NewCustomMetricsPod returns a builder of a running pod that opted into custom metrics scraping.
func NewCustomMetricsPod(name, namespace string) *PodBuilder {
	return NewPodBuilder(name, namespace).WithAnnotation(exporter.CustomMetricsScrapeAnnotation, "true")
}

func NewDCGMExporterPod(name, namespace string) *PodBuilder {
	return NewPodBuilder(name, namespace).WithLabel(exporter.DCGMAppLabelKey, exporter.DCGMAppLabelValue)
}

func NewAMDExporterPod(name string) *PodBuilder {
	return NewPodBuilder(name, exporter.AMDNamespace).WithLabel(exporter.AMDAppLabelKey, exporter.AMDAppLabelValue)
}

func (pb *PodBuilder) WithNode(nodeName string) *PodBuilder {
	pb.nodeName = nodeName
	return pb
}

func (pb *PodBuilder) WithIP(ip string) *PodBuilder {
	pb.podIP = ip
	return pb
}

func (pb *PodBuilder) WithPhase(phase corev1.PodPhase) *PodBuilder {
	pb.phase = phase
	return pb
}

func (pb *PodBuilder) WithLabel(key, value string) *PodBuilder {
	pb.labels[key] = value
	return pb
}

func (pb *PodBuilder) WithAnnotation(key, value string) *PodBuilder {
	pb.annotations[key] = value
	return pb
}

// WithDeletionTimestamp marks the pod as being deleted.
func (pb *PodBuilder) WithDeletionTimestamp() *PodBuilder {
	pb.terminating = true
	return pb
}

func (pb *PodBuilder) Build() *corev1.Pod {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:        pb.name,
			Namespace:   pb.namespace,
			Labels:      maps.Clone(pb.labels),
			Annotations: maps.Clone(pb.annotations),
		},
		Spec: corev1.PodSpec{
			NodeName: pb.nodeName,
			Containers: []corev1.Container{
				{
					Name:  "exporter",
					Image: "exporter",
				},
			},
		},
		Status: corev1.PodStatus{
			Phase: pb.phase,
			PodIP: pb.podIP,
		},
	}

	if pb.terminating {
		now := metav1.Now()
		pod.DeletionTimestamp = &now
	}

	return pod
}
