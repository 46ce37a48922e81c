// Package orchestrator drives simulator pod lifecycle: a calendar-gated
// reconcile loop for exchange venues and an allocation API for per-session
// engines. It talks to the container manager through four verbs only; how
// pods are actually scheduled is the manager's business.
package orchestrator

import (
	"context"
	"errors"
)

// Pod phases as the container manager reports them.
const (
	PhasePending   = "PENDING"
	PhaseRunning   = "RUNNING"
	PhaseSucceeded = "SUCCEEDED"
	PhaseFailed    = "FAILED"
	PhaseUnknown   = "UNKNOWN"
)

// Pod lookup and creation sentinels. The HTTP client maps the manager's
// status codes onto these so callers can branch without parsing bodies.
var (
	ErrPodNotFound = errors.New("pod not found")
	ErrPodExists   = errors.New("pod already exists")
)

// PodSpec is the manifest handed to the container manager. The manager
// injects SIMULATOR_HOST with the pod's address before the entrypoint runs,
// so Env never needs to carry it.
type PodSpec struct {
	Name   string            `json:"name"`
	Image  string            `json:"image"`
	Labels map[string]string `json:"labels,omitempty"`
	Env    map[string]string `json:"env,omitempty"`
	Ports  []int             `json:"ports,omitempty"`
}

// PodStatus is what the manager knows about a live pod.
type PodStatus struct {
	Name  string `json:"name"`
	Phase string `json:"phase"`
	IP    string `json:"ip,omitempty"`
	Ports []int  `json:"ports,omitempty"`
}

// ContainerAPI is the orchestrator's whole view of the container manager.
type ContainerAPI interface {
	// Start creates a pod from the spec and returns its reference.
	Start(ctx context.Context, spec PodSpec) (string, error)
	// Stop deletes a pod. Stopping a pod that is already gone is not an error.
	Stop(ctx context.Context, podRef string) error
	// Read returns the pod's status, or ErrPodNotFound.
	Read(ctx context.Context, podRef string) (*PodStatus, error)
	// List returns the references of pods matching the label selector.
	List(ctx context.Context, labelSelector string) ([]string, error)
}

// Healthy reports whether the pod is serving or still coming up.
func (s *PodStatus) Healthy() bool {
	return s != nil && (s.Phase == PhaseRunning || s.Phase == PhasePending)
}
