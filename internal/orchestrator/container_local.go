package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LocalAPI is an in-memory container manager for local development, where
// engine processes are run by hand. It tracks placement intent and hands out
// loopback addresses; it does not supervise any actual process.
type LocalAPI struct {
	mu   sync.Mutex
	pods map[string]localPod
	next int
	log  zerolog.Logger
}

type localPod struct {
	spec   PodSpec
	status PodStatus
}

// NewLocalAPI creates an empty local container manager.
func NewLocalAPI(log zerolog.Logger) *LocalAPI {
	return &LocalAPI{
		pods: make(map[string]localPod),
		log:  log.With().Str("client", "container-local").Logger(),
	}
}

// Start registers a pod and reports it running immediately.
func (l *LocalAPI) Start(_ context.Context, spec PodSpec) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pods[spec.Name]; ok {
		return "", fmt.Errorf("%w: %s", ErrPodExists, spec.Name)
	}

	l.next++
	l.pods[spec.Name] = localPod{
		spec: spec,
		status: PodStatus{
			Name:  spec.Name,
			Phase: PhaseRunning,
			IP:    "127.0.0.1",
			Ports: spec.Ports,
		},
	}

	l.log.Info().Str("pod", spec.Name).Msg("Local pod registered")
	return spec.Name, nil
}

// Stop removes a pod. Removing a pod that is already gone is a no-op.
func (l *LocalAPI) Stop(_ context.Context, podRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.pods[podRef]; ok {
		delete(l.pods, podRef)
		l.log.Info().Str("pod", podRef).Msg("Local pod removed")
	}
	return nil
}

// Read returns the pod's status, or ErrPodNotFound.
func (l *LocalAPI) Read(_ context.Context, podRef string) (*PodStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pod, ok := l.pods[podRef]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPodNotFound, podRef)
	}

	status := pod.status
	return &status, nil
}

// List returns the references of pods whose labels match the selector.
func (l *LocalAPI) List(_ context.Context, labelSelector string) ([]string, error) {
	want, err := parseSelector(labelSelector)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var refs []string
	for name, pod := range l.pods {
		if matchLabels(pod.spec.Labels, want) {
			refs = append(refs, name)
		}
	}
	sort.Strings(refs)
	return refs, nil
}

// parseSelector splits "k1=v1,k2=v2" into required label pairs.
func parseSelector(selector string) (map[string]string, error) {
	want := make(map[string]string)
	if selector == "" {
		return want, nil
	}
	for _, part := range strings.Split(selector, ",") {
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, fmt.Errorf("invalid label selector %q", selector)
		}
		want[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return want, nil
}

func matchLabels(labels, want map[string]string) bool {
	for k, v := range want {
		if labels[k] != v {
			return false
		}
	}
	return true
}
