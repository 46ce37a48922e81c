package marketdata

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// Pod is one registered bar-push downstream.
type Pod struct {
	Host         string    `json:"host"`
	Port         int       `json:"port"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Addr returns the host:port the pod's intake listens on.
func (p Pod) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

// Registry tracks registered simulator pods in memory. Each distributor
// instance keeps its own view; pods re-register on startup.
type Registry struct {
	mu          sync.RWMutex
	pods        map[string]Pod
	probe       *resty.Client
	defaultPort int
	log         zerolog.Logger
}

// NewRegistry creates an empty registry. Registrations that omit a port
// default to defaultPort.
func NewRegistry(defaultPort int, log zerolog.Logger) *Registry {
	return &Registry{
		pods:        make(map[string]Pod),
		probe:       resty.New().SetTimeout(3 * time.Second),
		defaultPort: defaultPort,
		log:         log.With().Str("component", "pod-registry").Logger(),
	}
}

// Register adds a pod after probing its intake health endpoint. Unreachable
// or unhealthy pods are rejected. Re-registering an address refreshes it.
func (r *Registry) Register(ctx context.Context, host string, port int) error {
	if port <= 0 {
		port = r.defaultPort
	}

	pod := Pod{Host: host, Port: port, RegisteredAt: time.Now().UTC()}

	resp, err := r.probe.R().
		SetContext(ctx).
		Get(fmt.Sprintf("http://%s/healthz", pod.Addr()))
	if err != nil {
		return fmt.Errorf("pod %s unreachable: %w", pod.Addr(), err)
	}
	if resp.IsError() {
		return fmt.Errorf("pod %s unhealthy: %s", pod.Addr(), resp.Status())
	}

	r.mu.Lock()
	r.pods[pod.Addr()] = pod
	r.mu.Unlock()

	r.log.Info().Str("pod", pod.Addr()).Msg("Pod registered")
	return nil
}

// Unregister removes a pod and reports whether it was present. Removing an
// unknown pod is a no-op.
func (r *Registry) Unregister(host string, port int) bool {
	if port <= 0 {
		port = r.defaultPort
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	r.mu.Lock()
	_, present := r.pods[addr]
	delete(r.pods, addr)
	r.mu.Unlock()

	if present {
		r.log.Info().Str("pod", addr).Msg("Pod unregistered")
	}
	return present
}

// List returns the registered pods ordered by address.
func (r *Registry) List() []Pod {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pods := make([]Pod, 0, len(r.pods))
	for _, pod := range r.pods {
		pods = append(pods, pod)
	}
	sort.Slice(pods, func(i, j int) bool { return pods[i].Addr() < pods[j].Addr() })
	return pods
}

// Len returns the number of registered pods.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.pods)
}
