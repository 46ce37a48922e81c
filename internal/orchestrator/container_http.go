package orchestrator

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/reliability"
)

// ManagerClient talks to the container manager over HTTP. Every verb runs
// under a circuit breaker; while the breaker is open calls fail fast with
// UNAVAILABLE and the manager is never touched. No transport retries here:
// the reconcile loop owns retry policy.
type ManagerClient struct {
	http    *resty.Client
	breaker *reliability.CircuitBreaker
	log     zerolog.Logger
}

// NewManagerClient creates a container manager client against the given base URL.
func NewManagerClient(baseURL string, log zerolog.Logger) *ManagerClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second)

	return &ManagerClient{
		http:    httpClient,
		breaker: reliability.NewDefaultCircuitBreaker("container-api", log),
		log:     log.With().Str("client", "container-manager").Logger(),
	}
}

type podCreated struct {
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

type podList struct {
	Pods []string `json:"pods"`
}

// Start creates a pod and returns its reference.
func (c *ManagerClient) Start(ctx context.Context, spec PodSpec) (string, error) {
	var out podCreated
	var conflict bool

	err := c.breaker.Do(func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(spec).
			SetResult(&out).
			Post("/v1/pods")
		if err != nil {
			return fmt.Errorf("failed to start pod %s: %w", spec.Name, err)
		}
		if resp.StatusCode() == http.StatusConflict {
			conflict = true
			return nil
		}
		if resp.IsError() {
			return fmt.Errorf("container manager refused start of %s: %s (%s)", spec.Name, resp.Status(), out.Error)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if conflict {
		return "", fmt.Errorf("%w: %s", ErrPodExists, spec.Name)
	}

	ref := out.Name
	if ref == "" {
		ref = spec.Name
	}
	c.log.Info().Str("pod", ref).Str("image", spec.Image).Msg("Pod started")
	return ref, nil
}

// Stop deletes a pod. A pod that is already gone counts as stopped.
func (c *ManagerClient) Stop(ctx context.Context, podRef string) error {
	err := c.breaker.Do(func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			Delete("/v1/pods/" + podRef)
		if err != nil {
			return fmt.Errorf("failed to stop pod %s: %w", podRef, err)
		}
		if resp.StatusCode() == http.StatusNotFound {
			return nil
		}
		if resp.IsError() {
			return fmt.Errorf("container manager refused stop of %s: %s", podRef, resp.Status())
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.log.Info().Str("pod", podRef).Msg("Pod stopped")
	return nil
}

// Read returns the pod's status, or ErrPodNotFound.
func (c *ManagerClient) Read(ctx context.Context, podRef string) (*PodStatus, error) {
	var out PodStatus
	var missing bool

	err := c.breaker.Do(func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetResult(&out).
			Get("/v1/pods/" + podRef)
		if err != nil {
			return fmt.Errorf("failed to read pod %s: %w", podRef, err)
		}
		if resp.StatusCode() == http.StatusNotFound {
			missing = true
			return nil
		}
		if resp.IsError() {
			return fmt.Errorf("container manager refused read of %s: %s", podRef, resp.Status())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if missing {
		return nil, fmt.Errorf("%w: %s", ErrPodNotFound, podRef)
	}

	return &out, nil
}

// List returns the references of pods matching the label selector.
func (c *ManagerClient) List(ctx context.Context, labelSelector string) ([]string, error) {
	var out podList

	err := c.breaker.Do(func() error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParam("selector", labelSelector).
			SetResult(&out).
			Get("/v1/pods")
		if err != nil {
			return fmt.Errorf("failed to list pods: %w", err)
		}
		if resp.IsError() {
			return fmt.Errorf("container manager refused list: %s", resp.Status())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return out.Pods, nil
}
