package session

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// OrchestratorLauncher is the production PodLauncher: it asks the
// orchestrator's allocation API for per-session simulator pods.
type OrchestratorLauncher struct {
	http *resty.Client
	log  zerolog.Logger
}

// NewOrchestratorLauncher creates a launcher against the orchestrator's base URL.
func NewOrchestratorLauncher(baseURL string, log zerolog.Logger) *OrchestratorLauncher {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		// Allocation blocks until the pod has an address, so the budget is
		// generous. The coordinator's own start timeout caps the wait.
		SetTimeout(30 * time.Second)

	return &OrchestratorLauncher{
		http: httpClient,
		log:  log.With().Str("client", "orchestrator").Logger(),
	}
}

type allocateRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

type allocateResponse struct {
	PodName     string `json:"pod_name"`
	SimulatorID string `json:"simulator_id"`
	Endpoint    string `json:"endpoint"`
	Error       string `json:"error,omitempty"`
}

type releaseResponse struct {
	Stopped bool   `json:"stopped"`
	Error   string `json:"error,omitempty"`
}

// LaunchSimulator asks the orchestrator for a pod serving this session.
// Re-asking for a session whose pod is alive returns the same placement.
func (l *OrchestratorLauncher) LaunchSimulator(ctx context.Context, userID, sessionID string) (*LaunchedPod, error) {
	var out allocateResponse
	resp, err := l.http.R().
		SetContext(ctx).
		SetBody(allocateRequest{UserID: userID, SessionID: sessionID}).
		SetResult(&out).
		SetError(&out).
		Post("/v1/simulators")
	if err != nil {
		return nil, fmt.Errorf("failed to reach orchestrator: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("orchestrator refused allocation: %s (%s)", resp.Status(), out.Error)
	}

	l.log.Info().
		Str("session_id", sessionID).
		Str("simulator_id", out.SimulatorID).
		Str("pod", out.PodName).
		Msg("Simulator pod allocated")

	return &LaunchedPod{
		PodName:     out.PodName,
		SimulatorID: out.SimulatorID,
		Endpoint:    out.Endpoint,
	}, nil
}

// StopSimulator releases the session's pod. Sessions without a pod release
// cleanly.
func (l *OrchestratorLauncher) StopSimulator(ctx context.Context, sessionID string) error {
	var out releaseResponse
	resp, err := l.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&out).
		Delete("/v1/simulators/" + sessionID)
	if err != nil {
		return fmt.Errorf("failed to reach orchestrator: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("orchestrator refused release: %s (%s)", resp.Status(), out.Error)
	}

	if out.Stopped {
		l.log.Info().Str("session_id", sessionID).Msg("Simulator pod released")
	}
	return nil
}
