package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/database"
	"github.com/tradesim/tradesim/internal/domain"
	"github.com/tradesim/tradesim/internal/errs"
)

const addressPollInterval = 500 * time.Millisecond

// Placement is the result of a simulator allocation.
type Placement struct {
	PodName     string `json:"pod_name"`
	SimulatorID string `json:"simulator_id"`
	Endpoint    string `json:"endpoint"`
}

// Allocator places per-session simulator pods for the session core. It
// pre-creates the instance record in CREATING so the engine process adopts
// it instead of registering a second one.
type Allocator struct {
	cfg  Config
	sims *database.SimulatorRepository
	api  ContainerAPI
	log  zerolog.Logger
}

// NewAllocator creates a simulator allocator.
func NewAllocator(cfg Config, sims *database.SimulatorRepository, api ContainerAPI, log zerolog.Logger) *Allocator {
	return &Allocator{
		cfg:  cfg.withDefaults(),
		sims: sims,
		api:  api,
		log:  log.With().Str("component", "allocator").Logger(),
	}
}

// Allocate returns a pod for the session, reusing the recorded simulator
// when its pod is still alive and replacing it when it is not.
func (a *Allocator) Allocate(ctx context.Context, userID, sessionID string) (*Placement, error) {
	if userID == "" || sessionID == "" {
		return nil, errs.Validationf("user_id and session_id are required")
	}

	existing, err := a.sims.GetSimulatorBySession(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up session simulator: %w", err)
	}
	if existing != nil {
		placement, alive, err := a.adopt(ctx, existing)
		if err != nil {
			return nil, err
		}
		if alive {
			return placement, nil
		}
	}

	simulatorID := uuid.New().String()
	now := time.Now()

	sim := domain.Simulator{
		SimulatorID: simulatorID,
		SessionID:   sessionID,
		UserID:      userID,
		Status:      domain.SimulatorCreating,
		CreatedAt:   now,
		LastActive:  now,
	}
	if err := a.sims.CreateSimulator(sim); err != nil {
		return nil, fmt.Errorf("failed to record simulator: %w", err)
	}

	spec := a.simulatorManifest(simulatorID, userID, sessionID)
	ref, err := a.api.Start(ctx, spec)
	if err != nil {
		a.markFailed(simulatorID, "pod start failed")
		return nil, fmt.Errorf("failed to launch simulator pod: %w", err)
	}

	endpoint, err := a.awaitAddress(ctx, ref)
	if err != nil {
		_ = a.api.Stop(ctx, ref)
		a.markFailed(simulatorID, "pod never got an address")
		return nil, err
	}

	if err := a.sims.UpdateSimulatorEndpoint(simulatorID, endpoint, time.Now()); err != nil {
		a.log.Warn().Err(err).Str("simulator_id", simulatorID).Msg("Failed to record endpoint")
	}

	a.log.Info().
		Str("session_id", sessionID).
		Str("simulator_id", simulatorID).
		Str("pod", ref).
		Str("endpoint", endpoint).
		Msg("Simulator allocated")

	return &Placement{PodName: ref, SimulatorID: simulatorID, Endpoint: endpoint}, nil
}

// adopt checks whether the recorded simulator's pod is still alive. Dead
// remnants are cleared so a fresh allocation can proceed.
func (a *Allocator) adopt(ctx context.Context, sim *domain.Simulator) (*Placement, bool, error) {
	podName := simulatorPodName(sim.SimulatorID)

	status, err := a.api.Read(ctx, podName)
	if err != nil && !errors.Is(err, ErrPodNotFound) {
		return nil, false, fmt.Errorf("failed to read simulator pod: %w", err)
	}

	if status.Healthy() {
		endpoint := sim.Endpoint
		if endpoint == "" {
			endpoint = endpointOf(status, a.cfg.GRPCPort)
		}
		a.log.Info().
			Str("session_id", sim.SessionID).
			Str("simulator_id", sim.SimulatorID).
			Msg("Reusing live simulator pod")
		return &Placement{PodName: podName, SimulatorID: sim.SimulatorID, Endpoint: endpoint}, true, nil
	}

	_ = a.api.Stop(ctx, podName)
	a.markFailed(sim.SimulatorID, "pod vanished")
	a.log.Warn().
		Str("session_id", sim.SessionID).
		Str("simulator_id", sim.SimulatorID).
		Msg("Recorded simulator pod is dead, replacing")
	return nil, false, nil
}

// Release stops the session's simulator pod. Returns false when the session
// has nothing to stop; that is not an error.
func (a *Allocator) Release(ctx context.Context, sessionID string) (bool, error) {
	if sessionID == "" {
		return false, errs.Validationf("session_id is required")
	}

	sim, err := a.sims.GetSimulatorBySession(sessionID)
	if err != nil {
		return false, fmt.Errorf("failed to look up session simulator: %w", err)
	}
	if sim == nil {
		return false, nil
	}

	podName := simulatorPodName(sim.SimulatorID)
	if err := a.api.Stop(ctx, podName); err != nil {
		return false, fmt.Errorf("failed to stop simulator pod: %w", err)
	}

	if err := a.sims.UpdateSimulatorStatus(sim.SimulatorID, domain.SimulatorStopped, "session stopped", time.Now()); err != nil {
		a.log.Warn().Err(err).Str("simulator_id", sim.SimulatorID).Msg("Failed to mark simulator stopped")
	}

	a.log.Info().
		Str("session_id", sessionID).
		Str("simulator_id", sim.SimulatorID).
		Str("pod", podName).
		Msg("Simulator released")

	return true, nil
}

// awaitAddress polls the pod until the manager reports an address. The
// engine's own readiness is the session core's concern; all a placement
// needs is somewhere to dial.
func (a *Allocator) awaitAddress(ctx context.Context, ref string) (string, error) {
	deadline := time.NewTimer(a.cfg.ReadyTimeout)
	defer deadline.Stop()

	for {
		status, err := a.api.Read(ctx, ref)
		if err != nil && !errors.Is(err, ErrPodNotFound) {
			return "", fmt.Errorf("failed to read simulator pod: %w", err)
		}
		if status != nil {
			if status.Phase == PhaseFailed || status.Phase == PhaseSucceeded {
				return "", errs.Unavailablef("simulator pod %s exited during startup", ref)
			}
			if ep := endpointOf(status, a.cfg.GRPCPort); ep != "" {
				return ep, nil
			}
		}

		select {
		case <-deadline.C:
			return "", errs.Unavailablef("simulator pod %s did not become ready", ref)
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(addressPollInterval):
		}
	}
}

func (a *Allocator) markFailed(simulatorID, reason string) {
	if err := a.sims.UpdateSimulatorStatus(simulatorID, domain.SimulatorError, reason, time.Now()); err != nil {
		a.log.Warn().Err(err).Str("simulator_id", simulatorID).Msg("Failed to mark simulator errored")
	}
}

// simulatorManifest builds the pod spec for a per-session engine. The engine
// learns its identity from the environment.
func (a *Allocator) simulatorManifest(simulatorID, userID, sessionID string) PodSpec {
	return PodSpec{
		Name:  simulatorPodName(simulatorID),
		Image: a.cfg.PodImage,
		Labels: map[string]string{
			labelApp:     appSimulator,
			"session_id": sessionID,
		},
		Env: map[string]string{
			"SIMULATOR_ID": simulatorID,
			"SESSION_ID":   sessionID,
			"USER_ID":      userID,
		},
		Ports: []int{a.cfg.GRPCPort, a.cfg.IntakePort},
	}
}
