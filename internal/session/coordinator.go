package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/database"
	"github.com/tradesim/tradesim/internal/domain"
	"github.com/tradesim/tradesim/internal/simrpc"
)

// StartStatus is the per-session state of a simulator acquisition
type StartStatus string

const (
	StartNone         StartStatus = "NONE"
	StartChecking     StartStatus = "CHECKING"
	StartCreating     StartStatus = "CREATING"
	StartStarting     StartStatus = "STARTING"
	StartInitializing StartStatus = "INITIALIZING"
	StartRunning      StartStatus = "RUNNING"
	StartError        StartStatus = "ERROR"
)

// inFlight reports whether the acquisition is still being worked
func (s StartStatus) inFlight() bool {
	switch s {
	case StartChecking, StartCreating, StartStarting, StartInitializing:
		return true
	}
	return false
}

// StartResult is the coordinator's answer to a start_simulator request
type StartResult struct {
	Status    StartStatus
	Simulator *domain.Simulator
	PodName   string
	Err       string
}

// LaunchedPod identifies a simulator pod the orchestrator created
type LaunchedPod struct {
	PodName     string
	SimulatorID string
	Endpoint    string
}

// PodLauncher is the orchestrator's pod surface as the session core sees it
type PodLauncher interface {
	LaunchSimulator(ctx context.Context, userID, sessionID string) (*LaunchedPod, error)
	StopSimulator(ctx context.Context, sessionID string) error
}

type startRequest struct {
	status  StartStatus
	sim     *domain.Simulator
	podName string
	err     string
}

func (r *startRequest) result() StartResult {
	res := StartResult{Status: r.status, PodName: r.podName, Err: r.err}
	if r.sim != nil {
		simCopy := *r.sim
		res.Simulator = &simCopy
	}
	return res
}

// Coordinator serialises simulator acquisition per session. Concurrent
// start_simulator requests collapse onto one launch: the first caller in a
// terminal state installs the request and runs the worker, everyone else
// reads the current status.
type Coordinator struct {
	launcher      PodLauncher
	sims          *database.SimulatorRepository
	dial          DialFunc
	probeInterval time.Duration
	timeout       time.Duration
	log           zerolog.Logger

	mu   sync.Mutex
	reqs map[string]*startRequest
}

// NewCoordinator creates a simulator acquisition coordinator
func NewCoordinator(launcher PodLauncher, sims *database.SimulatorRepository, dial DialFunc,
	probeInterval, timeout time.Duration, log zerolog.Logger) *Coordinator {
	return &Coordinator{
		launcher:      launcher,
		sims:          sims,
		dial:          dial,
		probeInterval: probeInterval,
		timeout:       timeout,
		log:           log.With().Str("service", "simulator-coordinator").Logger(),
		reqs:          make(map[string]*startRequest),
	}
}

// Request asks for a running simulator for the session. In-flight and
// RUNNING acquisitions return their current state; NONE and ERROR start a
// fresh attempt whose progress later Requests observe.
func (c *Coordinator) Request(sess domain.Session) StartResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := c.reqs[sess.SessionID]
	if req != nil && (req.status.inFlight() || req.status == StartRunning) {
		return req.result()
	}

	req = &startRequest{status: StartChecking}
	c.reqs[sess.SessionID] = req
	go c.acquire(sess, req)

	return req.result()
}

// Status reports the current acquisition state without starting anything
func (c *Coordinator) Status(sessionID string) StartResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := c.reqs[sessionID]
	if req == nil {
		return StartResult{Status: StartNone}
	}
	return req.result()
}

// Reset forgets the session's acquisition state. Called when the simulator
// is lost or deliberately stopped so the next request starts fresh.
func (c *Coordinator) Reset(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.reqs, sessionID)
}

func (c *Coordinator) acquire(sess domain.Session, req *startRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	// A simulator may already serve this session (reconnect, session-core
	// restart). Adopt it when it answers a heartbeat.
	sim, err := c.sims.GetSimulatorBySession(sess.SessionID)
	if err != nil {
		c.log.Warn().Err(err).Str("session_id", sess.SessionID).Msg("Simulator lookup failed")
	} else if sim != nil && sim.Status == domain.SimulatorRunning && c.probe(ctx, sim) {
		c.finish(sess, req, sim, "")
		return
	}

	c.set(req, StartCreating)
	pod, err := c.launcher.LaunchSimulator(ctx, sess.UserID, sess.SessionID)
	if err != nil {
		c.fail(sess, req, fmt.Errorf("failed to launch simulator: %w", err))
		return
	}

	c.set(req, StartStarting)
	running, err := c.awaitReady(ctx, req, sess, pod)
	if err != nil {
		c.fail(sess, req, err)
		return
	}

	c.finish(sess, req, running, pod.PodName)
}

// awaitReady polls the pod until its engine validates the session and its
// record reads RUNNING. Transport errors mean the pod is still STARTING;
// a reachable engine that has not finished startup is INITIALIZING.
func (c *Coordinator) awaitReady(ctx context.Context, req *startRequest, sess domain.Session, pod *LaunchedPod) (*domain.Simulator, error) {
	client, err := c.dial(pod.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to dial simulator at %s: %w", pod.Endpoint, err)
	}
	defer client.Close()

	ticker := time.NewTicker(c.probeInterval)
	defer ticker.Stop()

	reachable := false
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("simulator %s did not become ready: %w", pod.PodName, ctx.Err())
		case <-ticker.C:
		}

		hbCtx, hbCancel := context.WithTimeout(ctx, heartbeatRPCTimeout)
		resp, err := client.Heartbeat(hbCtx, &simrpc.HeartbeatRequest{
			SessionID: sess.SessionID,
			ClientTS:  time.Now().UnixMilli(),
		})
		hbCancel()
		if err != nil {
			continue
		}

		if !reachable {
			reachable = true
			c.set(req, StartInitializing)
		}
		if !resp.OK {
			continue
		}

		sim, err := c.sims.GetSimulatorBySession(sess.SessionID)
		if err != nil || sim == nil {
			continue
		}
		if sim.Status == domain.SimulatorRunning {
			return sim, nil
		}
	}
}

// probe checks whether an existing simulator still answers for the session
func (c *Coordinator) probe(ctx context.Context, sim *domain.Simulator) bool {
	client, err := c.dial(sim.Endpoint)
	if err != nil {
		return false
	}
	defer client.Close()

	hbCtx, cancel := context.WithTimeout(ctx, heartbeatRPCTimeout)
	defer cancel()

	resp, err := client.Heartbeat(hbCtx, &simrpc.HeartbeatRequest{
		SessionID: sim.SessionID,
		ClientTS:  time.Now().UnixMilli(),
	})
	return err == nil && resp.OK
}

func (c *Coordinator) set(req *startRequest, status StartStatus) {
	c.mu.Lock()
	req.status = status
	c.mu.Unlock()
}

func (c *Coordinator) finish(sess domain.Session, req *startRequest, sim *domain.Simulator, podName string) {
	c.mu.Lock()
	req.status = StartRunning
	req.sim = sim
	req.podName = podName
	req.err = ""
	c.mu.Unlock()

	c.log.Info().
		Str("session_id", sess.SessionID).
		Str("simulator_id", sim.SimulatorID).
		Str("endpoint", sim.Endpoint).
		Msg("Simulator ready")
}

func (c *Coordinator) fail(sess domain.Session, req *startRequest, err error) {
	c.mu.Lock()
	req.status = StartError
	req.err = err.Error()
	c.mu.Unlock()

	c.log.Error().Err(err).Str("session_id", sess.SessionID).Msg("Simulator acquisition failed")
}
