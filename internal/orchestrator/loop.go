package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/database"
	"github.com/tradesim/tradesim/internal/domain"
)

// Pod naming and label conventions shared by the loop and the allocator.
const (
	labelApp     = "app"
	appExchange  = "tradesim-exchange"
	appSimulator = "tradesim-simulator"

	exchangeSelector  = labelApp + "=" + appExchange
	simulatorSelector = labelApp + "=" + appSimulator

	simPodPrefix = "sim-"
)

func exchangePodName(exchID string) string {
	return "exch-" + strings.ToLower(strings.ReplaceAll(exchID, "_", "-"))
}

func simulatorPodName(simulatorID string) string {
	return simPodPrefix + simulatorID
}

// Config tunes the orchestrator process.
type Config struct {
	Port             int           // HTTP surface
	PollInterval     time.Duration // reconcile cadence
	SweepProbability float64       // chance a tick runs the orphan sweep
	MaxStartAttempts int           // start retries per trading window
	StartBackoffBase time.Duration // first retry delay, doubled per attempt
	PodOpTimeout     time.Duration // per-pod container call budget
	ReadyTimeout     time.Duration // how long an allocation waits for a pod address
	PodImage         string
	GRPCPort         int
	IntakePort       int
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = 8086
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.SweepProbability <= 0 {
		c.SweepProbability = 0.2
	}
	if c.MaxStartAttempts <= 0 {
		c.MaxStartAttempts = 5
	}
	if c.StartBackoffBase <= 0 {
		c.StartBackoffBase = c.PollInterval
	}
	if c.PodOpTimeout <= 0 {
		c.PodOpTimeout = 10 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 15 * time.Second
	}
	if c.PodImage == "" {
		c.PodImage = "tradesim/simulator:latest"
	}
	if c.GRPCPort <= 0 {
		c.GRPCPort = 50060
	}
	if c.IntakePort <= 0 {
		c.IntakePort = 8087
	}
	return c
}

// runningPod is the cached state for one venue pod.
type runningPod struct {
	PodName  string
	Endpoint string
}

// startRetry tracks backoff for a venue whose pod will not start.
type startRetry struct {
	attempts int
	next     time.Time
}

// Loop reconciles venue pods against the exchange registry: inside the
// trading window a pod must exist, outside it must not, and pods nothing
// accounts for get swept. Stopping the loop leaves pods running; a restarted
// orchestrator re-learns them from the container manager on its first tick.
type Loop struct {
	cfg       Config
	exchanges *database.ExchangeRepository
	sims      *database.SimulatorRepository
	api       ContainerAPI
	log       zerolog.Logger

	ticking atomic.Bool

	mu      sync.Mutex
	primed  bool
	running map[string]runningPod
	retries map[string]*startRetry
	nowFn   func() time.Time
	sweepFn func() float64
}

// NewLoop creates the reconcile loop.
func NewLoop(cfg Config, exchanges *database.ExchangeRepository, sims *database.SimulatorRepository,
	api ContainerAPI, log zerolog.Logger) *Loop {
	return &Loop{
		cfg:       cfg.withDefaults(),
		exchanges: exchanges,
		sims:      sims,
		api:       api,
		running:   make(map[string]runningPod),
		retries:   make(map[string]*startRetry),
		nowFn:     time.Now,
		sweepFn:   rand.Float64,
		log:       log.With().Str("component", "reconcile-loop").Logger(),
	}
}

// SetNowFunc overrides the clock, for tests
func (l *Loop) SetNowFunc(nowFn func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nowFn = nowFn
}

// SetSweepFunc overrides the orphan-sweep dice roll, for tests
func (l *Loop) SetSweepFunc(sweepFn func() float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepFn = sweepFn
}

// Name implements scheduler.Job
func (l *Loop) Name() string { return "exchange-reconcile" }

// Run performs one reconcile tick. A tick that outlasts the poll interval is
// not stacked on; the next schedule slot is skipped instead.
func (l *Loop) Run() error {
	if !l.ticking.CompareAndSwap(false, true) {
		l.log.Debug().Msg("Previous tick still running, skipping")
		return nil
	}
	defer l.ticking.Store(false)

	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.PollInterval)
	defer cancel()

	return l.tick(ctx)
}

func (l *Loop) tick(ctx context.Context) error {
	l.mu.Lock()
	now := l.nowFn()
	l.mu.Unlock()

	actives, err := l.exchanges.ListActiveExchanges()
	if err != nil {
		return fmt.Errorf("failed to read exchange registry: %w", err)
	}

	if err := l.primeOnce(ctx, actives); err != nil {
		return err
	}

	l.refresh(ctx)

	var wg sync.WaitGroup
	activeSet := make(map[string]domain.Exchange, len(actives))
	for _, ex := range actives {
		activeSet[ex.ExchID] = ex

		should, err := shouldBeRunning(ex, now)
		if err != nil {
			l.log.Warn().Err(err).Str("exch_id", ex.ExchID).Msg("Skipping unschedulable exchange")
			continue
		}

		l.mu.Lock()
		_, isRunning := l.running[ex.ExchID]
		if !should {
			// Window over: the next window starts with a clean slate.
			delete(l.retries, ex.ExchID)
		}
		start := should && !isRunning && l.allowStartLocked(ex.ExchID, now)
		stop := !should && isRunning
		l.mu.Unlock()

		switch {
		case start:
			wg.Add(1)
			go func(ex domain.Exchange) {
				defer wg.Done()
				l.startVenue(ctx, ex, now)
			}(ex)
		case stop:
			wg.Add(1)
			go func(exchID string) {
				defer wg.Done()
				l.stopVenue(ctx, exchID)
			}(ex.ExchID)
		}
	}

	// Venues deleted from the registry while their pod was up.
	l.mu.Lock()
	var stale []string
	for exchID := range l.running {
		if _, ok := activeSet[exchID]; !ok {
			stale = append(stale, exchID)
		}
	}
	l.mu.Unlock()
	for _, exchID := range stale {
		wg.Add(1)
		go func(exchID string) {
			defer wg.Done()
			l.stopVenue(ctx, exchID)
		}(exchID)
	}

	wg.Wait()

	l.mu.Lock()
	roll := l.sweepFn()
	l.mu.Unlock()
	if roll < l.cfg.SweepProbability {
		l.sweep(ctx, activeSet, now)
	}

	return nil
}

// primeOnce rebuilds the running set from the container manager after a
// restart. Until it succeeds the loop starts nothing, otherwise a blind
// first tick would double-start venues that are already up.
func (l *Loop) primeOnce(ctx context.Context, actives []domain.Exchange) error {
	l.mu.Lock()
	primed := l.primed
	l.mu.Unlock()
	if primed {
		return nil
	}

	refs, err := l.api.List(ctx, exchangeSelector)
	if err != nil {
		return fmt.Errorf("failed to prime running set: %w", err)
	}

	byPod := make(map[string]string, len(actives))
	for _, ex := range actives {
		byPod[exchangePodName(ex.ExchID)] = ex.ExchID
	}

	recovered := make(map[string]runningPod)
	for _, ref := range refs {
		exchID, ok := byPod[ref]
		if !ok {
			// Not a venue we schedule anymore; the orphan sweep handles it.
			continue
		}
		pod := runningPod{PodName: ref}
		if status, err := l.api.Read(ctx, ref); err == nil && status.Healthy() {
			pod.Endpoint = endpointOf(status, l.cfg.GRPCPort)
		}
		recovered[exchID] = pod
	}

	l.mu.Lock()
	l.primed = true
	for exchID, pod := range recovered {
		l.running[exchID] = pod
	}
	l.mu.Unlock()

	if len(recovered) > 0 {
		l.log.Info().Int("pods", len(recovered)).Msg("Recovered running venue pods")
	}
	return nil
}

// refresh re-reads cached pods: it fills in endpoints once a pod has an
// address and evicts entries whose pod died so the diff can restart them.
func (l *Loop) refresh(ctx context.Context) {
	l.mu.Lock()
	cached := make(map[string]runningPod, len(l.running))
	for exchID, pod := range l.running {
		cached[exchID] = pod
	}
	l.mu.Unlock()

	var wg sync.WaitGroup
	for exchID, pod := range cached {
		wg.Add(1)
		go func(exchID string, pod runningPod) {
			defer wg.Done()
			opCtx, cancel := context.WithTimeout(ctx, l.cfg.PodOpTimeout)
			defer cancel()

			status, err := l.api.Read(opCtx, pod.PodName)
			switch {
			case errors.Is(err, ErrPodNotFound):
				l.evict(exchID, pod.PodName, "pod gone")
			case err != nil:
				l.log.Warn().Err(err).Str("pod", pod.PodName).Msg("Failed to read venue pod")
			case !status.Healthy():
				l.evict(exchID, pod.PodName, "phase "+status.Phase)
			case pod.Endpoint == "":
				if ep := endpointOf(status, l.cfg.GRPCPort); ep != "" {
					l.mu.Lock()
					if cur, ok := l.running[exchID]; ok && cur.PodName == pod.PodName {
						cur.Endpoint = ep
						l.running[exchID] = cur
					}
					l.mu.Unlock()
				}
			}
		}(exchID, pod)
	}
	wg.Wait()
}

func (l *Loop) evict(exchID, podName, why string) {
	l.mu.Lock()
	if cur, ok := l.running[exchID]; ok && cur.PodName == podName {
		delete(l.running, exchID)
	}
	l.mu.Unlock()

	l.log.Warn().
		Str("exch_id", exchID).
		Str("pod", podName).
		Str("reason", why).
		Msg("Venue pod no longer running, will reschedule")
}

func (l *Loop) startVenue(ctx context.Context, ex domain.Exchange, now time.Time) {
	opCtx, cancel := context.WithTimeout(ctx, l.cfg.PodOpTimeout)
	defer cancel()

	spec := l.venueManifest(ex)
	ref, err := l.api.Start(opCtx, spec)
	if errors.Is(err, ErrPodExists) {
		status, rerr := l.api.Read(opCtx, spec.Name)
		if rerr == nil && status.Healthy() {
			// Drift: the pod is already up. Adopt it instead of failing.
			ref, err = spec.Name, nil
		} else {
			_ = l.api.Stop(opCtx, spec.Name)
			err = fmt.Errorf("removed stale pod %s, retrying", spec.Name)
		}
	}
	if err != nil {
		l.noteStartFailure(ex.ExchID, now, err)
		return
	}

	pod := runningPod{PodName: ref}
	if status, err := l.api.Read(opCtx, ref); err == nil {
		pod.Endpoint = endpointOf(status, l.cfg.GRPCPort)
	}

	l.mu.Lock()
	delete(l.retries, ex.ExchID)
	l.running[ex.ExchID] = pod
	l.mu.Unlock()

	l.log.Info().
		Str("exch_id", ex.ExchID).
		Str("pod", ref).
		Str("endpoint", pod.Endpoint).
		Msg("Venue pod started")
}

func (l *Loop) stopVenue(ctx context.Context, exchID string) {
	l.mu.Lock()
	pod, ok := l.running[exchID]
	l.mu.Unlock()
	if !ok {
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, l.cfg.PodOpTimeout)
	defer cancel()

	if err := l.api.Stop(opCtx, pod.PodName); err != nil {
		// The entry stays cached, so the next tick tries again.
		l.log.Warn().
			Err(err).
			Str("exch_id", exchID).
			Str("pod", pod.PodName).
			Msg("Failed to stop venue pod, will retry next tick")
		return
	}

	l.mu.Lock()
	delete(l.running, exchID)
	l.mu.Unlock()

	l.log.Info().Str("exch_id", exchID).Str("pod", pod.PodName).Msg("Venue pod stopped")
}

// allowStartLocked reports whether a start attempt is due. Caller holds mu.
func (l *Loop) allowStartLocked(exchID string, now time.Time) bool {
	st := l.retries[exchID]
	if st == nil {
		return true
	}
	if st.attempts >= l.cfg.MaxStartAttempts {
		return false
	}
	return !now.Before(st.next)
}

func (l *Loop) noteStartFailure(exchID string, now time.Time, cause error) {
	l.mu.Lock()
	st := l.retries[exchID]
	if st == nil {
		st = &startRetry{}
		l.retries[exchID] = st
	}
	st.attempts++
	attempts := st.attempts
	delay := l.cfg.StartBackoffBase << (attempts - 1)
	st.next = now.Add(delay)
	l.mu.Unlock()

	if attempts >= l.cfg.MaxStartAttempts {
		l.log.Error().
			Err(cause).
			Str("exch_id", exchID).
			Int("attempts", attempts).
			Msg("Giving up on venue pod until the next trading window")
		return
	}

	l.log.Warn().
		Err(cause).
		Str("exch_id", exchID).
		Int("attempt", attempts).
		Dur("retry_in", delay).
		Msg("Failed to start venue pod")
}

// sweep deletes pods nothing accounts for: venue pods outside their window
// or registry, and simulator pods whose instance row is terminal or missing.
func (l *Loop) sweep(ctx context.Context, activeSet map[string]domain.Exchange, now time.Time) {
	expected := make(map[string]bool, len(activeSet))
	for exchID, ex := range activeSet {
		should, err := shouldBeRunning(ex, now)
		if err != nil || should {
			// Unschedulable venues are kept rather than reaped on a guess.
			expected[exchangePodName(exchID)] = true
		}
	}

	refs, err := l.api.List(ctx, exchangeSelector)
	if err != nil {
		l.log.Warn().Err(err).Msg("Orphan sweep: failed to list venue pods")
	} else {
		for _, ref := range refs {
			if expected[ref] {
				continue
			}
			l.reap(ctx, ref, "no venue schedules this pod")
		}
	}

	refs, err = l.api.List(ctx, simulatorSelector)
	if err != nil {
		l.log.Warn().Err(err).Msg("Orphan sweep: failed to list simulator pods")
		return
	}
	for _, ref := range refs {
		simulatorID := strings.TrimPrefix(ref, simPodPrefix)
		if simulatorID == ref {
			// Not named by us; leave it alone.
			continue
		}
		sim, err := l.sims.GetSimulator(simulatorID)
		if err != nil {
			l.log.Warn().Err(err).Str("pod", ref).Msg("Orphan sweep: lookup failed")
			continue
		}
		if sim == nil || sim.Status.Terminal() {
			l.reap(ctx, ref, "simulator record terminal or missing")
		}
	}
}

func (l *Loop) reap(ctx context.Context, ref, why string) {
	opCtx, cancel := context.WithTimeout(ctx, l.cfg.PodOpTimeout)
	defer cancel()

	if err := l.api.Stop(opCtx, ref); err != nil {
		l.log.Warn().Err(err).Str("pod", ref).Msg("Orphan sweep: failed to delete pod")
		return
	}
	l.log.Info().Str("pod", ref).Str("reason", why).Msg("Orphan pod deleted")
}

// venueManifest builds the pod spec for an exchange venue.
func (l *Loop) venueManifest(ex domain.Exchange) PodSpec {
	return PodSpec{
		Name:  exchangePodName(ex.ExchID),
		Image: l.cfg.PodImage,
		Labels: map[string]string{
			labelApp:  appExchange,
			"exch_id": ex.ExchID,
		},
		Env: map[string]string{
			"EXCHANGE_ID":       ex.ExchID,
			"EXCHANGE_TIMEZONE": ex.Timezone,
		},
		Ports: []int{l.cfg.GRPCPort, l.cfg.IntakePort},
	}
}

// endpointOf derives the gRPC dial address from a pod status.
func endpointOf(status *PodStatus, grpcPort int) string {
	if status == nil || status.IP == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", status.IP, grpcPort)
}

// ExchangeState is one venue's scheduling snapshot for the admin surface.
type ExchangeState struct {
	ExchID        string `json:"exch_id"`
	Name          string `json:"name"`
	ShouldRun     bool   `json:"should_be_running"`
	Running       bool   `json:"running"`
	PodName       string `json:"pod_name,omitempty"`
	Endpoint      string `json:"endpoint,omitempty"`
	StartAttempts int    `json:"start_attempts,omitempty"`
}

// Snapshot reports every registered venue's scheduling state.
func (l *Loop) Snapshot() ([]ExchangeState, error) {
	actives, err := l.exchanges.ListActiveExchanges()
	if err != nil {
		return nil, fmt.Errorf("failed to read exchange registry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.nowFn()
	out := make([]ExchangeState, 0, len(actives))
	for _, ex := range actives {
		should, _ := shouldBeRunning(ex, now)
		state := ExchangeState{ExchID: ex.ExchID, Name: ex.Name, ShouldRun: should}
		if pod, ok := l.running[ex.ExchID]; ok {
			state.Running = true
			state.PodName = pod.PodName
			state.Endpoint = pod.Endpoint
		}
		if st := l.retries[ex.ExchID]; st != nil {
			state.StartAttempts = st.attempts
		}
		out = append(out, state)
	}
	return out, nil
}
