package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/domain"
	"github.com/tradesim/tradesim/internal/simrpc"
)

const heartbeatRPCTimeout = 5 * time.Second

// SimulatorClient is what the session core needs from a simulator
// connection. *simrpc.Client satisfies it; tests substitute fakes.
type SimulatorClient interface {
	Heartbeat(ctx context.Context, req *simrpc.HeartbeatRequest) (*simrpc.HeartbeatResponse, error)
	SubmitOrder(ctx context.Context, req *simrpc.SubmitOrderRequest) (*simrpc.SubmitOrderResponse, error)
	CancelOrder(ctx context.Context, req *simrpc.CancelOrderRequest) (*simrpc.CancelOrderResponse, error)
	SubmitConviction(ctx context.Context, req *simrpc.SubmitConvictionRequest) (*simrpc.SubmitConvictionResponse, error)
	StreamExchangeData(ctx context.Context, symbols []string) (<-chan *simrpc.ExchangeDataUpdate, <-chan error, error)
	Close() error
}

// DialFunc opens a client to a simulator endpoint
type DialFunc func(endpoint string) (SimulatorClient, error)

// feed owns one session's side of the simulator link: it keeps the
// simulator's TTL alive on a ticker and pumps exchange data frames to the
// callbacks. onLost fires when the stream ends for any reason other than a
// deliberate stop.
type feed struct {
	sim      domain.Simulator
	client   SimulatorClient
	interval time.Duration
	onFrame  func(*simrpc.ExchangeDataUpdate)
	onLost   func(error)
	log      zerolog.Logger

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

func newFeed(sim domain.Simulator, client SimulatorClient, interval time.Duration,
	onFrame func(*simrpc.ExchangeDataUpdate), onLost func(error), log zerolog.Logger) *feed {
	return &feed{
		sim:      sim,
		client:   client,
		interval: interval,
		onFrame:  onFrame,
		onLost:   onLost,
		log: log.With().
			Str("simulator_id", sim.SimulatorID).
			Str("session_id", sim.SessionID).
			Logger(),
		done: make(chan struct{}),
	}
}

// start opens the exchange data stream and launches the pump
func (f *feed) start(symbols []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	updates, errs, err := f.client.StreamExchangeData(ctx, symbols)
	if err != nil {
		cancel()
		return err
	}

	go f.run(ctx, updates, errs)
	return nil
}

func (f *feed) run(ctx context.Context, updates <-chan *simrpc.ExchangeDataUpdate, errs <-chan error) {
	defer close(f.done)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.beat(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.beat(ctx)
		case update, ok := <-updates:
			if !ok {
				err := <-errs
				if ctx.Err() == nil {
					f.log.Warn().Err(err).Msg("Exchange data stream lost")
					f.onLost(err)
				}
				return
			}
			f.onFrame(update)
		}
	}
}

// beat refreshes the simulator's TTL. Failures are logged and left to the
// stream to surface; a simulator that stops answering will break the stream.
func (f *feed) beat(ctx context.Context) {
	hbCtx, cancel := context.WithTimeout(ctx, heartbeatRPCTimeout)
	defer cancel()

	resp, err := f.client.Heartbeat(hbCtx, &simrpc.HeartbeatRequest{
		SessionID: f.sim.SessionID,
		ClientTS:  time.Now().UnixMilli(),
	})
	if err != nil {
		if ctx.Err() == nil {
			f.log.Warn().Err(err).Msg("Simulator heartbeat failed")
		}
		return
	}
	if !resp.OK {
		f.log.Warn().Msg("Simulator rejected heartbeat")
	}
}

// stop ends the feed without firing onLost
func (f *feed) stop() {
	f.stopOnce.Do(func() {
		if f.cancel != nil {
			f.cancel()
		}
		_ = f.client.Close()
	})
}
