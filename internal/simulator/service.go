package simulator

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/domain"
	"github.com/tradesim/tradesim/internal/simrpc"
)

// Service exposes the engine over the simulator gRPC contract. Order and
// conviction outcomes travel in response bodies; an RPC error means the
// transport or the engine itself is gone.
type Service struct {
	engine *Engine
	log    zerolog.Logger
}

var _ simrpc.SimulatorServer = (*Service)(nil)

// NewService wraps an engine for gRPC registration.
func NewService(engine *Engine, log zerolog.Logger) *Service {
	return &Service{
		engine: engine,
		log:    log.With().Str("service", "simulator-rpc").Logger(),
	}
}

// Heartbeat resets the TTL window. A heartbeat for the wrong session is
// acknowledged ok=false without touching the timer.
func (s *Service) Heartbeat(_ context.Context, req *simrpc.HeartbeatRequest) (*simrpc.HeartbeatResponse, error) {
	if req.SessionID != s.engine.SessionID() {
		s.log.Warn().Str("session_id", req.SessionID).Msg("Heartbeat for unknown session")
		return &simrpc.HeartbeatResponse{OK: false}, nil
	}
	at := s.engine.Heartbeat()
	return &simrpc.HeartbeatResponse{OK: true, ServerTS: at.UnixMilli()}, nil
}

// StreamExchangeData attaches the caller as the stream consumer. A newer
// subscriber or engine shutdown closes the feed, which ends the stream
// cleanly so the session core can re-subscribe.
func (s *Service) StreamExchangeData(req *simrpc.StreamRequest, stream simrpc.ExchangeDataStream) error {
	want := make(map[string]bool, len(req.Symbols))
	for _, symbol := range req.Symbols {
		want[symbol] = true
	}

	frames, release := s.engine.Subscribe()
	defer release()

	s.log.Info().Strs("symbols", req.Symbols).Msg("Exchange data stream attached")

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if len(want) > 0 {
				frame = filterFrame(frame, want)
			}
			if err := stream.Send(frame); err != nil {
				return err
			}
		}
	}
}

// filterFrame narrows market data to the requested symbols. Orders and the
// portfolio always travel whole.
func filterFrame(frame *simrpc.ExchangeDataUpdate, want map[string]bool) *simrpc.ExchangeDataUpdate {
	filtered := *frame
	filtered.MarketData = nil
	for _, item := range frame.MarketData {
		if want[item.Symbol] {
			filtered.MarketData = append(filtered.MarketData, item)
		}
	}
	return &filtered
}

// SubmitOrder routes a submission to the engine.
func (s *Service) SubmitOrder(ctx context.Context, req *simrpc.SubmitOrderRequest) (*simrpc.SubmitOrderResponse, error) {
	result, err := s.engine.SubmitOrder(ctx, OrderRequest{
		Symbol:    req.Symbol,
		Side:      domain.OrderSide(req.Side),
		Type:      domain.OrderType(req.Type),
		Quantity:  req.Quantity,
		Price:     req.Price,
		RequestID: req.RequestID,
	})
	if err != nil {
		return nil, err
	}
	return &simrpc.SubmitOrderResponse{
		Success: result.Success,
		OrderID: result.OrderID,
		Error:   result.Err,
	}, nil
}

// CancelOrder routes a cancellation to the engine.
func (s *Service) CancelOrder(ctx context.Context, req *simrpc.CancelOrderRequest) (*simrpc.CancelOrderResponse, error) {
	result, err := s.engine.CancelOrder(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	return &simrpc.CancelOrderResponse{Success: result.Success, Error: result.Err}, nil
}

// SubmitConviction runs a batch through the pipeline and flattens each
// decision log for the wire.
func (s *Service) SubmitConviction(ctx context.Context, req *simrpc.SubmitConvictionRequest) (*simrpc.SubmitConvictionResponse, error) {
	convictions := make([]domain.Conviction, len(req.Convictions))
	for i, item := range req.Convictions {
		convictions[i] = domain.Conviction{
			Symbol:         item.Symbol,
			TargetWeight:   item.TargetWeight,
			TargetNotional: item.TargetNotional,
			Score:          item.Score,
			Urgency:        domain.Urgency(item.Urgency),
			RequestID:      item.RequestID,
		}
	}

	results, err := s.engine.SubmitConvictions(ctx, convictions)
	if err != nil {
		return nil, err
	}

	resp := &simrpc.SubmitConvictionResponse{Results: make([]simrpc.ConvictionResult, len(results))}
	for i, result := range results {
		resp.Results[i] = simrpc.ConvictionResult{
			Symbol:      result.Symbol,
			RequestID:   convictions[i].RequestID,
			Accepted:    result.Success,
			OrderIDs:    result.OrderIDs,
			Error:       result.Error,
			DecisionLog: flattenDecisionLog(result.DecisionLog),
		}
	}
	return resp, nil
}

func flattenDecisionLog(entries []domain.DecisionEntry) []string {
	out := make([]string, len(entries))
	for i, entry := range entries {
		line := entry.Stage + ": " + entry.Detail
		if entry.Dropped {
			line += " [dropped]"
		}
		out[i] = line
	}
	return out
}
