package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tradesim/tradesim/internal/database"
	"github.com/tradesim/tradesim/internal/domain"
	"github.com/tradesim/tradesim/internal/errs"
	"github.com/tradesim/tradesim/internal/simrpc"
)

const (
	maxBatchItems  = 100
	idempotencyTTL = 24 * time.Hour
)

type submitOrdersRequest struct {
	Orders []simrpc.SubmitOrderRequest `json:"orders"`
}

type cancelOrdersRequest struct {
	OrderIDs []string `json:"orderIds"`
}

type submitConvictionsRequest struct {
	Convictions []simrpc.ConvictionItem `json:"convictions"`
}

type cancelConvictionsRequest struct {
	ConvictionIDs []string `json:"convictionIds"`
}

// handleSubmitOrders validates, deduplicates, and relays an order batch.
// Results preserve input order: invalid items are rejected in place,
// replayed request ids answer from the idempotency cache, and only the
// remainder travels to the session core.
func (s *Server) handleSubmitOrders(w http.ResponseWriter, r *http.Request) {
	var req submitOrdersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validationf("invalid request body"))
		return
	}
	if err := checkBatch(len(req.Orders)); err != nil {
		s.writeError(w, err)
		return
	}

	user := userID(r.Context())
	now := time.Now().UTC()
	results := make([]simrpc.SubmitOrderResponse, len(req.Orders))

	var pending []int
	for i := range req.Orders {
		item := &req.Orders[i]
		if err := validateOrderItem(item); err != nil {
			results[i] = simrpc.SubmitOrderResponse{Error: err.Error()}
			continue
		}
		if s.cachedResult(user, item.RequestID, database.ScopeOrder, now, &results[i]) {
			continue
		}
		pending = append(pending, i)
	}

	if len(pending) > 0 {
		batch := make([]simrpc.SubmitOrderRequest, len(pending))
		for j, idx := range pending {
			batch[j] = req.Orders[idx]
		}

		upstream, err := s.forward.SubmitOrders(r.Context(), user, batch)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if len(upstream) != len(pending) {
			s.writeError(w, errs.Internalf("session core returned %d results for %d orders", len(upstream), len(pending)))
			return
		}

		for j, idx := range pending {
			results[idx] = upstream[j]
			s.cacheResult(user, req.Orders[idx].RequestID, database.ScopeOrder, upstream[j], upstream[j].Success, now)
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// handleCancelOrders relays an order cancel batch. Cancels carry no request
// id; the simulator makes them idempotent on its own.
func (s *Server) handleCancelOrders(w http.ResponseWriter, r *http.Request) {
	var req cancelOrdersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validationf("invalid request body"))
		return
	}
	if err := checkBatch(len(req.OrderIDs)); err != nil {
		s.writeError(w, err)
		return
	}

	user := userID(r.Context())
	results := make([]simrpc.CancelOrderResponse, len(req.OrderIDs))

	var pending []int
	for i, id := range req.OrderIDs {
		if id == "" {
			results[i] = simrpc.CancelOrderResponse{Error: "order id is required"}
			continue
		}
		pending = append(pending, i)
	}

	if len(pending) > 0 {
		ids := make([]string, len(pending))
		for j, idx := range pending {
			ids[j] = req.OrderIDs[idx]
		}

		upstream, err := s.forward.CancelOrders(r.Context(), user, ids)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if len(upstream) != len(pending) {
			s.writeError(w, errs.Internalf("session core returned %d results for %d cancels", len(upstream), len(pending)))
			return
		}

		for j, idx := range pending {
			results[idx] = upstream[j]
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// handleSubmitConvictions validates and relays a conviction batch, with the
// same in-place rejection and idempotency short-circuit as order submits.
func (s *Server) handleSubmitConvictions(w http.ResponseWriter, r *http.Request) {
	var req submitConvictionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validationf("invalid request body"))
		return
	}
	if err := checkBatch(len(req.Convictions)); err != nil {
		s.writeError(w, err)
		return
	}

	user := userID(r.Context())
	now := time.Now().UTC()
	results := make([]simrpc.ConvictionResult, len(req.Convictions))

	var pending []int
	for i := range req.Convictions {
		item := &req.Convictions[i]
		if err := validateConvictionItem(item); err != nil {
			results[i] = simrpc.ConvictionResult{
				Symbol:    item.Symbol,
				RequestID: item.RequestID,
				Error:     err.Error(),
			}
			continue
		}
		if s.cachedResult(user, item.RequestID, database.ScopeConviction, now, &results[i]) {
			continue
		}
		pending = append(pending, i)
	}

	if len(pending) > 0 {
		batch := make([]simrpc.ConvictionItem, len(pending))
		for j, idx := range pending {
			batch[j] = req.Convictions[idx]
		}

		upstream, err := s.forward.SubmitConvictions(r.Context(), user, batch)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if len(upstream) != len(pending) {
			s.writeError(w, errs.Internalf("session core returned %d results for %d convictions", len(upstream), len(pending)))
			return
		}

		for j, idx := range pending {
			results[idx] = upstream[j]
			s.cacheResult(user, req.Convictions[idx].RequestID, database.ScopeConviction, upstream[j], upstream[j].Accepted, now)
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// handleCancelConvictions relays a conviction cancel batch keyed by the
// request ids the convictions were submitted under.
func (s *Server) handleCancelConvictions(w http.ResponseWriter, r *http.Request) {
	var req cancelConvictionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errs.Validationf("invalid request body"))
		return
	}
	if err := checkBatch(len(req.ConvictionIDs)); err != nil {
		s.writeError(w, err)
		return
	}

	user := userID(r.Context())
	results := make([]simrpc.ConvictionResult, len(req.ConvictionIDs))

	var pending []int
	for i, id := range req.ConvictionIDs {
		if id == "" {
			results[i] = simrpc.ConvictionResult{Error: "conviction id is required"}
			continue
		}
		pending = append(pending, i)
	}

	if len(pending) > 0 {
		ids := make([]string, len(pending))
		for j, idx := range pending {
			ids[j] = req.ConvictionIDs[idx]
		}

		upstream, err := s.forward.CancelConvictions(r.Context(), user, ids)
		if err != nil {
			s.writeError(w, err)
			return
		}
		if len(upstream) != len(pending) {
			s.writeError(w, errs.Internalf("session core returned %d results for %d cancels", len(upstream), len(pending)))
			return
		}

		for j, idx := range pending {
			results[idx] = upstream[j]
		}
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{"results": results})
}

// handleSession returns the caller's live session snapshot from the session
// core.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.forward.Locate(r.Context(), userID(r.Context()))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// cachedResult looks up a prior outcome for the request id and decodes it
// into out. Cache errors fall through to a fresh forward; replay protection
// degrades rather than blocking trading.
func (s *Server) cachedResult(user, requestID string, scope database.IdempotencyScope, now time.Time, out interface{}) bool {
	if requestID == "" {
		return false
	}
	payload, hit, err := s.db.GetCachedResponse(user, requestID, scope, now)
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", user).Str("request_id", requestID).Msg("Idempotency cache read failed")
		return false
	}
	if !hit {
		return false
	}
	if err := json.Unmarshal(payload, out); err != nil {
		s.log.Warn().Err(err).Str("request_id", requestID).Msg("Cached response is unreadable")
		return false
	}
	return true
}

// cacheResult stores a successful per-item outcome under its request id so a
// retried submit answers from the cache instead of re-reaching the
// simulator. Failed outcomes are not cached; the client may retry them.
func (s *Server) cacheResult(user, requestID string, scope database.IdempotencyScope, result interface{}, success bool, now time.Time) {
	if requestID == "" || !success {
		return
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.db.PutCachedResponse(user, requestID, scope, payload, now, idempotencyTTL); err != nil {
		s.log.Warn().Err(err).Str("user_id", user).Str("request_id", requestID).Msg("Idempotency cache write failed")
	}
}

func checkBatch(n int) error {
	if n == 0 {
		return errs.Validationf("batch must contain at least one item")
	}
	if n > maxBatchItems {
		return errs.Validationf("batch exceeds %d items", maxBatchItems)
	}
	return nil
}

// validateOrderItem runs the domain's order checks against a wire item.
func validateOrderItem(item *simrpc.SubmitOrderRequest) error {
	order := domain.Order{
		Symbol:   item.Symbol,
		Side:     domain.OrderSide(item.Side),
		Type:     domain.OrderType(item.Type),
		Quantity: item.Quantity,
		Price:    item.Price,
	}
	return order.Validate()
}

func validateConvictionItem(item *simrpc.ConvictionItem) error {
	conviction := domain.Conviction{
		Symbol:         item.Symbol,
		TargetWeight:   item.TargetWeight,
		TargetNotional: item.TargetNotional,
		Score:          item.Score,
		Urgency:        domain.Urgency(item.Urgency),
		RequestID:      item.RequestID,
	}
	return conviction.Validate()
}
