package session

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tradesim/tradesim/internal/simrpc"
)

const forwardTimeout = 5 * time.Second

type orderBatchRequest struct {
	UserID string                      `json:"user_id"`
	Orders []simrpc.SubmitOrderRequest `json:"orders"`
}

type orderBatchResponse struct {
	Results []simrpc.SubmitOrderResponse `json:"results"`
}

type cancelBatchRequest struct {
	UserID   string   `json:"user_id"`
	OrderIDs []string `json:"order_ids"`
}

type cancelBatchResponse struct {
	Results []simrpc.CancelOrderResponse `json:"results"`
}

type convictionBatchRequest struct {
	UserID      string                  `json:"user_id"`
	Convictions []simrpc.ConvictionItem `json:"convictions"`
}

type convictionCancelRequest struct {
	UserID     string   `json:"user_id"`
	RequestIDs []string `json:"request_ids"`
}

type convictionCancelResponse struct {
	Results []simrpc.ConvictionResult `json:"results"`
}

// forwardClient resolves the caller's live simulator connection, mapping the
// manager's session errors onto 409 so the gateway can tell "no simulator"
// apart from a transport fault.
func (s *Server) forwardClient(w http.ResponseWriter, userID string) (SimulatorClient, bool) {
	if userID == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "user_id is required"})
		return nil, false
	}

	client, _, err := s.manager.SimulatorClient(userID)
	if err != nil {
		s.writeJSON(w, http.StatusConflict, map[string]interface{}{"error": err.Error()})
		return nil, false
	}
	return client, true
}

func (s *Server) handleSubmitOrders(w http.ResponseWriter, r *http.Request) {
	var req orderBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
		return
	}

	client, ok := s.forwardClient(w, req.UserID)
	if !ok {
		return
	}

	// Orders forward one at a time so the simulator sees them in the
	// order the client sent them.
	results := make([]simrpc.SubmitOrderResponse, 0, len(req.Orders))
	for i := range req.Orders {
		ctx, cancel := context.WithTimeout(r.Context(), forwardTimeout)
		resp, err := client.SubmitOrder(ctx, &req.Orders[i])
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", req.UserID).Msg("Order forward failed")
			results = append(results, simrpc.SubmitOrderResponse{Error: "simulator unreachable"})
			continue
		}
		results = append(results, *resp)
	}

	s.writeJSON(w, http.StatusOK, orderBatchResponse{Results: results})
}

func (s *Server) handleCancelOrders(w http.ResponseWriter, r *http.Request) {
	var req cancelBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
		return
	}

	client, ok := s.forwardClient(w, req.UserID)
	if !ok {
		return
	}

	results := make([]simrpc.CancelOrderResponse, 0, len(req.OrderIDs))
	for _, orderID := range req.OrderIDs {
		ctx, cancel := context.WithTimeout(r.Context(), forwardTimeout)
		resp, err := client.CancelOrder(ctx, &simrpc.CancelOrderRequest{OrderID: orderID})
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", req.UserID).Msg("Cancel forward failed")
			results = append(results, simrpc.CancelOrderResponse{Error: "simulator unreachable"})
			continue
		}
		results = append(results, *resp)
	}

	s.writeJSON(w, http.StatusOK, cancelBatchResponse{Results: results})
}

func (s *Server) handleSubmitConvictions(w http.ResponseWriter, r *http.Request) {
	var req convictionBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
		return
	}

	client, ok := s.forwardClient(w, req.UserID)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), forwardTimeout)
	defer cancel()

	resp, err := client.SubmitConviction(ctx, &simrpc.SubmitConvictionRequest{Convictions: req.Convictions})
	if err != nil {
		s.log.Warn().Err(err).Str("user_id", req.UserID).Msg("Conviction forward failed")
		s.writeJSON(w, http.StatusBadGateway, map[string]interface{}{"error": "simulator unreachable"})
		return
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleCancelConvictions resolves conviction request ids to their child
// orders and cancels the ones still working. Ids whose orders already hit a
// terminal state count as cancelled.
func (s *Server) handleCancelConvictions(w http.ResponseWriter, r *http.Request) {
	var req convictionCancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]interface{}{"error": "invalid request body"})
		return
	}

	client, ok := s.forwardClient(w, req.UserID)
	if !ok {
		return
	}

	results := make([]simrpc.ConvictionResult, 0, len(req.RequestIDs))
	for _, requestID := range req.RequestIDs {
		result := simrpc.ConvictionResult{RequestID: requestID}

		order, err := s.orders.GetOrderByRequestID(req.UserID, requestID)
		if err != nil {
			result.Error = "order lookup failed"
			results = append(results, result)
			continue
		}
		if order == nil {
			result.Error = "unknown request id"
			results = append(results, result)
			continue
		}

		result.Symbol = order.Symbol
		result.OrderIDs = []string{order.OrderID}

		if order.Status.Terminal() {
			result.Accepted = true
			results = append(results, result)
			continue
		}

		ctx, cancel := context.WithTimeout(r.Context(), forwardTimeout)
		resp, err := client.CancelOrder(ctx, &simrpc.CancelOrderRequest{OrderID: order.OrderID})
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Str("user_id", req.UserID).Msg("Conviction cancel forward failed")
			result.Error = "simulator unreachable"
			results = append(results, result)
			continue
		}

		result.Accepted = resp.Success
		result.Error = resp.Error
		results = append(results, result)
	}

	s.writeJSON(w, http.StatusOK, convictionCancelResponse{Results: results})
}

func (s *Server) handleLocate(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	snap, err := s.manager.Info(userID)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": "no active session"})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"session":   snap.Session,
		"details":   snap.Details,
		"simulator": snap.Simulator,
	})
}
