package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"github.com/tradesim/tradesim/internal/domain"
	"github.com/tradesim/tradesim/internal/simrpc"
)

func postJSON(t *testing.T, h *sessionHarness, path string, payload any) (int, []byte) {
	t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(h.ts.URL+path, "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

// forwardHarness brings one user to a live simulator so the forwarding
// endpoints have a connection to use.
func forwardHarness(t *testing.T) (*sessionHarness, *websocket.Conn) {
	t.Helper()
	h := startHarness(t)
	c, _ := connectWS(t, h, "tok-1", "device-a")
	startSimulatorOverWS(t, c)
	return h, c
}

func TestSubmitOrdersRequiresSession(t *testing.T) {
	h := newSessionHarness(t, nil)

	status, body := postJSON(t, h, "/v1/orders/submit", orderBatchRequest{
		UserID: "user-9",
		Orders: []simrpc.SubmitOrderRequest{{Symbol: "AAPL", Side: "BUY", Quantity: 100, Type: "MARKET"}},
	})

	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(body), "no active session")
}

func TestSubmitOrdersRequiresSimulator(t *testing.T) {
	h := newSessionHarness(t, nil)
	connectWS(t, h, "tok-1", "device-a")

	status, body := postJSON(t, h, "/v1/orders/submit", orderBatchRequest{
		UserID: "user-1",
		Orders: []simrpc.SubmitOrderRequest{{Symbol: "AAPL", Side: "BUY", Quantity: 100, Type: "MARKET"}},
	})

	assert.Equal(t, http.StatusConflict, status)
	assert.Contains(t, string(body), "simulator not running")
}

func TestSubmitOrdersForwardsInOrder(t *testing.T) {
	h, _ := forwardHarness(t)

	status, body := postJSON(t, h, "/v1/orders/submit", orderBatchRequest{
		UserID: "user-1",
		Orders: []simrpc.SubmitOrderRequest{
			{Symbol: "AAPL", Side: "BUY", Quantity: 100, Type: "MARKET", RequestID: "r-1"},
			{Symbol: "MSFT", Side: "SELL", Quantity: 50, Type: "LIMIT", Price: 430, RequestID: "r-2"},
		},
	})
	require.Equal(t, http.StatusOK, status)

	var out orderBatchResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Results, 2)
	assert.True(t, out.Results[0].Success)
	assert.True(t, out.Results[1].Success)
	assert.NotEmpty(t, out.Results[0].OrderID)

	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	require.Len(t, h.client.submitted, 2)
	assert.Equal(t, "AAPL", h.client.submitted[0].Symbol)
	assert.Equal(t, "MSFT", h.client.submitted[1].Symbol)
}

func TestSubmitOrdersReportsPerItemFailures(t *testing.T) {
	h, _ := forwardHarness(t)

	h.client.mu.Lock()
	h.client.failSymbol = "MSFT"
	h.client.mu.Unlock()

	status, body := postJSON(t, h, "/v1/orders/submit", orderBatchRequest{
		UserID: "user-1",
		Orders: []simrpc.SubmitOrderRequest{
			{Symbol: "AAPL", Side: "BUY", Quantity: 100, Type: "MARKET"},
			{Symbol: "MSFT", Side: "BUY", Quantity: 10, Type: "MARKET"},
		},
	})
	require.Equal(t, http.StatusOK, status)

	var out orderBatchResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Results, 2)
	assert.True(t, out.Results[0].Success)
	assert.False(t, out.Results[1].Success)
	assert.Equal(t, "simulator unreachable", out.Results[1].Error)
}

func TestSubmitOrdersRejectsBadPayload(t *testing.T) {
	h := newSessionHarness(t, nil)

	resp, err := http.Post(h.ts.URL+"/v1/orders/submit", "application/json", bytes.NewReader([]byte("not json")))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelOrdersForwards(t *testing.T) {
	h, _ := forwardHarness(t)

	status, body := postJSON(t, h, "/v1/orders/cancel", cancelBatchRequest{
		UserID:   "user-1",
		OrderIDs: []string{"ord-1", "ord-2"},
	})
	require.Equal(t, http.StatusOK, status)

	var out cancelBatchResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Results, 2)
	assert.True(t, out.Results[0].Success)

	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	assert.Equal(t, []string{"ord-1", "ord-2"}, h.client.cancelled)
}

func TestConvictionSubmitForwardsBatch(t *testing.T) {
	h, _ := forwardHarness(t)

	weight := 0.1
	status, body := postJSON(t, h, "/v1/convictions/submit", convictionBatchRequest{
		UserID: "user-1",
		Convictions: []simrpc.ConvictionItem{
			{Symbol: "AAPL", TargetWeight: &weight, Urgency: "HIGH", RequestID: "cv-1"},
			{Symbol: "MSFT", TargetWeight: &weight, Urgency: "LOW", RequestID: "cv-2"},
		},
	})
	require.Equal(t, http.StatusOK, status)

	var out simrpc.SubmitConvictionResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Results, 2)
	assert.True(t, out.Results[0].Accepted)
	assert.Equal(t, "cv-1", out.Results[0].RequestID)

	// The batch travels as one call, not one call per conviction
	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	require.Len(t, h.client.convictions, 1)
	assert.Len(t, h.client.convictions[0], 2)
}

func TestConvictionSubmitTransportFailure(t *testing.T) {
	h, _ := forwardHarness(t)

	h.client.mu.Lock()
	h.client.convErr = errors.New("transport is closing")
	h.client.mu.Unlock()

	status, body := postJSON(t, h, "/v1/convictions/submit", convictionBatchRequest{
		UserID:      "user-1",
		Convictions: []simrpc.ConvictionItem{{Symbol: "AAPL", Urgency: "HIGH", RequestID: "cv-1"}},
	})

	assert.Equal(t, http.StatusBadGateway, status)
	assert.Contains(t, string(body), "simulator unreachable")
}

func TestConvictionCancelResolvesRequestIDs(t *testing.T) {
	h, _ := forwardHarness(t)

	now := time.Now()
	require.NoError(t, h.orders.SaveOrder(domain.Order{
		OrderID:   "ord-done",
		UserID:    "user-1",
		Symbol:    "AAPL",
		Side:      domain.SideBuy,
		Type:      domain.TypeMarket,
		Quantity:  100,
		Status:    domain.OrderFilled,
		RequestID: "r-done",
		CreatedAt: now,
		UpdatedAt: now,
	}))
	require.NoError(t, h.orders.SaveOrder(domain.Order{
		OrderID:   "ord-live",
		UserID:    "user-1",
		Symbol:    "MSFT",
		Side:      domain.SideSell,
		Type:      domain.TypeLimit,
		Quantity:  50,
		Price:     430,
		Status:    domain.OrderNew,
		RequestID: "r-live",
		CreatedAt: now,
		UpdatedAt: now,
	}))

	status, body := postJSON(t, h, "/v1/convictions/cancel", convictionCancelRequest{
		UserID:     "user-1",
		RequestIDs: []string{"r-done", "r-live", "r-missing"},
	})
	require.Equal(t, http.StatusOK, status)

	var out convictionCancelResponse
	require.NoError(t, json.Unmarshal(body, &out))
	require.Len(t, out.Results, 3)

	// Already terminal: cancelled by definition, no call to the simulator
	assert.True(t, out.Results[0].Accepted)
	assert.Equal(t, []string{"ord-done"}, out.Results[0].OrderIDs)

	// Still working: cancelled through the simulator
	assert.True(t, out.Results[1].Accepted)
	assert.Equal(t, []string{"ord-live"}, out.Results[1].OrderIDs)

	// Unknown request id
	assert.False(t, out.Results[2].Accepted)
	assert.Equal(t, "unknown request id", out.Results[2].Error)

	h.client.mu.Lock()
	defer h.client.mu.Unlock()
	assert.Equal(t, []string{"ord-live"}, h.client.cancelled)
}

func TestLocateSession(t *testing.T) {
	h := newSessionHarness(t, nil)
	_, sessionID := connectWS(t, h, "tok-1", "device-a")

	resp, err := http.Get(h.ts.URL + "/v1/sessions/user-1")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), sessionID)

	resp, err = http.Get(h.ts.URL + "/v1/sessions/user-9")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
