package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"github.com/tradesim/tradesim/internal/errs"
	"github.com/tradesim/tradesim/internal/reliability"
	"github.com/tradesim/tradesim/internal/simrpc"
)

// Forwarder is the gateway's client for the session core's forwarding
// surface. The gateway stays stateless: every trading call is relayed to the
// pod that owns the caller's session. Calls run under a circuit breaker;
// while it is open the gateway answers UNAVAILABLE without touching the
// session core. Refusals the session core produced itself (4xx) count as
// answers, not failures.
type Forwarder struct {
	http    *resty.Client
	breaker *reliability.CircuitBreaker
	log     zerolog.Logger
}

// NewForwarder creates a forwarder against the session core's base URL.
func NewForwarder(baseURL string, log zerolog.Logger) *Forwarder {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second)

	return &Forwarder{
		http:    httpClient,
		breaker: reliability.NewDefaultCircuitBreaker("session-core", log),
		log:     log.With().Str("client", "session-core").Logger(),
	}
}

// Wire mirrors of the session core's forwarding endpoints. Error is set on
// refusals, Results on success; resty decodes both through the same struct.

type forwardOrderBatch struct {
	UserID string                      `json:"user_id"`
	Orders []simrpc.SubmitOrderRequest `json:"orders"`
}

type forwardOrderResults struct {
	Results []simrpc.SubmitOrderResponse `json:"results"`
	Error   string                       `json:"error,omitempty"`
}

type forwardCancelBatch struct {
	UserID   string   `json:"user_id"`
	OrderIDs []string `json:"order_ids"`
}

type forwardCancelResults struct {
	Results []simrpc.CancelOrderResponse `json:"results"`
	Error   string                       `json:"error,omitempty"`
}

type forwardConvictionBatch struct {
	UserID      string                  `json:"user_id"`
	Convictions []simrpc.ConvictionItem `json:"convictions"`
}

type forwardConvictionCancel struct {
	UserID     string   `json:"user_id"`
	RequestIDs []string `json:"request_ids"`
}

type forwardConvictionResults struct {
	Results []simrpc.ConvictionResult `json:"results"`
	Error   string                    `json:"error,omitempty"`
}

// SessionSnapshot is the session core's view of one live session, relayed
// without interpretation.
type SessionSnapshot struct {
	Session   json.RawMessage `json:"session"`
	Details   json.RawMessage `json:"details"`
	Simulator json.RawMessage `json:"simulator"`
	Error     string          `json:"error,omitempty"`
}

// SubmitOrders relays an order batch to the caller's simulator.
func (f *Forwarder) SubmitOrders(ctx context.Context, userID string, orders []simrpc.SubmitOrderRequest) ([]simrpc.SubmitOrderResponse, error) {
	if err := f.breaker.Allow(); err != nil {
		return nil, err
	}

	var out forwardOrderResults
	resp, err := f.http.R().
		SetContext(ctx).
		SetBody(forwardOrderBatch{UserID: userID, Orders: orders}).
		SetResult(&out).
		SetError(&out).
		Post("/v1/orders/submit")
	f.record(resp, err)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "failed to reach session core", err)
	}
	if resp.IsError() {
		return nil, mapRefusal(resp.StatusCode(), out.Error)
	}
	return out.Results, nil
}

// CancelOrders relays an order cancel batch.
func (f *Forwarder) CancelOrders(ctx context.Context, userID string, orderIDs []string) ([]simrpc.CancelOrderResponse, error) {
	if err := f.breaker.Allow(); err != nil {
		return nil, err
	}

	var out forwardCancelResults
	resp, err := f.http.R().
		SetContext(ctx).
		SetBody(forwardCancelBatch{UserID: userID, OrderIDs: orderIDs}).
		SetResult(&out).
		SetError(&out).
		Post("/v1/orders/cancel")
	f.record(resp, err)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "failed to reach session core", err)
	}
	if resp.IsError() {
		return nil, mapRefusal(resp.StatusCode(), out.Error)
	}
	return out.Results, nil
}

// SubmitConvictions relays a conviction batch through the pipeline.
func (f *Forwarder) SubmitConvictions(ctx context.Context, userID string, items []simrpc.ConvictionItem) ([]simrpc.ConvictionResult, error) {
	if err := f.breaker.Allow(); err != nil {
		return nil, err
	}

	var out forwardConvictionResults
	resp, err := f.http.R().
		SetContext(ctx).
		SetBody(forwardConvictionBatch{UserID: userID, Convictions: items}).
		SetResult(&out).
		SetError(&out).
		Post("/v1/convictions/submit")
	f.record(resp, err)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "failed to reach session core", err)
	}
	if resp.IsError() {
		return nil, mapRefusal(resp.StatusCode(), out.Error)
	}
	return out.Results, nil
}

// CancelConvictions relays a conviction cancel batch keyed by request id.
func (f *Forwarder) CancelConvictions(ctx context.Context, userID string, requestIDs []string) ([]simrpc.ConvictionResult, error) {
	if err := f.breaker.Allow(); err != nil {
		return nil, err
	}

	var out forwardConvictionResults
	resp, err := f.http.R().
		SetContext(ctx).
		SetBody(forwardConvictionCancel{UserID: userID, RequestIDs: requestIDs}).
		SetResult(&out).
		SetError(&out).
		Post("/v1/convictions/cancel")
	f.record(resp, err)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "failed to reach session core", err)
	}
	if resp.IsError() {
		return nil, mapRefusal(resp.StatusCode(), out.Error)
	}
	return out.Results, nil
}

// Locate fetches the user's live session snapshot.
func (f *Forwarder) Locate(ctx context.Context, userID string) (*SessionSnapshot, error) {
	if err := f.breaker.Allow(); err != nil {
		return nil, err
	}

	var out SessionSnapshot
	resp, err := f.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&out).
		Get("/v1/sessions/" + userID)
	f.record(resp, err)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "failed to reach session core", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return nil, errs.NotFoundf("no active session")
	}
	if resp.IsError() {
		return nil, mapRefusal(resp.StatusCode(), out.Error)
	}
	out.Error = ""
	return &out, nil
}

// record reports the call outcome to the breaker. Transport errors and 5xx
// answers count as failures; anything the session core answered deliberately
// does not.
func (f *Forwarder) record(resp *resty.Response, err error) {
	if err != nil || resp.StatusCode() >= http.StatusInternalServerError {
		f.breaker.RecordFailure()
		return
	}
	f.breaker.RecordSuccess()
}

// mapRefusal turns a session-core refusal into the taxonomy. 409 means the
// caller has no live session or simulator; 400 is a malformed relay, which
// the gateway's own validation should have caught first.
func mapRefusal(status int, msg string) error {
	if msg == "" {
		msg = "session core refused the request"
	}
	switch status {
	case http.StatusConflict:
		return errs.Conflictf("%s", msg)
	case http.StatusBadRequest:
		return errs.Validationf("%s", msg)
	default:
		return errs.Unavailablef("session core error: %s", msg)
	}
}
