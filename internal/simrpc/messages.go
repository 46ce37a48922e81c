package simrpc

// Wire structs carry both tag sets: gRPC marshals them with the msgpack
// codec, the session core re-emits them as JSON on the client WebSocket.

// HeartbeatRequest resets the simulator's TTL timer
type HeartbeatRequest struct {
	SessionID string `msgpack:"session_id" json:"session_id"`
	ClientTS  int64  `msgpack:"client_ts" json:"client_ts"` // unix millis at the sender
}

// HeartbeatResponse acknowledges a heartbeat
type HeartbeatResponse struct {
	OK       bool  `msgpack:"ok" json:"ok"`
	ServerTS int64 `msgpack:"server_ts" json:"server_ts"` // unix millis at the simulator
}

// StreamRequest opens the exchange data stream for a set of symbols
type StreamRequest struct {
	Symbols []string `msgpack:"symbols" json:"symbols"`
}

// MarketDataItem is one symbol's state inside a stream frame
type MarketDataItem struct {
	Symbol      string  `msgpack:"symbol" json:"symbol"`
	TimestampMS int64   `msgpack:"timestamp_ms" json:"timestamp_ms"`
	Open        float64 `msgpack:"open" json:"open"`
	High        float64 `msgpack:"high" json:"high"`
	Low         float64 `msgpack:"low" json:"low"`
	Close       float64 `msgpack:"close" json:"close"`
	Volume      float64 `msgpack:"volume" json:"volume"`
	VWAP        float64 `msgpack:"vwap" json:"vwap"`
	LastPrice   float64 `msgpack:"last_price" json:"last_price"`
}

// OrderDataItem is one order's state inside a stream frame
type OrderDataItem struct {
	OrderID        string  `msgpack:"order_id" json:"order_id"`
	RequestID      string  `msgpack:"request_id,omitempty" json:"request_id,omitempty"`
	Symbol         string  `msgpack:"symbol" json:"symbol"`
	Side           string  `msgpack:"side" json:"side"`
	Type           string  `msgpack:"type" json:"type"`
	Status         string  `msgpack:"status" json:"status"`
	Quantity       float64 `msgpack:"quantity" json:"quantity"`
	FilledQuantity float64 `msgpack:"filled_quantity" json:"filled_quantity"`
	AvgPrice       float64 `msgpack:"avg_price" json:"avg_price"`
}

// PositionItem is one position inside a portfolio snapshot
type PositionItem struct {
	Symbol      string  `msgpack:"symbol" json:"symbol"`
	Quantity    float64 `msgpack:"quantity" json:"quantity"`
	AverageCost float64 `msgpack:"average_cost" json:"average_cost"`
	MarketValue float64 `msgpack:"market_value" json:"market_value"`
}

// PortfolioData is the portfolio snapshot inside a stream frame
type PortfolioData struct {
	CashBalance float64        `msgpack:"cash_balance" json:"cash_balance"`
	Positions   []PositionItem `msgpack:"positions" json:"positions"`
	TotalValue  float64        `msgpack:"total_value" json:"total_value"`
}

// ExchangeDataUpdate is one frame on the exchange data stream. UpdateID is
// monotonic per stream; all simulator state mutations for the minute are
// committed before the frame is emitted.
type ExchangeDataUpdate struct {
	UpdateID    int64            `msgpack:"update_id" json:"update_id"`
	TimestampMS int64            `msgpack:"timestamp_ms" json:"timestamp_ms"`
	MarketData  []MarketDataItem `msgpack:"market_data" json:"market_data"`
	OrdersData  []OrderDataItem  `msgpack:"orders_data" json:"orders_data"`
	Portfolio   PortfolioData    `msgpack:"portfolio" json:"portfolio"`
}

// SubmitOrderRequest submits one order. Idempotent on (user_id, request_id);
// replays return the original order id.
type SubmitOrderRequest struct {
	Symbol    string  `msgpack:"symbol" json:"symbol"`
	Side      string  `msgpack:"side" json:"side"`
	Quantity  float64 `msgpack:"quantity" json:"quantity"`
	Type      string  `msgpack:"type" json:"type"`
	Price     float64 `msgpack:"price,omitempty" json:"price,omitempty"` // LIMIT only
	RequestID string  `msgpack:"request_id" json:"request_id"`
}

// SubmitOrderResponse reports the outcome of an order submission
type SubmitOrderResponse struct {
	Success bool   `msgpack:"success" json:"success"`
	OrderID string `msgpack:"order_id,omitempty" json:"order_id,omitempty"`
	Error   string `msgpack:"error,omitempty" json:"error,omitempty"`
}

// CancelOrderRequest cancels an order by id. Cancelling an already-terminal
// order succeeds without effect.
type CancelOrderRequest struct {
	OrderID string `msgpack:"order_id" json:"order_id"`
}

// CancelOrderResponse reports the outcome of a cancellation
type CancelOrderResponse struct {
	Success bool   `msgpack:"success" json:"success"`
	Error   string `msgpack:"error,omitempty" json:"error,omitempty"`
}

// ConvictionItem is one conviction intent: a target expressed as exactly one
// of weight, notional, or score, plus the urgency that picks the execution
// profile. Pointers keep an explicit zero target (close the position)
// distinct from unset.
type ConvictionItem struct {
	Symbol         string   `msgpack:"symbol" json:"symbol"`
	TargetWeight   *float64 `msgpack:"target_weight,omitempty" json:"target_weight,omitempty"`
	TargetNotional *float64 `msgpack:"target_notional,omitempty" json:"target_notional,omitempty"`
	Score          *float64 `msgpack:"score,omitempty" json:"score,omitempty"`
	Urgency        string   `msgpack:"urgency" json:"urgency"`
	RequestID      string   `msgpack:"request_id" json:"request_id"`
}

// SubmitConvictionRequest runs a batch of convictions through the pipeline
type SubmitConvictionRequest struct {
	Convictions []ConvictionItem `msgpack:"convictions" json:"convictions"`
}

// ConvictionResult is the per-conviction outcome, including the ordered
// decision log appended by each pipeline stage
type ConvictionResult struct {
	Symbol      string   `msgpack:"symbol" json:"symbol"`
	RequestID   string   `msgpack:"request_id" json:"request_id"`
	Accepted    bool     `msgpack:"accepted" json:"accepted"`
	OrderIDs    []string `msgpack:"order_ids,omitempty" json:"order_ids,omitempty"`
	Error       string   `msgpack:"error,omitempty" json:"error,omitempty"`
	DecisionLog []string `msgpack:"decision_log" json:"decision_log"`
}

// SubmitConvictionResponse reports the outcome of a conviction batch
type SubmitConvictionResponse struct {
	Results []ConvictionResult `msgpack:"results" json:"results"`
}
