package domain

import "fmt"

// Urgency expresses how aggressively a conviction should be worked
type Urgency string

const (
	UrgencyLow    Urgency = "LOW"
	UrgencyMedium Urgency = "MEDIUM"
	UrgencyHigh   Urgency = "HIGH"
)

// UrgencyProfile maps an urgency level to execution tagging for the orders
// the pipeline generates.
type UrgencyProfile struct {
	ParticipationRate float64
	MaxDurationHours  float64
}

// urgencyTable drives order tagging in the order generator
var urgencyTable = map[Urgency]UrgencyProfile{
	UrgencyLow:    {ParticipationRate: 0.05, MaxDurationHours: 24},
	UrgencyMedium: {ParticipationRate: 0.10, MaxDurationHours: 8},
	UrgencyHigh:   {ParticipationRate: 0.25, MaxDurationHours: 2},
}

// ProfileFor returns the execution profile for an urgency level
func ProfileFor(u Urgency) (UrgencyProfile, error) {
	p, ok := urgencyTable[u]
	if !ok {
		return UrgencyProfile{}, fmt.Errorf("unknown urgency %q", u)
	}
	return p, nil
}

// Conviction is a trade intent. Exactly one of TargetWeight, TargetNotional,
// or Score should be set; the pipeline normalises notionals and scores into
// weights before solving.
type Conviction struct {
	Symbol         string   `json:"symbol"`
	TargetWeight   *float64 `json:"target_weight,omitempty"`
	TargetNotional *float64 `json:"target_notional,omitempty"`
	Score          *float64 `json:"score,omitempty"`
	Urgency        Urgency  `json:"urgency"`
	RequestID      string   `json:"request_id,omitempty"`
}

// Validate checks the conviction shape
func (c *Conviction) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	set := 0
	if c.TargetWeight != nil {
		set++
	}
	if c.TargetNotional != nil {
		set++
	}
	if c.Score != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("exactly one of target_weight, target_notional, score must be set, got %d", set)
	}
	if _, err := ProfileFor(c.Urgency); err != nil {
		return err
	}
	return nil
}

// DecisionEntry is one pipeline stage's note about a conviction
type DecisionEntry struct {
	Stage   string `json:"stage"`
	Symbol  string `json:"symbol"`
	Detail  string `json:"detail"`
	Dropped bool   `json:"dropped,omitempty"`
}

// DecisionLog is the ordered, append-only trace of a pipeline run
type DecisionLog struct {
	entries []DecisionEntry
}

// Append records one stage decision
func (l *DecisionLog) Append(stage, symbol, detail string) {
	l.entries = append(l.entries, DecisionEntry{Stage: stage, Symbol: symbol, Detail: detail})
}

// AppendDrop records a stage decision that removed the symbol
func (l *DecisionLog) AppendDrop(stage, symbol, detail string) {
	l.entries = append(l.entries, DecisionEntry{Stage: stage, Symbol: symbol, Detail: detail, Dropped: true})
}

// Entries returns the log in append order
func (l *DecisionLog) Entries() []DecisionEntry {
	out := make([]DecisionEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

// ConvictionResult is the per-conviction outcome returned to the caller
type ConvictionResult struct {
	Symbol      string          `json:"symbol"`
	Success     bool            `json:"success"`
	OrderIDs    []string        `json:"order_ids,omitempty"`
	Error       string          `json:"error,omitempty"`
	DecisionLog []DecisionEntry `json:"decision_log,omitempty"`
}
