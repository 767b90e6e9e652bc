package model

import "github.com/shopspring/decimal"

// Credentials authenticate one dashboard session. Opaque to the engine and
// never written to the log bus in cleartext.
type Credentials struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (c Credentials) Valid() bool {
	return c.Login != "" && c.Password != ""
}

// AmountFilter bounds the order amounts the worker is allowed to claim.
// Either side may be nil (unconstrained). The engine applies the bounds as
// given; it does not enforce min <= max.
type AmountFilter struct {
	Min *decimal.Decimal `json:"min,omitempty"`
	Max *decimal.Decimal `json:"max,omitempty"`
}

func (f AmountFilter) Empty() bool {
	return f.Min == nil && f.Max == nil
}

// Match reports whether an amount passes the filter. A nil amount matches
// only when no bound is configured: an order whose amount cannot be read
// must never be claimed blind.
func (f AmountFilter) Match(amount *decimal.Decimal) bool {
	if f.Empty() {
		return true
	}
	if amount == nil {
		return false
	}
	if f.Min != nil && amount.LessThan(*f.Min) {
		return false
	}
	if f.Max != nil && amount.GreaterThan(*f.Max) {
		return false
	}
	return true
}

// OrderCandidate is one row observed in the dashboard order listing.
// Candidates live only for the duration of a scan.
type OrderCandidate struct {
	Slug   string           `json:"slug"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
}

type OutcomeStatus string

const (
	OutcomeClaimed   OutcomeStatus = "claimed"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeAuthStuck OutcomeStatus = "auth_stuck"
)

// OutcomeEvent crosses the bridge from the worker goroutine to the sink.
type OutcomeEvent struct {
	RunID  string           `json:"runId"`
	Slug   string           `json:"slug,omitempty"`
	Amount *decimal.Decimal `json:"amount,omitempty"`
	Status OutcomeStatus    `json:"status"`
	AtMs   int64            `json:"atMs"`
	// Failures carries the consecutive re-auth failure count on auth_stuck
	// events.
	Failures int `json:"failures,omitempty"`
}

// OrderLogEntry is a persisted outcome row.
type OrderLogEntry struct {
	ID      int64            `json:"id"`
	RunID   string           `json:"runId"`
	Slug    string           `json:"slug"`
	Amount  *decimal.Decimal `json:"amount,omitempty"`
	Status  OutcomeStatus    `json:"status"`
	TakenAt int64            `json:"takenAtMs"`
}
