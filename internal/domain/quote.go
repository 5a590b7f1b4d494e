package domain

import "time"

// QuoteState is the per-side state of the quote engine.
type QuoteState string

const (
	StateIdle        QuoteState = "IDLE"
	StateQuoting     QuoteState = "QUOTING"
	StateWithdrawing QuoteState = "WITHDRAWING"
)

// QuoteReason is shown to the operator next to each side.
type QuoteReason string

const (
	ReasonNone         QuoteReason = ""
	ReasonAtCeiling    QuoteReason = "at ceiling"
	ReasonOverexposed  QuoteReason = "overexposed"
	ReasonOverbid      QuoteReason = "competitor overbidding"
	ReasonRebalancing  QuoteReason = "rebalancing"
	ReasonEventStarted QuoteReason = "event started"
	ReasonNoRoom       QuoteReason = "no room below ceiling"
)

// SideQuote is the quote state of one side.
type SideQuote struct {
	State        QuoteState
	Target       int // 0 = withdraw
	Ceiling      int
	Reason       QuoteReason
	StickySince  time.Time
	OverbidSince time.Time // zero when no overbidder is being tracked
}

// MatchStatus is the operator-facing view of a match.
type MatchStatus struct {
	Match     Match
	QuoteA    SideQuote
	QuoteB    SideQuote
	Position  InventoryPosition
	Orders    []LiveOrder
	Warning   string
	Anomalies int
	UpdatedAt time.Time
}

// Quote returns the side quote for side.
func (s MatchStatus) Quote(side Side) SideQuote {
	if side == SideB {
		return s.QuoteB
	}
	return s.QuoteA
}
