package payment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pos/internal/cart"
)

// ErrSettlementState is returned for a transition the settlement state machine does not allow.
var ErrSettlementState = errors.New("invalid settlement transition")

// State is the lifecycle position of the transaction being settled.
type State string

const (
	NotStarted State = "not_started"
	InProgress State = "in_progress"
	Completed  State = "completed"
)

// Settlement tracks one transaction at a time. A transaction is atomic: it is either
// completed or aborted back to NotStarted. It is not safe for concurrent use.
type Settlement struct {
	state State
	quote Quote
}

// State returns the current state.
func (s *Settlement) State() State {
	if s.state == "" {
		return NotStarted
	}
	return s.state
}

// Begin moves a fresh (or previously completed) settlement into progress for the quote.
func (s *Settlement) Begin(q Quote) error {
	if s.State() == InProgress {
		return fmt.Errorf("begin while %s: %w", s.State(), ErrSettlementState)
	}
	s.state = InProgress
	s.quote = q
	return nil
}

// Quote returns the quote being settled.
func (s *Settlement) Quote() Quote {
	return s.quote
}

// Complete finalises the transaction in progress.
func (s *Settlement) Complete() error {
	if s.State() != InProgress {
		return fmt.Errorf("complete while %s: %w", s.State(), ErrSettlementState)
	}
	s.state = Completed
	return nil
}

// Abort discards the transaction in progress.
func (s *Settlement) Abort() {
	s.state = NotStarted
	s.quote = Quote{}
}

// Sale is an immutable finalised transaction.
type Sale struct {
	ID          string          `json:"id"`
	BillNumber  string          `json:"billNumber"`
	TerminalID  string          `json:"terminalId"`
	Timestamp   time.Time       `json:"timestamp"`
	PaymentType Method          `json:"paymentType"`
	Breakdown   Breakdown       `json:"breakdown"`
	Subtotal    decimal.Decimal `json:"subtotal"`
	Tax         decimal.Decimal `json:"tax"`
	GrandTotal  decimal.Decimal `json:"grandTotal"`
	Tendered    decimal.Decimal `json:"tendered"`
	Change      decimal.Decimal `json:"change"`
	Lines       []cart.LineItem `json:"lines,omitempty"`
	Customer    cart.Customer   `json:"customer"`
	RemoteID    string          `json:"remoteId,omitempty"`
}

// CashPortion is the amount the sale adds to the drawer.
func (s Sale) CashPortion() decimal.Decimal {
	return s.Breakdown.Cash
}

// Amounts attributes the sale to instruments: split sales use their breakdown, single
// instrument sales attribute the grand total to that instrument.
func (s Sale) Amounts() Breakdown {
	out := Breakdown{Cash: decimal.Zero, Card: decimal.Zero, UPI: decimal.Zero}
	switch s.PaymentType {
	case MethodCash:
		out.Cash = s.GrandTotal
	case MethodCard:
		out.Card = s.GrandTotal
	case MethodUPI:
		out.UPI = s.GrandTotal
	default:
		out = s.Breakdown
	}
	return out
}

// BillNumber formats the per-terminal, per-day bill sequence.
func BillNumber(terminalID string, day time.Time, seq int64) string {
	return fmt.Sprintf("%s-%s-%04d", strings.ToUpper(strings.TrimSpace(terminalID)), day.Format("20060102"), seq)
}
