package payment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientCash is returned when the cash tendered does not cover the grand total.
	ErrInsufficientCash = errors.New("insufficient cash tendered")
	// ErrInsufficientPayment is returned when split amounts do not cover the grand total.
	ErrInsufficientPayment = errors.New("split payment does not cover the total")
	// ErrInvalidAmount indicates a negative or otherwise unusable amount.
	ErrInvalidAmount = errors.New("invalid payment amount")
	// ErrUnknownMethod is returned for payment types other than Cash, Card, UPI and SPLIT.
	ErrUnknownMethod = errors.New("unknown payment method")
)

// Method is the payment type recorded on a sale.
type Method string

const (
	MethodCash  Method = "Cash"
	MethodCard  Method = "Card"
	MethodUPI   Method = "UPI"
	MethodSplit Method = "SPLIT"
)

// ParseMethod accepts payment types case-insensitively.
func ParseMethod(v string) (Method, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "cash":
		return MethodCash, nil
	case "card":
		return MethodCard, nil
	case "upi":
		return MethodUPI, nil
	case "split":
		return MethodSplit, nil
	default:
		return "", fmt.Errorf("%q: %w", v, ErrUnknownMethod)
	}
}

// Breakdown holds per-instrument amounts.
type Breakdown struct {
	Cash decimal.Decimal `json:"cash"`
	Card decimal.Decimal `json:"card"`
	UPI  decimal.Decimal `json:"upi"`
}

// Sum totals the instruments.
func (b Breakdown) Sum() decimal.Decimal {
	return b.Cash.Add(b.Card).Add(b.UPI)
}

// Add returns the instrument-wise sum of b and o.
func (b Breakdown) Add(o Breakdown) Breakdown {
	return Breakdown{Cash: b.Cash.Add(o.Cash), Card: b.Card.Add(o.Card), UPI: b.UPI.Add(o.UPI)}
}

func (b Breakdown) negative() bool {
	return b.Cash.IsNegative() || b.Card.IsNegative() || b.UPI.IsNegative()
}

// Tender is what the operator entered at checkout. Cash is the amount handed over for a
// cash sale; Split carries the per-instrument amounts for a SPLIT sale.
type Tender struct {
	Method Method
	Cash   decimal.Decimal
	Split  Breakdown
}

// Quote is the outcome of validating a tender against a grand total. Breakdown is what is
// recorded on the sale: change is returned from cash, so the cash portion is net of change.
type Quote struct {
	Method     Method          `json:"paymentType"`
	GrandTotal decimal.Decimal `json:"grandTotal"`
	Tendered   decimal.Decimal `json:"tendered"`
	BalanceDue decimal.Decimal `json:"balanceDue"`
	Change     decimal.Decimal `json:"change"`
	Breakdown  Breakdown       `json:"breakdown"`
}

// QuoteTender validates the tender. When the tender falls short the returned quote still
// carries the balance due alongside the error.
func QuoteTender(total decimal.Decimal, t Tender) (Quote, error) {
	if total.IsNegative() {
		return Quote{}, fmt.Errorf("grand total %s: %w", total, ErrInvalidAmount)
	}
	q := Quote{Method: t.Method, GrandTotal: total, BalanceDue: decimal.Zero, Change: decimal.Zero}
	switch t.Method {
	case MethodCash:
		if t.Cash.IsNegative() {
			return Quote{}, fmt.Errorf("cash %s: %w", t.Cash, ErrInvalidAmount)
		}
		q.Tendered = t.Cash
		if t.Cash.LessThan(total) {
			q.BalanceDue = total.Sub(t.Cash)
			return q, fmt.Errorf("tendered %s for %s: %w", t.Cash, total, ErrInsufficientCash)
		}
		q.Change = t.Cash.Sub(total)
		q.Breakdown = Breakdown{Cash: total, Card: decimal.Zero, UPI: decimal.Zero}
	case MethodCard:
		q.Tendered = total
		q.Breakdown = Breakdown{Cash: decimal.Zero, Card: total, UPI: decimal.Zero}
	case MethodUPI:
		q.Tendered = total
		q.Breakdown = Breakdown{Cash: decimal.Zero, Card: decimal.Zero, UPI: total}
	case MethodSplit:
		if t.Split.negative() {
			return Quote{}, fmt.Errorf("split amounts: %w", ErrInvalidAmount)
		}
		paid := t.Split.Sum()
		q.Tendered = paid
		if paid.LessThan(total) {
			q.BalanceDue = total.Sub(paid)
			return q, fmt.Errorf("paid %s for %s: %w", paid, total, ErrInsufficientPayment)
		}
		q.Change = paid.Sub(total)
		q.Breakdown = t.Split
		q.Breakdown.Cash = decimal.Max(decimal.Zero, t.Split.Cash.Sub(q.Change))
	default:
		return Quote{}, fmt.Errorf("%q: %w", t.Method, ErrUnknownMethod)
	}
	return q, nil
}
