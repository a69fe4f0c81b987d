package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pos/internal/payment"
)

var (
	// ErrInvalidOpeningCash is returned for a missing or negative opening amount.
	ErrInvalidOpeningCash = errors.New("opening cash must be zero or positive")
	// ErrSessionActive is returned when the owner already has an active session.
	ErrSessionActive = errors.New("session already active")
	// ErrOwnedElsewhere is returned when another front-end owns the terminal session.
	ErrOwnedElsewhere = errors.New("session owned by another front-end")
	// ErrNotOwner is returned when a caller mutates a session it does not own.
	ErrNotOwner = errors.New("caller does not own the session")
	// ErrNoSession is returned when the terminal has no active session.
	ErrNoSession = errors.New("no active session")
	// ErrInvalidDenomination is returned for a negative face value or count.
	ErrInvalidDenomination = errors.New("invalid denomination")
	// ErrCountedCashMissing is returned when cash sales happened but nothing was counted.
	ErrCountedCashMissing = errors.New("counted cash must be positive when cash sales occurred")
	// ErrCountExceedsExpected is returned when the counted cash is above the expected amount.
	ErrCountExceedsExpected = errors.New("counted cash exceeds expected closing cash")
	// ErrShortfall is returned in strict mode when the counted cash is below the expected amount.
	ErrShortfall = errors.New("counted cash is below expected closing cash")
)

// Session is the active shift of one terminal.
type Session struct {
	TerminalID  string          `json:"terminalId"`
	OwnerToken  string          `json:"ownerToken"`
	OpeningCash decimal.Decimal `json:"openingCash"`
	DrawerCash  decimal.Decimal `json:"drawerCash"`
	StartedAt   time.Time       `json:"startedAt"`
	Sales       []payment.Sale  `json:"sales"`
	BillDay     string          `json:"billDay,omitempty"`
	BillSeq     int64           `json:"billSeq,omitempty"`
}

// Open starts a shift with the opening cash.
func Open(terminalID, owner string, opening decimal.Decimal, now time.Time) (Session, error) {
	if opening.IsNegative() {
		return Session{}, fmt.Errorf("opening %s: %w", opening, ErrInvalidOpeningCash)
	}
	return Session{
		TerminalID:  terminalID,
		OwnerToken:  owner,
		OpeningCash: opening,
		DrawerCash:  opening,
		StartedAt:   now,
		Sales:       []payment.Sale{},
	}, nil
}

// RecordSale appends the sale and adds its positive cash portion to the drawer.
func (s *Session) RecordSale(sale payment.Sale) {
	s.Sales = append(s.Sales, sale)
	if cash := sale.CashPortion(); cash.IsPositive() {
		s.DrawerCash = s.DrawerCash.Add(cash)
	}
}

// NextBillNumber advances the per-day bill sequence and returns the formatted number.
func (s *Session) NextBillNumber(now time.Time) string {
	day := now.Format("20060102")
	if s.BillDay != day {
		s.BillDay = day
		s.BillSeq = 0
	}
	s.BillSeq++
	return payment.BillNumber(s.TerminalID, now, s.BillSeq)
}

// AggregateByInstrument sums the cash, card and UPI amounts over the sale log.
func (s Session) AggregateByInstrument() payment.Breakdown {
	total := payment.Breakdown{Cash: decimal.Zero, Card: decimal.Zero, UPI: decimal.Zero}
	for _, sale := range s.Sales {
		total = total.Add(sale.Amounts())
	}
	return total
}

// CashSales is the cash the sales put into the drawer.
func (s Session) CashSales() decimal.Decimal {
	sum := decimal.Zero
	for _, sale := range s.Sales {
		if cash := sale.CashPortion(); cash.IsPositive() {
			sum = sum.Add(cash)
		}
	}
	return sum
}

// ExpectedClosingCash is the opening cash plus cash sales.
func (s Session) ExpectedClosingCash() decimal.Decimal {
	return s.OpeningCash.Add(s.CashSales())
}

// Denomination is one row of the closing cash count.
type Denomination struct {
	Value decimal.Decimal `json:"value"`
	Count int             `json:"count"`
}

// CountDenominations totals face value times count.
func CountDenominations(denoms []Denomination) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, d := range denoms {
		if d.Value.IsNegative() || d.Count < 0 {
			return decimal.Decimal{}, fmt.Errorf("%s x %d: %w", d.Value, d.Count, ErrInvalidDenomination)
		}
		total = total.Add(d.Value.Mul(decimal.NewFromInt(int64(d.Count))))
	}
	return total, nil
}

// ShiftSummary is the closing record of a shift.
type ShiftSummary struct {
	TerminalID    string            `json:"terminalId"`
	OwnerToken    string            `json:"ownerToken"`
	OpenedAt      time.Time         `json:"openedAt"`
	ClosedAt      time.Time         `json:"closedAt"`
	OpeningCash   decimal.Decimal   `json:"openingCash"`
	CashSales     decimal.Decimal   `json:"cashSales"`
	Expected      decimal.Decimal   `json:"expectedClosingCash"`
	Counted       decimal.Decimal   `json:"countedCash"`
	Discrepancy   decimal.Decimal   `json:"discrepancy"`
	Totals        payment.Breakdown `json:"totals"`
	SaleCount     int               `json:"saleCount"`
	Denominations []Denomination    `json:"denominations"`
}

// Reconcile validates the counted cash against the session. Counted cash above the
// expected amount is always rejected; a shortfall is reported as a negative discrepancy and
// only rejected when strict is set.
func Reconcile(s Session, denoms []Denomination, strict bool, now time.Time) (ShiftSummary, error) {
	counted, err := CountDenominations(denoms)
	if err != nil {
		return ShiftSummary{}, err
	}
	cashSales := s.CashSales()
	expected := s.OpeningCash.Add(cashSales)
	summary := ShiftSummary{
		TerminalID:    s.TerminalID,
		OwnerToken:    s.OwnerToken,
		OpenedAt:      s.StartedAt,
		ClosedAt:      now,
		OpeningCash:   s.OpeningCash,
		CashSales:     cashSales,
		Expected:      expected,
		Counted:       counted,
		Discrepancy:   counted.Sub(expected),
		Totals:        s.AggregateByInstrument(),
		SaleCount:     len(s.Sales),
		Denominations: denoms,
	}
	if cashSales.IsPositive() && !counted.IsPositive() {
		return summary, ErrCountedCashMissing
	}
	if counted.GreaterThan(expected) {
		return summary, fmt.Errorf("counted %s expected %s: %w", counted, expected, ErrCountExceedsExpected)
	}
	if strict && counted.LessThan(expected) {
		return summary, fmt.Errorf("counted %s expected %s: %w", counted, expected, ErrShortfall)
	}
	return summary, nil
}
