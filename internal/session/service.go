package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-pos/internal/lock"
	"github.com/noah-isme/backend-pos/internal/obs"
	"github.com/noah-isme/backend-pos/internal/payment"
)

// Store persists the session of each terminal so it survives restarts.
type Store interface {
	LoadSession(ctx context.Context, terminalID string) (Session, bool, error)
	SaveSession(ctx context.Context, s Session) error
	DeleteSession(ctx context.Context, terminalID string) error
}

// Submitter delivers closing records to the business backend.
type Submitter interface {
	SubmitShiftClose(ctx context.Context, summary ShiftSummary) (string, error)
}

// Totals is the per-instrument view of the running shift.
type Totals struct {
	TerminalID  string            `json:"terminalId"`
	OpeningCash decimal.Decimal   `json:"openingCash"`
	DrawerCash  decimal.Decimal   `json:"drawerCash"`
	Expected    decimal.Decimal   `json:"expectedClosingCash"`
	Instruments payment.Breakdown `json:"instruments"`
	SaleCount   int               `json:"saleCount"`
	StartedAt   time.Time         `json:"startedAt"`
}

// CloseResult is returned after a successful shift close.
type CloseResult struct {
	Summary  ShiftSummary `json:"summary"`
	RemoteID string       `json:"remoteId,omitempty"`
}

// Service serialises session mutations per terminal and persists them through Store.
type Service struct {
	Store           Store
	Locker          lock.Guard
	Submitter       Submitter
	Now             func() time.Time
	StrictShortfall bool
	LockTTL         time.Duration
	Logger          zerolog.Logger
}

// Start opens a shift for owner. A session held by a different owner is only replaced when
// takeover is set, in which case the drawer restarts from the new opening cash.
func (s *Service) Start(ctx context.Context, terminalID, owner string, opening decimal.Decimal, takeover bool) (Session, error) {
	if err := s.ready(); err != nil {
		return Session{}, err
	}
	ctx, span := otel.Tracer("session.Service").Start(ctx, "SessionService.Start")
	defer span.End()
	span.SetAttributes(attribute.String("pos.terminal", terminalID), attribute.Bool("pos.takeover", takeover))

	var out Session
	err := s.withLock(ctx, terminalID, func(ctx context.Context) error {
		current, ok, err := s.Store.LoadSession(ctx, terminalID)
		if err != nil {
			return err
		}
		if ok {
			if current.OwnerToken == owner {
				return ErrSessionActive
			}
			if !takeover {
				return ErrOwnedElsewhere
			}
		}
		next, err := Open(terminalID, owner, opening, s.now())
		if err != nil {
			return err
		}
		if ok {
			next.BillDay, next.BillSeq = current.BillDay, current.BillSeq
			s.Logger.Warn().
				Str("terminal", terminalID).
				Str("previous_owner", current.OwnerToken).
				Str("owner", owner).
				Int("abandoned_sales", len(current.Sales)).
				Msg("session taken over")
		}
		if err := s.Store.SaveSession(ctx, next); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return Session{}, err
	}
	s.Logger.Info().Str("terminal", terminalID).Str("opening_cash", opening.StringFixed(2)).Msg("session started")
	return out, nil
}

// Get returns the owner's active session.
func (s *Service) Get(ctx context.Context, terminalID, owner string) (Session, error) {
	if err := s.ready(); err != nil {
		return Session{}, err
	}
	return s.owned(ctx, terminalID, owner)
}

// Totals aggregates the running shift by instrument.
func (s *Service) Totals(ctx context.Context, terminalID, owner string) (Totals, error) {
	sess, err := s.Get(ctx, terminalID, owner)
	if err != nil {
		return Totals{}, err
	}
	return Totals{
		TerminalID:  sess.TerminalID,
		OpeningCash: sess.OpeningCash,
		DrawerCash:  sess.DrawerCash,
		Expected:    sess.ExpectedClosingCash(),
		Instruments: sess.AggregateByInstrument(),
		SaleCount:   len(sess.Sales),
		StartedAt:   sess.StartedAt,
	}, nil
}

// RecordSale runs finalise with the owner's session under the terminal lock. The sale it
// returns is appended to the ledger only when finalise succeeds; any error leaves the
// persisted session untouched, bill sequence included.
func (s *Service) RecordSale(ctx context.Context, terminalID, owner string, finalise func(ctx context.Context, sess *Session) (payment.Sale, error)) (payment.Sale, error) {
	if err := s.ready(); err != nil {
		return payment.Sale{}, err
	}
	if finalise == nil {
		return payment.Sale{}, errors.New("session: finalise callback not provided")
	}
	ctx, span := otel.Tracer("session.Service").Start(ctx, "SessionService.RecordSale")
	defer span.End()

	var sale payment.Sale
	err := s.withLock(ctx, terminalID, func(ctx context.Context) error {
		sess, err := s.owned(ctx, terminalID, owner)
		if err != nil {
			return err
		}
		sale, err = finalise(ctx, &sess)
		if err != nil {
			return err
		}
		sess.RecordSale(sale)
		return s.Store.SaveSession(ctx, sess)
	})
	if err != nil {
		span.RecordError(err)
		return payment.Sale{}, err
	}
	span.SetAttributes(attribute.String("pos.bill_number", sale.BillNumber))
	return sale, nil
}

// CloseShift reconciles the counted cash, submits the summary and resets the session.
func (s *Service) CloseShift(ctx context.Context, terminalID, owner string, denoms []Denomination) (CloseResult, error) {
	if err := s.ready(); err != nil {
		return CloseResult{}, err
	}
	ctx, span := otel.Tracer("session.Service").Start(ctx, "SessionService.CloseShift")
	defer span.End()

	result := "error"
	defer func() {
		if obs.ShiftCloseTotal != nil {
			obs.ShiftCloseTotal.WithLabelValues(result).Inc()
		}
	}()

	var out CloseResult
	err := s.withLock(ctx, terminalID, func(ctx context.Context) error {
		sess, err := s.owned(ctx, terminalID, owner)
		if err != nil {
			return err
		}
		summary, err := Reconcile(sess, denoms, s.StrictShortfall, s.now())
		if err != nil {
			result = "rejected"
			return err
		}
		out.Summary = summary
		if s.Submitter != nil {
			id, err := s.Submitter.SubmitShiftClose(ctx, summary)
			if err != nil {
				result = "submit_failed"
				return err
			}
			out.RemoteID = id
		}
		return s.Store.DeleteSession(ctx, terminalID)
	})
	if err != nil {
		span.RecordError(err)
		return CloseResult{}, err
	}
	result = "closed"
	if !out.Summary.Discrepancy.IsZero() {
		result = "closed_with_discrepancy"
	}
	s.Logger.Info().
		Str("terminal", terminalID).
		Str("expected", out.Summary.Expected.StringFixed(2)).
		Str("counted", out.Summary.Counted.StringFixed(2)).
		Str("discrepancy", out.Summary.Discrepancy.StringFixed(2)).
		Int("sales", out.Summary.SaleCount).
		Msg("shift closed")
	return out, nil
}

func (s *Service) owned(ctx context.Context, terminalID, owner string) (Session, error) {
	sess, ok, err := s.Store.LoadSession(ctx, terminalID)
	if err != nil {
		return Session{}, err
	}
	if !ok {
		return Session{}, ErrNoSession
	}
	if sess.OwnerToken != owner {
		return Session{}, ErrNotOwner
	}
	return sess, nil
}

func (s *Service) withLock(ctx context.Context, terminalID string, fn func(context.Context) error) error {
	if s.Locker == nil {
		return fn(ctx)
	}
	return s.Locker.WithLock(ctx, "session:"+strings.TrimSpace(terminalID), s.LockTTL, fn)
}

func (s *Service) ready() error {
	if s == nil || s.Store == nil {
		return errors.New("session service not configured")
	}
	return nil
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
