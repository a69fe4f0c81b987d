package payment

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestSplitPaymentValidation(t *testing.T) {
	total := d("100")

	q, err := QuoteTender(total, Tender{Method: MethodSplit, Split: Breakdown{Cash: d("50"), Card: d("30"), UPI: d("0")}})
	require.ErrorIs(t, err, ErrInsufficientPayment)
	require.True(t, q.BalanceDue.Equal(d("20")))

	q, err = QuoteTender(total, Tender{Method: MethodSplit, Split: Breakdown{Cash: d("60"), Card: d("40"), UPI: d("0")}})
	require.NoError(t, err)
	require.True(t, q.Change.IsZero())
	require.True(t, q.BalanceDue.IsZero())
	require.True(t, q.Breakdown.Cash.Equal(d("60")))
}

func TestSplitChangeComesFromCash(t *testing.T) {
	q, err := QuoteTender(d("100"), Tender{Method: MethodSplit, Split: Breakdown{Cash: d("70"), Card: d("40"), UPI: d("0")}})
	require.NoError(t, err)
	require.True(t, q.Change.Equal(d("10")))
	require.True(t, q.Breakdown.Cash.Equal(d("60")))
	require.True(t, q.Breakdown.Sum().Equal(d("100")))
}

func TestCashTender(t *testing.T) {
	q, err := QuoteTender(d("354"), Tender{Method: MethodCash, Cash: d("400")})
	require.NoError(t, err)
	require.True(t, q.Change.Equal(d("46")))
	require.True(t, q.Breakdown.Cash.Equal(d("354")))

	q, err = QuoteTender(d("354"), Tender{Method: MethodCash, Cash: d("300")})
	require.ErrorIs(t, err, ErrInsufficientCash)
	require.True(t, q.BalanceDue.Equal(d("54")))

	_, err = QuoteTender(d("10"), Tender{Method: MethodCash, Cash: d("-1")})
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestElectronicTenderIsValidOnSelection(t *testing.T) {
	for _, m := range []Method{MethodCard, MethodUPI} {
		q, err := QuoteTender(d("99.99"), Tender{Method: m})
		require.NoError(t, err)
		require.True(t, q.Breakdown.Cash.IsZero())
		require.True(t, q.Breakdown.Sum().Equal(d("99.99")))
	}
	_, err := QuoteTender(d("1"), Tender{Method: "Voucher"})
	require.ErrorIs(t, err, ErrUnknownMethod)
}

func TestParseMethod(t *testing.T) {
	m, err := ParseMethod(" upi ")
	require.NoError(t, err)
	require.Equal(t, MethodUPI, m)
	m, err = ParseMethod("Split")
	require.NoError(t, err)
	require.Equal(t, MethodSplit, m)
	_, err = ParseMethod("cheque")
	require.ErrorIs(t, err, ErrUnknownMethod)
}

func TestSettlementTransitions(t *testing.T) {
	var s Settlement
	require.Equal(t, NotStarted, s.State())
	require.ErrorIs(t, s.Complete(), ErrSettlementState)

	require.NoError(t, s.Begin(Quote{Method: MethodCash}))
	require.Equal(t, InProgress, s.State())
	require.ErrorIs(t, s.Begin(Quote{}), ErrSettlementState)

	s.Abort()
	require.Equal(t, NotStarted, s.State())

	require.NoError(t, s.Begin(Quote{Method: MethodCard}))
	require.NoError(t, s.Complete())
	require.Equal(t, Completed, s.State())
	require.NoError(t, s.Begin(Quote{Method: MethodUPI}), "a completed settlement starts the next transaction")
}

func TestSaleAmounts(t *testing.T) {
	single := Sale{PaymentType: MethodCard, GrandTotal: d("120")}
	require.True(t, single.Amounts().Card.Equal(d("120")))
	require.True(t, single.Amounts().Cash.IsZero())

	split := Sale{PaymentType: MethodSplit, GrandTotal: d("100"), Breakdown: Breakdown{Cash: d("60"), Card: d("40"), UPI: d("0")}}
	require.True(t, split.Amounts().Card.Equal(d("40")))
	require.True(t, split.CashPortion().Equal(d("60")))
}

func TestBillNumber(t *testing.T) {
	day := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	require.Equal(t, "T1-20260314-0007", BillNumber("t1", day, 7))
}
