// Package storetest holds the behaviour every session and draft backend must share.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pos/internal/cart"
	"github.com/noah-isme/backend-pos/internal/draft"
	"github.com/noah-isme/backend-pos/internal/payment"
	"github.com/noah-isme/backend-pos/internal/pricing"
	"github.com/noah-isme/backend-pos/internal/session"
)

// Backend is the combined surface of a durable store.
type Backend interface {
	session.Store
	draft.Store
}

// Run exercises b. Each call should receive a fresh, empty backend.
func Run(t *testing.T, b Backend) {
	t.Helper()
	t.Run("session round trip", func(t *testing.T) { sessionRoundTrip(t, b) })
	t.Run("drafts pop at most once", func(t *testing.T) { draftsPopOnce(t, b) })
	t.Run("concurrent pop", func(t *testing.T) { concurrentPop(t, b) })
}

func sessionRoundTrip(t *testing.T, b Backend) {
	ctx := context.Background()
	_, ok, err := b.LoadSession(ctx, "T-rt")
	require.NoError(t, err)
	require.False(t, ok)

	started := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	sess, err := session.Open("T-rt", "tab-1", decimal.NewFromInt(2000), started)
	require.NoError(t, err)
	sess.RecordSale(payment.Sale{
		ID:          "s1",
		BillNumber:  "T-RT-20260314-0001",
		TerminalID:  "T-rt",
		PaymentType: payment.MethodCash,
		Breakdown:   payment.Breakdown{Cash: decimal.NewFromInt(354)},
		GrandTotal:  decimal.NewFromInt(354),
	})
	require.NoError(t, b.SaveSession(ctx, sess))

	got, ok, err := b.LoadSession(ctx, "T-rt")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tab-1", got.OwnerToken)
	require.True(t, got.DrawerCash.Equal(decimal.NewFromInt(2354)))
	require.True(t, got.StartedAt.Equal(started))
	require.Len(t, got.Sales, 1)
	require.Equal(t, "T-RT-20260314-0001", got.Sales[0].BillNumber)

	require.NoError(t, b.DeleteSession(ctx, "T-rt"))
	_, ok, err = b.LoadSession(ctx, "T-rt")
	require.NoError(t, err)
	require.False(t, ok)
}

func heldBill(terminal, note string, at time.Time) draft.Bill {
	c := cart.Cart{
		Lines:    []cart.LineItem{{ID: "A", ItemID: "A", Name: "Apple", Qty: 2, UnitPrice: decimal.NewFromInt(100)}},
		Customer: cart.Customer{Name: "Budi"},
	}
	return draft.New(terminal, c, pricing.Summary{Subtotal: decimal.NewFromInt(200)}, note, at)
}

func draftsPopOnce(t *testing.T, b Backend) {
	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	first := heldBill("T-d", "first", base)
	second := heldBill("T-d", "second", base.Add(time.Minute))
	other := heldBill("T-other", "other", base)
	require.NoError(t, b.SaveDraft(ctx, second))
	require.NoError(t, b.SaveDraft(ctx, first))
	require.NoError(t, b.SaveDraft(ctx, other))

	list, err := b.ListDrafts(ctx, "T-d")
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, first.ID, list[0].ID)
	require.Equal(t, second.ID, list[1].ID)

	got, err := b.PopDraft(ctx, "T-d", first.ID)
	require.NoError(t, err)
	require.Equal(t, "Budi", got.Cart.Customer.Name)
	require.Len(t, got.Cart.Lines, 1)
	require.Equal(t, 2, got.Cart.Lines[0].Qty)

	_, err = b.PopDraft(ctx, "T-d", first.ID)
	require.ErrorIs(t, err, draft.ErrNotFound)
	_, err = b.PopDraft(ctx, "T-d", other.ID)
	require.ErrorIs(t, err, draft.ErrNotFound, "drafts are scoped to their terminal")

	list, err = b.ListDrafts(ctx, "T-d")
	require.NoError(t, err)
	require.Len(t, list, 1)
}

func concurrentPop(t *testing.T, b Backend) {
	ctx := context.Background()
	bill := heldBill("T-c", "", time.Now())
	require.NoError(t, b.SaveDraft(ctx, bill))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.PopDraft(ctx, "T-c", bill.ID); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}
