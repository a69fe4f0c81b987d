package pos_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pos/internal/backend"
	"github.com/noah-isme/backend-pos/internal/cart"
	"github.com/noah-isme/backend-pos/internal/catalog"
	"github.com/noah-isme/backend-pos/internal/draft"
	"github.com/noah-isme/backend-pos/internal/lock"
	"github.com/noah-isme/backend-pos/internal/payment"
	"github.com/noah-isme/backend-pos/internal/pos"
	"github.com/noah-isme/backend-pos/internal/pricing"
	"github.com/noah-isme/backend-pos/internal/promotion"
	"github.com/noah-isme/backend-pos/internal/session"
	"github.com/noah-isme/backend-pos/internal/store/memory"
)

var clock = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

type fakeBackend struct {
	mu         sync.Mutex
	items      []catalog.Item
	batches    map[string][]catalog.Batch
	customers  []cart.Customer
	promos     []promotion.Promotion
	submitErr  error
	sales      []payment.Sale
	closes     []session.ShiftSummary
	searches   []string
	onSearch   func(text string)
	nextSaleID int
}

func newBackend() *fakeBackend {
	price90 := decimal.NewFromInt(90)
	return &fakeBackend{
		items: []catalog.Item{
			{ID: "A", Name: "Apple Juice", Code: "AJ", Price: decimal.NewFromInt(100)},
			{ID: "B", Name: "Bread", Code: "BR", Price: decimal.NewFromInt(30), Category: "food"},
			{ID: "C", Name: "Chips", Code: "CH", Price: decimal.NewFromInt(20), Category: "food"},
		},
		batches: map[string][]catalog.Batch{
			"A": {{ID: "b1", ProductID: "A", Code: "LOT-1", Price: &price90}, {ID: "b2", ProductID: "A", Code: "LOT-2"}},
		},
		customers: []cart.Customer{{ID: "c1", Name: "Ana", Phone: "555-0101"}},
	}
}

func (f *fakeBackend) SearchCatalog(_ context.Context, text string) ([]catalog.Item, error) {
	f.mu.Lock()
	f.searches = append(f.searches, text)
	hook := f.onSearch
	f.onSearch = nil
	f.mu.Unlock()
	if hook != nil {
		hook(text)
	}
	needle := strings.ToLower(strings.TrimSpace(text))
	var out []catalog.Item
	for _, it := range f.items {
		if it.ID == text || strings.EqualFold(it.Code, needle) || strings.Contains(strings.ToLower(it.DisplayKey()), needle) {
			out = append(out, it)
		}
	}
	return out, nil
}

func (f *fakeBackend) FetchBatches(_ context.Context, productID string) ([]catalog.Batch, error) {
	return f.batches[productID], nil
}

func (f *fakeBackend) SearchCustomers(_ context.Context, text string) ([]cart.Customer, error) {
	var out []cart.Customer
	for _, c := range f.customers {
		if strings.Contains(strings.ToLower(c.Name), strings.ToLower(text)) || strings.Contains(c.Phone, text) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeBackend) CreateCounterCustomer(_ context.Context, fields cart.Customer) (cart.Customer, error) {
	fields.ID = fmt.Sprintf("c%d", len(f.customers)+1)
	f.customers = append(f.customers, fields)
	return fields, nil
}

func (f *fakeBackend) FetchActivePromotions(context.Context) ([]promotion.Promotion, error) {
	return f.promos, nil
}

func (f *fakeBackend) SubmitSale(_ context.Context, sale payment.Sale) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.nextSaleID++
	f.sales = append(f.sales, sale)
	return fmt.Sprintf("remote-%d", f.nextSaleID), nil
}

func (f *fakeBackend) SubmitShiftClose(_ context.Context, summary session.ShiftSummary) (string, error) {
	f.closes = append(f.closes, summary)
	return "close-1", nil
}

func newTill(t *testing.T, be *fakeBackend) *pos.Service {
	t.Helper()
	store := memory.New()
	now := func() time.Time { return clock }
	return &pos.Service{
		Backend: be,
		Sessions: &session.Service{
			Store:     store,
			Locker:    &lock.Local{},
			Submitter: be,
			Now:       now,
			Logger:    zerolog.Nop(),
		},
		Drafts:       store,
		TaxTable:     pricing.DefaultTable(),
		Jurisdiction: "IN",
		Currency:     "INR",
		Stacking:     promotion.StackAll,
		Now:          now,
		Logger:       zerolog.Nop(),
	}
}

func buyTwoGetOne(ref string) promotion.Promotion {
	return promotion.Promotion{
		ID:     "b2g1",
		Name:   "Buy 2 get 1",
		Active: true,
		Rules:  []promotion.Rule{{BuyItems: []string{ref}, BuyQty: 2, SameAsBought: true, GetQty: 1}},
	}
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func addA(t *testing.T, svc *pos.Service, n int) pos.View {
	t.Helper()
	var view pos.View
	var err error
	for i := 0; i < n; i++ {
		view, err = svc.AddItem(context.Background(), "T1", "A", "")
		require.NoError(t, err)
	}
	return view
}

func TestEndToEndShift(t *testing.T) {
	ctx := context.Background()
	be := newBackend()
	be.promos = []promotion.Promotion{buyTwoGetOne("A")}
	svc := newTill(t, be)

	_, err := svc.StartSession(ctx, "T1", "tab-1", dec(2000), false)
	require.NoError(t, err)
	status, err := svc.RefreshPromotions(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, status.Promotions)
	require.Empty(t, status.Unresolved)

	view := addA(t, svc, 3)
	require.Len(t, view.Cart.Lines, 2)
	free := view.Cart.Lines[1]
	require.True(t, free.IsFree)
	require.Equal(t, 1, free.Qty)
	require.Equal(t, "A", free.ItemID)
	require.True(t, view.Totals.Subtotal.Equal(dec(300)))
	require.True(t, view.Totals.GrandTotal.Equal(dec(354)))

	receipt, err := svc.Checkout(ctx, "T1", "tab-1", payment.Tender{Method: payment.MethodCash, Cash: dec(354)})
	require.NoError(t, err)
	require.Equal(t, "T1-20260314-0001", receipt.Sale.BillNumber)
	require.Equal(t, "remote-1", receipt.Sale.RemoteID)
	require.True(t, receipt.Sale.Change.IsZero())
	require.Len(t, be.sales, 1)

	after, err := svc.Cart(ctx, "T1")
	require.NoError(t, err)
	require.Empty(t, after.Cart.Lines, "a completed sale clears the cart")

	totals, err := svc.SessionTotals(ctx, "T1", "tab-1")
	require.NoError(t, err)
	require.True(t, totals.DrawerCash.Equal(dec(2354)), "drawer is %s", totals.DrawerCash)
	require.True(t, totals.Instruments.Cash.Equal(dec(354)))

	res, err := svc.CloseShift(ctx, "T1", "tab-1", []session.Denomination{
		{Value: dec(500), Count: 4},
		{Value: dec(100), Count: 3},
		{Value: dec(50), Count: 1},
		{Value: dec(2), Count: 2},
	})
	require.NoError(t, err)
	require.True(t, res.Summary.Discrepancy.IsZero())
	require.Len(t, be.closes, 1)

	_, err = svc.Session(ctx, "T1", "tab-1")
	require.ErrorIs(t, err, session.ErrNoSession)
}

func TestCheckoutFailureKeepsCartAndDrawer(t *testing.T) {
	ctx := context.Background()
	be := newBackend()
	be.submitErr = fmt.Errorf("submit_sale: %w: connection refused", backend.ErrUnavailable)
	svc := newTill(t, be)
	_, err := svc.StartSession(ctx, "T1", "tab-1", dec(500), false)
	require.NoError(t, err)
	addA(t, svc, 1)

	_, err = svc.Checkout(ctx, "T1", "tab-1", payment.Tender{Method: payment.MethodCard})
	require.ErrorIs(t, err, backend.ErrUnavailable)

	view, err := svc.Cart(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, view.Cart.Lines, 1)
	totals, err := svc.SessionTotals(ctx, "T1", "tab-1")
	require.NoError(t, err)
	require.Equal(t, 0, totals.SaleCount)
	require.True(t, totals.DrawerCash.Equal(dec(500)))

	be.submitErr = nil
	receipt, err := svc.Checkout(ctx, "T1", "tab-1", payment.Tender{Method: payment.MethodCard})
	require.NoError(t, err)
	require.Equal(t, "T1-20260314-0001", receipt.Sale.BillNumber, "a failed attempt does not consume a bill number")
	totals, err = svc.SessionTotals(ctx, "T1", "tab-1")
	require.NoError(t, err)
	require.True(t, totals.DrawerCash.Equal(dec(500)), "card sales leave the drawer alone")
	require.True(t, totals.Instruments.Card.Equal(dec(118)))
}

func TestCheckoutRejectsShortTender(t *testing.T) {
	ctx := context.Background()
	svc := newTill(t, newBackend())
	_, err := svc.StartSession(ctx, "T1", "tab-1", dec(0), false)
	require.NoError(t, err)
	addA(t, svc, 3)

	receipt, err := svc.Checkout(ctx, "T1", "tab-1", payment.Tender{Method: payment.MethodCash, Cash: dec(300)})
	require.ErrorIs(t, err, payment.ErrInsufficientCash)
	require.True(t, receipt.Quote.BalanceDue.Equal(dec(54)))

	_, err = svc.Checkout(ctx, "T1", "tab-2", payment.Tender{Method: payment.MethodCash, Cash: dec(400)})
	require.ErrorIs(t, err, session.ErrNotOwner)

	view, err := svc.Cart(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, view.Cart.Lines, 1)
}

func TestSplitCheckoutRecordsCashNetOfChange(t *testing.T) {
	ctx := context.Background()
	svc := newTill(t, newBackend())
	_, err := svc.StartSession(ctx, "T1", "tab-1", dec(1000), false)
	require.NoError(t, err)
	addA(t, svc, 3)

	receipt, err := svc.Checkout(ctx, "T1", "tab-1", payment.Tender{
		Method: payment.MethodSplit,
		Split:  payment.Breakdown{Cash: dec(100), Card: dec(300), UPI: decimal.Zero},
	})
	require.NoError(t, err)
	require.True(t, receipt.Sale.Change.Equal(dec(46)))
	require.True(t, receipt.Sale.Breakdown.Cash.Equal(dec(54)))

	totals, err := svc.SessionTotals(ctx, "T1", "tab-1")
	require.NoError(t, err)
	require.True(t, totals.DrawerCash.Equal(dec(1054)))
	require.True(t, totals.Instruments.Card.Equal(dec(300)))
}

func TestQuoteDoesNotMutate(t *testing.T) {
	ctx := context.Background()
	svc := newTill(t, newBackend())
	_, err := svc.Quote(ctx, "T1", payment.Tender{Method: payment.MethodCard})
	require.ErrorIs(t, err, pos.ErrEmptyCart)

	addA(t, svc, 1)
	q, err := svc.Quote(ctx, "T1", payment.Tender{Method: payment.MethodCash, Cash: dec(200)})
	require.NoError(t, err)
	require.True(t, q.Change.Equal(dec(82)))

	view, err := svc.Cart(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, view.Cart.Lines, 1)
}

func TestHoldAndLoadDraft(t *testing.T) {
	ctx := context.Background()
	be := newBackend()
	be.promos = []promotion.Promotion{buyTwoGetOne("AJ")}
	svc := newTill(t, be)
	_, err := svc.RefreshPromotions(ctx)
	require.NoError(t, err)

	held := addA(t, svc, 2)
	_, err = svc.SetCustomer(ctx, "T1", cart.Customer{Name: " Ana ", Phone: "555"})
	require.NoError(t, err)

	bill, err := svc.HoldBill(ctx, "T1", "table 4")
	require.NoError(t, err)
	require.True(t, bill.Totals.GrandTotal.Equal(held.Totals.GrandTotal))

	view, err := svc.Cart(ctx, "T1")
	require.NoError(t, err)
	require.Empty(t, view.Cart.Lines)
	require.Empty(t, view.Cart.Customer.Name)

	bills, err := svc.ListDrafts(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, bills, 1)

	addA(t, svc, 1)
	_, err = svc.LoadDraft(ctx, "T1", bill.ID)
	require.ErrorIs(t, err, pos.ErrCartNotEmpty)
	_, err = svc.ClearCart(ctx, "T1")
	require.NoError(t, err)

	restored, err := svc.LoadDraft(ctx, "T1", bill.ID)
	require.NoError(t, err)
	require.Len(t, restored.Cart.Lines, len(held.Cart.Lines))
	for i, l := range held.Cart.Lines {
		got := restored.Cart.Lines[i]
		require.Equal(t, l.ID, got.ID)
		require.Equal(t, l.Qty, got.Qty)
		require.Equal(t, l.IsFree, got.IsFree)
		require.True(t, l.UnitPrice.Equal(got.UnitPrice))
	}
	require.Equal(t, "Ana", restored.Cart.Customer.Name)

	_, err = svc.ClearCart(ctx, "T1")
	require.NoError(t, err)
	_, err = svc.LoadDraft(ctx, "T1", bill.ID)
	require.ErrorIs(t, err, draft.ErrNotFound)

	_, err = svc.HoldBill(ctx, "T1", "")
	require.ErrorIs(t, err, pos.ErrEmptyCart)
}

func TestRefreshResolvesReferencesAndReevaluates(t *testing.T) {
	ctx := context.Background()
	be := newBackend()
	svc := newTill(t, be)

	view := addA(t, svc, 2)
	require.Len(t, view.Cart.Lines, 1)

	be.promos = []promotion.Promotion{{
		ID:     "snack",
		Name:   "Snack deal",
		Active: true,
		Rules:  []promotion.Rule{{BuyItems: []string{"Apple Juice (AJ)"}, BuyQty: 2, FreeItems: []string{"Chips (CH)", "missing"}, GetQty: 1}},
	}}
	status, err := svc.RefreshPromotions(ctx)
	require.NoError(t, err)
	require.Empty(t, status.Unresolved, "the free reference resolves through a catalog lookup")
	require.Contains(t, be.searches, "Chips (CH)")

	view, err = svc.Cart(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, view.Cart.Lines, 2, "existing carts pick up the new promotion")
	require.Equal(t, "C", view.Cart.Lines[1].ItemID)
	require.True(t, view.Cart.Lines[1].IsFree)
	require.True(t, view.Totals.Subtotal.Equal(dec(200)))
}

func TestAddItemFromBatch(t *testing.T) {
	ctx := context.Background()
	svc := newTill(t, newBackend())

	batches, err := svc.Batches(ctx, "T1", "A")
	require.NoError(t, err)
	require.Len(t, batches, 2)

	view, err := svc.AddItem(ctx, "T1", "A", "b1")
	require.NoError(t, err)
	require.Equal(t, "A-b1", view.Cart.Lines[0].ID)
	require.True(t, view.Cart.Lines[0].UnitPrice.Equal(dec(90)))

	_, err = svc.AddItem(ctx, "T1", "A", "nope")
	require.ErrorIs(t, err, catalog.ErrNotFound)
	_, err = svc.AddItem(ctx, "T1", "ZZZ", "")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestLineOperations(t *testing.T) {
	ctx := context.Background()
	be := newBackend()
	be.promos = []promotion.Promotion{buyTwoGetOne("A")}
	svc := newTill(t, be)
	_, err := svc.RefreshPromotions(ctx)
	require.NoError(t, err)
	addA(t, svc, 2)

	view, err := svc.IncreaseLine(ctx, "T1", "A")
	require.NoError(t, err)
	require.Equal(t, 3, view.Cart.Lines[0].Qty)

	_, err = svc.IncreaseLine(ctx, "T1", cart.FreeLineID(promotion.GroupID("b2g1", 0)))
	require.ErrorIs(t, err, cart.ErrFreeLine)

	view, err = svc.DecreaseLine(ctx, "T1", "A")
	require.NoError(t, err)
	require.Len(t, view.Cart.Lines, 2)
	view, err = svc.DecreaseLine(ctx, "T1", "A")
	require.NoError(t, err)
	require.Len(t, view.Cart.Lines, 1, "falling below the threshold drops the free line")

	view, err = svc.RemoveLine(ctx, "T1", "A")
	require.NoError(t, err)
	require.Empty(t, view.Cart.Lines)
	_, err = svc.RemoveLine(ctx, "T1", "A")
	require.ErrorIs(t, err, cart.ErrNotFound)
}

func TestSupersededSearchIsStale(t *testing.T) {
	ctx := context.Background()
	be := newBackend()
	svc := newTill(t, be)

	var newer pos.ProductResults
	be.onSearch = func(string) {
		var err error
		newer, err = svc.SearchProducts(ctx, "T1", "bread", 0)
		require.NoError(t, err)
	}
	older, err := svc.SearchProducts(ctx, "T1", "apple", 0)
	require.NoError(t, err)
	require.True(t, older.Stale)
	require.Empty(t, older.Items)
	require.False(t, newer.Stale)
	require.Len(t, newer.Items, 1)
	require.Greater(t, newer.Seq, older.Seq)

	late, err := svc.SearchProducts(ctx, "T1", "apple", 1)
	require.NoError(t, err)
	require.True(t, late.Stale, "client stamps older than the latest are stale on arrival")

	customers, err := svc.SearchCustomers(ctx, "T1", "ana", 0)
	require.NoError(t, err)
	require.False(t, customers.Stale)
	require.Len(t, customers.Customers, 1)
}

func TestCreateCustomerAttachesToCart(t *testing.T) {
	ctx := context.Background()
	svc := newTill(t, newBackend())

	_, err := svc.CreateCustomer(ctx, "T1", cart.Customer{})
	require.ErrorIs(t, err, cart.ErrInvalidInput)

	view, err := svc.CreateCustomer(ctx, "T1", cart.Customer{Name: "Walk-in", Phone: "555-0199"})
	require.NoError(t, err)
	require.Equal(t, "c2", view.Cart.Customer.ID)
	require.Equal(t, "Walk-in", view.Cart.Customer.Name)
}

func TestTerminalRequired(t *testing.T) {
	svc := newTill(t, newBackend())
	_, err := svc.Cart(context.Background(), " ")
	require.ErrorIs(t, err, pos.ErrInvalidTerminal)
}
