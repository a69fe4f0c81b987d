package cart

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pos/internal/catalog"
)

var teaItem = catalog.Item{ID: "tea", Name: "Tea", Code: "T1", Price: decimal.NewFromInt(40), Category: "food"}

// pairEvaluator emits one free line per two units of "tea".
func pairEvaluator(calls *int) Evaluator {
	return EvaluatorFunc(func(lines []LineItem) []LineItem {
		*calls++
		out := make([]LineItem, 0, len(lines)+1)
		qty := 0
		for _, l := range lines {
			if l.IsFree {
				continue
			}
			out = append(out, l)
			if l.ItemID == "tea" {
				qty += l.Qty
			}
		}
		if qty/2 > 0 {
			out = append(out, LineItem{
				ID:               FreeLineID("p:0"),
				ItemID:           "tea",
				Qty:              qty / 2,
				UnitPrice:        decimal.Zero,
				IsFree:           true,
				PromotionGroupID: "p:0",
				PairedItemIDs:    []string{"tea"},
			})
		}
		return out
	})
}

func TestAddIncrementsExistingLine(t *testing.T) {
	s := NewStore(nil)
	_, err := s.Add(teaItem, nil)
	require.NoError(t, err)
	line, err := s.Add(teaItem, nil)
	require.NoError(t, err)
	require.Equal(t, "tea", line.ID)
	require.Equal(t, 2, line.Qty)
	require.Len(t, s.Lines(), 1)
}

func TestAddWithBatchUsesCompositeIDAndPrice(t *testing.T) {
	s := NewStore(nil)
	price := decimal.NewFromInt(35)
	line, err := s.Add(teaItem, &catalog.Batch{ID: "b7", ProductID: "tea", Price: &price})
	require.NoError(t, err)
	require.Equal(t, "tea-b7", line.ID)
	require.True(t, line.UnitPrice.Equal(price))

	_, err = s.Add(teaItem, &catalog.Batch{ID: "b8", ProductID: "coffee"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestDecreaseToZeroPrunesLineAndPairedFreeLine(t *testing.T) {
	calls := 0
	s := NewStore(pairEvaluator(&calls))
	for i := 0; i < 2; i++ {
		_, err := s.Add(teaItem, nil)
		require.NoError(t, err)
	}
	lines := s.Lines()
	require.Len(t, lines, 2)
	require.True(t, lines[1].IsFree)

	require.NoError(t, s.Decrease("tea"))
	require.Len(t, s.Lines(), 1, "free line must go once the pair is broken")

	require.NoError(t, s.Decrease("tea"))
	require.Empty(t, s.Lines())
	require.True(t, s.IsEmpty())
}

func TestRemoveUnknownLine(t *testing.T) {
	s := NewStore(nil)
	require.ErrorIs(t, s.Remove("missing"), ErrNotFound)
	require.ErrorIs(t, s.Increase("missing"), ErrNotFound)
	require.ErrorIs(t, s.Decrease("missing"), ErrNotFound)
}

func TestIncreaseRejectsFreeLine(t *testing.T) {
	calls := 0
	s := NewStore(pairEvaluator(&calls))
	_, _ = s.Add(teaItem, nil)
	_, _ = s.Add(teaItem, nil)
	require.ErrorIs(t, s.Increase(FreeLineID("p:0")), ErrFreeLine)
}

func TestReevaluateSkipsUnchangedCart(t *testing.T) {
	calls := 0
	s := NewStore(pairEvaluator(&calls))
	_, _ = s.Add(teaItem, nil)
	_, _ = s.Add(teaItem, nil)

	require.False(t, s.Reevaluate())
	require.False(t, s.Reevaluate())
	require.Len(t, s.Lines(), 2)
}

func TestClearResetsCustomer(t *testing.T) {
	s := NewStore(nil)
	_, _ = s.Add(teaItem, nil)
	s.SetCustomer(Customer{Name: " Ana ", Phone: "0812"})
	require.Equal(t, "Ana", s.Customer().Name)

	s.Clear()
	require.Empty(t, s.Lines())
	require.Equal(t, Customer{}, s.Customer())
}

func TestReplaceRestoresVerbatim(t *testing.T) {
	calls := 0
	s := NewStore(pairEvaluator(&calls))
	saved := Cart{
		Lines:    []LineItem{{ID: "tea", ItemID: "tea", Qty: 1, UnitPrice: decimal.NewFromInt(40)}},
		Customer: Customer{Name: "Budi"},
	}
	before := calls
	s.Replace(saved)
	require.Equal(t, before, calls)
	require.Equal(t, saved, s.Snapshot())

	saved.Lines[0].Qty = 9
	require.Equal(t, 1, s.Lines()[0].Qty)
}
