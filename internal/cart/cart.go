package cart

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pos/internal/catalog"
)

// ErrNotFound indicates the requested cart line could not be located.
var ErrNotFound = errors.New("cart line not found")

// ErrInvalidInput is returned when the provided payload is invalid.
var ErrInvalidInput = errors.New("invalid input")

// ErrFreeLine is returned when an operation only makes sense on a purchased line.
var ErrFreeLine = errors.New("line is a promotional free item")

// Customer holds the customer fields attached to the active bill.
type Customer struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// LineItem is one row in the cart, either purchased or generated by a promotion.
type LineItem struct {
	ID               string          `json:"id"`
	ItemID           string          `json:"itemId"`
	BatchID          string          `json:"batchId,omitempty"`
	Name             string          `json:"name"`
	Code             string          `json:"code,omitempty"`
	Category         string          `json:"category,omitempty"`
	Qty              int             `json:"qty"`
	UnitPrice        decimal.Decimal `json:"unitPrice"`
	IsFree           bool            `json:"isFreeItem"`
	PromotionGroupID string          `json:"promotionGroupId,omitempty"`
	PairedItemIDs    []string        `json:"pairedItemIds,omitempty"`
	Description      string          `json:"description,omitempty"`
}

// PairedWith reports whether a free line was produced by the given buy item.
func (l LineItem) PairedWith(itemID string) bool {
	return l.IsFree && slices.Contains(l.PairedItemIDs, itemID)
}

// Cart is an ordered snapshot of the lines plus the customer fields.
type Cart struct {
	Lines    []LineItem `json:"lines"`
	Customer Customer   `json:"customer"`
}

// LineID builds the composite identifier of a purchased line.
func LineID(itemID, batchID string) string {
	if strings.TrimSpace(batchID) == "" {
		return itemID
	}
	return itemID + "-" + batchID
}

// FreeLineID builds the identifier of the free line owned by a promotion group.
func FreeLineID(groupID string) string {
	return "free-" + groupID
}

// Evaluator re-derives the cart, typically by recomputing promotional free lines.
type Evaluator interface {
	Evaluate(lines []LineItem) []LineItem
}

// EvaluatorFunc adapts a function to Evaluator.
type EvaluatorFunc func([]LineItem) []LineItem

// Evaluate calls f.
func (f EvaluatorFunc) Evaluate(lines []LineItem) []LineItem { return f(lines) }

// Store is the in-memory cart of one till. It is not safe for concurrent use; the
// owning till serialises access.
type Store struct {
	lines    []LineItem
	customer Customer
	eval     Evaluator
}

// NewStore returns an empty cart that re-evaluates with eval after each mutation.
func NewStore(eval Evaluator) *Store {
	return &Store{eval: eval}
}

// Snapshot returns a deep copy of the cart.
func (s *Store) Snapshot() Cart {
	return Cart{Lines: cloneLines(s.lines), Customer: s.customer}
}

// Lines returns a copy of the current lines.
func (s *Store) Lines() []LineItem {
	return cloneLines(s.lines)
}

// Customer returns the attached customer fields.
func (s *Store) Customer() Customer {
	return s.customer
}

// IsEmpty reports whether the cart holds no purchased lines.
func (s *Store) IsEmpty() bool {
	for _, l := range s.lines {
		if !l.IsFree {
			return false
		}
	}
	return true
}

// Add appends the item (optionally a specific batch) with quantity one, or increments the
// existing line with the same composite identifier.
func (s *Store) Add(item catalog.Item, batch *catalog.Batch) (LineItem, error) {
	if strings.TrimSpace(item.ID) == "" {
		return LineItem{}, fmt.Errorf("item id is required: %w", ErrInvalidInput)
	}
	batchID := ""
	price := item.Price
	if batch != nil {
		if batch.ProductID != "" && batch.ProductID != item.ID {
			return LineItem{}, fmt.Errorf("batch does not belong to item: %w", ErrInvalidInput)
		}
		batchID = batch.ID
		if batch.Price != nil {
			price = *batch.Price
		}
	}
	if price.IsNegative() {
		return LineItem{}, fmt.Errorf("item price must not be negative: %w", ErrInvalidInput)
	}
	id := LineID(item.ID, batchID)
	if idx := s.indexOf(id); idx >= 0 && !s.lines[idx].IsFree {
		s.lines[idx].Qty++
		s.Reevaluate()
		return s.line(id), nil
	}
	s.lines = append(s.lines, LineItem{
		ID:        id,
		ItemID:    item.ID,
		BatchID:   batchID,
		Name:      item.Name,
		Code:      item.Code,
		Category:  item.Category,
		Qty:       1,
		UnitPrice: price,
	})
	s.Reevaluate()
	return s.line(id), nil
}

// Increase adds one unit to a purchased line.
func (s *Store) Increase(lineID string) error {
	idx := s.indexOf(lineID)
	if idx < 0 {
		return ErrNotFound
	}
	if s.lines[idx].IsFree {
		return ErrFreeLine
	}
	s.lines[idx].Qty++
	s.Reevaluate()
	return nil
}

// Decrease removes one unit from a line, dropping it at zero. Free lines paired with a
// decremented buy line are dropped too and regenerated by re-evaluation if still earned.
func (s *Store) Decrease(lineID string) error {
	idx := s.indexOf(lineID)
	if idx < 0 {
		return ErrNotFound
	}
	line := s.lines[idx]
	line.Qty--
	if line.Qty <= 0 {
		s.lines = slices.Delete(s.lines, idx, idx+1)
	} else {
		s.lines[idx] = line
	}
	if !line.IsFree {
		s.dropPaired(line.ItemID)
	}
	s.Reevaluate()
	return nil
}

// Remove drops a line regardless of its quantity.
func (s *Store) Remove(lineID string) error {
	idx := s.indexOf(lineID)
	if idx < 0 {
		return ErrNotFound
	}
	line := s.lines[idx]
	s.lines = slices.Delete(s.lines, idx, idx+1)
	if !line.IsFree {
		s.dropPaired(line.ItemID)
	}
	s.Reevaluate()
	return nil
}

// Clear empties the cart and resets the customer fields.
func (s *Store) Clear() {
	s.lines = nil
	s.customer = Customer{}
}

// SetCustomer attaches customer fields to the bill.
func (s *Store) SetCustomer(c Customer) {
	s.customer = Customer{
		ID:    strings.TrimSpace(c.ID),
		Name:  strings.TrimSpace(c.Name),
		Phone: strings.TrimSpace(c.Phone),
	}
}

// SetEvaluator swaps the evaluator (e.g. after promotions were refreshed) and re-evaluates.
func (s *Store) SetEvaluator(eval Evaluator) {
	s.eval = eval
	s.Reevaluate()
}

// Replace restores a cart verbatim, e.g. when a held bill is loaded.
func (s *Store) Replace(c Cart) {
	s.lines = cloneLines(c.Lines)
	s.customer = c.Customer
}

// Reevaluate re-derives the cart through the evaluator. The derived cart only replaces the
// current one when its serialised form differs. It reports whether the cart changed.
func (s *Store) Reevaluate() bool {
	if s.eval == nil {
		return false
	}
	derived := s.eval.Evaluate(cloneLines(s.lines))
	before, errBefore := json.Marshal(s.lines)
	after, errAfter := json.Marshal(derived)
	if errBefore == nil && errAfter == nil && bytes.Equal(before, after) {
		return false
	}
	s.lines = derived
	return true
}

func (s *Store) dropPaired(itemID string) {
	s.lines = slices.DeleteFunc(s.lines, func(l LineItem) bool {
		return l.PairedWith(itemID)
	})
}

func (s *Store) indexOf(lineID string) int {
	return slices.IndexFunc(s.lines, func(l LineItem) bool { return l.ID == lineID })
}

func (s *Store) line(id string) LineItem {
	if idx := s.indexOf(id); idx >= 0 {
		return s.lines[idx]
	}
	return LineItem{}
}

func cloneLines(lines []LineItem) []LineItem {
	if lines == nil {
		return nil
	}
	out := make([]LineItem, len(lines))
	for i, l := range lines {
		l.PairedItemIDs = slices.Clone(l.PairedItemIDs)
		out[i] = l
	}
	return out
}
