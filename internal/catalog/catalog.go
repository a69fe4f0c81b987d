package catalog

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a reference cannot be resolved against the index.
var ErrNotFound = errors.New("catalog item not found")

// Item is a sellable product as published by the external product catalog.
type Item struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Code     string          `json:"code"`
	Price    decimal.Decimal `json:"price"`
	Category string          `json:"category"`
}

// DisplayKey renders the "Name (Code)" composite key promotions may use to reference the item.
func (it Item) DisplayKey() string {
	return CompositeKey(it.Name, it.Code)
}

// Batch is a stock batch of a product. A non-nil Price overrides the product price.
type Batch struct {
	ID        string           `json:"id"`
	ProductID string           `json:"productId"`
	Code      string           `json:"code"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`
}

// CompositeKey builds the "Name (Code)" key.
func CompositeKey(name, code string) string {
	name = strings.TrimSpace(name)
	code = strings.TrimSpace(code)
	if code == "" {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, code)
}

// Index keeps the catalog items the till has seen and resolves loose references to them.
type Index struct {
	mu     sync.RWMutex
	byID   map[string]Item
	byCode map[string]string
	byKey  map[string]string
}

// NewIndex builds an index seeded with the provided items.
func NewIndex(items ...Item) *Index {
	idx := &Index{
		byID:   make(map[string]Item),
		byCode: make(map[string]string),
		byKey:  make(map[string]string),
	}
	idx.Put(items...)
	return idx
}

// Put adds or replaces items.
func (i *Index) Put(items ...Item) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, it := range items {
		id := strings.TrimSpace(it.ID)
		if id == "" {
			continue
		}
		it.ID = id
		i.byID[id] = it
		if code := normalise(it.Code); code != "" {
			i.byCode[code] = id
		}
		if key := normalise(it.DisplayKey()); key != "" {
			i.byKey[key] = id
		}
	}
}

// Get returns the item with the canonical identifier.
func (i *Index) Get(id string) (Item, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	it, ok := i.byID[strings.TrimSpace(id)]
	return it, ok
}

// Resolve matches a reference by identifier, code or "Name (Code)" key, in that order.
func (i *Index) Resolve(ref string) (Item, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return Item{}, ErrNotFound
	}
	i.mu.RLock()
	defer i.mu.RUnlock()
	if it, ok := i.byID[trimmed]; ok {
		return it, nil
	}
	norm := normalise(trimmed)
	if id, ok := i.byCode[norm]; ok {
		return i.byID[id], nil
	}
	if id, ok := i.byKey[norm]; ok {
		return i.byID[id], nil
	}
	return Item{}, fmt.Errorf("%q: %w", trimmed, ErrNotFound)
}

// Len reports the number of indexed items.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.byID)
}

func normalise(v string) string {
	return strings.ToLower(strings.Join(strings.Fields(v), " "))
}
