package pricing

import (
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pos/internal/cart"
)

// Item describes a line item used for pricing calculation.
type Item struct {
	Qty       int
	UnitPrice decimal.Decimal
	Category  string
	Free      bool
}

// Bucket is the rounded subtotal and tax of one category.
type Bucket struct {
	Category string          `json:"category"`
	Rate     decimal.Decimal `json:"rate"`
	Subtotal decimal.Decimal `json:"subtotal"`
	Tax      decimal.Decimal `json:"tax"`
}

// Summary aggregates computed pricing components.
type Summary struct {
	Subtotal   decimal.Decimal `json:"subtotal"`
	Tax        decimal.Decimal `json:"tax"`
	GrandTotal decimal.Decimal `json:"grandTotal"`
	Buckets    []Bucket        `json:"buckets"`
}

// Round2 rounds half away from zero to two decimal places.
func Round2(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Compute calculates cart totals. Free lines contribute nothing. Each category bucket is
// rounded before its tax is taken, and the tax of each bucket is rounded before summing.
func Compute(items []Item, table Table, jurisdiction string) Summary {
	order := make([]string, 0)
	raw := make(map[string]decimal.Decimal)
	for _, it := range items {
		if it.Free || it.Qty <= 0 {
			continue
		}
		cat := categoryKey(it.Category)
		if _, ok := raw[cat]; !ok {
			order = append(order, cat)
			raw[cat] = decimal.Zero
		}
		raw[cat] = raw[cat].Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Qty))))
	}

	summary := Summary{Subtotal: decimal.Zero, Tax: decimal.Zero, Buckets: make([]Bucket, 0, len(order))}
	for _, cat := range order {
		rate := table.Rate(jurisdiction, cat)
		sub := Round2(raw[cat])
		tax := Round2(sub.Mul(rate).Div(hundred))
		summary.Buckets = append(summary.Buckets, Bucket{Category: cat, Rate: rate, Subtotal: sub, Tax: tax})
		summary.Subtotal = summary.Subtotal.Add(sub)
		summary.Tax = summary.Tax.Add(tax)
	}
	summary.GrandTotal = summary.Subtotal.Add(summary.Tax)
	return summary
}

// ItemsFromLines converts cart lines for pricing.
func ItemsFromLines(lines []cart.LineItem) []Item {
	out := make([]Item, 0, len(lines))
	for _, l := range lines {
		out = append(out, Item{Qty: l.Qty, UnitPrice: l.UnitPrice, Category: l.Category, Free: l.IsFree})
	}
	return out
}
