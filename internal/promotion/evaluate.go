package promotion

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pos/internal/cart"
	"github.com/noah-isme/backend-pos/internal/obs"
)

// Evaluate strips the free lines from the cart and recomputes them from the promotions that
// are active at now. It never mutates lines and returns the same result for the same inputs.
func Evaluate(lines []cart.LineItem, set Set, now time.Time, stacking Stacking) []cart.LineItem {
	out, _ := evaluate(lines, set, now, stacking)
	return out
}

type skip struct {
	group  string
	reason string
}

func evaluate(lines []cart.LineItem, set Set, now time.Time, stacking Stacking) ([]cart.LineItem, []skip) {
	working := make([]cart.LineItem, 0, len(lines))
	for _, l := range lines {
		if l.IsFree || l.Qty <= 0 {
			continue
		}
		working = append(working, l)
	}

	available := make(map[string]int, len(working))
	for _, l := range working {
		available[l.ItemID] += l.Qty
	}

	var skipped []skip
	emitted := make(map[string]struct{})
	for _, p := range set.promotions {
		if !p.ActiveAt(now) {
			continue
		}
		for _, r := range p.rules {
			group := GroupID(p.ID, r.index)
			if _, dup := emitted[group]; dup {
				continue
			}
			if !r.buyOK {
				skipped = append(skipped, skip{group: group, reason: "buy_unresolved"})
				continue
			}
			sets, ok := ruleSets(r, available)
			if !ok {
				continue
			}
			freeQty := sets * r.getQty
			if freeQty <= 0 {
				continue
			}
			line, ok := freeLine(p, r, group, freeQty, working)
			if !ok {
				skipped = append(skipped, skip{group: group, reason: "free_unresolved"})
				continue
			}
			if stacking == ConsumeBuyUnits {
				consume(r, sets, available)
			}
			working = slices.Insert(working, insertAt(working, r.buy), line)
			emitted[group] = struct{}{}
		}
	}
	return working, skipped
}

// ruleSets returns how many times the rule is satisfied by the available quantities.
// Single-product rules scale with the quantity; bundles grant one set.
func ruleSets(r compiledRule, available map[string]int) (int, bool) {
	for _, id := range r.buy {
		if available[id] < 1 {
			return 0, false
		}
	}
	if len(r.buy) == 1 {
		qty := available[r.buy[0]]
		if qty < r.buyQty {
			return 0, false
		}
		return qty / r.buyQty, true
	}
	return 1, true
}

func consume(r compiledRule, sets int, available map[string]int) {
	if len(r.buy) == 1 {
		available[r.buy[0]] -= sets * r.buyQty
		return
	}
	for _, id := range r.buy {
		available[id]--
	}
}

func freeLine(p compiledPromotion, r compiledRule, group string, qty int, working []cart.LineItem) (cart.LineItem, bool) {
	line := cart.LineItem{
		ID:               cart.FreeLineID(group),
		Qty:              qty,
		UnitPrice:        decimal.Zero,
		IsFree:           true,
		PromotionGroupID: group,
		PairedItemIDs:    slices.Clone(r.buy),
		Description:      describe(p, r),
	}
	if r.sameAsBought {
		idx := slices.IndexFunc(working, func(l cart.LineItem) bool { return l.ItemID == r.buy[0] })
		if idx < 0 {
			return cart.LineItem{}, false
		}
		src := working[idx]
		line.ItemID = src.ItemID
		line.Name = src.Name
		line.Code = src.Code
		line.Category = src.Category
		return line, true
	}
	if r.free == nil {
		return cart.LineItem{}, false
	}
	line.ItemID = r.free.ID
	line.Name = r.free.Name
	line.Code = r.free.Code
	line.Category = r.free.Category
	return line, true
}

// insertAt places a free line right after the last buy line it pairs with, behind any free
// lines already sitting there.
func insertAt(working []cart.LineItem, buy []string) int {
	last := -1
	for i, l := range working {
		if !l.IsFree && slices.Contains(buy, l.ItemID) {
			last = i
		}
	}
	pos := last + 1
	for pos < len(working) && working[pos].IsFree {
		pos++
	}
	return pos
}

func describe(p compiledPromotion, r compiledRule) string {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		name = p.ID
	}
	return fmt.Sprintf("Free with %s (%s)", strings.Join(r.buyNames, " + "), name)
}

// Evaluator re-derives carts against a compiled promotion set. It satisfies cart.Evaluator.
type Evaluator struct {
	Set      Set
	Stacking Stacking
	Now      func() time.Time
	Logger   zerolog.Logger
}

// Evaluate implements cart.Evaluator.
func (e *Evaluator) Evaluate(lines []cart.LineItem) []cart.LineItem {
	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	out, skipped := evaluate(lines, e.Set, now, e.Stacking)
	for _, s := range skipped {
		e.Logger.Debug().Str("group", s.group).Str("reason", s.reason).Msg("promotion rule skipped")
		if obs.PromotionRuleSkipped != nil {
			obs.PromotionRuleSkipped.WithLabelValues(s.reason).Inc()
		}
	}
	if obs.FreeUnitsGranted != nil {
		granted := freeUnits(out) - freeUnits(lines)
		if granted > 0 {
			obs.FreeUnitsGranted.Add(float64(granted))
		}
	}
	return out
}

func freeUnits(lines []cart.LineItem) int {
	total := 0
	for _, l := range lines {
		if l.IsFree {
			total += l.Qty
		}
	}
	return total
}
