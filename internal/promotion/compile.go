package promotion

import (
	"slices"

	"github.com/noah-isme/backend-pos/internal/catalog"
)

// Unresolved describes a rule reference that did not match any catalog item.
type Unresolved struct {
	PromotionID string `json:"promotionId"`
	RuleIndex   int    `json:"ruleIndex"`
	Ref         string `json:"ref"`
	Side        string `json:"side"`
}

type compiledRule struct {
	index        int
	buy          []string
	buyNames     []string
	buyOK        bool
	buyQty       int
	getQty       int
	sameAsBought bool
	free         *catalog.Item
	freeRef      string
}

type compiledPromotion struct {
	Promotion
	rules []compiledRule
}

// Set is a promotion list whose item references were translated to canonical catalog ids.
type Set struct {
	promotions []compiledPromotion
}

// Len reports the number of promotions in the set.
func (s Set) Len() int { return len(s.promotions) }

// Promotions returns the source promotions.
func (s Set) Promotions() []Promotion {
	out := make([]Promotion, 0, len(s.promotions))
	for _, p := range s.promotions {
		out = append(out, p.Promotion)
	}
	return out
}

// Compile resolves every buy and free reference against the index once. A rule with an
// unresolved buy reference can never fire; one with an unresolved free reference is skipped
// when it would fire. Both are reported so callers can log or fetch the missing items.
func Compile(promotions []Promotion, index *catalog.Index) (Set, []Unresolved) {
	if index == nil {
		index = catalog.NewIndex()
	}
	var missing []Unresolved
	set := Set{promotions: make([]compiledPromotion, 0, len(promotions))}
	for _, p := range promotions {
		cp := compiledPromotion{Promotion: p, rules: make([]compiledRule, 0, len(p.Rules))}
		for i, r := range p.Rules {
			cr := compiledRule{
				index:        i,
				buyOK:        len(r.BuyItems) > 0,
				buyQty:       r.BuyQty,
				getQty:       r.GetQty,
				sameAsBought: r.SameAsBought,
			}
			if cr.buyQty <= 0 {
				cr.buyQty = 1
			}
			for _, ref := range r.BuyItems {
				item, err := index.Resolve(ref)
				if err != nil {
					cr.buyOK = false
					missing = append(missing, Unresolved{PromotionID: p.ID, RuleIndex: i, Ref: ref, Side: "buy"})
					continue
				}
				if !slices.Contains(cr.buy, item.ID) {
					cr.buy = append(cr.buy, item.ID)
					cr.buyNames = append(cr.buyNames, item.Name)
				}
			}
			if !r.SameAsBought {
				for _, ref := range r.FreeItems {
					if cr.freeRef == "" {
						cr.freeRef = ref
					}
					item, err := index.Resolve(ref)
					if err != nil {
						continue
					}
					cr.free = &item
					break
				}
				if cr.free == nil {
					ref := cr.freeRef
					missing = append(missing, Unresolved{PromotionID: p.ID, RuleIndex: i, Ref: ref, Side: "free"})
				}
			}
			cp.rules = append(cp.rules, cr)
		}
		set.promotions = append(set.promotions, cp)
	}
	return set, missing
}

// References lists every item reference used by the promotions, buy side first.
func References(promotions []Promotion) []string {
	var refs []string
	for _, p := range promotions {
		for _, r := range p.Rules {
			for _, ref := range r.BuyItems {
				if !slices.Contains(refs, ref) {
					refs = append(refs, ref)
				}
			}
			for _, ref := range r.FreeItems {
				if !slices.Contains(refs, ref) {
					refs = append(refs, ref)
				}
			}
		}
	}
	return refs
}
