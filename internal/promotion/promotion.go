package promotion

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidStacking is returned when a stacking mode cannot be parsed.
var ErrInvalidStacking = errors.New("invalid promotion stacking mode")

// Stacking decides whether a purchased unit can satisfy more than one rule.
type Stacking string

const (
	// StackAll lets every rule see the full cart quantities.
	StackAll Stacking = "stack"
	// ConsumeBuyUnits makes units used by one rule unavailable to later rules.
	ConsumeBuyUnits Stacking = "consume"
)

// ParseStacking converts a configuration value into a stacking mode. Empty means StackAll.
func ParseStacking(v string) (Stacking, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", string(StackAll):
		return StackAll, nil
	case string(ConsumeBuyUnits):
		return ConsumeBuyUnits, nil
	default:
		return "", fmt.Errorf("%q: %w", v, ErrInvalidStacking)
	}
}

// Rule is one buy-X-get-Y clause of a promotion. Item references may be catalog ids,
// product codes or "Name (Code)" keys.
type Rule struct {
	BuyItems     []string `json:"buyItems"`
	BuyQty       int      `json:"buyQty"`
	FreeItems    []string `json:"freeItems,omitempty"`
	SameAsBought bool     `json:"sameAsBought"`
	GetQty       int      `json:"getQty"`
}

// Promotion is a BOGO campaign with a date-only validity window.
type Promotion struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Active    bool       `json:"active"`
	ValidFrom *time.Time `json:"validFrom,omitempty"`
	ValidTo   *time.Time `json:"validTo,omitempty"`
	Rules     []Rule     `json:"rules"`
}

// ActiveAt reports whether the promotion applies at now. Dates are compared without their
// time component in now's location, so the end date stays valid until the end of that
// local day.
func (p Promotion) ActiveAt(now time.Time) bool {
	if !p.Active {
		return false
	}
	loc := now.Location()
	today := dateKey(now)
	if p.ValidFrom != nil && today < dateKey(p.ValidFrom.In(loc)) {
		return false
	}
	if p.ValidTo != nil && today > dateKey(p.ValidTo.In(loc)) {
		return false
	}
	return true
}

// GroupID identifies the free line produced by rule index i of promotion p.
func GroupID(promotionID string, ruleIndex int) string {
	return fmt.Sprintf("%s:%d", promotionID, ruleIndex)
}

func dateKey(t time.Time) int {
	y, m, d := t.Date()
	return y*10000 + int(m)*100 + d
}
