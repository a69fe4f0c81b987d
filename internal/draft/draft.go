package draft

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/backend-pos/internal/cart"
	"github.com/noah-isme/backend-pos/internal/pricing"
)

// ErrNotFound is returned when a held bill does not exist or was already loaded.
var ErrNotFound = errors.New("draft not found")

// Bill is a held cart waiting to be resumed. It is never a sale.
type Bill struct {
	ID         string          `json:"id"`
	TerminalID string          `json:"terminalId"`
	Cart       cart.Cart       `json:"cart"`
	Totals     pricing.Summary `json:"totals"`
	Note       string          `json:"note,omitempty"`
	HeldAt     time.Time       `json:"heldAt"`
}

// Store keeps the held bills of each terminal. PopDraft removes and returns a bill in one
// step so a bill can be loaded at most once.
type Store interface {
	SaveDraft(ctx context.Context, b Bill) error
	ListDrafts(ctx context.Context, terminalID string) ([]Bill, error)
	PopDraft(ctx context.Context, terminalID, id string) (Bill, error)
}

// New captures the cart and its totals as a held bill.
func New(terminalID string, c cart.Cart, totals pricing.Summary, note string, now time.Time) Bill {
	return Bill{
		ID:         uuid.NewString(),
		TerminalID: terminalID,
		Cart:       c,
		Totals:     totals,
		Note:       strings.TrimSpace(note),
		HeldAt:     now.UTC(),
	}
}
