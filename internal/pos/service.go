package pos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/backend-pos/internal/cart"
	"github.com/noah-isme/backend-pos/internal/catalog"
	"github.com/noah-isme/backend-pos/internal/draft"
	"github.com/noah-isme/backend-pos/internal/obs"
	"github.com/noah-isme/backend-pos/internal/payment"
	"github.com/noah-isme/backend-pos/internal/pricing"
	"github.com/noah-isme/backend-pos/internal/promotion"
	"github.com/noah-isme/backend-pos/internal/search"
	"github.com/noah-isme/backend-pos/internal/session"
)

var (
	// ErrEmptyCart is returned when checkout or hold is attempted without buy lines.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrCartNotEmpty is returned when a draft is loaded over a cart that still has lines.
	ErrCartNotEmpty = errors.New("cart is not empty")
	// ErrInvalidTerminal is returned for a blank terminal identifier.
	ErrInvalidTerminal = errors.New("terminal id is required")
)

// Backend is the part of the business backend a till talks to.
type Backend interface {
	SearchCatalog(ctx context.Context, text string) ([]catalog.Item, error)
	FetchBatches(ctx context.Context, productID string) ([]catalog.Batch, error)
	SearchCustomers(ctx context.Context, text string) ([]cart.Customer, error)
	CreateCounterCustomer(ctx context.Context, fields cart.Customer) (cart.Customer, error)
	FetchActivePromotions(ctx context.Context) ([]promotion.Promotion, error)
	SubmitSale(ctx context.Context, sale payment.Sale) (string, error)
}

// View is the cart of a till together with its priced totals.
type View struct {
	TerminalID string          `json:"terminalId"`
	Cart       cart.Cart       `json:"cart"`
	Totals     pricing.Summary `json:"totals"`
	Currency   string          `json:"currency"`
}

// Receipt is returned by a completed checkout.
type Receipt struct {
	Sale  payment.Sale  `json:"sale"`
	Quote payment.Quote `json:"quote"`
}

// ProductResults is the answer to a product search. Stale answers carry no items.
type ProductResults struct {
	Seq   uint64         `json:"seq"`
	Stale bool           `json:"stale"`
	Items []catalog.Item `json:"items"`
}

// CustomerResults is the answer to a customer search. Stale answers carry no customers.
type CustomerResults struct {
	Seq       uint64          `json:"seq"`
	Stale     bool            `json:"stale"`
	Customers []cart.Customer `json:"customers"`
}

// PromotionStatus summarises a promotion refresh.
type PromotionStatus struct {
	Promotions  int                    `json:"promotions"`
	Unresolved  []promotion.Unresolved `json:"unresolved,omitempty"`
	RefreshedAt time.Time              `json:"refreshedAt"`
}

// Till is the in-memory state of one terminal: the active cart and the settlement in
// progress. Every method of Service locks the till it works on.
type Till struct {
	mu         sync.Mutex
	terminal   string
	cart       *cart.Store
	settlement payment.Settlement
	batches    map[string]catalog.Batch
}

// Service is the registry of tills and the entry point of every till operation.
type Service struct {
	Backend      Backend
	Catalog      catalog.Searcher
	Sessions     *session.Service
	Drafts       draft.Store
	Search       *search.Sequencer
	Index        *catalog.Index
	TaxTable     pricing.Table
	Jurisdiction string
	Currency     string
	Stacking     promotion.Stacking
	Now          func() time.Time
	Logger       zerolog.Logger

	mu      sync.Mutex
	tills   map[string]*Till
	promos  promotion.Set
	refresh sync.Mutex
}

func (s *Service) till(terminalID string) (*Till, error) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return nil, ErrInvalidTerminal
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()
	t, ok := s.tills[terminalID]
	if !ok {
		t = &Till{
			terminal: terminalID,
			cart:     cart.NewStore(s.evaluator(s.promos)),
			batches:  make(map[string]catalog.Batch),
		}
		s.tills[terminalID] = t
	}
	return t, nil
}

func (s *Service) initLocked() {
	if s.tills == nil {
		s.tills = make(map[string]*Till)
	}
	if s.Index == nil {
		s.Index = catalog.NewIndex()
	}
	if s.Search == nil {
		s.Search = search.NewSequencer()
	}
}

func (s *Service) index() *catalog.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()
	return s.Index
}

func (s *Service) sequencer() *search.Sequencer {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initLocked()
	return s.Search
}

func (s *Service) evaluator(set promotion.Set) cart.Evaluator {
	return &promotion.Evaluator{Set: set, Stacking: s.Stacking, Now: s.Now, Logger: s.Logger}
}

func (s *Service) view(t *Till) View {
	snap := t.cart.Snapshot()
	return View{
		TerminalID: t.terminal,
		Cart:       snap,
		Totals:     s.totals(snap.Lines),
		Currency:   s.Currency,
	}
}

func (s *Service) totals(lines []cart.LineItem) pricing.Summary {
	return pricing.Compute(pricing.ItemsFromLines(lines), s.TaxTable, s.Jurisdiction)
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) searcher() catalog.Searcher {
	if s.Catalog != nil {
		return s.Catalog
	}
	return s.Backend
}

func (s *Service) ready() error {
	if s == nil || s.Backend == nil {
		return errors.New("pos service not configured")
	}
	return nil
}

// Cart returns the current cart of the terminal.
func (s *Service) Cart(_ context.Context, terminalID string) (View, error) {
	t, err := s.till(terminalID)
	if err != nil {
		return View{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return s.view(t), nil
}

// AddItem adds one unit of a catalog item, optionally from a specific batch. Items unknown
// to the till are looked up in the catalog by identifier or code.
func (s *Service) AddItem(ctx context.Context, terminalID, itemRef, batchID string) (View, error) {
	if err := s.ready(); err != nil {
		return View{}, err
	}
	ctx, span := otel.Tracer("pos.Service").Start(ctx, "PosService.AddItem")
	defer span.End()
	span.SetAttributes(attribute.String("pos.terminal", terminalID), attribute.String("pos.item", itemRef))

	t, err := s.till(terminalID)
	if err != nil {
		return View{}, err
	}
	item, err := s.lookupItem(ctx, itemRef)
	if err != nil {
		span.RecordError(err)
		return View{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	var batch *catalog.Batch
	if id := strings.TrimSpace(batchID); id != "" {
		b, err := s.lookupBatch(ctx, t, item.ID, id)
		if err != nil {
			span.RecordError(err)
			return View{}, err
		}
		batch = &b
	}
	if _, err := t.cart.Add(item, batch); err != nil {
		return View{}, err
	}
	return s.view(t), nil
}

func (s *Service) lookupItem(ctx context.Context, ref string) (catalog.Item, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return catalog.Item{}, fmt.Errorf("item reference: %w", cart.ErrInvalidInput)
	}
	idx := s.index()
	if item, err := idx.Resolve(ref); err == nil {
		return item, nil
	}
	items, err := s.searcher().SearchCatalog(ctx, ref)
	if err != nil {
		return catalog.Item{}, err
	}
	idx.Put(items...)
	return idx.Resolve(ref)
}

func (s *Service) lookupBatch(ctx context.Context, t *Till, productID, batchID string) (catalog.Batch, error) {
	if b, ok := t.batches[batchID]; ok && b.ProductID == productID {
		return b, nil
	}
	batches, err := s.Backend.FetchBatches(ctx, productID)
	if err != nil {
		return catalog.Batch{}, err
	}
	for _, b := range batches {
		t.batches[b.ID] = b
	}
	b, ok := t.batches[batchID]
	if !ok || b.ProductID != productID {
		return catalog.Batch{}, fmt.Errorf("batch %q of %q: %w", batchID, productID, catalog.ErrNotFound)
	}
	return b, nil
}

// IncreaseLine adds one unit to a buy line.
func (s *Service) IncreaseLine(_ context.Context, terminalID, lineID string) (View, error) {
	return s.mutate(terminalID, func(c *cart.Store) error { return c.Increase(lineID) })
}

// DecreaseLine removes one unit from a line, dropping it at zero.
func (s *Service) DecreaseLine(_ context.Context, terminalID, lineID string) (View, error) {
	return s.mutate(terminalID, func(c *cart.Store) error { return c.Decrease(lineID) })
}

// RemoveLine drops a line and, for buy lines, the free lines paired with it.
func (s *Service) RemoveLine(_ context.Context, terminalID, lineID string) (View, error) {
	return s.mutate(terminalID, func(c *cart.Store) error { return c.Remove(lineID) })
}

// ClearCart empties the cart and its customer.
func (s *Service) ClearCart(_ context.Context, terminalID string) (View, error) {
	return s.mutate(terminalID, func(c *cart.Store) error {
		c.Clear()
		return nil
	})
}

// SetCustomer attaches customer details to the cart.
func (s *Service) SetCustomer(_ context.Context, terminalID string, c cart.Customer) (View, error) {
	return s.mutate(terminalID, func(store *cart.Store) error {
		store.SetCustomer(c)
		return nil
	})
}

func (s *Service) mutate(terminalID string, fn func(*cart.Store) error) (View, error) {
	t, err := s.till(terminalID)
	if err != nil {
		return View{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := fn(t.cart); err != nil {
		return View{}, err
	}
	return s.view(t), nil
}

// Quote prices the cart and validates a tender without completing the sale. A short tender
// is reported through the error while the quote still carries the balance due.
func (s *Service) Quote(_ context.Context, terminalID string, tender payment.Tender) (payment.Quote, error) {
	t, err := s.till(terminalID)
	if err != nil {
		return payment.Quote{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cart.IsEmpty() {
		return payment.Quote{}, ErrEmptyCart
	}
	return payment.QuoteTender(s.totals(t.cart.Lines()).GrandTotal, tender)
}

// Checkout settles the cart with tender, submits the sale to the backend and records it in
// the owner's shift. The cart is cleared only after the backend accepted the sale; any
// failure leaves both the cart and the drawer untouched.
func (s *Service) Checkout(ctx context.Context, terminalID, owner string, tender payment.Tender) (Receipt, error) {
	if err := s.ready(); err != nil {
		return Receipt{}, err
	}
	if s.Sessions == nil {
		return Receipt{}, errors.New("pos: session service not configured")
	}
	ctx, span := otel.Tracer("pos.Service").Start(ctx, "PosService.Checkout")
	defer span.End()
	span.SetAttributes(attribute.String("pos.terminal", terminalID), attribute.String("pos.payment_type", string(tender.Method)))

	result := "error"
	method := "unknown"
	if m, err := payment.ParseMethod(string(tender.Method)); err == nil {
		method = string(m)
	}
	defer func() {
		if obs.SalesTotal != nil {
			obs.SalesTotal.WithLabelValues(method, result).Inc()
		}
	}()

	t, err := s.till(terminalID)
	if err != nil {
		return Receipt{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cart.IsEmpty() {
		result = "rejected"
		return Receipt{}, ErrEmptyCart
	}
	snap := t.cart.Snapshot()
	totals := s.totals(snap.Lines)
	q, err := payment.QuoteTender(totals.GrandTotal, tender)
	if err != nil {
		result = "rejected"
		return Receipt{Quote: q}, err
	}
	if err := t.settlement.Begin(q); err != nil {
		return Receipt{Quote: q}, err
	}

	now := s.now()
	sale, err := s.Sessions.RecordSale(ctx, t.terminal, owner, func(ctx context.Context, sess *session.Session) (payment.Sale, error) {
		sale := payment.Sale{
			ID:          uuid.NewString(),
			BillNumber:  sess.NextBillNumber(now),
			TerminalID:  t.terminal,
			Timestamp:   now,
			PaymentType: q.Method,
			Breakdown:   q.Breakdown,
			Subtotal:    totals.Subtotal,
			Tax:         totals.Tax,
			GrandTotal:  totals.GrandTotal,
			Tendered:    q.Tendered,
			Change:      q.Change,
			Lines:       snap.Lines,
			Customer:    snap.Customer,
		}
		remoteID, err := s.Backend.SubmitSale(ctx, sale)
		if err != nil {
			return payment.Sale{}, err
		}
		sale.RemoteID = remoteID
		return sale, nil
	})
	if err != nil {
		t.settlement.Abort()
		span.RecordError(err)
		s.Logger.Warn().Err(err).Str("terminal", t.terminal).Str("payment_type", string(q.Method)).Msg("checkout failed")
		return Receipt{Quote: q}, err
	}
	if err := t.settlement.Complete(); err != nil {
		return Receipt{Quote: q}, err
	}
	t.cart.Clear()
	result = "completed"
	span.SetAttributes(attribute.String("pos.bill_number", sale.BillNumber))
	s.Logger.Info().
		Str("terminal", t.terminal).
		Str("bill_number", sale.BillNumber).
		Str("payment_type", string(sale.PaymentType)).
		Str("grand_total", sale.GrandTotal.StringFixed(2)).
		Str("change", sale.Change.StringFixed(2)).
		Msg("sale completed")
	return Receipt{Sale: sale, Quote: q}, nil
}

// HoldBill parks the cart as a draft and clears it.
func (s *Service) HoldBill(ctx context.Context, terminalID, note string) (draft.Bill, error) {
	if s.Drafts == nil {
		return draft.Bill{}, errors.New("pos: draft store not configured")
	}
	t, err := s.till(terminalID)
	if err != nil {
		return draft.Bill{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cart.IsEmpty() {
		return draft.Bill{}, ErrEmptyCart
	}
	snap := t.cart.Snapshot()
	bill := draft.New(t.terminal, snap, s.totals(snap.Lines), note, s.now())
	if err := s.Drafts.SaveDraft(ctx, bill); err != nil {
		return draft.Bill{}, err
	}
	t.cart.Clear()
	countDraft("held")
	return bill, nil
}

// ListDrafts returns the held bills of the terminal, oldest first.
func (s *Service) ListDrafts(ctx context.Context, terminalID string) ([]draft.Bill, error) {
	if s.Drafts == nil {
		return nil, errors.New("pos: draft store not configured")
	}
	if strings.TrimSpace(terminalID) == "" {
		return nil, ErrInvalidTerminal
	}
	return s.Drafts.ListDrafts(ctx, strings.TrimSpace(terminalID))
}

// LoadDraft restores a held bill verbatim into an empty cart and removes it from the list.
func (s *Service) LoadDraft(ctx context.Context, terminalID, id string) (View, error) {
	if s.Drafts == nil {
		return View{}, errors.New("pos: draft store not configured")
	}
	t, err := s.till(terminalID)
	if err != nil {
		return View{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.cart.Lines()) > 0 {
		return View{}, ErrCartNotEmpty
	}
	bill, err := s.Drafts.PopDraft(ctx, t.terminal, id)
	if err != nil {
		return View{}, err
	}
	t.cart.Replace(bill.Cart)
	countDraft("loaded")
	return s.view(t), nil
}

func countDraft(action string) {
	if obs.DraftsTotal != nil {
		obs.DraftsTotal.WithLabelValues(action).Inc()
	}
}

// RefreshPromotions fetches the active promotions, resolves their item references and
// re-evaluates every till against the new set.
func (s *Service) RefreshPromotions(ctx context.Context) (PromotionStatus, error) {
	if err := s.ready(); err != nil {
		return PromotionStatus{}, err
	}
	ctx, span := otel.Tracer("pos.Service").Start(ctx, "PosService.RefreshPromotions")
	defer span.End()

	s.refresh.Lock()
	defer s.refresh.Unlock()

	promos, err := s.Backend.FetchActivePromotions(ctx)
	if err != nil {
		span.RecordError(err)
		return PromotionStatus{}, err
	}
	idx := s.index()
	set, unresolved := promotion.Compile(promos, idx)
	if len(unresolved) > 0 {
		for _, ref := range uniqueRefs(unresolved) {
			items, err := s.searcher().SearchCatalog(ctx, ref)
			if err != nil {
				s.Logger.Warn().Err(err).Str("ref", ref).Msg("resolve promotion reference")
				continue
			}
			idx.Put(items...)
		}
		set, unresolved = promotion.Compile(promos, idx)
	}
	for _, u := range unresolved {
		s.Logger.Warn().
			Str("promotion", u.PromotionID).
			Int("rule", u.RuleIndex).
			Str("side", u.Side).
			Str("ref", u.Ref).
			Msg("promotion reference unresolved")
	}

	s.mu.Lock()
	s.promos = set
	tills := make([]*Till, 0, len(s.tills))
	for _, t := range s.tills {
		tills = append(tills, t)
	}
	s.mu.Unlock()
	for _, t := range tills {
		t.mu.Lock()
		t.cart.SetEvaluator(s.evaluator(set))
		t.mu.Unlock()
	}

	span.SetAttributes(attribute.Int("pos.promotions", set.Len()))
	s.Logger.Info().Int("promotions", set.Len()).Int("unresolved", len(unresolved)).Msg("promotions refreshed")
	return PromotionStatus{Promotions: set.Len(), Unresolved: unresolved, RefreshedAt: s.now()}, nil
}

func uniqueRefs(unresolved []promotion.Unresolved) []string {
	seen := make(map[string]struct{}, len(unresolved))
	out := make([]string, 0, len(unresolved))
	for _, u := range unresolved {
		if _, ok := seen[u.Ref]; ok {
			continue
		}
		seen[u.Ref] = struct{}{}
		out = append(out, u.Ref)
	}
	return out
}

// SearchProducts runs a catalog search for the terminal. seq may carry the client's own
// stamp; zero lets the server allocate one. A response overtaken by a newer request of the
// same terminal comes back stale and empty.
func (s *Service) SearchProducts(ctx context.Context, terminalID, text string, seq uint64) (ProductResults, error) {
	if err := s.ready(); err != nil {
		return ProductResults{}, err
	}
	if _, err := s.till(terminalID); err != nil {
		return ProductResults{}, err
	}
	seqr := s.sequencer()
	seq, ok := seqr.Admit(terminalID, search.Products, seq)
	if !ok {
		return ProductResults{Seq: seq, Stale: true, Items: []catalog.Item{}}, nil
	}
	items, err := s.searcher().SearchCatalog(ctx, text)
	if err != nil {
		return ProductResults{}, err
	}
	s.index().Put(items...)
	if !seqr.Current(terminalID, search.Products, seq) {
		return ProductResults{Seq: seq, Stale: true, Items: []catalog.Item{}}, nil
	}
	if items == nil {
		items = []catalog.Item{}
	}
	return ProductResults{Seq: seq, Items: items}, nil
}

// SearchCustomers runs a customer search for the terminal with the same staleness rules as
// SearchProducts.
func (s *Service) SearchCustomers(ctx context.Context, terminalID, text string, seq uint64) (CustomerResults, error) {
	if err := s.ready(); err != nil {
		return CustomerResults{}, err
	}
	if _, err := s.till(terminalID); err != nil {
		return CustomerResults{}, err
	}
	seqr := s.sequencer()
	seq, ok := seqr.Admit(terminalID, search.Customers, seq)
	if !ok {
		return CustomerResults{Seq: seq, Stale: true, Customers: []cart.Customer{}}, nil
	}
	customers, err := s.Backend.SearchCustomers(ctx, text)
	if err != nil {
		return CustomerResults{}, err
	}
	if !seqr.Current(terminalID, search.Customers, seq) {
		return CustomerResults{Seq: seq, Stale: true, Customers: []cart.Customer{}}, nil
	}
	if customers == nil {
		customers = []cart.Customer{}
	}
	return CustomerResults{Seq: seq, Customers: customers}, nil
}

// Batches lists the stock batches of a product and remembers them for batch-aware adds.
func (s *Service) Batches(ctx context.Context, terminalID, productID string) ([]catalog.Batch, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	t, err := s.till(terminalID)
	if err != nil {
		return nil, err
	}
	batches, err := s.Backend.FetchBatches(ctx, strings.TrimSpace(productID))
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	for _, b := range batches {
		t.batches[b.ID] = b
	}
	t.mu.Unlock()
	if batches == nil {
		batches = []catalog.Batch{}
	}
	return batches, nil
}

// CreateCustomer registers a counter customer with the backend and attaches it to the cart.
func (s *Service) CreateCustomer(ctx context.Context, terminalID string, fields cart.Customer) (View, error) {
	if err := s.ready(); err != nil {
		return View{}, err
	}
	fields.Name = strings.TrimSpace(fields.Name)
	fields.Phone = strings.TrimSpace(fields.Phone)
	if fields.Name == "" && fields.Phone == "" {
		return View{}, fmt.Errorf("customer name or phone: %w", cart.ErrInvalidInput)
	}
	if _, err := s.till(terminalID); err != nil {
		return View{}, err
	}
	created, err := s.Backend.CreateCounterCustomer(ctx, fields)
	if err != nil {
		return View{}, err
	}
	return s.SetCustomer(ctx, terminalID, created)
}

// StartSession opens the terminal's shift for owner.
func (s *Service) StartSession(ctx context.Context, terminalID, owner string, opening decimal.Decimal, takeover bool) (session.Session, error) {
	if s.Sessions == nil {
		return session.Session{}, errors.New("pos: session service not configured")
	}
	if strings.TrimSpace(terminalID) == "" {
		return session.Session{}, ErrInvalidTerminal
	}
	return s.Sessions.Start(ctx, strings.TrimSpace(terminalID), owner, opening, takeover)
}

// Session returns the owner's running shift.
func (s *Service) Session(ctx context.Context, terminalID, owner string) (session.Session, error) {
	if s.Sessions == nil {
		return session.Session{}, errors.New("pos: session service not configured")
	}
	return s.Sessions.Get(ctx, strings.TrimSpace(terminalID), owner)
}

// SessionTotals returns the per-instrument totals of the owner's running shift.
func (s *Service) SessionTotals(ctx context.Context, terminalID, owner string) (session.Totals, error) {
	if s.Sessions == nil {
		return session.Totals{}, errors.New("pos: session service not configured")
	}
	return s.Sessions.Totals(ctx, strings.TrimSpace(terminalID), owner)
}

// CloseShift reconciles the counted drawer and ends the owner's shift.
func (s *Service) CloseShift(ctx context.Context, terminalID, owner string, denoms []session.Denomination) (session.CloseResult, error) {
	if s.Sessions == nil {
		return session.CloseResult{}, errors.New("pos: session service not configured")
	}
	return s.Sessions.CloseShift(ctx, strings.TrimSpace(terminalID), owner, denoms)
}
