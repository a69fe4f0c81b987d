package pos

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	validator "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-pos/internal/backend"
	"github.com/noah-isme/backend-pos/internal/cart"
	"github.com/noah-isme/backend-pos/internal/catalog"
	"github.com/noah-isme/backend-pos/internal/common"
	"github.com/noah-isme/backend-pos/internal/draft"
	"github.com/noah-isme/backend-pos/internal/lock"
	"github.com/noah-isme/backend-pos/internal/obs"
	"github.com/noah-isme/backend-pos/internal/payment"
	"github.com/noah-isme/backend-pos/internal/session"
)

// Handler wires till operations to HTTP under /tills/{terminal}.
type Handler struct {
	Svc       *Service
	Validator *validator.Validate
	// SearchLimit, when set, guards the search proxies.
	SearchLimit func(http.Handler) http.Handler
	// Idempotency, when set, guards the write endpoints that talk to the backend.
	Idempotency func(http.Handler) http.Handler
}

// Routes mounts the till routes on r.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/tills/{terminal}", func(t chi.Router) {
		t.Get("/cart", h.GetCart)
		t.Post("/cart/items", h.AddItem)
		t.Post("/cart/lines/{lineID}/increase", h.IncreaseLine)
		t.Post("/cart/lines/{lineID}/decrease", h.DecreaseLine)
		t.Delete("/cart/lines/{lineID}", h.RemoveLine)
		t.Delete("/cart", h.ClearCart)
		t.Put("/cart/customer", h.SetCustomer)
		t.Post("/promotions/refresh", h.RefreshPromotions)
		t.Post("/checkout/quote", h.Quote)
		t.Post("/drafts", h.HoldBill)
		t.Get("/drafts", h.ListDrafts)
		t.Post("/drafts/{id}/load", h.LoadDraft)
		t.Get("/products/{id}/batches", h.Batches)

		t.Group(func(g chi.Router) {
			g.Use(middleware(h.SearchLimit))
			g.Get("/search/products", h.SearchProducts)
			g.Get("/search/customers", h.SearchCustomers)
		})
		t.With(middleware(h.Idempotency)).Post("/customers", h.CreateCustomer)

		t.Group(func(owned chi.Router) {
			owned.Use(RequireOwner)
			owned.With(middleware(h.Idempotency)).Post("/checkout", h.Checkout)
			owned.Post("/session", h.StartSession)
			owned.Get("/session", h.GetSession)
			owned.Get("/session/totals", h.SessionTotals)
			owned.With(middleware(h.Idempotency)).Post("/session/close", h.CloseShift)
		})
	})
}

func middleware(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return mw
}

// RequireOwner loads the till owner token from the X-Till-Owner header.
func RequireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(r.Header.Get(obs.OwnerHeader))
		if token == "" {
			common.JSONError(w, http.StatusUnauthorized, "OWNER_REQUIRED", obs.OwnerHeader+" header is required", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(common.WithOwner(r.Context(), token)))
	})
}

type addItemRequest struct {
	ItemID  string `json:"itemId" validate:"required,max=128"`
	BatchID string `json:"batchId" validate:"max=128"`
}

type customerRequest struct {
	ID    string `json:"id" validate:"max=128"`
	Name  string `json:"name" validate:"max=200"`
	Phone string `json:"phone" validate:"max=32"`
}

type splitRequest struct {
	Cash decimal.Decimal `json:"cash"`
	Card decimal.Decimal `json:"card"`
	UPI  decimal.Decimal `json:"upi"`
}

type tenderRequest struct {
	PaymentType string          `json:"paymentType" validate:"required"`
	Cash        decimal.Decimal `json:"cash"`
	Split       *splitRequest   `json:"split"`
}

type holdRequest struct {
	Note string `json:"note" validate:"max=500"`
}

type startSessionRequest struct {
	OpeningCash *decimal.Decimal `json:"openingCash"`
	Takeover    bool             `json:"takeover"`
}

type denominationRequest struct {
	Value decimal.Decimal `json:"value"`
	Count int             `json:"count" validate:"gte=0"`
}

type closeShiftRequest struct {
	Denominations []denominationRequest `json:"denominations" validate:"dive"`
}

func (req tenderRequest) tender() (payment.Tender, error) {
	method, err := payment.ParseMethod(req.PaymentType)
	if err != nil {
		return payment.Tender{}, err
	}
	t := payment.Tender{Method: method, Cash: req.Cash}
	if req.Split != nil {
		t.Split = payment.Breakdown{Cash: req.Split.Cash, Card: req.Split.Card, UPI: req.Split.UPI}
	} else {
		t.Split = payment.Breakdown{Cash: decimal.Zero, Card: decimal.Zero, UPI: decimal.Zero}
	}
	return t, nil
}

// GetCart returns the cart with its totals.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	view, err := h.Svc.Cart(r.Context(), terminal(r))
	h.respond(w, http.StatusOK, view, err)
}

// AddItem adds one unit of an item or batch.
func (h *Handler) AddItem(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req addItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.Svc.AddItem(r.Context(), terminal(r), req.ItemID, req.BatchID)
	h.respond(w, http.StatusOK, view, err)
}

// IncreaseLine adds one unit to a line.
func (h *Handler) IncreaseLine(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	view, err := h.Svc.IncreaseLine(r.Context(), terminal(r), chi.URLParam(r, "lineID"))
	h.respond(w, http.StatusOK, view, err)
}

// DecreaseLine removes one unit from a line.
func (h *Handler) DecreaseLine(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	view, err := h.Svc.DecreaseLine(r.Context(), terminal(r), chi.URLParam(r, "lineID"))
	h.respond(w, http.StatusOK, view, err)
}

// RemoveLine drops a line.
func (h *Handler) RemoveLine(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	view, err := h.Svc.RemoveLine(r.Context(), terminal(r), chi.URLParam(r, "lineID"))
	h.respond(w, http.StatusOK, view, err)
}

// ClearCart empties the cart.
func (h *Handler) ClearCart(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	view, err := h.Svc.ClearCart(r.Context(), terminal(r))
	h.respond(w, http.StatusOK, view, err)
}

// SetCustomer attaches customer details to the cart.
func (h *Handler) SetCustomer(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req customerRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.Svc.SetCustomer(r.Context(), terminal(r), cart.Customer{ID: req.ID, Name: req.Name, Phone: req.Phone})
	h.respond(w, http.StatusOK, view, err)
}

// CreateCustomer registers a counter customer and attaches it to the cart.
func (h *Handler) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req customerRequest
	if !h.decode(w, r, &req) {
		return
	}
	view, err := h.Svc.CreateCustomer(r.Context(), terminal(r), cart.Customer{Name: req.Name, Phone: req.Phone})
	h.respond(w, http.StatusCreated, view, err)
}

// RefreshPromotions reloads the active promotions.
func (h *Handler) RefreshPromotions(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	status, err := h.Svc.RefreshPromotions(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	view, err := h.Svc.Cart(r.Context(), terminal(r))
	h.respond(w, http.StatusOK, map[string]any{"promotions": status, "cart": view}, err)
}

// Quote previews a tender. A short tender is not an error here: the response carries the
// balance due and valid=false.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req tenderRequest
	if !h.decode(w, r, &req) {
		return
	}
	tender, err := req.tender()
	if err != nil {
		h.writeError(w, err)
		return
	}
	q, err := h.Svc.Quote(r.Context(), terminal(r), tender)
	if errors.Is(err, payment.ErrInsufficientCash) || errors.Is(err, payment.ErrInsufficientPayment) {
		common.Data(w, http.StatusOK, map[string]any{"quote": q, "valid": false, "reason": err.Error()})
		return
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusOK, map[string]any{"quote": q, "valid": true})
}

// Checkout completes the sale.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req tenderRequest
	if !h.decode(w, r, &req) {
		return
	}
	tender, err := req.tender()
	if err != nil {
		h.writeError(w, err)
		return
	}
	owner, _ := common.Owner(r.Context())
	receipt, err := h.Svc.Checkout(r.Context(), terminal(r), owner, tender)
	if err != nil {
		if errors.Is(err, payment.ErrInsufficientCash) || errors.Is(err, payment.ErrInsufficientPayment) {
			common.WriteAppError(w, errorMappings.Resolve(err).WithDetails(map[string]any{
				"balanceDue": receipt.Quote.BalanceDue,
				"grandTotal": receipt.Quote.GrandTotal,
			}))
			return
		}
		h.writeError(w, err)
		return
	}
	common.Data(w, http.StatusCreated, receipt)
}

// HoldBill parks the cart as a draft.
func (h *Handler) HoldBill(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req holdRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	bill, err := h.Svc.HoldBill(r.Context(), terminal(r), req.Note)
	h.respond(w, http.StatusCreated, bill, err)
}

// ListDrafts lists the held bills.
func (h *Handler) ListDrafts(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	bills, err := h.Svc.ListDrafts(r.Context(), terminal(r))
	if bills == nil {
		bills = []draft.Bill{}
	}
	h.respond(w, http.StatusOK, bills, err)
}

// LoadDraft restores a held bill.
func (h *Handler) LoadDraft(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	view, err := h.Svc.LoadDraft(r.Context(), terminal(r), chi.URLParam(r, "id"))
	h.respond(w, http.StatusOK, view, err)
}

// SearchProducts proxies a catalog search.
func (h *Handler) SearchProducts(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	seq, ok := parseSeq(w, r)
	if !ok {
		return
	}
	res, err := h.Svc.SearchProducts(r.Context(), terminal(r), r.URL.Query().Get("q"), seq)
	h.respond(w, http.StatusOK, res, err)
}

// SearchCustomers proxies a customer search.
func (h *Handler) SearchCustomers(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	seq, ok := parseSeq(w, r)
	if !ok {
		return
	}
	res, err := h.Svc.SearchCustomers(r.Context(), terminal(r), r.URL.Query().Get("q"), seq)
	h.respond(w, http.StatusOK, res, err)
}

// Batches lists the stock batches of a product.
func (h *Handler) Batches(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	batches, err := h.Svc.Batches(r.Context(), terminal(r), chi.URLParam(r, "id"))
	h.respond(w, http.StatusOK, batches, err)
}

// StartSession opens the shift.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req startSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.OpeningCash == nil {
		h.writeError(w, fmt.Errorf("openingCash missing: %w", session.ErrInvalidOpeningCash))
		return
	}
	owner, _ := common.Owner(r.Context())
	sess, err := h.Svc.StartSession(r.Context(), terminal(r), owner, *req.OpeningCash, req.Takeover)
	h.respond(w, http.StatusCreated, sess, err)
}

// GetSession returns the running shift.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	owner, _ := common.Owner(r.Context())
	sess, err := h.Svc.Session(r.Context(), terminal(r), owner)
	h.respond(w, http.StatusOK, sess, err)
}

// SessionTotals returns the per-instrument totals of the running shift.
func (h *Handler) SessionTotals(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	owner, _ := common.Owner(r.Context())
	totals, err := h.Svc.SessionTotals(r.Context(), terminal(r), owner)
	h.respond(w, http.StatusOK, totals, err)
}

// CloseShift reconciles the drawer and closes the shift.
func (h *Handler) CloseShift(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	var req closeShiftRequest
	if !h.decode(w, r, &req) {
		return
	}
	denoms := make([]session.Denomination, 0, len(req.Denominations))
	for _, d := range req.Denominations {
		denoms = append(denoms, session.Denomination{Value: d.Value, Count: d.Count})
	}
	owner, _ := common.Owner(r.Context())
	res, err := h.Svc.CloseShift(r.Context(), terminal(r), owner, denoms)
	h.respond(w, http.StatusOK, res, err)
}

func terminal(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "terminal"))
}

func parseSeq(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("seq"))
	if raw == "" {
		return 0, true
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "seq must be a positive integer", nil)
		return 0, false
	}
	return seq, true
}

func (h *Handler) ready(w http.ResponseWriter) bool {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "till service not configured", nil)
		return false
	}
	return true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return false
	}
	if h.Validator != nil {
		if err := h.Validator.Struct(dst); err != nil {
			common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", "invalid payload", validationDetails(err))
			return false
		}
	}
	return true
}

func validationDetails(err error) map[string]string {
	out := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			out[fe.Field()] = fe.Tag()
		}
	}
	return out
}

func (h *Handler) respond(w http.ResponseWriter, status int, v any, err error) {
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.Data(w, status, v)
}

var errorMappings = common.Mappings{
	{Target: ErrInvalidTerminal, Status: http.StatusBadRequest, Code: "BAD_REQUEST"},
	{Target: cart.ErrInvalidInput, Status: http.StatusBadRequest, Code: "BAD_REQUEST"},
	{Target: payment.ErrInvalidAmount, Status: http.StatusBadRequest, Code: "INVALID_AMOUNT"},
	{Target: payment.ErrUnknownMethod, Status: http.StatusBadRequest, Code: "UNKNOWN_PAYMENT_TYPE"},
	{Target: session.ErrInvalidOpeningCash, Status: http.StatusBadRequest, Code: "INVALID_OPENING_CASH"},
	{Target: session.ErrInvalidDenomination, Status: http.StatusBadRequest, Code: "INVALID_DENOMINATION"},
	{Target: cart.ErrNotFound, Status: http.StatusNotFound, Code: "LINE_NOT_FOUND"},
	{Target: catalog.ErrNotFound, Status: http.StatusNotFound, Code: "ITEM_NOT_FOUND"},
	{Target: draft.ErrNotFound, Status: http.StatusNotFound, Code: "DRAFT_NOT_FOUND"},
	{Target: session.ErrNoSession, Status: http.StatusNotFound, Code: "NO_SESSION"},
	{Target: session.ErrNotOwner, Status: http.StatusForbidden, Code: "NOT_OWNER"},
	{Target: session.ErrSessionActive, Status: http.StatusConflict, Code: "SESSION_ACTIVE"},
	{Target: session.ErrOwnedElsewhere, Status: http.StatusConflict, Code: "OWNED_ELSEWHERE"},
	{Target: ErrCartNotEmpty, Status: http.StatusConflict, Code: "CART_NOT_EMPTY"},
	{Target: payment.ErrSettlementState, Status: http.StatusConflict, Code: "SETTLEMENT_IN_PROGRESS"},
	{Target: lock.ErrBusy, Status: http.StatusConflict, Code: "TILL_BUSY"},
	{Target: ErrEmptyCart, Status: http.StatusUnprocessableEntity, Code: "EMPTY_CART"},
	{Target: cart.ErrFreeLine, Status: http.StatusUnprocessableEntity, Code: "FREE_LINE"},
	{Target: payment.ErrInsufficientCash, Status: http.StatusUnprocessableEntity, Code: "INSUFFICIENT_CASH"},
	{Target: payment.ErrInsufficientPayment, Status: http.StatusUnprocessableEntity, Code: "INSUFFICIENT_PAYMENT"},
	{Target: session.ErrCountedCashMissing, Status: http.StatusUnprocessableEntity, Code: "COUNTED_CASH_MISSING"},
	{Target: session.ErrCountExceedsExpected, Status: http.StatusUnprocessableEntity, Code: "COUNT_EXCEEDS_EXPECTED"},
	{Target: session.ErrShortfall, Status: http.StatusUnprocessableEntity, Code: "SHORTFALL"},
	{Target: backend.ErrRejected, Status: http.StatusUnprocessableEntity, Code: "BACKEND_REJECTED"},
	{Target: backend.ErrUnavailable, Status: http.StatusBadGateway, Code: "BACKEND_UNAVAILABLE"},
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if err == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unknown error", nil)
		return
	}
	appErr := errorMappings.Resolve(err)
	if appErr.Internal() && h.Svc != nil {
		h.Svc.Logger.Error().Err(err).Msg("till request failed")
	}
	common.WriteAppError(w, appErr)
}
