package backend_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-pos/internal/backend"
	"github.com/noah-isme/backend-pos/internal/cart"
	"github.com/noah-isme/backend-pos/internal/payment"
)

func writeData(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"data": v})
}

func newClient(t *testing.T, r http.Handler) *backend.Client {
	t.Helper()
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return backend.New(backend.Options{
		BaseURL:            srv.URL + "/",
		CompanyID:          "acme",
		Timeout:            time.Second,
		BreakerMinRequests: 5,
		Logger:             zerolog.Nop(),
	})
}

func TestSearchCatalogSendsCompany(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/products/search", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "acme", r.URL.Query().Get("companyId"))
		require.Equal(t, "tea", r.URL.Query().Get("q"))
		writeData(w, http.StatusOK, []map[string]any{{"id": "p1", "name": "Tea", "code": "T1", "price": "12.50", "category": "food"}})
	})
	client := newClient(t, r)

	items, err := client.SearchCatalog(context.Background(), " tea ")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.True(t, items[0].Price.Equal(decimal.RequireFromString("12.5")))
}

func TestFetchActivePromotions(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/promotions/active", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, http.StatusOK, []map[string]any{{
			"id":     "p1",
			"name":   "B2G1",
			"active": true,
			"rules":  []map[string]any{{"buyItems": []string{"A"}, "buyQty": 2, "sameAsBought": true, "getQty": 1}},
		}})
	})
	client := newClient(t, r)

	promos, err := client.FetchActivePromotions(context.Background())
	require.NoError(t, err)
	require.Len(t, promos, 1)
	require.Equal(t, 2, promos[0].Rules[0].BuyQty)
	require.True(t, promos[0].Rules[0].SameAsBought)
}

func TestSubmitSaleReturnsID(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/sales", func(w http.ResponseWriter, r *http.Request) {
		var sale payment.Sale
		require.NoError(t, json.NewDecoder(r.Body).Decode(&sale))
		require.Equal(t, "T1-20260314-0001", sale.BillNumber)
		writeData(w, http.StatusCreated, map[string]string{"id": "remote-9"})
	})
	client := newClient(t, r)

	id, err := client.SubmitSale(context.Background(), payment.Sale{BillNumber: "T1-20260314-0001", GrandTotal: decimal.NewFromInt(10)})
	require.NoError(t, err)
	require.Equal(t, "remote-9", id)
}

func TestErrorsAreClassified(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/api/customers", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"validation_error","message":"phone already registered"}}`))
	})
	r.Get("/api/customers/search", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	client := newClient(t, r)

	_, err := client.CreateCounterCustomer(context.Background(), cart.Customer{Name: "Ana", Phone: "1"})
	require.ErrorIs(t, err, backend.ErrRejected)
	require.Contains(t, err.Error(), "phone already registered")

	_, err = client.SearchCustomers(context.Background(), "ana")
	require.ErrorIs(t, err, backend.ErrUnavailable)
}

func TestUnconfiguredClient(t *testing.T) {
	client := backend.New(backend.Options{})
	_, err := client.FetchBatches(context.Background(), "p1")
	require.ErrorIs(t, err, backend.ErrUnavailable)
}
