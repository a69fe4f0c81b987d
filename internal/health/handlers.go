package health

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/backend-pos/internal/common"
)

// ErrNotConfigured marks a dependency this deployment does not use. It is reported as
// "disabled" and never fails readiness.
var ErrNotConfigured = errors.New("not configured")

var draining atomic.Bool

// SetReady flips the process readiness flag. The server clears it when shutdown starts so
// load balancers drain the instance before connections are closed.
func SetReady(v bool) {
	draining.Store(!v)
}

// Checker probes the stores behind the till state.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// BreakerState reports the state of the circuit guarding the business backend.
type BreakerState interface {
	StateName() string
}

// Handler serves /health/live and /health/ready.
type Handler struct {
	Checker      Checker
	Backend      BreakerState
	DBTimeout    time.Duration
	RedisTimeout time.Duration
}

// Report is the readiness body.
type Report struct {
	DB      string `json:"db"`
	Redis   string `json:"redis"`
	Backend string `json:"backend,omitempty"`
	Server  string `json:"server,omitempty"`
}

func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Ready probes the stores in parallel. The backend breaker state is informational only:
// carts, drafts and quotes keep working while the backend is down.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Checker == nil {
		common.JSONError(w, http.StatusServiceUnavailable, "NOT_READY", "dependencies unavailable", nil)
		return
	}
	var report Report
	var g errgroup.Group
	g.Go(func() error {
		report.DB = probeStatus(h.Checker.PingDB(r.Context(), withDefault(h.DBTimeout, 500*time.Millisecond)))
		return nil
	})
	g.Go(func() error {
		report.Redis = probeStatus(h.Checker.PingRedis(r.Context(), withDefault(h.RedisTimeout, 300*time.Millisecond)))
		return nil
	})
	_ = g.Wait()

	if h.Backend != nil {
		report.Backend = h.Backend.StateName()
	}
	status := http.StatusOK
	if draining.Load() {
		report.Server = "shutting_down"
		status = http.StatusServiceUnavailable
	}
	if !usable(report.DB) || !usable(report.Redis) {
		status = http.StatusServiceUnavailable
	}
	common.JSON(w, status, report)
}

func probeStatus(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotConfigured):
		return "disabled"
	default:
		return err.Error()
	}
}

func usable(s string) bool {
	return s == "ok" || s == "disabled"
}

func withDefault(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}
