// Package metrics provides Prometheus instrumentation for the vault engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// IssuesTotal counts basket-unit issuances.
	IssuesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_issues_total",
		Help: "Total number of basket-unit issuances",
	})

	// RedeemsTotal counts basket-unit redemptions.
	RedeemsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_redeems_total",
		Help: "Total number of basket-unit redemptions",
	})

	// TransfersTotal counts allowance-based basket-unit transfers.
	TransfersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_transfers_total",
		Help: "Total number of basket-unit transfers",
	})

	// BUSupply tracks the total basket-unit supply.
	BUSupply = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vault_bu_supply",
		Help: "Total basket-unit supply",
	})

	// CollateralStatus exposes each collateral's status as a numeric
	// level: 0 sound, 1 iffy, 2 defaulted.
	CollateralStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "vault_collateral_status",
		Help: "Collateral status level (0=sound, 1=iffy, 2=default)",
	}, []string{"collateral"})

	// StatusTransitionsTotal counts collateral status transitions.
	StatusTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_status_transitions_total",
		Help: "Collateral status transitions",
	}, []string{"collateral", "to"})

	// AuctionsOpenedTotal counts initiated auctions.
	AuctionsOpenedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_auctions_opened_total",
		Help: "Total auctions initiated",
	})

	// AuctionsClearedTotal counts cleared auctions by outcome.
	AuctionsClearedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_auctions_cleared_total",
		Help: "Total auctions cleared",
	}, []string{"outcome"}) // "filled" or "unfilled"

	// BidsTotal counts bids placed (including overwrites).
	BidsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vault_bids_total",
		Help: "Total bids placed",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vault_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vault_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// StatusLevel maps a collateral status string to its gauge level.
func StatusLevel(status string) float64 {
	switch status {
	case "IFFY":
		return 1
	case "DEFAULT":
		return 2
	default:
		return 0
	}
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the raw path for the label to avoid extra routing state.
		path := r.URL.Path
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
