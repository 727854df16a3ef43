// Package adminhttp serves the operator API: lease and pool inspection,
// administrative release, health and metrics.
package adminhttp

import (
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"leased/services/dhcpd/internal/lease"
)

// Leases is the part of the lease manager the API reads and mutates.
type Leases interface {
	Leases() []lease.Lease
	Available() []net.IP
	Stats() lease.Stats
	Release(mac net.HardwareAddr) bool
}

type API struct {
	leases  Leases
	ready   func() bool
	metrics http.Handler
	logger  *log.Logger
}

// New returns the API. ready reports whether every component is serving;
// metrics defaults to promhttp.Handler().
func New(leases Leases, ready func() bool, metrics http.Handler, logger *log.Logger) (*API, error) {
	if leases == nil {
		return nil, errors.New("adminhttp: leases are required")
	}
	if ready == nil {
		return nil, errors.New("adminhttp: ready indicator is required")
	}
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	if logger == nil {
		logger = log.Default()
	}
	return &API{leases: leases, ready: ready, metrics: metrics, logger: logger}, nil
}

// Routes builds the chi router.
func (a *API) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", a.handleReady)
	r.Handle("/metrics", a.metrics)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/leases", a.handleListLeases)
		r.Delete("/leases/{mac}", a.handleReleaseLease)
		r.Get("/pool", a.handlePool)
	})
	return r
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Error(w, "components not ready", http.StatusServiceUnavailable)
}
