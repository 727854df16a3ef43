package adminhttp

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"leased/services/dhcpd/internal/lease"
)

type leaseView struct {
	MAC             string    `json:"mac"`
	IP              string    `json:"ip"`
	Start           time.Time `json:"start"`
	ExpiresAt       time.Time `json:"expires_at"`
	DurationSeconds int64     `json:"duration_seconds"`
}

type poolView struct {
	lease.Stats
	Addresses []string `json:"addresses"`
}

func (a *API) handleListLeases(w http.ResponseWriter, r *http.Request) {
	leases := a.leases.Leases()
	out := make([]leaseView, 0, len(leases))
	for _, l := range leases {
		out = append(out, leaseView{
			MAC:             l.MAC.String(),
			IP:              l.IP.String(),
			Start:           l.Start.UTC(),
			ExpiresAt:       l.ExpiresAt().UTC(),
			DurationSeconds: int64(l.Duration / time.Second),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (a *API) handlePool(w http.ResponseWriter, r *http.Request) {
	available := a.leases.Available()
	view := poolView{Stats: a.leases.Stats(), Addresses: make([]string, 0, len(available))}
	for _, ip := range available {
		view.Addresses = append(view.Addresses, ip.String())
	}
	respondJSON(w, http.StatusOK, view)
}

func (a *API) handleReleaseLease(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "mac")
	mac, err := net.ParseMAC(raw)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("invalid mac %q", raw))
		return
	}
	if !a.leases.Release(mac) {
		respondError(w, http.StatusNotFound, errors.New("no lease for mac"))
		return
	}
	a.logger.Printf("INFO lease for %s released via admin API", mac)
	w.WriteHeader(http.StatusNoContent)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}
