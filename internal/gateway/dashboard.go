// Package gateway - dashboard.go serves the cost dashboard at /costs.
//
// DESIGN: The HTML page is rendered by costcontrol.Ledger.HandleDashboard.
// /api/dashboard returns the same per-user data as JSON for scripts.
package gateway

import (
	"net/http"
	"time"
)

// handleCostDashboard serves the per-user cost dashboard.
// Restricted to localhost to prevent external access to cost data.
func (g *Gateway) handleCostDashboard(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	g.ledger.HandleDashboard(w, r)
}

type dashboardUser struct {
	UserID      string         `json:"user_id"`
	Limit       string         `json:"limit"`
	Spent       string         `json:"spent"`
	PeriodStart time.Time      `json:"period_start"`
	LastUpdated time.Time      `json:"last_updated"`
	Requests    map[string]int `json:"requests"`
}

// handleDashboardAPI returns every tracked user's budget as JSON.
func (g *Gateway) handleDashboardAPI(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	snaps := g.ledger.AllUsers()
	users := make([]dashboardUser, 0, len(snaps))
	for _, s := range snaps {
		u := dashboardUser{
			UserID:      s.UserID,
			Limit:       s.Limit.String(),
			Spent:       s.Spent.StringFixed(4),
			PeriodStart: s.PeriodStart,
			LastUpdated: s.LastUpdated,
			Requests:    make(map[string]int, len(s.Requests)),
		}
		for kind, n := range s.Requests {
			u.Requests[string(kind)] = n
		}
		users = append(users, u)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"period": string(g.ledger.Period()),
		"users":  users,
	})
}
