// Package gateway - stats.go exposes aggregated metrics as JSON.
//
// GET /stats returns request, usage and spend counters plus ledger totals.
package gateway

import (
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/compresr/chat-gateway/internal/monitoring"
)

// StatsResponse is the JSON response for GET /stats.
type StatsResponse struct {
	Uptime  string                   `json:"uptime"`
	Gateway monitoring.StatsResponse `json:"gateway"`

	Budgets struct {
		Period      string `json:"period"`
		ActiveUsers int    `json:"active_users"`
		TotalSpent  string `json:"total_spent"`
	} `json:"budgets"`
}

var gatewayStartTime = time.Now()

// handleStats returns aggregated metrics as JSON.
// Restricted to localhost to prevent external access to operational metrics.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	if !isLoopback(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	var resp StatsResponse
	resp.Uptime = time.Since(gatewayStartTime).Truncate(time.Second).String()

	if g.metrics != nil {
		resp.Gateway = g.metrics.FullStats()
	}

	if g.ledger != nil {
		users := g.ledger.AllUsers()
		total := decimal.Zero
		for _, u := range users {
			total = total.Add(u.Spent)
		}
		resp.Budgets.Period = string(g.ledger.Period())
		resp.Budgets.ActiveUsers = len(users)
		resp.Budgets.TotalSpent = total.StringFixed(4)
	}

	writeJSON(w, http.StatusOK, resp)
}
