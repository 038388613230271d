// Package monitoring - metrics.go provides simple counters.
//
// DESIGN: Lightweight in-memory counters for operational metrics:
//   - requests/committed: Total and successfully committed requests
//   - aborted:            Aborted requests keyed by reason
//   - tokens:             Prompt and completion tokens reported by the backend
//   - spend:              Money settled against user budgets
//
// For production, export these to Prometheus or similar.
package monitoring

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

// MetricsCollector collects operational metrics.
type MetricsCollector struct {
	startedAt time.Time

	// Request counters
	requests  atomic.Int64
	committed atomic.Int64
	degraded  atomic.Int64
	denied    atomic.Int64 // Budget denials

	// Usage counters
	promptTokens     atomic.Int64
	completionTokens atomic.Int64
	images           atomic.Int64
	audioMillis      atomic.Int64

	mu      sync.Mutex
	aborted map[string]int64
	spend   decimal.Decimal
}

// NewMetricsCollector creates a new metrics collector.
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startedAt: time.Now(),
		aborted:   make(map[string]int64),
	}
}

// RecordRequest records the start of a request.
func (mc *MetricsCollector) RecordRequest() { mc.requests.Add(1) }

// RecordCommitted records a request that reached Done.
func (mc *MetricsCollector) RecordCommitted(degraded bool) {
	mc.committed.Add(1)
	if degraded {
		mc.degraded.Add(1)
	}
}

// RecordAborted records a request that ended in Aborted.
func (mc *MetricsCollector) RecordAborted(reason string) {
	mc.mu.Lock()
	mc.aborted[reason]++
	mc.mu.Unlock()
}

// RecordBudgetDenied records a reservation refused by the ledger.
func (mc *MetricsCollector) RecordBudgetDenied() { mc.denied.Add(1) }

// RecordUsage records backend-reported usage for a single request.
func (mc *MetricsCollector) RecordUsage(promptTokens, completionTokens, images int, audio time.Duration) {
	mc.promptTokens.Add(int64(promptTokens))
	mc.completionTokens.Add(int64(completionTokens))
	mc.images.Add(int64(images))
	mc.audioMillis.Add(audio.Milliseconds())
}

// RecordSpend records money settled against a budget.
func (mc *MetricsCollector) RecordSpend(amount decimal.Decimal) {
	if amount.IsZero() {
		return
	}
	mc.mu.Lock()
	mc.spend = mc.spend.Add(amount)
	mc.mu.Unlock()
}

// StartedAt returns when the metrics collector was created.
func (mc *MetricsCollector) StartedAt() time.Time { return mc.startedAt }

// Stats returns the request counters as a flat map.
func (mc *MetricsCollector) Stats() map[string]int64 {
	return map[string]int64{
		"requests":       mc.requests.Load(),
		"committed":      mc.committed.Load(),
		"aborted":        mc.totalAborted(),
		"degraded":       mc.degraded.Load(),
		"budget_denials": mc.denied.Load(),
	}
}

func (mc *MetricsCollector) totalAborted() int64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	var n int64
	for _, v := range mc.aborted {
		n += v
	}
	return n
}

// FullStats returns all metrics in a structured format for the /stats endpoint.
func (mc *MetricsCollector) FullStats() StatsResponse {
	uptime := time.Since(mc.startedAt)

	mc.mu.Lock()
	reasons := make([]AbortStat, 0, len(mc.aborted))
	var aborted int64
	for reason, n := range mc.aborted {
		reasons = append(reasons, AbortStat{Reason: reason, Count: n})
		aborted += n
	}
	spend := mc.spend
	mc.mu.Unlock()
	sort.Slice(reasons, func(i, j int) bool {
		if reasons[i].Count != reasons[j].Count {
			return reasons[i].Count > reasons[j].Count
		}
		return reasons[i].Reason < reasons[j].Reason
	})

	return StatsResponse{
		Uptime:        formatDuration(uptime),
		UptimeSeconds: int64(uptime.Seconds()),
		StartedAt:     mc.startedAt.Format(time.RFC3339),
		Requests: RequestStats{
			Total:         mc.requests.Load(),
			Committed:     mc.committed.Load(),
			Aborted:       aborted,
			Degraded:      mc.degraded.Load(),
			BudgetDenials: mc.denied.Load(),
			AbortReasons:  reasons,
		},
		Usage: UsageStats{
			PromptTokens:     mc.promptTokens.Load(),
			CompletionTokens: mc.completionTokens.Load(),
			Images:           mc.images.Load(),
			AudioSeconds:     float64(mc.audioMillis.Load()) / 1000,
			Spend:            spend.StringFixed(4),
		},
	}
}

// StatsResponse is the structured response for the /stats endpoint.
type StatsResponse struct {
	Uptime        string       `json:"uptime"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	StartedAt     string       `json:"started_at"`
	Requests      RequestStats `json:"requests"`
	Usage         UsageStats   `json:"usage"`
}

// RequestStats holds request count metrics.
type RequestStats struct {
	Total         int64       `json:"total"`
	Committed     int64       `json:"committed"`
	Aborted       int64       `json:"aborted"`
	Degraded      int64       `json:"degraded"`
	BudgetDenials int64       `json:"budget_denials"`
	AbortReasons  []AbortStat `json:"abort_reasons,omitempty"`
}

// AbortStat counts aborts for one reason.
type AbortStat struct {
	Reason string `json:"reason"`
	Count  int64  `json:"count"`
}

// UsageStats holds metered usage totals.
type UsageStats struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	Images           int64   `json:"images"`
	AudioSeconds     float64 `json:"audio_seconds"`
	Spend            string  `json:"spend"`
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
