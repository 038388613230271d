package costcontrol

import (
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const dashboardStyle = `
  * { margin: 0; padding: 0; box-sizing: border-box; }
  body { font-family: 'SF Mono', 'Fira Code', monospace; background: #0d1117; color: #c9d1d9; padding: 24px; }
  h1 { color: #58a6ff; font-size: 18px; margin-bottom: 16px; }
  .summary { display: flex; gap: 24px; margin-bottom: 24px; padding: 16px; background: #161b22; border: 1px solid #30363d; border-radius: 6px; }
  .label { font-size: 11px; color: #8b949e; text-transform: uppercase; letter-spacing: 1px; }
  .value { font-size: 24px; font-weight: bold; color: #f0f6fc; }
  .spend { color: #ffa657; font-weight: bold; }
  table { width: 100%; border-collapse: collapse; background: #161b22; border: 1px solid #30363d; }
  th { text-align: left; padding: 10px 14px; font-size: 11px; color: #8b949e; text-transform: uppercase; border-bottom: 1px solid #30363d; }
  td { padding: 10px 14px; font-size: 13px; border-bottom: 1px solid #21262d; }
  .user { color: #58a6ff; }
  .meter { width: 100px; height: 8px; background: #21262d; border-radius: 4px; overflow: hidden; display: inline-block; vertical-align: middle; margin-right: 8px; }
  .fill { height: 100%; }
  .ok { background: #3fb950; } .warn { background: #d29922; } .danger { background: #f85149; }
  .empty { text-align: center; padding: 40px; color: #8b949e; }
  .footer { margin-top: 16px; font-size: 11px; color: #484f58; }
`

// HandleDashboard serves the per-user budget dashboard.
func (l *Ledger) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	users := l.AllUsers()
	now := l.now()

	total := decimal.Zero
	requests := 0
	for _, u := range users {
		total = total.Add(u.Spent)
		requests += u.TotalRequests()
	}

	var b strings.Builder
	b.WriteString(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta http-equiv="refresh" content="5">
<title>Chat Gateway - Budgets</title>
<style>` + dashboardStyle + `</style>
</head>
<body>
<h1>Chat Gateway - Budgets</h1>
<div class="summary">
`)
	writeStat(&b, "Spend this period", "$"+formatMoney(total), "value spend")
	writeStat(&b, "Users", fmt.Sprintf("%d", len(users)), "value")
	writeStat(&b, "Requests", fmt.Sprintf("%d", requests), "value")
	writeStat(&b, "Period", string(l.period), "value")
	b.WriteString("</div>\n")

	if len(users) == 0 {
		b.WriteString(`<div class="empty">No usage recorded yet.</div>`)
	} else {
		b.WriteString(`<table>
<tr><th>User</th><th>Text</th><th>Images</th><th>Audio</th><th>Spent</th><th>Limit</th><th>Used</th><th>Last Activity</th></tr>
`)
		for _, u := range users {
			fmt.Fprintf(&b, `<tr><td class="user">%s</td><td>%d</td><td>%d</td><td>%d</td><td class="spend">$%s</td><td>%s</td><td>%s</td><td>%s</td></tr>
`,
				html.EscapeString(shortID(u.UserID)),
				u.Requests[OpText], u.Requests[OpImage], u.Requests[OpTranscription],
				formatMoney(u.Spent), u.Limit, usageMeter(u), since(now, u.LastUpdated))
		}
		b.WriteString("</table>")
	}

	b.WriteString(`
<div class="footer">Auto-refreshes every 5 seconds</div>
</body>
</html>`)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

func writeStat(b *strings.Builder, label, value, class string) {
	fmt.Fprintf(b, `  <div><div class="label">%s</div><div class="%s">%s</div></div>
`, label, class, html.EscapeString(value))
}

func usageMeter(u UsageSnapshot) string {
	if u.Limit.Unlimited || !u.Limit.Amount.IsPositive() {
		return "-"
	}
	pct := u.Spent.Div(u.Limit.Amount).Mul(decimal.NewFromInt(100)).InexactFloat64()
	if pct > 100 {
		pct = 100
	}
	class := "ok"
	switch {
	case pct > 80:
		class = "danger"
	case pct > 50:
		class = "warn"
	}
	return fmt.Sprintf(`<div class="meter"><div class="fill %s" style="width:%.0f%%"></div></div>%.0f%%`, class, pct, pct)
}

func since(now, t time.Time) string {
	ago := now.Sub(t)
	switch {
	case ago < time.Minute:
		return fmt.Sprintf("%ds ago", int(ago.Seconds()))
	case ago < time.Hour:
		return fmt.Sprintf("%dm ago", int(ago.Minutes()))
	}
	return fmt.Sprintf("%dh ago", int(ago.Hours()))
}

func shortID(id string) string {
	if len(id) > 24 {
		return id[:24] + "..."
	}
	return id
}

// formatMoney uses more decimal places for small values.
func formatMoney(v decimal.Decimal) string {
	if v.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return v.StringFixed(2)
	}
	return v.StringFixed(4)
}
