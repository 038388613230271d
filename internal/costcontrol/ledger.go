package costcontrol

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/compresr/chat-gateway/internal/keylock"
	"github.com/compresr/chat-gateway/internal/kvstore"
)

const (
	defaultLedgerShards = 32
	budgetKeyPrefix     = "budget:"
	idleRecordTTL       = 24 * time.Hour
)

// Ledger tracks per-user spend within the configured period and enforces limits.
// Records are spread over shards keyed by user id; each shard has its own lock, so
// reserve/rollover for one user is atomic without serializing unrelated users.
type Ledger struct {
	policy LimitPolicy
	period Period
	loc    *time.Location
	now    func() time.Time
	store  kvstore.Store // optional persistence, nil = memory only

	shards []*ledgerShard
}

type ledgerShard struct {
	mu    sync.Mutex
	users map[string]*UserBudget
}

// LedgerOption configures a Ledger.
type LedgerOption func(*Ledger)

// WithClock sets the time source.
func WithClock(now func() time.Time) LedgerOption {
	return func(l *Ledger) { l.now = now }
}

// WithLocation sets the zone used for period boundaries.
func WithLocation(loc *time.Location) LedgerOption {
	return func(l *Ledger) { l.loc = loc }
}

// WithStore persists user budgets in a key-value store.
func WithStore(s kvstore.Store) LedgerOption {
	return func(l *Ledger) { l.store = s }
}

// WithShards sets the number of lock shards.
func WithShards(n int) LedgerOption {
	return func(l *Ledger) {
		if n > 0 {
			l.shards = newShards(n)
		}
	}
}

// NewLedger creates a ledger for the given policy and period.
func NewLedger(policy LimitPolicy, period Period, opts ...LedgerOption) *Ledger {
	l := &Ledger{
		policy: policy,
		period: period,
		loc:    time.Local,
		now:    time.Now,
		shards: newShards(defaultLedgerShards),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func newShards(n int) []*ledgerShard {
	shards := make([]*ledgerShard, n)
	for i := range shards {
		shards[i] = &ledgerShard{users: make(map[string]*UserBudget)}
	}
	return shards
}

// Period returns the configured accounting period.
func (l *Ledger) Period() Period { return l.period }

// LimitFor returns the limit that applies to the user.
func (l *Ledger) LimitFor(userID string) Limit { return l.policy.LimitFor(userID) }

// CheckAndReserve books estimate against the user's budget if it fits.
// Unlimited users are always allowed; otherwise the reservation is accepted when
// spent + estimate <= limit. On success the estimate is added to spent at once.
func (l *Ledger) CheckAndReserve(ctx context.Context, userID string, kind OpKind, estimate decimal.Decimal) BudgetCheckResult {
	if estimate.IsNegative() {
		estimate = decimal.Zero
	}
	limit := l.policy.LimitFor(userID)

	sh := l.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := l.now()
	b := l.loadLocked(ctx, sh, userID, now)

	projected := b.Spent.Add(estimate)
	if !limit.Unlimited && projected.GreaterThan(limit.Amount) {
		return BudgetCheckResult{
			Allowed:   false,
			Limit:     limit,
			Spent:     b.Spent,
			Remaining: remaining(limit, b.Spent),
		}
	}

	b.Spent = projected
	b.Requests[kind]++
	b.LastUpdated = now
	l.persistLocked(ctx, b)

	return BudgetCheckResult{
		Allowed:   true,
		Limit:     limit,
		Spent:     b.Spent,
		Remaining: remaining(limit, b.Spent),
		Reservation: Reservation{
			UserID:      userID,
			Kind:        kind,
			Amount:      estimate,
			PeriodStart: b.PeriodStart,
		},
	}
}

// Adjust adds delta (possibly negative) to the user's spend in the current
// period, clamping at zero. Returns the new spend.
func (l *Ledger) Adjust(ctx context.Context, userID string, delta decimal.Decimal) decimal.Decimal {
	sh := l.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	return l.adjustLocked(ctx, sh, userID, delta)
}

func (l *Ledger) adjustLocked(ctx context.Context, sh *ledgerShard, userID string, delta decimal.Decimal) decimal.Decimal {
	now := l.now()
	b := l.loadLocked(ctx, sh, userID, now)
	b.Spent = b.Spent.Add(delta)
	if b.Spent.IsNegative() {
		b.Spent = decimal.Zero
	}
	b.LastUpdated = now
	l.persistLocked(ctx, b)
	return b.Spent
}

// Settle reconciles a reservation to the actual cost of the operation.
// If the period rolled over since the reservation was made, the reserved amount
// is no longer part of spend and nothing is changed. Returns the user's spend.
func (l *Ledger) Settle(ctx context.Context, r Reservation, actual decimal.Decimal) decimal.Decimal {
	if actual.IsNegative() {
		actual = decimal.Zero
	}

	sh := l.shardFor(r.UserID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := l.now()
	b := l.loadLocked(ctx, sh, r.UserID, now)
	if !b.PeriodStart.Equal(r.PeriodStart) {
		log.Debug().
			Str("user_id", r.UserID).
			Time("reserved_in", r.PeriodStart).
			Time("current_period", b.PeriodStart).
			Msg("ledger: settle skipped, period rolled over")
		return b.Spent
	}
	delta := actual.Sub(r.Amount)
	if delta.IsZero() {
		return b.Spent
	}
	return l.adjustLocked(ctx, sh, r.UserID, delta)
}

// Usage returns a snapshot of the user's budget in the current period.
func (l *Ledger) Usage(ctx context.Context, userID string) UsageSnapshot {
	limit := l.policy.LimitFor(userID)

	sh := l.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	b := l.loadLocked(ctx, sh, userID, l.now())
	return snapshot(b, limit)
}

// AllUsers returns snapshots of every user known to this process, most recently
// active first.
func (l *Ledger) AllUsers() []UsageSnapshot {
	now := l.now()
	var out []UsageSnapshot
	for _, sh := range l.shards {
		sh.mu.Lock()
		for _, b := range sh.users {
			l.rollover(b, now)
			out = append(out, snapshot(b, l.policy.LimitFor(b.UserID)))
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUpdated.After(out[j].LastUpdated)
	})
	return out
}

// Prune drops in-memory records that have been idle for longer than maxIdle and
// whose period has ended. Persisted records are untouched. Returns the count removed.
func (l *Ledger) Prune(maxIdle time.Duration) int {
	now := l.now()
	start := l.period.Start(now, l.loc)
	removed := 0
	for _, sh := range l.shards {
		sh.mu.Lock()
		for id, b := range sh.users {
			if now.Sub(b.LastUpdated) > maxIdle && (b.PeriodStart.Before(start) || b.Spent.IsZero()) {
				delete(sh.users, id)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Run prunes records idle for longer than maxIdle every interval until ctx is
// done. A non-positive maxIdle uses a day.
func (l *Ledger) Run(ctx context.Context, interval, maxIdle time.Duration) {
	if maxIdle <= 0 {
		maxIdle = idleRecordTTL
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.Prune(maxIdle); n > 0 {
				log.Debug().Int("removed", n).Msg("ledger: pruned idle budget records")
			}
		}
	}
}

func (l *Ledger) shardFor(userID string) *ledgerShard {
	return l.shards[keylock.Index(userID, len(l.shards))]
}

// loadLocked returns the user's record with rollover applied. Caller holds sh.mu.
func (l *Ledger) loadLocked(ctx context.Context, sh *ledgerShard, userID string, now time.Time) *UserBudget {
	b, ok := sh.users[userID]
	if !ok {
		b = l.fetch(ctx, userID)
		if b == nil {
			b = &UserBudget{
				UserID:      userID,
				Spent:       decimal.Zero,
				PeriodStart: l.period.Start(now, l.loc),
				Requests:    make(map[OpKind]int),
				LastUpdated: now,
			}
		}
		sh.users[userID] = b
	}
	l.rollover(b, now)
	return b
}

// rollover resets spend exactly once when now lies in a later period.
func (l *Ledger) rollover(b *UserBudget, now time.Time) {
	start := l.period.Start(now, l.loc)
	if start.After(b.PeriodStart) {
		b.Spent = decimal.Zero
		b.PeriodStart = start
		b.Requests = make(map[OpKind]int)
	}
}

func (l *Ledger) fetch(ctx context.Context, userID string) *UserBudget {
	if l.store == nil {
		return nil
	}
	data, err := l.store.Get(ctx, budgetKeyPrefix+userID)
	if err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("ledger: failed to load budget record")
		return nil
	}
	if data == nil {
		return nil
	}
	var b UserBudget
	if err := json.Unmarshal(data, &b); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("ledger: corrupt budget record, starting fresh")
		return nil
	}
	b.UserID = userID
	if b.Requests == nil {
		b.Requests = make(map[OpKind]int)
	}
	return &b
}

func (l *Ledger) persistLocked(ctx context.Context, b *UserBudget) {
	if l.store == nil {
		return
	}
	data, err := json.Marshal(b)
	if err != nil {
		log.Error().Err(err).Str("user_id", b.UserID).Msg("ledger: failed to encode budget record")
		return
	}
	if err := l.store.Set(ctx, budgetKeyPrefix+b.UserID, data, 0); err != nil {
		log.Error().Err(err).Str("user_id", b.UserID).Msg("ledger: failed to persist budget record")
	}
}

func remaining(limit Limit, spent decimal.Decimal) decimal.Decimal {
	if limit.Unlimited {
		return decimal.Zero
	}
	r := limit.Amount.Sub(spent)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

func snapshot(b *UserBudget, limit Limit) UsageSnapshot {
	reqs := make(map[OpKind]int, len(b.Requests))
	for k, v := range b.Requests {
		reqs[k] = v
	}
	return UsageSnapshot{
		UserID:      b.UserID,
		Limit:       limit,
		Spent:       b.Spent,
		Remaining:   remaining(limit, b.Spent),
		PeriodStart: b.PeriodStart,
		Requests:    reqs,
		LastUpdated: b.LastUpdated,
	}
}

// TotalRequests sums request counters across kinds.
func (s UsageSnapshot) TotalRequests() int {
	n := 0
	for _, v := range s.Requests {
		n += v
	}
	return n
}
