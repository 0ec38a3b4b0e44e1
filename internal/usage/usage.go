// Package usage implements the Usage Recorder (UR): pipelined aggregate
// updates against the Shared Store once a stream settles, per spec.md §4.7.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nulpointcorp/relaycore/internal/accounts"
	"github.com/nulpointcorp/relaycore/internal/keys"
	"github.com/nulpointcorp/relaycore/internal/pricing"
	"github.com/nulpointcorp/relaycore/internal/store"
)

// Event is the stream-end usage event (spec.md §6) plus the routing context
// UR needs to fan its increments out across the right aggregate keys.
type Event struct {
	KeyID       string
	AccountID   string
	Provider    string
	Model       string
	Usage       pricing.Usage
	Breakdown   pricing.Breakdown
	ServiceRate float64 // credits per real-cost dollar, from SRR
	Now         time.Time
}

func (e Event) tokensTotal() int64 {
	return e.Usage.Input + e.Usage.Output + e.Usage.CacheCreate + e.Usage.CacheRead
}

// Recorder is the UR.
type Recorder struct {
	ss             *store.Store
	ar             *accounts.Repository
	kv             *keys.Validator
	log            *slog.Logger
	weeklyFamilies map[string]string // model-substring -> family name, e.g. "opus" -> "opus"
	analytics      *AnalyticsSink
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithWeeklyFamilies overrides the default model-keyword -> weekly family
// table used for step 4 of spec.md §4.7.
func WithWeeklyFamilies(families map[string]string) Option {
	return func(r *Recorder) { r.weeklyFamilies = families }
}

// WithAnalytics attaches an optional best-effort ClickHouse sink.
func WithAnalytics(sink *AnalyticsSink) Option {
	return func(r *Recorder) { r.analytics = sink }
}

var defaultWeeklyFamilies = map[string]string{
	"opus": "opus",
}

// New creates a Recorder.
func New(ss *store.Store, ar *accounts.Repository, kv *keys.Validator, log *slog.Logger, opts ...Option) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	r := &Recorder{ss: ss, ar: ar, kv: kv, log: log, weeklyFamilies: defaultWeeklyFamilies}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func aggregateKey(keyID, suffix string) string { return "usage:" + keyID + ":" + suffix }

func modelDailyKey(keyID, model string, day time.Time) string {
	return fmt.Sprintf("usage:%s:model:daily:%s:%s", keyID, model, day.Format("2006-01-02"))
}

func modelMonthlyKey(keyID, model string, day time.Time) string {
	return fmt.Sprintf("usage:%s:model:monthly:%s:%s", keyID, model, day.Format("2006-01"))
}

func modelAlltimeKey(keyID, model string) string {
	return "usage:" + keyID + ":model:alltime:" + model
}

func dailyRateLimitCostKey(keyID string, day time.Time) string {
	return "rate_limit:daily_cost:" + keyID + ":" + day.Format("2006-01-02")
}

func weeklyRateLimitCostKey(family, keyID string, day time.Time) string {
	year, week := day.ISOWeek()
	return fmt.Sprintf("rate_limit:weekly:%s:%s:%d-W%02d", family, keyID, year, week)
}

// weeklyFamily returns the configured family name for model, or "" if no
// family matches (step 4 of spec.md §4.7 is then a no-op).
func (r *Recorder) weeklyFamily(model string) string {
	lower := strings.ToLower(model)
	for keyword, family := range r.weeklyFamilies {
		if strings.Contains(lower, keyword) {
			return family
		}
	}
	return ""
}

// Record applies spec.md §4.7's five pipelined steps. Failures are logged
// and swallowed — the client response must never be impacted by an
// accounting write failing (spec.md §4.7 "Failure handling").
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if err := r.record(ctx, ev); err != nil {
		r.log.ErrorContext(ctx, "usage_record_failed",
			slog.String("key_id", ev.KeyID),
			slog.String("account_id", ev.AccountID),
			slog.String("model", ev.Model),
			slog.String("error", err.Error()),
		)
	}
	if r.analytics != nil {
		r.analytics.Submit(ev)
	}
}

func (r *Recorder) record(ctx context.Context, ev Event) error {
	now := ev.Now
	if now.IsZero() {
		now = time.Now()
	}

	ratedCostMicro := int64(float64(ev.Breakdown.RealCostMicro) * ev.ServiceRate)

	fields := map[string]int64{
		"requests":          1,
		"inputTokens":       ev.Usage.Input,
		"outputTokens":      ev.Usage.Output,
		"cacheCreateTokens": ev.Usage.CacheCreate,
		"cacheReadTokens":   ev.Usage.CacheRead,
		"allTokens":         ev.tokensTotal(),
		"realCostMicro":     ev.Breakdown.RealCostMicro,
		"ratedCostMicro":    ratedCostMicro,
	}

	aggregateHashKeys := []string{
		aggregateKey(ev.KeyID, "alltime"),
		aggregateKey(ev.KeyID, "daily:"+now.Format("2006-01-02")),
		aggregateKey(ev.KeyID, "monthly:"+now.Format("2006-01")),
		modelDailyKey(ev.KeyID, ev.Model, now),
		modelMonthlyKey(ev.KeyID, ev.Model, now),
		modelAlltimeKey(ev.KeyID, ev.Model),
	}

	pipe := r.ss.Pipeline()
	for _, hk := range aggregateHashKeys {
		for field, delta := range fields {
			if delta == 0 {
				continue
			}
			pipe.HIncrBy(ctx, hk, field, delta)
		}
	}

	// Step 2 (cost monotonicity, spec.md §8 invariant 4): the lifetime cost
	// counter is a plain string float, incremented independently of the hash
	// aggregates above.
	realCostUSD := ev.Breakdown.TotalCost
	pipe.IncrByFloat(ctx, "usage:cost:total:"+ev.KeyID, realCostUSD)

	// Step 3: window counters. UR does not check whether the request's own
	// window has rolled; it adds to whatever window is currently live, so an
	// increment that arrives after a roll lands on the new window's counter
	// (or, once the window keys have expired, on a counter the next
	// admission resets to 0).
	pipe.IncrBy(ctx, "rate_limit:tokens:"+ev.KeyID, ev.tokensTotal())
	pipe.IncrBy(ctx, "rate_limit:cost:"+ev.KeyID, ev.Breakdown.RealCostMicro)

	// Daily cost counter, used by RLG's DailyCostLimitMicro check.
	dailyKey := dailyRateLimitCostKey(ev.KeyID, now)
	pipe.IncrBy(ctx, dailyKey, ev.Breakdown.RealCostMicro)
	pipe.Expire(ctx, dailyKey, 48*time.Hour)

	// Step 4: family-scoped weekly counter.
	if family := r.weeklyFamily(ev.Model); family != "" {
		weeklyKey := weeklyRateLimitCostKey(family, ev.KeyID, now)
		pipe.IncrBy(ctx, weeklyKey, ev.Breakdown.RealCostMicro)
		pipe.Expire(ctx, weeklyKey, 9*24*time.Hour)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("usage: pipelined increments: %w", err)
	}

	// Step 5: touch lastUsedAt on both key and account. Best-effort; a
	// failure here does not unwind the increments above (at-least-once).
	var touchErr error
	if r.kv != nil && ev.KeyID != "" {
		if err := r.kv.TouchLastUsed(ctx, ev.KeyID, now); err != nil {
			touchErr = fmt.Errorf("touch key: %w", err)
		}
	}
	if r.ar != nil && ev.AccountID != "" && ev.Provider != "" {
		if err := r.ar.TouchLastUsed(ctx, ev.Provider, ev.AccountID, now); err != nil {
			if touchErr != nil {
				touchErr = fmt.Errorf("%v; touch account: %w", touchErr, err)
			} else {
				touchErr = fmt.Errorf("touch account: %w", err)
			}
		}
	}
	return touchErr
}

// DailyCost reads the current day's accumulated real cost (micro-dollars)
// for keyID, used by RLG's per-key admission checks.
func (r *Recorder) DailyCost(ctx context.Context, keyID string, now time.Time) int64 {
	v, err := r.ss.Get(ctx, dailyRateLimitCostKey(keyID, now))
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// WeeklyCost reads the current ISO week's accumulated real cost for the
// given model's weekly family, or 0 if the model has no configured family.
func (r *Recorder) WeeklyCost(ctx context.Context, keyID, model string, now time.Time) int64 {
	family := r.weeklyFamily(model)
	if family == "" {
		return 0
	}
	v, err := r.ss.Get(ctx, weeklyRateLimitCostKey(family, keyID, now))
	if err != nil {
		return 0
	}
	n, _ := strconv.ParseInt(v, 10, 64)
	return n
}

// LifetimeCost reads usage:cost:total:{keyId} in micro-dollars.
func (r *Recorder) LifetimeCost(ctx context.Context, keyID string) int64 {
	v, err := r.ss.Get(ctx, "usage:cost:total:"+keyID)
	if err != nil {
		return 0
	}
	f, _ := strconv.ParseFloat(v, 64)
	return int64(f * 1_000_000)
}
