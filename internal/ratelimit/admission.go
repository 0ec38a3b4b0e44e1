package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowAdmitScript implements spec.md §4.6 steps 1-2 as a single atomic
// unit: roll (or create) the window if it has expired, then admit the
// request only if requests/tokens/cost all stay within bounds, incrementing
// requestCount on success. Not relying on read-modify-write in Go keeps the
// "at most R admits per window" property exact under concurrent callers —
// the same discipline the teacher's sliding-window script uses for the
// global RPM limiter.
//
// KEYS[1..4] = requests, tokens, cost, window_start keys (strings in SS's
// hash model, but addressed here as four plain keys since each is a single
// scalar counter, not a multi-field record).
// ARGV: nowMs, windowMs, maxRequests, maxTokens, maxCostMicro
// Returns: {ok(0/1), violatedDimension} where violatedDimension is
// 0=none 1=requests 2=tokens 3=cost.
var windowAdmitScript = redis.NewScript(`
	local reqKey, tokKey, costKey, winKey = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
	local now = tonumber(ARGV[1])
	local windowMs = tonumber(ARGV[2])
	local maxRequests = tonumber(ARGV[3])
	local maxTokens = tonumber(ARGV[4])
	local maxCostMicro = tonumber(ARGV[5])

	local windowStart = tonumber(redis.call('GET', winKey))
	if windowStart == nil or now >= windowStart + windowMs then
		redis.call('SET', reqKey, 0)
		redis.call('SET', tokKey, 0)
		redis.call('SET', costKey, 0)
		redis.call('SET', winKey, now)
		local ttlSecs = math.ceil(windowMs / 1000)
		redis.call('EXPIRE', reqKey, ttlSecs)
		redis.call('EXPIRE', tokKey, ttlSecs)
		redis.call('EXPIRE', costKey, ttlSecs)
		redis.call('EXPIRE', winKey, ttlSecs)
		windowStart = now
	end

	local requests = tonumber(redis.call('GET', reqKey)) or 0
	local tokens = tonumber(redis.call('GET', tokKey)) or 0
	local cost = tonumber(redis.call('GET', costKey)) or 0

	if maxRequests > 0 and requests + 1 > maxRequests then
		return {0, 1}
	end
	if maxTokens > 0 and tokens > maxTokens then
		return {0, 2}
	end
	if maxCostMicro > 0 and cost > maxCostMicro then
		return {0, 3}
	end

	redis.call('INCR', reqKey)
	return {1, 0}
`)

// Dimension names the limit a request violated.
type Dimension int

const (
	DimensionNone Dimension = iota
	DimensionRequests
	DimensionTokens
	DimensionCost
	DimensionDailyCost
	DimensionTotalCost
	DimensionWeeklyCost
)

func (d Dimension) String() string {
	switch d {
	case DimensionRequests:
		return "requests"
	case DimensionTokens:
		return "tokens"
	case DimensionCost:
		return "cost"
	case DimensionDailyCost:
		return "daily_cost"
	case DimensionTotalCost:
		return "total_cost"
	case DimensionWeeklyCost:
		return "weekly_cost"
	default:
		return "none"
	}
}

// LimitExceeded is returned by Admit when a request is rejected.
type LimitExceeded struct {
	Dimension Dimension
}

func (e *LimitExceeded) Error() string {
	return fmt.Sprintf("ratelimit: %s limit exceeded", e.Dimension)
}

// KeyLimits is the subset of ApiKey.limits the gate enforces (spec.md §3).
type KeyLimits struct {
	WindowDuration    time.Duration // rateLimitWindow; <= 0 disables window admission
	MaxRequests       int64         // rateLimitRequests
	MaxTokens         int64         // tokenLimit, checked against the window's running token count
	MaxCostMicro      int64         // rateLimitCost, in micro-dollars
	DailyCostLimitMicro int64
	TotalCostLimitMicro int64
	WeeklyCostLimitMicro int64
}

func windowKeys(keyID string) (req, tok, cost, win string) {
	return "rate_limit:requests:" + keyID,
		"rate_limit:tokens:" + keyID,
		"rate_limit:cost:" + keyID,
		"rate_limit:window_start:" + keyID
}

// Gate is the Rate Limiter / Usage Gate (RLG).
type Gate struct {
	rdb *redis.Client
}

// NewGate creates a Gate backed by rdb.
func NewGate(rdb *redis.Client) *Gate {
	return &Gate{rdb: rdb}
}

// Admit runs spec.md §4.6 steps 1-3. It never blocks on lifetime/daily/
// weekly reads failing — those checks degrade open (admit) on a store error,
// matching this system's blanket graceful-degradation policy, but the
// per-window admission itself fails closed to nothing-available only on a
// genuine limit breach, never on a transient Redis error (which instead
// allows, same as the legacy RPMLimiter).
func (g *Gate) Admit(ctx context.Context, keyID string, lim KeyLimits, lifetimeCost, dailyCost, weeklyCost int64) (bool, *LimitExceeded, error) {
	if lim.WindowDuration > 0 {
		reqKey, tokKey, costKey, winKey := windowKeys(keyID)
		res, err := windowAdmitScript.Run(ctx, g.rdb,
			[]string{reqKey, tokKey, costKey, winKey},
			time.Now().UnixMilli(), lim.WindowDuration.Milliseconds(),
			lim.MaxRequests, lim.MaxTokens, lim.MaxCostMicro,
		).Slice()
		if err != nil {
			// Redis unavailable — admit (graceful degradation).
			return true, nil, nil
		}
		ok, _ := toInt(res[0])
		violated, _ := toInt(res[1])
		if ok == 0 {
			return false, &LimitExceeded{Dimension: Dimension(violated)}, nil
		}
	}

	if lim.TotalCostLimitMicro > 0 && lifetimeCost > lim.TotalCostLimitMicro {
		return false, &LimitExceeded{Dimension: DimensionTotalCost}, nil
	}
	if lim.DailyCostLimitMicro > 0 && dailyCost > lim.DailyCostLimitMicro {
		return false, &LimitExceeded{Dimension: DimensionDailyCost}, nil
	}
	if lim.WeeklyCostLimitMicro > 0 && weeklyCost > lim.WeeklyCostLimitMicro {
		return false, &LimitExceeded{Dimension: DimensionWeeklyCost}, nil
	}

	return true, nil, nil
}

func toInt(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	default:
		return 0, errors.New("ratelimit: unexpected script return type")
	}
}
