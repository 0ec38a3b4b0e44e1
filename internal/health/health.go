// Package health implements the Upstream Health Tracker (UHT): typed,
// TTL-bearing transient-unavailability marks on upstream accounts, stored in
// the Shared Store so they're visible across relay replicas.
//
// The closed/open/half-open vocabulary of an in-process circuit breaker
// doesn't fit here — UHT has no half-open probe step, just a mark that
// expires — but the "independent per-(provider,account) state machine" shape
// is carried over, layered with an in-process read-through cache so SCH
// doesn't pay a Redis round trip for every schedulable-account filter.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nulpointcorp/relaycore/internal/store"
)

// Kind is an upstream failure classification.
type Kind string

const (
	KindServerError Kind = "server_error"
	KindOverload    Kind = "overload"
	KindAuthError   Kind = "auth_error"
	KindTimeout     Kind = "timeout"
	KindRateLimit   Kind = "rate_limit"
	// KindNone means the status code doesn't warrant pausing the account.
	KindNone Kind = ""
)

// DefaultTTL returns the default quarantine duration for a Kind, per
// spec.md §4.5.
func DefaultTTL(k Kind) time.Duration {
	switch k {
	case KindServerError:
		return 300 * time.Second
	case KindOverload:
		return 600 * time.Second
	case KindAuthError:
		return 1800 * time.Second
	case KindTimeout:
		return 300 * time.Second
	case KindRateLimit:
		return 300 * time.Second
	default:
		return 0
	}
}

// Classify maps an upstream HTTP status code (and whether the failure was a
// network-layer timeout) to a Kind. Anything not enumerated is KindNone —
// "non-pausable" per spec.md §4.5.
func Classify(statusCode int, networkTimeout bool) Kind {
	if networkTimeout {
		return KindTimeout
	}
	switch {
	case statusCode == 529:
		return KindOverload
	case statusCode == 401 || statusCode == 403:
		return KindAuthError
	case statusCode == 504:
		return KindTimeout
	case statusCode == 429:
		return KindRateLimit
	case statusCode >= 500:
		return KindServerError
	default:
		return KindNone
	}
}

// Mark is the persisted unavailability record.
type Mark struct {
	StatusCode int    `json:"statusCode"`
	ErrorKind  Kind   `json:"errorKind"`
	MarkedAt   int64  `json:"markedAt"` // unix seconds
}

// TTLOverrides lets operators override the default per-kind TTL.
type TTLOverrides map[Kind]time.Duration

func (o TTLOverrides) ttl(k Kind) time.Duration {
	if o != nil {
		if v, ok := o[k]; ok {
			return v
		}
	}
	return DefaultTTL(k)
}

// Tracker is the UHT. It is safe for concurrent use.
type Tracker struct {
	ss        *store.Store
	overrides TTLOverrides

	mu    sync.RWMutex
	cache map[string]cacheEntry // in-process read-through, keyed by "provider:accountId"
}

type cacheEntry struct {
	mark    *Mark // nil means "known available"
	checked time.Time
}

const cacheTTL = 2 * time.Second

// New creates a Tracker backed by ss.
func New(ss *store.Store, overrides TTLOverrides) *Tracker {
	return &Tracker{ss: ss, overrides: overrides, cache: make(map[string]cacheEntry)}
}

func markKey(provider, accountID string) string {
	return "unavailable:" + provider + ":" + accountID
}

// MarkUnavailable records a typed unavailability mark, choosing the TTL for
// kind (or an upstream-hinted delta for rate_limit, whichever yields a
// positive future duration).
func (t *Tracker) MarkUnavailable(ctx context.Context, provider, accountID string, kind Kind, statusCode int, hintedDelay time.Duration) error {
	if kind == KindNone {
		return nil
	}
	ttl := t.overrides.ttl(kind)
	if kind == KindRateLimit && hintedDelay > 0 {
		ttl = hintedDelay
	}
	m := Mark{StatusCode: statusCode, ErrorKind: kind, MarkedAt: time.Now().Unix()}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if err := t.ss.Set(ctx, markKey(provider, accountID), string(data), ttl); err != nil {
		return err
	}
	t.invalidate(provider, accountID)
	return nil
}

// Clear removes a mark explicitly (operator action).
func (t *Tracker) Clear(ctx context.Context, provider, accountID string) error {
	if err := t.ss.Del(ctx, markKey(provider, accountID)); err != nil {
		return err
	}
	t.invalidate(provider, accountID)
	return nil
}

// IsUnavailable reports whether (provider, accountID) currently carries an
// active mark. SCH calls this once per candidate account per scheduling
// decision, so it is read-through cached for a couple of seconds to keep
// selection cheap under load; a Redis outage degrades to "available"
// (optimistic) rather than freezing the whole pool, consistent with every
// other SS-backed component's graceful-degradation policy in this system.
func (t *Tracker) IsUnavailable(ctx context.Context, provider, accountID string) bool {
	key := provider + ":" + accountID

	t.mu.RLock()
	if e, ok := t.cache[key]; ok && time.Since(e.checked) < cacheTTL {
		t.mu.RUnlock()
		return e.mark != nil
	}
	t.mu.RUnlock()

	raw, err := t.ss.Get(ctx, markKey(provider, accountID))
	var mark *Mark
	if err == nil {
		var m Mark
		if jsonErr := json.Unmarshal([]byte(raw), &m); jsonErr == nil {
			mark = &m
		}
	}

	t.mu.Lock()
	t.cache[key] = cacheEntry{mark: mark, checked: time.Now()}
	t.mu.Unlock()

	return mark != nil
}

func (t *Tracker) invalidate(provider, accountID string) {
	t.mu.Lock()
	delete(t.cache, provider+":"+accountID)
	t.mu.Unlock()
}

// ParseRetryHint inspects the standard provider rate-limit headers this
// system understands — Retry-After, anthropic-ratelimit-unified-reset, and
// x-ratelimit-reset-requests — returning the first one that yields a
// positive future delta.
func ParseRetryHint(h http.Header, now time.Time) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
		if t2, err := http.ParseTime(v); err == nil {
			if d := t2.Sub(now); d > 0 {
				return d
			}
		}
	}
	if v := h.Get("anthropic-ratelimit-unified-reset"); v != "" {
		if d := parseEpochDelta(v, now); d > 0 {
			return d
		}
	}
	if v := h.Get("x-ratelimit-reset-requests"); v != "" {
		if d := parseEpochDelta(v, now); d > 0 {
			return d
		}
	}
	return 0
}

func parseEpochDelta(v string, now time.Time) time.Duration {
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	d := time.Unix(secs, 0).Sub(now)
	if d > 0 {
		return d
	}
	return 0
}
