// Package keys implements the Key Validator (KV): ApiKey lookup, state
// checks, and lazy activation-on-first-use, per spec.md §3 and §4.3.
package keys

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/relaycore/internal/store"
)

// ExpirationMode selects how an ApiKey's expiry is determined.
type ExpirationMode string

const (
	ExpirationFixed              ExpirationMode = "fixed"
	ExpirationActivationOnFirstUse ExpirationMode = "activation-on-first-use"
)

// Record is the typed ApiKey (spec.md §3).
type Record struct {
	ID          string
	Name        string
	Description string
	CreatedAt   time.Time
	SecretHash  string

	IsActive       bool
	IsDeleted      bool
	LastUsedAt     time.Time
	ExpiresAt      time.Time // zero means no expiry
	ExpirationMode ExpirationMode
	ActivationDays int
	IsActivated    bool
	ActivatedAt    time.Time

	ProviderAccountID string // "" | "group:<id>" | bare account id

	TokenLimit           int64
	ConcurrencyLimit     int
	RateLimitWindow      time.Duration
	RateLimitRequests    int64
	RateLimitCostMicro   int64
	DailyCostLimitMicro  int64
	TotalCostLimitMicro  int64
	WeeklyOpusCostLimitMicro int64
	RestrictedModels     []string
	AllowedClients       []string
	Permissions          map[string]bool
	Tags                 []string
}

// Reason explains why validateForStats/validateForRelay rejected a secret.
type Reason string

const (
	ReasonNotFound Reason = "notFound"
	ReasonDisabled Reason = "disabled"
	ReasonExpired  Reason = "expired"
)

// ValidationError is returned by the validate* methods on rejection.
type ValidationError struct {
	Reason Reason
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("keys: validation failed: %s", e.Reason)
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func keyRecordKey(id string) string { return "apikey:" + id }

const hashMapKey = "apikey:hash_map"

// Validator is the KV.
type Validator struct {
	ss  *store.Store
	now func() time.Time
}

// New creates a Validator backed by ss.
func New(ss *store.Store) *Validator {
	return &Validator{ss: ss, now: time.Now}
}

// Put creates or fully replaces an ApiKey record, keeping the hash→id
// reverse index consistent with the forward record (spec.md §8 invariant 3).
func (v *Validator) Put(ctx context.Context, rec Record) error {
	if rec.ID == "" || rec.SecretHash == "" {
		return fmt.Errorf("keys: ID and SecretHash are required")
	}
	if prev, err := v.ss.HGet(ctx, keyRecordKey(rec.ID), "secretHash"); err == nil && prev != "" && prev != rec.SecretHash {
		if err := v.ss.HDel(ctx, hashMapKey, prev); err != nil {
			return err
		}
	}
	if err := v.ss.HSet(ctx, keyRecordKey(rec.ID), toFields(rec)); err != nil {
		return err
	}
	return v.ss.HSet(ctx, hashMapKey, map[string]string{rec.SecretHash: rec.ID})
}

func (v *Validator) lookupByHash(ctx context.Context, hash string) (Record, error) {
	id, err := v.ss.HGet(ctx, hashMapKey, hash)
	if err != nil {
		return Record{}, &ValidationError{Reason: ReasonNotFound}
	}
	fields, err := v.ss.HGetAll(ctx, keyRecordKey(id))
	if err != nil {
		return Record{}, &ValidationError{Reason: ReasonNotFound}
	}
	return fromFields(fields), nil
}

func (v *Validator) eligibilityError(rec Record, now time.Time) *ValidationError {
	if rec.IsDeleted || !rec.IsActive {
		return &ValidationError{Reason: ReasonDisabled}
	}
	if !rec.ExpiresAt.IsZero() && now.After(rec.ExpiresAt) {
		return &ValidationError{Reason: ReasonExpired}
	}
	if rec.ExpirationMode == ExpirationActivationOnFirstUse && !rec.IsActivated {
		// Not yet activated is not itself a rejection — validateForRelay
		// will activate it; validateForStats treats an un-activated,
		// not-yet-expired key as eligible too (it simply hasn't started its
		// clock yet).
		return nil
	}
	return nil
}

// ValidateForStats looks a key up by secret and checks its eligibility
// without triggering activation. Used by admin/self-service read paths.
func (v *Validator) ValidateForStats(ctx context.Context, secret string) (Record, error) {
	rec, err := v.lookupByHash(ctx, hashSecret(secret))
	if err != nil {
		return Record{}, err
	}
	if verr := v.eligibilityError(rec, v.now()); verr != nil {
		return Record{}, verr
	}
	return rec, nil
}

// activateScript atomically sets isActivated=true, activatedAt=now,
// expiresAt=now+activationDays*86400s, but only on the transition's first
// writer; concurrent losers observe the winner's activatedAt unchanged
// (spec.md §4.3, §8 invariant 2 "activation idempotency").
//
// KEYS[1] = apikey:{id}
// ARGV[1] = nowUnixNanos, ARGV[2] = activationDays
// Returns activatedAt (unix nanos) — either freshly set or the prior one.
// Nanoseconds match toFields/fromFields's persisted units for every other
// timestamp field on the record; a seconds-denominated write here would be
// re-read by fromFields's time.Unix(0, nanos) as a near-epoch timestamp.
var activateScript = redis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local activationDays = tonumber(ARGV[2])

	local isActivated = redis.call('HGET', key, 'isActivated')
	if isActivated == '1' then
		return tonumber(redis.call('HGET', key, 'activatedAt'))
	end

	local expiresAt = now + (activationDays * 86400 * 1000000000)
	redis.call('HSET', key, 'isActivated', '1', 'activatedAt', tostring(now), 'expiresAt', tostring(expiresAt))
	return now
`)

// ValidateForRelay is ValidateForStats plus lazy activation-on-first-use.
func (v *Validator) ValidateForRelay(ctx context.Context, secret string) (Record, error) {
	rec, err := v.lookupByHash(ctx, hashSecret(secret))
	if err != nil {
		return Record{}, err
	}

	now := v.now()
	if rec.ExpirationMode == ExpirationActivationOnFirstUse && !rec.IsActivated {
		res, scriptErr := v.ss.RunScript(ctx, activateScript,
			[]string{keyRecordKey(rec.ID)}, now.UnixNano(), rec.ActivationDays,
		).Int64()
		if scriptErr != nil {
			return Record{}, fmt.Errorf("keys: activation: %w", scriptErr)
		}
		rec.IsActivated = true
		rec.ActivatedAt = time.Unix(0, res)
		rec.ExpiresAt = rec.ActivatedAt.Add(time.Duration(rec.ActivationDays) * 24 * time.Hour)
	}

	if verr := v.eligibilityError(rec, now); verr != nil {
		return Record{}, verr
	}
	// Re-check expiry against the (possibly just-activated) expiresAt.
	if !rec.ExpiresAt.IsZero() && now.After(rec.ExpiresAt) {
		return Record{}, &ValidationError{Reason: ReasonExpired}
	}
	return rec, nil
}

// TouchLastUsed updates an ApiKey's lastUsedAt to now. Idempotent under
// concurrent callers — last writer wins, per this system's at-least-once
// accounting model.
func (v *Validator) TouchLastUsed(ctx context.Context, id string, now time.Time) error {
	return v.ss.HSet(ctx, keyRecordKey(id), map[string]string{
		"lastUsedAt": strconv.FormatInt(now.UnixNano(), 10),
	})
}

// HasPermission implements set containment with an "all" wildcard.
func HasPermission(keyPermissions map[string]bool, required string) bool {
	if keyPermissions["all"] {
		return true
	}
	return keyPermissions[required]
}

func toFields(r Record) map[string]string {
	return map[string]string{
		"id":                 r.ID,
		"name":               r.Name,
		"description":        r.Description,
		"createdAt":          strconv.FormatInt(r.CreatedAt.UnixNano(), 10),
		"secretHash":         r.SecretHash,
		"isActive":           boolStr(r.IsActive),
		"isDeleted":          boolStr(r.IsDeleted),
		"lastUsedAt":         strconv.FormatInt(r.LastUsedAt.UnixNano(), 10),
		"expiresAt":          strconv.FormatInt(nanosOrZero(r.ExpiresAt), 10),
		"expirationMode":     string(r.ExpirationMode),
		"activationDays":     strconv.Itoa(r.ActivationDays),
		"isActivated":        boolStr(r.IsActivated),
		"activatedAt":        strconv.FormatInt(nanosOrZero(r.ActivatedAt), 10),
		"providerAccountId":  r.ProviderAccountID,
		"tokenLimit":         strconv.FormatInt(r.TokenLimit, 10),
		"concurrencyLimit":   strconv.Itoa(r.ConcurrencyLimit),
		"rateLimitWindow":    strconv.FormatInt(int64(r.RateLimitWindow), 10),
		"rateLimitRequests":  strconv.FormatInt(r.RateLimitRequests, 10),
		"rateLimitCostMicro": strconv.FormatInt(r.RateLimitCostMicro, 10),
		"dailyCostLimitMicro": strconv.FormatInt(r.DailyCostLimitMicro, 10),
		"totalCostLimitMicro": strconv.FormatInt(r.TotalCostLimitMicro, 10),
		"weeklyOpusCostLimitMicro": strconv.FormatInt(r.WeeklyOpusCostLimitMicro, 10),
		"restrictedModels":   strings.Join(r.RestrictedModels, ","),
		"allowedClients":     strings.Join(r.AllowedClients, ","),
		"permissions":        joinPermissions(r.Permissions),
		"tags":               strings.Join(r.Tags, ","),
	}
}

func fromFields(m map[string]string) Record {
	createdNanos, _ := strconv.ParseInt(m["createdAt"], 10, 64)
	lastUsedNanos, _ := strconv.ParseInt(m["lastUsedAt"], 10, 64)
	expiresNanos, _ := strconv.ParseInt(m["expiresAt"], 10, 64)
	activatedNanos, _ := strconv.ParseInt(m["activatedAt"], 10, 64)
	isActive, _ := strconv.ParseBool(m["isActive"])
	isDeleted, _ := strconv.ParseBool(m["isDeleted"])
	isActivated, _ := strconv.ParseBool(m["isActivated"])
	activationDays, _ := strconv.Atoi(m["activationDays"])
	tokenLimit, _ := strconv.ParseInt(m["tokenLimit"], 10, 64)
	concurrencyLimit, _ := strconv.Atoi(m["concurrencyLimit"])
	rateLimitWindowNanos, _ := strconv.ParseInt(m["rateLimitWindow"], 10, 64)
	rateLimitRequests, _ := strconv.ParseInt(m["rateLimitRequests"], 10, 64)
	rateLimitCostMicro, _ := strconv.ParseInt(m["rateLimitCostMicro"], 10, 64)
	dailyCostLimitMicro, _ := strconv.ParseInt(m["dailyCostLimitMicro"], 10, 64)
	totalCostLimitMicro, _ := strconv.ParseInt(m["totalCostLimitMicro"], 10, 64)
	weeklyOpusCostLimitMicro, _ := strconv.ParseInt(m["weeklyOpusCostLimitMicro"], 10, 64)

	return Record{
		ID:                 m["id"],
		Name:               m["name"],
		Description:        m["description"],
		CreatedAt:          time.Unix(0, createdNanos),
		SecretHash:         m["secretHash"],
		IsActive:           isActive,
		IsDeleted:          isDeleted,
		LastUsedAt:         time.Unix(0, lastUsedNanos),
		ExpiresAt:          zeroIfZero(expiresNanos),
		ExpirationMode:     ExpirationMode(m["expirationMode"]),
		ActivationDays:     activationDays,
		IsActivated:        isActivated,
		ActivatedAt:        time.Unix(0, activatedNanos),
		ProviderAccountID:  m["providerAccountId"],
		TokenLimit:         tokenLimit,
		ConcurrencyLimit:   concurrencyLimit,
		RateLimitWindow:    time.Duration(rateLimitWindowNanos),
		RateLimitRequests:  rateLimitRequests,
		RateLimitCostMicro: rateLimitCostMicro,
		DailyCostLimitMicro: dailyCostLimitMicro,
		TotalCostLimitMicro: totalCostLimitMicro,
		WeeklyOpusCostLimitMicro: weeklyOpusCostLimitMicro,
		RestrictedModels:   splitNonEmpty(m["restrictedModels"]),
		AllowedClients:     splitNonEmpty(m["allowedClients"]),
		Permissions:        splitPermissions(m["permissions"]),
		Tags:               splitNonEmpty(m["tags"]),
	}
}

func nanosOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func zeroIfZero(nanos int64) time.Time {
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func joinPermissions(m map[string]bool) string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		if v {
			out = append(out, k)
		}
	}
	return strings.Join(out, ",")
}

func splitPermissions(s string) map[string]bool {
	out := make(map[string]bool)
	for _, p := range splitNonEmpty(s) {
		out[p] = true
	}
	return out
}
