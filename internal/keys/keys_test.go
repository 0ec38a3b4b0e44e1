package keys_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulpointcorp/relaycore/internal/keys"
	"github.com/nulpointcorp/relaycore/internal/store"
	"github.com/redis/go-redis/v9"
)

func newTestValidator(t *testing.T) (*keys.Validator, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return keys.New(store.New(client)), func() {
		client.Close()
		mr.Close()
	}
}

func TestValidateForStats_NotFound(t *testing.T) {
	v, cleanup := newTestValidator(t)
	defer cleanup()

	_, err := v.ValidateForStats(context.Background(), "nonexistent-secret")
	verr, ok := err.(*keys.ValidationError)
	if !ok || verr.Reason != keys.ReasonNotFound {
		t.Fatalf("expected notFound, got %v", err)
	}
}

func TestValidateForStats_DisabledKey(t *testing.T) {
	v, cleanup := newTestValidator(t)
	defer cleanup()
	ctx := context.Background()

	if err := v.Put(ctx, keys.Record{ID: "k1", SecretHash: hashOf("sekrit"), IsActive: false}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_, err := v.ValidateForStats(ctx, "sekrit")
	verr, ok := err.(*keys.ValidationError)
	if !ok || verr.Reason != keys.ReasonDisabled {
		t.Fatalf("expected disabled, got %v", err)
	}
}

func TestValidateForStats_ExpiredKey(t *testing.T) {
	v, cleanup := newTestValidator(t)
	defer cleanup()
	ctx := context.Background()

	if err := v.Put(ctx, keys.Record{
		ID: "k2", SecretHash: hashOf("sekrit2"), IsActive: true,
		ExpiresAt: time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_, err := v.ValidateForStats(ctx, "sekrit2")
	verr, ok := err.(*keys.ValidationError)
	if !ok || verr.Reason != keys.ReasonExpired {
		t.Fatalf("expected expired, got %v", err)
	}
}

func TestValidateForStats_DoesNotActivate(t *testing.T) {
	v, cleanup := newTestValidator(t)
	defer cleanup()
	ctx := context.Background()

	if err := v.Put(ctx, keys.Record{
		ID: "k3", SecretHash: hashOf("sekrit3"), IsActive: true,
		ExpirationMode: keys.ExpirationActivationOnFirstUse, ActivationDays: 7,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec, err := v.ValidateForStats(ctx, "sekrit3")
	if err != nil {
		t.Fatalf("ValidateForStats: %v", err)
	}
	if rec.IsActivated {
		t.Fatal("ValidateForStats must not trigger activation")
	}
}

// Scenario 6 (spec.md §8): expirationMode=activation-on-first-use,
// activationDays=7, isActivated=false. First use at T: isActivated=true,
// activatedAt=T, expiresAt=T+7d. A request at T+7d+1s is rejected.
func TestValidateForRelay_ActivatesOnFirstUse(t *testing.T) {
	v, cleanup := newTestValidator(t)
	defer cleanup()
	ctx := context.Background()

	if err := v.Put(ctx, keys.Record{
		ID: "k4", SecretHash: hashOf("sekrit4"), IsActive: true,
		ExpirationMode: keys.ExpirationActivationOnFirstUse, ActivationDays: 7,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rec, err := v.ValidateForRelay(ctx, "sekrit4")
	if err != nil {
		t.Fatalf("ValidateForRelay: %v", err)
	}
	if !rec.IsActivated {
		t.Fatal("expected key to be activated on first use")
	}
	wantExpiry := rec.ActivatedAt.Add(7 * 24 * time.Hour)
	if rec.ExpiresAt.Unix() != wantExpiry.Unix() {
		t.Fatalf("want expiresAt %v got %v", wantExpiry, rec.ExpiresAt)
	}
}

// Regression: activateScript must persist activatedAt/expiresAt in the same
// unit (nanoseconds) toFields/fromFields use for every other timestamp field
// on the record, or a second read re-hydrates expiresAt near the epoch and
// wrongly rejects the key as expired.
func TestValidateForRelay_SecondCallAfterActivation_StillValid(t *testing.T) {
	v, cleanup := newTestValidator(t)
	defer cleanup()
	ctx := context.Background()

	if err := v.Put(ctx, keys.Record{
		ID: "k4b", SecretHash: hashOf("sekrit4b"), IsActive: true,
		ExpirationMode: keys.ExpirationActivationOnFirstUse, ActivationDays: 7,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := v.ValidateForRelay(ctx, "sekrit4b"); err != nil {
		t.Fatalf("first ValidateForRelay: %v", err)
	}

	rec, err := v.ValidateForRelay(ctx, "sekrit4b")
	if err != nil {
		t.Fatalf("second ValidateForRelay (post-activation re-read): %v", err)
	}
	if !rec.IsActivated {
		t.Fatal("expected key to remain activated on re-read")
	}
	if rec.ExpiresAt.Before(time.Now().Add(6 * 24 * time.Hour)) {
		t.Fatalf("expiresAt re-hydrated incorrectly: got %v, want ~7 days from now", rec.ExpiresAt)
	}
}

func TestValidateForRelay_ConcurrentActivation_IsIdempotent(t *testing.T) {
	v, cleanup := newTestValidator(t)
	defer cleanup()
	ctx := context.Background()

	if err := v.Put(ctx, keys.Record{
		ID: "k5", SecretHash: hashOf("sekrit5"), IsActive: true,
		ExpirationMode: keys.ExpirationActivationOnFirstUse, ActivationDays: 3,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	const n = 10
	var wg sync.WaitGroup
	activatedAts := make([]time.Time, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			rec, err := v.ValidateForRelay(ctx, "sekrit5")
			if err != nil {
				t.Errorf("ValidateForRelay: %v", err)
				return
			}
			activatedAts[idx] = rec.ActivatedAt
		}(i)
	}
	wg.Wait()

	first := activatedAts[0]
	for i, at := range activatedAts {
		if !at.Equal(first) {
			t.Fatalf("expected all observers to see the same activatedAt; index %d got %v want %v", i, at, first)
		}
	}
}

func TestHasPermission_AllWildcard(t *testing.T) {
	if !keys.HasPermission(map[string]bool{"all": true}, "gemini") {
		t.Fatal("expected 'all' to grant every provider")
	}
}

func TestHasPermission_ExactGrant(t *testing.T) {
	perms := map[string]bool{"claude": true}
	if !keys.HasPermission(perms, "claude") {
		t.Fatal("expected claude permission to be granted")
	}
	if keys.HasPermission(perms, "gemini") {
		t.Fatal("expected gemini to be denied")
	}
}

// Invariant 3 (spec.md §8): the hash->id reverse index stays consistent
// with the forward record across a secret rotation — the new secret
// resolves and the old one no longer does.
func TestPut_HashMapConsistency_AcrossRotation(t *testing.T) {
	v, cleanup := newTestValidator(t)
	defer cleanup()
	ctx := context.Background()

	if err := v.Put(ctx, keys.Record{ID: "k6", SecretHash: hashOf("original"), IsActive: true}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := v.ValidateForStats(ctx, "original"); err != nil {
		t.Fatalf("expected original secret to validate: %v", err)
	}

	if err := v.Put(ctx, keys.Record{ID: "k6", SecretHash: hashOf("rotated"), IsActive: true}); err != nil {
		t.Fatalf("Put (rotate): %v", err)
	}
	rec, err := v.ValidateForStats(ctx, "rotated")
	if err != nil {
		t.Fatalf("expected rotated secret to validate: %v", err)
	}
	if rec.ID != "k6" {
		t.Fatalf("want id k6, got %s", rec.ID)
	}
	_, err = v.ValidateForStats(ctx, "original")
	if verr, ok := err.(*keys.ValidationError); !ok || verr.Reason != keys.ReasonNotFound {
		t.Fatalf("expected old secret to be notFound after rotation, got %v", err)
	}
}

// hashOf mirrors the package-private hashSecret so fixtures can be set up
// without exporting the hash function.
func hashOf(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
