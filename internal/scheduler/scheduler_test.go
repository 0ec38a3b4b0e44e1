package scheduler_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/nulpointcorp/relaycore/internal/accounts"
	"github.com/nulpointcorp/relaycore/internal/health"
	"github.com/nulpointcorp/relaycore/internal/scheduler"
	"github.com/nulpointcorp/relaycore/internal/store"
	"github.com/redis/go-redis/v9"
)

func newTestEnv(t *testing.T) (*accounts.Repository, *health.Tracker, *scheduler.Scheduler, func()) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ss := store.New(client)
	ar := accounts.New(ss)
	uht := health.New(ss, nil)
	sch := scheduler.New(ar, uht, ss)
	return ar, uht, sch, func() {
		client.Close()
		mr.Close()
	}
}

func putAccount(t *testing.T, ar *accounts.Repository, id string, priority int, lastUsed time.Time) {
	t.Helper()
	if err := ar.Put(context.Background(), accounts.Record{
		ID: id, Provider: "anthropic", EndpointType: "anthropic",
		AccountType: accounts.TypeShared, Priority: priority,
		Schedulable: true, Healthy: true, LastUsedAt: lastUsed,
	}); err != nil {
		t.Fatalf("Put(%s): %v", id, err)
	}
}

func TestSelect_NoAccounts_ReturnsNoAvailableUpstream(t *testing.T) {
	_, _, sch, cleanup := newTestEnv(t)
	defer cleanup()

	_, err := sch.Select(context.Background(), scheduler.Request{Provider: "anthropic", EndpointType: "anthropic"})
	var nae *scheduler.NoAvailableUpstream
	if !errors.As(err, &nae) {
		t.Fatalf("expected NoAvailableUpstream, got %v", err)
	}
}

func TestSelect_PrioritySelectsLowestPriority(t *testing.T) {
	ar, _, sch, cleanup := newTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	putAccount(t, ar, "low-priority", 10, time.Now())
	putAccount(t, ar, "high-priority", 1, time.Now())

	d, err := sch.Select(ctx, scheduler.Request{Provider: "anthropic", EndpointType: "anthropic"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if d.Account.ID != "high-priority" {
		t.Fatalf("want high-priority, got %s", d.Account.ID)
	}
}

func TestSelect_TiePriorityBreaksOnOldestLastUsed(t *testing.T) {
	ar, _, sch, cleanup := newTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	now := time.Now()
	putAccount(t, ar, "recent", 1, now)
	putAccount(t, ar, "older", 1, now.Add(-time.Hour))

	d, err := sch.Select(ctx, scheduler.Request{Provider: "anthropic", EndpointType: "anthropic"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if d.Account.ID != "older" {
		t.Fatalf("want older, got %s", d.Account.ID)
	}
}

// Scenario 2 (spec.md §8): key bound to a dedicated account that's marked
// rate_limit-unavailable. Expected: SCH falls back to the shared pool.
func TestSelect_DedicatedBindingFallsBackWhenUnavailable(t *testing.T) {
	ar, uht, sch, cleanup := newTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	putAccount(t, ar, "dedicated-acct", 5, time.Now())
	putAccount(t, ar, "shared-acct", 5, time.Now())
	if err := uht.MarkUnavailable(ctx, "anthropic", "dedicated-acct", health.KindRateLimit, 429, 0); err != nil {
		t.Fatalf("MarkUnavailable: %v", err)
	}

	d, err := sch.Select(ctx, scheduler.Request{
		Provider: "anthropic", EndpointType: "anthropic", Binding: "dedicated-acct",
	})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if d.Account.ID != "shared-acct" {
		t.Fatalf("want fallback to shared-acct, got %s", d.Account.ID)
	}
	if d.IsDedicated {
		t.Fatal("expected the fallback selection to not be flagged dedicated")
	}
}

func TestSelect_DedicatedBindingFallsBackToEmptyPool(t *testing.T) {
	ar, uht, sch, cleanup := newTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	putAccount(t, ar, "only-acct", 1, time.Now())
	if err := uht.MarkUnavailable(ctx, "anthropic", "only-acct", health.KindOverload, 529, 0); err != nil {
		t.Fatalf("MarkUnavailable: %v", err)
	}

	_, err := sch.Select(ctx, scheduler.Request{
		Provider: "anthropic", EndpointType: "anthropic", Binding: "only-acct",
	})
	var nae *scheduler.NoAvailableUpstream
	if !errors.As(err, &nae) {
		t.Fatalf("expected NoAvailableUpstream, got %v", err)
	}
}

func TestSelect_StickyBindingReusesAccountOnHit(t *testing.T) {
	ar, _, sch, cleanup := newTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	putAccount(t, ar, "a1", 1, time.Now())
	putAccount(t, ar, "a2", 1, time.Now())
	putAccount(t, ar, "a3", 1, time.Now())

	req := scheduler.Request{Provider: "anthropic", EndpointType: "anthropic", KeyID: "key-1", SessionHash: "sess-1"}
	first, err := sch.Select(ctx, req)
	if err != nil {
		t.Fatalf("Select #1: %v", err)
	}
	second, err := sch.Select(ctx, req)
	if err != nil {
		t.Fatalf("Select #2: %v", err)
	}
	if first.Account.ID != second.Account.ID {
		t.Fatalf("expected sticky affinity: first=%s second=%s", first.Account.ID, second.Account.ID)
	}
}

// Group bindings are not dedicated bindings, so spec §4.4 step 4's sticky
// exclusion (dedicated bindings only) must not apply to them.
func TestSelect_GroupBinding_StickyAffinityApplies(t *testing.T) {
	ar, _, sch, cleanup := newTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	putAccount(t, ar, "a1", 1, time.Now())
	putAccount(t, ar, "a2", 1, time.Now())
	if err := ar.AddToGroup(ctx, "anthropic", "g1", "a1"); err != nil {
		t.Fatalf("AddToGroup a1: %v", err)
	}
	if err := ar.AddToGroup(ctx, "anthropic", "g1", "a2"); err != nil {
		t.Fatalf("AddToGroup a2: %v", err)
	}

	req := scheduler.Request{
		Provider: "anthropic", EndpointType: "anthropic", KeyID: "key-1",
		SessionHash: "sess-1", Binding: "group:g1",
	}
	first, err := sch.Select(ctx, req)
	if err != nil {
		t.Fatalf("Select #1: %v", err)
	}
	second, err := sch.Select(ctx, req)
	if err != nil {
		t.Fatalf("Select #2: %v", err)
	}
	if first.Account.ID != second.Account.ID {
		t.Fatalf("expected sticky affinity within group binding: first=%s second=%s", first.Account.ID, second.Account.ID)
	}
}

func TestSelect_EndpointCompatibility_CommIsWildcard(t *testing.T) {
	ar, _, sch, cleanup := newTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	if err := ar.Put(ctx, accounts.Record{
		ID: "wildcard-acct", Provider: "anthropic", EndpointType: "comm",
		Schedulable: true, Healthy: true,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	d, err := sch.Select(ctx, scheduler.Request{Provider: "anthropic", EndpointType: "anything-goes"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if d.Account.ID != "wildcard-acct" {
		t.Fatalf("want wildcard-acct, got %s", d.Account.ID)
	}
}

func TestSelect_EndpointCompatibility_AnthropicOpenAIPair(t *testing.T) {
	ar, _, sch, cleanup := newTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	if err := ar.Put(ctx, accounts.Record{
		ID: "openai-shaped-acct", Provider: "anthropic", EndpointType: "openai",
		Schedulable: true, Healthy: true,
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	d, err := sch.Select(ctx, scheduler.Request{Provider: "anthropic", EndpointType: "anthropic"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if d.Account.ID != "openai-shaped-acct" {
		t.Fatalf("want openai-shaped-acct, got %s", d.Account.ID)
	}
}

func TestSelect_UnschedulableAccountIsSkipped(t *testing.T) {
	ar, _, sch, cleanup := newTestEnv(t)
	defer cleanup()
	ctx := context.Background()

	if err := ar.Put(ctx, accounts.Record{ID: "paused", Provider: "anthropic", EndpointType: "anthropic", Schedulable: false, Healthy: true}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	putAccount(t, ar, "active", 1, time.Now())

	d, err := sch.Select(ctx, scheduler.Request{Provider: "anthropic", EndpointType: "anthropic"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if d.Account.ID != "active" {
		t.Fatalf("want active, got %s", d.Account.ID)
	}
}
