// Package accounts implements the Account Repository (AR): one repository,
// parametrized by provider family, over UpstreamAccount records held in the
// Shared Store as hashes (spec.md §9 "strings-in-hash persistence" — this
// package is exactly the typed repository layer that note calls for).
package accounts

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/nulpointcorp/relaycore/internal/store"
)

// AccountType distinguishes a key's dedicated binding from the shared pool.
type AccountType string

const (
	TypeShared    AccountType = "shared"
	TypeDedicated AccountType = "dedicated"
)

// Record is the typed form of UpstreamAccount (spec.md §3).
type Record struct {
	ID           string
	Provider     string // provider family, e.g. "anthropic"
	Name         string
	EndpointType string // provider variant; "comm" is a wildcard (spec.md §4.4)
	AccountType  AccountType
	Priority     int // lower = earlier
	Schedulable  bool
	Healthy      bool
	LastUsedAt   time.Time
}

func accountKey(provider, id string) string { return "account:" + provider + ":" + id }
func groupKey(provider, groupID string) string { return "account:" + provider + ":group:" + groupID }
func allKey(provider string) string { return "account:" + provider + ":all" }

// Repository is the AR, backed by the Shared Store.
type Repository struct {
	ss *store.Store
}

// New creates a Repository.
func New(ss *store.Store) *Repository {
	return &Repository{ss: ss}
}

func (r *Record) toFields() map[string]string {
	return map[string]string{
		"id":           r.ID,
		"provider":     r.Provider,
		"name":         r.Name,
		"endpointType": r.EndpointType,
		"accountType":  string(r.AccountType),
		"priority":     strconv.Itoa(r.Priority),
		"schedulable":  strconv.FormatBool(r.Schedulable),
		"healthy":      strconv.FormatBool(r.Healthy),
		"lastUsedAt":   strconv.FormatInt(r.LastUsedAt.UnixNano(), 10),
	}
}

func fromFields(m map[string]string) Record {
	priority, _ := strconv.Atoi(m["priority"])
	schedulable, _ := strconv.ParseBool(m["schedulable"])
	healthy, _ := strconv.ParseBool(m["healthy"])
	lastUsedNanos, _ := strconv.ParseInt(m["lastUsedAt"], 10, 64)
	return Record{
		ID:           m["id"],
		Provider:     m["provider"],
		Name:         m["name"],
		EndpointType: m["endpointType"],
		AccountType:  AccountType(m["accountType"]),
		Priority:     priority,
		Schedulable:  schedulable,
		Healthy:      healthy,
		LastUsedAt:   time.Unix(0, lastUsedNanos),
	}
}

// Put creates or fully replaces an account record and indexes its id under
// the provider family's "all accounts" set.
func (r *Repository) Put(ctx context.Context, rec Record) error {
	if rec.ID == "" || rec.Provider == "" {
		return fmt.Errorf("accounts: ID and Provider are required")
	}
	if err := r.ss.HSet(ctx, accountKey(rec.Provider, rec.ID), rec.toFields()); err != nil {
		return err
	}
	return r.ss.SAdd(ctx, allKey(rec.Provider), rec.ID)
}

// Get fetches one account by (provider, id).
func (r *Repository) Get(ctx context.Context, provider, id string) (Record, error) {
	m, err := r.ss.HGetAll(ctx, accountKey(provider, id))
	if err != nil {
		return Record{}, err
	}
	return fromFields(m), nil
}

// Delete removes an account record and its "all accounts" index entry. Group
// membership is left to the caller (RemoveFromGroup) since an account may
// belong to several groups.
func (r *Repository) Delete(ctx context.Context, provider, id string) error {
	if err := r.ss.Del(ctx, accountKey(provider, id)); err != nil {
		return err
	}
	return r.ss.SRem(ctx, allKey(provider), id)
}

// ListAll returns every account id registered for provider.
func (r *Repository) ListAll(ctx context.Context, provider string) ([]string, error) {
	ids, err := r.ss.SMembers(ctx, allKey(provider))
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}
	return ids, nil
}

// GroupMembers returns the account ids belonging to groupID within provider.
func (r *Repository) GroupMembers(ctx context.Context, provider, groupID string) ([]string, error) {
	ids, err := r.ss.SMembers(ctx, groupKey(provider, groupID))
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}
	return ids, nil
}

// AddToGroup adds accountID to groupID's membership set.
func (r *Repository) AddToGroup(ctx context.Context, provider, groupID, accountID string) error {
	return r.ss.SAdd(ctx, groupKey(provider, groupID), accountID)
}

// RemoveFromGroup removes accountID from groupID's membership set.
func (r *Repository) RemoveFromGroup(ctx context.Context, provider, groupID, accountID string) error {
	return r.ss.SRem(ctx, groupKey(provider, groupID), accountID)
}

// TouchLastUsed updates an account's lastUsedAt to now. Idempotent under
// concurrent calls — last writer wins, consistent with the system's
// at-least-once accounting model.
func (r *Repository) TouchLastUsed(ctx context.Context, provider, id string, now time.Time) error {
	return r.ss.HSet(ctx, accountKey(provider, id), map[string]string{
		"lastUsedAt": strconv.FormatInt(now.UnixNano(), 10),
	})
}

// SetSchedulable flips the schedulable flag (operator/health-probe action).
func (r *Repository) SetSchedulable(ctx context.Context, provider, id string, schedulable bool) error {
	return r.ss.HSet(ctx, accountKey(provider, id), map[string]string{
		"schedulable": strconv.FormatBool(schedulable),
	})
}

// SetHealthy flips the derived-from-credential-status healthy flag.
func (r *Repository) SetHealthy(ctx context.Context, provider, id string, healthy bool) error {
	return r.ss.HSet(ctx, accountKey(provider, id), map[string]string{
		"healthy": strconv.FormatBool(healthy),
	})
}

// Candidates resolves the full account-record set for a list of ids,
// skipping any id that fails to load (deleted mid-flight, say) rather than
// failing the whole lookup — scheduling must tolerate partial AR reads.
func (r *Repository) Candidates(ctx context.Context, provider string, ids []string) []Record {
	out := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, err := r.Get(ctx, provider, id)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out
}
