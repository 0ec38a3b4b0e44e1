// Package scheduler implements the Scheduler (SCH): selecting one eligible
// upstream account for a (key, endpoint, session) per spec.md §4.4.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nulpointcorp/relaycore/internal/accounts"
	"github.com/nulpointcorp/relaycore/internal/health"
	"github.com/nulpointcorp/relaycore/internal/store"
)

// StickyTTL is the default TTL for a sticky session binding.
const StickyTTL = 5 * time.Minute

// NoAvailableUpstream is returned when the filtered candidate set is empty.
type NoAvailableUpstream struct {
	Provider     string
	EndpointType string
}

func (e *NoAvailableUpstream) Error() string {
	return fmt.Sprintf("scheduler: no available upstream for provider=%s endpoint=%s", e.Provider, e.EndpointType)
}

// Request is the SCH input.
type Request struct {
	KeyID string
	// Binding is the key's routing.providerAccountId field: "" (no binding),
	// "group:<gid>" (group binding), or a bare account id (dedicated binding).
	Binding      string
	Provider     string
	EndpointType string
	SessionHash  string // optional
}

// Decision is the SCH output.
type Decision struct {
	Account     accounts.Record
	IsDedicated bool
}

// Scheduler selects accounts using the Account Repository, skipping any
// account the Upstream Health Tracker currently marks unavailable.
type Scheduler struct {
	ar  *accounts.Repository
	uht *health.Tracker
	ss  *store.Store
}

// New creates a Scheduler.
func New(ar *accounts.Repository, uht *health.Tracker, ss *store.Store) *Scheduler {
	return &Scheduler{ar: ar, uht: uht, ss: ss}
}

// compatiblePairs lists endpoint-type families treated as mutually
// compatible beyond exact match, per spec.md §4.4 step 3.
var compatiblePairs = map[string]string{
	"anthropic": "openai",
	"openai":    "anthropic",
}

func normalizeEndpoint(e string) string {
	return strings.ToLower(strings.TrimSpace(e))
}

func endpointCompatible(accountEndpoint, requested string) bool {
	if accountEndpoint == "comm" {
		return true
	}
	a, r := normalizeEndpoint(accountEndpoint), normalizeEndpoint(requested)
	if a == r {
		return true
	}
	return compatiblePairs[a] == r
}

func stickyKey(endpoint, keyID, sessionHash string) string {
	return "sticky:" + endpoint + ":" + keyID + ":" + sessionHash
}

// Select runs the full binding → pool → endpoint-compatibility → sticky →
// priority-selection pipeline.
func (s *Scheduler) Select(ctx context.Context, req Request) (Decision, error) {
	if strings.HasPrefix(req.Binding, "group:") {
		gid := strings.TrimPrefix(req.Binding, "group:")
		ids, err := s.ar.GroupMembers(ctx, req.Provider, gid)
		if err != nil {
			return Decision{}, err
		}
		return s.selectFromPool(ctx, req, ids, true)
	}

	if req.Binding != "" {
		acct, err := s.ar.Get(ctx, req.Provider, req.Binding)
		if err == nil && acct.Schedulable && endpointCompatible(acct.EndpointType, req.EndpointType) &&
			!s.uht.IsUnavailable(ctx, req.Provider, acct.ID) {
			if touchErr := s.ar.TouchLastUsed(ctx, req.Provider, acct.ID, time.Now()); touchErr != nil {
				return Decision{}, touchErr
			}
			return Decision{Account: acct, IsDedicated: true}, nil
		}
		// Bound account unavailable — fall through to the shared pool.
	}

	ids, err := s.ar.ListAll(ctx, req.Provider)
	if err != nil {
		return Decision{}, err
	}
	return s.selectFromPool(ctx, req, ids, true)
}

func (s *Scheduler) selectFromPool(ctx context.Context, req Request, ids []string, allowSticky bool) (Decision, error) {
	candidates := s.filterSchedulable(ctx, req, ids)
	if len(candidates) == 0 {
		return Decision{}, &NoAvailableUpstream{Provider: req.Provider, EndpointType: req.EndpointType}
	}

	if allowSticky && req.SessionHash != "" {
		if acct, ok := s.lookupSticky(ctx, req, candidates); ok {
			return Decision{Account: acct}, nil
		}
	}

	chosen := prioritySelect(candidates)
	if err := s.ar.TouchLastUsed(ctx, req.Provider, chosen.ID, time.Now()); err != nil {
		return Decision{}, err
	}
	if allowSticky && req.SessionHash != "" {
		if err := s.ss.Set(ctx, stickyKey(req.EndpointType, req.KeyID, req.SessionHash), chosen.ID, StickyTTL); err != nil {
			return Decision{}, err
		}
	}
	return Decision{Account: chosen}, nil
}

func (s *Scheduler) filterSchedulable(ctx context.Context, req Request, ids []string) []accounts.Record {
	recs := s.ar.Candidates(ctx, req.Provider, ids)
	out := make([]accounts.Record, 0, len(recs))
	for _, r := range recs {
		if !r.Schedulable || !r.Healthy {
			continue
		}
		if !endpointCompatible(r.EndpointType, req.EndpointType) {
			continue
		}
		if s.uht.IsUnavailable(ctx, req.Provider, r.ID) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func (s *Scheduler) lookupSticky(ctx context.Context, req Request, candidates []accounts.Record) (accounts.Record, bool) {
	acctID, err := s.ss.Get(ctx, stickyKey(req.EndpointType, req.KeyID, req.SessionHash))
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return accounts.Record{}, false
		}
		return accounts.Record{}, false
	}
	for _, c := range candidates {
		if c.ID == acctID {
			_ = s.ss.Expire(ctx, stickyKey(req.EndpointType, req.KeyID, req.SessionHash), StickyTTL)
			return c, true
		}
	}
	// Stale mapping — the bound account is no longer in the filtered set.
	_ = s.ss.Del(ctx, stickyKey(req.EndpointType, req.KeyID, req.SessionHash))
	return accounts.Record{}, false
}

// prioritySelect sorts by ascending priority, breaking ties by oldest
// lastUsedAt, and returns the head.
func prioritySelect(candidates []accounts.Record) accounts.Record {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].LastUsedAt.Before(candidates[j].LastUsedAt)
	})
	return candidates[0]
}
