package proxy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nulpointcorp/relaycore/internal/accounts"
	"github.com/nulpointcorp/relaycore/internal/health"
	"github.com/nulpointcorp/relaycore/internal/keys"
	"github.com/nulpointcorp/relaycore/internal/pricing"
	"github.com/nulpointcorp/relaycore/internal/providers"
	"github.com/nulpointcorp/relaycore/internal/ratelimit"
	"github.com/nulpointcorp/relaycore/internal/scheduler"
	"github.com/nulpointcorp/relaycore/internal/servicerate"
	"github.com/nulpointcorp/relaycore/internal/usage"
	"github.com/nulpointcorp/relaycore/pkg/apierr"
)

// Engine is the Proxy Engine (PE) core described in spec.md §4.8: it glues
// KV → RLG → SCH → the resolved provider adapter → UR, and surfaces
// sanitized errors on any failure. It operates on the internal Request/
// Response contract (contract.go), independent of any HTTP transport — the
// fasthttp Gateway in this package is the adapter layered on top of it.
type Engine struct {
	kv        *keys.Validator
	rlg       *ratelimit.Gate
	sch       *scheduler.Scheduler
	ar        *accounts.Repository
	uht       *health.Tracker
	pricing   *pricing.Registry
	rates     *servicerate.Registry
	ur        *usage.Recorder
	providers map[string]providers.Provider
	log       *slog.Logger
}

// NewEngine wires the Engine's dependencies. providers maps a provider
// family name (as carried on accounts.Record.Provider) to its adapter.
func NewEngine(
	kv *keys.Validator,
	rlg *ratelimit.Gate,
	sch *scheduler.Scheduler,
	ar *accounts.Repository,
	uht *health.Tracker,
	pr *pricing.Registry,
	rates *servicerate.Registry,
	ur *usage.Recorder,
	provs map[string]providers.Provider,
	log *slog.Logger,
) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{kv: kv, rlg: rlg, sch: sch, ar: ar, uht: uht, pricing: pr, rates: rates, ur: ur, providers: provs, log: log}
}

func keyLimitsFrom(rec keys.Record) ratelimit.KeyLimits {
	return ratelimit.KeyLimits{
		WindowDuration:       rec.RateLimitWindow,
		MaxRequests:          rec.RateLimitRequests,
		MaxTokens:            rec.TokenLimit,
		MaxCostMicro:         rec.RateLimitCostMicro,
		DailyCostLimitMicro:  rec.DailyCostLimitMicro,
		TotalCostLimitMicro:  rec.TotalCostLimitMicro,
		WeeklyCostLimitMicro: rec.WeeklyOpusCostLimitMicro,
	}
}

func rateLimitErrorCode(dim ratelimit.Dimension) apierr.Code {
	switch dim {
	case ratelimit.DimensionDailyCost, ratelimit.DimensionTotalCost, ratelimit.DimensionWeeklyCost:
		return apierr.CodeQuotaExceeded
	default:
		return apierr.CodeRateLimited
	}
}

// Dispatch runs spec.md §4.8's sequence for a single request: KV validation,
// RLG admission, SCH selection, the upstream call, and — for non-streaming
// responses — immediate usage accounting. Streaming callers must call
// RecordCompletion themselves once the stream drains and final usage is
// known (see contract.go's Response.Stream).
func (e *Engine) Dispatch(ctx context.Context, req Request) (*Response, error) {
	rec, err := e.kv.ValidateForRelay(ctx, req.KeySecret)
	if err != nil {
		return nil, classifyValidationError(err)
	}

	if req.Provider != "" && !keys.HasPermission(rec.Permissions, req.Provider) {
		return nil, apierr.New(apierr.CodePermissionDenied, "key lacks permission for this provider")
	}

	now := time.Now()
	lifetimeCost := e.ur.LifetimeCost(ctx, rec.ID)
	dailyCost := e.ur.DailyCost(ctx, rec.ID, now)
	weeklyCost := e.ur.WeeklyCost(ctx, rec.ID, req.Model, now)

	ok, violation, err := e.rlg.Admit(ctx, rec.ID, keyLimitsFrom(rec), lifetimeCost, dailyCost, weeklyCost)
	if err != nil {
		return nil, apierr.New(apierr.CodeInternal, "admission check failed")
	}
	if !ok {
		return nil, apierr.New(rateLimitErrorCode(violation.Dimension), "limit exceeded: "+violation.Dimension.String())
	}

	decision, err := e.sch.Select(ctx, scheduler.Request{
		KeyID:        rec.ID,
		Binding:      rec.ProviderAccountID,
		Provider:     req.Provider,
		EndpointType: req.EndpointType,
		SessionHash:  req.SessionHash,
	})
	if err != nil {
		var nae *scheduler.NoAvailableUpstream
		if errors.As(err, &nae) {
			return nil, apierr.New(apierr.CodeAccountUnavailable, "no upstream account available")
		}
		return nil, apierr.New(apierr.CodeInternal, "scheduling failed")
	}

	provider, ok := e.providers[decision.Account.Provider]
	if !ok {
		return nil, apierr.New(apierr.CodeModelUnavailable, "provider not configured")
	}

	msgs := req.Messages
	preq := &providers.ProxyRequest{
		Model:       req.Model,
		Messages:    msgs,
		Stream:      req.IsStreaming,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		APIKeyID:    rec.ID,
		WorkspaceID: decision.Account.ID,
	}

	presp, err := provider.Request(ctx, preq)
	if err != nil {
		return nil, e.handleUpstreamError(ctx, decision, err)
	}

	out := &Response{
		Decision: Decision{AccountID: decision.Account.ID, Provider: decision.Account.Provider, IsDedicated: decision.IsDedicated},
		KeyID:    rec.ID,
		Content:  presp.Content,
		Stream:   presp.Stream,
		Usage:    presp.Usage,
		Model:    presp.Model,
	}

	if presp.Stream == nil {
		e.RecordCompletion(ctx, rec.ID, out.Decision, presp.Model, req.Speed, req.RequestBetaHeader, pricing.Usage{
			Input:  int64(presp.Usage.InputTokens),
			Output: int64(presp.Usage.OutputTokens),
			Model:  presp.Model,
		})
	}

	return out, nil
}

// RecordCompletion computes cost via CC, converts to credits via SRR, and
// hands the result to UR — spec.md §4.8's last two bullets. Exposed so a
// streaming adapter can call it once the stream drains and the true token
// counts are known.
func (e *Engine) RecordCompletion(ctx context.Context, keyID string, decision Decision, model, speed, betaHeader string, u pricing.Usage) {
	u.Model = model
	u.Speed = speed
	u.RequestBetaHeader = betaHeader

	breakdown := pricing.Calculate(e.pricing.Catalog(), u)
	rate := e.rates.Rate(decision.Provider)

	e.ur.Record(ctx, usage.Event{
		KeyID:       keyID,
		AccountID:   decision.AccountID,
		Provider:    decision.Provider,
		Model:       model,
		Usage:       u,
		Breakdown:   breakdown,
		ServiceRate: rate,
		Now:         time.Now(),
	})
}

// handleUpstreamError classifies a provider failure, marks the account
// unavailable via UHT, and returns a sanitized error to the caller — never
// retrying across accounts within this call, per spec.md §7.
func (e *Engine) handleUpstreamError(ctx context.Context, decision scheduler.Decision, err error) error {
	statusCode := 0
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		statusCode = sc.HTTPStatus()
	}

	var timeoutErr interface{ Timeout() bool }
	isTimeout := errors.As(err, &timeoutErr) && timeoutErr.Timeout()
	isTimeout = isTimeout || errors.Is(err, context.DeadlineExceeded)

	kind := health.Classify(statusCode, isTimeout)
	if markErr := e.uht.MarkUnavailable(ctx, decision.Account.Provider, decision.Account.ID, kind, statusCode, 0); markErr != nil {
		e.log.ErrorContext(ctx, "uht_mark_failed", slog.String("error", markErr.Error()))
	}

	e.log.ErrorContext(ctx, "upstream_error",
		slog.String("provider", decision.Account.Provider),
		slog.String("account_id", decision.Account.ID),
		slog.Int("status_code", statusCode),
		slog.String("error_kind", string(kind)),
	)

	switch {
	case isTimeout:
		return apierr.New(apierr.CodeTimeout, "upstream request timed out")
	case statusCode == 529:
		return apierr.New(apierr.CodeOverloaded, "upstream overloaded")
	case statusCode == 401 || statusCode == 403:
		return apierr.New(apierr.CodeAuthFailure, "upstream credential rejected")
	case statusCode == 429:
		return apierr.New(apierr.CodeRateLimited, "upstream rate limit exceeded")
	case statusCode >= 500:
		return apierr.New(apierr.CodeUpstreamError, apierr.Sanitize("upstream error"))
	case statusCode == 0:
		return apierr.New(apierr.CodeNetworkFailure, "upstream connection failed")
	default:
		return apierr.New(apierr.CodeUpstreamError, apierr.Sanitize(err.Error()))
	}
}

func classifyValidationError(err error) error {
	var verr *keys.ValidationError
	if errors.As(err, &verr) {
		switch verr.Reason {
		case keys.ReasonExpired, keys.ReasonDisabled:
			return apierr.New(apierr.CodeInvalidKey, "api key is "+string(verr.Reason))
		default:
			return apierr.New(apierr.CodeInvalidKey, "api key not found")
		}
	}
	return apierr.New(apierr.CodeInternal, "key validation failed")
}
