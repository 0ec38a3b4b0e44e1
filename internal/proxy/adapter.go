package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/relaycore/internal/pricing"
	"github.com/nulpointcorp/relaycore/internal/providers"
	"github.com/nulpointcorp/relaycore/pkg/apierr"
)

// wireError maps a core taxonomy Code (pkg/apierr/taxonomy.go) onto the
// OpenAI-style Type/Code string pair the existing fasthttp wire format uses
// (pkg/apierr/apierr.go).
func wireError(code apierr.Code) (errType, wireCode string) {
	switch code {
	case apierr.CodeRateLimited, apierr.CodeQuotaExceeded:
		return apierr.TypeRateLimitError, apierr.CodeRateLimitExceeded
	case apierr.CodeInvalidKey, apierr.CodeAuthFailure:
		return apierr.TypeAuthenticationErr, apierr.CodeInvalidAPIKey
	case apierr.CodeInvalidBody, apierr.CodePermissionDenied, apierr.CodeNotFound:
		return apierr.TypeInvalidRequest, apierr.CodeInvalidRequest
	case apierr.CodeTimeout:
		return apierr.TypeProviderError, apierr.CodeRequestTimeout
	case apierr.CodeServiceUnavailable, apierr.CodeAccountUnavailable, apierr.CodeModelUnavailable,
		apierr.CodeOverloaded, apierr.CodeUpstreamError, apierr.CodeNetworkFailure:
		return apierr.TypeProviderError, apierr.CodeProviderError
	default:
		return apierr.TypeServerError, apierr.CodeInternalError
	}
}

// dispatchChatViaEngine is the Engine-backed replacement for dispatchChat's
// steps 2-9: it delegates validation, admission, and scheduling to the
// Proxy Engine core, keeping only the adapter-level concerns — caching, SSE
// framing, and request logging — in this fasthttp layer, per spec.md §7's
// split between core and adapter.
func (g *Gateway) dispatchChatViaEngine(
	ctx *fasthttp.RequestCtx,
	req inboundRequest,
	reqID, clientKey string,
	start time.Time,
	route string,
	reqBytes int,
	servedProvider, cacheLabel *string,
	inputTokens, outputTokens *int,
	streaming *bool,
	respBytes *int,
) {
	msgs := make([]providers.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = providers.Message{Role: m.Role, Content: m.Content}
	}

	engReq := Request{
		KeySecret:   clientKey,
		Provider:    resolveProvider(req.Model),
		Model:       req.Model,
		IsStreaming: req.Stream,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	cacheEligible := !req.Stream && g.cache != nil && (g.cacheExclusions == nil || !g.cacheExclusions.Matches(req.Model))
	var cacheKey string
	if cacheEligible {
		cacheKey = buildEngineCacheKey(engReq)
		if cachedBody, ok := g.cache.Get(ctx, cacheKey); ok {
			*cacheLabel = "hit"
			*respBytes = len(cachedBody)
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusOK)
			ctx.SetBody(cachedBody)
			g.logRequest(reqID, "", req.Model, 0, 0, time.Since(start), fasthttp.StatusOK, true)
			return
		}
		*cacheLabel = "miss"
	}

	provCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	resp, err := g.engine.Dispatch(provCtx, engReq)
	if err != nil {
		cerr, ok := err.(*apierr.CoreError)
		if !ok {
			cerr = apierr.New(apierr.CodeInternal, err.Error())
		}
		g.log.ErrorContext(ctx, "engine_dispatch_error",
			slog.String("request_id", reqID),
			slog.String("model", req.Model),
			slog.String("code", string(cerr.Code)),
		)
		if g.metrics != nil && cerr.Code == apierr.CodeAccountUnavailable {
			g.metrics.SetCircuitBreaker(engReq.Provider, 1)
			g.metrics.RecordCircuitBreakerRejection(engReq.Provider, string(cerr.Code))
		}
		errType, wireCode := wireError(cerr.Code)
		apierr.Write(ctx, apierr.HTTPStatus(cerr.Code), apierr.Sanitize(cerr.Message), errType, wireCode)
		g.logRequest(reqID, "", req.Model, 0, 0, time.Since(start), apierr.HTTPStatus(cerr.Code), false)
		return
	}
	*servedProvider = resp.Decision.Provider
	if g.metrics != nil {
		g.metrics.SetCircuitBreaker(resp.Decision.Provider, 0)
	}

	if req.Stream && resp.Stream != nil {
		*streaming = true
		capturedStart := start
		capturedProvider := resp.Decision.Provider
		w := bufio.NewWriter(ctx)
		// Streamed responses don't carry a final usage payload from this
		// provider interface (providers.ProxyResponse.Usage is only
		// populated for buffered calls) — outputChars/4 is a rough token
		// estimate used only until stream-end usage reporting is wired
		// through from a provider adapter.
		WriteSSE(w, resp.Stream, func(outputChars int) {
			estOutputTokens := int64(outputChars / 4)
			g.engine.RecordCompletion(context.Background(), resp.KeyID, resp.Decision, resp.Model, "", "",
				pricing.Usage{Output: estOutputTokens})
			g.logRequest(reqID, capturedProvider, resp.Model, 0, int(estOutputTokens),
				time.Since(capturedStart), fasthttp.StatusOK, false)
		})
		return
	}

	out := outboundResponse{
		ID:      "engine-" + reqID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{Index: 0, Message: outboundMessage{Role: "assistant", Content: resp.Content}, FinishReason: "stop"},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError, "failed to serialize response",
			apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	if cacheEligible {
		_ = g.cache.Set(ctx, cacheKey, body, g.cacheTTL)
	}

	*inputTokens, *outputTokens = resp.Usage.InputTokens, resp.Usage.OutputTokens
	g.logRequest(reqID, resp.Decision.Provider, resp.Model,
		resp.Usage.InputTokens, resp.Usage.OutputTokens, time.Since(start), fasthttp.StatusOK, false)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
	*respBytes = len(body)
}

// buildEngineCacheKey derives a deterministic cache key from the fields of
// an Engine Request that affect its response: provider, model, temperature,
// max tokens, and message content.
func buildEngineCacheKey(req Request) string {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := make([]msg, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = msg{Role: m.Role, Content: m.Content}
	}
	data, _ := json.Marshal(struct {
		P    string `json:"p"`
		M    string `json:"m"`
		T    string `json:"t"`
		MT   int    `json:"mt"`
		Msgs []msg  `json:"msgs"`
	}{
		resolveProvider(req.Model),
		req.Model,
		fmt.Sprintf("%.2f", req.Temperature),
		req.MaxTokens,
		msgs,
	})
	h := sha256.Sum256(data)
	return "cache:" + hex.EncodeToString(h[:])
}
