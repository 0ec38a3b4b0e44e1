package proxy

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/relaycore/internal/accounts"
	"github.com/nulpointcorp/relaycore/internal/cache"
	"github.com/nulpointcorp/relaycore/internal/health"
	"github.com/nulpointcorp/relaycore/internal/keys"
	"github.com/nulpointcorp/relaycore/internal/pricing"
	"github.com/nulpointcorp/relaycore/internal/providers"
	"github.com/nulpointcorp/relaycore/internal/ratelimit"
	"github.com/nulpointcorp/relaycore/internal/scheduler"
	"github.com/nulpointcorp/relaycore/internal/servicerate"
	"github.com/nulpointcorp/relaycore/internal/store"
	"github.com/nulpointcorp/relaycore/internal/usage"
)

// --- helpers ----------------------------------------------------------------

// stubCache is a simple in-memory cache for tests.
type stubCache struct {
	store map[string][]byte
}

func newStubCache() *stubCache {
	return &stubCache{store: make(map[string][]byte)}
}

func (c *stubCache) Get(_ context.Context, key string) ([]byte, bool) {
	v, ok := c.store[key]
	return v, ok
}

func (c *stubCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.store[key] = value
	return nil
}

func (c *stubCache) Delete(_ context.Context, key string) error {
	delete(c.store, key)
	return nil
}

// okProvider always returns a successful response.
func okProvider(name string) *funcProvider {
	return &funcProvider{
		name: name,
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return &providers.ProxyResponse{
				ID:      "resp-" + req.RequestID,
				Model:   req.Model,
				Content: "hello from " + name,
				Usage:   providers.Usage{InputTokens: 10, OutputTokens: 5},
			}, nil
		},
	}
}

// engineFixture is a Gateway wired to a miniredis-backed Engine, the only
// dispatch path dispatchChat has left. It mirrors engine_test.go's
// newTestEngine fixture but lives in this (white-box) test package so
// gateway_test.go and benchmark_test.go can both reach unexported Gateway
// fields.
type engineFixture struct {
	gw      *Gateway
	secret  string
	ar      *accounts.Repository
	uht     *health.Tracker
	cleanup func()
}

// newEngineFixture seeds one active key (permissions "*") and one
// schedulable account per entry in provs, then wires a Gateway with
// AllowClientAPIKeys enabled so the fixture's secret, sent as a bearer
// token, authenticates as that key.
func newEngineFixture(t testing.TB, c cache.Cache, provs map[string]providers.Provider) *engineFixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	ss := store.New(client)

	kv := keys.New(ss)
	ar := accounts.New(ss)
	uht := health.New(ss, health.TTLOverrides{})
	sch := scheduler.New(ar, uht, ss)
	rlg := ratelimit.NewGate(client)
	ur := usage.New(ss, ar, kv, slog.Default())

	catPath := filepath.Join(t.TempDir(), "pricing.json")
	if err := os.WriteFile(catPath, []byte(`{"gpt-4o":{"input":5,"output":15}}`), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}
	preg, err := pricing.New(catPath, slog.Default())
	if err != nil {
		t.Fatalf("pricing registry: %v", err)
	}

	rateMap := make(map[string]float64, len(provs))
	base := "anthropic"
	for name := range provs {
		rateMap[name] = 1.0
		base = name
	}
	rates, err := servicerate.New(servicerate.Rates{BaseService: base, Rates: rateMap}, 1.0)
	if err != nil {
		t.Fatalf("servicerate: %v", err)
	}

	eng := NewEngine(kv, rlg, sch, ar, uht, preg, rates, ur, provs, slog.Default())

	secret := "test-secret"
	sum := sha256.Sum256([]byte(secret))
	if err := kv.Put(context.Background(), keys.Record{
		ID:                "key-1",
		SecretHash:        hex.EncodeToString(sum[:]),
		IsActive:          true,
		ExpirationMode:    keys.ExpirationFixed,
		Permissions:       map[string]bool{"*": true},
		RateLimitWindow:   time.Minute,
		RateLimitRequests: 10_000,
	}); err != nil {
		t.Fatalf("put key: %v", err)
	}

	i := 0
	for name := range provs {
		if err := ar.Put(context.Background(), accounts.Record{
			ID:           fmt.Sprintf("acct-%d", i),
			Provider:     name,
			EndpointType: "comm",
			Schedulable:  true,
			Healthy:      true,
		}); err != nil {
			t.Fatalf("put account: %v", err)
		}
		i++
	}

	gw := NewGatewayWithOptions(context.Background(), provs, c, nil, GatewayOptions{AllowClientAPIKeys: true})
	gw.SetEngine(eng)

	return &engineFixture{
		gw:     gw,
		secret: secret,
		ar:     ar,
		uht:    uht,
		cleanup: func() {
			client.Close()
			mr.Close()
		},
	}
}

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's full middleware pipeline. Returns an HTTP client that routes to it,
// and a cleanup function.
func serveGateway(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	handler := applyMiddleware(
		func(ctx *fasthttp.RequestCtx) {
			switch string(ctx.Path()) {
			case "/v1/chat/completions", "/v1/completions":
				gw.dispatchChat(ctx)
			default:
				ctx.SetStatusCode(404)
			}
		},
		recovery,
		requestID,
		timing,
	)

	go func() {
		_ = fasthttp.Serve(ln, handler)
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, func() { ln.Close() }
}

// doPost sends a POST request via the in-memory listener client, authenticated
// as the engine fixture's seeded key.
func doPost(t *testing.T, client *http.Client, path, secret string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://test"+path, readerFromBytes(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if secret != "" {
		req.Header.Set("Authorization", "Bearer "+secret)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

// readBody reads and returns the full response body.
func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// --- NewGateway tests -------------------------------------------------------

func TestNewGateway_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewGateway(nil, nil, nil)
}

func TestNewGateway_NilProvidersAndCache(t *testing.T) {
	gw := NewGateway(context.Background(), nil, nil)
	if gw == nil {
		t.Fatal("expected non-nil gateway")
	}
	if gw.health != nil {
		t.Error("health checker should be nil when no providers")
	}
}

func TestNewGateway_WithProviders(t *testing.T) {
	provs := map[string]providers.Provider{
		"openai": okProvider("openai"),
	}
	gw := NewGateway(context.Background(), provs, nil)
	if gw.health == nil {
		t.Error("health checker should be created when providers exist")
	}
	gw.health.Close()
}

func TestNewGatewayWithProbes_CacheReadyProbe(t *testing.T) {
	provs := map[string]providers.Provider{
		"openai": okProvider("openai"),
	}
	gw := NewGatewayWithProbes(context.Background(), provs, nil, func() bool { return true })
	if gw == nil {
		t.Fatal("expected non-nil gateway")
	}
	gw.health.Close()
}

// --- SetRateLimiters / SetLogger / SetCacheExclusions -----------------------

func TestGateway_Setters(t *testing.T) {
	gw := NewGateway(context.Background(), nil, nil)

	gw.SetRateLimiters(nil)
	if gw.rpmLimiter != nil {
		t.Error("expected nil rpm limiter")
	}

	gw.SetLogger(nil)
	if gw.reqLogger != nil {
		t.Error("expected nil logger")
	}

	gw.SetCacheExclusions(nil)
	if gw.cacheExclusions != nil {
		t.Error("expected nil exclusions")
	}

	gw.SetCORSOrigins([]string{"https://example.com"})
	if len(gw.corsOrigins) != 1 || gw.corsOrigins[0] != "https://example.com" {
		t.Error("CORS origins not set correctly")
	}
}

// --- dispatchChat tests (via in-memory HTTP server) -------------------------

// Tests that return early before the Engine is ever reached can use a
// Gateway with no engine set — parsing failures never get that far.

func TestDispatchChat_InvalidJSON(t *testing.T) {
	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai": okProvider("openai"),
	}, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{invalid`))
	ctx.SetUserValue("request_id", "mock-1")

	gw.dispatchChat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}

	var errResp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &errResp); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}
	if errResp.Error.Code != "invalid_request" {
		t.Errorf("expected code=invalid_request, got %s", errResp.Error.Code)
	}
}

func TestDispatchChat_MissingModel(t *testing.T) {
	gw := NewGateway(context.Background(), map[string]providers.Provider{
		"openai": okProvider("openai"),
	}, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))
	ctx.SetUserValue("request_id", "mock-2")

	gw.dispatchChat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
	body := string(ctx.Response.Body())
	if !contains(body, "model") {
		t.Errorf("error should mention 'model', got: %s", body)
	}
}

// TestDispatchChat_NoAvailableUpstream covers the case the legacy
// "no providers configured" test used to: no schedulable account exists for
// the resolved provider, so the Engine's SCH rejects with
// CodeAccountUnavailable (503), mapped through wireError in adapter.go.
func TestDispatchChat_NoAvailableUpstream(t *testing.T) {
	fx := newEngineFixture(t, nil, map[string]providers.Provider{})
	defer fx.cleanup()

	client, cleanup := serveGateway(t, fx.gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions", fx.secret,
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	readBody(t, resp)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}

// TestDispatchChat_MissingKey covers a request with no Authorization header:
// the Engine gets an empty KeySecret (the same thing AllowClientAPIKeys=false
// produces), so KV rejects it.
func TestDispatchChat_MissingKey(t *testing.T) {
	fx := newEngineFixture(t, nil, map[string]providers.Provider{
		"openai": okProvider("openai"),
	})
	defer fx.cleanup()

	client, cleanup := serveGateway(t, fx.gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions", "",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	readBody(t, resp)

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", resp.StatusCode)
	}
}

// Tests that reach provider calls need a real fasthttp server context and an
// Engine fixture — dispatchChat has no path that skips the Engine.

func TestDispatchChat_Success(t *testing.T) {
	fx := newEngineFixture(t, nil, map[string]providers.Provider{
		"openai": okProvider("openai"),
	})
	defer fx.cleanup()

	client, cleanup := serveGateway(t, fx.gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions", fx.secret,
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var out outboundResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}

	if out.Object != "chat.completion" {
		t.Errorf("expected object=chat.completion, got %s", out.Object)
	}
	if len(out.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(out.Choices))
	}
	if out.Choices[0].FinishReason != "stop" {
		t.Errorf("expected finish_reason=stop, got %s", out.Choices[0].FinishReason)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("expected total_tokens=15, got %d", out.Usage.TotalTokens)
	}
	if resp.Header.Get("X-Cache") != xCacheMISS {
		t.Errorf("expected X-Cache=MISS on first request")
	}
}

func TestDispatchChat_CacheHit(t *testing.T) {
	sc := newStubCache()
	fx := newEngineFixture(t, sc, map[string]providers.Provider{
		"openai": okProvider("openai"),
	})
	defer fx.cleanup()

	client, cleanup := serveGateway(t, fx.gw)
	defer cleanup()

	reqBody := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"cached"}]}`)

	// First request — cache miss.
	resp1 := doPost(t, client, "/v1/chat/completions", fx.secret, reqBody)
	readBody(t, resp1)

	if resp1.Header.Get("X-Cache") != xCacheMISS {
		t.Error("first request should be a cache MISS")
	}

	// Second request — cache hit.
	resp2 := doPost(t, client, "/v1/chat/completions", fx.secret, reqBody)
	readBody(t, resp2)

	if resp2.Header.Get("X-Cache") != xCacheHIT {
		t.Error("second request should be a cache HIT")
	}
	if resp2.StatusCode != http.StatusOK {
		t.Errorf("expected 200 on cache hit, got %d", resp2.StatusCode)
	}
}

func TestDispatchChat_CacheExcludedModel(t *testing.T) {
	sc := newStubCache()
	fx := newEngineFixture(t, sc, map[string]providers.Provider{
		"openai": okProvider("openai"),
	})
	defer fx.cleanup()

	el, err := cache.NewExclusionList([]string{"gpt-4o"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	fx.gw.SetCacheExclusions(el)

	client, cleanup := serveGateway(t, fx.gw)
	defer cleanup()

	reqBody := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"no-cache"}]}`)

	// First request.
	resp1 := doPost(t, client, "/v1/chat/completions", fx.secret, reqBody)
	readBody(t, resp1)
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp1.StatusCode)
	}

	// Second request — should NOT be a cache hit because model is excluded.
	resp2 := doPost(t, client, "/v1/chat/completions", fx.secret, reqBody)
	readBody(t, resp2)

	xCache := resp2.Header.Get("X-Cache")
	if xCache == xCacheHIT {
		t.Error("excluded model should never produce a cache HIT")
	}
}

func TestDispatchChat_ProviderError(t *testing.T) {
	failing := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, _ *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			return nil, &providerError{status: 503, msg: "service unavailable"}
		},
	}
	fx := newEngineFixture(t, nil, map[string]providers.Provider{
		"openai": failing,
	})
	defer fx.cleanup()

	client, cleanup := serveGateway(t, fx.gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions", fx.secret,
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"fail"}]}`))
	readBody(t, resp)

	if resp.StatusCode == http.StatusOK {
		t.Error("expected non-200 status when provider fails")
	}
	if !fx.uht.IsUnavailable(context.Background(), "openai", "acct-0") {
		t.Error("expected the serving account to be marked unavailable by UHT after the upstream error")
	}
}

func TestDispatchChat_StreamingResponse(t *testing.T) {
	streamProv := &funcProvider{
		name: "openai",
		requestFn: func(_ context.Context, req *providers.ProxyRequest) (*providers.ProxyResponse, error) {
			ch := make(chan providers.StreamChunk, 3)
			ch <- providers.StreamChunk{Content: "hello "}
			ch <- providers.StreamChunk{Content: "world"}
			ch <- providers.StreamChunk{Content: "", FinishReason: "stop"}
			close(ch)
			return &providers.ProxyResponse{
				ID:     "stream-resp",
				Model:  req.Model,
				Stream: ch,
			}, nil
		},
	}
	fx := newEngineFixture(t, nil, map[string]providers.Provider{
		"openai": streamProv,
	})
	defer fx.cleanup()

	client, cleanup := serveGateway(t, fx.gw)
	defer cleanup()

	resp := doPost(t, client, "/v1/chat/completions", fx.secret,
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"stream"}],"stream":true}`))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	ct := resp.Header.Get("Content-Type")
	if !contains(ct, "text/event-stream") {
		t.Errorf("expected text/event-stream content type, got %s", ct)
	}

	// Read SSE lines.
	scanner := bufio.NewScanner(resp.Body)
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if len(line) > 5 && line[:5] == "data:" {
			dataLines = append(dataLines, line[6:])
		}
	}

	if len(dataLines) == 0 {
		t.Fatal("expected at least one data line in SSE stream")
	}

	// Last data line should be [DONE].
	last := dataLines[len(dataLines)-1]
	if last != "[DONE]" {
		t.Errorf("expected last SSE line to be [DONE], got %q", last)
	}
}

// --- buildEngineCacheKey tests -----------------------------------------------
//
// buildCacheKey (the legacy, non-Engine cache-key builder) was removed along
// with the legacy dispatch path; buildEngineCacheKey has its own coverage in
// adapter_test.go.

// --- handleProviderError tests ----------------------------------------------

func TestHandleProviderError_StatusCoder(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"429 rate limit", &providerError{status: 429, msg: "rate limited"}, 429},
		{"503 service unavailable", &providerError{status: 503, msg: "unavailable"}, 502},
		{"500 internal", &providerError{status: 500, msg: "internal"}, 502},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := &fasthttp.RequestCtx{}
			handleProviderError(ctx, tt.err)
			if ctx.Response.StatusCode() != tt.wantStatus {
				t.Errorf("expected %d, got %d", tt.wantStatus, ctx.Response.StatusCode())
			}
		})
	}
}

func TestHandleProviderError_Timeout(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	handleProviderError(ctx, context.DeadlineExceeded)
	if ctx.Response.StatusCode() != fasthttp.StatusGatewayTimeout {
		t.Errorf("expected 504, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleProviderError_GenericError(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	handleProviderError(ctx, context.Canceled)
	if ctx.Response.StatusCode() != fasthttp.StatusBadGateway {
		t.Errorf("expected 502, got %d", ctx.Response.StatusCode())
	}
}

// --- logRequest nil-safe mock -----------------------------------------------

func TestLogRequest_NilLogger(t *testing.T) {
	gw := NewGateway(context.Background(), nil, nil)
	// Should not panic when logger is nil.
	gw.logRequest("req-1", "openai", "gpt-4o", 10, 5, time.Millisecond, 200, false)
}

// --- helpers ----------------------------------------------------------------

func contains(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

// readerFromBytes wraps a byte slice in a reader for http.NewRequest.
func readerFromBytes(b []byte) io.Reader {
	return io.NopCloser(bReader(b))
}

type byteReader struct {
	data []byte
	pos  int
}

func bReader(b []byte) *byteReader { return &byteReader{data: b} }

func (r *byteReader) Read(p []byte) (n int, err error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	n = copy(p, r.data[r.pos:])
	r.pos += n
	return
}
