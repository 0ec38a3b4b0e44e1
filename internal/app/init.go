package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/relaycore/internal/accounts"
	npCache "github.com/nulpointcorp/relaycore/internal/cache"
	"github.com/nulpointcorp/relaycore/internal/health"
	"github.com/nulpointcorp/relaycore/internal/keys"
	"github.com/nulpointcorp/relaycore/internal/metrics"
	"github.com/nulpointcorp/relaycore/internal/pricing"
	"github.com/nulpointcorp/relaycore/internal/proxy"
	"github.com/nulpointcorp/relaycore/internal/ratelimit"
	"github.com/nulpointcorp/relaycore/internal/scheduler"
	"github.com/nulpointcorp/relaycore/internal/servicerate"
	"github.com/nulpointcorp/relaycore/internal/store"
	"github.com/nulpointcorp/relaycore/internal/usage"
)

// initInfra connects to Redis. config.Config.validate requires REDIS_URL
// unconditionally — it backs the Shared Store the Proxy Engine's
// KV/AR/UHT/RLG/SCH/UR components all depend on, regardless of which cache
// backend CACHE_MODE selects for responses.
func (a *App) initInfra(ctx context.Context) error {
	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initProviders builds the LLM provider map. At least one provider must be
// configured; it returns an error when none is (config validation skips that
// check when ALLOW_CLIENT_API_KEYS is set).
func (a *App) initProviders(_ context.Context) error {
	a.provs = buildProviders(a.baseCtx, a.cfg)
	if len(a.provs) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.provs))
	for n := range a.provs {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache backend and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		// ExactCache wraps the already-connected Redis client.
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = npCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")

	case "none":
		a.log.Info("cache backend: disabled")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initEngine builds the Proxy Engine core (KV/AR/UHT/RLG/SCH/PR/SRR/UR) and
// the Engine itself, which initGateway then wires into the Gateway as its
// only dispatch path.
func (a *App) initEngine(ctx context.Context) error {
	if a.rdb == nil {
		return fmt.Errorf("proxy engine: redis connection not established")
	}

	a.ss = store.New(a.rdb)
	a.kv = keys.New(a.ss)
	a.ar = accounts.New(a.ss)

	overrides := health.TTLOverrides{}
	for kind, d := range map[health.Kind]time.Duration{
		health.KindServerError: a.cfg.Health.ServerErrorTTL,
		health.KindOverload:    a.cfg.Health.OverloadTTL,
		health.KindAuthError:   a.cfg.Health.AuthErrorTTL,
		health.KindTimeout:     a.cfg.Health.TimeoutTTL,
		health.KindRateLimit:   a.cfg.Health.RateLimitTTL,
	} {
		if d > 0 {
			overrides[kind] = d
		}
	}
	a.uht = health.New(a.ss, overrides)
	a.rlg = ratelimit.NewGate(a.rdb)
	a.sch = scheduler.New(a.ar, a.uht, a.ss)

	pr, err := pricing.New(a.cfg.Pricing.CatalogPath, a.log)
	if err != nil {
		return fmt.Errorf("pricing: %w", err)
	}
	a.pr = pr
	go func() {
		if err := a.pr.Run(a.baseCtx); err != nil {
			a.log.Warn("pricing catalog watcher stopped", slog.String("error", err.Error()))
		}
	}()

	rates, err := servicerate.New(servicerate.Rates{}, a.cfg.ServiceRate.DefaultRate)
	if err != nil {
		return fmt.Errorf("servicerate: %w", err)
	}
	a.rates = rates

	var urOpts []usage.Option
	if a.cfg.AnalyticsDSN != "" {
		sink, err := usage.NewAnalyticsSink(ctx, a.cfg.AnalyticsDSN, a.log)
		if err != nil {
			return fmt.Errorf("analytics: %w", err)
		}
		a.analytics = sink
		urOpts = append(urOpts, usage.WithAnalytics(sink))
		a.log.Info("usage analytics sink enabled")
	}
	a.ur = usage.New(a.ss, a.ar, a.kv, a.log, urOpts...)

	a.engine = proxy.NewEngine(a.kv, a.rlg, a.sch, a.ar, a.uht, a.pr, a.rates, a.ur, a.provs, a.log)
	a.log.Info("proxy engine initialized")

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	// ── Determine cache implementation ────────────────────────────────────────
	var cacheImpl npCache.Cache
	var cacheReady func() bool

	switch a.cfg.Cache.Mode {
	case "redis":
		cacheImpl = npCache.NewExactCacheFromClient(a.rdb)
		cacheReady = redisPinger(a.baseCtx, a.rdb)
	case "memory":
		cacheImpl = a.memCache
		cacheReady = func() bool { return true }
	case "none":
		// nil cache — gateway handles nil gracefully (no caching)
	}

	// The Gateway is a thin adapter over the Engine (KV→RLG→SCH→provider→UR) —
	// it has no standalone dispatch path, so the Engine must already exist.
	if a.engine == nil {
		return fmt.Errorf("gateway: proxy engine is not initialized (requires REDIS_URL)")
	}

	// ── Build the gateway ────────────────────────────────────────────────────
	opts := proxy.GatewayOptions{
		Logger:             a.log,
		ProviderTimeout:    a.cfg.Failover.ProviderTimeout,
		CacheTTL:           a.cfg.Cache.TTL,
		Metrics:            a.prom,
		AllowClientAPIKeys: a.cfg.AllowClientAPIKeys,
	}

	gw := proxy.NewGatewayWithOptions(a.baseCtx, a.provs, cacheImpl, cacheReady, opts)
	gw.SetEngine(a.engine)
	a.log.Info("gateway dispatching via proxy engine")

	// ── Optional subsystems ──────────────────────────────────────────────────

	// Rate limiting — only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		gw.SetRateLimiters(ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	// Async request logger — not wired in the open-source build.
	// In the managed version this connects to ClickHouse for analytics.
	// Request metadata is still written via slog (see gateway.go logRequest).

	// CORS.
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Cache exclusions.
	if len(a.cfg.Cache.ExcludeExact) > 0 || len(a.cfg.Cache.ExcludePatterns) > 0 {
		el, err := npCache.NewExclusionList(a.cfg.Cache.ExcludeExact, a.cfg.Cache.ExcludePatterns)
		if err != nil {
			return fmt.Errorf("cache exclusions: %w", err)
		}
		gw.SetCacheExclusions(el)
		a.log.Info("cache exclusions loaded", slog.Int("rules", el.Len()))
	}

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
