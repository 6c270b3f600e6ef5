package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
)

type config struct {
	listenAddr   string
	upstreamBase *url.URL
	accountsPath string
	statsDBPath  string
	apiKey       string
	adminKey     string
	proxyURLs    []string
	debug        bool

	turnTimeout    time.Duration
	connectTimeout time.Duration
	flushInterval  time.Duration
	retentionDays  int

	retry             retrySettings
	failureThreshold  int
	rateLimitCooldown time.Duration

	sessionTTL       time.Duration
	cacheMaxSize     int
	lockTableMax     int
	cacheSweepEvery  time.Duration
	expirySweepEvery time.Duration
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func mustParse(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		log.Fatalf("invalid URL %q: %v", raw, err)
	}
	return u
}

func buildConfig() config {
	configFile, err := loadConfigFile("config.toml")
	if err != nil {
		log.Printf("warning: failed to load config.toml: %v", err)
	}
	var fileCfg ConfigFile
	if configFile != nil {
		fileCfg = *configFile
	}

	cfg := config{}
	cfg.listenAddr = getConfigString("GATEWAY_LISTEN_ADDR", fileCfg.ListenAddr, "127.0.0.1:8100")
	cfg.upstreamBase = mustParse(getConfigString("GATEWAY_UPSTREAM_BASE", fileCfg.UpstreamBase, "https://business.gemini.google.com"))
	cfg.accountsPath = getConfigString("GATEWAY_ACCOUNTS_PATH", fileCfg.AccountsPath, "accounts.json")
	cfg.statsDBPath = getConfigString("GATEWAY_STATS_DB", fileCfg.StatsDBPath, "./data/stats.db")
	cfg.apiKey = getConfigString("GATEWAY_API_KEY", fileCfg.APIKey, "")
	cfg.adminKey = getConfigString("GATEWAY_ADMIN_KEY", fileCfg.AdminKey, "")
	cfg.debug = getConfigBool("GATEWAY_DEBUG", fileCfg.Debug, false)
	cfg.proxyURLs = fileCfg.ProxyURLs
	if v := getenv("GATEWAY_PROXY_URL", ""); v != "" {
		cfg.proxyURLs = []string{v}
	}

	cfg.turnTimeout = time.Duration(getConfigInt("GATEWAY_TIMEOUT_SECONDS", 0, 600)) * time.Second
	cfg.connectTimeout = time.Duration(getConfigInt("GATEWAY_CONNECT_TIMEOUT_SECONDS", 0, 60)) * time.Second
	cfg.flushInterval = 200 * time.Millisecond
	cfg.retentionDays = getConfigInt("GATEWAY_STATS_RETENTION_DAYS", 0, 30)

	cfg.retry = retrySettings{
		maxNewSessionTries:    getConfigInt("GATEWAY_MAX_NEW_SESSION_TRIES", fileCfg.Retry.MaxNewSessionTries, 5),
		maxRequestRetries:     getConfigInt("GATEWAY_MAX_REQUEST_RETRIES", fileCfg.Retry.MaxRequestRetries, 3),
		maxAccountSwitchTries: getConfigInt("GATEWAY_MAX_ACCOUNT_SWITCH_TRIES", fileCfg.Retry.MaxAccountSwitchTries, 5),
	}
	cfg.failureThreshold = getConfigInt("GATEWAY_ACCOUNT_FAILURE_THRESHOLD", fileCfg.Retry.AccountFailureThreshold, 3)
	cfg.rateLimitCooldown = time.Duration(getConfigInt("GATEWAY_RATE_LIMIT_COOLDOWN_SECONDS", fileCfg.Retry.RateLimitCooldownSeconds, 600)) * time.Second

	cfg.sessionTTL = time.Duration(getConfigInt("GATEWAY_SESSION_TTL_SECONDS", fileCfg.Cache.SessionTTLSeconds, 3600)) * time.Second
	cfg.cacheMaxSize = getConfigInt("GATEWAY_CACHE_MAX_SIZE", fileCfg.Cache.MaxSize, 1000)
	cfg.lockTableMax = getConfigInt("GATEWAY_LOCK_TABLE_MAX", fileCfg.Cache.LockTableMax, 2000)
	cfg.cacheSweepEvery = time.Duration(getConfigInt("GATEWAY_CACHE_SWEEP_SECONDS", fileCfg.Cache.SweepIntervalSeconds, 300)) * time.Second
	cfg.expirySweepEvery = time.Duration(getConfigInt("GATEWAY_EXPIRY_SWEEP_MINUTES", fileCfg.Cache.ExpirySweepMinutes, 30)) * time.Minute

	flag.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "listen address")
	flag.Parse()
	return cfg
}

type gatewayHandler struct {
	cfg      config
	pool     *accountPool
	cache    *sessionCache
	orch     *orchestrator
	minter   *tokenMinter
	upstream *geminiClient
	stats    *statsStore
	recent   *recentErrors

	metricsHandler http.Handler
	standard       http.RoundTripper
	inflight       int64
	startTime      time.Time
}

func main() {
	cfg := buildConfig()

	log.Printf("loading accounts from %s", cfg.accountsPath)
	recs, err := loadCredentials(cfg.accountsPath)
	if err != nil {
		log.Fatalf("load accounts: %v", err)
	}

	stats, err := newStatsStore(cfg.statsDBPath, cfg.retentionDays)
	if err != nil {
		log.Fatalf("open stats store: %v", err)
	}
	defer stats.Close()

	standard := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.connectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: 0,
		ExpectContinueTimeout: 5 * time.Second,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   50,
	}
	_ = http2.ConfigureTransport(standard)

	rotation, err := newProxyRotation(cfg.proxyURLs)
	if err != nil {
		log.Fatalf("proxy config: %v", err)
	}
	transport := newHybridTransport(standard, cfg.upstreamBase.Hostname(), cfg.connectTimeout, rotation)

	pool := newAccountPool(cfg.failureThreshold, cfg.rateLimitCooldown, stats)
	for _, rec := range recs {
		if err := pool.add(rec); err != nil {
			log.Fatalf("register account: %v", err)
		}
	}
	if pool.count() == 0 {
		log.Printf("warning: loaded 0 accounts from %s", cfg.accountsPath)
	}

	cache := newSessionCache(cfg.sessionTTL, cfg.cacheMaxSize, cfg.lockTableMax)
	minter := newTokenMinter(cfg.upstreamBase, transport)
	upstream := newGeminiClient(cfg.upstreamBase, transport)
	metrics := newGatewayMetrics(pool, cache)

	orch := &orchestrator{
		pool:        pool,
		cache:       cache,
		minter:      minter,
		upstream:    upstream,
		stats:       stats,
		metrics:     metrics,
		recent:      newRecentErrors(50),
		retry:       cfg.retry,
		turnTimeout: cfg.turnTimeout,
		debug:       cfg.debug,
	}

	h := &gatewayHandler{
		cfg:            cfg,
		pool:           pool,
		cache:          cache,
		orch:           orch,
		minter:         minter,
		upstream:       upstream,
		stats:          stats,
		recent:         orch.recent,
		metricsHandler: metrics.handler(),
		standard:       standard,
		startTime:      time.Now(),
	}

	sweepers, err := startSweepers(cache, pool, stats, cfg.cacheSweepEvery, cfg.expirySweepEvery)
	if err != nil {
		log.Fatalf("start sweepers: %v", err)
	}
	defer sweepers.Stop()

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	if err := watchAccountsFile(cfg.accountsPath, 500*time.Millisecond, h.reloadAccounts, stopWatch); err != nil {
		log.Printf("warning: accounts watcher disabled: %v", err)
	}

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           h,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       5 * time.Minute,
	}
	http2Srv := &http2.Server{
		MaxConcurrentStreams: 250,
		IdleTimeout:          5 * time.Minute,
	}
	if err := http2.ConfigureServer(srv, http2Srv); err != nil {
		log.Printf("warning: failed to configure HTTP/2 server: %v", err)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Printf("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	log.Printf("gemini-business gateway listening on %s (accounts=%d, turn_timeout=%v)",
		cfg.listenAddr, pool.count(), cfg.turnTimeout)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

// updateProxies rebuilds the upstream transport with a new outbound proxy
// list and swaps it in without restarting. Cached tokens are dropped so the
// next mint uses the new path.
func (h *gatewayHandler) updateProxies(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProxyURLs []string `json:"proxy_urls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	rotation, err := newProxyRotation(req.ProxyURLs)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	transport := newHybridTransport(h.standard, h.cfg.upstreamBase.Hostname(), h.cfg.connectTimeout, rotation)
	h.minter.swapTransport(transport)
	h.upstream.swapTransport(transport)
	h.pool.dropTokens()
	log.Printf("upstream transport rebuilt with %d outbound proxies", len(req.ProxyURLs))
	respondJSON(w, map[string]any{"ok": true, "proxies": len(req.ProxyURLs)})
}
