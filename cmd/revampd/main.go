// Package main is the entrypoint for the revampd proxy daemon.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/revamp-proxy/revampd/internal/cache"
	"github.com/revamp-proxy/revampd/internal/certauthority"
	"github.com/revamp-proxy/revampd/internal/config"
	"github.com/revamp-proxy/revampd/internal/filterengine"
	"github.com/revamp-proxy/revampd/internal/hooks"
	"github.com/revamp-proxy/revampd/internal/httpproxy"
	"github.com/revamp-proxy/revampd/internal/metrics"
	"github.com/revamp-proxy/revampd/internal/pipeline"
	"github.com/revamp-proxy/revampd/internal/portal"
	"github.com/revamp-proxy/revampd/internal/profilestore"
	"github.com/revamp-proxy/revampd/internal/safefetch"
	"github.com/revamp-proxy/revampd/internal/socks5"
	"github.com/revamp-proxy/revampd/internal/swbridge"
	"github.com/revamp-proxy/revampd/internal/transform"
	"github.com/revamp-proxy/revampd/internal/upstream"
)

func main() {
	configPath := flag.String("config", "", "Path to TOML config file (optional)")
	socksPort := flag.Int("socks-port", 0, "SOCKS5 listen port (overrides config)")
	httpPort := flag.Int("http-port", 0, "HTTP proxy listen port (overrides config)")
	portalPort := flag.Int("portal-port", 0, "Portal listen port (overrides config)")
	bindAddr := flag.String("bind-addr", "", "Bind address (overrides config)")
	cacheDir := flag.String("cache-dir", "", "Cache directory (overrides config)")
	certDir := flag.String("cert-dir", "", "CA certificate directory (overrides config)")
	removeAds := flag.Bool("remove-ads", false, "Enable ad removal (overrides config)")
	flag.Parse()

	bootstrapLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	overrides := config.FlagOverrides{}
	if *socksPort != 0 {
		overrides.SOCKSPort = socksPort
	}
	if *httpPort != 0 {
		overrides.HTTPPort = httpPort
	}
	if *portalPort != 0 {
		overrides.PortalPort = portalPort
	}
	if *bindAddr != "" {
		overrides.BindAddr = bindAddr
	}
	if *cacheDir != "" {
		overrides.CacheDir = cacheDir
	}
	if *certDir != "" {
		overrides.CertDir = certDir
	}
	if *removeAds {
		overrides.RemoveAds = removeAds
	}

	global, err := config.Load(config.LoaderOptions{
		ConfigPath: *configPath,
		Overrides:  overrides,
		Logger:     bootstrapLogger,
	})
	if err != nil {
		bootstrapLogger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("effective configuration loaded", "socksPort", global.SOCKSPort, "httpPort", global.HTTPPort, "portalPort", global.PortalPort)

	cfgStore := config.NewStore(global)

	ca := certauthority.New(global.CertDir, logger)
	if err := ca.EnsureRoot(); err != nil {
		logger.Error("failed to initialize certificate authority", "error", err)
		os.Exit(1)
	}

	contentCache := cache.New(cache.Config{CacheDir: global.CacheDir, TTL: time.Duration(global.CacheTTLSeconds) * time.Second, Logger: logger})
	defer contentCache.Close()

	profiles := profilestore.New(global.CacheDir)
	if err := profiles.Init(context.Background()); err != nil {
		logger.Error("failed to initialize domain profile store", "error", err)
		os.Exit(1)
	}
	defer profiles.Close()

	filter := filterengine.New()
	upstreamClient := upstream.New(upstream.Config{
		ConnectTimeout:        10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		MaxRetries:            2,
	})
	transforms := transform.NewRegistry()
	hookRegistry := hooks.New(5 * time.Second)
	endpoints := hooks.NewEndpointRegistry()
	counters := metrics.New()
	bridge := swbridge.Stub{}

	fetchClient := safefetch.New(safefetch.Config{})
	hookRegistry.ConfigureSandbox(hooks.SandboxDeps{
		ConfigStore: cfgStore,
		Cache:       contentCache,
		Counters:    counters,
		DataDir:     global.CacheDir,
		FetchClient: fetchClient,
		Endpoints:   endpoints,
	})

	engine := &pipeline.Engine{
		Config:     cfgStore,
		Cache:      contentCache,
		Filter:     filter,
		Profiles:   profiles,
		Upstream:   upstreamClient,
		Transforms: transforms,
		Hooks:      hookRegistry,
		Metrics:    counters,
		Logger:     logger,
	}

	portalServer := portal.New(cfgStore, ca, counters, endpoints, bridge)
	engine.Reserved = portalServer

	socksServer := &socks5.Server{
		Addr:     global.BindAddr + ":" + strconv.Itoa(global.SOCKSPort),
		CA:       ca,
		Config:   cfgStore,
		Filter:   filter,
		Profiles: profiles,
		Pipeline: engine,
		Logger:   logger,
	}
	httpProxyServer := &httpproxy.Server{
		Addr:     global.BindAddr + ":" + strconv.Itoa(global.HTTPPort),
		CA:       ca,
		Config:   cfgStore,
		Pipeline: engine,
		Logger:   logger,
	}
	portalListenAddr := global.BindAddr + ":" + strconv.Itoa(global.PortalPort)

	// h2c lets browsers and service workers reach the portal over cleartext
	// HTTP/2 without a client-trusted TLS cert, since the portal itself is
	// never MITM'd.
	h2s := &http2.Server{}
	portalHandler := h2c.NewHandler(portalServer.Handler(), h2s)
	portalHTTPServer := &http.Server{Addr: portalListenAddr, Handler: portalHandler}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 3)
	go func() {
		logger.Info("socks5 listening", "addr", socksServer.Addr)
		if err := socksServer.ListenAndServe(ctx); err != nil {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("http proxy listening", "addr", httpProxyServer.Addr)
		if err := httpProxyServer.ListenAndServe(ctx); err != nil {
			errCh <- err
		}
	}()

	go func() {
		logger.Info("portal listening", "addr", portalListenAddr)
		if err := portalHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	logger.Info("revampd started, press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		logger.Error("server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	socksServer.Close()
	httpProxyServer.Close()
	portalHTTPServer.Shutdown(shutdownCtx)

	logger.Info("revampd stopped")
}
