package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/caddyserver/certmagic"
	"github.com/klauspost/compress/gzhttp"
	"go.uber.org/zap"

	"github.com/jikku/funnel-server/internal/auth"
	"github.com/jikku/funnel-server/internal/clientjs"
	"github.com/jikku/funnel-server/internal/config"
	"github.com/jikku/funnel-server/internal/database"
	"github.com/jikku/funnel-server/internal/handlers"
	"github.com/jikku/funnel-server/internal/livereload"
	"github.com/jikku/funnel-server/internal/logging"
	"github.com/jikku/funnel-server/internal/metrics"
	"github.com/jikku/funnel-server/internal/middleware"
	"github.com/jikku/funnel-server/internal/notifier"
	"github.com/jikku/funnel-server/internal/security"
	"github.com/jikku/funnel-server/internal/static"
)

const (
	shutdownTimeout = 30 * time.Second
	pruneInterval   = 24 * time.Hour
)

// app wires the configured components into one HTTP handler
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	metrics  *metrics.Metrics
	store    *database.Store
	site     *static.Server
	hub      *livereload.Hub
	watcher  *livereload.Watcher
	notifier *notifier.Notifier
	limiter  *auth.RateLimiter
	handler  http.Handler
}

// trapPolicy maps the server-wide trap settings onto the script policy
func trapPolicy(cfg *config.Config) clientjs.TrapPolicy {
	return clientjs.TrapPolicy{
		Target:  cfg.Trap.RedirectURL,
		Delay:   cfg.Trap.DelayMS,
		Entries: cfg.Trap.HistoryEntries,
		Rearm:   cfg.Trap.RearmMS,
		Verbose: cfg.Trap.Verbose,
	}
}

func newApp(cfg *config.Config, logger *logging.Logger) (*app, error) {
	if err := clientjs.Validate(); err != nil {
		return nil, fmt.Errorf("client scripts: %w", err)
	}
	assets, err := clientjs.Bundle(trapPolicy(cfg), cfg.Server.LiveReload)
	if err != nil {
		return nil, fmt.Errorf("client scripts: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		notifier: notifier.New(notifier.Config{
			URL:     cfg.Ntfy.URL,
			Topic:   cfg.Ntfy.Topic,
			Service: cfg.Server.ServiceName,
			DryRun:  cfg.IsDevelopment(),
		}, logger),
	}

	opts := static.Options{
		Root:    cfg.Site.RootDir,
		Assets:  assets,
		Logger:  logger.Named("static"),
		Metrics: a.metrics,
	}

	if cfg.Database.Path != "" {
		a.store, err = database.Open(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		security.EnsureSecurePermissions(logger, a.store.Files()...)
		opts.Recorder = a.store
		opts.Exclude = a.store.Files()
		logger.Info("database ready", zap.String("path", cfg.Database.Path))
	}

	if cfg.Server.LiveReload {
		a.hub = livereload.NewHub(logger, a.metrics)
		opts.Inject = `<script src="` + clientjs.URLPrefix + clientjs.LiveReloadScript + `"></script>`
	}

	a.site, err = static.New(opts)
	if err != nil {
		a.Close()
		return nil, err
	}

	if a.hub != nil {
		a.watcher, err = livereload.NewWatcher(a.site.Root(), opts.Exclude, a.hub.Reload, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	if cfg.AdminEnabled() {
		a.limiter = auth.NewRateLimiter()
	}

	a.handler = a.routes()
	return a, nil
}

// routes builds the mux and the middleware chain
func (a *app) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health-basic", handlers.HealthBasic(a.cfg.Server.ServiceName, nil))

	var checker handlers.HealthChecker
	if a.store != nil {
		checker = a.store
	}
	mux.HandleFunc("GET /health", handlers.Health(checker, a.logger))

	metricsHandler := a.metrics.Handler()
	if a.cfg.AdminEnabled() {
		guard := middleware.BasicAuth(auth.Credentials{
			Username:     a.cfg.Auth.Username,
			PasswordHash: a.cfg.Auth.PasswordHash,
		}, a.limiter, a.logger)

		metricsHandler = guard(metricsHandler)
		if a.store != nil {
			mux.Handle("GET /api/stats", guard(handlers.Stats(a.store, a.logger, nil)))
		}
	}
	mux.Handle("GET /metrics", metricsHandler)

	a.site.Register(mux)

	var h http.Handler = middleware.Metrics(a.metrics)(mux)
	if a.cfg.Server.Gzip {
		h = gzhttp.GzipHandler(h)
	}

	// The websocket upgrade has to bypass compression.
	if a.hub != nil {
		site := h
		h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == livereload.Path {
				a.hub.ServeHTTP(w, r)
				return
			}
			site.ServeHTTP(w, r)
		})
	}

	return a.chain(h)
}

// chain wraps h in the shared middleware.
// Order: logging -> tracing -> security -> cors -> body limit -> recovery -> content type
func (a *app) chain(h http.Handler) http.Handler {
	h = middleware.ContentType(h)
	h = middleware.Recovery(a.logger, a.notifier.NotifyPanic)(h)
	h = middleware.BodySizeLimit(middleware.MaxBodySize)(h)
	h = middleware.CORS(h)
	h = middleware.SecurityHeaders(a.cfg.TLSEnabled())(h)
	h = middleware.RequestTracing(h)
	h = middleware.Logging(a.logger)(h)
	return h
}

// Serve runs the server until ctx is cancelled, then shuts down gracefully
func (a *app) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(a.logger.Named("http").Logger),
	}

	var challenge *http.Server
	if a.cfg.TLSEnabled() {
		tlsConfig, issuer, err := a.manageCertificates(ctx)
		if err != nil {
			return err
		}
		// HTTP-01 challenges arrive on the plain listener started below.
		srv.TLSConfig = tlsConfig
		challenge = &http.Server{
			Addr:              net.JoinHostPort(a.cfg.Server.Host, a.cfg.TLS.HTTPPort),
			Handler:           issuer.HTTPChallengeHandler(http.HandlerFunc(redirectToHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	var wg sync.WaitGroup
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if a.watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.watcher.Run(watchCtx); err != nil {
				a.logger.Warn("watcher stopped", zap.Error(err))
			}
		}()
	}

	if a.store != nil && a.cfg.Database.RetentionDays > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runRetention(watchCtx)
		}()
	}

	errCh := make(chan error, 2)
	go func() {
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		errCh <- err
	}()
	if challenge != nil {
		go func() { errCh <- challenge.ListenAndServe() }()
	}

	a.logger.Info("server listening",
		zap.String("addr", srv.Addr),
		zap.String("root", a.site.Root()),
		zap.String("env", a.cfg.Server.Env),
		zap.Bool("tls", srv.TLSConfig != nil),
		zap.Bool("live_reload", a.hub != nil),
	)
	go func() {
		nctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.notifier.NotifyStartup(nctx, srv.Addr); err != nil {
			a.logger.Warn("failed to send startup notification", zap.Error(err))
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down server")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if a.hub != nil {
		a.hub.Stop()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && serveErr == nil {
		serveErr = fmt.Errorf("server forced to shutdown: %w", err)
	}
	if challenge != nil {
		challenge.Shutdown(shutdownCtx)
	}

	stopWatch()
	wg.Wait()

	if serveErr == nil {
		a.logger.Info("server stopped")
	}
	return serveErr
}

// runRetention prunes old page view events once at startup and then daily
func (a *app) runRetention(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()

	for {
		if _, err := a.pruneEvents(ctx, time.Now()); err != nil && ctx.Err() == nil {
			a.logger.Warn("failed to prune events", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// pruneEvents removes events older than the retention window relative to now
func (a *app) pruneEvents(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.AddDate(0, 0, -a.cfg.Database.RetentionDays)
	removed, err := a.store.PruneEvents(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		a.logger.Info("pruned page view events",
			zap.Int64("removed", removed),
			zap.Time("before", cutoff),
		)
	}
	return removed, nil
}

// manageCertificates starts obtaining and renewing certificates for the
// configured domains in the background, storing them in the database
func (a *app) manageCertificates(ctx context.Context) (*tls.Config, *certmagic.ACMEIssuer, error) {
	storage := database.NewSQLCertStorage(a.store)
	logger := a.logger.Named("certmagic").Logger

	var magic *certmagic.Config
	cache := certmagic.NewCache(certmagic.CacheOptions{
		GetConfigForCert: func(certmagic.Certificate) (*certmagic.Config, error) {
			return magic, nil
		},
		Logger: logger,
	})
	magic = certmagic.New(cache, certmagic.Config{
		Storage: storage,
		Logger:  logger,
	})

	ca := certmagic.LetsEncryptProductionCA
	if a.cfg.TLS.Staging {
		ca = certmagic.LetsEncryptStagingCA
	}
	issuer := certmagic.NewACMEIssuer(magic, certmagic.ACMEIssuer{
		CA:     ca,
		Email:  a.cfg.TLS.Email,
		Agreed: true,
		Logger: logger,
	})
	magic.Issuers = []certmagic.Issuer{issuer}

	if err := magic.ManageAsync(ctx, a.cfg.TLS.Domains); err != nil {
		return nil, nil, fmt.Errorf("failed to manage certificates: %w", err)
	}

	tlsConfig := magic.TLSConfig()
	tlsConfig.NextProtos = append([]string{"h2", "http/1.1"}, tlsConfig.NextProtos...)
	return tlsConfig, issuer, nil
}

func redirectToHTTPS(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	http.Redirect(w, r, "https://"+host+r.URL.RequestURI(), http.StatusMovedPermanently)
}

// Close releases the database and background workers
func (a *app) Close() error {
	if a.hub != nil {
		a.hub.Stop()
	}
	if a.limiter != nil {
		a.limiter.Stop()
	}
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}
