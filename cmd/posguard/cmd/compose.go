package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	inboundhttp "github.com/Sentinel-Gate/posguard/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/posguard/internal/adapter/outbound/backend"
	"github.com/Sentinel-Gate/posguard/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/posguard/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/posguard/internal/adapter/outbound/sink"
	"github.com/Sentinel-Gate/posguard/internal/adapter/outbound/sqlite"
	"github.com/Sentinel-Gate/posguard/internal/adapter/outbound/state"
	"github.com/Sentinel-Gate/posguard/internal/config"
	"github.com/Sentinel-Gate/posguard/internal/domain/clock"
	"github.com/Sentinel-Gate/posguard/internal/domain/csrf"
	"github.com/Sentinel-Gate/posguard/internal/domain/headers"
	"github.com/Sentinel-Gate/posguard/internal/domain/pipeline"
	"github.com/Sentinel-Gate/posguard/internal/domain/ratelimit"
	"github.com/Sentinel-Gate/posguard/internal/domain/securitylog"
	"github.com/Sentinel-Gate/posguard/internal/domain/session"
	"github.com/Sentinel-Gate/posguard/internal/service"
)

// logStorage is the opened security log storage. store is nil for memory.
type logStorage struct {
	kind   config.StorageKind
	store  securitylog.Storage
	pinger inboundhttp.Pinger
	close  func() error
}

// openStorage opens the storage named by cfg.Logger.Storage.
func openStorage(cfg *config.Config, logger *slog.Logger) (*logStorage, error) {
	kind, location, ok := config.ParseStorage(cfg.Logger.Storage)
	if !ok {
		return nil, fmt.Errorf("invalid logger.storage %q", cfg.Logger.Storage)
	}
	ls := &logStorage{kind: kind, close: func() error { return nil }}

	switch kind {
	case config.StorageFile:
		if err := os.MkdirAll(filepath.Dir(location), 0o700); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
		st := state.NewFileStateStore(location, logger, state.WithMaxBytes(cfg.Logger.QuotaBytes))
		ls.store = st
		ls.pinger = st
	case config.StorageSQLite:
		st, err := sqlite.NewStore(location, sqlite.WithMaxRows(cfg.Logger.MaxLogs))
		if err != nil {
			return nil, err
		}
		if err := st.ApplyMigrations(); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("migrate security log: %w", err)
		}
		ls.store = st
		ls.pinger = st
		ls.close = st.Close
	}
	return ls, nil
}

// newOfflineLogger opens storage and loads the persisted security log for
// the commands that run without the rest of the stack.
func newOfflineLogger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*securitylog.Logger, *logStorage, error) {
	ls, err := openStorage(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	if ls.store == nil {
		_ = ls.close()
		return nil, nil, errors.New("logger.storage is memory: nothing is persisted between runs")
	}
	seclog := securitylog.NewLogger(clock.System{}, logger,
		securitylog.WithStorage(ls.store),
		securitylog.WithCapacities(cfg.Logger.MaxLogs, cfg.Logger.MaxThreats, cfg.Logger.MaxFailedAuth),
	)
	if err := seclog.Load(ctx); err != nil {
		_ = ls.close()
		return nil, nil, fmt.Errorf("load security log: %w", err)
	}
	return seclog, ls, nil
}

// buildSinks creates a sink for every configured destination.
func buildSinks(cfg *config.Config, logger *slog.Logger) ([]securitylog.Sink, []func() error, error) {
	var sinks []securitylog.Sink
	var closers []func() error

	if cfg.Sink.HTTP.URL != "" {
		opts := []sink.HTTPOption{
			sink.WithRate(cfg.Sink.HTTP.RatePerSecond, cfg.Sink.HTTP.Burst),
			sink.WithSource(cfg.Telemetry.ServiceName),
		}
		if cfg.Sink.HTTP.Token != "" {
			opts = append(opts, sink.WithBearerToken(cfg.Sink.HTTP.Token))
		}
		sinks = append(sinks, sink.NewHTTPSink(cfg.Sink.HTTP.URL, opts...))
	}
	if cfg.Sink.AMQP.URL != "" {
		s, err := sink.DialAMQP(cfg.Sink.AMQP.URL, cfg.Sink.AMQP.Exchange, logger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
		closers = append(closers, s.Close)
	}
	if cfg.Sink.Stdout {
		sinks = append(sinks, sink.NewStdoutSink())
	}
	return sinks, closers, nil
}

// rateLimits merges configured overrides onto the defaults.
func rateLimits(overrides map[string]int) map[ratelimit.Category]int {
	limits := make(map[ratelimit.Category]int, len(ratelimit.DefaultLimits))
	for c, n := range ratelimit.DefaultLimits {
		limits[c] = n
	}
	for name, n := range overrides {
		c := ratelimit.Category(name)
		if c.IsValid() && n > 0 {
			limits[c] = n
		}
	}
	return limits
}

// backendOrigin returns scheme://host of the backend URL for the CSP.
func backendOrigin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Scheme + "://" + u.Host
}

// app is the composed security layer.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry

	storage    *logStorage
	tokens     *csrf.Manager
	tracker    *session.Tracker
	sessions   *memory.SessionHolder
	suspicious *session.SuspiciousSet
	limiter    *ratelimit.SlidingWindowLimiter
	forward    *service.ForwardService
	seclog     *securitylog.Logger
	stats      *service.StatsService
	pipeline   *pipeline.Pipeline
	injector   *headers.Injector
	data       *pipeline.GuardedClient
	auth       *pipeline.GuardedAuth
	monitor    *service.Monitor
	dashboard  *service.DashboardService
	server     *inboundhttp.Server

	closers []func() error
}

// newApp wires every component from cfg. Nothing is started.
func newApp(cfg *config.Config, logger *slog.Logger, clk clock.Clock) (*app, error) {
	if clk == nil {
		clk = clock.System{}
	}
	a := &app{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			_ = a.closeResources()
		}
	}()
	var err error

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Client-side state.
	kv := memory.NewKVStore()
	mirror := memory.NewCookieMirror(clk,
		memory.WithCookieName(cfg.CSRF.CookieName),
		memory.WithCookieDomain(cfg.CSRF.CookieDomain),
	)
	a.tokens = csrf.NewManager(kv, mirror, clk, logger.With("component", "csrf"),
		csrf.WithLifetime(config.Duration(cfg.CSRF.Lifetime, 0)),
		csrf.WithRefreshInterval(config.Duration(cfg.CSRF.RefreshInterval, 0)),
	)
	a.tracker = session.NewTracker(kv, clk, logger.With("component", "session"))
	a.sessions = memory.NewSessionHolder(clk)
	a.suspicious = session.NewSuspiciousSet()
	a.limiter = ratelimit.NewSlidingWindowLimiter(rateLimits(cfg.RateLimit.Limits), clk)

	// Security log, storage and forwarding.
	if a.storage, err = openStorage(cfg, logger); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.storage.close)

	sinks, sinkClosers, err := buildSinks(cfg, logger.With("component", "sink"))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, sinkClosers...)
	a.forward = service.NewForwardService(sinks, logger.With("component", "forward"),
		service.WithChannelSize(cfg.Sink.ChannelSize),
		service.WithBatchSize(cfg.Sink.BatchSize),
		service.WithFlushInterval(config.Duration(cfg.Sink.FlushInterval, 0)),
		service.WithSinkTimeout(config.Duration(cfg.Sink.SendTimeout, 0)),
		service.WithForwardMetrics(a.registry),
	)

	originURL := cfg.Logger.OriginURL
	if originURL == "" {
		originURL = cfg.Backend.URL
	}
	logOpts := []securitylog.Option{
		securitylog.WithForwarder(a.forward),
		securitylog.WithIdentity(a.tracker),
		securitylog.WithOriginURL(originURL),
		securitylog.WithCapacities(cfg.Logger.MaxLogs, cfg.Logger.MaxThreats, cfg.Logger.MaxFailedAuth),
	}
	if a.storage.store != nil {
		logOpts = append(logOpts, securitylog.WithStorage(a.storage.store))
	}
	a.seclog = securitylog.NewLogger(clk, logger.With("component", "securitylog"), logOpts...)

	// Interception pipeline.
	scope, err := cel.NewScopeEvaluator(cfg.Policy.ScopeExpression)
	if err != nil {
		return nil, fmt.Errorf("policy.scope_expression: %w", err)
	}
	a.stats = service.NewStatsService()
	pipeOpts := []pipeline.Option{
		pipeline.WithScanWrites(cfg.Pipeline.ScanWrites),
		pipeline.WithSlowThreshold(config.Duration(cfg.Pipeline.SlowThreshold, 0)),
		pipeline.WithFrequencyThreshold(cfg.Pipeline.FrequencyThreshold),
		pipeline.WithMetrics(pipeline.NewMetrics(a.registry)),
		pipeline.WithStats(a.stats),
	}
	if len(cfg.Pipeline.SafeOperations) > 0 {
		pipeOpts = append(pipeOpts, pipeline.WithSafeOperations(cfg.Pipeline.SafeOperations...))
	}
	a.pipeline = pipeline.New(pipeline.Deps{
		Limiter:    a.limiter,
		Log:        a.seclog,
		Tracker:    a.tracker,
		Sessions:   a.sessions,
		Suspicious: a.suspicious,
		Scope:      scope,
		Clock:      clk,
	}, logger.With("component", "pipeline"), pipeOpts...)

	// Outbound headers and the backend client.
	policy := headers.DefaultPolicy(backendOrigin(cfg.Backend.URL), cfg.Policy.ReportURI)
	injOpts := []headers.Option{
		headers.WithHeaderName(cfg.CSRF.HeaderName),
		headers.WithPolicy(policy),
	}
	if cfg.Policy.ClientVersion != "" {
		injOpts = append(injOpts, headers.WithClientVersion(cfg.Policy.ClientVersion))
	}
	a.injector = headers.NewInjector(a.tokens, a.seclog, logger.With("component", "headers"), injOpts...)

	client, err := backend.NewClient(backend.Config{
		BaseURL: cfg.Backend.URL,
		AnonKey: cfg.Backend.AnonKey,
		Timeout: config.Duration(cfg.Backend.Timeout, 0),
	}, a.sessions, a.injector.Transport(http.DefaultTransport), logger.With("component", "backend"))
	if err != nil {
		return nil, err
	}
	a.data = pipeline.NewGuardedClient(client, a.pipeline)
	a.auth = pipeline.NewGuardedAuth(client, a.pipeline)

	// Session monitor and dashboard.
	a.monitor = service.NewMonitor(service.MonitorDeps{
		Log:        a.seclog,
		Limiter:    a.limiter,
		Sessions:   a.sessions,
		State:      a.tracker,
		Tokens:     a.tokens,
		Suspicious: a.suspicious,
		Clock:      clk,
	}, logger.With("component", "monitor"),
		service.WithSecurityInterval(config.Duration(cfg.Monitor.SecurityInterval, 0)),
		service.WithTimeoutInterval(config.Duration(cfg.Monitor.TimeoutInterval, 0)),
		service.WithInactivityTimeout(config.Duration(cfg.Monitor.InactivityTimeout, 0)),
		service.WithAlertCooldown(config.Duration(cfg.Monitor.AlertCooldown, 0)),
		service.WithPruners(a.pipeline.FrequencyTracker()),
		service.WithOnLogout(func(reason string) {
			if reason != service.LogoutUser {
				logger.Warn("session terminated by monitor", "reason", reason)
			}
		}),
	)
	a.dashboard = service.NewDashboardService(a.seclog, a.monitor, a.suspicious, a.stats, clk)

	// Status surface.
	health := inboundhttp.NewHealthChecker(a.forward, a.dashboard, a.storage.pinger, Version)
	api := inboundhttp.NewAPI(a.dashboard, a.seclog, a.monitor, a.tokens, a.injector)
	srvOpts := []inboundhttp.Option{
		inboundhttp.WithAddr(cfg.Server.HTTPAddr),
		inboundhttp.WithLogger(logger.With("component", "http")),
		inboundhttp.WithPolicy(policy),
		inboundhttp.WithRegistry(a.registry),
	}
	if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
		srvOpts = append(srvOpts, inboundhttp.WithTLS(cfg.Server.TLSCert, cfg.Server.TLSKey))
	}
	if cfg.HasAdmin() {
		srvOpts = append(srvOpts, inboundhttp.WithAdminCredentials(inboundhttp.Credentials{
			Username:     cfg.Admin.Username,
			PasswordHash: cfg.Admin.PasswordHash,
		}))
	}
	a.server = inboundhttp.NewServer(api, health, srvOpts...)

	built = true
	return a, nil
}

// start restores the persisted log and launches the background loops.
func (a *app) start(ctx context.Context) error {
	if err := a.seclog.Load(ctx); err != nil {
		return fmt.Errorf("load security log: %w", err)
	}
	a.forward.Start(ctx)
	a.sessions.StartCleanup(ctx)
	if _, err := a.tokens.Issue(); err != nil {
		return fmt.Errorf("issue csrf token: %w", err)
	}
	a.tokens.StartRefresh(ctx)
	a.monitor.Start(ctx)
	return nil
}

// signIn authenticates through the pipeline and binds the session to the
// integrity monitor.
func (a *app) signIn(ctx context.Context, email, password string) (*session.Session, error) {
	sess, err := a.auth.SignIn(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if err := a.monitor.Bind(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// signOut ends the backend session and runs the local logout lifecycle even
// when the backend call fails.
func (a *app) signOut(ctx context.Context) error {
	err := a.auth.SignOut(ctx)
	a.monitor.Logout(ctx, service.LogoutUser)
	return err
}

// stop halts the loops, drains forwarding and closes external resources.
// Forwarding stops after the monitor so its final events are delivered.
func (a *app) stop() error {
	a.monitor.Stop()
	a.tokens.Stop()
	a.sessions.Stop()
	a.forward.Stop()
	return a.closeResources()
}

func (a *app) closeResources() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
