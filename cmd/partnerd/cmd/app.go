package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/psantana5/partnerbatch/pkg/api"
	"github.com/psantana5/partnerbatch/pkg/auth"
	"github.com/psantana5/partnerbatch/pkg/batch"
	"github.com/psantana5/partnerbatch/pkg/cleanup"
	"github.com/psantana5/partnerbatch/pkg/config"
	"github.com/psantana5/partnerbatch/pkg/jobs"
	"github.com/psantana5/partnerbatch/pkg/logging"
	"github.com/psantana5/partnerbatch/pkg/metrics"
	"github.com/psantana5/partnerbatch/pkg/models"
	"github.com/psantana5/partnerbatch/pkg/payout"
	"github.com/psantana5/partnerbatch/pkg/providers"
	"github.com/psantana5/partnerbatch/pkg/queue"
	"github.com/psantana5/partnerbatch/pkg/ratelimit"
	"github.com/psantana5/partnerbatch/pkg/retry"
	"github.com/psantana5/partnerbatch/pkg/scheduler"
	"github.com/psantana5/partnerbatch/pkg/shutdown"
	"github.com/psantana5/partnerbatch/pkg/store"
	tlsutil "github.com/psantana5/partnerbatch/pkg/tls"
	"github.com/psantana5/partnerbatch/pkg/tracing"
)

// version is set at build time with -ldflags "-X .../cmd.version=..."
var version = "dev"

// app holds the wired partnerd components
type app struct {
	cfg    *config.Config
	logger *logging.Logger

	store      store.Store
	metrics    *metrics.Collector
	tracer     *tracing.Provider
	runner     *batch.Runner
	dispatcher *queue.Dispatcher // local queue only
	scheduler  *scheduler.Scheduler
	cleanup    *cleanup.Manager
	limiter    *ratelimit.Limiter

	server        *http.Server
	metricsServer *http.Server
}

func newLogger(cfg config.Logging) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.Dir == "" {
		return logging.NewLogger(level, cfg.JSON), nil
	}
	return logging.NewFileLogger(cfg.Dir, "partnerd", level, cfg.JSON)
}

func newApp(cfg *config.Config, logger *logging.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	st, err := store.NewStore(store.Config{
		Type:            cfg.Store.Type,
		DSN:             cfg.Store.DSN,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	a.store = st
	if cfg.Store.Type == "memory" {
		logger.Warn("Using in-memory store, data will not survive restarts")
	}

	a.metrics = metrics.NewCollector(st)
	a.tracer, err = tracing.InitTracer(tracing.Config{
		ServiceName:    "partnerd",
		ServiceVersion: version,
		Environment:    cfg.Tracing.Environment,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		Enabled:        cfg.Tracing.Enabled,
		SampleRatio:    cfg.Tracing.SampleRatio,
	}, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}

	deps, err := jobDeps(cfg, st, logger)
	if err != nil {
		st.Close()
		return nil, err
	}

	var publisher queue.Publisher
	if cfg.Queue.Mode == "hosted" {
		publisher = queue.NewHostedPublisher(queue.HostedConfig{
			BaseURL: cfg.Queue.URL,
			Token:   cfg.Queue.Token,
			Retry:   retry.DefaultConfig(),
		}, logger)
	} else {
		publisher = queue.NewLocalPublisher(st, logger)
	}

	a.runner = batch.NewRunner(batch.RunnerConfig{
		Registry: jobs.NewRegistry(deps),
		Store:    st,
		Enqueuer: queue.NewJobEnqueuer(publisher, cfg.BaseURL(), cfg.Queue.Retries),
		Logger:   logger,
		Metrics:  a.metrics,
		Tracer:   a.tracer,
	})

	if cfg.Queue.Mode == "local" {
		var deliverer queue.Deliverer
		if cfg.Queue.Delivery == "http" {
			deliverer = queue.NewHTTPDeliverer(queue.NewSigner(cfg.Queue.SigningKey), cfg.Queue.DeliveryTimeout)
		} else {
			deliverer = queue.NewRunnerDeliverer(a.runner)
		}
		policy := models.DefaultRetryPolicy()
		policy.MaxRetries = cfg.Queue.Retries
		a.dispatcher = queue.NewDispatcher(st, deliverer, &queue.DispatcherConfig{
			PollInterval:      cfg.Queue.PollInterval,
			BatchSize:         cfg.Queue.BatchSize,
			Concurrency:       cfg.Queue.Concurrency,
			DeliveryTimeout:   cfg.Queue.DeliveryTimeout,
			VisibilityTimeout: cfg.Queue.VisibilityTimeout,
			RetryPolicy:       policy,
		}, logger, a.metrics, queue.FailRun(a.runner))
	}

	var schedules []*scheduler.Schedule
	if cfg.Jobs.SchedulesFile != "" {
		schedules, err = scheduler.LoadFile(cfg.Jobs.SchedulesFile)
		if err != nil {
			st.Close()
			return nil, err
		}
	}
	a.scheduler = scheduler.New(a.runner, st, schedules, scheduler.Config{
		CheckInterval: cfg.Jobs.CheckInterval,
		StaleAfter:    cfg.Jobs.StaleAfter,
	}, logger)

	a.cleanup = cleanup.NewManager(cleanup.Config{
		Enabled:          cfg.Cleanup.Enabled,
		RunRetention:     cfg.Cleanup.RunRetention,
		MessageRetention: cfg.Cleanup.MessageRetention,
		ExportDir:        cfg.Jobs.ExportDir,
		CleanupInterval:  cfg.Cleanup.Interval,
		InitialDelay:     5 * time.Minute,
	}, st, logger)

	if cfg.Server.RateLimitRPS > 0 {
		a.limiter = ratelimit.NewLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateBurst)
	}

	handler := api.NewHandler(api.Config{
		Runner:    a.runner,
		Store:     st,
		Verifier:  queue.NewVerifier(cfg.Queue.SigningKey, cfg.Queue.NextSigningKey),
		APIKeys:   auth.NewAPIKeyManager(cfg.Server.APIKeys...),
		PublicURL: cfg.Server.PublicURL,
		Logger:    logger,
	})
	a.server = &http.Server{
		Addr: cfg.Server.Addr,
		Handler: api.NewRouter(handler, api.RouterOptions{
			Tracer:    a.tracer,
			Metrics:   a.metrics,
			RateLimit: a.limiter,
			AccessLog: logger.WithField("component", "http"),
		}),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // a cron page may run long
		IdleTimeout:  120 * time.Second,
	}
	if cfg.Server.TLSCert != "" {
		tlsConfig, err := tlsutil.ServerConfig(cfg.Server.TLSCert, cfg.Server.TLSKey, cfg.Server.ClientCA)
		if err != nil {
			st.Close()
			return nil, err
		}
		a.server.TLSConfig = tlsConfig
	}

	if cfg.Server.MetricsAddr != "" {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", a.metrics).Methods("GET")
		metricsRouter.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"healthy"}`))
		}).Methods("GET")
		a.metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddr,
			Handler:      metricsRouter,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return a, nil
}

// jobDeps builds the collaborators jobs use. Missing Stripe credentials
// fail provider calls; missing SMTP settings log emails instead of sending.
func jobDeps(cfg *config.Config, st store.Store, logger *logging.Logger) (jobs.Deps, error) {
	rates, err := payout.NewRates(cfg.Payouts.BaseCurrency, cfg.RateTable())
	if err != nil {
		return jobs.Deps{}, fmt.Errorf("payouts.rates: %w", err)
	}
	fee, err := decimal.NewFromString(cfg.Payouts.FeeRate)
	if err != nil || fee.IsNegative() {
		return jobs.Deps{}, fmt.Errorf("payouts.fee_rate: invalid %q", cfg.Payouts.FeeRate)
	}

	deps := jobs.Deps{
		Store:     st,
		Rates:     rates,
		FeeRate:   fee,
		ExportDir: cfg.Jobs.ExportDir,
		PageSizes: cfg.PageSizeMap(),
		Logger:    logger,
	}

	if cfg.Stripe.SecretKey != "" {
		sc := providers.NewStripeClient(providers.StripeConfig{
			SecretKey: cfg.Stripe.SecretKey,
			BaseURL:   cfg.Stripe.BaseURL,
			Timeout:   cfg.Stripe.Timeout,
			Retries:   cfg.Stripe.Retries,

			RatePerSecond: cfg.Stripe.RatePerSecond,
			Burst:         cfg.Stripe.Burst,
		})
		deps.Promotions, deps.Transfers = sc, sc
	} else {
		logger.Warn("Stripe is not configured, promotion codes and transfers will fail")
		deps.Promotions = providers.Unconfigured{Name: "stripe"}
		deps.Transfers = providers.Unconfigured{Name: "stripe"}
	}

	if cfg.SMTP.Host != "" {
		deps.Mailer = providers.NewSMTPMailer(providers.SMTPConfig{
			Host:          cfg.SMTP.Host,
			Port:          cfg.SMTP.Port,
			Username:      cfg.SMTP.Username,
			Password:      cfg.SMTP.Password,
			From:          cfg.SMTP.From,
			RatePerSecond: cfg.SMTP.RatePerSecond,
			Burst:         cfg.SMTP.Burst,
			Retry:         retry.DefaultConfig(),
		}, logger)
	} else {
		logger.Warn("SMTP is not configured, campaign emails will only be logged")
		deps.Mailer = providers.NewLogMailer(logger)
	}
	return deps, nil
}

// run starts every component and blocks until shutdown
func (a *app) run(ctx context.Context) error {
	sm := shutdown.New(30*time.Second, a.logger)

	// Stopped in reverse order of registration
	sm.Register("logger", func(context.Context) error { return a.logger.Close() })
	sm.Register("store", shutdown.CloseResource(a.store))
	sm.Register("tracer", a.tracer.Shutdown)

	a.cleanup.Start()
	sm.Register("cleanup", shutdown.StopLoop(a.cleanup.Stop))

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	sm.Register("loops", func(context.Context) error { cancelLoops(); return nil })

	if a.dispatcher != nil {
		a.dispatcher.Start(loopCtx)
		sm.Register("dispatcher", shutdown.StopLoop(a.dispatcher.Stop))
	}
	a.scheduler.Start(loopCtx)
	sm.Register("scheduler", shutdown.StopLoop(a.scheduler.Stop))

	if a.limiter != nil {
		go a.pruneLimiters(loopCtx)
	}
	if a.cfg.Logging.Dir != "" && a.cfg.Logging.MaxSizeMB > 0 {
		go a.rotateLogs(loopCtx, a.cfg.Logging.MaxSizeMB<<20)
	}

	if a.metricsServer != nil {
		a.serve(sm, "metrics", a.metricsServer, false)
	}
	a.serve(sm, "api", a.server, a.server.TLSConfig != nil)

	a.logger.Info("partnerd started", map[string]interface{}{
		"version":    version,
		"addr":       a.cfg.Server.Addr,
		"queue_mode": a.cfg.Queue.Mode,
		"store":      a.cfg.Store.Type,
		"base_url":   a.cfg.BaseURL(),
	})
	return sm.WaitWithContext(ctx)
}

func (a *app) serve(sm *shutdown.Manager, name string, srv *http.Server, useTLS bool) {
	sm.Register(name+" server", shutdown.StopHTTPServer(srv))
	go func() {
		var err error
		if useTLS {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Server failed", map[string]interface{}{"server": name, "error": err.Error()})
			sm.Trigger()
		}
	}()
	a.logger.Info("Server listening", map[string]interface{}{"server": name, "addr": srv.Addr, "tls": useTLS})
}

func (a *app) pruneLimiters(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.limiter.CleanupOldLimiters(30 * time.Minute); n > 0 {
				a.logger.Debug("Pruned idle rate limiters", map[string]interface{}{"count": n})
			}
		}
	}
}

func (a *app) rotateLogs(ctx context.Context, maxSize int64) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.logger.RotateIfNeeded(maxSize); err != nil {
				a.logger.Error("Log rotation failed", map[string]interface{}{"error": err.Error()})
			}
		}
	}
}
