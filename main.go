package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"meact/internal/actions"
	"meact/internal/actions/mail"
	apihttp "meact/internal/api/http"
	"meact/internal/auth"
	boardapp "meact/internal/boards/application"
	boardrepo "meact/internal/boards/infrastructure/postgres"
	engineapp "meact/internal/engine/application"
	engine "meact/internal/engine/domain"
	engineif "meact/internal/engine/interfaces"
	natsbus "meact/internal/engine/interfaces/nats"
	"meact/internal/observability/metrics"
	ruleapp "meact/internal/rules/application"
	rules "meact/internal/rules/domain"
	"meact/internal/rules/infrastructure/file"
	telemetrypostgres "meact/internal/telemetry/infrastructure/postgres"
	telemetryredis "meact/internal/telemetry/infrastructure/redis"
)

func main() {
	dir := pflag.StringP("dir", "d", getenvDefault("MEACT_DIR", "."), "configuration directory (sensors.yaml, boards.yaml, global.yaml)")
	pflag.Parse()

	cfg := loadConfig(*dir)
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader, err := file.NewLoader(cfg.Dir)
	if err != nil {
		fatal(logger, "config dir error", err)
	}
	global, err := loader.LoadGlobal()
	if err != nil {
		fatal(logger, "global config error", err)
	}
	defs, err := loader.LoadSensors()
	if err != nil {
		fatal(logger, "sensors config error", err)
	}

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = openDB(ctx, cfg.DatabaseURL)
		if err != nil {
			fatal(logger, "database error", err)
		}
		defer db.Close()
	}
	metrics.Init(db, logger)

	boardOpts := []boardapp.Option{boardapp.WithLogger(logger)}
	if db != nil {
		boardOpts = append(boardOpts, boardapp.WithSink(boardrepo.NewBoardRepository(db)))
	}
	boardRegistry, err := boardapp.NewRegistry(loader, boardOpts...)
	if err != nil {
		fatal(logger, "board registry error", err)
	}
	if err := boardRegistry.Refresh(ctx); err != nil {
		fatal(logger, "boards config error", err)
	}

	ruleRegistry := ruleapp.NewRegistry(ruleapp.WithLogger(logger))
	ruleSet, _ := ruleRegistry.Load(defs)
	holder := ruleapp.NewHolder(ruleSet)
	metrics.ObserveReload(metrics.ResultSuccess, ruleSet.RuleCount())

	fireLog, err := buildFireLog(ctx, cfg, db)
	if err != nil {
		fatal(logger, "fire log error", err)
	}
	storeOpts := []engine.StoreOption{engine.WithStoreLogger(logger)}
	if fireLog != nil {
		storeOpts = append(storeOpts, engine.WithFireLog(fireLog))
	}
	store := engine.NewActionStatusStore(storeOpts...)
	status := engine.NewSystemStatus(global.Status)

	var (
		bus     engineif.Bus
		natsBus *natsbus.Bus
	)
	switch cfg.Bus {
	case "memory":
		bus = engineif.NewMemoryBus()
	default:
		natsBus, err = natsbus.Connect(ctx, natsbus.Config{URL: cfg.NATSURL, Name: "meact", StatusBucket: cfg.StatusBucket}, logger)
		if err != nil {
			fatal(logger, "bus error", err)
		}
		defer natsBus.Close()
		bus = natsBus
	}

	mailRegistry := buildMailRegistry(ctx, global.ActionConfig["mail"], logger)
	actionRegistry := actions.NewRegistry()
	if err := actions.RegisterBuiltins(actionRegistry, actions.Dependencies{
		Logger:     logger,
		Publisher:  bus,
		HTTPClient: &http.Client{Timeout: actions.DefaultTimeout},
		Mail:       mailRegistry,
	}); err != nil {
		fatal(logger, "action registry error", err)
	}
	registerActionSpecs(actionRegistry, global.Actions, logger)

	dispatcher, err := engineapp.NewDispatcher(actionRegistry,
		engineapp.WithDispatcherLogger(logger),
		engineapp.WithMaxFailbackDepth(cfg.MaxFailbackDepth),
	)
	if err != nil {
		fatal(logger, "dispatcher error", err)
	}

	pipelineOpts := []engineapp.PipelineOption{
		engineapp.WithGlobalActionConfig(rules.ActionConfig(global.ActionConfig)),
		engineapp.WithHistoryTimeout(cfg.HistoryTimeout),
		engineapp.WithPipelineLogger(logger),
	}
	var metricRepo *telemetrypostgres.MetricRepository
	if db != nil {
		metricRepo = telemetrypostgres.NewMetricRepository(db)
		pipelineOpts = append(pipelineOpts, engineapp.WithHistory(metricRepo))
	}
	pipeline, err := engineapp.NewPipeline(store, status, dispatcher, pipelineOpts...)
	if err != nil {
		fatal(logger, "pipeline error", err)
	}

	reloader, err := engineapp.NewReloader(loader, ruleRegistry, holder, boardRegistry, logger)
	if err != nil {
		fatal(logger, "reloader error", err)
	}
	statusReporter, err := engineif.NewStatusReporter(bus, cfg.StatusSubject)
	if err != nil {
		fatal(logger, "status reporter error", err)
	}
	scheduler, err := engineapp.NewScheduler(engineapp.NewQueue(cfg.QueueMaxLen), holder, pipeline, status,
		engineapp.WithBoards(boardRegistry),
		engineapp.WithStatusPublisher(statusReporter),
		engineapp.WithReload(reloader.Reload),
		engineapp.WithActionStatusStore(store),
		engineapp.WithPollWait(cfg.PollWait),
		engineapp.WithSchedulerLogger(logger),
	)
	if err != nil {
		fatal(logger, "scheduler error", err)
	}

	intakeOpts := []engineif.IntakeOption{engineif.WithIntakeLogger(logger)}
	if metricRepo != nil && cfg.RecordTelemetry {
		intakeOpts = append(intakeOpts, engineif.WithRecorder(metricRepo))
	}
	intake, err := engineif.NewIntake(scheduler, scheduler, intakeOpts...)
	if err != nil {
		fatal(logger, "intake error", err)
	}

	go func() {
		if err := scheduler.Run(ctx); err != nil {
			logger.Error("scheduler stopped", "error", err)
		}
	}()
	if err := intake.Bind(bus, cfg.SensorSubject, cfg.ControlSubject); err != nil {
		fatal(logger, "bus subscribe error", err)
	}
	go handleSignals(ctx, scheduler, logger)

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, nil)
	var authMiddleware *auth.Middleware
	if cfg.JWTSecret != "" {
		authMiddleware = auth.NewMiddleware([]byte(cfg.JWTSecret), policy)
	} else {
		logger.Warn("AUTH_JWT_SECRET not set, api is unauthenticated")
	}

	mux := http.NewServeMux()
	mux.Handle("/api/v1/status", apihttp.NewStatusHandler(scheduler))
	mux.Handle("/api/v1/reload", apihttp.NewReloadHandler(scheduler))
	mux.Handle("/api/v1/rules", apihttp.NewRulesHandler(holder))
	mux.Handle("/api/v1/boards", apihttp.NewBoardsHandler(boardRegistry))
	metricsHandler := apihttp.NewMetricsHandler(nil)
	if metricRepo != nil {
		metricsHandler = apihttp.NewMetricsHandler(metricRepo)
	}
	mux.Handle("/api/v1/metrics", metricsHandler)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if natsBus != nil && !natsBus.Healthy() {
			http.Error(w, "bus disconnected", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(mux), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("meact started",
		"dir", cfg.Dir,
		"http_addr", cfg.HTTPAddr,
		"bus", cfg.Bus,
		"sensor_types", len(ruleSet.SensorTypes()),
		"rules", ruleSet.RuleCount(),
		"actions", actionRegistry.Names(),
		"history", metricRepo != nil,
		"fire_log", cfg.FireLog,
	)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal(logger, "http server error", err)
	}
	logger.Info("meact stopped")
}

type config struct {
	Dir              string
	LogLevel         string
	HTTPAddr         string
	DatabaseURL      string
	Bus              string
	NATSURL          string
	SensorSubject    string
	ControlSubject   string
	StatusSubject    string
	StatusBucket     string
	RedisAddr        string
	FireLog          string
	PollWait         time.Duration
	QueueMaxLen      int
	HistoryTimeout   time.Duration
	MaxFailbackDepth int
	RecordTelemetry  bool
	JWTSecret        string
}

func loadConfig(dir string) config {
	return config{
		Dir:              dir,
		LogLevel:         getenvDefault("LOG_LEVEL", "info"),
		HTTPAddr:         getenvDefault("HTTP_ADDR", ":8080"),
		DatabaseURL:      getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		Bus:              getenvDefault("BUS", "nats"),
		NATSURL:          getenvDefault("NATS_URL", "nats://127.0.0.1:4222"),
		SensorSubject:    getenvDefault("NATS_SENSOR_SUBJECT", "meact.sensors.>"),
		ControlSubject:   getenvDefault("NATS_CONTROL_SUBJECT", "meact.mgmt.executor"),
		StatusSubject:    getenvDefault("NATS_STATUS_SUBJECT", "meact.mgmt.status"),
		StatusBucket:     getenvDefault("NATS_STATUS_BUCKET", "meact_status"),
		RedisAddr:        getenvDefault("REDIS_ADDR", ""),
		FireLog:          getenvDefault("FIRE_LOG", "memory"),
		PollWait:         getenvDuration("QUEUE_POLL_WAIT", engineapp.DefaultPollWait),
		QueueMaxLen:      getenvIntDefault("QUEUE_MAX_LEN", engineapp.DefaultQueueMaxLen),
		HistoryTimeout:   getenvDuration("HISTORY_TIMEOUT", engineapp.DefaultHistoryTimeout),
		MaxFailbackDepth: getenvIntDefault("MAX_FAILBACK_DEPTH", engineapp.DefaultMaxFailbackDepth),
		RecordTelemetry:  getenvBool("RECORD_TELEMETRY", true),
		JWTSecret:        getenvDefault("AUTH_JWT_SECRET", ""),
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}

func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := telemetrypostgres.EnsureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func buildFireLog(ctx context.Context, cfg config, db *sql.DB) (engine.FireLog, error) {
	switch cfg.FireLog {
	case "", "memory":
		return nil, nil
	case "postgres":
		if db == nil {
			return nil, errors.New("FIRE_LOG=postgres requires DATABASE_URL")
		}
		return telemetrypostgres.NewFireLogRepository(db), nil
	case "redis":
		if cfg.RedisAddr == "" {
			return nil, errors.New("FIRE_LOG=redis requires REDIS_ADDR")
		}
		client := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		return telemetryredis.NewFireLog(client), nil
	default:
		return nil, fmt.Errorf("unknown FIRE_LOG %q", cfg.FireLog)
	}
}

// buildMailRegistry registers every mail provider that has credentials, from
// action_config.mail with environment fallbacks.
func buildMailRegistry(ctx context.Context, cfg map[string]any, logger *slog.Logger) *mail.Registry {
	registry := mail.NewRegistry(logger)

	if host := settingString(cfg, "smtp_host", "SMTP_HOST"); host != "" {
		port, _ := strconv.Atoi(settingString(cfg, "smtp_port", "SMTP_PORT"))
		registry.Register(mail.NewSMTPProvider(mail.SMTPConfig{
			Host:     host,
			Port:     port,
			Username: settingString(cfg, "smtp_username", "SMTP_USERNAME"),
			Password: settingString(cfg, "smtp_password", "SMTP_PASSWORD"),
		}))
	}
	if key := settingString(cfg, "resend_api_key", "RESEND_API_KEY"); key != "" {
		registry.Register(mail.NewResendProvider(key))
	}
	if region := settingString(cfg, "ses_region", "SES_REGION"); region != "" {
		provider, err := mail.NewSESProvider(ctx, region)
		if err != nil {
			logger.Warn("ses provider disabled", "error", err)
		} else {
			registry.Register(provider)
		}
	}

	if primary := settingString(cfg, "primary", "MAIL_PRIMARY"); primary != "" {
		if err := registry.SetPrimary(primary); err != nil {
			logger.Warn("mail primary not set", "provider", primary, "error", err)
		}
	}
	if fallback := settingString(cfg, "fallback", "MAIL_FALLBACK"); fallback != "" {
		if err := registry.SetFallback(strings.Split(fallback, ",")...); err != nil {
			logger.Warn("mail fallback not set", "providers", fallback, "error", err)
		}
	}
	return registry
}

func settingString(cfg map[string]any, key, env string) string {
	if v, ok := cfg[key]; ok && v != nil {
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return os.Getenv(env)
}

// registerActionSpecs adds exec actions declared in global.yaml and applies
// timeout overrides to the rest.
func registerActionSpecs(reg *actions.Registry, specs map[string]file.ActionSpec, logger *slog.Logger) {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := specs[name]
		timeout := time.Duration(spec.Timeout)
		if spec.Command != "" || spec.Type == "exec" {
			if err := reg.Register(name, actions.NewExec(spec.Command, spec.Args, logger), timeout); err != nil {
				logger.Warn("exec action skipped", "action", name, "error", err)
			}
			continue
		}
		if err := reg.SetTimeout(name, timeout); err != nil {
			logger.Warn("action timeout ignored", "action", name, "error", err)
		}
	}
}

func handleSignals(ctx context.Context, scheduler *engineapp.Scheduler, logger *slog.Logger) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(signals)

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-signals:
			switch sig {
			case syscall.SIGHUP:
				reloadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
				if _, err := scheduler.Control(reloadCtx, engineapp.ControlMessage{Action: engineapp.ControlReload}); err != nil {
					logger.Error("reload failed, previous rules kept", "error", err)
				}
				cancel()
			case syscall.SIGUSR1:
				scheduler.DumpState()
			}
		}
	}
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Info("http request", "method", r.Method, "path", r.URL.Path, "status", resp.status, "duration", time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
