package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"outflow/internal/api"
	"outflow/internal/audience"
	"outflow/internal/backoff"
	"outflow/internal/campaign"
	"outflow/internal/config"
	"outflow/internal/events"
	"outflow/internal/gateway"
	"outflow/internal/metrics"
	"outflow/internal/optout"
	"outflow/internal/progress"
	"outflow/internal/queue"
	"outflow/internal/ratelimit"
	"outflow/internal/scheduler"
	"outflow/internal/worker"
)

func main() {
	var (
		cfgPath = flag.String("config", "", "YAML config file")
		envFile = flag.String("env", ".env", "dotenv file, ignored if missing")
		addr    = flag.String("addr", "", "HTTP bind address (overrides config)")
		workers = flag.Int("workers", 0, "number of worker goroutines (overrides config)")
		poll    = flag.Duration("poll", 0, "poll interval for queue (overrides config)")
		debug   = flag.Bool("debug", false, "enable pprof routes")
	)
	flag.Parse()

	cfg, err := config.Load(*cfgPath, *envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if *addr != "" {
		cfg.HTTP.Addr = *addr
	}
	if *workers > 0 {
		cfg.Worker.Count = *workers
	}
	if *poll > 0 {
		cfg.Worker.PollInterval = *poll
	}
	setupLogging(cfg.Log)

	db, err := queue.Open(cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}
	repo := queue.NewSQLRepo(db, cfg.Store.Driver)

	obs := metrics.NewPrometheusObserver()
	reaper := worker.NewReaper(repo, cfg.Worker.StaleAfter, obs)
	if n, err := reaper.Sweep(context.Background()); err == nil {
		log.Info().Int("recovered", n).Msg("recovered stale processing jobs")
	}

	var counter ratelimit.Counter = ratelimit.NewStoreCounter(repo)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("connect redis")
		}
		counter = ratelimit.NewRedisCounter(rdb, cfg.Redis.Prefix)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("daily counters in redis")
	}

	var gw gateway.Gateway = gateway.DryRun{}
	if cfg.Gateway.URL != "" {
		gw = gateway.NewHTTP(cfg.Gateway.URL, cfg.Gateway.Token, cfg.Gateway.Timeout)
	} else {
		log.Warn().Msg("no gateway url configured, messages are logged only")
	}

	pub := events.Multi{events.NewLogPublisher()}
	if cfg.AMQP.URL != "" {
		amqpPub, err := events.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Queue)
		if err != nil {
			log.Fatal().Err(err).Msg("connect amqp")
		}
		defer amqpPub.Close()
		pub = append(pub, amqpPub)
	}

	optouts := optout.NewRegistry(repo)
	agg := progress.NewAggregator(repo)

	// Start worker pool
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := worker.NewPool(worker.Deps{
		Store:    repo,
		Gateway:  gw,
		Limiter:  ratelimit.New(counter, repo, cfg.Limits.DailyCap),
		OptOuts:  optouts,
		Progress: agg,
		Events:   pub,
		Observer: obs,
		Throttle: ratelimit.NewThrottle(cfg.Limits.SendRate, cfg.Limits.SendBurst),
	}, worker.Options{
		Workers:           cfg.Worker.Count,
		TenantID:          cfg.Worker.TenantID,
		Name:              cfg.Worker.Name,
		PollInterval:      cfg.Worker.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		DeferralWindow:    cfg.Worker.DeferralWindow,
		AdmissionRetry:    cfg.Worker.AdmissionRetry,
		BatchSize:         cfg.Worker.BatchSize,
		BatchPause:        cfg.Worker.BatchPause,
		Backoff:           backoff.Policy{Base: cfg.Worker.BackoffBase, Max: cfg.Worker.BackoffMax, Jitter: backoff.DefaultJitter},
	})
	if err := pool.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start worker pool")
	}
	reaper.OnRequeue(pool.Wake)

	svc := campaign.NewService(repo, audience.NewResolver(repo, optouts, cfg.Worker.DefaultRegion), agg, pool)

	sched := scheduler.NewService(repo, svc, reaper, agg, cfg.SchedulerSpecs())
	if err := sched.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start scheduler")
	}

	// HTTP server
	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.NewServer(svc, repo, api.Options{EnableDebug: *debug}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	sched.Stop(ctxTimeout)
	svc.Wait()
	pool.Stop(ctxTimeout)
	cancel()
}

func setupLogging(cfg config.LogConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Format == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}
