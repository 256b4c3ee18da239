package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"ctlflow/internal/ack"
	"ctlflow/internal/api"
	"ctlflow/internal/config"
	"ctlflow/internal/dispatch"
	"ctlflow/internal/idgen"
	"ctlflow/internal/metrics"
	"ctlflow/internal/scheduler"
	"ctlflow/internal/store"
	"ctlflow/internal/transport/emqx"
	"ctlflow/internal/transport/mqtt"
	"ctlflow/internal/transport/natsbus"
	"ctlflow/internal/worker"
)

type transport interface {
	dispatch.Publisher
	Close() error
}

// ackSource is implemented by transports that also carry device replies.
type ackSource interface {
	SubscribeAcks(ctx context.Context, handle func(ctx context.Context, payload []byte) error) error
}

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config (defaults + CTLFLOW_* env when empty)")
		addr       = flag.String("addr", "", "HTTP bind address, overrides api.addr")
		debug      = flag.Bool("debug", false, "expose /debug/pprof")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.API.Addr = *addr
	}
	setupLogging(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, dialect, err := store.Open(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	if err := store.EnsureSchema(db, dialect); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	repoOpts := []store.Option{
		store.WithTaskIDLength(cfg.IDGen.TaskIDLength),
		store.WithIDOptions(idgen.WithMaxRetries(cfg.IDGen.MaxRetries)),
	}
	if cfg.Redis.Addr != "" {
		rdb, err := idgen.DialRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("connect redis")
		}
		defer rdb.Close()
		repoOpts = append(repoOpts, store.WithSharedNamespace(idgen.NewRedisNamespace(rdb)))
		log.Info().Str("addr", cfg.Redis.Addr).Msg("shared id namespace enabled")
	}
	repo := store.NewSQLRepo(db, dialect, repoOpts...)

	counters := metrics.NewCounters()
	var rec metrics.Recorder = counters
	if cfg.InfluxDB.Enabled {
		sink, err := metrics.DialInflux(ctx, metrics.InfluxConfig{
			URL:           cfg.InfluxDB.URL,
			Token:         cfg.InfluxDB.Token,
			Org:           cfg.InfluxDB.Org,
			Bucket:        cfg.InfluxDB.Bucket,
			BatchSize:     cfg.InfluxDB.BatchSize,
			FlushInterval: cfg.InfluxDB.FlushInterval,
		})
		if err != nil {
			log.Warn().Err(err).Msg("influxdb unavailable, metrics stay in-process")
		} else {
			defer sink.Close()
			rec = metrics.Multi{counters, sink}
		}
	}

	tr, err := openTransport(cfg.Transport)
	if err != nil {
		log.Fatal().Err(err).Str("kind", cfg.Transport.Kind).Msg("open transport")
	}
	defer tr.Close()

	disp := dispatch.NewDispatcher(repo, tr, rec)
	pool := worker.NewPool(cfg.Dispatch.Concurrency)
	coord := dispatch.NewCoordinator(repo, repo, disp, pool, rec)
	svc := dispatch.NewService(repo, repo, disp, coord)
	reconciler := ack.NewReconciler(repo, coord, rec)

	if src, ok := tr.(ackSource); ok {
		if err := src.SubscribeAcks(ctx, reconciler.HandleMessage); err != nil {
			log.Fatal().Err(err).Msg("subscribe acks")
		}
	} else {
		log.Info().Msg("transport has no ack stream, acks arrive on POST /api/acks")
	}

	sweeper := ack.NewSweeper(repo, coord, rec, cfg.Ack.Deadline, cfg.Ack.SweepInterval,
		ack.WithPendingDeadline(cfg.Ack.PendingDeadline),
	)
	go sweeper.Start(ctx)

	sched := scheduler.NewService(repo, svc, cfg.Scheduler.Tick,
		scheduler.WithLocation(cfg.Location()),
		scheduler.WithRecorder(rec),
	)
	go sched.Start(ctx)

	if cfg.Retention.MaxAge > 0 {
		janitor := store.NewJanitor(repo, cfg.Retention.MaxAge, cfg.Retention.Interval)
		go janitor.Start(ctx)
	}

	srv := &http.Server{
		Addr: cfg.API.Addr,
		Handler: api.NewServer(api.Deps{
			Submissions: svc,
			Timers:      sched,
			Acks:        reconciler,
			Repo:        repo,
			Metrics:     counters,
			Health:      db.PingContext,
			Debug:       *debug,
		}),
		ReadTimeout:  cfg.API.ReadTimeout,
		WriteTimeout: cfg.API.WriteTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.API.Addr).Str("transport", cfg.Transport.Kind).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	// Let in-flight fan-outs settle their children before the transport and
	// database close.
	pool.Wait()
}

func openTransport(cfg config.TransportConfig) (transport, error) {
	switch cfg.Kind {
	case config.TransportMQTT:
		return mqtt.Connect(cfg.MQTT)
	case config.TransportNATS:
		return natsbus.Connect(cfg.NATS)
	case config.TransportEMQX:
		return emqx.New(cfg.EMQX), nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Kind)
}

func setupLogging(cfg config.LoggingConfig) {
	zerolog.TimeFieldFormat = time.RFC3339
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if strings.EqualFold(cfg.Format, "console") {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}
}
