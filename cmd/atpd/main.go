package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/atlasframe/atpd/internal/breaker"
	"github.com/atlasframe/atpd/internal/config"
	"github.com/atlasframe/atpd/internal/dispatch"
	"github.com/atlasframe/atpd/internal/flow"
	"github.com/atlasframe/atpd/internal/lifecycle"
	"github.com/atlasframe/atpd/internal/logging"
	"github.com/atlasframe/atpd/internal/metrics"
	"github.com/atlasframe/atpd/internal/observe"
	"github.com/atlasframe/atpd/internal/policy"
	"github.com/atlasframe/atpd/internal/ports"
	"github.com/atlasframe/atpd/internal/protocol"
	"github.com/atlasframe/atpd/internal/registry"
	"github.com/atlasframe/atpd/internal/routing"
	"github.com/atlasframe/atpd/internal/scheduler"
	"github.com/atlasframe/atpd/internal/server"
	"github.com/atlasframe/atpd/internal/tracing"
	"github.com/atlasframe/atpd/internal/upstream"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/atpd.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("atpd %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("starting atpd",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("address", cfg.Server.Address),
		zap.Int("adapters", len(cfg.Adapters)),
		zap.Int("tenants", len(cfg.Tenants)),
	)

	if err := run(cfg, *configPath); err != nil {
		logging.Error("atpd failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string) error {
	clock := ports.SystemClock{}
	ids := ports.UUIDGenerator{}
	m := metrics.New()

	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	reg := registry.New(registry.Config{}, clock)
	breakers := breaker.NewTable(cfg.Breaker, clock)
	reg.SetBreakerGate(breakers)

	var backend flow.Backend
	if cfg.Redis.Enabled {
		backend = flow.NewRedisBackend(cfg.Redis, 24*time.Hour)
		logging.Info("flow windows persisted to redis", zap.String("address", cfg.Redis.Address))
	}

	// The window emitter needs the session manager, which the server owns;
	// srv is assigned below, before any session can attach.
	var srv *server.Server
	emit := func(sessionID string, w protocol.Window) {
		if srv == nil {
			return
		}
		if sess, ok := srv.Sessions().Get(sessionID); ok {
			if err := sess.SendWindowUpdate(w); err != nil {
				logging.Debug("window update failed",
					zap.String("session", sessionID), zap.Error(err))
			}
		}
	}
	fc := flow.New(cfg.Flow, clock, m, backend, emit)

	engine := routing.New(cfg.Routing, m, uint64(time.Now().UnixNano()))
	sched := scheduler.New(cfg.Scheduler, clock, m)

	pol, err := policy.New(cfg.Tenants)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	var sink ports.ObservationSink = ports.NopObservationSink{}
	var fileSink *observe.FileSink
	if cfg.Observation.File != "" {
		fileSink = observe.NewFileSink(cfg.Observation.File, cfg.Observation.MaxSizeMB, cfg.Observation.MaxBackups)
		sink = fileSink
	}
	buffer := observe.New(cfg.Observation, m, engine, sink, clock)

	dispatcher := dispatch.New(dispatch.Deps{
		Registry: reg,
		Breakers: breakers,
		Flow:     fc,
		Engine:   engine,
		Tracer:   tracer,
		Metrics:  m,
		Clock:    clock,
		Sink:     buffer,
	})

	for _, ac := range cfg.Adapters {
		a := upstream.NewHTTP(ac, nil)
		if err := reg.Register(a.Caps(), a); err != nil {
			return fmt.Errorf("register adapter %s: %w", ac.ID, err)
		}
		logging.Info("static adapter registered",
			zap.String("adapter", ac.ID), zap.Strings("models", ac.Models))
	}

	app := lifecycle.New(context.Background(), cfg.Shutdown, lifecycle.DrainHooks{
		RefuseAndDrain: func(ctx context.Context) {
			srv.BeginDrain()
			done := make(chan struct{})
			go func() {
				srv.WaitInflight()
				close(done)
			}()
			select {
			case <-done:
			case <-ctx.Done():
			}
		},
		CancelTasks: func(context.Context) {
			sched.Stop()
		},
		FlushAndClose: func(ctx context.Context) {
			dispatcher.Wait()
			buffer.Stop()
			srv.Sessions().CloseAll(nil)
			if fileSink != nil {
				fileSink.Close()
			}
			if err := tracer.Shutdown(ctx); err != nil {
				logging.Warn("tracer shutdown", zap.Error(err))
			}
		},
	})

	srv = server.New(server.Deps{
		Cfg:        cfg,
		Metrics:    m,
		Probes:     app.Probes(),
		Registry:   reg,
		Breakers:   breakers,
		Flow:       fc,
		Engine:     engine,
		Policy:     pol,
		Dispatcher: dispatcher,
		Scheduler:  sched,
		Buffer:     buffer,
		Auth:       newAuth(cfg),
		Secrets:    newSecrets(),
		Clock:      clock,
		IDs:        ids,
	})

	app.Go("http", srv.Run)
	app.Go("sessions", func(ctx context.Context) error {
		srv.Sessions().Run(ctx)
		return nil
	})
	app.Go("flow", func(ctx context.Context) error {
		fc.Run(ctx)
		return nil
	})
	app.Go("scheduler", func(ctx context.Context) error {
		sched.Run(ctx)
		return nil
	})
	app.Go("observations", func(ctx context.Context) error {
		buffer.Run(ctx)
		return nil
	})

	watcher, err := config.NewWatcher(configPath, func(next *config.Config) {
		if err := pol.Reload(next.Tenants); err != nil {
			logging.Error("tenant policy reload rejected", zap.Error(err))
			return
		}
		logging.Info("tenant policy reloaded", zap.Int("tenants", len(next.Tenants)))
	})
	if err != nil {
		logging.Warn("config watcher unavailable", zap.Error(err))
	} else {
		defer watcher.Close()
	}

	app.Probes().SetStarted()
	app.Probes().SetReady()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-sigCtx.Done()
		logging.Info("signal received, draining")
		if cfg.Server.ShutdownHardExit {
			time.AfterFunc(cfg.Shutdown.DrainTimeout+5*time.Second, func() {
				logging.Error("drain deadline exceeded, hard exit")
				os.Exit(1)
			})
		}
		app.Shutdown()
	}()

	return app.Wait()
}

// newAuth builds the handshake authenticator. Identity material is
// "tenant/principal"; tenants present in config inherit their QoS tier,
// unknown tenants land on bronze.
func newAuth(cfg *config.Config) ports.Auth {
	return tenantAuth{cfg: cfg}
}

type tenantAuth struct {
	cfg *config.Config
}

func (a tenantAuth) Authenticate(_ context.Context, material []byte) (ports.Principal, error) {
	id := strings.TrimSpace(string(material))
	if id == "" {
		return ports.Principal{}, fmt.Errorf("empty identity material")
	}
	tenantID, principalID, ok := strings.Cut(id, "/")
	if !ok {
		principalID = tenantID
	}
	qos := protocol.QoSBronze
	if t := a.cfg.TenantByID(tenantID); t != nil && protocol.ValidQoS(t.QoS) {
		qos = t.QoS
	}
	return ports.Principal{ID: principalID, TenantID: tenantID, QoS: qos}, nil
}

// newSecrets derives session keys from ATPD_ROOT_KEY, or a random root when
// unset. A random root invalidates resumption tokens across restarts.
func newSecrets() ports.Secrets {
	if key := os.Getenv("ATPD_ROOT_KEY"); key != "" {
		return ports.StaticSecrets{Root: []byte(key)}
	}
	root := make([]byte, 32)
	if _, err := rand.Read(root); err != nil {
		panic(err)
	}
	logging.Warn("ATPD_ROOT_KEY not set, session resumption will not survive restarts")
	return ports.StaticSecrets{Root: root}
}
