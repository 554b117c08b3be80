package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/openqs/vms/admin"
	"github.com/openqs/vms/cfg"
	"github.com/openqs/vms/db"
	"github.com/openqs/vms/engine"
	"github.com/openqs/vms/publisher"
	"github.com/openqs/vms/radio"
	"github.com/openqs/vms/runner"
	"github.com/openqs/vms/task"
	"github.com/openqs/vms/telemetry"
	"github.com/openqs/vms/timeset"

	_ "github.com/openqs/vms/modules/app"
	_ "github.com/openqs/vms/modules/diag"
	_ "github.com/openqs/vms/modules/gft"
	_ "github.com/openqs/vms/publisher/sink"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	setupLogging(*cfg.HandlerChildFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *cfg.HandlerChildFlag {
		os.Exit(runHandlerChild(ctx))
	}
	os.Exit(run(ctx))
}

func setupLogging(child bool) {
	// A handler child's stdout carries the runner protocol
	var out io.Writer = os.Stdout
	if child {
		out = os.Stderr
	}

	var writer io.Writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	if cfg.Config.Logging.Format == "json" {
		writer = out
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("vehicle_id", cfg.Config.VehicleID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}
}

func vehicleID() string {
	return strconv.FormatUint(cfg.Config.VehicleID, 10)
}

func newPublisher() (*publisher.Registry, error) {
	if len(cfg.Config.Events.Sinks) == 0 {
		return nil, nil
	}
	reg, err := publisher.NewRegistry(publisher.RegistryConfig{
		VehicleID:        vehicleID(),
		CompressionLevel: cfg.Config.Events.CompressionLevel,
		SinkConfigs:      cfg.Config.Events.Sinks,
	})
	if err != nil {
		return nil, err
	}
	if err := reg.Start(); err != nil {
		return nil, err
	}
	return reg, nil
}

func openLocal(ctx context.Context, pub *publisher.Registry) (*db.LocalStore, error) {
	var opts []db.LocalOption
	if pub != nil {
		opts = append(opts, db.WithEventSink(pub))
	}
	return db.OpenLocalStore(ctx, cfg.Config.Local, cfg.Config.Paths, opts...)
}

func runHandlerChild(ctx context.Context) int {
	pub, err := newPublisher()
	if err != nil {
		log.Warn().Err(err).Msg("Event publishing unavailable in handler child")
	}
	if pub != nil {
		defer pub.Stop()
	}

	return runner.RunChild(ctx, os.Stdin, os.Stdout, runner.Default, func(ctx context.Context) (*db.LocalStore, error) {
		return openLocal(ctx, pub)
	})
}

func run(ctx context.Context) int {
	log.Info().Msg("Vehicle Management Service starting")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()

	pub, err := newPublisher()
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize event publisher")
		return 1
	}
	if pub != nil {
		defer pub.Stop()
	}

	local, err := openLocal(ctx, pub)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open local store")
		return 1
	}
	defer local.Close()

	session, err := local.EnsureSession(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to establish recording session")
		return 1
	}
	log.Info().Int64("session", session).Msg("Recording session ready")

	collector := telemetry.NewMetricsCollector(15*time.Second,
		telemetry.PoolSampler(local.Conn()),
		telemetry.FreeSpaceSampler(cfg.Config.Paths.TmpDir, cfg.Config.Paths.OutputDir),
	)
	collector.Start()
	defer collector.Stop()

	var ground *db.GroundStore
	if cfg.Config.Ground.Address != "" || cfg.Config.Ground.Path != "" {
		ground = db.NewGroundStore(cfg.Config.Ground, cfg.Config.Paths.TmpDir)
		defer ground.Close()
	} else {
		log.Warn().Msg("No ground store configured, synchronisation disabled")
	}

	duplex, err := radio.OpenDuplex(cfg.Config.Radio)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open duplex modem")
		return 1
	}
	defer duplex.Close()

	simplex, err := radio.OpenSimplex(cfg.Config.Radio)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open simplex transmitter")
		return 1
	}
	defer simplex.Close()

	gate := task.NewGate()
	handlers, err := runner.New(local, gate, cfg.Config.Runner.AllowedModules,
		runner.WithExecutable(executable(), runner.ChildFlag, "-config", *cfg.ConfigPathFlag),
		runner.WithKillGrace(time.Duration(cfg.Config.Runner.KillGraceMS)*time.Millisecond),
	)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize handler runner")
		return 1
	}

	if cfg.Config.Admin.Enabled {
		srv := startAdmin(local, gate, handlers)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	deps := engine.Deps{
		Store:     local,
		Ground:    ground,
		Duplex:    duplex,
		Simplex:   simplex,
		Runner:    handlers,
		Gate:      gate,
		VehicleID: vehicleID(),
		Engine:    cfg.Config.Engine,
		Sync:      cfg.Config.Sync,
		SetClock:  timeset.SetRealtime,
		ClockSet:  new(atomic.Bool),
	}
	for {
		sup, err := engine.New(ctx, deps)
		if err != nil {
			log.Error().Err(err).Msg("Failed to build engine")
			return 1
		}

		err = sup.Run(ctx)
		switch {
		case errors.Is(err, engine.ErrTimingChanged):
			continue
		case ctx.Err() != nil:
			log.Info().Msg("Vehicle Management Service stopped")
			return 0
		default:
			log.Error().Err(err).Msg("Engine failed")
			return 1
		}
	}
}

// executable is the configured handler binary or this process's own
func executable() string {
	if cfg.Config.Runner.Executable != "" {
		return cfg.Config.Runner.Executable
	}
	exe, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return exe
}

func startAdmin(local *db.LocalStore, gate *task.Gate, handlers *runner.Runner) *http.Server {
	mux := http.NewServeMux()
	admin.RegisterRoutes(mux, admin.NewAdminHandlers(local, gate, handlers))

	addr := fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", addr).Msg("Admin server failed")
		}
	}()
	log.Info().Str("address", addr).Msg("Admin server listening")
	return srv
}
