// Command locsync runs the friend-location sync client with a headless map
// and a console for local commands.
//
// Usage:
//
//	locsync [run]          sync against the configured backend
//	locsync demo           sync against simulated friends in memory
//	locsync setupdb        migrate the configured database
//	locsync token <user>   print a dev access token signed with auth.secret
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"golang.org/x/sync/errgroup"

	"github.com/pinmap/locsync/internal/auth"
	"github.com/pinmap/locsync/internal/config"
	"github.com/pinmap/locsync/internal/database"
	"github.com/pinmap/locsync/internal/feed"
	"github.com/pinmap/locsync/internal/influx"
	"github.com/pinmap/locsync/internal/logging"
	"github.com/pinmap/locsync/internal/monitor"
	"github.com/pinmap/locsync/internal/orchestrator"
	intOtel "github.com/pinmap/locsync/internal/otel"
	"github.com/pinmap/locsync/internal/photos"
	"github.com/pinmap/locsync/internal/realtime"
	"github.com/pinmap/locsync/internal/render"
	"github.com/pinmap/locsync/internal/storage"
	"github.com/pinmap/locsync/internal/storage/memory"
	"github.com/pinmap/locsync/internal/sweeper"
	"github.com/pinmap/locsync/internal/uploader"
	"github.com/pinmap/locsync/internal/viewer"
)

// BuildDate can be set at build time via ldflags
var (
	CurrentVersion = "0.0.1"
	BuildDate      = "unknown"
	AppName        = "locsync"
)

var (
	SessionStartTime = time.Now()

	SlogManager  *logging.SlogManager
	Logger       *slog.Logger
	ZLogger      zerolog.Logger
	OTelProvider *intOtel.Provider
	LogFile      *os.File

	viewerContext = viewer.NewContext()
)

func main() {
	args := os.Args[1:]
	command := "run"
	if len(args) > 0 {
		command = strings.ToLower(args[0])
	}

	if err := setup(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer shutdownLogging()

	var err error
	switch command {
	case "run":
		err = runSync(false)
	case "demo":
		err = runSync(true)
	case "setupdb":
		err = setupDB()
	case "token":
		if len(args) < 2 {
			err = errors.New("usage: locsync token <user id>")
			break
		}
		err = printToken(args[1])
	default:
		err = fmt.Errorf("unknown command %q", command)
	}
	if err != nil {
		Logger.Error("Exiting with error", "command", command, "error", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the config and builds the loggers.
func setup() error {
	SlogManager = logging.NewSlogManager()
	SlogManager.Setup(nil, "info", nil)
	Logger = SlogManager.Logger()

	if err := config.Load("."); err != nil {
		Logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		Logger.Info("Loaded config")
	}

	logsDir := config.GetString("logsDir")
	var err error
	LogFile, err = logging.OpenLogFile(logsDir, AppName, SessionStartTime)
	if err != nil {
		Logger.Error("Failed to create/open log file!", "error", err)
	}
	var fileOut io.Writer = os.Stdout
	if LogFile != nil {
		fileOut = LogFile
	}
	ZLogger = zerolog.New(fileOut).With().Timestamp().Str("app", AppName).Logger()

	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		OTelProvider, err = intOtel.New(intOtel.FromConfig(otelCfg, fileOut))
		if err != nil {
			Logger.Error("Failed to initialize OTel provider", "error", err)
		} else {
			Logger.Info("OTel provider initialized", "endpoint", otelCfg.Endpoint)
		}
	}

	opts := []logging.Option{logging.WithContext(viewerContext.LogAttrs)}
	if config.GetBool("graylog.enabled") {
		sink, err := logging.NewGELFSink(config.GetString("graylog.address"), AppName)
		if err != nil {
			Logger.Error("Failed to connect to Graylog", "error", err)
		} else {
			opts = append(opts, logging.WithGELF(sink))
		}
	}

	var otelLogProvider *sdklog.LoggerProvider
	if OTelProvider != nil {
		otelLogProvider = OTelProvider.LoggerProvider()
	}
	var file io.Writer
	if LogFile != nil {
		file = LogFile
	}
	SlogManager.Setup(file, config.GetString("logLevel"), otelLogProvider, opts...)
	Logger = SlogManager.Logger()
	slog.SetDefault(Logger)
	Logger.Info("Starting up", "version", CurrentVersion, "build", BuildDate)
	return nil
}

func shutdownLogging() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := SlogManager.Flush(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "flush logs:", err)
	}
	if OTelProvider != nil {
		if err := OTelProvider.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "shutdown otel:", err)
		}
	}
	if LogFile != nil {
		LogFile.Close()
	}
}

func newSession() auth.Session {
	token := config.GetString("auth.token")
	if secret := config.GetString("auth.secret"); secret != "" && token != "" {
		return auth.NewJWTSession(token, secret)
	}
	return auth.StaticSession(config.GetString("auth.userId"))
}

// runSync wires the feed, uploader, photos and orchestrator and runs them
// until interrupted.
func runSync(demo bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	syncCfg := config.GetSyncConfig()
	storageCfg := config.GetStorageConfig()
	feedCfg := config.GetFeedConfig()

	var (
		session    auth.Session
		store      storage.Store
		subscriber feed.Subscriber
		sim        *simulation
	)
	if demo {
		mem := memory.New()
		sim = newSimulation(mem, "me")
		sim.seed(ctx)
		session, store, subscriber = auth.StaticSession("me"), mem, sim
	} else {
		session = newSession()
		token := config.GetString("auth.token")
		var err error
		store, err = createStore(ctx, storageCfg, token)
		if err != nil {
			return err
		}
		url := feedCfg.URL
		if url == "" {
			url = httpToWS(storageCfg.REST.ServerURL) + "/realtime"
		}
		subscriber = realtime.New(realtime.Config{
			URL:        url,
			Token:      token,
			APIKey:     storageCfg.REST.APIKey,
			MaxBackoff: feedCfg.MaxBackoff,
			Logger:     Logger,
		})
	}
	defer store.Close()

	// optional sync statistics
	var (
		sweepStats   sweeper.StatsSink
		refreshStats orchestrator.StatsSink
	)
	influxManager := influx.NewManager(ZLogger, config.GetInfluxConfig())
	switch err := influxManager.Connect(ctx); {
	case err == nil:
		sweepStats, refreshStats = influxManager, influxManager
		defer influxManager.Close()
	case !errors.Is(err, influx.ErrDisabled):
		Logger.Warn("Sync statistics disabled", "error", err)
	}

	sw, err := sweeper.New(sweeper.Dependencies{Interval: syncCfg.SweepInterval, Logger: Logger, Stats: sweepStats})
	if err != nil {
		return err
	}
	up, err := uploader.New(uploader.Dependencies{Store: store, Interval: syncCfg.UploadInterval, Logger: Logger})
	if err != nil {
		return err
	}
	photosCfg := config.GetPhotosConfig()
	fetcher, err := photos.New(photos.Config{
		CloudName: photosCfg.CloudName,
		CacheSize: photosCfg.CacheSize,
		Timeout:   photosCfg.Timeout,
	}, Logger)
	if err != nil {
		return err
	}

	src := feed.New(feed.Dependencies{
		Store:          store,
		Session:        session,
		Subscriber:     subscriber,
		Logger:         Logger,
		DispatchLogger: logging.NewDispatcherLogger(ZLogger.With().Str("component", "dispatcher").Logger()),
		MaxBackoff:     feedCfg.MaxBackoff,
	})
	surface := render.NewHeadless(Logger)
	o, err := orchestrator.New(orchestrator.Dependencies{
		Source:          src,
		Renderer:        surface,
		Photos:          fetcher,
		Uploader:        up,
		Stats:           refreshStats,
		Sweeper:         sw,
		Health:          monitor.NewHealth(syncCfg.ConnectivityThreshold),
		Viewer:          viewerContext,
		Logger:          Logger,
		RefreshInterval: syncCfg.RefreshInterval,
		SignalBuffer:    syncCfg.SignalBuffer,
	})
	if err != nil {
		return err
	}

	status := monitor.NewService(monitor.Dependencies{
		Path:   filepath.Join(config.GetString("logsDir"), "status.json"),
		Status: o.Status,
		Logger: Logger,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.Run(gctx) })
	g.Go(func() error { return status.Run(gctx) })
	g.Go(func() error {
		printSignals(o)
		return nil
	})
	if sim != nil {
		g.Go(func() error { return sim.Move(gctx) })
	}
	console := &console{o: o, surface: surface, in: os.Stdin, out: os.Stdout}
	g.Go(func() error {
		err := console.Run(gctx)
		// quitting the console ends the session
		stop()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	Logger.Info("Shut down", "liveMarkers", surface.Live())
	return nil
}

func printSignals(o *orchestrator.Orchestrator) {
	for s := range o.Signals() {
		if s.PeerID != "" {
			fmt.Printf("[%s] %s at %s\n", s.Kind, s.PeerID, s.Position)
			continue
		}
		fmt.Printf("[%s]\n", s.Kind)
	}
}

func setupDB() error {
	storageCfg := config.GetStorageConfig()
	if storageCfg.Type != "postgres" && storageCfg.Type != "sqlite" {
		return fmt.Errorf("storage type %q has no schema to set up", storageCfg.Type)
	}
	dbManager := database.NewManager(ZLogger)
	if err := dbManager.Connect(storageCfg.Type, storageCfg.SQLite.Path); err != nil {
		return err
	}
	defer dbManager.Close()
	if err := dbManager.Setup(); err != nil {
		return err
	}
	Logger.Info("DB setup complete.")
	return nil
}

func printToken(userID string) error {
	secret := config.GetString("auth.secret")
	if secret == "" {
		return errors.New("auth.secret is not set")
	}
	token, err := auth.IssueToken(secret, userID, 24*time.Hour)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
