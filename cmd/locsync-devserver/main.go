// Command locsync-devserver runs a local backend for the location sync
// client: REST tables and a realtime change feed over SQLite.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/pinmap/locsync/internal/database"
	"github.com/pinmap/locsync/internal/devserver"
	"github.com/pinmap/locsync/internal/logging"
	gormstorage "github.com/pinmap/locsync/internal/storage/gorm"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := devserver.LoadConfig()
	if err != nil {
		return err
	}

	slogManager := logging.NewSlogManager()
	slogManager.Setup(nil, cfg.LogLevel, nil)
	logger := slogManager.Logger()
	gin.SetMode(gin.ReleaseMode)

	dbManager := database.NewManager(zerolog.New(os.Stdout).With().Timestamp().Logger())
	if err := dbManager.Connect("sqlite", cfg.DBPath); err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer dbManager.Close()
	if err := dbManager.Setup(); err != nil {
		return err
	}

	store := gormstorage.New(gormstorage.Dependencies{DB: dbManager.DB, Logger: logger})
	srv, err := devserver.New(devserver.Dependencies{Store: store, Config: cfg, Logger: logger})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	users, err := srv.Seed(ctx, cfg.Seed)
	if err != nil {
		return err
	}
	for _, u := range users {
		logger.Info("Seeded user", "name", u.DisplayName, "id", u.ID)
		fmt.Printf("%s\t%s\t%s\n", u.DisplayName, u.ID, u.Token)
	}

	return srv.Run(ctx)
}
