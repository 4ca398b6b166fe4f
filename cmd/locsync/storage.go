package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pinmap/locsync/internal/api"
	"github.com/pinmap/locsync/internal/config"
	"github.com/pinmap/locsync/internal/database"
	"github.com/pinmap/locsync/internal/storage"
	gormstorage "github.com/pinmap/locsync/internal/storage/gorm"
	"github.com/pinmap/locsync/internal/storage/memory"
	reststorage "github.com/pinmap/locsync/internal/storage/rest"
)

// createStore opens the relational store selected by storage.type. token is
// the bearer sent to the hosted API.
func createStore(ctx context.Context, storageCfg config.StorageConfig, token string) (storage.Store, error) {
	switch storageCfg.Type {
	case "postgres", "sqlite":
		dbManager := database.NewManager(ZLogger)
		if err := dbManager.Connect(storageCfg.Type, storageCfg.SQLite.Path); err != nil {
			return nil, fmt.Errorf("failed to connect database: %w", err)
		}
		if err := dbManager.Setup(); err != nil {
			dbManager.Close()
			return nil, err
		}
		Logger.Info("GORM storage backend initialized", "type", storageCfg.Type, "local", dbManager.IsLocal)
		return gormstorage.New(gormstorage.Dependencies{
			DB:      dbManager.DB,
			Logger:  Logger,
			CloseDB: dbManager.Close,
		}), nil

	case "rest":
		client := api.New(storageCfg.REST.ServerURL, storageCfg.REST.APIKey)
		client.SetAccessToken(token)
		hcCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Healthcheck(hcCtx); err != nil {
			Logger.Warn("API server not reachable, snapshots will retry", "url", client.BaseURL(), "error", err)
		}
		Logger.Info("REST storage backend initialized", "url", client.BaseURL())
		return reststorage.New(client), nil

	default:
		Logger.Info("Memory storage backend initialized")
		return memory.New(), nil
	}
}

// httpToWS converts an HTTP(S) URL to a WebSocket URL.
func httpToWS(httpURL string) string {
	s := strings.TrimRight(httpURL, "/")
	s = strings.Replace(s, "https://", "wss://", 1)
	s = strings.Replace(s, "http://", "ws://", 1)
	return s
}
