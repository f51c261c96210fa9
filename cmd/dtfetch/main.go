package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dreymor/dtfetch/internal/account"
	"github.com/dreymor/dtfetch/internal/api"
	"github.com/dreymor/dtfetch/internal/auth"
	"github.com/dreymor/dtfetch/internal/config"
	"github.com/dreymor/dtfetch/internal/events"
	"github.com/dreymor/dtfetch/internal/server"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.ParseFlags(os.Args[1:]); err != nil {
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(cfg.LogSink, level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("dtfetch starting", "version", version)

	storage, err := openStorage(cfg)
	if err != nil {
		slog.Error("storage init failed", "error", err)
		os.Exit(1)
	}
	defer storage.Close()

	client, err := api.NewClient(api.Config{
		GameURL:  cfg.GameAPIURL,
		AuthURL:  cfg.AuthAPIURL,
		ProxyURL: cfg.FetchProxy,
		Timeout:  cfg.RequestTimeout,
	})
	if err != nil {
		slog.Error("upstream client init failed", "error", err)
		os.Exit(1)
	}

	accounts := account.NewCache()
	bus := events.NewBus(200)
	mgr := auth.NewManager(storage, accounts, client, bus)
	handle := mgr.Handle()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := mgr.Run(ctx); err != nil {
			slog.Error("auth manager failed", "error", err)
		}
	}()

	if cfg.AuthFile != "" {
		if err := loadAuthFile(handle, cfg.AuthFile); err != nil {
			slog.Error("failed to load auth file", "path", cfg.AuthFile, "error", err)
			os.Exit(1)
		}
	}

	srv := server.New(cfg, handle, accounts, client, bus, logHandler)
	if err := srv.Run(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func openStorage(cfg *config.Config) (auth.Storage, error) {
	if cfg.StorageDir == "" {
		slog.Info("using volatile credential storage")
		return auth.NewMemoryStorage(), nil
	}
	var sealer *auth.Sealer
	if cfg.EncryptionKey != "" {
		var err error
		if sealer, err = auth.NewSealer(cfg.EncryptionKey); err != nil {
			return nil, err
		}
		slog.Info("at-rest credential encryption enabled")
	}
	slog.Info("using durable credential storage", "dir", cfg.StorageDir)
	return auth.OpenSQLite(cfg.StorageDir, sealer)
}

// loadAuthFile queues a credential from a JSON file at startup. A
// credential already in storage is skipped by the manager, so restarting
// with the same file is harmless.
func loadAuthFile(handle *auth.Handle, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var cred api.Auth
	if err := json.Unmarshal(data, &cred); err != nil {
		return err
	}
	return handle.AddAuth(&cred)
}
