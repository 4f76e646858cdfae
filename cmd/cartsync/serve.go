package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/cartsync/internal/api"
	"github.com/hyperengineering/cartsync/internal/broadcast"
	"github.com/hyperengineering/cartsync/internal/cartstate"
	"github.com/hyperengineering/cartsync/internal/config"
	"github.com/hyperengineering/cartsync/internal/snapshot"
	"github.com/hyperengineering/cartsync/internal/store"
	"github.com/hyperengineering/cartsync/internal/types"
	"github.com/hyperengineering/cartsync/internal/worker"
)

// backupName is the object prefix for uploaded backups.
const backupName = "cartsync"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the cart authority server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

// rulesFromConfig converts the configured cart rules.
func rulesFromConfig(c config.CartConfig) cartstate.Rules {
	return cartstate.Rules{
		MaxQuantityPerLine:    c.MaxQuantityPerLine,
		FreeShippingThreshold: types.Money(c.FreeShippingThreshold),
		ShippingFee:           types.Money(c.ShippingFee),
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("configuration loaded")

	logger := newLogger(os.Stdout, cfg.Log)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Log.Level, "format", cfg.Log.Format)

	db, err := store.Open(ctx, store.Options{
		Dialect: store.Dialect(cfg.Database.Driver),
		Path:    cfg.Database.Path,
		DSN:     cfg.Database.DSN,
		Rules:   rulesFromConfig(cfg.Cart),
		CartTTL: time.Duration(cfg.Cart.TTL),
	})
	if err != nil {
		return err
	}
	slog.Info("store initialized", "driver", cfg.Database.Driver, "path", cfg.Database.Path)

	uploader, err := snapshot.NewUploader(cfg.SnapshotStorage)
	if err != nil {
		db.Close()
		return err
	}
	slog.Info("backup storage initialized", "bucket", cfg.SnapshotStorage.Bucket)

	hub := broadcast.NewHub()

	handler := api.NewHandler(db, hub, cfg.Auth.APIKey, Version)
	handler.Database = cfg.Database.Driver
	handler.OriginPatterns = cfg.Server.AllowedOrigins
	handler.Backups = uploader
	handler.BackupName = backupName
	limiter := api.NewCartRateLimiter(cfg.RateLimit.MutationsPerSecond, cfg.RateLimit.Burst)
	router := api.NewRouter(handler, limiter)
	slog.Info("router initialized")

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	var wg sync.WaitGroup
	if cfg.Cart.TTL > 0 {
		expiry := worker.NewCartExpiryWorker(db, hub, time.Duration(cfg.Worker.ExpiryInterval))
		startWorker(ctx, &wg, "cart-expiry", expiry.Run)
	}
	compaction := worker.NewCompactionWorker(db,
		time.Duration(cfg.Worker.CompactionInterval),
		time.Duration(cfg.Worker.EventRetention),
		time.Duration(cfg.Worker.IdempotencyRetention))
	startWorker(ctx, &wg, "compaction", compaction.Run)
	if cfg.Worker.BackupInterval > 0 {
		backup := worker.NewBackupWorker(db, uploader,
			time.Duration(cfg.Worker.BackupInterval), cfg.Worker.BackupPath, backupName)
		startWorker(ctx, &wg, "backup", backup.Run)
	}

	go func() {
		slog.Info("server starting", "address", addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// Broadcast streams are hijacked connections that Shutdown does not
	// wait for; closing the hub ends them.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	wg.Wait()

	if err := db.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
