package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/pothabooks/potha/pkg/config"
	"github.com/pothabooks/potha/pkg/connectivity"
	"github.com/pothabooks/potha/pkg/database"
	"github.com/pothabooks/potha/pkg/download"
	"github.com/pothabooks/potha/pkg/interceptor"
	"github.com/pothabooks/potha/pkg/migrations"
	"github.com/pothabooks/potha/pkg/offline"
	"github.com/pothabooks/potha/pkg/remote"
	"github.com/pothabooks/potha/pkg/server"
	"github.com/pothabooks/potha/pkg/syncer"
	"github.com/pothabooks/potha/pkg/version"
	"github.com/robinjoseph08/golib/logger"
	"github.com/robinjoseph08/golib/signals"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	log := logger.New()

	log.Info("starting potha agent", logger.Data{"version": version.Version})

	cfg, err := config.New()
	if err != nil {
		log.Err(err).Fatal("config error")
	}

	if err := initCacheDir(cfg.CacheDir); err != nil {
		log.Err(err).Fatal("cache directory error")
	}
	log.Info("cache directory initialized", logger.Data{"path": cfg.CacheDir})

	db, err := database.New(cfg)
	if err != nil {
		log.Err(err).Fatal("database error")
	}

	group, err := migrations.BringUpToDate(ctx, db)
	if err != nil {
		log.Err(err).Fatal("migrations error")
	}
	if group.ID == 0 {
		log.Info("no new migrations to run")
	} else {
		log.Info("migrated to new group", logger.Data{"group_id": group.ID, "migration_names": group.Migrations.String()})
	}

	store := offline.NewStore(db, offline.Options{
		QuotaBytes:       cfg.StorageQuotaBytes,
		SchemaGeneration: cfg.SchemaGeneration,
	})
	if err := store.Init(ctx); err != nil {
		log.Err(err).Fatal("offline store error")
	}
	if pruned, err := store.PruneSynced(ctx); err != nil {
		log.Err(err).Warn("failed to prune synced progress")
	} else if pruned > 0 {
		log.Info("pruned synced progress", logger.Data{"count": pruned})
	}

	if exp, err := remote.SessionExpiry(cfg.SessionToken); err == nil {
		if remote.SessionExpired(cfg.SessionToken, time.Now()) {
			log.Warn("session token has expired, the platform will refuse downloads and sync until it's renewed", logger.Data{"expired_at": exp})
		} else {
			log.Info("session token loaded", logger.Data{"expires_at": exp})
		}
	}

	client := remote.New(remote.Options{
		BaseURL:      cfg.RemoteBaseURL,
		SessionToken: cfg.SessionToken,
		Timeout:      cfg.RequestTimeout,
		RetryCount:   2,
	})

	conn := connectivity.New(false, connectivity.Options{
		Pinger:        client,
		ProbeInterval: cfg.ConnectivityProbeInterval,
	})
	conn.Probe(ctx)

	downloads := download.NewManager(store, client, download.Options{
		MaxConcurrent:     cfg.DownloadMaxConcurrent,
		RatePerSecond:     cfg.DownloadRatePerSecond,
		CoverMaxDimension: cfg.CoverMaxDimension,
	})

	sync := syncer.NewManager(store, client, conn, syncer.Options{
		Interval:    cfg.SyncInterval,
		PassTimeout: cfg.SyncPassTimeout,
		BackoffBase: cfg.SyncBackoffBase,
		BackoffMax:  cfg.SyncBackoffMax,
		MaxAttempts: cfg.SyncMaxAttempts,
	})
	if err := sync.Init(ctx); err != nil {
		log.Err(err).Fatal("sync manager error")
	}

	storage, err := interceptor.NewStorage(filepath.Join(cfg.CacheDir, "responses"))
	if err != nil {
		log.Err(err).Fatal("response cache error")
	}
	ic, err := interceptor.New(storage, client, conn, interceptor.Options{
		Generation:   cfg.CacheGeneration,
		MaxSizeBytes: cfg.CacheMaxSizeBytes,
	})
	if err != nil {
		log.Err(err).Fatal("interceptor error")
	}

	srv, err := server.New(cfg, server.Services{
		Store:        store,
		Downloads:    downloads,
		Sync:         sync,
		Connectivity: conn,
		Interceptor:  ic,
	})
	if err != nil {
		log.Err(err).Fatal("server error")
	}

	graceful := signals.Setup()

	go func() {
		lc := net.ListenConfig{}
		listener, err := lc.Listen(ctx, "tcp", srv.Addr)
		if err != nil {
			log.Err(err).Fatal("failed to bind port")
		}
		log.Info("server started", logger.Data{"addr": listener.Addr().String()})

		err = srv.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Err(err).Fatal("server stopped")
		}
		log.Info("server stopped")
	}()

	go conn.Run(ctx)
	go ic.Run(ctx)
	conn.Subscribe(ic.HandleConnectivity)
	if err := ic.InstallAndActivate(ctx); err != nil {
		log.Err(err).Warn("interceptor install failed, retrying when the platform is reachable")
	}
	sync.StartAutoSync(ctx)
	log.Info("agent started", logger.Data{"online": conn.IsOnline()})

	<-graceful
	log.Info("starting graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Err(err).Error("server shutdown error")
	}
	log.Info("server shutdown")

	cancel()
	sync.Stop()
	log.Info("sync stopped")
	downloads.Close()
	log.Info("downloads stopped")
	ic.Close()

	if err := db.Close(); err != nil {
		log.Err(err).Error("database close error")
	}
	log.Info("database closed")
}

// initCacheDir creates the cache directory and verifies it's writable.
func initCacheDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(err, "failed to create cache directory: %s", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return errors.Wrapf(err, "cache directory is not writable: %s", dir)
	}
	f.Close()

	if err := os.Remove(testFile); err != nil {
		return errors.Wrapf(err, "failed to clean up write test file: %s", testFile)
	}
	return nil
}
