package main

import (
	"context"
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"screenrelay/config"
	"screenrelay/internal/auth"
	"screenrelay/internal/devicelock"
	"screenrelay/internal/ingest"
	"screenrelay/internal/metrics"
	"screenrelay/internal/relay"
	"screenrelay/internal/session"
	"screenrelay/internal/snapshot"
	"screenrelay/internal/storage"
	"screenrelay/pkg/logger"
	"screenrelay/wsserver"
)

func main() {
	cfg := config.Load()

	zl, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer zl.Sync()

	zl.Info("starting screen relay",
		zap.String("httpAddr", cfg.HTTPAddr),
		zap.String("rtmpAddr", cfg.RTMPAddr),
		zap.String("storageType", cfg.StorageType))

	var store storage.Storage
	if cfg.StorageType == "gcs" {
		if cfg.GCSBucket == "" {
			zl.Fatal("GCS_BUCKET must be set when STORAGE_TYPE=gcs")
		}
		gcs, err := storage.NewGCSStorage(context.Background(), cfg.GCSBucket, cfg.GCSPrefix, cfg.GCSCredentialsFile)
		if err != nil {
			zl.Fatal("failed to initialize GCS storage", zap.Error(err))
		}
		defer gcs.Close()
		store = gcs
	} else {
		local, err := storage.NewLocalStorage(cfg.StorageDir)
		if err != nil {
			zl.Fatal("failed to initialize local storage", zap.Error(err))
		}
		store = local
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(promReg)

	registry := session.NewRegistry(cfg.GraceWindow, m, zl)
	locks := devicelock.NewRegistry()
	authManager := auth.New(cfg.DefaultTokenExpiration, cfg.MaxTokenExpiration)

	engine := relay.New(registry, locks, m, nil, zl, relay.Config{
		ProbeTimeout:   cfg.ProbeTimeout,
		FallbackFPS:    cfg.FallbackFPS,
		FallbackWidth:  cfg.FallbackWidth,
		FallbackHeight: cfg.FallbackHeight,
	})

	// Release the device lock and relay run when a session idles out.
	registry.OnIdle = func(deviceID string) {
		go func() {
			if err := engine.Stop(context.Background(), deviceID); err != nil {
				zl.Warn("failed to stop idle relay", zap.String("deviceId", deviceID), zap.Error(err))
			}
			locks.Remove(deviceID)
		}()
	}

	snapshots := snapshot.NewService(registry, store, m, zl)

	ingestSrv := ingest.New(cfg.RTMPAddr, registry, authManager, zl)
	go func() {
		if err := ingestSrv.ListenAndServe(); err != nil {
			zl.Fatal("rtmp ingest failed", zap.Error(err))
		}
	}()

	httpSrv := wsserver.New(registry, engine, authManager, snapshots, m, promReg, zl,
		cfg.RTMPIngestAddr, cfg.WSBaseURL, cfg.PingInterval)

	if err := httpSrv.Run(cfg.HTTPAddr); err != nil {
		zl.Fatal("http server failed", zap.Error(err))
	}
}
