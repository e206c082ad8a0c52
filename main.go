package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/auroraphtgrp01/go-dump-postgres/internal/api"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/auth"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/config"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/discovery"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/dumper"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/encryption"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/gc"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/gdrive"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/logger"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/model"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/notify"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/scheduler"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/store"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/uploader"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/webhook"
	"github.com/auroraphtgrp01/go-dump-postgres/internal/writer"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// EnvConfigFile points at a YAML config file. When unset the default
// locations are searched.
const EnvConfigFile = "BACKUP_CONFIG_FILE"

func seedProfile(ctx context.Context, st *store.Store, seed config.SeedConfig) {
	if !seed.Enabled() {
		return
	}
	p := &model.Profile{
		Name:            seed.Name,
		DBUser:          seed.DBUser,
		DBPassword:      seed.DBPassword,
		ContainerName:   seed.ContainerName,
		DBName:          seed.DBName,
		FolderDrive:     seed.FolderDrive,
		CronSchedule:    seed.CronSchedule,
		BackupRetention: store.DefaultRetentionDays,
	}
	created, err := st.SeedProfile(ctx, p)
	if err != nil {
		logger.Log.Error("Failed to seed profile from environment", zap.Error(err))
		return
	}
	if created {
		logger.Log.Info("Seeded initial profile from environment",
			zap.Int64("profileId", p.ID),
			zap.String("container", p.ContainerName),
			zap.String("database", p.DBName),
		)
	}
}

func buildNotifier(cfg config.NotifyConfig) (notify.Multi, func()) {
	webhookSender := webhook.NewSender(cfg)
	notifiers := notify.Multi{webhookSender}
	stops := []func(){webhookSender.Stop}

	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err := notify.NewTelegram(cfg.TelegramToken, cfg.TelegramChatID)
		if err != nil {
			logger.Log.Error("Telegram notifications disabled", zap.Error(err))
		} else {
			notifiers = append(notifiers, tg)
			stops = append(stops, tg.Stop)
		}
	}

	return notifiers, func() {
		for _, stop := range stops {
			stop()
		}
	}
}

func main() {
	defer logger.Close()

	cfg, err := config.Load(os.Getenv(EnvConfigFile))
	if err != nil {
		logger.Log.Fatal("Configuration validation failed", zap.Error(err))
	}
	if err := logger.Configure(logger.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	}); err != nil {
		logger.Log.Fatal("Failed to configure logger", zap.Error(err))
	}
	logger.Log.Info("Postgres backup service starting...")

	loc, err := cfg.Location()
	if err != nil {
		logger.Log.Fatal("Invalid scheduler timezone", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.Open(ctx, cfg.Database)
	if err != nil {
		logger.Log.Fatal("Failed to open metadata store", zap.Error(err))
	}
	defer st.Close()
	seedProfile(ctx, st, cfg.Seed)

	dockerClient, err := dumper.NewDockerClient(ctx, cfg.Docker.Host)
	if err != nil {
		logger.Log.Fatal("Failed to initialize docker client", zap.Error(err))
	}
	defer dockerClient.Close()

	driveManager := gdrive.NewManager(cfg.Drive, func(ctx context.Context) (string, string) {
		p, err := st.ActiveProfile(ctx)
		if err != nil {
			return "", ""
		}
		return p.GoogleClientID, p.GoogleClientSecret
	})

	remote, err := writer.GetWriter(cfg.Upload.Target, writer.Dependencies{Config: cfg, Drive: driveManager})
	if err != nil {
		logger.Log.Fatal("Failed to initialize upload target", zap.String("target", cfg.Upload.Target), zap.Error(err))
	}

	encryptor, err := encryption.NewGPGEncryptor(cfg.Backup.GPGPublicKey)
	if err != nil {
		logger.Log.Fatal("Failed to initialize encryption", zap.Error(err))
	}

	localWriter, err := writer.NewLocalWriter(cfg.Backup.Dir)
	if err != nil {
		logger.Log.Fatal("Failed to initialize backup directory", zap.String("dir", cfg.Backup.Dir), zap.Error(err))
	}

	notifier, stopNotifier := buildNotifier(cfg.Notify)

	dumps := dumper.NewExecutor(st, dumper.NewPostgresDumper(dockerClient, cfg.Backup.DataOnly), dumper.Options{
		BaseDir:        localWriter.BasePath(),
		Timeout:        cfg.Backup.DumpTimeout,
		MinFreePercent: cfg.Backup.MinFreePercent,
		Encryptor:      encryptor,
		Notifier:       notifier,
	})
	uploads := uploader.NewExecutor(st, remote, uploader.Options{
		Timeout:     cfg.Upload.Timeout,
		Concurrency: cfg.Upload.Concurrency,
		Notifier:    notifier,
	})

	sched := scheduler.New(st, dumps, uploads, scheduler.Options{
		Location:          loc,
		ReconcileInterval: cfg.Scheduler.ReconcileInterval,
	})
	if err := sched.Start(ctx); err != nil {
		logger.Log.Fatal("Failed to start scheduler", zap.Error(err))
	}

	sweeper := gc.NewSweeper(st, localWriter, gc.Options{
		DryRun:         cfg.Retention.DryRun,
		KeepUnuploaded: cfg.Retention.KeepUnuploaded,
	})
	gcCron := cron.New(cron.WithLocation(loc), cron.WithLogger(logger.NewCronZapLogger(logger.Log.Named("gc-cron"))))
	_, err = gcCron.AddFunc(cfg.Retention.Cron, func() {
		gcCtx, gcCancel := context.WithTimeout(context.Background(), cfg.Retention.Timeout)
		defer gcCancel()
		res := sweeper.Sweep(gcCtx)
		if err := res.Err(); err != nil {
			logger.Log.Error("Retention sweep finished with errors", zap.Int("deleted", res.Deleted), zap.Error(err))
		}
	})
	if err != nil {
		logger.Log.Fatal("Failed to schedule retention sweep", zap.Error(err))
	}
	gcCron.Start()
	logger.Log.Info("Retention sweep scheduled", zap.String("cron", cfg.Retention.Cron))
	defer func() {
		logger.Log.Info("Stopping GC cron scheduler...")
		<-gcCron.Stop().Done()
		logger.Log.Info("GC cron scheduler stopped.")
	}()

	authenticator, err := auth.New(cfg.Auth)
	if err != nil {
		logger.Log.Fatal("Failed to initialize authentication", zap.Error(err))
	}

	server := api.New(api.Deps{
		Store:      st,
		Dumps:      dumps,
		Uploads:    uploads,
		Scheduler:  sched,
		Drive:      driveManager,
		Sweeper:    sweeper,
		Containers: discovery.NewLister(dockerClient),
		Files:      localWriter,
		Auth:       authenticator,
		DockerPing: func(ctx context.Context) error {
			_, err := dockerClient.Ping(ctx)
			return err
		},
		BackupDir:      localWriter.BasePath(),
		MinFreePercent: cfg.Backup.MinFreePercent,
		CORSOrigins:    cfg.Server.CORSOrigins,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start(cfg.Server.Addr, cfg.Server.ReadTimeout)
	}()

	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error("HTTP server shutdown failed", zap.Error(err))
		} else {
			logger.Log.Info("HTTP server shutdown completed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

Loop:
	for {
		select {
		case err := <-serverErr:
			if err != nil {
				logger.Log.Error("HTTP server failed", zap.Error(err))
			}
			break Loop

		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				logger.Log.Info("Received SIGHUP, reloading schedules from the store...")
				if err := sched.Load(ctx); err != nil {
					logger.Log.Error("Schedule reload failed", zap.Error(err))
				}
			case syscall.SIGINT, syscall.SIGTERM:
				logger.Log.Info("Shutdown signal received, stopping service...")
				break Loop
			}
		}
	}

	logger.Log.Info("Cleaning up components...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Scheduler.StopTimeout)
	defer stopCancel()
	if err := sched.Stop(stopCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Log.Error("Scheduler stop failed", zap.Error(err))
	} else if err != nil {
		logger.Log.Warn("Scheduler stop timed out, abandoning running backups", zap.Error(err))
	}
	stopNotifier()
	cancel()
	logger.Log.Info("Postgres backup service stopped.")
}
