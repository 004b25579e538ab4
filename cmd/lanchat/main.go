package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lanchat-dev/lanchat/internal/backup"
	"github.com/lanchat-dev/lanchat/internal/chat"
	"github.com/lanchat-dev/lanchat/internal/config"
	"github.com/lanchat-dev/lanchat/internal/database"
	"github.com/lanchat-dev/lanchat/internal/i18n"
	"github.com/lanchat-dev/lanchat/internal/logging"
	"github.com/lanchat-dev/lanchat/internal/scheduler"
	"github.com/lanchat-dev/lanchat/internal/secure"
	"github.com/lanchat-dev/lanchat/internal/server"
	"github.com/lanchat-dev/lanchat/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	secureDelete := flag.Bool("secure-delete", false, "overwrite backup archives before deletion")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logging.Setup(cfg.Log.Level, cfg.Log.Format)

	for _, dir := range []string{cfg.Data.UploadsDir(), cfg.Data.BackupsDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("failed to create %s: %v", dir, err)
		}
	}

	secret, err := config.EnsureSecret(cfg.Data.SecretPath())
	if err != nil {
		log.Fatalf("failed to prepare backup secret: %v", err)
	}

	db, err := database.Open(cfg.Data.DBPath())
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	tr := i18n.NewCatalog(nil)
	messageStore := store.NewMessageStore(db)
	hub := chat.NewHub(messageStore, cfg.Backup.Command, tr, logger.With("component", "chat"))

	var eraser backup.Eraser
	if *secureDelete {
		eraser = secure.NewEraser(logger.With("component", "secure"))
	}

	backupSvc := backup.NewService(backup.Options{
		BackupsDir:          cfg.Data.BackupsDir(),
		UploadsDir:          cfg.Data.UploadsDir(),
		Secret:              secret,
		ProgressStepPercent: cfg.Backup.ProgressStepPercent,
		CleanupTimeout:      cfg.Backup.CleanupTimeout(),
		MaxAge:              cfg.Backup.MaxAge(),
		ExcludedRooms:       cfg.Backup.ExcludedRooms,
		PublicURL:           cfg.Backup.PublicURL,
		ForcePublicURL:      cfg.Backup.ForcePublicURL,
	}, hub, eraser, tr, logger.With("component", "backup"))
	hub.SetBackup(backupSvc)

	// Re-track backups a previous process left behind, then keep the
	// sweep running as the max-age backstop.
	backupSvc.Restore()

	sched := scheduler.New(logger.With("component", "scheduler"))
	if err := sched.Add(cfg.Backup.SweepInterval, "backup-sweep", backupSvc.Sweep); err != nil {
		log.Fatalf("failed to schedule sweep: %v", err)
	}
	sched.Start()

	srv := server.New(hub, backupSvc, cfg.Data.BackupsDir(), logger)

	httpServer := &http.Server{
		Addr:        ":" + cfg.Server.Port,
		Handler:     srv.Router(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		logger.Info("lanchat listening", "port", cfg.Server.Port, "backup_command", cfg.Backup.Command)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown", "error", err)
	}

	sched.Stop()
	backupSvc.Shutdown()
}
