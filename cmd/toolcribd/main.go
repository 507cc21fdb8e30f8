package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/toolcrib-dev/toolcrib/internal/config"
	"github.com/toolcrib-dev/toolcrib/internal/daemon"
	"github.com/toolcrib-dev/toolcrib/internal/db"
	"github.com/toolcrib-dev/toolcrib/internal/detect"
	"github.com/toolcrib-dev/toolcrib/internal/model"
	"github.com/toolcrib-dev/toolcrib/internal/notify"
	"github.com/toolcrib-dev/toolcrib/internal/outbox"
	"github.com/toolcrib-dev/toolcrib/internal/session"
	"github.com/toolcrib-dev/toolcrib/internal/telegram"
)

func main() {
	cfg := config.FromEnv(config.DefaultConfig())
	flag.StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "controller API listen address")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path")
	flag.StringVar(&cfg.PhotoDir, "photo-dir", cfg.PhotoDir, "directory for downloaded audit photos")
	flag.StringVar(&cfg.MasterUID, "master-uid", cfg.MasterUID, "credential uid that opens the admin menu")
	flag.DurationVar(&cfg.CheckinGrace, "checkin-grace", cfg.CheckinGrace, "grace period for the initial audit photo")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}
	if err := seedBaselines(ctx, store, cfg); err != nil {
		fatal(err)
	}

	bot := telegram.NewClient(cfg)
	var messenger session.Messenger
	if bot.Enabled() {
		messenger = bot
	}
	var mailer session.Mailer
	if m := notify.NewSMTPMailer(cfg); m.Enabled() {
		mailer = m
	}

	orch := session.New(cfg, store, outbox.New(), messenger, mailer)
	srv := daemon.NewServer(cfg, store, orch)
	poller := telegram.NewPoller(bot, orch, detect.NewHTTPAnalyzer(cfg.DetectorURL), cfg.PhotoDir)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orch.Run(ctx) })
	g.Go(func() error { return srv.Start(ctx) })
	g.Go(func() error { return poller.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

// seedBaselines creates the tray inventory rows on first start. Existing rows
// are left alone: baselines evolve through returned-item updates only.
func seedBaselines(ctx context.Context, store *db.Store, cfg config.Config) error {
	if err := store.SeedTray(ctx, model.Tray1, cfg.BaselineTray1); err != nil {
		return err
	}
	return store.SeedTray(ctx, model.Tray2, cfg.BaselineTray2)
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "toolcribd: %v\n", err)
	os.Exit(1)
}
