package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"schedcal/internal/config"
	"schedcal/internal/ics"
	"schedcal/internal/jobs"
	appLog "schedcal/internal/log"
	"schedcal/internal/recurrence"
	"schedcal/internal/store"
	"schedcal/internal/web"
)

var version = "0.1.0-dev"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		if conf == nil {
			os.Exit(1)
		}
	}
	conf.ApplyEnv()
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))

	appLog.Info("schedcal starting",
		"version", version,
		"listen", conf.Listen,
		"database", conf.Database,
		"timezone", conf.Timezone,
		"feeds", len(conf.Feeds),
		"once", flags.once,
	)

	if _, err := recurrence.ResolveLocation(conf.Timezone); err != nil {
		appLog.Warn("configured timezone unknown; new events default to UTC", err)
		conf.Timezone = "UTC"
	}

	if dir := filepath.Dir(conf.Database); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			appLog.Error("failed to create database directory", err, "dir", dir)
			os.Exit(1)
		}
	}
	repo, err := store.OpenSQLite(conf.Database)
	if err != nil {
		appLog.Error("failed to open database", err, "database", conf.Database)
		os.Exit(1)
	}
	defer repo.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := jobs.NewRunner(jobs.Options{
		Store:         repo,
		Fetcher:       ics.NewFetcher(conf.ICSCacheDir, nil),
		Feeds:         feedSources(conf.Feeds),
		ReminderBatch: conf.Jobs.ReminderBatch,
		Retention:     time.Duration(conf.Jobs.RetentionDays) * 24 * time.Hour,
	})

	if flags.once {
		if err := runner.RunAll(ctx); err != nil {
			appLog.Error("one-shot run finished with errors", err)
			os.Exit(1)
		}
		appLog.Info("one-shot run finished")
		return
	}

	sched, err := jobs.NewScheduler(ctx, runner, conf.Jobs)
	if err != nil {
		appLog.Error("failed to schedule jobs", err)
		os.Exit(1)
	}
	sched.Start()

	srv := web.NewServer(conf, repo, recurrence.NewExpander(conf.UpcomingLimit, conf.ScanBudget))
	serveErr := srv.ListenAndServe(ctx)
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		appLog.Error("HTTP server stopped", serveErr)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := sched.Stop(stopCtx); err != nil {
		appLog.Warn("jobs still running at shutdown", err)
	}
	appLog.Info("schedcal exiting")
}

func feedSources(feeds []config.FeedConfig) []ics.Source {
	out := make([]ics.Source, 0, len(feeds))
	for _, f := range feeds {
		if f.URL == "" {
			continue
		}
		out = append(out, ics.Source{ID: f.ID, URL: f.URL, OwnerID: f.OwnerID, Timezone: f.Timezone})
	}
	return out
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/schedcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run every background job once and exit")

	flag.Parse()

	return cfg
}
