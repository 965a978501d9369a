package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"rentcal/internal/capture"
	"rentcal/internal/config"
	"rentcal/internal/feed"
	appLog "rentcal/internal/log"
	"rentcal/internal/sheets"
	"rentcal/internal/statusstore"
	"rentcal/internal/store"
	"rentcal/internal/web"
)

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
	captureHAR bool
}

func main() {
	appLog.Info("rentcal starting", "version", "1.0.0")

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	loc, err := time.LoadLocation(conf.Timezone)
	if err != nil {
		appLog.Error("invalid timezone; falling back to local", err, "timezone", conf.Timezone)
		loc = time.Local
	}

	year := conf.Sheets.Year
	if year == 0 {
		year = time.Now().In(loc).Year()
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"refresh", conf.RefreshCron,
		"year", year,
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	// One-shot HAR capture mode: record the dashboard session and exit.
	if flags.captureHAR {
		if conf.Capture.URL == "" {
			appLog.Error("capture requested but capture.url is not configured", errors.New("missing capture.url"))
			os.Exit(1)
		}
		err := capture.CaptureHAR(ctx, capture.Options{
			URL:        conf.Capture.URL,
			OutputPath: conf.HARPath,
			Timeout:    time.Duration(conf.Capture.TimeoutSec) * time.Second,
		})
		if err != nil {
			appLog.Error("capture failed", err)
			os.Exit(1)
		}
		return
	}

	canonical, err := sheets.New(ctx, conf.Sheets.CredentialsFile, conf.Sheets.SpreadsheetID)
	if err != nil {
		appLog.Error("failed to init canonical sheet store", err)
		os.Exit(1)
	}

	fetcher := feed.NewFetcher(0, 0)
	snapStore := store.New()
	status := statusstore.New(conf.StatusPath)

	server := web.NewServer(conf, loc, fetcher, snapStore, canonical, status, year)

	// Warm the store before the first request lands.
	server.RunFetchCycle(ctx)

	if flags.once {
		snap := snapStore.Current()
		appLog.Info("single cycle done", "reservations", len(snap.Intervals), "unavailable", len(snap.Unavailable))
		return
	}

	// Background refresh keeps the snapshot warm; manual /api/reload
	// stays available regardless.
	if conf.RefreshCron != "" {
		c := cron.New()
		if _, err := c.AddFunc(conf.RefreshCron, func() { server.RunFetchCycle(ctx) }); err != nil {
			appLog.Error("invalid refresh cron spec", err, "spec", conf.RefreshCron)
			os.Exit(1)
		}
		c.Start()
		defer c.Stop()
	}

	httpServer := &http.Server{
		Addr:    conf.Listen,
		Handler: server.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			appLog.Error("http shutdown failed", err)
		}
	}()

	appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		appLog.Error("http server failed", err)
		os.Exit(1)
	}

	appLog.Info("rentcal exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/rentcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Run one fetch cycle and exit")
	flag.BoolVar(&cfg.captureHAR, "capture", false, "Capture the dashboard session to a HAR document and exit")

	flag.Parse()

	return cfg
}
