package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"splitbot/internal/broker"
	"splitbot/internal/cfg"
	"splitbot/internal/engine"
	"splitbot/internal/journal"
	"splitbot/internal/ledger"
	"splitbot/internal/marketdata"
	"splitbot/internal/metrics"
	"splitbot/internal/notify"
	"splitbot/internal/sentiment"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file, using environment")
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("LOG_PRETTY") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(c.DataPath, 0o755); err != nil {
		log.Fatal().Err(err).Str("path", c.DataPath).Msg("data directory unavailable")
	}

	m := metrics.New()
	startMetricsServer(ctx, c)

	jnl, err := journal.Open(filepath.Join(c.DataPath, "journal.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("journal open failed")
	}
	defer jnl.Close()

	api := broker.NewClient(c.AppKey, c.AppSecret, c.BrokerURL, c.RESTTimeout, c.Orders.MaxRetries)

	var stream *marketdata.QuoteStream
	if c.QuoteWsURL != "" {
		stream = marketdata.NewQuoteStream(c.QuoteWsURL)
		stream.OnReconnect = m.StreamReconnects.Inc
		go func() {
			if err := stream.Run(ctx, c.Instruments); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("quote stream stopped")
			}
		}()
	}
	market := marketdata.NewService(api, stream)

	var sent sentiment.Provider
	if c.SentimentURL != "" {
		sent = sentiment.NewClient(c.SentimentURL, c.RESTTimeout)
	}

	var notifier notify.Notifier = notify.Nop{}
	if c.WebhookURL != "" {
		notifier = notify.NewWebhook(c.WebhookURL)
	}

	eng, err := engine.New(engine.Deps{
		Cfg:       &c,
		API:       api,
		Market:    market,
		Sentiment: sent,
		Notifier:  notifier,
		Store:     ledger.NewStore(filepath.Join(c.DataPath, "ledger.json")),
		Journal:   jnl,
		Metrics:   m,
		Clock:     engine.NewClock(),
	}, filepath.Join(c.DataPath, "emergency.json"))
	if err != nil {
		log.Fatal().Err(err).Msg("engine init failed")
	}

	runCycle := func() {
		if err := eng.RunCycle(ctx); err != nil {
			log.Error().Err(err).Msg("cycle failed")
			m.CycleErrors.Inc()
		}
	}

	if c.CronSpec != "" {
		sched := cron.New()
		if _, err := sched.AddFunc(c.CronSpec, runCycle); err != nil {
			log.Fatal().Err(err).Str("spec", c.CronSpec).Msg("bad cron spec")
		}
		if _, err := sched.AddFunc("0 16 * * 1-5", func() { eng.DailyReport(ctx) }); err != nil {
			log.Fatal().Err(err).Msg("bad report schedule")
		}
		sched.Start()
		defer sched.Stop()
		log.Info().Str("spec", c.CronSpec).Msg("scheduled on cron")
		waitForShutdown(cancel)
		return
	}

	log.Info().Dur("interval", c.CycleInterval).Msg("running on fixed interval")
	ticker := time.NewTicker(c.CycleInterval)
	defer ticker.Stop()
	runCycle()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runCycle()
			}
		}
	}()
	waitForShutdown(cancel)
}

func startMetricsServer(ctx context.Context, c cfg.Settings) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		if err := server.Shutdown(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to shutdown metrics server")
		}
	}()
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
}

func waitForShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("shutdown signal received")
	cancel()
	// Give the in-flight cycle a moment to finish its persistence.
	time.Sleep(2 * time.Second)
}
