package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"shredsocket/internal/client"
	"shredsocket/internal/config"
	"shredsocket/internal/connection"
	"shredsocket/internal/jsonrpc"
	"shredsocket/internal/metrics"
	"shredsocket/internal/subscription"
)

func main() {
	configPath := flag.String("config", "config.json", "path to config file")
	flag.Parse()

	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		// Basic logger for startup errors
		log := zerolog.New(os.Stderr).With().Timestamp().Logger()
		log.Fatal().Err(err).Msg("failed to load config")
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info().
		Str("config", *configPath).
		Str("url", cfg.URL).
		Bool("reconnect", cfg.Reconnect.Enabled).
		Int("attempts", cfg.Reconnect.Attempts).
		Msg("starting shredclient")

	var opts []client.Option
	var metricsSrv *http.Server
	if cfg.IsMetricsEnabled() {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		opts = append(opts, client.WithMetrics(metrics.NewMetricsWithRegistry(registry)))
		metricsSrv = serveMetrics(cfg.Metrics.Listen, registry, logger)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GetHandshakeTimeoutDuration())
	c, err := client.New(ctx, cfg, logger, opts...)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}

	unsubscribe := c.OnConnectionChange(func(status connection.Status) {
		logger.Info().Str("status", string(status)).Msg("connection status")
	})

	if cfg.Watch != nil {
		if err := watch(c, cfg.Watch, logger); err != nil {
			logger.Fatal().Err(err).Msg("failed to start watching")
		}
	}

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	unsubscribe()

	if err := c.Close(); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("error stopping metrics server")
		}
	}
}

// watch opens the managed subscriptions selected by w
func watch(c *client.Client, w *config.WatchConfig, logger zerolog.Logger) error {
	onError := func(err error) {
		logger.Warn().Err(err).Msg("subscription error")
	}

	if w.Shreds {
		_, err := c.WatchShreds(context.Background(), func(data json.RawMessage) {
			var shred jsonrpc.Shred
			if err := json.Unmarshal(data, &shred); err != nil {
				logger.Debug().Err(err).Msg("undecodable shred")
				return
			}
			logger.Info().
				Uint64("block", shred.BlockNumber).
				Uint64("shred", shred.ShredIndex).
				Uint64("timestamp", shred.BlockTimestamp).
				Msg("shred")
		}, onError)
		if err != nil {
			return err
		}
	}

	if w.Logs {
		filter := subscription.Filter{Addresses: w.Addresses}
		for _, topic := range w.Topics {
			filter.Topics = append(filter.Topics, subscription.Topic{topic})
		}
		_, err := c.WatchLogs(context.Background(), filter, func(data json.RawMessage) {
			var log jsonrpc.Log
			if err := json.Unmarshal(data, &log); err != nil {
				logger.Debug().Err(err).Msg("undecodable log")
				return
			}
			logger.Info().
				Str("address", log.Address).
				Str("tx", log.TransactionHash).
				Str("logIndex", log.LogIndex).
				Bool("removed", log.Removed).
				Msg("log")
		}, onError)
		if err != nil {
			return err
		}
	}
	return nil
}

func serveMetrics(listen string, registry *prometheus.Registry, logger zerolog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("listen", listen).Msg("metrics server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()
	return srv
}

// setupLogger configures the zerolog logger
func setupLogger(level string) zerolog.Logger {
	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "info":
		logLevel = zerolog.InfoLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	return zerolog.New(output).With().Timestamp().Logger()
}
