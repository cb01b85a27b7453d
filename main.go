package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"fundingflow/config"
	"fundingflow/internal/metrics"
	"fundingflow/internal/server"
	"fundingflow/logger"
	"fundingflow/models"
	"fundingflow/processor"
	"fundingflow/reader"
	"fundingflow/reader/binance"
	"fundingflow/reader/bybit"
	"fundingflow/reader/kucoin"
	"fundingflow/reader/okx"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	once := flag.Bool("once", false, "Run a single aggregation, print the report and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Fundingflow.Name,
		"version":     cfg.Fundingflow.Version,
		"environment": env,
	}).Info("starting fundingflow")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics.Init()
	if cfg.Metrics.CloudWatch.Enabled {
		cw := cfg.Metrics.CloudWatch
		logger.InitCloudWatch(ctx, logger.CloudWatchOptions{
			Region:          cw.Region,
			Namespace:       cw.Namespace,
			Dashboard:       cw.Dashboard,
			AccessKeyID:     cw.AccessKeyID,
			SecretAccessKey: cw.SecretAccessKey,
		})
		if logger.CloudWatchEnabled() {
			id := metrics.RegisterMetricHandler(metrics.CloudWatchHandler)
			defer metrics.UnregisterMetricHandler(id)
		}
	}

	var watchlist *config.Watchlist
	if path := cfg.Aggregator.Watchlist; path != "" {
		watchlist, err = config.LoadWatchlist(path)
		if err != nil {
			if config.IsProductionLike(env) {
				log.WithError(err).Error("Failed to load watchlist")
				os.Exit(1)
			}
			log.WithError(err).Warn("watchlist unavailable; aggregating every instrument")
		}
	}

	fetchers := buildFetchers(cfg, watchlist, log)
	if len(fetchers) == 0 {
		log.Error("no exchange source enabled")
		os.Exit(1)
	}
	assembler := processor.NewAssemblerFromConfig(cfg, fetchers)

	if *once {
		report := assembler.Run(ctx)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			log.WithError(err).Error("failed to write report")
			os.Exit(1)
		}
		return
	}

	if cfg.Logging.ReportInterval > 0 {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	srv := server.NewServer(cfg.Server, cfg.Metrics.Prometheus, log)
	scheduler := processor.NewScheduler(assembler, cfg.Aggregator.Schedule, srv.Publish)

	var wg sync.WaitGroup
	if srv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				log.WithError(err).Error("http server stopped")
				cancel()
			}
		}()
	}

	if err := scheduler.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start scheduler")
		os.Exit(1)
	}
	log.WithFields(logger.Fields{
		"sources":  len(fetchers),
		"schedule": cfg.Aggregator.Schedule,
		"address":  srv.Address(),
	}).Info("all components started successfully")

	<-ctx.Done()
	log.Info("starting graceful shutdown")

	done := make(chan struct{})
	go func() {
		scheduler.Stop()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("fundingflow stopped")
}

// buildFetchers wraps every enabled exchange in a source adapter, in
// comparison order.
func buildFetchers(cfg *config.Config, wl *config.Watchlist, log *logger.Log) []processor.Fetcher {
	var out []processor.Fetcher
	for _, ex := range cfg.ExchangeOrder() {
		sc, _ := cfg.Source.For(ex)

		var src reader.Source
		switch ex {
		case models.ExchangeBinance:
			src = binance.NewSource(sc)
		case models.ExchangeBybit:
			src = bybit.NewSource(sc)
		case models.ExchangeOkx:
			src = okx.NewSource(sc)
		case models.ExchangeKucoin:
			src = kucoin.NewSource(sc)
		default:
			log.WithFields(logger.Fields{"exchange": ex}).Warn("no source implementation; skipping")
			continue
		}
		out = append(out, reader.NewAdapter(src, reader.OptionsFromConfig(cfg, ex, wl)))
	}
	return out
}
