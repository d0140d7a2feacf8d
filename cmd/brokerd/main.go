package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gregtusar/brokerd/api"
	"github.com/gregtusar/brokerd/internal/config"
	"github.com/gregtusar/brokerd/internal/logging"
	"github.com/gregtusar/brokerd/pkg/engine"
	"github.com/gregtusar/brokerd/pkg/instruments"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "brokerd",
		Short: "Multi-account broker streaming and order gateway",
		Long:  `Streams market data for a configured instrument set across a pool of broker connections and executes orders with idempotency, rate limiting and circuit breaking`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv()
		},
		RunE: runServer,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and resolve the configured symbols",
		RunE:  runCheck,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// loadEnv reads the dotenv file if present. Variables already set win.
func loadEnv() error {
	if envFile == "" {
		return nil
	}
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(envFile); err != nil {
		return fmt.Errorf("failed to load %s: %w", envFile, err)
	}
	return nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	eng, err := engine.New(cfg, engine.Deps{Registerer: registry}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to build engine")
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		logger.WithError(err).Error("Failed to start engine")
		return err
	}

	cfg.Watch(logger, func(next *config.Config) {
		eng.SetSymbols(next.Subscriptions.Symbols)
	})

	apiServer := api.NewServer(eng, registry, logger, fmt.Sprintf("%d", cfg.Server.Port))
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Error("API server failed")
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("brokerd is running. Press Ctrl+C to stop.")

	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig.String()).Info("Received shutdown signal")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server shutdown incomplete")
	}
	eng.Stop()
	cancel()

	logger.Info("brokerd stopped")
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	list, err := instruments.LoadFile(cfg.Broker.InstrumentsFile)
	if err != nil {
		return err
	}
	reg := instruments.NewRegistry(list...)
	found, missing := reg.Resolve(cfg.Subscriptions.Symbols)

	capacity := 0
	for _, a := range cfg.AccountModels() {
		capacity += a.Capacity(cfg.Pool.InstrumentsPerConnection)
	}

	logrus.WithFields(logrus.Fields{
		"accounts":    len(cfg.Accounts),
		"instruments": reg.Len(),
		"resolved":    len(found),
		"missing":     missing,
		"capacity":    capacity,
	}).Info("Configuration OK")
	if len(found) > capacity {
		return fmt.Errorf("%d instruments requested but accounts can stream only %d", len(found), capacity)
	}
	return nil
}
