// Package cmd holds helpers shared by the hyperraft command line entry
// points: config parsing, logger setup, and the node run loop.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
	"github.com/spf13/cobra"

	"github.com/hyperraft/hyperraft/node"
	"github.com/hyperraft/hyperraft/pkg/config"
	"github.com/hyperraft/hyperraft/pkg/store"
)

// dbName is the directory name of the node database inside DBPath.
const dbName = "hyperraft"

// ParseConfig is a helper that loads the node configuration and validates it.
func ParseConfig(cmd *cobra.Command) (config.Config, error) {
	nodeConfig, err := config.Load(cmd)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load node config: %w", err)
	}

	if err := nodeConfig.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("failed to validate node config: %w", err)
	}

	return nodeConfig, nil
}

// SetupLogger creates and configures a zerolog logger based on the provided
// configuration.
//
// Configuration options:
//   - Output format (text or JSON)
//   - Log level (debug, info, warn, error)
//   - Stack traces in error logs
func SetupLogger(cfg config.LogConfig) zerolog.Logger {
	var level zerolog.Level
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	var out = zerolog.New(os.Stderr)
	if cfg.Format != "json" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	if cfg.Trace {
		zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	}

	return out.Level(level).With().Timestamp().Logger()
}

// StartNode opens the node database, assembles the full node, and runs it
// until an interrupt arrives or a component fails.
func StartNode(logger zerolog.Logger, cmd *cobra.Command, nodeConfig config.Config) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	database, err := store.NewDefaultKVStore(nodeConfig.RootDir, nodeConfig.DBPath, dbName)
	if err != nil {
		return fmt.Errorf("failed to open node database: %w", err)
	}
	defer func() {
		if err := database.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close node database")
		}
	}()

	fullNode, err := node.NewNode(ctx, nodeConfig, database, logger)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("node panicked: %v", r)
				logger.Error().Any("panic", r).Msg("recovered from panic in node")
				select {
				case errCh <- err:
				default:
					logger.Error().Err(err).Msg("error channel full")
				}
			}
		}()

		err := fullNode.Run(ctx)
		select {
		case errCh <- err:
		default:
			logger.Error().Err(err).Msg("error channel full")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info().Msg("shutting down node...")
		cancel()
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("node error")
		}
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	select {
	case <-time.After(5 * time.Second):
		logger.Info().Msg("node shutdown timed out")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("error during shutdown")
			return err
		}
	}

	return nil
}
