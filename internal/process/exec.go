// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

package process

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Exec runs the root command with an interrupt-aware context and exits
// non-zero on failure.
func Exec(cmd *cobra.Command) {
	cmd.PersistentFlags().String("config", "", "path to a configuration file")
	cmd.PersistentFlags().String("log.level", "info", "log level (debug, info, warn, error)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// Ctx returns the command's execution context.
func Ctx(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// NewLogger builds the process logger from the --log.level flag.
func NewLogger(cmd *cobra.Command) (*zap.Logger, error) {
	levelText, _ := cmd.Flags().GetString("log.level")
	level, err := zapcore.ParseLevel(levelText)
	if err != nil {
		return nil, Error.New("invalid log level %q: %w", levelText, err)
	}
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	log, err := config.Build()
	return log, Error.Wrap(err)
}
