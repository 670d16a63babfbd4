// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// des-marker assigns archive names and shard ids to new source catalog
// rows.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/datavision-io/des/internal/process"
	"github.com/datavision-io/des/internal/promexp"
	"github.com/datavision-io/des/marker"
	"github.com/datavision-io/des/metabase"
)

// Config is the full configuration of the marker process.
type Config struct {
	DatabaseURL string `help:"postgres connection string" default:""`
	DebugAddr   string `help:"address of the metrics listener, empty disables it" default:":7778"`

	Marker marker.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "des-marker",
		Short: "assigns archive names and shards to source catalog rows",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "run the marker worker",
		RunE:  cmdRun,
	}

	config Config
)

func init() {
	rootCmd.AddCommand(runCmd)
	process.Bind(runCmd.Flags(), &config)
	runCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		return process.LoadConfig(cmd)
	}
}

func main() {
	process.Exec(rootCmd)
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log, err := process.NewLogger(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, err := metabase.Open(ctx, log.Named("metabase"), config.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	worker, err := marker.New(log.Named("marker"), db, config.Marker)
	if err != nil {
		return err
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := worker.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	if config.DebugAddr != "" {
		listener, err := net.Listen("tcp", config.DebugAddr)
		if err != nil {
			return err
		}
		server := &http.Server{Handler: promexp.Handler()}
		group.Go(func() error {
			<-ctx.Done()
			return server.Close()
		})
		group.Go(func() error {
			log.Info("debug listening", zap.String("address", listener.Addr().String()))
			err := server.Serve(listener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}

	runErr := group.Wait()
	return errs.Combine(runErr, worker.Close())
}
