// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// des-packer drains the source catalog into daily per-shard containers.
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

	"github.com/datavision-io/des/healthcheck"
	"github.com/datavision-io/des/internal/process"
	"github.com/datavision-io/des/metabase"
	"github.com/datavision-io/des/objectstore"
	"github.com/datavision-io/des/packer"
	"github.com/datavision-io/des/recovery"
)

// Config is the full configuration of the packer process.
type Config struct {
	DatabaseURL string `help:"postgres connection string" default:""`
	DebugAddr   string `help:"address of the health and metrics listener, empty disables it" default:":7777"`

	S3       objectstore.Config
	Packer   packer.Config
	Recovery recovery.Config
	Health   healthcheck.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "des-packer",
		Short: "packs source objects into daily shard containers",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "run the packer with its recovery sweeps",
		RunE:  cmdRun,
	}
	setupCmd = &cobra.Command{
		Use:   "setup",
		Short: "create the metadata schema",
		RunE:  cmdSetup,
	}
	recoverCmd = &cobra.Command{
		Use:   "recover",
		Short: "run the recovery sweeps once and exit",
		RunE:  cmdRecover,
	}

	config Config
)

func init() {
	rootCmd.AddCommand(runCmd, setupCmd, recoverCmd)
	for _, cmd := range []*cobra.Command{runCmd, setupCmd, recoverCmd} {
		process.Bind(cmd.Flags(), &config)
		cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
			return process.LoadConfig(cmd)
		}
	}
}

func main() {
	process.Exec(rootCmd)
}

func openDependencies(ctx context.Context, log *zap.Logger) (*metabase.DB, objectstore.Store, error) {
	db, err := metabase.Open(ctx, log.Named("metabase"), config.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	store, err := objectstore.New(log.Named("objectstore"), config.S3)
	if err != nil {
		return nil, nil, errs.Combine(err, db.Close())
	}
	return db, store, nil
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log, err := process.NewLogger(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	db, store, err := openDependencies(ctx, log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	provider := packer.NewCatalogProvider(db, store)
	pack, err := packer.New(log.Named("packer"), db, store, provider, config.Packer)
	if err != nil {
		return err
	}
	manager := recovery.New(log.Named("recovery"), db, store, config.Recovery)
	checker := healthcheck.New(log.Named("health"), db, store, config.Health)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ignoreCanceled(pack.Run(ctx))
	})
	group.Go(func() error {
		return ignoreCanceled(manager.Run(ctx))
	})
	if config.DebugAddr != "" {
		listener, err := net.Listen("tcp", config.DebugAddr)
		if err != nil {
			return err
		}
		server := &http.Server{Handler: checker.Handler()}
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
	return errs.Combine(runErr, pack.Close(), manager.Close())
}

func cmdSetup(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log, err := process.NewLogger(cmd)
	if err != nil {
		return err
	}
	db, err := metabase.Open(ctx, log.Named("metabase"), config.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	if err := db.MigrateToLatest(ctx); err != nil {
		return err
	}
	log.Info("schema ready")
	return nil
}

func cmdRecover(cmd *cobra.Command, args []string) (err error) {
	ctx := process.Ctx(cmd)
	log, err := process.NewLogger(cmd)
	if err != nil {
		return err
	}
	db, store, err := openDependencies(ctx, log)
	if err != nil {
		return err
	}
	defer func() { err = errs.Combine(err, db.Close()) }()

	manager := recovery.New(log.Named("recovery"), db, store, config.Recovery)
	return manager.RunOnce(ctx)
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
