// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// des-retriever serves archived objects out of their containers.
package main

import (
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"

	"github.com/datavision-io/des/internal/process"
	"github.com/datavision-io/des/objectstore"
	"github.com/datavision-io/des/retriever"
)

// Config is the full configuration of the retriever process.
type Config struct {
	S3        objectstore.Config
	Retriever retriever.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "des-retriever",
		Short: "serves archived objects over HTTP",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "run the retriever",
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

	store, err := objectstore.New(log.Named("objectstore"), config.S3)
	if err != nil {
		return err
	}
	indexCache, err := retriever.NewCache(ctx, log.Named("cache"), config.Retriever.Cache)
	if err != nil {
		return err
	}

	peer, err := retriever.New(log.Named("retriever"), store, indexCache, config.Retriever)
	if err != nil {
		return errs.Combine(err, indexCache.Close())
	}
	runErr := peer.Run(ctx)
	return errs.Combine(runErr, peer.Close())
}
