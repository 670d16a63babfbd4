// Copyright (C) 2026 Datavision
// See LICENSE for copying information.

// des-router fronts the retriever fleet with hash-byte routing.
package main

import (
	"github.com/spf13/cobra"
	"github.com/zeebo/errs"

	"github.com/datavision-io/des/internal/process"
	"github.com/datavision-io/des/router"
)

// Config is the full configuration of the router process.
type Config struct {
	Router router.Config
}

var (
	rootCmd = &cobra.Command{
		Use:   "des-router",
		Short: "routes file requests across retrievers",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "run the router",
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

	peer, err := router.New(log.Named("router"), config.Router)
	if err != nil {
		return err
	}
	runErr := peer.Run(ctx)
	return errs.Combine(runErr, peer.Close())
}
