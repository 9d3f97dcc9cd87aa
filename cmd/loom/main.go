package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/loomci/core/log"
	"github.com/loomci/core/loom"
)

func main() {
	cmd := &cli.Command{
		Name:  "loom",
		Usage: "CI workflow orchestration engine",
		Commands: []*cli.Command{
			loom.Command(),
		},
	}

	ctx := context.Background()
	logger := log.New("loom")
	ctx = log.IntoContext(ctx, logger)

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error(err.Error())
		os.Exit(-1)
	}
}
