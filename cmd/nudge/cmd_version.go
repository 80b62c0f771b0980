package main

import (
	"context"
	"fmt"
	"runtime"

	"github.com/urfave/cli/v3"

	"github.com/tgifai/nudge"
)

var versionHwd = &VersionRunner{}

type VersionRunner struct{}

func (r *VersionRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Print the nudge version",
		Action: r.run,
	}
}

func (r *VersionRunner) run(_ context.Context, _ *cli.Command) error {
	fmt.Printf("nudge %s (%s/%s, %s)\n", nudge.VERSION, runtime.GOOS, runtime.GOARCH, runtime.Version())
	return nil
}
