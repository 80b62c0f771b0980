package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/tgifai/nudge/internal/pkg/logs"
)

func main() {
	cmd := &cli.Command{
		Name:  "nudge",
		Usage: "Personal reminders and check-ins over the chat apps you already use",
		Commands: []*cli.Command{
			serveHwd.cmd(),
			jobsHwd.cmd(),
			flowsHwd.cmd(),
			msgHwd.cmd(),
			initHwd.cmd(),
			versionHwd.cmd(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		logs.Error("Command execution failed: %v", err)
		os.Exit(1)
	}
}

// configFlag is shared by every command that reads the config file.
func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to the config file",
	}
}
