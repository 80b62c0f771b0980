package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/tgifai/nudge/internal/consts"
	"github.com/tgifai/nudge/internal/flow"
)

var flowsHwd = &FlowsRunner{}

type FlowsRunner struct{}

func (r *FlowsRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "flows",
		Usage: "Inspect check-in flows",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List active flows and the last finished flow of each user",
				Flags:  []cli.Flag{configFlag()},
				Action: r.list,
			},
		},
	}
}

func (r *FlowsRunner) list(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store := flow.NewStore(filepath.Join(cfg.Service.DataDir, consts.FlowStoreFile))
	if err := store.Load(); err != nil {
		return fmt.Errorf("load flows: %w", err)
	}

	flows := append(store.ListActive(), store.ListEnded()...)
	if len(flows) == 0 {
		fmt.Println("No flows.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tTYPE\tSTATE\tREASON\tANSWERED\tREMAINING\tSTARTED\tEXPIRES")
	for _, f := range flows {
		reason := f.Reason
		if reason == "" {
			reason = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
			f.UserID, f.FlowType, f.State, reason, len(f.Answers), len(f.Remaining),
			f.StartedAt.Local().Format(time.DateTime), f.ExpiresAt.Local().Format(time.DateTime))
	}
	return w.Flush()
}
