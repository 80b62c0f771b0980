package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/urfave/cli/v3"

	nudgeconsts "github.com/tgifai/nudge/internal/consts"
	"github.com/tgifai/nudge/internal/scheduler"
)

var jobsHwd = &JobsRunner{}

type JobsRunner struct{}

func (r *JobsRunner) cmd() *cli.Command {
	return &cli.Command{
		Name:  "jobs",
		Usage: "Inspect and rebuild scheduled jobs",
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List the persisted job table",
				Flags:  []cli.Flag{configFlag()},
				Action: r.list,
			},
			{
				Name:  "rebuild",
				Usage: "Ask the running service to rebuild one user's schedule, or everyone's",
				Flags: []cli.Flag{
					configFlag(),
					&cli.StringFlag{Name: "user", Aliases: []string{"u"}, Usage: "User id; empty runs the daily rebuild pass"},
				},
				Action: r.rebuild,
			},
		},
	}
}

func (r *JobsRunner) list(_ context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	store := scheduler.NewStore(filepath.Join(cfg.Service.DataDir, nudgeconsts.JobStoreFile))
	if err := store.Load(); err != nil {
		return fmt.Errorf("load jobs: %w", err)
	}
	fmt.Print(scheduler.FormatJobList(store.List(), time.Now()))
	return nil
}

func (r *JobsRunner) rebuild(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	uri := fmt.Sprintf("http://%s/api/v1/jobs/rebuild", cfg.Service.Bind)
	if user := strings.TrimSpace(cmd.String("user")); user != "" {
		uri += "?user=" + user
	}

	var out struct {
		Rebuilt int    `json:"rebuilt"`
		Failed  int    `json:"failed"`
		Error   string `json:"error"`
	}
	if err := callService(ctx, consts.MethodPost, uri, &out); err != nil {
		return err
	}
	if out.Error != "" {
		return fmt.Errorf("rebuild failed: %s", out.Error)
	}
	fmt.Printf("Rebuilt %d user(s), %d failed\n", out.Rebuilt, out.Failed)
	return nil
}

// callService sends a request to the local service API and decodes the JSON
// response into out.
func callService(ctx context.Context, method, uri string, out any) error {
	hc, err := client.NewClient(client.WithDialTimeout(3 * time.Second))
	if err != nil {
		return fmt.Errorf("create http client: %w", err)
	}

	req := protocol.AcquireRequest()
	resp := protocol.AcquireResponse()
	defer protocol.ReleaseRequest(req)
	defer protocol.ReleaseResponse(resp)

	req.SetMethod(method)
	req.SetRequestURI(uri)
	if err := hc.DoTimeout(ctx, req, resp, time.Minute); err != nil {
		return fmt.Errorf("call %s (is \"nudge serve run\" running?): %w", uri, err)
	}
	if err := sonic.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode(), err)
	}
	return nil
}
