package wake

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strings"
	"time"
)

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Backend is one host scheduling facility able to wake the machine.
type Backend interface {
	Name() string
	Schedule(ctx context.Context, unit string, at time.Time, command []string) error
	Remove(ctx context.Context, unit string, at time.Time) error
}

// DetectBackend picks the facility for the running OS.
func DetectBackend(run Runner) Backend {
	switch runtime.GOOS {
	case "linux":
		return &systemdBackend{run: run}
	case "darwin":
		return &pmsetBackend{run: run}
	case "windows":
		return &schtasksBackend{run: run}
	default:
		return noopBackend{}
	}
}

var unitSanitizer = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

func unitName(key Key) string {
	return "nudge-" + unitSanitizer.ReplaceAllString(key.String(), "_")
}

// systemdBackend uses transient user timers with WakeSystem=true.
type systemdBackend struct {
	run Runner
}

func (b *systemdBackend) Name() string { return "systemd" }

func (b *systemdBackend) Schedule(ctx context.Context, unit string, at time.Time, command []string) error {
	args := []string{
		"--user",
		"--unit=" + unit,
		"--on-calendar=" + at.Local().Format("2006-01-02 15:04:05"),
		"--timer-property=WakeSystem=true",
		"--timer-property=AccuracySec=1s",
	}
	args = append(args, command...)
	_, err := b.run(ctx, "systemd-run", args...)
	return err
}

func (b *systemdBackend) Remove(ctx context.Context, unit string, _ time.Time) error {
	_, err := b.run(ctx, "systemctl", "--user", "stop", unit+".timer")
	return err
}

// pmsetBackend schedules a one-off power-on event. pmset has no command
// hook; the in-process job fires once the host is awake.
type pmsetBackend struct {
	run Runner
}

func (b *pmsetBackend) Name() string { return "pmset" }

const pmsetLayout = "01/02/2006 15:04:05"

func (b *pmsetBackend) Schedule(ctx context.Context, _ string, at time.Time, _ []string) error {
	_, err := b.run(ctx, "pmset", "schedule", "wake", at.Local().Format(pmsetLayout))
	return err
}

func (b *pmsetBackend) Remove(ctx context.Context, _ string, at time.Time) error {
	_, err := b.run(ctx, "pmset", "schedule", "cancel", "wake", at.Local().Format(pmsetLayout))
	return err
}

// schtasksBackend creates a one-shot scheduled task.
type schtasksBackend struct {
	run Runner
}

func (b *schtasksBackend) Name() string { return "schtasks" }

func (b *schtasksBackend) Schedule(ctx context.Context, unit string, at time.Time, command []string) error {
	local := at.Local()
	_, err := b.run(ctx, "schtasks",
		"/Create", "/F",
		"/TN", `nudge\`+unit,
		"/SC", "ONCE",
		"/SD", local.Format("01/02/2006"),
		"/ST", local.Format("15:04"),
		"/TR", strings.Join(command, " "),
	)
	return err
}

func (b *schtasksBackend) Remove(ctx context.Context, unit string, _ time.Time) error {
	_, err := b.run(ctx, "schtasks", "/Delete", "/F", "/TN", `nudge\`+unit)
	return err
}

type noopBackend struct{}

func (noopBackend) Name() string { return "noop" }

func (noopBackend) Schedule(context.Context, string, time.Time, []string) error { return nil }

func (noopBackend) Remove(context.Context, string, time.Time) error { return nil }
