package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tgifai/nudge/internal/flow"
	"github.com/tgifai/nudge/internal/scheduler"
)

// CommandHandlerFunc processes a matched command and returns a text reply.
// An empty reply means no response should be sent.
type CommandHandlerFunc func(ctx context.Context, svc *Service, in *Inbound) (string, error)

// Command describes a single channel-agnostic command.
type Command struct {
	Name        string // e.g. "/checkin"
	Description string
	Handler     CommandHandlerFunc
}

// CommandRouter matches incoming text against registered command names and
// dispatches the first match.
type CommandRouter struct {
	commands map[string]*Command // key: lowercase command name
	mu       sync.RWMutex
}

func newCommandRouter() *CommandRouter {
	return &CommandRouter{commands: make(map[string]*Command, 8)}
}

func (r *CommandRouter) Register(cmd *Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands[strings.ToLower(cmd.Name)] = cmd
}

// Match checks whether content starts with a known command. Commands are
// matched case-insensitively and may carry a trailing @botname suffix.
func (r *CommandRouter) Match(content string) (*Command, string, bool) {
	content = strings.TrimSpace(content)
	if content == "" || content[0] != '/' {
		return nil, "", false
	}

	fields := strings.SplitN(content, " ", 2)
	raw := strings.ToLower(fields[0])

	// "/checkin@nudgebot" -> "/checkin"
	if idx := strings.Index(raw, "@"); idx > 0 {
		raw = raw[:idx]
	}

	r.mu.RLock()
	cmd, ok := r.commands[raw]
	r.mu.RUnlock()
	if !ok {
		return nil, "", false
	}

	args := ""
	if len(fields) > 1 {
		args = strings.TrimSpace(fields[1])
	}
	return cmd, args, true
}

// List returns registered commands sorted by name.
func (r *CommandRouter) List() []*Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func registerBuiltinCommands(r *CommandRouter) {
	r.Register(&Command{Name: "/start", Description: "Say hello", Handler: cmdStart})
	r.Register(&Command{Name: "/help", Description: "Show available commands", Handler: cmdHelp})
	r.Register(&Command{Name: "/checkin", Description: "Start a check-in now", Handler: cmdCheckIn})
	r.Register(&Command{Name: "/cancel", Description: "Cancel the current check-in", Handler: cmdCancel})
	r.Register(&Command{Name: "/status", Description: "Show your check-in and schedule status", Handler: cmdStatus})
}

func cmdStart(_ context.Context, _ *Service, _ *Inbound) (string, error) {
	return "Hi, I'm nudge. I'll send your reminders and check in with you from time to time. Send /help to see what I can do.", nil
}

func cmdHelp(_ context.Context, svc *Service, _ *Inbound) (string, error) {
	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, cmd := range svc.commands.List() {
		fmt.Fprintf(&b, "  %s - %s\n", cmd.Name, cmd.Description)
	}
	return b.String(), nil
}

func cmdCheckIn(ctx context.Context, svc *Service, in *Inbound) (string, error) {
	reply, err := svc.flows.Start(ctx, in.UserID, in.Msg.ChannelID, in.Msg.ChatID)
	if errors.Is(err, flow.ErrFlowActive) {
		return "You already have a check-in going.\n\n" + reply.Text, nil
	}
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}

func cmdCancel(ctx context.Context, svc *Service, in *Inbound) (string, error) {
	cancelled, err := svc.flows.Cancel(ctx, in.UserID)
	if err != nil {
		return "", err
	}
	if !cancelled {
		return "There is no check-in to cancel.", nil
	}
	return "Check-in cancelled.", nil
}

func cmdStatus(_ context.Context, svc *Service, in *Inbound) (string, error) {
	var b strings.Builder
	if f, ok := svc.flows.Active(in.UserID); ok {
		fmt.Fprintf(&b, "Check-in in progress: %d answered, %d to go.\n", len(f.Answers), len(f.Remaining))
	} else {
		b.WriteString("No check-in in progress.\n")
	}

	n := svc.sched.Store().Count(in.UserID, "")
	if n == 0 {
		b.WriteString("Nothing scheduled.")
		return b.String(), nil
	}
	next := make([]scheduler.Job, 0, n)
	for _, job := range svc.sched.ListJobs() {
		if job.UserID == in.UserID {
			next = append(next, job)
		}
	}
	sort.Slice(next, func(i, j int) bool { return next[i].NextFireAt.Before(next[j].NextFireAt) })
	fmt.Fprintf(&b, "Upcoming (%d):\n", n)
	for _, job := range next {
		fmt.Fprintf(&b, "  %s (%s) at %s\n", job.Category, job.Kind, job.NextFireAt.Format("Mon Jan 2 15:04"))
	}
	return b.String(), nil
}
