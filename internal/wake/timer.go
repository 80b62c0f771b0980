package wake

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tgifai/nudge/internal/consts"
	"github.com/tgifai/nudge/internal/pkg/fileutil"
	"github.com/tgifai/nudge/internal/pkg/logs"
)

// Key identifies one wake timer. Set is idempotent per key.
type Key struct {
	UserID   string `json:"user_id"`
	Category string `json:"category"`
	Period   string `json:"period"`
}

func (k Key) String() string {
	return k.UserID + "." + k.Category + "." + k.Period
}

// Timer is the scheduler's view of the host wake facility.
type Timer interface {
	Set(ctx context.Context, key Key, at time.Time) error
	Cancel(ctx context.Context, key Key) error
}

type Entry struct {
	Key     Key       `json:"key"`
	FireAt  time.Time `json:"fire_at"`
	Backend string    `json:"backend"`
}

var registryCodec = fileutil.Codec[[]Entry]{Format: "nudge.wake", Version: "1.0.0", Constraint: "^1"}

// Registry remembers which timers are installed so repeated Sets for the
// same key and minute do not touch the OS.
type Registry struct {
	mu      sync.Mutex
	path    string
	backend Backend
	command []string
	entries map[Key]Entry
}

var _ Timer = (*Registry)(nil)

func NewRegistry(dataDir string, backend Backend, command string) *Registry {
	if backend == nil {
		backend = noopBackend{}
	}
	return &Registry{
		path:    filepath.Join(dataDir, consts.WakeStoreFile),
		backend: backend,
		command: strings.Fields(command),
		entries: make(map[Key]Entry),
	}
}

// Load reads the persisted registry. A missing or unreadable file leaves the
// registry empty.
func (r *Registry) Load(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := fileutil.ReadIfExists(r.path)
	if err != nil {
		logs.CtxWarn(ctx, "[wake] read registry: %v", err)
		return
	}
	entries, err := registryCodec.Decode(data)
	if err != nil {
		logs.CtxWarn(ctx, "[wake] decode registry, starting empty: %v", err)
		return
	}
	for _, e := range entries {
		r.entries[e.Key] = e
	}
}

func (r *Registry) Set(ctx context.Context, key Key, at time.Time) error {
	at = at.Truncate(time.Minute)
	unit := unitName(key)

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[key]; ok {
		if old.FireAt.Equal(at) && old.Backend == r.backend.Name() {
			return nil
		}
		if err := r.backend.Remove(ctx, unit, old.FireAt); err != nil {
			logs.CtxDebug(ctx, "[wake] remove stale timer %s: %v", key, err)
		}
		delete(r.entries, key)
	}

	if err := r.backend.Schedule(ctx, unit, at, r.command); err != nil {
		_ = r.saveLocked()
		return fmt.Errorf("schedule wake %s via %s: %w", key, r.backend.Name(), err)
	}
	r.entries[key] = Entry{Key: key, FireAt: at, Backend: r.backend.Name()}
	return r.saveLocked()
}

func (r *Registry) Cancel(ctx context.Context, key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.entries[key]
	if !ok {
		return nil
	}
	delete(r.entries, key)
	if err := r.backend.Remove(ctx, unitName(key), old.FireAt); err != nil {
		logs.CtxDebug(ctx, "[wake] remove timer %s: %v", key, err)
	}
	return r.saveLocked()
}

// Prune drops entries whose fire time has passed.
func (r *Registry) Prune(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for k, e := range r.entries {
		if e.FireAt.Before(now) {
			delete(r.entries, k)
			n++
		}
	}
	if n > 0 {
		_ = r.saveLocked()
	}
	return n
}

func (r *Registry) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.String() < out[j].Key.String() })
	return out
}

func (r *Registry) saveLocked() error {
	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	data, err := registryCodec.Encode(entries)
	if err != nil {
		return fmt.Errorf("encode wake registry: %w", err)
	}
	if err := fileutil.AtomicWrite(r.path, data, 0o644); err != nil {
		return fmt.Errorf("save wake registry: %w", err)
	}
	return nil
}

// Disabled is a Timer that does nothing, used when wake timers are off.
type Disabled struct{}

func (Disabled) Set(context.Context, Key, time.Time) error { return nil }

func (Disabled) Cancel(context.Context, Key) error { return nil }

// DefaultCommand is what the OS timer runs when no wake_command is
// configured: a harmless command, since only the wake itself matters.
func DefaultCommand() string {
	if exe, err := os.Executable(); err == nil {
		return exe + " version"
	}
	return "/bin/true"
}
