package wake

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	fail  bool
}

func (r *recorder) run(_ context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	if r.fail {
		return nil, errors.New("boom")
	}
	return nil, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func TestRegistrySetIsIdempotent(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry(t.TempDir(), &systemdBackend{run: rec.run}, "/bin/true")
	ctx := context.Background()
	key := Key{UserID: "alice", Category: "wellness", Period: "morning"}
	at := time.Date(2026, 3, 2, 8, 15, 30, 0, time.UTC)

	require.NoError(t, reg.Set(ctx, key, at))
	require.NoError(t, reg.Set(ctx, key, at.Add(10*time.Second)))
	assert.Equal(t, 1, rec.count())
	assert.Contains(t, rec.calls[0], "--unit=nudge-alice.wellness.morning")
	assert.Contains(t, rec.calls[0], "WakeSystem=true")

	require.NoError(t, reg.Set(ctx, key, at.Add(time.Hour)))
	assert.Equal(t, 3, rec.count(), "stale timer removed, new one scheduled")
	assert.True(t, strings.HasPrefix(rec.calls[1], "systemctl --user stop"))
	require.Len(t, reg.Entries(), 1)
}

func TestRegistryPersistsAcrossLoads(t *testing.T) {
	dir := t.TempDir()
	rec := &recorder{}
	ctx := context.Background()
	key := Key{UserID: "alice", Category: "checkin", Period: "evening"}
	at := time.Date(2026, 3, 2, 19, 0, 0, 0, time.UTC)

	require.NoError(t, NewRegistry(dir, &systemdBackend{run: rec.run}, "").Set(ctx, key, at))

	reloaded := NewRegistry(dir, &systemdBackend{run: rec.run}, "")
	reloaded.Load(ctx)
	require.NoError(t, reloaded.Set(ctx, key, at))
	assert.Equal(t, 1, rec.count())

	assert.Equal(t, 1, reloaded.Prune(at.Add(time.Minute)))
	assert.Empty(t, reloaded.Entries())
}

func TestRegistrySetFailureIsReported(t *testing.T) {
	rec := &recorder{fail: true}
	reg := NewRegistry(t.TempDir(), &pmsetBackend{run: rec.run}, "")
	err := reg.Set(context.Background(), Key{UserID: "u", Category: "c", Period: "p"}, time.Now().Add(time.Hour))
	require.Error(t, err)
	assert.Empty(t, reg.Entries())
}

func TestCancelRemovesEntry(t *testing.T) {
	rec := &recorder{}
	reg := NewRegistry(t.TempDir(), &schtasksBackend{run: rec.run}, "nudge version")
	ctx := context.Background()
	key := Key{UserID: "u", Category: "c", Period: "p"}

	require.NoError(t, reg.Set(ctx, key, time.Now().Add(time.Hour)))
	require.NoError(t, reg.Cancel(ctx, key))
	require.NoError(t, reg.Cancel(ctx, key))
	assert.Empty(t, reg.Entries())
	assert.Equal(t, 2, rec.count())
	assert.Contains(t, rec.calls[1], "/Delete")
}

func TestUnitNameSanitized(t *testing.T) {
	assert.Equal(t, "nudge-a_b.c_d.ALL", unitName(Key{UserID: "a b", Category: "c/d", Period: "ALL"}))
}
