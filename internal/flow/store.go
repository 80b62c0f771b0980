package flow

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tgifai/nudge/internal/pkg/fileutil"
)

type snapshot struct {
	Active []*Flow `json:"active"`
	Ended  []*Flow `json:"ended"`
}

var flowCodec = fileutil.Codec[snapshot]{Format: "nudge.flows", Version: "1.0.0", Constraint: "^1"}

// Store keeps the active flow per user and the last ended flow per user.
// Every mutation is written through to disk.
type Store struct {
	path   string
	mu     sync.RWMutex
	active map[string]*Flow
	ended  map[string]*Flow
}

func NewStore(path string) *Store {
	return &Store{
		path:   path,
		active: make(map[string]*Flow),
		ended:  make(map[string]*Flow),
	}
}

// Load tolerates a missing file. Active entries found in a terminal state
// are moved to the ended table.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = make(map[string]*Flow)
	s.ended = make(map[string]*Flow)
	data, err := fileutil.ReadIfExists(s.path)
	if err != nil {
		return fmt.Errorf("read flow store: %w", err)
	}
	snap, err := flowCodec.Decode(data)
	if err != nil {
		return err
	}
	for _, f := range snap.Ended {
		if f != nil && f.UserID != "" {
			s.ended[f.UserID] = f
		}
	}
	for _, f := range snap.Active {
		if f == nil || f.UserID == "" {
			continue
		}
		if f.State.Terminal() {
			s.ended[f.UserID] = f
			continue
		}
		s.active[f.UserID] = f
	}
	return nil
}

func (s *Store) save() error {
	if s.path == "" {
		return nil
	}
	snap := snapshot{Active: sortedFlows(s.active), Ended: sortedFlows(s.ended)}
	data, err := flowCodec.Encode(snap)
	if err != nil {
		return fmt.Errorf("marshal flow store: %w", err)
	}
	return fileutil.AtomicWrite(s.path, data, 0o644)
}

// Active returns a copy of the user's in-progress flow.
func (s *Store) Active(userID string) (*Flow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.active[userID]
	return f.clone(), ok
}

// Ended returns a copy of the user's most recently finished flow.
func (s *Store) Ended(userID string) (*Flow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.ended[userID]
	return f.clone(), ok
}

// PutActive stores f as the user's active flow and persists.
func (s *Store) PutActive(f *Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[f.UserID] = f.clone()
	return s.save()
}

// Finish moves f into the ended table and persists.
func (s *Store) Finish(f *Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, f.UserID)
	s.ended[f.UserID] = f.clone()
	return s.save()
}

func (s *Store) ListActive() []*Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := sortedFlows(s.active)
	for i := range out {
		out[i] = out[i].clone()
	}
	return out
}

func (s *Store) ListEnded() []*Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := sortedFlows(s.ended)
	for i := range out {
		out[i] = out[i].clone()
	}
	return out
}

func sortedFlows(m map[string]*Flow) []*Flow {
	out := make([]*Flow, 0, len(m))
	for _, f := range m {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
