package scheduler

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tgifai/nudge/internal/pkg/fileutil"
)

var jobCodec = fileutil.Codec[[]Job]{Format: "nudge.jobs", Version: "1.0.0", Constraint: "^1"}

// Store is the job table: one job per Key, persisted as a whole file with
// write-temp-then-rename.
type Store struct {
	path string
	jobs map[Key]Job
	mu   sync.RWMutex
}

// NewStore creates a Store backed by the given file path.
// If the file does not exist it will be created on the first Save.
func NewStore(path string) *Store {
	return &Store{
		path: path,
		jobs: make(map[Key]Job),
	}
}

// Load reads persisted jobs from disk. It is safe to call on a missing file.
// On a decode error the table is left empty and the error returned.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = make(map[Key]Job)
	data, err := fileutil.ReadIfExists(s.path)
	if err != nil {
		return fmt.Errorf("read store file: %w", err)
	}
	jobs, err := jobCodec.Decode(data)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		s.jobs[j.Key] = j
	}
	return nil
}

func (s *Store) Save() error {
	jobs := s.List()
	data, err := jobCodec.Encode(jobs)
	if err != nil {
		return fmt.Errorf("marshal store: %w", err)
	}
	return fileutil.AtomicWrite(s.path, data, 0o644)
}

// Put inserts or replaces the job for its key.
func (s *Store) Put(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.Key] = job
}

// PutIfAbsent inserts job unless its key already has one.
func (s *Store) PutIfAbsent(job Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Key]; ok {
		return false
	}
	s.jobs[job.Key] = job
	return true
}

func (s *Store) Remove(key Key) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[key]
	delete(s.jobs, key)
	return j, ok
}

// RemoveMatching deletes jobs for userID and category. An empty kinds list
// matches every kind; an empty category matches every category of userID.
func (s *Store) RemoveMatching(userID, category string, kinds ...Kind) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []Job
	for k, j := range s.jobs {
		if k.UserID != userID {
			continue
		}
		if category != "" && k.Category != category {
			continue
		}
		if len(kinds) > 0 && !hasKind(kinds, k.Kind) {
			continue
		}
		delete(s.jobs, k)
		removed = append(removed, j)
	}
	return removed
}

func (s *Store) Get(key Key) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[key]
	return j, ok
}

// List returns all jobs ordered by fire time.
func (s *Store) List() []Job {
	s.mu.RLock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	s.mu.RUnlock()
	sortJobs(out)
	return out
}

// ListDue returns jobs whose NextFireAt is at or before now.
func (s *Store) ListDue(now time.Time) []Job {
	s.mu.RLock()
	var due []Job
	for _, j := range s.jobs {
		if !j.NextFireAt.After(now) {
			due = append(due, j)
		}
	}
	s.mu.RUnlock()
	sortJobs(due)
	return due
}

func (s *Store) Count(userID, category string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.jobs {
		if k.UserID == userID && (category == "" || k.Category == category) {
			n++
		}
	}
	return n
}

func sortJobs(jobs []Job) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].NextFireAt.Equal(jobs[j].NextFireAt) {
			return jobs[i].NextFireAt.Before(jobs[j].NextFireAt)
		}
		return jobs[i].Key.String() < jobs[j].Key.String()
	})
}

func hasKind(kinds []Kind, k Kind) bool {
	for _, one := range kinds {
		if one == k {
			return true
		}
	}
	return false
}
