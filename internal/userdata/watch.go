package userdata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tgifai/nudge/internal/consts"
	"github.com/tgifai/nudge/internal/pkg/logs"
)

const watchDebounce = 2 * time.Second

// Watch reports users whose profile, tasks or message pools changed on disk.
// Events for the same user are coalesced within watchDebounce. Watch blocks
// until ctx is canceled.
func (s *FileStore) Watch(ctx context.Context, onChange func(userID string)) error {
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("ensure users dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.root); err != nil {
		return fmt.Errorf("watch %s: %w", s.root, err)
	}
	users, _ := s.ListUsers()
	for _, id := range users {
		s.watchUser(watcher, id)
	}

	pending := make(map[string]time.Time)
	ticker := time.NewTicker(watchDebounce / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			userID, relevant := s.classify(event.Name)
			if userID == "" {
				continue
			}
			if event.Has(fsnotify.Create) && filepath.Dir(event.Name) == s.root {
				s.watchUser(watcher, userID)
			}
			if relevant {
				pending[userID] = time.Now()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logs.CtxWarn(ctx, "[userdata] watcher error: %v", err)
		case now := <-ticker.C:
			for id, at := range pending {
				if now.Sub(at) < watchDebounce {
					continue
				}
				delete(pending, id)
				logs.CtxDebug(ctx, "[userdata] user %s changed on disk", id)
				onChange(id)
			}
		}
	}
}

func (s *FileStore) watchUser(w *fsnotify.Watcher, userID string) {
	dir := s.userDir(userID)
	_ = w.Add(dir)
	_ = w.Add(filepath.Join(dir, consts.MessagesDirName))
}

// classify maps a changed path to its user and whether it affects schedules.
// Audit logs and archives change on every send and are ignored.
func (s *FileStore) classify(path string) (string, bool) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	userID := parts[0]
	if userID == "" || strings.HasPrefix(userID, ".") {
		return "", false
	}
	if len(parts) == 1 {
		return userID, true
	}
	name := parts[len(parts)-1]
	if strings.HasPrefix(name, ".") {
		return userID, false
	}
	switch {
	case name == consts.ProfileFileName, name == consts.TasksFileName:
		return userID, true
	case parts[1] == consts.MessagesDirName && strings.HasSuffix(name, ".yaml"):
		return userID, true
	}
	return userID, false
}
