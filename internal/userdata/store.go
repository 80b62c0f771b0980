package userdata

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"gopkg.in/yaml.v3"

	"github.com/tgifai/nudge/internal/consts"
	"github.com/tgifai/nudge/internal/pkg/fileutil"
	"github.com/tgifai/nudge/internal/pkg/keylock"
)

// Store is the per-user data contract the scheduler, dispatcher and flow
// engine read and write through.
type Store interface {
	ListUsers() ([]string, error)
	Profile(userID string) (*Profile, error)
	Messages(userID, category string) ([]Message, error)
	Tasks(userID string) ([]Task, error)
	ResolveUser(channelID, address string) (string, error)

	AppendSent(rec MessageRecord) error
	SentHistory(userID, category string) ([]MessageRecord, error)
	ArchiveSent(userID string, before time.Time) (int, error)

	AppendCheckIn(rec CheckInRecord) error
	RecentCheckIns(userID string, n int) ([]CheckInRecord, error)
}

var _ Store = (*FileStore)(nil)

// FileStore keeps one directory per user:
//
//	users/<id>/profile.yaml
//	users/<id>/tasks.yaml
//	users/<id>/messages/<category>.yaml
//	users/<id>/sent_messages.jsonl
//	users/<id>/checkins.jsonl
//	users/<id>/archive/sent-<stamp>.jsonl.gz
type FileStore struct {
	root  string
	locks *keylock.Map
}

func NewFileStore(dataDir string) *FileStore {
	return &FileStore{
		root:  filepath.Join(dataDir, consts.UsersDirName),
		locks: keylock.New(),
	}
}

func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) userDir(userID string) string {
	return filepath.Join(s.root, userID)
}

func (s *FileStore) ListUsers() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list users: %w", err)
	}
	users := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), consts.ProfileFileName)); err != nil {
			continue
		}
		users = append(users, e.Name())
	}
	sort.Strings(users)
	return users, nil
}

func (s *FileStore) Profile(userID string) (*Profile, error) {
	var p Profile
	found, err := s.readYAML(filepath.Join(s.userDir(userID), consts.ProfileFileName), &p)
	if err != nil {
		return nil, fmt.Errorf("load profile %s: %w", userID, err)
	}
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, userID)
	}
	p.ID = userID
	return &p, nil
}

func (s *FileStore) SaveProfile(userID string, p *Profile) error {
	return s.writeYAML(filepath.Join(s.userDir(userID), consts.ProfileFileName), p)
}

type messageFile struct {
	Messages []Message `yaml:"messages"`
}

func (s *FileStore) Messages(userID, category string) ([]Message, error) {
	var f messageFile
	path := filepath.Join(s.userDir(userID), consts.MessagesDirName, category+".yaml")
	if _, err := s.readYAML(path, &f); err != nil {
		return nil, fmt.Errorf("load messages %s/%s: %w", userID, category, err)
	}
	return f.Messages, nil
}

func (s *FileStore) SaveMessages(userID, category string, msgs []Message) error {
	path := filepath.Join(s.userDir(userID), consts.MessagesDirName, category+".yaml")
	return s.writeYAML(path, &messageFile{Messages: msgs})
}

type taskFile struct {
	Tasks []Task `yaml:"tasks"`
}

func (s *FileStore) Tasks(userID string) ([]Task, error) {
	var f taskFile
	if _, err := s.readYAML(filepath.Join(s.userDir(userID), consts.TasksFileName), &f); err != nil {
		return nil, fmt.Errorf("load tasks %s: %w", userID, err)
	}
	return f.Tasks, nil
}

func (s *FileStore) SaveTasks(userID string, tasks []Task) error {
	return s.writeYAML(filepath.Join(s.userDir(userID), consts.TasksFileName), &taskFile{Tasks: tasks})
}

// ResolveUser maps a transport address back to a user id by scanning
// profile addresses.
func (s *FileStore) ResolveUser(channelID, address string) (string, error) {
	users, err := s.ListUsers()
	if err != nil {
		return "", err
	}
	for _, id := range users {
		p, err := s.Profile(id)
		if err != nil {
			continue
		}
		if p.Addresses[channelID] == address {
			return id, nil
		}
	}
	return "", fmt.Errorf("%w: %s@%s", ErrUserNotFound, address, channelID)
}

func (s *FileStore) AppendSent(rec MessageRecord) error {
	if rec.UserID == "" {
		return errors.New("message record without user id")
	}
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	return s.appendLine(rec.UserID, consts.SentLogFileName, rec)
}

// SentHistory returns records for category (all categories when empty),
// oldest first.
func (s *FileStore) SentHistory(userID, category string) ([]MessageRecord, error) {
	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	records, err := readLines[MessageRecord](filepath.Join(s.userDir(userID), consts.SentLogFileName))
	if err != nil {
		return nil, fmt.Errorf("read sent history %s: %w", userID, err)
	}
	if category == "" {
		return records, nil
	}
	out := records[:0]
	for _, r := range records {
		if r.Category == category {
			out = append(out, r)
		}
	}
	return out, nil
}

// ArchiveSent moves records older than before into a gzip archive and
// rewrites the live log with the remainder. It returns how many moved.
func (s *FileStore) ArchiveSent(userID string, before time.Time) (int, error) {
	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	livePath := filepath.Join(s.userDir(userID), consts.SentLogFileName)
	records, err := readLines[MessageRecord](livePath)
	if err != nil {
		return 0, fmt.Errorf("read sent history %s: %w", userID, err)
	}

	var old, keep []MessageRecord
	for _, r := range records {
		if r.Timestamp.Before(before) {
			old = append(old, r)
		} else {
			keep = append(keep, r)
		}
	}
	if len(old) == 0 {
		return 0, nil
	}

	oldRaw, err := encodeLines(old)
	if err != nil {
		return 0, err
	}
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	if _, err := zw.Write(oldRaw); err != nil {
		return 0, fmt.Errorf("compress archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("compress archive: %w", err)
	}

	archivePath := filepath.Join(s.userDir(userID), consts.ArchiveDirName,
		fmt.Sprintf(consts.ArchiveFileFmt, time.Now().UTC().Format(consts.ArchiveDateStamp)))
	if err := fileutil.AtomicWrite(archivePath, gz.Bytes(), 0o644); err != nil {
		return 0, fmt.Errorf("write archive: %w", err)
	}

	keepRaw, err := encodeLines(keep)
	if err != nil {
		return 0, err
	}
	if err := fileutil.AtomicWrite(livePath, keepRaw, 0o644); err != nil {
		return 0, fmt.Errorf("rewrite sent log: %w", err)
	}
	return len(old), nil
}

// ReadArchive decodes one archive file written by ArchiveSent.
func ReadArchive(path string) ([]MessageRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()
	return decodeLines[MessageRecord](zr)
}

func (s *FileStore) AppendCheckIn(rec CheckInRecord) error {
	if rec.UserID == "" {
		return errors.New("check-in record without user id")
	}
	return s.appendLine(rec.UserID, consts.CheckInLogFile, rec)
}

// RecentCheckIns returns up to n most recent check-ins, newest first.
func (s *FileStore) RecentCheckIns(userID string, n int) ([]CheckInRecord, error) {
	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	records, err := readLines[CheckInRecord](filepath.Join(s.userDir(userID), consts.CheckInLogFile))
	if err != nil {
		return nil, fmt.Errorf("read check-ins %s: %w", userID, err)
	}
	out := make([]CheckInRecord, 0, n)
	for i := len(records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, records[i])
	}
	return out, nil
}

func (s *FileStore) appendLine(userID, name string, v any) error {
	line, err := sonic.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	s.locks.Lock(userID)
	defer s.locks.Unlock(userID)

	dir := s.userDir(userID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create user dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", name, err)
	}
	return nil
}

func (s *FileStore) readYAML(path string, out any) (bool, error) {
	data, err := fileutil.ReadIfExists(path)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return true, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return true, nil
}

func (s *FileStore) writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return fileutil.AtomicWrite(path, data, 0o644)
}

func readLines[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	return decodeLines[T](f)
}

// decodeLines skips malformed lines so one torn append cannot hide the
// rest of the history.
func decodeLines[T any](r io.Reader) ([]T, error) {
	var out []T
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var v T
		if err := sonic.Unmarshal(line, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, scanner.Err()
}

func encodeLines[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	for _, r := range records {
		line, err := sonic.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("marshal record: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
