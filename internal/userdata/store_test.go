package userdata

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tgifai/nudge/internal/consts"
)

func seedUser(t *testing.T, s *FileStore, id string) {
	t.Helper()
	require.NoError(t, s.SaveProfile(id, &Profile{
		Timezone:       "Europe/Berlin",
		DefaultChannel: "tg",
		Addresses:      map[string]string{"tg": "1001"},
		Periods:        map[string]string{"morning": "07:00-10:00", "evening": "18:00-22:00"},
		Categories: []CategorySchedule{
			{Name: "wellness", Schedule: Schedule{Days: []string{"mon"}, Periods: []string{"morning"}}},
		},
	}))
}

func TestProfileRoundTrip(t *testing.T) {
	s := NewFileStore(t.TempDir())
	seedUser(t, s, "alice")

	p, err := s.Profile("alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", p.ID)
	assert.Equal(t, "Europe/Berlin", p.Location().String())
	require.Len(t, p.Categories, 1)
	assert.Equal(t, []string{"mon"}, p.Categories[0].Days)
	assert.True(t, p.Categories[0].IsEnabled())

	_, err = s.Profile("bob")
	assert.ErrorIs(t, err, ErrUserNotFound)

	users, err := s.ListUsers()
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)
}

func TestResolveUser(t *testing.T) {
	s := NewFileStore(t.TempDir())
	seedUser(t, s, "alice")

	id, err := s.ResolveUser("tg", "1001")
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	_, err = s.ResolveUser("tg", "9999")
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestWindowAndActivePeriod(t *testing.T) {
	p := &Profile{Periods: map[string]string{"morning": "07:00-10:00", "bad": "10:00-09:00"}}

	start, end, err := p.Window("morning")
	require.NoError(t, err)
	assert.Equal(t, 7*60, start)
	assert.Equal(t, 10*60, end)

	start, end, err = p.Window("ALL")
	require.NoError(t, err)
	assert.Equal(t, 0, start)
	assert.Equal(t, 24*60, end)

	_, _, err = p.Window("bad")
	assert.ErrorIs(t, err, ErrInvalidPeriod)
	_, _, err = p.Window("missing")
	assert.ErrorIs(t, err, ErrInvalidPeriod)

	at := time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)
	assert.Equal(t, "morning", p.ActivePeriod(at))
	assert.Equal(t, consts.PeriodAll, p.ActivePeriod(at.Add(4*time.Hour)))
}

func TestActivePeriod_OverlapIsStable(t *testing.T) {
	p := &Profile{Periods: map[string]string{
		"work":    "09:00-17:00",
		"morning": "07:00-10:00",
		"late":    "08:00-12:00",
	}}
	at := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		require.Equal(t, "late", p.ActivePeriod(at))
	}
	assert.Equal(t, "work", p.ActivePeriod(at.Add(3*time.Hour)))
}

func TestMessageFilters(t *testing.T) {
	m := Message{ID: "a", Days: []string{"Mon", "friday"}, Periods: []string{"morning"}}
	assert.True(t, m.OnDay(time.Monday))
	assert.True(t, m.OnDay(time.Friday))
	assert.False(t, m.OnDay(time.Tuesday))
	assert.True(t, m.InPeriod("morning"))
	assert.False(t, m.InPeriod("ALL"))

	all := Message{ID: "b"}
	assert.True(t, all.InPeriod("ALL"))
	assert.True(t, all.OnDay(time.Sunday))
}

func TestSentHistoryAndArchive(t *testing.T) {
	s := NewFileStore(t.TempDir())
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

	for i, age := range []int{120, 100, 10, 1} {
		require.NoError(t, s.AppendSent(MessageRecord{
			UserID:    "alice",
			MessageID: string(rune('a' + i)),
			Category:  "wellness",
			Status:    StatusSent,
			Timestamp: now.AddDate(0, 0, -age),
		}))
	}
	require.NoError(t, s.AppendSent(MessageRecord{UserID: "alice", Category: "other", Status: StatusSent, Timestamp: now}))

	hist, err := s.SentHistory("alice", "wellness")
	require.NoError(t, err)
	require.Len(t, hist, 4)
	assert.NotEmpty(t, hist[0].ID)

	moved, err := s.ArchiveSent("alice", now.AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	hist, err = s.SentHistory("alice", "")
	require.NoError(t, err)
	assert.Len(t, hist, 3)

	archives, err := filepath.Glob(filepath.Join(s.Root(), "alice", consts.ArchiveDirName, "*.jsonl.gz"))
	require.NoError(t, err)
	require.Len(t, archives, 1)
	archived, err := ReadArchive(archives[0])
	require.NoError(t, err)
	require.Len(t, archived, 2)
	assert.Equal(t, "a", archived[0].MessageID)

	moved, err = s.ArchiveSent("alice", now.AddDate(0, 0, -90))
	require.NoError(t, err)
	assert.Zero(t, moved)
}

func TestSentHistoryToleratesTornLine(t *testing.T) {
	s := NewFileStore(t.TempDir())
	require.NoError(t, s.AppendSent(MessageRecord{UserID: "alice", Category: "c", Status: StatusSent}))

	f, err := os.OpenFile(filepath.Join(s.Root(), "alice", consts.SentLogFileName), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"broken`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	hist, err := s.SentHistory("alice", "c")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestRecentCheckIns(t *testing.T) {
	s := NewFileStore(t.TempDir())
	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendCheckIn(CheckInRecord{
			UserID:   "alice",
			FlowType: "checkin",
			Answers:  []Answer{{QuestionID: string(rune('a' + i)), Category: "mood", Value: "3"}},
		}))
	}
	recent, err := s.RecentCheckIns("alice", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "e", recent[0].Answers[0].QuestionID)
	assert.Equal(t, "c", recent[2].Answers[0].QuestionID)
}

func TestTaskDueDate(t *testing.T) {
	task := Task{ID: "t1", Due: "2026-03-05"}
	d, ok, err := task.DueDate(time.UTC)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 5, d.Day())

	_, ok, err = (&Task{ID: "t2"}).DueDate(time.UTC)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = (&Task{ID: "t3", Due: "soon"}).DueDate(time.UTC)
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	s := NewFileStore("/data")
	cases := []struct {
		path     string
		user     string
		relevant bool
	}{
		{"/data/users/alice/profile.yaml", "alice", true},
		{"/data/users/alice/messages/wellness.yaml", "alice", true},
		{"/data/users/alice/sent_messages.jsonl", "alice", false},
		{"/data/users/alice/.profile.yaml.tmp-1", "alice", false},
		{"/data/users/bob", "bob", true},
		{"/elsewhere/x", "", false},
	}
	for _, tc := range cases {
		user, relevant := s.classify(tc.path)
		assert.Equal(t, tc.user, user, tc.path)
		assert.Equal(t, tc.relevant, relevant, tc.path)
	}
}
