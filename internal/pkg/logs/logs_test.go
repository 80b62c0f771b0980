package logs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextFormatIncludesContextTags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "nudge.log")
	l, err := newConfiguredLogger(Options{Output: "file", File: path, Level: "debug"})
	require.NoError(t, err)

	ctx := l.SetLogID(context.Background(), "lid-1")
	ctx = WithJob(WithChannel(WithUser(ctx, "alice"), "tg"), "alice|wellness|message")
	l.CtxInfo(ctx, "[scheduler] fired %s", "job")
	l.Debug("plain line")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)

	assert.True(t, strings.HasPrefix(lines[0], "INFO "))
	assert.Contains(t, lines[0], " lid-1 [user=alice channel=tg job=alice|wellness|message] [scheduler] fired job")
	assert.NotContains(t, lines[0], "\x1b[")
	assert.True(t, strings.HasPrefix(lines[1], "DEBUG "))
	assert.NotContains(t, lines[1], "[user=")
}

func TestJSONFormatCarriesFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nudge.log")
	l, err := newConfiguredLogger(Options{Output: "file", File: path, Format: "json"})
	require.NoError(t, err)

	l.CtxWarn(WithUser(context.Background(), "bob"), "retry queued")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, sonic.Unmarshal(raw, &line))
	assert.Equal(t, "bob", line["user"])
	assert.Equal(t, "retry queued", line["msg"])
	assert.Equal(t, "warning", line["level"])
}

func TestEmptyTagsAreSkipped(t *testing.T) {
	ctx := WithUser(context.Background(), "")
	assert.Empty(t, fieldsOf(ctx))
	assert.Empty(t, fieldsOf(nil))
}

func TestLevelRoundTrip(t *testing.T) {
	l, err := newConfiguredLogger(Options{Level: "warn"})
	require.NoError(t, err)
	assert.Equal(t, WarnLevel, l.GetLevel())
	l.SetLevel(DebugLevel)
	assert.Equal(t, DebugLevel, l.GetLevel())
}

func TestUnsupportedOutput(t *testing.T) {
	_, err := newConfiguredLogger(Options{Output: "syslog"})
	assert.Error(t, err)
}

func TestDefaultLogFile(t *testing.T) {
	assert.Equal(t, "nudge.log", filepath.Base(DefaultLogFile()))
	assert.Equal(t, "logs", filepath.Base(filepath.Dir(DefaultLogFile())))
}

func TestHertzLinesAreTagged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nudge.log")
	l, err := newConfiguredLogger(Options{Output: "file", File: path, Level: "debug"})
	require.NoError(t, err)

	h := NewHlogLogger(l)
	h.Noticef("listening on %s", "127.0.0.1:8080")
	h.CtxWarnf(WithUser(context.Background(), "alice"), "slow handler")
	h.SetLevel(hlog.LevelError)
	assert.Equal(t, ErrorLevel, l.GetLevel())
	h.Info("dropped below error")

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "INFO "))
	assert.Contains(t, lines[0], "[hertz] listening on 127.0.0.1:8080")
	assert.True(t, strings.HasPrefix(lines[1], "WARN"))
	assert.Contains(t, lines[1], "[user=alice] [hertz] slow handler")
}
