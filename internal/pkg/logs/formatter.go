package logs

import (
	"bytes"
	"fmt"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

const timestampLayout = "2006-01-02 15:04:05,000"

// textFormatter renders
//
//	LEVEL 2006-01-02 15:04:05,000 dir/file.go:42 <log_id> [user=.. channel=.. job=..] message
type textFormatter struct {
	enableColor bool
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	level := strings.ToUpper(entry.Level.String())
	if f.enableColor {
		level = colorizeLevel(entry.Level, level)
	}

	// Plain calls pass through one more logrus frame than Ctx* calls.
	skip := 9
	if entry.Context != nil {
		skip = 8
	}
	_, file, line, ok := runtime.Caller(skip)
	if ok {
		file = shortFilePath(file)
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s %s %s:%d", level, entry.Time.Format(timestampLayout), file, line)
	if id, _ := entry.Data["log_id"].(string); id != "" {
		buf.WriteByte(' ')
		buf.WriteString(id)
	}
	var tags []string
	for _, fld := range ctxFields {
		if v, _ := entry.Data[fld.name].(string); v != "" {
			tags = append(tags, fld.name+"="+v)
		}
	}
	if len(tags) > 0 {
		buf.WriteString(" [")
		buf.WriteString(strings.Join(tags, " "))
		buf.WriteByte(']')
	}
	buf.WriteByte(' ')
	buf.WriteString(entry.Message)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// shortFilePath keeps the parent directory: "scheduler/scheduler.go".
func shortFilePath(fullPath string) string {
	dir, file := filepath.Split(fullPath)
	if dir == "" {
		return file
	}
	return filepath.Base(filepath.Clean(dir)) + "/" + file
}

func shouldColorizeStdout(output string) bool {
	return output != "file" && !color.NoColor
}

var levelColors = map[logrus.Level]*color.Color{
	logrus.DebugLevel: color.New(color.FgCyan),
	logrus.InfoLevel:  color.New(color.FgGreen),
	logrus.WarnLevel:  color.New(color.FgYellow),
	logrus.ErrorLevel: color.New(color.FgRed),
	logrus.FatalLevel: color.New(color.FgRed),
	logrus.PanicLevel: color.New(color.FgRed),
}

func colorizeLevel(level logrus.Level, text string) string {
	if c, ok := levelColors[level]; ok {
		return c.Sprint(text)
	}
	return text
}
