package logs

import (
	"context"
	"fmt"
	"io"

	"github.com/cloudwego/hertz/pkg/common/hlog"
)

// hertzLogger feeds hertz server and client logs into a nudge Logger. Lines
// are tagged "[hertz]" and hlog levels map onto the nearest nudge level.
type hertzLogger struct {
	l Logger
}

var _ hlog.FullLogger = (*hertzLogger)(nil)

func NewHlogLogger(l Logger) hlog.FullLogger {
	return &hertzLogger{l: l}
}

func (h *hertzLogger) emit(ctx context.Context, level hlog.Level, msg string) {
	if ctx == nil {
		ctx = context.Background()
	}
	switch level {
	case hlog.LevelTrace, hlog.LevelDebug:
		h.l.CtxDebug(ctx, "[hertz] %s", msg)
	case hlog.LevelInfo, hlog.LevelNotice:
		h.l.CtxInfo(ctx, "[hertz] %s", msg)
	case hlog.LevelWarn:
		h.l.CtxWarn(ctx, "[hertz] %s", msg)
	case hlog.LevelError:
		h.l.CtxError(ctx, "[hertz] %s", msg)
	default:
		h.l.CtxFatal(ctx, "[hertz] %s", msg)
	}
}

func (h *hertzLogger) Trace(v ...interface{})  { h.emit(nil, hlog.LevelTrace, fmt.Sprint(v...)) }
func (h *hertzLogger) Debug(v ...interface{})  { h.emit(nil, hlog.LevelDebug, fmt.Sprint(v...)) }
func (h *hertzLogger) Info(v ...interface{})   { h.emit(nil, hlog.LevelInfo, fmt.Sprint(v...)) }
func (h *hertzLogger) Notice(v ...interface{}) { h.emit(nil, hlog.LevelNotice, fmt.Sprint(v...)) }
func (h *hertzLogger) Warn(v ...interface{})   { h.emit(nil, hlog.LevelWarn, fmt.Sprint(v...)) }
func (h *hertzLogger) Error(v ...interface{})  { h.emit(nil, hlog.LevelError, fmt.Sprint(v...)) }
func (h *hertzLogger) Fatal(v ...interface{})  { h.emit(nil, hlog.LevelFatal, fmt.Sprint(v...)) }

func (h *hertzLogger) Tracef(format string, v ...interface{}) {
	h.emit(nil, hlog.LevelTrace, fmt.Sprintf(format, v...))
}
func (h *hertzLogger) Debugf(format string, v ...interface{}) {
	h.emit(nil, hlog.LevelDebug, fmt.Sprintf(format, v...))
}
func (h *hertzLogger) Infof(format string, v ...interface{}) {
	h.emit(nil, hlog.LevelInfo, fmt.Sprintf(format, v...))
}
func (h *hertzLogger) Noticef(format string, v ...interface{}) {
	h.emit(nil, hlog.LevelNotice, fmt.Sprintf(format, v...))
}
func (h *hertzLogger) Warnf(format string, v ...interface{}) {
	h.emit(nil, hlog.LevelWarn, fmt.Sprintf(format, v...))
}
func (h *hertzLogger) Errorf(format string, v ...interface{}) {
	h.emit(nil, hlog.LevelError, fmt.Sprintf(format, v...))
}
func (h *hertzLogger) Fatalf(format string, v ...interface{}) {
	h.emit(nil, hlog.LevelFatal, fmt.Sprintf(format, v...))
}

func (h *hertzLogger) CtxTracef(ctx context.Context, format string, v ...interface{}) {
	h.emit(ctx, hlog.LevelTrace, fmt.Sprintf(format, v...))
}
func (h *hertzLogger) CtxDebugf(ctx context.Context, format string, v ...interface{}) {
	h.emit(ctx, hlog.LevelDebug, fmt.Sprintf(format, v...))
}
func (h *hertzLogger) CtxInfof(ctx context.Context, format string, v ...interface{}) {
	h.emit(ctx, hlog.LevelInfo, fmt.Sprintf(format, v...))
}
func (h *hertzLogger) CtxNoticef(ctx context.Context, format string, v ...interface{}) {
	h.emit(ctx, hlog.LevelNotice, fmt.Sprintf(format, v...))
}
func (h *hertzLogger) CtxWarnf(ctx context.Context, format string, v ...interface{}) {
	h.emit(ctx, hlog.LevelWarn, fmt.Sprintf(format, v...))
}
func (h *hertzLogger) CtxErrorf(ctx context.Context, format string, v ...interface{}) {
	h.emit(ctx, hlog.LevelError, fmt.Sprintf(format, v...))
}
func (h *hertzLogger) CtxFatalf(ctx context.Context, format string, v ...interface{}) {
	h.emit(ctx, hlog.LevelFatal, fmt.Sprintf(format, v...))
}

func (h *hertzLogger) SetLevel(level hlog.Level) {
	switch {
	case level <= hlog.LevelDebug:
		h.l.SetLevel(DebugLevel)
	case level <= hlog.LevelNotice:
		h.l.SetLevel(InfoLevel)
	case level == hlog.LevelWarn:
		h.l.SetLevel(WarnLevel)
	case level == hlog.LevelError:
		h.l.SetLevel(ErrorLevel)
	default:
		h.l.SetLevel(FatalLevel)
	}
}

// SetOutput is ignored; the nudge Logger owns its writers.
func (h *hertzLogger) SetOutput(io.Writer) {}
