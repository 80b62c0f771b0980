package logs

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tgifai/nudge/internal/consts"
)

type logrusLogger struct {
	log *logrus.Logger
}

func newStdoutLogger() Logger {
	log := logrus.New()
	log.SetFormatter(&textFormatter{enableColor: shouldColorizeStdout("stdout")})
	log.SetLevel(logrus.InfoLevel)
	return &logrusLogger{log: log}
}

func newConfiguredLogger(opts Options) (Logger, error) {
	log := logrus.New()

	output := strings.ToLower(strings.TrimSpace(opts.Output))
	if output == "" {
		output = "stdout"
	}
	w, err := buildWriter(opts, output)
	if err != nil {
		return nil, err
	}
	log.SetOutput(w)

	if strings.EqualFold(strings.TrimSpace(opts.Format), "json") {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timestampLayout})
	} else {
		log.SetFormatter(&textFormatter{enableColor: shouldColorizeStdout(output)})
	}

	log.SetLevel(parseLogLevel(opts.Level))
	return &logrusLogger{log: log}, nil
}

func (l *logrusLogger) NewLogID() string {
	return uuid.New().String()
}

func (l *logrusLogger) GetLogID(ctx context.Context) string {
	return stringValue(ctx, consts.CtxKeyLogID)
}

func (l *logrusLogger) SetLogID(ctx context.Context, logID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, consts.CtxKeyLogID, logID)
}

var levels = []struct {
	ours LogLevel
	lr   logrus.Level
}{
	{DebugLevel, logrus.DebugLevel},
	{InfoLevel, logrus.InfoLevel},
	{WarnLevel, logrus.WarnLevel},
	{ErrorLevel, logrus.ErrorLevel},
	{FatalLevel, logrus.FatalLevel},
}

func parseLogLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

func (l *logrusLogger) GetLevel() LogLevel {
	cur := l.log.GetLevel()
	for _, lv := range levels {
		if lv.lr == cur {
			return lv.ours
		}
	}
	return InfoLevel
}

func (l *logrusLogger) SetLevel(level LogLevel) {
	for _, lv := range levels {
		if lv.ours == level {
			l.log.SetLevel(lv.lr)
			return
		}
	}
}

func (l *logrusLogger) Debug(format string, v ...interface{}) { l.log.Debugf(format, v...) }
func (l *logrusLogger) Info(format string, v ...interface{})  { l.log.Infof(format, v...) }
func (l *logrusLogger) Warn(format string, v ...interface{})  { l.log.Warnf(format, v...) }
func (l *logrusLogger) Error(format string, v ...interface{}) { l.log.Errorf(format, v...) }
func (l *logrusLogger) Fatal(format string, v ...interface{}) { l.log.Fatalf(format, v...) }

// entry carries ctx and its tagged fields so both formatters see them.
func (l *logrusLogger) entry(ctx context.Context) *logrus.Entry {
	return l.log.WithContext(ctx).WithFields(fieldsOf(ctx))
}

func (l *logrusLogger) CtxDebug(ctx context.Context, format string, v ...interface{}) {
	l.entry(ctx).Debugf(format, v...)
}

func (l *logrusLogger) CtxInfo(ctx context.Context, format string, v ...interface{}) {
	l.entry(ctx).Infof(format, v...)
}

func (l *logrusLogger) CtxWarn(ctx context.Context, format string, v ...interface{}) {
	l.entry(ctx).Warnf(format, v...)
}

func (l *logrusLogger) CtxError(ctx context.Context, format string, v ...interface{}) {
	l.entry(ctx).Errorf(format, v...)
}

func (l *logrusLogger) CtxFatal(ctx context.Context, format string, v ...interface{}) {
	l.entry(ctx).Fatalf(format, v...)
}

func (l *logrusLogger) Flush() {}
