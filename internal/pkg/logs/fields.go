package logs

import (
	"context"

	"github.com/tgifai/nudge/internal/consts"
)

// ctxFields are rendered after the log id, in this order, when present.
var ctxFields = []struct {
	key  consts.CtxKey
	name string
}{
	{consts.CtxKeyUserID, "user"},
	{consts.CtxKeyChannelID, "channel"},
	{consts.CtxKeyJobKey, "job"},
}

// WithUser tags every Ctx* line logged under ctx with the nudge user id.
func WithUser(ctx context.Context, userID string) context.Context {
	return withValue(ctx, consts.CtxKeyUserID, userID)
}

// WithChannel tags log lines with the channel a message arrived on or is
// sent through.
func WithChannel(ctx context.Context, channelID string) context.Context {
	return withValue(ctx, consts.CtxKeyChannelID, channelID)
}

// WithJob tags log lines with the scheduler job key.
func WithJob(ctx context.Context, jobKey string) context.Context {
	return withValue(ctx, consts.CtxKeyJobKey, jobKey)
}

func withValue(ctx context.Context, key consts.CtxKey, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringValue(ctx context.Context, key consts.CtxKey) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(key).(string)
	return v
}

// fieldsOf collects the tagged values of ctx as logrus fields.
func fieldsOf(ctx context.Context) map[string]interface{} {
	out := make(map[string]interface{}, len(ctxFields)+1)
	if id := stringValue(ctx, consts.CtxKeyLogID); id != "" {
		out["log_id"] = id
	}
	for _, f := range ctxFields {
		if v := stringValue(ctx, f.key); v != "" {
			out[f.name] = v
		}
	}
	return out
}
