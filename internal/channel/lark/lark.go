package lark

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/app"
	lark "github.com/larksuite/oapi-sdk-go/v3"
	larkcore "github.com/larksuite/oapi-sdk-go/v3/core"
	larkevent "github.com/larksuite/oapi-sdk-go/v3/event"
	"github.com/larksuite/oapi-sdk-go/v3/event/dispatcher"
	larkim "github.com/larksuite/oapi-sdk-go/v3/service/im/v1"
	larkws "github.com/larksuite/oapi-sdk-go/v3/ws"

	"github.com/tgifai/nudge/internal/channel"
	"github.com/tgifai/nudge/internal/config"
	"github.com/tgifai/nudge/internal/pkg/logs"
)

// maxTextContentSize is the upper bound for a Lark text message body (150 KB).
const maxTextContentSize = 150 * 1024

var _ channel.Channel = (*Lark)(nil)
var _ channel.RouteProvider = (*Lark)(nil)
var _ channel.Reconnector = (*Lark)(nil)

type Lark struct {
	id      string
	config  Config
	handler func(ctx context.Context, msg *channel.Message) error
	mu      sync.RWMutex
	client  *lark.Client

	// webhook mode
	eventHandler app.HandlerFunc
	webhookPath  string

	// ws mode
	wsClient *larkws.Client
}

func NewChannel(chanId string, chCfg *config.ChannelConfig) (channel.Channel, error) {
	cfg, err := ParseConfig(chCfg.Config)
	if err != nil {
		return nil, fmt.Errorf("parse lark config: %w", err)
	}

	l := &Lark{
		id:     chanId,
		config: *cfg,
		client: lark.NewClient(cfg.AppID, cfg.AppSecret),
	}

	eventDispatcher := dispatcher.NewEventDispatcher(cfg.VerificationToken, cfg.EncryptKey)
	eventDispatcher.OnP2MessageReceiveV1(l.onMessageReceive)

	switch cfg.Mode {
	case "ws":
		l.wsClient = larkws.NewClient(cfg.AppID, cfg.AppSecret,
			larkws.WithEventHandler(eventDispatcher),
		)
	default:
		l.webhookPath = fmt.Sprintf("/api/v1/lark/%s/event", chanId)
		l.eventHandler = l.newEventHandler(eventDispatcher)
	}

	return l, nil
}

func (l *Lark) Routes() []channel.Route {
	if l.wsClient != nil {
		return nil
	}
	return []channel.Route{
		{Method: "POST", Path: l.webhookPath, Handler: l.eventHandler},
	}
}

func (l *Lark) ID() string {
	return l.id
}

func (l *Lark) Type() channel.Type {
	return channel.Lark
}

// Start blocks until ctx is canceled. Webhook mode only waits since the
// route is served by the service server.
func (l *Lark) Start(ctx context.Context) error {
	if l.wsClient != nil {
		errCh := make(chan error, 1)
		go func() {
			errCh <- l.wsClient.Start(ctx)
		}()
		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
			return nil
		}
	}
	<-ctx.Done()
	return nil
}

func (l *Lark) Stop(_ context.Context) error {
	return nil
}

// SendMessage sends plain text. destination is a chat id, or an open id when
// prefixed with "ou_".
func (l *Lark) SendMessage(ctx context.Context, destination string, content string) error {
	if len(content) > maxTextContentSize {
		content = content[:maxTextContentSize-20] + "… [truncated]"
	}
	body, err := sonic.MarshalString(map[string]string{"text": content})
	if err != nil {
		return fmt.Errorf("build lark text content: %w", err)
	}

	receiveIDType := larkim.ReceiveIdTypeChatId
	if strings.HasPrefix(destination, "ou_") {
		receiveIDType = larkim.ReceiveIdTypeOpenId
	}

	resp, err := l.currentClient().Im.Message.Create(ctx,
		larkim.NewCreateMessageReqBuilder().
			ReceiveIdType(receiveIDType).
			Body(larkim.NewCreateMessageReqBodyBuilder().
				MsgType(larkim.MsgTypeText).
				ReceiveId(destination).
				Content(body).
				Build()).
			Build())
	if err != nil {
		return fmt.Errorf("lark send message: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("lark send message failed: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

// HealthCheck exchanges app credentials for a tenant access token.
func (l *Lark) HealthCheck(ctx context.Context) error {
	resp, err := l.currentClient().GetTenantAccessTokenBySelfBuiltApp(ctx, &larkcore.SelfBuiltTenantAccessTokenReq{
		AppID:     l.config.AppID,
		AppSecret: l.config.AppSecret,
	})
	if err != nil {
		return fmt.Errorf("lark tenant token: %w", err)
	}
	if !resp.Success() {
		return fmt.Errorf("lark tenant token failed: code=%d msg=%s", resp.Code, resp.Msg)
	}
	return nil
}

func (l *Lark) Reconnect(ctx context.Context) error {
	client := lark.NewClient(l.config.AppID, l.config.AppSecret)
	l.mu.Lock()
	l.client = client
	l.mu.Unlock()
	logs.CtxInfo(ctx, "[channel:lark] #%s client rebuilt", l.id)
	return nil
}

func (l *Lark) RegisterMessageHandler(handler func(ctx context.Context, msg *channel.Message) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	l.handler = handler
	return nil
}

func (l *Lark) currentClient() *lark.Client {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.client
}

// onMessageReceive is the SDK callback for im.message.receive_v1. Only text
// messages are forwarded.
func (l *Lark) onMessageReceive(ctx context.Context, event *larkim.P2MessageReceiveV1) error {
	msg := event.Event.Message
	if msg == nil || msg.MessageId == nil {
		return nil
	}
	if msg.MessageType == nil || *msg.MessageType != "text" {
		return nil
	}

	text, err := extractText(msg.Content)
	if err != nil {
		logs.CtxWarn(ctx, "[channel:lark] failed to extract text: %v", err)
		return nil
	}
	content := stripMentionPlaceholders(text, msg.Mentions)
	if content == "" {
		return nil
	}

	var userID string
	if event.Event.Sender != nil && event.Event.Sender.SenderId != nil && event.Event.Sender.SenderId.OpenId != nil {
		userID = *event.Event.Sender.SenderId.OpenId
	}
	var chatID string
	if msg.ChatId != nil {
		chatID = *msg.ChatId
	}

	metadata := map[string]string{}
	if msg.ChatType != nil {
		metadata["chat_type"] = *msg.ChatType
	}

	channelMsg := &channel.Message{
		ID:          *msg.MessageId,
		ChannelID:   l.id,
		ChannelType: channel.Lark,
		UserID:      userID,
		ChatID:      chatID,
		Content:     content,
		Metadata:    metadata,
	}

	l.mu.RLock()
	handler := l.handler
	l.mu.RUnlock()

	if handler != nil {
		if err := handler(ctx, channelMsg); err != nil {
			logs.CtxError(ctx, "[channel:lark] error handling message: %v", err)
		}
	}
	return nil
}

// newEventHandler adapts the SDK event dispatcher to a hertz handler.
func (l *Lark) newEventHandler(eventDispatcher *dispatcher.EventDispatcher) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		body, err := io.ReadAll(c.GetRequest().BodyStream())
		if err != nil || len(body) == 0 {
			body = c.GetRequest().Body()
		}

		header := make(http.Header)
		c.GetRequest().Header.VisitAll(func(key, value []byte) {
			header.Set(string(key), string(value))
		})

		eventResp := eventDispatcher.Handle(ctx, &larkevent.EventReq{
			Header:     header,
			Body:       body,
			RequestURI: string(c.GetRequest().RequestURI()),
		})

		c.SetStatusCode(eventResp.StatusCode)
		for key, values := range eventResp.Header {
			for _, value := range values {
				c.Response.Header.Set(key, value)
			}
		}
		c.Response.SetBody(eventResp.Body)
	}
}

// stripMentionPlaceholders removes @_user_N keys from group message text.
func stripMentionPlaceholders(text string, mentions []*larkim.MentionEvent) string {
	for _, m := range mentions {
		if m.Key == nil || *m.Key == "" {
			continue
		}
		text = strings.ReplaceAll(text, *m.Key, "")
	}
	return strings.TrimSpace(text)
}

// extractText unwraps {"text":"..."} message content.
func extractText(content *string) (string, error) {
	if content == nil || *content == "" {
		return "", nil
	}
	var parsed struct {
		Text string `json:"text"`
	}
	if err := sonic.UnmarshalString(*content, &parsed); err != nil {
		return "", fmt.Errorf("unmarshal lark message content: %w", err)
	}
	return parsed.Text, nil
}
