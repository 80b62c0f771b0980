package http

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/client"
	"github.com/cloudwego/hertz/pkg/protocol"
	"github.com/cloudwego/hertz/pkg/protocol/consts"
	"github.com/google/uuid"

	"github.com/tgifai/nudge/internal/channel"
	"github.com/tgifai/nudge/internal/config"
	"github.com/tgifai/nudge/internal/pkg/logs"
)

const requestTimeout = 15 * time.Second

var _ channel.Channel = (*HTTP)(nil)
var _ channel.RouteProvider = (*HTTP)(nil)

// inboundRequest is the JSON body expected on the message endpoint.
type inboundRequest struct {
	UserID   string            `json:"user_id"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is posted to the webhook or kept in the outbox.
type OutboundMessage struct {
	ID      string    `json:"id"`
	Channel string    `json:"channel"`
	ChatID  string    `json:"chat_id"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
}

type inboundResponse struct {
	ID      string   `json:"id"`
	Replies []string `json:"replies"`
}

// pendingReply collects replies for an inbound request waiting on chatID.
type pendingReply struct {
	ch chan string
}

type HTTP struct {
	id      string
	config  Config
	handler func(ctx context.Context, msg *channel.Message) error
	mu      sync.RWMutex
	client  *client.Client

	pendingMu sync.Mutex
	pending   map[string]*pendingReply
	outbox    map[string][]OutboundMessage

	messagePath string
	outboxPath  string
}

func NewChannel(chanId string, chCfg *config.ChannelConfig) (channel.Channel, error) {
	cfg, err := ParseConfig(chCfg.Config)
	if err != nil {
		return nil, fmt.Errorf("parse http config: %w", err)
	}
	return newHTTP(chanId, *cfg)
}

func newHTTP(chanId string, cfg Config) (*HTTP, error) {
	cli, err := client.NewClient(client.WithDialTimeout(5 * time.Second))
	if err != nil {
		return nil, fmt.Errorf("create http client: %w", err)
	}
	return &HTTP{
		id:          chanId,
		config:      cfg,
		client:      cli,
		pending:     make(map[string]*pendingReply),
		outbox:      make(map[string][]OutboundMessage),
		messagePath: fmt.Sprintf("/api/v1/http/%s/message", chanId),
		outboxPath:  fmt.Sprintf("/api/v1/http/%s/outbox", chanId),
	}, nil
}

func (h *HTTP) Routes() []channel.Route {
	return []channel.Route{
		{Method: "POST", Path: h.messagePath, Handler: h.handleMessage},
		{Method: "GET", Path: h.outboxPath, Handler: h.handleOutbox},
	}
}

func (h *HTTP) ID() string         { return h.id }
func (h *HTTP) Type() channel.Type { return channel.HTTP }

func (h *HTTP) Start(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (h *HTTP) Stop(_ context.Context) error {
	return nil
}

// SendMessage hands content to a waiting inbound request for chatID when
// there is one, then to the webhook, then to the outbox.
func (h *HTTP) SendMessage(ctx context.Context, chatID string, content string) error {
	h.pendingMu.Lock()
	pr, ok := h.pending[chatID]
	h.pendingMu.Unlock()
	if ok {
		select {
		case pr.ch <- content:
			return nil
		default:
		}
	}

	msg := OutboundMessage{
		ID:      uuid.New().String(),
		Channel: h.id,
		ChatID:  chatID,
		Content: content,
		SentAt:  time.Now(),
	}
	if h.config.WebhookURL != "" {
		return h.postWebhook(ctx, msg)
	}

	h.pendingMu.Lock()
	box := append(h.outbox[chatID], msg)
	if len(box) > h.config.OutboxSize {
		box = box[len(box)-h.config.OutboxSize:]
	}
	h.outbox[chatID] = box
	h.pendingMu.Unlock()
	return nil
}

func (h *HTTP) postWebhook(ctx context.Context, msg OutboundMessage) error {
	body, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req := protocol.AcquireRequest()
	resp := protocol.AcquireResponse()
	defer protocol.ReleaseRequest(req)
	defer protocol.ReleaseResponse(resp)

	req.SetMethod(consts.MethodPost)
	req.SetRequestURI(h.config.WebhookURL)
	req.Header.SetContentTypeBytes([]byte("application/json"))
	if h.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.config.APIKey)
	}
	req.SetBody(body)

	if err := h.client.DoTimeout(ctx, req, resp, requestTimeout); err != nil {
		return fmt.Errorf("http webhook post: %w", err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("http webhook post: status %d", code)
	}
	return nil
}

// HealthCheck probes HealthURL when configured.
func (h *HTTP) HealthCheck(ctx context.Context) error {
	if h.config.HealthURL == "" {
		return nil
	}

	req := protocol.AcquireRequest()
	resp := protocol.AcquireResponse()
	defer protocol.ReleaseRequest(req)
	defer protocol.ReleaseResponse(resp)

	req.SetMethod(consts.MethodGet)
	req.SetRequestURI(h.config.HealthURL)

	if err := h.client.DoTimeout(ctx, req, resp, requestTimeout); err != nil {
		return fmt.Errorf("http health probe: %w", err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return fmt.Errorf("http health probe: status %d", code)
	}
	return nil
}

func (h *HTTP) RegisterMessageHandler(handler func(ctx context.Context, msg *channel.Message) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if handler == nil {
		return errors.New("handler cannot be nil")
	}
	h.handler = handler
	return nil
}

// DrainOutbox returns and clears buffered messages for chatID.
func (h *HTTP) DrainOutbox(chatID string) []OutboundMessage {
	h.pendingMu.Lock()
	defer h.pendingMu.Unlock()
	msgs := h.outbox[chatID]
	delete(h.outbox, chatID)
	return msgs
}

func (h *HTTP) authorized(c *app.RequestContext) bool {
	if h.config.APIKey == "" {
		return true
	}
	return string(c.GetHeader("Authorization")) == "Bearer "+h.config.APIKey
}

// handleMessage is the hertz handler for inbound messages. Replies sent to
// the same chat while the handler runs are returned in the response body.
func (h *HTTP) handleMessage(ctx context.Context, c *app.RequestContext) {
	if !h.authorized(c) {
		c.JSON(consts.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	var req inboundRequest
	if err := sonic.Unmarshal(c.GetRequest().Body(), &req); err != nil {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Content == "" || req.ChatID == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "chat_id and content required"})
		return
	}

	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	if handler == nil {
		c.JSON(consts.StatusServiceUnavailable, map[string]string{"error": "no handler registered"})
		return
	}

	requestID := uuid.New().String()
	metadata := req.Metadata
	if metadata == nil {
		metadata = make(map[string]string)
	}
	channelMsg := &channel.Message{
		ID:          requestID,
		ChannelID:   h.id,
		ChannelType: channel.HTTP,
		UserID:      req.UserID,
		ChatID:      req.ChatID,
		Content:     req.Content,
		Metadata:    metadata,
	}

	pr := &pendingReply{ch: make(chan string, 8)}
	h.pendingMu.Lock()
	h.pending[req.ChatID] = pr
	h.pendingMu.Unlock()
	defer func() {
		h.pendingMu.Lock()
		if h.pending[req.ChatID] == pr {
			delete(h.pending, req.ChatID)
		}
		h.pendingMu.Unlock()
	}()

	if err := handler(ctx, channelMsg); err != nil {
		logs.CtxError(ctx, "[channel:http] error handling message: %v", err)
		c.JSON(consts.StatusInternalServerError, map[string]string{"error": "failed to process message"})
		return
	}

	resp := inboundResponse{ID: requestID, Replies: []string{}}
	timer := time.NewTimer(h.config.ReplyTimeout)
	defer timer.Stop()
	select {
	case content := <-pr.ch:
		resp.Replies = append(resp.Replies, content)
	case <-timer.C:
	case <-ctx.Done():
	}
	// pick up anything else queued behind the first reply
	for more := true; more; {
		select {
		case content := <-pr.ch:
			resp.Replies = append(resp.Replies, content)
		default:
			more = false
		}
	}
	c.JSON(consts.StatusOK, resp)
}

func (h *HTTP) handleOutbox(_ context.Context, c *app.RequestContext) {
	if !h.authorized(c) {
		c.JSON(consts.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}
	chatID := c.Query("chat_id")
	if chatID == "" {
		c.JSON(consts.StatusBadRequest, map[string]string{"error": "chat_id required"})
		return
	}
	msgs := h.DrainOutbox(chatID)
	if msgs == nil {
		msgs = []OutboundMessage{}
	}
	c.JSON(consts.StatusOK, msgs)
}
