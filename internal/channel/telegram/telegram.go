package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/tgifai/nudge/internal/channel"
	"github.com/tgifai/nudge/internal/config"
	"github.com/tgifai/nudge/internal/pkg/logs"
)

var _ channel.Channel = (*Telegram)(nil)
var _ channel.Reconnector = (*Telegram)(nil)

type Telegram struct {
	id      string
	config  Config
	handler func(ctx context.Context, msg *channel.Message) error

	mu  sync.RWMutex
	bot *bot.Bot
}

func NewChannel(chanId string, chCfg *config.ChannelConfig) (channel.Channel, error) {
	cfg, err := ParseConfig(chCfg.Config)
	if err != nil {
		return nil, fmt.Errorf("parse telegram config: %w", err)
	}

	tg := &Telegram{
		id:     chanId,
		config: *cfg,
	}
	tgBot, err := tg.newBot()
	if err != nil {
		return nil, err
	}
	tg.bot = tgBot
	return tg, nil
}

func (c *Telegram) newBot() (*bot.Bot, error) {
	opts := []bot.Option{
		bot.WithDefaultHandler(c.handleUpdate),
		bot.WithSkipGetMe(),
	}
	b, err := bot.New(c.config.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return b, nil
}

func (c *Telegram) ID() string {
	return c.id
}

func (c *Telegram) Type() channel.Type {
	return channel.Telegram
}

// Start runs long polling until ctx is canceled.
func (c *Telegram) Start(ctx context.Context) error {
	c.currentBot().Start(ctx)
	return nil
}

func (c *Telegram) Stop(ctx context.Context) error {
	if b := c.currentBot(); b != nil {
		_, err := b.Close(ctx)
		if err != nil {
			logs.CtxDebug(ctx, "[channel:telegram] close bot: %v", err)
		}
	}
	return nil
}

func (c *Telegram) SendMessage(ctx context.Context, chatID string, content string) error {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat ID: %w", err)
	}

	_, err = c.currentBot().SendMessage(ctx, &bot.SendMessageParams{
		ChatID: chatIDInt,
		Text:   content,
	})
	if err != nil {
		return fmt.Errorf("telegram send message: %w", err)
	}
	return nil
}

// HealthCheck calls getMe, which fails fast on bad tokens and network loss.
func (c *Telegram) HealthCheck(ctx context.Context) error {
	me, err := c.currentBot().GetMe(ctx)
	if err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	if me == nil || me.ID == 0 {
		return errors.New("telegram getMe returned empty identity")
	}
	return nil
}

// Reconnect replaces the bot client. The polling loop keeps running on the
// old client until the gateway restarts the channel.
func (c *Telegram) Reconnect(ctx context.Context) error {
	b, err := c.newBot()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.bot = b
	c.mu.Unlock()
	logs.CtxInfo(ctx, "[channel:telegram] #%s client rebuilt", c.id)
	return nil
}

func (c *Telegram) RegisterMessageHandler(handler func(ctx context.Context, msg *channel.Message) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if handler == nil {
		return errors.New("handler cannot be nil")
	}

	c.handler = handler
	return nil
}

func (c *Telegram) currentBot() *bot.Bot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bot
}

// handleUpdate normalizes private text messages into a channel.Message.
func (c *Telegram) handleUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	if msg.Chat.Type != models.ChatTypePrivate {
		return
	}
	if !c.allowed(msg.From.ID) {
		logs.CtxDebug(ctx, "[channel:telegram] drop message from unlisted user %d", msg.From.ID)
		return
	}

	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		return
	}

	channelMsg := &channel.Message{
		ID:          strconv.Itoa(msg.ID),
		ChannelID:   c.id,
		ChannelType: channel.Telegram,
		UserID:      strconv.FormatInt(msg.From.ID, 10),
		ChatID:      strconv.FormatInt(msg.Chat.ID, 10),
		Content:     content,
		Metadata: map[string]string{
			"username": msg.From.Username,
		},
	}
	if err := handler(ctx, channelMsg); err != nil {
		logs.CtxError(ctx, "[channel:telegram] error handling message: %v", err)
	}
}

func (c *Telegram) allowed(userID int64) bool {
	if len(c.config.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.config.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}
