package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/tgifai/nudge/internal/channel"
	"github.com/tgifai/nudge/internal/flow"
	"github.com/tgifai/nudge/internal/pkg/logs"
	"github.com/tgifai/nudge/internal/pkg/utils"
)

const metaUserID = "nudge_user_id"

// Inbound is a message resolved to a nudge user.
type Inbound struct {
	Msg    *channel.Message
	UserID string
}

// enqueueMsg resolves the sender and puts the message on that user's lane.
func (s *Service) enqueueMsg(ctx context.Context, msg *channel.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]string, 1)
	}

	userID, err := s.users.ResolveUser(msg.ChannelID, msg.ChatID)
	if err != nil && msg.UserID != "" && msg.UserID != msg.ChatID {
		userID, err = s.users.ResolveUser(msg.ChannelID, msg.UserID)
	}
	if err == nil {
		msg.Metadata[metaUserID] = userID
		msg.SessionKey = userID
	} else {
		msg.SessionKey = "anon:" + msg.ChannelID + ":" + msg.ChatID
	}
	return s.msgQueue.Enqueue(ctx, msg)
}

func (s *Service) processMessage(ctx context.Context, msg *channel.Message) error {
	if msg == nil {
		return fmt.Errorf("message cannot be nil")
	}
	ctx = logs.SetLogID(ctx, logs.NewLogID())
	logs.CtxDebug(ctx, "[msg] -> (%s#%s) %s", msg.ChannelID, msg.ChatID, utils.Truncate80(msg.Content))

	userID := msg.Metadata[metaUserID]
	if userID == "" {
		logs.CtxWarn(ctx, "[service] message from unknown address %s on %s", msg.ChatID, msg.ChannelID)
		ch, err := s.channels.Get(msg.ChannelID)
		if err != nil {
			return err
		}
		return ch.SendMessage(ctx, msg.ChatID,
			fmt.Sprintf("I don't know this address yet (%s). Ask the operator to add it to your profile.", msg.ChatID))
	}

	ctx = logs.WithChannel(logs.WithUser(ctx, userID), msg.ChannelID)
	in := &Inbound{Msg: msg, UserID: userID}
	var (
		text string
		err  error
	)
	if cmd, _, ok := s.commands.Match(msg.Content); ok {
		text, err = cmd.Handler(ctx, s, in)
	} else {
		text, err = s.answer(ctx, in)
	}
	if err != nil {
		logs.CtxError(ctx, "[service] handle message from %s: %v", userID, err)
		text = "Something went wrong on my side, please try again."
	}
	if text == "" {
		return nil
	}
	return s.orch.Reply(ctx, userID, msg.ChannelID, msg.ChatID, text)
}

func (s *Service) answer(ctx context.Context, in *Inbound) (string, error) {
	reply, err := s.flows.Answer(ctx, in.UserID, in.Msg.Content)
	if errors.Is(err, flow.ErrNoActiveFlow) {
		return "No check-in in progress. Send /checkin to start one.", nil
	}
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}
