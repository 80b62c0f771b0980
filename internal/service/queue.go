package service

import (
	"context"
	"sync"

	"github.com/tgifai/nudge/internal/channel"
	"github.com/tgifai/nudge/internal/pkg/logs"
)

type QueueOptions struct {
	LaneBuffer    int
	MaxConcurrent int
}

// MessageQueue runs one lane per user so a user's inbound messages are
// handled strictly in order while different users proceed in parallel.
type MessageQueue struct {
	lanes         map[string]chan *channel.Message
	mu            sync.RWMutex
	handler       func(context.Context, *channel.Message) error
	ctx           context.Context
	laneBuffer    int
	maxConcurrent chan struct{}
	wg            sync.WaitGroup
}

func newMessageQueue(opts QueueOptions) *MessageQueue {
	laneBuffer := opts.LaneBuffer
	if laneBuffer <= 0 {
		laneBuffer = 10
	}

	maxConcurrent := opts.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 16
	}

	return &MessageQueue{
		lanes:         make(map[string]chan *channel.Message),
		laneBuffer:    laneBuffer,
		maxConcurrent: make(chan struct{}, maxConcurrent),
	}
}

func (q *MessageQueue) Init(ctx context.Context, handler func(context.Context, *channel.Message) error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ctx = ctx
	q.handler = handler
}

// Enqueue places msg on the lane named by msg.SessionKey.
func (q *MessageQueue) Enqueue(ctx context.Context, msg *channel.Message) error {
	lane := q.getOrCreateLane(msg.SessionKey)
	select {
	case lane <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until every lane goroutine has exited after the queue context
// is canceled, or until ctx expires.
func (q *MessageQueue) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logs.CtxWarn(ctx, "[queue] timed out waiting for inbound lanes")
	}
}

func (q *MessageQueue) getOrCreateLane(key string) chan *channel.Message {
	q.mu.RLock()
	lane, exists := q.lanes[key]
	q.mu.RUnlock()
	if exists {
		return lane
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if lane, exists := q.lanes[key]; exists {
		return lane
	}

	lane = make(chan *channel.Message, q.laneBuffer)
	q.lanes[key] = lane
	q.wg.Add(1)
	go q.processLane(key, lane)
	return lane
}

func (q *MessageQueue) processLane(key string, lane chan *channel.Message) {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case msg := <-lane:
			if err := q.acquire(q.ctx); err != nil {
				return
			}
			err := q.handler(q.ctx, msg)
			q.release()
			if err != nil {
				logs.CtxWarn(q.ctx, "[queue] failed to process message in lane %s: %v", key, err)
			}
		}
	}
}

func (q *MessageQueue) acquire(ctx context.Context) error {
	select {
	case q.maxConcurrent <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MessageQueue) release() {
	select {
	case <-q.maxConcurrent:
	default:
	}
}
