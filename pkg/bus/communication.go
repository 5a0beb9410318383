package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cirisai/ciris-engine/pkg/models"
	"github.com/cirisai/ciris-engine/pkg/registry"
	"github.com/cirisai/ciris-engine/pkg/services"
)

// sendQueueDepth bounds the per-channel outbound queue.
const sendQueueDepth = 64

// CommunicationProvider delivers outbound messages for an adapter.
type CommunicationProvider interface {
	Send(ctx context.Context, channelID, content string) error
}

type sendJob struct {
	ctx       context.Context
	channelID string
	content   string
	result    chan error
}

// CommunicationBus sends outbound messages and serves channel history.
// Per-channel FIFO is preserved by a dedicated outbound queue per channel,
// drained by one goroutine; concurrent Sends to different channels proceed
// independently.
type CommunicationBus struct {
	core     *core
	messages *services.MessageService
	events   MessageSink

	mu     sync.Mutex
	queues map[string]chan *sendJob
	closed bool
	wg     sync.WaitGroup
}

func newCommunicationBus(core *core, messages *services.MessageService, events MessageSink) *CommunicationBus {
	return &CommunicationBus{
		core:     core,
		messages: messages,
		events:   events,
		queues:   make(map[string]chan *sendJob),
	}
}

// Send delivers content to a channel, preserving per-channel order. A channel
// id of the form "adapter/rest" pins provider selection to that adapter;
// otherwise the priority strategy picks among communication providers.
// Send returns once delivery succeeded, failed, or ctx expired (an expired
// wait does not cancel the queued delivery's place in line).
func (b *CommunicationBus) Send(ctx context.Context, channelID, content string) error {
	if channelID == "" {
		return services.NewValidationError("channel_id", "required")
	}
	if content == "" {
		return services.NewValidationError("content", "required")
	}

	q, err := b.queue(channelID)
	if err != nil {
		return err
	}

	job := &sendJob{ctx: ctx, channelID: channelID, content: content, result: make(chan error, 1)}
	select {
	case q <- job:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-job.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// FetchHistory returns the channel's recent messages, newest first, from the
// canonical message store.
func (b *CommunicationBus) FetchHistory(ctx context.Context, channelID string, limit int) ([]*models.ChannelMessage, error) {
	if channelID == "" {
		return nil, services.NewValidationError("channel_id", "required")
	}
	return b.messages.History(ctx, channelID, limit, nil)
}

// Close drains and stops every channel queue. Sends after Close fail.
func (b *CommunicationBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// queue returns the channel's outbound queue, creating it and its drain
// goroutine on first use.
func (b *CommunicationBus) queue(channelID string) (chan *sendJob, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("communication bus is closed")
	}
	q, ok := b.queues[channelID]
	if !ok {
		q = make(chan *sendJob, sendQueueDepth)
		b.queues[channelID] = q
		b.wg.Add(1)
		go b.drain(channelID, q)
	}
	return q, nil
}

func (b *CommunicationBus) drain(channelID string, q chan *sendJob) {
	defer b.wg.Done()
	for job := range q {
		job.result <- b.deliver(job.ctx, channelID, job.content)
	}
}

func (b *CommunicationBus) deliver(ctx context.Context, channelID, content string) error {
	sel := registry.Selector{}
	if idx := strings.Index(channelID, "/"); idx > 0 {
		sel.Name = channelID[:idx]
	}

	var adapterID string
	err := b.core.invoke(ctx, registry.CapabilityCommunication, sel, "send", summarize(content),
		func(ctx context.Context, p registry.Provider) (callResult, error) {
			cp, ok := p.Instance.(CommunicationProvider)
			if !ok {
				return callResult{}, fmt.Errorf("provider %q does not implement CommunicationProvider", p.Name)
			}
			adapterID = p.Name
			if err := cp.Send(ctx, channelID, content); err != nil {
				return callResult{}, err
			}
			return callResult{response: "delivered"}, nil
		})
	if err != nil {
		return err
	}

	// Record the outbound message in the canonical history. Use a fresh
	// context: the message was delivered, the record must not be lost to a
	// caller that has already moved on.
	recordCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	recorded, err := b.messages.RecordOutbound(recordCtx, models.ChannelMessage{
		ChannelID: channelID,
		AdapterID: adapterID,
		Content:   content,
	})
	if err != nil {
		b.core.logger.Error("Failed to record outbound message",
			"channel_id", channelID, "error", err)
		return nil
	}
	if b.events != nil {
		b.events.Message(recordCtx, recorded)
	}
	return nil
}
