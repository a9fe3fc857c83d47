// Package bus provides inter-agent messaging: an in-process bus backed by
// bounded queues and a cross-process journal backed by an append-only
// JSON-lines file with advisory locking.
package bus

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/noclaw/agentpool/internal/common/logger"
	v1 "github.com/noclaw/agentpool/pkg/api/v1"
)

// inboxCapacity bounds each agent's queue. A full inbox drops the message,
// keeping the fire-and-forget contract.
const inboxCapacity = 256

// Bus is the in-process message transport. One inbox per registered agent,
// broadcast fans out to every inbox except the sender's.
type Bus struct {
	logger *logger.Logger

	mu      sync.RWMutex
	inboxes map[string]chan v1.Message
	history []v1.Message
}

// NewBus creates an empty bus.
func NewBus(log *logger.Logger) *Bus {
	return &Bus{
		logger:  log.WithFields(zap.String("component", "message-bus")),
		inboxes: make(map[string]chan v1.Message),
	}
}

// Register creates an inbox for the agent. Re-registering replaces the
// inbox; pending messages on the old one are lost.
func (b *Bus) Register(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.inboxes[agentID] = make(chan v1.Message, inboxCapacity)
	b.logger.Debug("agent registered", zap.String("agent_id", agentID))
}

// Unregister drops the agent's inbox. Undelivered messages are lost.
func (b *Bus) Unregister(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.inboxes, agentID)
	b.logger.Debug("agent unregistered", zap.String("agent_id", agentID))
}

// Send enqueues a message on the recipient's inbox. An unknown recipient is
// logged at warning and the send still succeeds.
func (b *Bus) Send(from, to, content string) {
	msg := v1.Message{
		From:      from,
		To:        to,
		Content:   content,
		Timestamp: now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, msg)

	inbox, ok := b.inboxes[to]
	if !ok {
		b.logger.Warn("message to unknown recipient dropped",
			zap.String("from", from), zap.String("to", to))
		return
	}
	b.deliver(inbox, msg)
}

// Broadcast enqueues a message on every inbox except the sender's.
func (b *Bus) Broadcast(from, content string) {
	msg := v1.Message{
		From:      from,
		To:        v1.BroadcastRecipient,
		Content:   content,
		Timestamp: now(),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.history = append(b.history, msg)

	for agentID, inbox := range b.inboxes {
		if agentID == from {
			continue
		}
		b.deliver(inbox, msg)
	}
}

// deliver enqueues without blocking. Called with b.mu held.
func (b *Bus) deliver(inbox chan v1.Message, msg v1.Message) {
	select {
	case inbox <- msg:
	default:
		b.logger.Warn("inbox full, message dropped",
			zap.String("from", msg.From), zap.String("to", msg.To))
	}
}

// Receive drains the agent's inbox atomically. When the inbox is empty and
// timeout is positive, it waits up to timeout for the first message and then
// drains any stragglers. Returns an empty slice on timeout or for unknown
// agents.
func (b *Bus) Receive(agentID string, timeout time.Duration) []v1.Message {
	b.mu.RLock()
	inbox, ok := b.inboxes[agentID]
	b.mu.RUnlock()
	if !ok {
		return []v1.Message{}
	}

	msgs := drain(inbox)
	if len(msgs) > 0 || timeout <= 0 {
		return msgs
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-inbox:
		if !ok {
			return []v1.Message{}
		}
		return append([]v1.Message{msg}, drain(inbox)...)
	case <-timer.C:
		return []v1.Message{}
	}
}

// History returns the ordered append log of all messages seen by the bus.
func (b *Bus) History() []v1.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]v1.Message, len(b.history))
	copy(out, b.history)
	return out
}

func drain(inbox chan v1.Message) []v1.Message {
	msgs := []v1.Message{}
	for {
		select {
		case msg := <-inbox:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
