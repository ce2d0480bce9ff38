package bus

import (
	"context"
	"sync"
)

// Message is one message captured by MemoryBus.
type Message struct {
	Subject string
	MsgID   string
	Data    []byte
}

// MemoryBus is an in-process Publisher that records messages and drops
// duplicates by message id, like JetStream inside its dedup window.
type MemoryBus struct {
	mu       sync.Mutex
	messages []Message
	seen     map[string]bool

	// Err, when set, is returned from every Publish.
	Err error
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{seen: make(map[string]bool)}
}

// Publish records data unless msgID was seen before.
func (b *MemoryBus) Publish(ctx context.Context, subject, msgID string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.Err != nil {
		return b.Err
	}
	if msgID != "" {
		if b.seen[msgID] {
			return nil
		}
		b.seen[msgID] = true
	}
	b.messages = append(b.messages, Message{Subject: subject, MsgID: msgID, Data: append([]byte(nil), data...)})
	return nil
}

// Messages returns the recorded messages on subject, or all when subject is empty.
func (b *MemoryBus) Messages(subject string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, m := range b.messages {
		if subject == "" || m.Subject == subject {
			out = append(out, m)
		}
	}
	return out
}

// SetErr changes the publish error.
func (b *MemoryBus) SetErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Err = err
}
