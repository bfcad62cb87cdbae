// Package memory records published notifications in process. It backs
// deployments without Pub/Sub and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/ecfr-mirror/internal/publisher"
)

// Publisher stores encoded messages for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []Message
}

// Message is one encoded publish call.
type Message struct {
	ID         string
	Topic      string
	Data       []byte
	Attributes map[string]string
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// Publish encodes payload exactly as the Pub/Sub publisher does and records it.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	data, attrs, err := publisher.Encode(ctx, payload)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, Message{ID: id, Topic: topic, Data: data, Attributes: attrs})
	return id, nil
}

// Messages returns a copy of the recorded messages.
func (p *Publisher) Messages() []Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Message, len(p.messages))
	copy(out, p.messages)
	return out
}
