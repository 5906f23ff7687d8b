// Package events publishes engine events to interested consumers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Topics.
const (
	TopicTransactions = "allowance.transactions"
	TopicDeliveries   = "allowance.deliveries"
	TopicPrincipals   = "allowance.principals"
)

// Publisher delivers an event on a topic. key groups events for ordering.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, event any) error
}

// TransactionRecorded is emitted for every ledger entry, accepted or rejected.
type TransactionRecorded struct {
	TransactionID string          `json:"transaction_id"`
	From          string          `json:"from"`
	To            string          `json:"to"`
	Amount        decimal.Decimal `json:"amount"`
	Category      string          `json:"category,omitempty"`
	OfferingID    string          `json:"offering_id,omitempty"`
	Status        string          `json:"status"`
	Reason        string          `json:"reason,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

// DeliverySimulated is emitted when the market simulates consuming an offering.
type DeliverySimulated struct {
	OfferingID string    `json:"offering_id"`
	Success    bool      `json:"success"`
	Quality    float64   `json:"quality"`
	OccurredAt time.Time `json:"occurred_at"`
}

// PrincipalRevoked is emitted when a principal's authority is withdrawn.
type PrincipalRevoked struct {
	Principal  string    `json:"principal"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Message is a published event as seen by MemoryPublisher.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// MemoryPublisher keeps published events in memory.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
}

// NewMemoryPublisher creates an empty publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Publish implements Publisher.
func (p *MemoryPublisher) Publish(_ context.Context, topic, key string, event any) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, Message{Topic: topic, Key: key, Value: data})
	return nil
}

// Messages returns published messages, optionally filtered by topic.
func (p *MemoryPublisher) Messages(topic string) []Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Message
	for _, m := range p.messages {
		if topic == "" || m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, string, string, any) error { return nil }
