// Package events fans lifecycle notifications out to live subscribers.
package events

import (
	"context"
	"time"

	"github.com/bitforward/forward-engine/internal/model"
)

// Type names a lifecycle event. Types are dot-separated so they map directly
// onto message subjects.
type Type string

const (
	ContractCreated Type = "contract.created"
	ContractFilled  Type = "contract.filled"
	ContractClosed  Type = "contract.closed"
	PriceUpdated    Type = "price.updated"
)

// Event is a JSON message describing one state change.
type Event struct {
	Type       Type                `json:"type"`
	ContractID uint64              `json:"contract_id,omitempty"`
	Asset      string              `json:"asset,omitempty"`
	Price      uint64              `json:"price,omitempty"`
	Block      uint64              `json:"block,omitempty"`
	Contract   *model.Contract     `json:"contract,omitempty"`
	Receipt    *model.CloseReceipt `json:"receipt,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

// Publisher delivers events. Delivery is best effort: implementations log
// failures rather than returning them, so a slow or absent subscriber never
// blocks a lifecycle transition.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Multi publishes to every publisher in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) {
	for _, p := range m {
		p.Publish(ctx, e)
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) {}
