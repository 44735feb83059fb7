package client

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryConfirmed DeliveryStatus = "confirmed"
	DeliveryFailed    DeliveryStatus = "failed"
)

// OutboundMessage is a chat message shown optimistically before the server echoes it.
type OutboundMessage struct {
	ClientID  string
	Room      string
	Text      string
	Status    DeliveryStatus
	Reason    string
	CreatedAt time.Time
}

// DefaultSettledHistory is how many confirmed or failed messages an Outbox keeps.
const DefaultSettledHistory = 200

// Outbox tracks optimistic sends by client id. Only pending entries change
// status. Settled entries beyond the history limit are dropped oldest first.
type Outbox struct {
	mu      sync.Mutex
	items   map[string]*OutboundMessage
	order   []string
	keep    int
	settled int
}

func NewOutbox() *Outbox {
	return NewOutboxWithHistory(DefaultSettledHistory)
}

// NewOutboxWithHistory keeps at most keep settled messages.
func NewOutboxWithHistory(keep int) *Outbox {
	if keep < 0 {
		keep = 0
	}
	return &Outbox{items: make(map[string]*OutboundMessage), keep: keep}
}

func (o *Outbox) Add(room, text string) OutboundMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	msg := &OutboundMessage{
		ClientID:  uuid.NewString(),
		Room:      room,
		Text:      text,
		Status:    DeliveryPending,
		CreatedAt: time.Now(),
	}
	o.items[msg.ClientID] = msg
	o.order = append(o.order, msg.ClientID)
	return *msg
}

func (o *Outbox) Confirm(clientID string) bool {
	return o.settle(clientID, DeliveryConfirmed, "")
}

func (o *Outbox) Fail(clientID, reason string) bool {
	return o.settle(clientID, DeliveryFailed, reason)
}

func (o *Outbox) settle(clientID string, status DeliveryStatus, reason string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	msg, ok := o.items[clientID]
	if !ok || msg.Status != DeliveryPending {
		return false
	}
	msg.Status = status
	msg.Reason = reason
	o.settled++
	o.pruneLocked()
	return true
}

func (o *Outbox) pruneLocked() {
	if o.settled <= o.keep {
		return
	}
	kept := o.order[:0]
	for _, id := range o.order {
		if o.settled > o.keep && o.items[id].Status != DeliveryPending {
			delete(o.items, id)
			o.settled--
			continue
		}
		kept = append(kept, id)
	}
	o.order = kept
}

func (o *Outbox) Get(clientID string) (OutboundMessage, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	msg, ok := o.items[clientID]
	if !ok {
		return OutboundMessage{}, false
	}
	return *msg, true
}

// Pending lists unsettled messages in send order.
func (o *Outbox) Pending() []OutboundMessage {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []OutboundMessage
	for _, id := range o.order {
		if msg := o.items[id]; msg.Status == DeliveryPending {
			out = append(out, *msg)
		}
	}
	return out
}

// Reset drops everything, e.g. after logout.
func (o *Outbox) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.items = make(map[string]*OutboundMessage)
	o.order = nil
	o.settled = 0
}
