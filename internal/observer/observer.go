// ABOUTME: Pub/sub event observatory telling consumers which rows changed
// ABOUTME: Interest-filtered fan-out with bounded, best-effort delivery

package observer

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber. Delivery
// is best-effort: a full channel drops the event rather than blocking the
// mutation that produced it.
const subscriberBufferSize = 64

// Kind describes what happened to a row.
type Kind int

const (
	KindInsert Kind = iota
	KindUpdate
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindUpdate:
		return "update"
	case KindDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Table identifies which table an event concerns.
type Table string

const (
	TableRecipients  Table = "recipients"
	TableSessions    Table = "sessions"
	TableMessages    Table = "messages"
	TableGroupsV1    Table = "group_v1"
	TableGroupsV2    Table = "group_v2"
	TableReactions   Table = "reactions"
	TableReceipts    Table = "receipts"
	TableAttachments Table = "attachments"
)

// Event is a row-change notification, published after the mutation commits.
type Event struct {
	Kind  Kind
	Table Table
	RowID int64
}

type subscriber struct {
	interests map[Table]bool // nil means all tables
	ch        chan Event
}

// Observatory fans persisted row changes out to interested subscribers.
// It is decoupled from the storage transaction: events are published after
// commit and delivery never fails or delays a mutation.
type Observatory struct {
	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool
	logger *slog.Logger
}

// New creates an Observatory. Pass nil logger for the default.
func New(logger *slog.Logger) *Observatory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Observatory{
		subs:   make(map[string]*subscriber),
		logger: logger.With("component", "observer"),
	}
}

// Subscribe registers a subscriber for events on the given tables; an empty
// interest list means all tables. Returns the event channel and a
// subscription id. The subscription is cleaned up when ctx is cancelled.
func (o *Observatory) Subscribe(ctx context.Context, interests ...Table) (<-chan Event, string) {
	subID := uuid.New().String()
	sub := &subscriber{ch: make(chan Event, subscriberBufferSize)}
	if len(interests) > 0 {
		sub.interests = make(map[Table]bool, len(interests))
		for _, t := range interests {
			sub.interests[t] = true
		}
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	o.subs[subID] = sub
	o.mu.Unlock()

	o.logger.Debug("subscriber added", "sub_id", subID, "interests", len(interests))

	go func() {
		<-ctx.Done()
		o.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// UpdateInterests replaces a subscription's interest set. An empty list
// means all tables.
func (o *Observatory) UpdateInterests(subID string, interests ...Table) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sub, ok := o.subs[subID]
	if !ok {
		return
	}
	if len(interests) == 0 {
		sub.interests = nil
		return
	}
	sub.interests = make(map[Table]bool, len(interests))
	for _, t := range interests {
		sub.interests[t] = true
	}
}

// Publish sends an event to all subscribers interested in its table.
// Non-blocking: events are dropped with a warning for subscribers whose
// channels are full.
func (o *Observatory) Publish(event Event) {
	o.mu.RLock()
	targets := make([]chan Event, 0, len(o.subs))
	for _, sub := range o.subs {
		if sub.interests != nil && !sub.interests[event.Table] {
			continue
		}
		targets = append(targets, sub.ch)
	}
	o.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- event:
		default:
			o.logger.Warn("dropped event for slow subscriber",
				"table", event.Table,
				"row_id", event.RowID,
				"kind", event.Kind.String())
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (o *Observatory) Unsubscribe(subID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	sub, ok := o.subs[subID]
	if !ok {
		return
	}
	delete(o.subs, subID)
	close(sub.ch)

	o.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close shuts down the observatory and closes all subscriber channels.
func (o *Observatory) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	o.closed = true
	for id, sub := range o.subs {
		close(sub.ch)
		delete(o.subs, id)
	}

	o.logger.Debug("observatory closed")
}
