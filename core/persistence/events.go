package persistence

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/asaidimu/go-events"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/asaidimu/go-recordbase/core/query"
	"github.com/asaidimu/go-recordbase/core/schema"
)

// ChangeKind is the kind of write a change event reports.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// AllChangeKinds lists every change kind in emission order.
var AllChangeKinds = []ChangeKind{ChangeCreated, ChangeUpdated, ChangeDeleted}

// Topic returns the bus topic events of this kind are emitted under.
func (k ChangeKind) Topic() string {
	return "record:" + string(k)
}

// ChangeEvent is emitted after every successful record write. Data is a copy
// of the written record; for deletes it holds the record as it was before
// removal.
type ChangeEvent struct {
	Kind       ChangeKind    `json:"kind"`
	Collection string        `json:"collection"`
	RecordID   string        `json:"recordId"`
	Data       schema.Record `json:"data,omitempty"`
	Timestamp  time.Time     `json:"timestamp"`
}

func newChangeEvent(kind ChangeKind, collection string, record schema.Record) ChangeEvent {
	return ChangeEvent{
		Kind:       kind,
		Collection: collection,
		RecordID:   record.ID(),
		Data:       maps.Clone(record),
		Timestamp:  time.Now().UTC(),
	}
}

// EventCallbackFunction receives change events. A returned error is logged and
// never reaches the writer.
type EventCallbackFunction func(ctx context.Context, event ChangeEvent) error

// SubscriptionOptions describes a change-event subscription.
type SubscriptionOptions struct {
	// Collection restricts delivery to one collection. Empty means all.
	Collection string
	// Kinds restricts delivery to some change kinds. Empty means all.
	Kinds []ChangeKind
	// Filter is an optional filter expression matched against event data.
	Filter   string
	Callback EventCallbackFunction
	Label    string
}

// SubscriptionInfo describes a registered subscription.
type SubscriptionInfo struct {
	ID         string       `json:"id"`
	Collection string       `json:"collection,omitempty"`
	Kinds      []ChangeKind `json:"kinds"`
	Filter     string       `json:"filter,omitempty"`
	Label      string       `json:"label,omitempty"`

	unsubscribe []func()
}

// EventBus fans change events out to subscribers. Delivery is fire-and-forget:
// the bus does not retry and callbacks never block or fail the writer.
type EventBus struct {
	bus           *events.TypedEventBus[ChangeEvent]
	processor     *query.DataProcessor
	logger        *zap.Logger
	subscriptions map[string]*SubscriptionInfo
	subMu         sync.RWMutex
}

// NewEventBus creates an EventBus. Delivery runs on the bus's worker pool,
// so Emit never waits for a callback.
func NewEventBus(logger *zap.Logger) (*EventBus, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	config := events.DefaultConfig()
	config.Async = true
	config.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	bus, err := events.NewTypedEventBus[ChangeEvent](config)
	if err != nil {
		return nil, fmt.Errorf("could not initialize event bus: %w", err)
	}
	return &EventBus{
		bus:           bus,
		processor:     query.NewDataProcessor(logger),
		logger:        logger,
		subscriptions: make(map[string]*SubscriptionInfo),
	}, nil
}

// Emit publishes event under its kind's topic.
func (b *EventBus) Emit(event ChangeEvent) {
	if b == nil || b.bus == nil {
		return
	}
	b.bus.Emit(event.Kind.Topic(), event)
}

// Close stops the delivery workers after draining queued events.
func (b *EventBus) Close() error {
	if b == nil || b.bus == nil {
		return nil
	}
	return b.bus.Close()
}

// Subscribe registers a callback and returns its subscription id. A malformed
// filter expression is rejected with a bad_request error.
func (b *EventBus) Subscribe(opts SubscriptionOptions) (string, error) {
	if opts.Callback == nil {
		return "", fmt.Errorf("subscription needs a callback")
	}
	var filter *query.QueryFilter
	if opts.Filter != "" {
		expr, err := query.ParseFilter(opts.Filter)
		if err != nil {
			return "", err
		}
		filter = expr.QueryFilter()
	}
	kinds := opts.Kinds
	if len(kinds) == 0 {
		kinds = AllChangeKinds
	}

	id := uuid.New().String()
	info := &SubscriptionInfo{
		ID:         id,
		Collection: opts.Collection,
		Kinds:      slices.Clone(kinds),
		Filter:     opts.Filter,
		Label:      opts.Label,
	}

	handler := func(ctx context.Context, event ChangeEvent) error {
		if opts.Collection != "" && event.Collection != opts.Collection {
			return nil
		}
		if filter != nil {
			ok, err := b.processor.Match(ctx, filter, event.Data)
			if err != nil {
				b.logger.Warn("Subscription filter failed", zap.String("subscription", id), zap.Error(err))
				return nil
			}
			if !ok {
				return nil
			}
		}
		if err := opts.Callback(ctx, event); err != nil {
			b.logger.Warn("Event callback returned an error",
				zap.String("subscription", id),
				zap.String("label", opts.Label),
				zap.String("collection", event.Collection),
				zap.String("kind", string(event.Kind)),
				zap.Error(err))
		}
		return nil
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()
	for _, kind := range kinds {
		info.unsubscribe = append(info.unsubscribe, b.bus.Subscribe(kind.Topic(), handler))
	}
	b.subscriptions[id] = info
	return id, nil
}

// Unsubscribe removes a subscription by its id and reports whether it existed.
func (b *EventBus) Unsubscribe(id string) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	info, ok := b.subscriptions[id]
	if !ok {
		return false
	}
	for _, unsubscribe := range info.unsubscribe {
		unsubscribe()
	}
	delete(b.subscriptions, id)
	return true
}

// Subscriptions returns the active subscriptions ordered by label, then id.
func (b *EventBus) Subscriptions() []SubscriptionInfo {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	subs := make([]SubscriptionInfo, 0, len(b.subscriptions))
	for _, sub := range b.subscriptions {
		subs = append(subs, *sub)
	}
	sort.Slice(subs, func(i, j int) bool {
		if subs[i].Label != subs[j].Label {
			return subs[i].Label < subs[j].Label
		}
		return subs[i].ID < subs[j].ID
	})
	return subs
}
