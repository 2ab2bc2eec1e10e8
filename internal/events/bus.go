// Package events carries invalidation notices between the components that
// mutate spatial data and the ones caching results derived from it.
package events

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// Topic names a kind of change.
type Topic string

// Topics.
const (
	// AreasChanged is published after areas of a level were inserted, deleted
	// or had their geometry changed.
	AreasChanged Topic = "areas.changed"
	// AreaAttributesChanged is published after attribute values (e.g. labels)
	// of an area were written.
	AreaAttributesChanged Topic = "areas.attributes_changed"
	// MatrixRebuilt is published after a mode variant's matrices were replaced.
	MatrixRebuilt Topic = "matrix.rebuilt"
	// CapacitiesChanged is published after capacity rows of a service changed.
	CapacitiesChanged Topic = "capacities.changed"
	// PopulationChanged is published after a population snapshot was
	// re-aggregated or disaggregated.
	PopulationChanged Topic = "population.changed"
	// DefaultsChanged is published after the default of a group (mode
	// variant, prognosis, demand rate set, ...) moved to another row.
	DefaultsChanged Topic = "defaults.changed"
)

// Event is one change notice. Only the ids relevant to the topic are set.
type Event struct {
	Topic        Topic `json:"topic"`
	AreaLevelID  int64 `json:"area_level_id,omitempty"`
	VariantID    int64 `json:"variant_id,omitempty"`
	ServiceID    int64 `json:"service_id,omitempty"`
	PopulationID int64 `json:"population_id,omitempty"`
}

// Handler reacts to an event.
type Handler func(ctx context.Context, ev Event) error

// Publisher publishes events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Bus dispatches events synchronously to in-process subscribers and hands
// them to forwarders (e.g. a Redis bridge) for other processes.
type Bus struct {
	mu         sync.RWMutex
	handlers   map[Topic][]Handler
	forwarders []Publisher
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{handlers: make(map[Topic][]Handler)}
}

// Subscribe registers h for topic.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

// Forward adds a publisher that receives every locally published event.
func (b *Bus) Forward(p Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.forwarders = append(b.forwarders, p)
}

// Publish dispatches ev to local subscribers, then to forwarders. All
// handlers run even if one fails; the errors are joined.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	err := b.Dispatch(ctx, ev)

	b.mu.RLock()
	fwd := append([]Publisher(nil), b.forwarders...)
	b.mu.RUnlock()

	for _, p := range fwd {
		if ferr := p.Publish(ctx, ev); ferr != nil {
			zap.L().Warn("events: forward failed", zap.String("topic", string(ev.Topic)), zap.Error(ferr))
			err = errors.Join(err, ferr)
		}
	}
	return err
}

// Dispatch delivers ev to local subscribers only.
func (b *Bus) Dispatch(ctx context.Context, ev Event) error {
	b.mu.RLock()
	hs := append([]Handler(nil), b.handlers[ev.Topic]...)
	b.mu.RUnlock()

	var err error
	for _, h := range hs {
		if herr := h(ctx, ev); herr != nil {
			zap.L().Warn("events: handler failed", zap.String("topic", string(ev.Topic)), zap.Error(herr))
			err = errors.Join(err, herr)
		}
	}
	return err
}
