// Package events implements the publish/subscribe bus and the
// correlation tracker. Publishing is rate-limited by a token bucket;
// delivery is per-subscriber with bounded queues so one slow consumer
// cannot stall the bus or other subscribers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/runehost/runehost/internal/config"
	"github.com/runehost/runehost/internal/storage"
	"github.com/runehost/runehost/pkg/models"
)

// ErrRateLimited is returned by Publish when the token bucket has no
// capacity left. Callers decide whether to drop, retry, or back off.
var ErrRateLimited = fmt.Errorf("event bus: rate limited")

// Persister stores published events so they can be replayed later.
type Persister interface {
	PersistEvent(ctx context.Context, event models.UniversalEvent) error
	PersistedEvents(ctx context.Context, pattern string) ([]models.UniversalEvent, error)
}

// Subscription is one subscriber's handle: a bounded delivery channel
// plus its matching pattern. Close to unsubscribe.
type Subscription struct {
	ID      string
	Pattern string
	C       <-chan models.UniversalEvent

	bus     *Bus
	ch      chan models.UniversalEvent
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped reports how many events were discarded because this
// subscriber's queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close unsubscribes and closes the delivery channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s.ID)
		close(s.ch)
	})
}

// Metrics are the bus counters, all monotonically increasing.
type Metrics struct {
	Published   uint64 `json:"published"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
	RateLimited uint64 `json:"rate_limited"`
	Persisted   uint64 `json:"persisted"`
	Subscribers int    `json:"subscribers"`
}

// Bus is the process-wide event bus.
type Bus struct {
	limiter *rate.Limiter
	bufSize int
	persist Persister

	mu   sync.RWMutex
	subs map[string]*Subscription

	seq         atomic.Uint64
	published   atomic.Uint64
	delivered   atomic.Uint64
	dropped     atomic.Uint64
	rateLimited atomic.Uint64
	persisted   atomic.Uint64
}

// NewBus creates a bus with the given rate limit and subscriber buffer
// size. persist may be nil to disable write-through persistence.
func NewBus(cfg config.EventBusConfig, persist Persister) *Bus {
	if cfg.MaxRate <= 0 {
		cfg.MaxRate = 1000
	}
	if cfg.BurstCapacity <= 0 {
		cfg.BurstCapacity = int(cfg.MaxRate)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	if !cfg.PersistEvents {
		persist = nil
	}

	b := &Bus{
		limiter: rate.NewLimiter(rate.Limit(cfg.MaxRate), cfg.BurstCapacity),
		bufSize: cfg.BufferSize,
		persist: persist,
		subs:    make(map[string]*Subscription),
	}
	log.Info().
		Float64("max_rate", cfg.MaxRate).
		Int("burst", cfg.BurstCapacity).
		Int("buffer", cfg.BufferSize).
		Bool("persist", persist != nil).
		Msg("Event bus configured")
	return b
}

// NewEvent builds a populated event envelope without publishing it.
// Sequence is assigned at publish time.
func (b *Bus) NewEvent(eventType string, payload interface{}, meta models.EventMetadata) models.UniversalEvent {
	if meta.CorrelationID == "" {
		meta.CorrelationID = uuid.NewString()
	}
	return models.UniversalEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		Payload:   payload,
		Language:  models.LangNative,
		Timestamp: time.Now().UTC(),
		Metadata:  meta,
	}
}

// Publish delivers the event to every subscriber whose pattern matches
// its type. Returns ErrRateLimited when the token bucket is empty; the
// event is then neither persisted nor delivered.
func (b *Bus) Publish(ctx context.Context, event models.UniversalEvent) error {
	if !b.limiter.Allow() {
		b.rateLimited.Add(1)
		return ErrRateLimited
	}

	event.Sequence = b.seq.Add(1)
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	b.published.Add(1)

	if b.persist != nil {
		if err := b.persist.PersistEvent(ctx, event); err != nil {
			log.Error().Err(err).Str("type", event.Type).Msg("Failed to persist event")
		} else {
			b.persisted.Add(1)
		}
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !MatchPattern(sub.Pattern, event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
			b.delivered.Add(1)
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			log.Warn().
				Str("subscription", sub.ID).
				Str("pattern", sub.Pattern).
				Str("type", event.Type).
				Msg("Subscriber queue full, event dropped")
		}
	}
	return nil
}

// Emit is the convenience path: build and publish in one call.
func (b *Bus) Emit(ctx context.Context, eventType string, payload interface{}, meta models.EventMetadata) (models.UniversalEvent, error) {
	event := b.NewEvent(eventType, payload, meta)
	err := b.Publish(ctx, event)
	return event, err
}

// Subscribe registers a pattern and returns the subscription handle.
func (b *Bus) Subscribe(pattern string) *Subscription {
	ch := make(chan models.UniversalEvent, b.bufSize)
	sub := &Subscription{
		ID:      uuid.NewString(),
		Pattern: pattern,
		C:       ch,
		bus:     b,
		ch:      ch,
	}
	b.mu.Lock()
	b.subs[sub.ID] = sub
	b.mu.Unlock()
	return sub
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Replay returns persisted events whose type matches pattern, in
// publish order. Requires persistence to be enabled.
func (b *Bus) Replay(ctx context.Context, pattern string) ([]models.UniversalEvent, error) {
	if b.persist == nil {
		return nil, fmt.Errorf("event bus: persistence disabled")
	}
	return b.persist.PersistedEvents(ctx, pattern)
}

// Metrics returns a snapshot of the bus counters.
func (b *Bus) Metrics() Metrics {
	b.mu.RLock()
	subs := len(b.subs)
	b.mu.RUnlock()
	return Metrics{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		RateLimited: b.rateLimited.Load(),
		Persisted:   b.persisted.Load(),
		Subscribers: subs,
	}
}

// ── Storage persistence adapter ──────────────────────────────

// eventTenant is the storage namespace reserved for the event log.
const eventTenant = "__events"

// StorageAdapter persists events through a storage.Backend, keyed by
// publish sequence so lexical key order is publish order.
type StorageAdapter struct {
	backend storage.Backend
}

// NewStorageAdapter wraps a backend as an event Persister.
func NewStorageAdapter(backend storage.Backend) *StorageAdapter {
	return &StorageAdapter{backend: backend}
}

func (a *StorageAdapter) PersistEvent(ctx context.Context, event models.UniversalEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	key := fmt.Sprintf("event:%020d", event.Sequence)
	_, err = a.backend.Set(ctx, eventTenant, key, data)
	return err
}

func (a *StorageAdapter) PersistedEvents(ctx context.Context, pattern string) ([]models.UniversalEvent, error) {
	keys, err := a.backend.ListKeys(ctx, eventTenant, "event:")
	if err != nil {
		return nil, err
	}

	var out []models.UniversalEvent
	for _, key := range keys {
		entry, err := a.backend.Get(ctx, eventTenant, key)
		if err != nil {
			if storage.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		var event models.UniversalEvent
		if err := json.Unmarshal(entry.Value, &event); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Skipping corrupt persisted event")
			continue
		}
		if MatchPattern(pattern, event.Type) {
			out = append(out, event)
		}
	}
	return out, nil
}
