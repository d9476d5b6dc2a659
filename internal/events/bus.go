// Package events fans sync and cache notifications out to in-process subscribers.
package events

import (
	"context"
	"sync"
	"time"
)

const (
	// TopicAll receives every published message.
	TopicAll = "*"
	// TopicCacheInvalidated carries Invalidation payloads.
	TopicCacheInvalidated = "cache.invalidated"
	// TopicMutation carries one MutationEvent per replayed mutation.
	TopicMutation = "sync.mutation"

	syncTopicPrefix   = "sync."
	defaultBufferSize = 64
)

// SyncTopic names the per-entity-type sync-complete topic, e.g. "sync.visual".
func SyncTopic(entityType string) string {
	return syncTopicPrefix + entityType
}

// Message is one published notification.
type Message struct {
	Topic     string
	Payload   any
	Timestamp time.Time
}

// MutationEvent reports the outcome of replaying one queued mutation.
type MutationEvent struct {
	MutationID string
	Type       string
	EntityType string
	EntityKey  string
	ServiceID  string
	TempID     string
	RealID     string
	Status     string
	Error      string
	// Permanent marks a mutation parked with no retries left; Rejected narrows that to the backend refusing it.
	Permanent  bool
	Rejected   bool
	Response   map[string]any
}

// SyncComplete is emitted once per entity type after a sync pass replayed at least one of its mutations.
type SyncComplete struct {
	EntityType string
	ServiceIDs []string
	Completed  int
	Failed     int
}

// Invalidation tells views that cached state for ServiceID (all services when empty) changed.
type Invalidation struct {
	ServiceID string
	Reason    string
}

// Bus is a topic-keyed publish/subscribe dispatcher. Slow subscribers miss messages instead of blocking publishers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type subscriber struct {
	id     int64
	stream chan Message
}

// NewBus constructs an empty Bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
		clock:       time.Now,
	}
}

// Subscribe registers for topic until ctx ends or the returned cleanup runs.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan Message, func()) {
	if topic == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     b.nextSequence(),
		stream: make(chan Message, b.bufferSize),
	}
	b.register(topic, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			b.unregister(topic, sub.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers payload on topic to every subscriber of topic and of TopicAll.
func (b *Bus) Publish(topic string, payload any) {
	if topic == "" {
		return
	}
	message := Message{Topic: topic, Payload: payload, Timestamp: b.clock().UTC()}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers[topic])+len(b.subscribers[TopicAll]))
	for _, sub := range b.subscribers[topic] {
		targets = append(targets, sub)
	}
	if topic != TopicAll {
		for _, sub := range b.subscribers[TopicAll] {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

func (b *Bus) nextSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	return b.nextID
}

func (b *Bus) register(topic string, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[int64]*subscriber)
	}
	b.subscribers[topic][sub.id] = sub
}

func (b *Bus) unregister(topic string, subscriberID int64) {
	b.mu.Lock()
	subscribers := b.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(b.subscribers, topic)
		}
	}
	b.mu.Unlock()
}
