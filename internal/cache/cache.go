// Package cache memoizes read requests for a short window and shares in-flight loads between callers.
package cache

import (
	"errors"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultTTL bounds how long a resolved read is reused.
const DefaultTTL = 5 * time.Minute

const keySeparator = "|"

// ErrExists is returned by Add when a fresh entry already occupies the key.
var ErrExists = errors.New("cache: key already present")

// Key identifies one cached read. Scope is usually the service id the read belongs to.
type Key struct {
	Scope string
	Kind  string
	ID    string
}

func (k Key) String() string {
	return k.Scope + keySeparator + k.Kind + keySeparator + k.ID
}

func scopePrefix(scope string) string {
	return scope + keySeparator
}

// Cache is the capability injected into services that memoize reads.
type Cache interface {
	Get(key Key) (any, bool)
	Set(key Key, value any)
	// Add stores value only when key holds no fresh entry.
	Add(key Key, value any) error
	Invalidate(key Key)
	ClearScope(scope string)
	ClearAll()
	SweepExpired()
}

// Memory is an in-process Cache. Expiry is checked on read; nothing runs in the background.
type Memory struct {
	items *gocache.Cache
	ttl   time.Duration
}

// NewMemory returns a Memory cache whose entries live for ttl (DefaultTTL when zero).
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		items: gocache.New(ttl, 0),
		ttl:   ttl,
	}
}

// TTL reports the entry lifetime.
func (m *Memory) TTL() time.Duration {
	return m.ttl
}

func (m *Memory) Get(key Key) (any, bool) {
	return m.items.Get(key.String())
}

func (m *Memory) Set(key Key, value any) {
	m.items.Set(key.String(), value, gocache.DefaultExpiration)
}

func (m *Memory) Add(key Key, value any) error {
	if err := m.items.Add(key.String(), value, gocache.DefaultExpiration); err != nil {
		return ErrExists
	}
	return nil
}

func (m *Memory) Invalidate(key Key) {
	m.items.Delete(key.String())
}

// ClearScope drops every entry recorded under scope.
func (m *Memory) ClearScope(scope string) {
	prefix := scopePrefix(scope)
	for key := range m.items.Items() {
		if strings.HasPrefix(key, prefix) {
			m.items.Delete(key)
		}
	}
}

func (m *Memory) ClearAll() {
	m.items.Flush()
}

func (m *Memory) SweepExpired() {
	m.items.DeleteExpired()
}

// Len reports stored entries, including expired ones not yet swept.
func (m *Memory) Len() int {
	return m.items.ItemCount()
}
