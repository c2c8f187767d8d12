package mem

import (
	"sync"
	"time"

	"github.com/streamcast/livecast/store"
)

// Config represents the InMemory store config structure.
type Config struct{}

// InMemory represents the in-memory implementation of the Store interface.
// Useful for development and tests; records do not survive a restart.
type InMemory struct {
	cfg *Config
	mu  sync.Mutex

	nextID     int64
	messages   map[string][]store.Message
	activities map[string][]store.Activity
	clips      []store.Clip
	markers    []store.Marker
}

// New returns a new in-memory store.
func New(cfg Config) (*InMemory, error) {
	return &InMemory{
		cfg:        &cfg,
		messages:   map[string][]store.Message{},
		activities: map[string][]store.Activity{},
	}, nil
}

// AddMessage appends a chat message and returns its ID.
func (m *InMemory) AddMessage(msg store.Message) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	msg.ID = m.nextID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	m.messages[msg.Room] = append(m.messages[msg.Room], msg)
	return msg.ID, nil
}

// DeleteMessage removes a message by ID from a room.
func (m *InMemory) DeleteMessage(id int64, room string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[room]
	for i, msg := range msgs {
		if msg.ID == id {
			m.messages[room] = append(msgs[:i], msgs[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

// RecentMessages returns the latest n messages of a room, oldest first.
func (m *InMemory) RecentMessages(room string, n int) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := m.messages[room]
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	out := make([]store.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// AddActivity appends an activity record and returns its ID.
func (m *InMemory) AddActivity(a store.Activity) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	a.ID = m.nextID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	m.activities[a.Room] = append(m.activities[a.Room], a)
	return a.ID, nil
}

// RecentActivities returns the latest n activities of a room, oldest first.
func (m *InMemory) RecentActivities(room string, n int) ([]store.Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acts := m.activities[room]
	if len(acts) > n {
		acts = acts[len(acts)-n:]
	}
	out := make([]store.Activity, len(acts))
	copy(out, acts)
	return out, nil
}

// CountMessagesSince counts a room's messages newer than since.
func (m *InMemory) CountMessagesSince(room string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int
	for _, msg := range m.messages[room] {
		if msg.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

// CountActivitiesSince counts a room's activities of one kind newer than since.
func (m *InMemory) CountActivitiesSince(room, kind string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int
	for _, a := range m.activities[room] {
		if a.Kind == kind && a.CreatedAt.After(since) {
			count++
		}
	}
	return count, nil
}

// AddClip logs a clip marker timestamp.
func (m *InMemory) AddClip(c store.Clip) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	c.ID = m.nextID
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.clips = append(m.clips, c)
	return c.ID, nil
}

// AddMarker logs a stream marker timestamp.
func (m *InMemory) AddMarker(mk store.Marker) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	mk.ID = m.nextID
	if mk.CreatedAt.IsZero() {
		mk.CreatedAt = time.Now()
	}
	m.markers = append(m.markers, mk)
	return mk.ID, nil
}

// Close is a no-op for the in-memory store.
func (m *InMemory) Close() error {
	return nil
}
