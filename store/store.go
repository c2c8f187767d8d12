package store

import (
	"errors"
	"time"
)

// Store is a backend for the durable chat and activity records of a room.
// Live-room state (connections, slow mode, polls) never touches the store.
type Store interface {
	// AddMessage appends a chat message and returns its durable ID.
	AddMessage(m Message) (int64, error)
	// DeleteMessage removes a message by ID, scoped to its room.
	DeleteMessage(id int64, room string) error
	// RecentMessages returns the latest n messages of a room, oldest first.
	RecentMessages(room string, n int) ([]Message, error)

	// AddActivity appends an activity record and returns its ID.
	AddActivity(a Activity) (int64, error)
	// RecentActivities returns the latest n activities of a room, oldest first.
	RecentActivities(room string, n int) ([]Activity, error)

	// CountMessagesSince counts a room's messages newer than since.
	CountMessagesSince(room string, since time.Time) (int, error)
	// CountActivitiesSince counts a room's activities of one kind newer than since.
	CountActivitiesSince(room, kind string, since time.Time) (int, error)

	// AddClip logs a clip marker timestamp.
	AddClip(c Clip) (int64, error)
	// AddMarker logs a stream marker timestamp.
	AddMarker(m Marker) (int64, error)

	Close() error
}

// Message is a persisted chat message.
type Message struct {
	ID        int64     `json:"id"`
	Room      string    `json:"room"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	IsMod     bool      `json:"is_mod"`
	CreatedAt time.Time `json:"created_at"`
}

// Activity is a persisted stream activity (like, subscribe).
type Activity struct {
	ID        int64     `json:"id"`
	Room      string    `json:"room"`
	Username  string    `json:"username"`
	Kind      string    `json:"activity_type"`
	CreatedAt time.Time `json:"created_at"`
}

// Clip is a logged clip marker.
type Clip struct {
	ID        int64     `json:"id"`
	Room      string    `json:"room"`
	Username  string    `json:"username"`
	ClipAt    time.Time `json:"clip_timestamp"`
	CreatedAt time.Time `json:"created_at"`
}

// Marker is a logged stream marker.
type Marker struct {
	ID        int64     `json:"id"`
	Room      string    `json:"room"`
	Username  string    `json:"username"`
	Label     string    `json:"label"`
	MarkerAt  time.Time `json:"marker_timestamp"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrNotFound indicates that the requested record was not found.
var ErrNotFound = errors.New("record not found")
