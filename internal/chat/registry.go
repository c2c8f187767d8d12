package chat

import "sync"

// AnonymousName is the display label for connections with no identity.
const AnonymousName = "Anonymous"

// member is a connection and its display identity within a room.
// An empty name marks an anonymous, read-only viewer.
type member struct {
	conn *Conn
	name string
}

// Registry is the authoritative map of room key (streamer username) to the
// connections currently in the room. Rooms exist implicitly: an entry is
// created on first join and deleted when the last connection leaves, at
// which point onEmpty runs so per-room side state (slow mode, polls) is
// torn down with the room.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string][]member
	onEmpty func(room string)
}

// NewRegistry returns an empty registry. onEmpty may be nil.
func NewRegistry(onEmpty func(room string)) *Registry {
	return &Registry{
		rooms:   make(map[string][]member),
		onEmpty: onEmpty,
	}
}

// Join adds a connection to a room, creating the room if absent.
// name may be empty for anonymous viewers.
func (r *Registry) Join(room string, c *Conn, name string) {
	r.mu.Lock()
	r.rooms[room] = append(r.rooms[room], member{conn: c, name: name})
	r.mu.Unlock()
}

// Leave removes a connection from a room. Comparison is by connection
// identity, not contents. When the room empties, its entry is deleted and
// onEmpty runs before the lock is released, so no other operation can
// observe a half-destroyed room.
func (r *Registry) Leave(room string, c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		return
	}

	out := members[:0]
	for _, m := range members {
		if m.conn != c {
			out = append(out, m)
		}
	}

	if len(out) == 0 {
		delete(r.rooms, room)
		if r.onEmpty != nil {
			r.onEmpty(room)
		}
		return
	}
	r.rooms[room] = out
}

// Identity returns the display name of a connection in a room, or "" if
// the connection is anonymous or not present.
func (r *Registry) Identity(room string, c *Conn) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, m := range r.rooms[room] {
		if m.conn == c {
			return m.name
		}
	}
	return ""
}

// Count returns the number of connections in a room.
func (r *Registry) Count(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// ViewerNames returns the distinct display names in a room, in join order.
// Anonymous connections collapse into a single sentinel label, and the
// streamer's own connections are excluded from the tally.
func (r *Registry) ViewerNames(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		seen    = make(map[string]bool)
		viewers = []string{}
	)
	for _, m := range r.rooms[room] {
		display := m.name
		if display == "" {
			display = AnonymousName
		}
		if display == room || seen[display] {
			continue
		}
		seen[display] = true
		viewers = append(viewers, display)
	}
	return viewers
}

// members returns a snapshot of a room's membership for fan-out.
// Connections that join after the snapshot is taken catch up via their own
// join-time replay.
func (r *Registry) members(room string) []member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]member, len(r.rooms[room]))
	copy(out, r.rooms[room])
	return out
}
