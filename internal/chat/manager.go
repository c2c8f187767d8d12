package chat

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/streamcast/livecast/store"
)

// Manager owns the live state of all rooms: the connection registry, the
// slow-mode tracker, and the poll engine. It is constructed once per
// process and injected into sessions and HTTP handlers. Live-room state is
// ephemeral; only chat and activity records go to the store.
type Manager struct {
	registry *Registry
	slowMode *SlowMode
	polls    *Polls

	store store.Store
	log   zerolog.Logger
}

// NewManager returns a manager wired to the given persistence store.
func NewManager(st store.Store, lo zerolog.Logger) *Manager {
	m := &Manager{
		slowMode: NewSlowMode(),
		polls:    NewPolls(),
		store:    st,
		log:      lo,
	}
	// Tie side-table lifecycle to room lifecycle: when a room loses its
	// last connection, its slow-mode and poll state go with it.
	m.registry = NewRegistry(func(room string) {
		m.slowMode.Reset(room)
		m.polls.Reset(room)
		m.log.Debug().Str("room", room).Msg("room destroyed")
	})
	return m
}

// ViewerCount returns the number of live connections in a room.
func (m *Manager) ViewerCount(room string) int {
	return m.registry.Count(room)
}

// SlowModeEnabled reports a room's slow-mode flag.
func (m *Manager) SlowModeEnabled(room string) bool {
	return m.slowMode.Enabled(room)
}

// CurrentPoll returns the room's active poll, if any.
func (m *Manager) CurrentPoll(room string) (Poll, bool) {
	return m.polls.Current(room)
}

// Broadcast delivers an event to every connection in a room. The event is
// serialized once and sent to the membership snapshot taken at call time.
// Connections whose send fails are dropped from the room; failure never
// propagates to the caller.
func (m *Manager) Broadcast(room string, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		m.log.Error().Err(err).Str("room", room).Str("event", ev.eventType()).
			Msg("error marshalling event")
		return
	}

	var dead []*Conn
	for _, mb := range m.registry.members(room) {
		if err := mb.conn.Send(b); err != nil {
			dead = append(dead, mb.conn)
		}
	}

	// A failed send is an implicit disconnect for that peer only.
	for _, c := range dead {
		m.registry.Leave(room, c)
		c.Close()
		m.log.Debug().Str("room", room).Str("conn", c.ID()).
			Msg("dropped dead connection during broadcast")
	}
}

// SendPersonal delivers an event to a single connection, best-effort.
// A failure is logged and swallowed; the next broadcast or a reconnect
// resynchronizes the client.
func (m *Manager) SendPersonal(c *Conn, ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		m.log.Error().Err(err).Str("event", ev.eventType()).Msg("error marshalling event")
		return
	}
	if err := c.Send(b); err != nil {
		m.log.Debug().Err(err).Str("conn", c.ID()).Msg("personal send failed")
	}
}

// BroadcastViewerList sends the room's current viewer list to everyone in it.
func (m *Manager) BroadcastViewerList(room string) {
	viewers := m.registry.ViewerNames(room)
	m.Broadcast(room, ViewerListEvent{
		Type:    TypeViewerList,
		Viewers: viewers,
		Count:   len(viewers),
	})
}

// BroadcastActivity announces a like / subscribe activity to the room.
func (m *Manager) BroadcastActivity(room, kind, username string) {
	m.Broadcast(room, ActivityEvent{
		Type:         TypeActivity,
		ActivityType: kind,
		User:         username,
		Timestamp:    nowMillis(),
	})
}

// BroadcastMessageDeleted tells the room to drop a message by ID.
func (m *Manager) BroadcastMessageDeleted(room, msgID string) {
	m.Broadcast(room, MessageDeletedEvent{Type: TypeMessageDeleted, MsgID: msgID})
}

// BroadcastStatusUpdate announces the stream going live or offline.
func (m *Manager) BroadcastStatusUpdate(room string, isLive bool) {
	m.Broadcast(room, StatusUpdateEvent{
		Type:      TypeStatusUpdate,
		IsLive:    isLive,
		Timestamp: nowMillis(),
	})
}
