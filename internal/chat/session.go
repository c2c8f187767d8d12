package chat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/streamcast/livecast/store"
)

// maxChatLen is the maximum chat message length in runes; longer messages
// are truncated, not rejected.
const maxChatLen = 500

// Session is the per-connection protocol loop bridging one viewer's
// websocket to the room state. Frames from a connection are handled
// strictly in arrival order.
type Session struct {
	room string
	conn *Conn

	// user is empty for anonymous, read-only viewers. The creator is the
	// connection whose identity equals the room key.
	user      string
	isCreator bool

	m   *Manager
	log zerolog.Logger
}

// NewSession returns a session for an authenticated (or anonymous)
// connection into a room.
func NewSession(m *Manager, room string, conn *Conn, user string) *Session {
	return &Session{
		room:      room,
		conn:      conn,
		user:      user,
		isCreator: user != "" && user == room,
		m:         m,
		log: m.log.With().Str("room", room).Str("conn", conn.ID()).
			Str("user", user).Logger(),
	}
}

// Run registers the connection, replays room state to it, and processes
// inbound frames until the connection drops. It blocks until then.
// Deregistration and the viewer-list rebroadcast run on every exit path,
// exactly once.
func (s *Session) Run() {
	s.m.registry.Join(s.room, s.conn, s.user)
	defer func() {
		s.m.registry.Leave(s.room, s.conn)
		s.m.BroadcastViewerList(s.room)
		s.conn.Close()
		s.log.Debug().Msg("session closed")
	}()

	s.greet()
	s.m.BroadcastViewerList(s.room)

	for {
		raw, err := s.conn.Read()
		if err != nil {
			return
		}
		s.dispatch(raw)
	}
}

// greet sends the join-time replay to the new connection only: a system
// confirmation, the slow-mode flag, and the active poll if one is running.
func (s *Session) greet() {
	text := fmt.Sprintf("Connected to %s's chat", s.room)
	if s.user != "" {
		text += " as " + s.user
	} else {
		text += " (read-only)"
	}
	notice := systemNotice(text)
	notice.IsCreator = s.isCreator
	s.m.SendPersonal(s.conn, notice)

	s.m.SendPersonal(s.conn, SlowModeEvent{
		Type:    TypeSlowMode,
		Enabled: s.m.slowMode.Enabled(s.room),
	})

	if poll, ok := s.m.polls.Current(s.room); ok {
		s.m.SendPersonal(s.conn, PollUpdateEvent{
			Type:     TypePollUpdate,
			Question: poll.Question,
			Options:  poll.Options,
			Duration: poll.Duration,
		})
	}
}

// dispatch routes one inbound frame. Protocol errors go back to the
// offending connection as private error events and never tear the
// connection down.
func (s *Session) dispatch(raw []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		s.m.SendPersonal(s.conn, errorEvent("Invalid message format"))
		return
	}

	switch frame.Type {
	case TypePollVote:
		s.handlePollVote(frame)
	case TypePollStart:
		s.handlePollStart(frame)
	case TypePollEnd:
		s.handlePollEnd()
	case frameCommand:
		s.handleCommand(frame)
	default:
		// Anything else is a chat message.
		s.handleChat(frame)
	}
}

func (s *Session) handlePollVote(frame inboundFrame) {
	if s.user == "" {
		s.m.SendPersonal(s.conn, errorEvent("Login required to vote"))
		return
	}
	if frame.OptionIndex == nil {
		return
	}

	if !s.m.polls.Vote(s.room, s.user, *frame.OptionIndex) {
		s.m.SendPersonal(s.conn, errorEvent("Already voted or invalid option"))
		return
	}

	// Broadcast the raw delta; clients apply it on top of the snapshot
	// they got at join time.
	s.m.Broadcast(s.room, PollVoteEvent{Type: TypePollVote, OptionIndex: *frame.OptionIndex})
}

func (s *Session) handlePollStart(frame inboundFrame) {
	if !s.isCreator {
		s.m.SendPersonal(s.conn, errorEvent("Only the creator can start polls"))
		return
	}

	var req pollStartReq
	if len(frame.Data) > 0 {
		if err := json.Unmarshal(frame.Data, &req); err != nil {
			s.m.SendPersonal(s.conn, errorEvent("Invalid poll data"))
			return
		}
	}
	req.Question = strings.TrimSpace(req.Question)
	if req.Duration == 0 {
		req.Duration = 60
	}

	if req.Question == "" || len(req.Options) < 2 {
		s.m.SendPersonal(s.conn, errorEvent("Invalid poll data"))
		return
	}

	s.m.polls.Start(s.room, req.Question, req.Options, req.Duration)
	poll, _ := s.m.polls.Current(s.room)
	s.m.Broadcast(s.room, PollStartEvent{Type: TypePollStart, Data: poll})
}

func (s *Session) handlePollEnd() {
	if !s.isCreator {
		s.m.SendPersonal(s.conn, errorEvent("Only the creator can end polls"))
		return
	}
	results := s.m.polls.End(s.room)
	s.m.Broadcast(s.room, PollEndEvent{Type: TypePollEnd, Data: results})
}

func (s *Session) handleCommand(frame inboundFrame) {
	if !s.isCreator {
		s.m.SendPersonal(s.conn, errorEvent("Only the creator can use commands"))
		return
	}

	switch frame.Action {
	case actionSlowMode:
		s.m.slowMode.Set(s.room, frame.Enabled)
		s.m.Broadcast(s.room, SlowModeEvent{Type: TypeSlowMode, Enabled: frame.Enabled})
		if frame.Enabled {
			s.m.Broadcast(s.room, systemNotice(fmt.Sprintf("Slow mode enabled (%ds cooldown)",
				int(SlowModeCooldown.Seconds()))))
		} else {
			s.m.Broadcast(s.room, systemNotice("Slow mode disabled"))
		}

	case actionDeleteMessage:
		if frame.MsgID == "" {
			return
		}
		s.m.BroadcastMessageDeleted(s.room, frame.MsgID)
		s.deleteStoredMessage(frame.MsgID)

	case actionBRB:
		s.m.Broadcast(s.room, BRBEvent{Type: TypeBRB, Enabled: frame.Enabled})
		if frame.Enabled {
			s.m.Broadcast(s.room, systemNotice("Stream paused (BRB)"))
		} else {
			s.m.Broadcast(s.room, systemNotice("Stream resumed"))
		}
	}
}

// deleteStoredMessage best-effort deletes the persisted record behind a
// wire message ID ("msg-<id>"). Parse and store failures are logged and
// swallowed; the deletion broadcast has already gone out.
func (s *Session) deleteStoredMessage(msgID string) {
	id, err := strconv.ParseInt(strings.TrimPrefix(msgID, "msg-"), 10, 64)
	if err != nil {
		return
	}
	if err := s.m.store.DeleteMessage(id, s.room); err != nil {
		s.log.Error().Err(err).Str("msg_id", msgID).Msg("error deleting message from store")
	}
}

func (s *Session) handleChat(frame inboundFrame) {
	if s.user == "" {
		s.m.SendPersonal(s.conn, errorEvent("You must be logged in to send messages"))
		return
	}

	text := strings.TrimSpace(frame.Text)
	if text == "" {
		return
	}

	// Slow mode gates everyone but the creator.
	if !s.isCreator && !s.m.slowMode.Allow(s.room, s.user) {
		s.m.SendPersonal(s.conn, errorEvent(fmt.Sprintf(
			"Slow mode is on. Wait %ds between messages.", int(SlowModeCooldown.Seconds()))))
		return
	}

	if r := []rune(text); len(r) > maxChatLen {
		text = string(r[:maxChatLen])
	}

	timestamp := nowMillis()

	// Persist for history replay. Chat stays responsive if the store is
	// degraded: fall back to a timestamp-derived ID.
	msgID := fmt.Sprintf("msg-%d", timestamp)
	id, err := s.m.store.AddMessage(store.Message{
		Room:      s.room,
		Sender:    s.user,
		Text:      text,
		IsMod:     s.isCreator,
		CreatedAt: time.UnixMilli(timestamp),
	})
	if err != nil {
		s.log.Error().Err(err).Msg("error persisting chat message")
	} else {
		msgID = fmt.Sprintf("msg-%d", id)
	}

	s.m.Broadcast(s.room, ChatEvent{
		Type:      TypeChat,
		ID:        msgID,
		User:      s.user,
		Text:      text,
		Timestamp: timestamp,
		IsMod:     s.isCreator,
	})
}
