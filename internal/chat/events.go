package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// Types of events sent to viewers.
const (
	TypeSystem         = "system"
	TypeChat           = "chat"
	TypeError          = "error"
	TypeSlowMode       = "slow_mode"
	TypeViewerList     = "viewer_list"
	TypeActivity       = "activity"
	TypeMessageDeleted = "message_deleted"
	TypeStatusUpdate   = "status_update"
	TypeBRB            = "brb"
	TypePollStart      = "POLL_START"
	TypePollVote       = "POLL_VOTE"
	TypePollEnd        = "POLL_END"
	TypePollUpdate     = "poll_update"
)

// Types of inbound frames. A frame with no recognized type is a chat message.
const (
	frameCommand = "command"

	actionSlowMode      = "slow_mode"
	actionDeleteMessage = "delete_message"
	actionBRB           = "brb"
)

// Event is an outbound event. One concrete type exists per wire shape so
// dispatch on the event vocabulary is checked at compile time.
type Event interface {
	eventType() string
}

// SystemEvent is a system notice shown in the chat stream.
type SystemEvent struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	User      string `json:"user"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	IsMod     bool   `json:"isMod"`
	IsCreator bool   `json:"isCreator,omitempty"`
}

// ChatEvent is a chat message from a viewer or the creator.
type ChatEvent struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	User      string `json:"user"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
	IsMod     bool   `json:"isMod"`
}

// ErrorEvent is a private protocol error reply. Never broadcast.
type ErrorEvent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SlowModeEvent announces the room's slow-mode flag.
type SlowModeEvent struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

// ViewerListEvent carries the deduplicated viewer names of a room.
type ViewerListEvent struct {
	Type    string   `json:"type"`
	Viewers []string `json:"viewers"`
	Count   int      `json:"count"`
}

// ActivityEvent announces a like / subscribe style activity.
type ActivityEvent struct {
	Type         string `json:"type"`
	ActivityType string `json:"activity_type"`
	User         string `json:"user"`
	Timestamp    int64  `json:"timestamp"`
}

// MessageDeletedEvent tells clients to drop a message by ID.
type MessageDeletedEvent struct {
	Type  string `json:"type"`
	MsgID string `json:"msg_id"`
}

// StatusUpdateEvent announces the stream going live or offline.
type StatusUpdateEvent struct {
	Type      string `json:"type"`
	IsLive    bool   `json:"is_live"`
	Timestamp int64  `json:"timestamp"`
}

// BRBEvent announces the stream being paused or resumed by the creator.
type BRBEvent struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

// PollStartEvent carries a full poll snapshot when a poll opens.
type PollStartEvent struct {
	Type string `json:"type"`
	Data Poll   `json:"data"`
}

// PollVoteEvent is the incremental vote delta clients apply to their
// local counts. Baselines come from the join-time poll_update replay.
type PollVoteEvent struct {
	Type        string `json:"type"`
	OptionIndex int    `json:"optionIndex"`
}

// PollEndEvent carries the final results when a poll closes.
type PollEndEvent struct {
	Type string `json:"type"`
	Data Poll   `json:"data"`
}

// PollUpdateEvent replays the active poll to a newly joined viewer.
type PollUpdateEvent struct {
	Type     string   `json:"type"`
	Question string   `json:"question"`
	Options  []Option `json:"options"`
	Duration int      `json:"duration"`
}

func (e SystemEvent) eventType() string         { return e.Type }
func (e ChatEvent) eventType() string           { return e.Type }
func (e ErrorEvent) eventType() string          { return e.Type }
func (e SlowModeEvent) eventType() string       { return e.Type }
func (e ViewerListEvent) eventType() string     { return e.Type }
func (e ActivityEvent) eventType() string       { return e.Type }
func (e MessageDeletedEvent) eventType() string { return e.Type }
func (e StatusUpdateEvent) eventType() string   { return e.Type }
func (e BRBEvent) eventType() string            { return e.Type }
func (e PollStartEvent) eventType() string      { return e.Type }
func (e PollVoteEvent) eventType() string       { return e.Type }
func (e PollEndEvent) eventType() string        { return e.Type }
func (e PollUpdateEvent) eventType() string     { return e.Type }

// inboundFrame is the envelope for all frames read off a connection.
// Unrecognized type / action combinations fall through as chat text.
type inboundFrame struct {
	Type        string          `json:"type"`
	Action      string          `json:"action"`
	Enabled     bool            `json:"enabled"`
	MsgID       string          `json:"msg_id"`
	OptionIndex *int            `json:"optionIndex"`
	Data        json.RawMessage `json:"data"`
	Text        string          `json:"text"`
}

// pollStartReq is the payload of a POLL_START frame.
type pollStartReq struct {
	Question string   `json:"question"`
	Options  []Option `json:"options"`
	Duration int      `json:"duration"`
}

// errorEvent builds a private error reply.
func errorEvent(text string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Text: text}
}

// systemNotice builds a broadcastable system notice.
func systemNotice(text string) SystemEvent {
	now := nowMillis()
	return SystemEvent{
		Type:      TypeSystem,
		ID:        fmt.Sprintf("sys-%d", now),
		User:      "System",
		Text:      text,
		Timestamp: now,
		IsMod:     true,
	}
}

// nowMillis returns the current time as epoch milliseconds, the timestamp
// unit used on the wire.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
