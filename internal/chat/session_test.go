package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/streamcast/livecast/store/mem"
)

// fakeTransport scripts inbound frames and records outbound ones.
type fakeTransport struct {
	in chan []byte

	mu         sync.Mutex
	out        [][]byte
	failWrites bool
	closed     bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan []byte, 16)}
}

func (f *fakeTransport) ReadMessage() (int, []byte, error) {
	b, ok := <-f.in
	if !ok {
		return 0, nil, io.EOF
	}
	return websocket.TextMessage, b, nil
}

func (f *fakeTransport) WriteMessage(_ int, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrites {
		return errors.New("write failed")
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	f.out = append(f.out, cp)
	return nil
}

func (f *fakeTransport) SetWriteDeadline(time.Time) error {
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.in)
	}
	return nil
}

// eventsOfType decodes the recorded outbound frames and returns those with
// the given type tag.
func (f *fakeTransport) eventsOfType(t *testing.T, typ string) []map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []map[string]interface{}
	for _, b := range f.out {
		var m map[string]interface{}
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatalf("error decoding event %q: %v", b, err)
		}
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeTransport) countOfType(t *testing.T, typ string) int {
	return len(f.eventsOfType(t, typ))
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// testViewer is one scripted connection running a live session.
type testViewer struct {
	tr   *fakeTransport
	conn *Conn
	done chan struct{}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	st, err := mem.New(mem.Config{})
	if err != nil {
		t.Fatalf("error creating store: %v", err)
	}
	return NewManager(st, zerolog.Nop())
}

// join starts a session for user in room and waits for the join-time
// replay so subsequent assertions see a registered connection.
func join(t *testing.T, m *Manager, room, user string) *testViewer {
	t.Helper()
	tr := newFakeTransport()
	v := &testViewer{
		tr:   tr,
		conn: &Conn{id: fmt.Sprintf("%s-%p", user, tr), ws: tr, timeout: time.Second},
		done: make(chan struct{}),
	}
	s := NewSession(m, room, v.conn, user)
	go func() {
		s.Run()
		close(v.done)
	}()
	waitFor(t, "join replay", func() bool {
		return tr.countOfType(t, TypeSystem) >= 1 && tr.countOfType(t, TypeSlowMode) >= 1
	})
	return v
}

func (v *testViewer) send(frame string) {
	v.tr.in <- []byte(frame)
}

func (v *testViewer) close(t *testing.T) {
	t.Helper()
	v.conn.Close()
	select {
	case <-v.done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit after close")
	}
}

func TestSessionAnonymousChatRejected(t *testing.T) {
	m := newTestManager(t)
	creator := join(t, m, "bob", "bob")
	anon := join(t, m, "bob", "")

	anon.send(`{"text": "hi"}`)
	waitFor(t, "error reply", func() bool { return anon.tr.countOfType(t, TypeError) >= 1 })

	errs := anon.tr.eventsOfType(t, TypeError)
	if !strings.Contains(errs[0]["text"].(string), "logged in") {
		t.Fatalf("unexpected error text: %v", errs[0])
	}
	if n := creator.tr.countOfType(t, TypeChat); n != 0 {
		t.Fatalf("expected no chat broadcast for a rejected message, got %d", n)
	}

	anon.close(t)
	creator.close(t)
}

func TestSessionChatBroadcastAndPersist(t *testing.T) {
	m := newTestManager(t)
	creator := join(t, m, "bob", "bob")
	viewer := join(t, m, "bob", "carol")

	viewer.send(`{"text": "  hello world  "}`)
	waitFor(t, "chat broadcast", func() bool {
		return creator.tr.countOfType(t, TypeChat) >= 1 && viewer.tr.countOfType(t, TypeChat) >= 1
	})

	ev := creator.tr.eventsOfType(t, TypeChat)[0]
	if ev["user"] != "carol" || ev["text"] != "hello world" || ev["isMod"] != false {
		t.Fatalf("unexpected chat event: %v", ev)
	}
	if id := ev["id"].(string); !strings.HasPrefix(id, "msg-") {
		t.Fatalf("unexpected message ID: %v", id)
	}

	msgs, err := m.store.RecentMessages("bob", 50)
	if err != nil {
		t.Fatalf("error reading store: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Sender != "carol" || msgs[0].Text != "hello world" {
		t.Fatalf("unexpected persisted messages: %+v", msgs)
	}

	// The creator's own messages carry the mod flag.
	creator.send(`{"text": "welcome"}`)
	waitFor(t, "creator chat", func() bool { return viewer.tr.countOfType(t, TypeChat) >= 2 })
	ev = viewer.tr.eventsOfType(t, TypeChat)[1]
	if ev["isMod"] != true {
		t.Fatalf("expected isMod for the creator, got %v", ev)
	}

	viewer.close(t)
	creator.close(t)
}

func TestSessionSlowModeCommand(t *testing.T) {
	m := newTestManager(t)
	creator := join(t, m, "bob", "bob")
	viewer := join(t, m, "bob", "carol")

	// Non-creators cannot use commands.
	viewer.send(`{"type": "command", "action": "slow_mode", "enabled": true}`)
	waitFor(t, "command rejection", func() bool { return viewer.tr.countOfType(t, TypeError) >= 1 })
	if m.SlowModeEnabled("bob") {
		t.Fatal("slow mode enabled by a non-creator")
	}

	creator.send(`{"type": "command", "action": "slow_mode", "enabled": true}`)
	waitFor(t, "slow mode broadcast", func() bool {
		// The join replay already delivered one slow_mode event each.
		return viewer.tr.countOfType(t, TypeSlowMode) >= 2 && viewer.tr.countOfType(t, TypeSystem) >= 2
	})
	if !m.SlowModeEnabled("bob") {
		t.Fatal("expected slow mode enabled")
	}
	ev := viewer.tr.eventsOfType(t, TypeSlowMode)[1]
	if ev["enabled"] != true {
		t.Fatalf("unexpected slow_mode event: %v", ev)
	}
	notice := viewer.tr.eventsOfType(t, TypeSystem)[1]
	if !strings.Contains(notice["text"].(string), "Slow mode enabled") {
		t.Fatalf("unexpected system notice: %v", notice)
	}

	// First message passes, the second within the window gets a private
	// cooldown error and is neither persisted nor broadcast.
	viewer.send(`{"text": "one"}`)
	waitFor(t, "first chat", func() bool { return creator.tr.countOfType(t, TypeChat) >= 1 })
	viewer.send(`{"text": "two"}`)
	waitFor(t, "cooldown error", func() bool { return viewer.tr.countOfType(t, TypeError) >= 2 })

	errEv := viewer.tr.eventsOfType(t, TypeError)[1]
	if !strings.Contains(errEv["text"].(string), "Slow mode") {
		t.Fatalf("unexpected cooldown error: %v", errEv)
	}
	if n := creator.tr.countOfType(t, TypeChat); n != 1 {
		t.Fatalf("expected 1 broadcast chat message, got %d", n)
	}
	if msgs, _ := m.store.RecentMessages("bob", 50); len(msgs) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(msgs))
	}

	// The creator is exempt from the gate.
	creator.send(`{"text": "a"}`)
	creator.send(`{"text": "b"}`)
	waitFor(t, "creator chats", func() bool { return viewer.tr.countOfType(t, TypeChat) >= 3 })

	viewer.close(t)
	creator.close(t)
}

func TestSessionPollFlow(t *testing.T) {
	m := newTestManager(t)
	creator := join(t, m, "bob", "bob")
	viewer := join(t, m, "bob", "carol")
	anon := join(t, m, "bob", "")

	// Viewers cannot start polls.
	viewer.send(`{"type": "POLL_START", "data": {"question": "Q?", "options": ["A", "B"]}}`)
	waitFor(t, "start rejection", func() bool { return viewer.tr.countOfType(t, TypeError) >= 1 })

	// Too few options.
	creator.send(`{"type": "POLL_START", "data": {"question": "Q?", "options": ["A"]}}`)
	waitFor(t, "invalid poll error", func() bool { return creator.tr.countOfType(t, TypeError) >= 1 })

	creator.send(`{"type": "POLL_START", "data": {"question": "Q?", "options": ["A", "B"], "duration": 30}}`)
	waitFor(t, "poll start broadcast", func() bool { return viewer.tr.countOfType(t, TypePollStart) >= 1 })

	start := viewer.tr.eventsOfType(t, TypePollStart)[0]
	data := start["data"].(map[string]interface{})
	if data["question"] != "Q?" || data["duration"] != float64(30) {
		t.Fatalf("unexpected poll start: %v", data)
	}

	// Anonymous viewers cannot vote.
	anon.send(`{"type": "POLL_VOTE", "optionIndex": 0}`)
	waitFor(t, "anon vote rejection", func() bool { return anon.tr.countOfType(t, TypeError) >= 1 })

	viewer.send(`{"type": "POLL_VOTE", "optionIndex": 0}`)
	waitFor(t, "vote broadcast", func() bool { return creator.tr.countOfType(t, TypePollVote) >= 1 })
	if ev := creator.tr.eventsOfType(t, TypePollVote)[0]; ev["optionIndex"] != float64(0) {
		t.Fatalf("unexpected vote delta: %v", ev)
	}

	// Voting again, even for another option, is rejected privately.
	viewer.send(`{"type": "POLL_VOTE", "optionIndex": 1}`)
	waitFor(t, "double vote rejection", func() bool { return viewer.tr.countOfType(t, TypeError) >= 2 })

	// Only the creator ends polls.
	viewer.send(`{"type": "POLL_END"}`)
	waitFor(t, "end rejection", func() bool { return viewer.tr.countOfType(t, TypeError) >= 3 })

	creator.send(`{"type": "POLL_END"}`)
	waitFor(t, "poll end broadcast", func() bool { return viewer.tr.countOfType(t, TypePollEnd) >= 1 })

	end := viewer.tr.eventsOfType(t, TypePollEnd)[0]
	opts := end["data"].(map[string]interface{})["options"].([]interface{})
	if opts[0].(map[string]interface{})["votes"] != float64(1) {
		t.Fatalf("unexpected final counts: %v", opts)
	}
	if _, ok := m.CurrentPoll("bob"); ok {
		t.Fatal("expected no poll after end")
	}

	anon.close(t)
	viewer.close(t)
	creator.close(t)
}

func TestSessionPollReplayOnJoin(t *testing.T) {
	m := newTestManager(t)
	creator := join(t, m, "bob", "bob")
	creator.send(`{"type": "POLL_START", "data": {"question": "Q?", "options": ["A", "B"]}}`)
	waitFor(t, "poll start", func() bool { return creator.tr.countOfType(t, TypePollStart) >= 1 })

	// A viewer joining mid-poll gets the snapshot as part of the replay.
	late := join(t, m, "bob", "carol")
	waitFor(t, "poll replay", func() bool { return late.tr.countOfType(t, TypePollUpdate) >= 1 })

	ev := late.tr.eventsOfType(t, TypePollUpdate)[0]
	if ev["question"] != "Q?" || ev["duration"] != float64(60) {
		t.Fatalf("unexpected poll replay: %v", ev)
	}

	late.close(t)
	creator.close(t)
}

func TestSessionDeleteMessageCommand(t *testing.T) {
	m := newTestManager(t)
	creator := join(t, m, "bob", "bob")
	viewer := join(t, m, "bob", "carol")

	viewer.send(`{"text": "offensive"}`)
	waitFor(t, "chat broadcast", func() bool { return creator.tr.countOfType(t, TypeChat) >= 1 })
	msgID := creator.tr.eventsOfType(t, TypeChat)[0]["id"].(string)

	creator.send(fmt.Sprintf(`{"type": "command", "action": "delete_message", "msg_id": %q}`, msgID))
	waitFor(t, "deletion broadcast", func() bool { return viewer.tr.countOfType(t, TypeMessageDeleted) >= 1 })

	if ev := viewer.tr.eventsOfType(t, TypeMessageDeleted)[0]; ev["msg_id"] != msgID {
		t.Fatalf("unexpected deletion event: %v", ev)
	}
	waitFor(t, "store deletion", func() bool {
		msgs, _ := m.store.RecentMessages("bob", 50)
		return len(msgs) == 0
	})

	viewer.close(t)
	creator.close(t)
}

func TestSessionBRBCommand(t *testing.T) {
	m := newTestManager(t)
	creator := join(t, m, "bob", "bob")
	viewer := join(t, m, "bob", "carol")

	creator.send(`{"type": "command", "action": "brb", "enabled": true}`)
	waitFor(t, "brb broadcast", func() bool {
		return viewer.tr.countOfType(t, TypeBRB) >= 1 && viewer.tr.countOfType(t, TypeSystem) >= 2
	})
	if ev := viewer.tr.eventsOfType(t, TypeBRB)[0]; ev["enabled"] != true {
		t.Fatalf("unexpected brb event: %v", ev)
	}

	viewer.close(t)
	creator.close(t)
}

func TestSessionInvalidFrame(t *testing.T) {
	m := newTestManager(t)
	viewer := join(t, m, "bob", "carol")

	viewer.send(`{not json`)
	waitFor(t, "format error", func() bool { return viewer.tr.countOfType(t, TypeError) >= 1 })
	if ev := viewer.tr.eventsOfType(t, TypeError)[0]; ev["text"] != "Invalid message format" {
		t.Fatalf("unexpected error: %v", ev)
	}

	viewer.close(t)
}

func TestSessionTruncatesLongMessages(t *testing.T) {
	m := newTestManager(t)
	viewer := join(t, m, "bob", "carol")

	long := strings.Repeat("x", maxChatLen+100)
	viewer.send(fmt.Sprintf(`{"text": %q}`, long))
	waitFor(t, "chat broadcast", func() bool { return viewer.tr.countOfType(t, TypeChat) >= 1 })

	ev := viewer.tr.eventsOfType(t, TypeChat)[0]
	if got := len([]rune(ev["text"].(string))); got != maxChatLen {
		t.Fatalf("expected text truncated to %d runes, got %d", maxChatLen, got)
	}

	viewer.close(t)
}

func TestSessionCleanupClearsRoomState(t *testing.T) {
	m := newTestManager(t)
	creator := join(t, m, "bob", "bob")
	viewer := join(t, m, "bob", "carol")

	creator.send(`{"type": "command", "action": "slow_mode", "enabled": true}`)
	creator.send(`{"type": "POLL_START", "data": {"question": "Q?", "options": ["A", "B"]}}`)
	waitFor(t, "room state set", func() bool {
		_, ok := m.CurrentPoll("bob")
		return ok && m.SlowModeEnabled("bob")
	})

	// The remaining viewer sees an updated list when one leaves.
	before := viewer.tr.countOfType(t, TypeViewerList)
	creator.close(t)
	waitFor(t, "viewer list update", func() bool {
		return viewer.tr.countOfType(t, TypeViewerList) > before
	})
	if n := m.ViewerCount("bob"); n != 1 {
		t.Fatalf("expected 1 connection left, got %d", n)
	}

	// Full evacuation leaves no residual room state behind.
	viewer.close(t)
	if n := m.ViewerCount("bob"); n != 0 {
		t.Fatalf("expected empty room, got %d connections", n)
	}
	if m.SlowModeEnabled("bob") {
		t.Fatal("slow mode flag survived room destruction")
	}
	if _, ok := m.CurrentPoll("bob"); ok {
		t.Fatal("poll survived room destruction")
	}
}

func TestBroadcastPrunesDeadConnections(t *testing.T) {
	m := newTestManager(t)

	good := newFakeTransport()
	bad := newFakeTransport()
	bad.failWrites = true

	m.registry.Join("bob", &Conn{id: "good", ws: good, timeout: time.Second}, "carol")
	m.registry.Join("bob", &Conn{id: "bad", ws: bad, timeout: time.Second}, "dave")

	m.Broadcast("bob", systemNotice("hello"))

	if n := m.ViewerCount("bob"); n != 1 {
		t.Fatalf("expected dead connection pruned, got %d members", n)
	}
	if n := good.countOfType(t, TypeSystem); n != 1 {
		t.Fatalf("expected delivery to the healthy connection, got %d", n)
	}
}
