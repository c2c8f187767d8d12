package chat

import (
	"sync"
	"time"
)

// SlowModeCooldown is the minimum interval between accepted messages from
// one user while slow mode is on.
const SlowModeCooldown = 5 * time.Second

// SlowMode gates chat-message admission per room. It keeps a per-room flag
// and, while the flag is on, the last accepted-message time per user.
// The cooldown table is slow-mode-only bookkeeping: it is dropped when the
// flag is turned off, so re-enabling starts with fresh timers.
type SlowMode struct {
	mu      sync.Mutex
	enabled map[string]bool
	last    map[string]map[string]time.Time

	// now is swappable for tests.
	now func() time.Time
}

// NewSlowMode returns an empty slow-mode tracker.
func NewSlowMode() *SlowMode {
	return &SlowMode{
		enabled: make(map[string]bool),
		last:    make(map[string]map[string]time.Time),
		now:     time.Now,
	}
}

// Set toggles slow mode for a room. Disabling clears the room's cooldown
// table.
func (s *SlowMode) Set(room string, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled[room] = on
	if !on {
		delete(s.last, room)
	}
}

// Enabled reports whether slow mode is on for a room.
func (s *SlowMode) Enabled(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[room]
}

// Allow reports whether a user may send a message now. With slow mode off
// it always allows and records nothing. With it on, admission requires the
// cooldown to have elapsed since the user's last accepted message, and an
// allowed message resets the window.
func (s *SlowMode) Allow(room, user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.enabled[room] {
		return true
	}

	times, ok := s.last[room]
	if !ok {
		times = make(map[string]time.Time)
		s.last[room] = times
	}

	now := s.now()
	if last, ok := times[user]; ok && now.Sub(last) < SlowModeCooldown {
		return false
	}
	times[user] = now
	return true
}

// Reset drops all slow-mode state for a room. Called when the room is
// destroyed.
func (s *SlowMode) Reset(room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.enabled, room)
	delete(s.last, room)
}
