package chat

import (
	"encoding/json"
	"sync"
)

// Option is a single poll choice and its running vote count.
type Option struct {
	Text  string `json:"text"`
	Votes int    `json:"votes"`
}

// UnmarshalJSON accepts either a plain label ("yes") or a full option
// record ({"text":"yes","votes":3}), preserving any vote seed in the
// latter.
func (o *Option) UnmarshalJSON(b []byte) error {
	var label string
	if err := json.Unmarshal(b, &label); err == nil {
		*o = Option{Text: label}
		return nil
	}
	type option Option
	var rec option
	if err := json.Unmarshal(b, &rec); err != nil {
		return err
	}
	*o = Option(rec)
	return nil
}

// Poll is the outward projection of a room's poll. The voter set is
// internal bookkeeping and never leaves the engine.
type Poll struct {
	Question string   `json:"question,omitempty"`
	Options  []Option `json:"options,omitempty"`
	Duration int      `json:"duration,omitempty"`
}

type activePoll struct {
	Poll
	voters map[string]struct{}
}

// Polls holds at most one active poll per room and enforces
// one-vote-per-user. A room's poll moves idle -> running on Start (which
// replaces any prior poll outright) and back to idle on End or room
// destruction.
type Polls struct {
	mu     sync.Mutex
	active map[string]*activePoll
}

// NewPolls returns an empty poll engine.
func NewPolls() *Polls {
	return &Polls{active: make(map[string]*activePoll)}
}

// Start opens a poll in a room, discarding any poll already running there.
func (p *Polls) Start(room, question string, options []Option, duration int) {
	opts := make([]Option, len(options))
	copy(opts, options)

	p.mu.Lock()
	p.active[room] = &activePoll{
		Poll:   Poll{Question: question, Options: opts, Duration: duration},
		voters: make(map[string]struct{}),
	}
	p.mu.Unlock()
}

// Vote records a vote by option index. It returns false if no poll is
// running, the user already voted in this poll, or the index is out of
// range. The count increment and the voter record are one atomic unit, so
// two concurrent votes by the same user cannot both be accepted.
func (p *Polls) Vote(room, user string, optionIndex int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	poll, ok := p.active[room]
	if !ok {
		return false
	}
	if _, voted := poll.voters[user]; voted {
		return false
	}
	if optionIndex < 0 || optionIndex >= len(poll.Options) {
		return false
	}

	poll.Options[optionIndex].Votes++
	poll.voters[user] = struct{}{}
	return true
}

// End removes the room's poll and returns its final results, or a zero
// Poll if none was running.
func (p *Polls) End(room string) Poll {
	p.mu.Lock()
	defer p.mu.Unlock()

	poll, ok := p.active[room]
	if !ok {
		return Poll{}
	}
	delete(p.active, room)
	return snapshot(poll)
}

// Current returns the room's running poll without ending it. ok is false
// when the room has no poll.
func (p *Polls) Current(room string) (Poll, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	poll, ok := p.active[room]
	if !ok {
		return Poll{}, false
	}
	return snapshot(poll), true
}

// Reset drops a room's poll. Called when the room is destroyed.
func (p *Polls) Reset(room string) {
	p.mu.Lock()
	delete(p.active, room)
	p.mu.Unlock()
}

// snapshot copies a poll's outward state so callers never share the live
// options slice.
func snapshot(a *activePoll) Poll {
	opts := make([]Option, len(a.Options))
	copy(opts, a.Options)
	return Poll{Question: a.Question, Options: opts, Duration: a.Duration}
}
