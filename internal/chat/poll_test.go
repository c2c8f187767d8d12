package chat

import (
	"encoding/json"
	"reflect"
	"sync"
	"testing"
)

func TestPollRoundTrip(t *testing.T) {
	p := NewPolls()

	if _, ok := p.Current("alice"); ok {
		t.Fatal("expected no poll before start")
	}

	p.Start("alice", "Q?", []Option{{Text: "A"}, {Text: "B"}}, 30)

	poll, ok := p.Current("alice")
	if !ok {
		t.Fatal("expected a running poll")
	}
	if poll.Question != "Q?" || poll.Duration != 30 || len(poll.Options) != 2 {
		t.Fatalf("unexpected poll snapshot: %+v", poll)
	}
	for _, o := range poll.Options {
		if o.Votes != 0 {
			t.Fatalf("expected zero votes on a fresh poll, got %+v", poll.Options)
		}
	}

	results := p.End("alice")
	if !reflect.DeepEqual(results, poll) {
		t.Fatalf("expected end results %+v, got %+v", poll, results)
	}
	if _, ok := p.Current("alice"); ok {
		t.Fatal("expected no poll after end")
	}
	if got := p.End("alice"); !reflect.DeepEqual(got, Poll{}) {
		t.Fatalf("expected empty results ending an idle room, got %+v", got)
	}
}

func TestPollVote(t *testing.T) {
	p := NewPolls()

	if p.Vote("alice", "bob", 0) {
		t.Fatal("expected vote rejected with no poll running")
	}

	p.Start("alice", "Q?", []Option{{Text: "A"}, {Text: "B"}}, 60)

	if p.Vote("alice", "bob", -1) || p.Vote("alice", "bob", 2) {
		t.Fatal("expected out-of-range votes rejected")
	}
	if !p.Vote("alice", "bob", 1) {
		t.Fatal("expected first vote accepted")
	}
	// One vote per user per poll, even for a different option.
	if p.Vote("alice", "bob", 0) {
		t.Fatal("expected second vote by the same user rejected")
	}
	if !p.Vote("alice", "carol", 1) {
		t.Fatal("expected vote by another user accepted")
	}

	poll, _ := p.Current("alice")
	if poll.Options[0].Votes != 0 || poll.Options[1].Votes != 2 {
		t.Fatalf("unexpected counts: %+v", poll.Options)
	}
}

func TestPollVoteConcurrent(t *testing.T) {
	p := NewPolls()
	p.Start("alice", "Q?", []Option{{Text: "A"}, {Text: "B"}}, 60)

	// Simulated double-click: concurrent votes by one user must not both
	// be accepted.
	const n = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if p.Vote("alice", "bob", i%2) {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if accepted != 1 {
		t.Fatalf("expected exactly 1 accepted vote, got %d", accepted)
	}
	poll, _ := p.Current("alice")
	if total := poll.Options[0].Votes + poll.Options[1].Votes; total != 1 {
		t.Fatalf("expected 1 recorded vote, got %d", total)
	}
}

func TestPollStartReplaces(t *testing.T) {
	p := NewPolls()
	p.Start("alice", "old?", []Option{{Text: "A"}, {Text: "B"}}, 60)
	p.Vote("alice", "bob", 0)

	// Start always replaces the running poll outright; the old voter set
	// goes with it.
	p.Start("alice", "new?", []Option{{Text: "X"}, {Text: "Y"}}, 60)
	poll, _ := p.Current("alice")
	if poll.Question != "new?" || poll.Options[0].Votes != 0 {
		t.Fatalf("expected fresh poll, got %+v", poll)
	}
	if !p.Vote("alice", "bob", 0) {
		t.Fatal("expected prior voter accepted in the new poll")
	}
}

func TestPollSnapshotIsolation(t *testing.T) {
	p := NewPolls()
	p.Start("alice", "Q?", []Option{{Text: "A"}, {Text: "B"}}, 60)

	snap, _ := p.Current("alice")
	snap.Options[0].Votes = 99

	poll, _ := p.Current("alice")
	if poll.Options[0].Votes != 0 {
		t.Fatal("mutating a snapshot leaked into the live poll")
	}
}

func TestOptionUnmarshal(t *testing.T) {
	var opts []Option
	// Plain labels and pre-shaped records mix freely; vote seeds on
	// records are preserved.
	raw := `["yes", {"text": "no", "votes": 3}]`
	if err := json.Unmarshal([]byte(raw), &opts); err != nil {
		t.Fatalf("error unmarshalling options: %v", err)
	}

	want := []Option{{Text: "yes"}, {Text: "no", Votes: 3}}
	if !reflect.DeepEqual(opts, want) {
		t.Fatalf("expected %+v, got %+v", want, opts)
	}

	if err := json.Unmarshal([]byte(`[42]`), &opts); err == nil {
		t.Fatal("expected error for a non-string, non-object option")
	}
}
