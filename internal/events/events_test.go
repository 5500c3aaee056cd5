package events_test

import (
	"testing"
	"time"

	"github.com/openlisten/earshot/internal/analysis"
	"github.com/openlisten/earshot/internal/events"
	"github.com/openlisten/earshot/pkg/types"
)

// recorder captures every event it receives.
type recorder struct {
	turns     []types.Turn
	partials  []events.Partial
	statuses  []string
	snapshots []analysis.Snapshot
}

func (r *recorder) FinalizedUtterance(turn types.Turn) { r.turns = append(r.turns, turn) }
func (r *recorder) PartialUtterance(sp types.Speaker, text string) {
	r.partials = append(r.partials, events.Partial{Speaker: sp, Text: text})
}
func (r *recorder) StatusText(text string)               { r.statuses = append(r.statuses, text) }
func (r *recorder) AnalysisSnapshot(s analysis.Snapshot) { r.snapshots = append(r.snapshots, s) }

func TestFanoutDeliversToAllSinks(t *testing.T) {
	t.Parallel()
	a, b := &recorder{}, &recorder{}
	f := events.NewFanout(a)
	f.Add(b)

	f.FinalizedUtterance(types.Turn{Speaker: types.SpeakerSelf, Text: "hello", Seq: 1})
	f.PartialUtterance(types.SpeakerOther, "typing...")
	f.StatusText("Listening...")
	f.AnalysisSnapshot(analysis.Snapshot{Summary: "intro"})

	for i, r := range []*recorder{a, b} {
		if len(r.turns) != 1 || r.turns[0].Text != "hello" {
			t.Errorf("sink %d turns = %+v, want one hello turn", i, r.turns)
		}
		if len(r.partials) != 1 || r.partials[0].Speaker != types.SpeakerOther {
			t.Errorf("sink %d partials = %+v", i, r.partials)
		}
		if len(r.statuses) != 1 || r.statuses[0] != "Listening..." {
			t.Errorf("sink %d statuses = %+v", i, r.statuses)
		}
		if len(r.snapshots) != 1 || r.snapshots[0].Summary != "intro" {
			t.Errorf("sink %d snapshots = %+v", i, r.snapshots)
		}
	}
}

func TestChannelSinkTurnsBuffered(t *testing.T) {
	t.Parallel()
	c := events.NewChannelSink(4)

	for i := 1; i <= 3; i++ {
		c.FinalizedUtterance(types.Turn{Seq: i})
	}
	for i := 1; i <= 3; i++ {
		select {
		case turn := <-c.Turns:
			if turn.Seq != i {
				t.Errorf("turn %d has seq %d", i, turn.Seq)
			}
		case <-time.After(time.Second):
			t.Fatal("turn not delivered")
		}
	}
}

func TestChannelSinkTurnOverflowDropsOldest(t *testing.T) {
	t.Parallel()
	c := events.NewChannelSink(2)

	c.FinalizedUtterance(types.Turn{Seq: 1})
	c.FinalizedUtterance(types.Turn{Seq: 2})
	c.FinalizedUtterance(types.Turn{Seq: 3}) // evicts seq 1

	got := []int{(<-c.Turns).Seq, (<-c.Turns).Seq}
	if got[0] != 2 || got[1] != 3 {
		t.Errorf("surviving seqs = %v, want [2 3]", got)
	}
}

func TestChannelSinkLatestWins(t *testing.T) {
	t.Parallel()
	c := events.NewChannelSink(1)

	c.PartialUtterance(types.SpeakerSelf, "hel")
	c.PartialUtterance(types.SpeakerSelf, "hello")
	c.StatusText("one")
	c.StatusText("two")
	c.AnalysisSnapshot(analysis.Snapshot{Summary: "old"})
	c.AnalysisSnapshot(analysis.Snapshot{Summary: "new"})

	if p := <-c.Partials; p.Text != "hello" {
		t.Errorf("partial = %q, want hello", p.Text)
	}
	if s := <-c.Statuses; s != "two" {
		t.Errorf("status = %q, want two", s)
	}
	if snap := <-c.Snapshots; snap.Summary != "new" {
		t.Errorf("snapshot summary = %q, want new", snap.Summary)
	}
}

func TestChannelSinkNeverBlocks(t *testing.T) {
	t.Parallel()
	c := events.NewChannelSink(1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			c.FinalizedUtterance(types.Turn{Seq: i})
			c.StatusText("s")
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emitting with no consumer blocked")
	}
}
