package analysis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openlisten/earshot/pkg/provider/llm"
	llmmock "github.com/openlisten/earshot/pkg/provider/llm/mock"
	storemock "github.com/openlisten/earshot/pkg/store/mock"
	"github.com/openlisten/earshot/pkg/types"
)

func makeTurn(seq int, text string) types.Turn {
	sp := types.SpeakerSelf
	if seq%2 == 0 {
		sp = types.SpeakerOther
	}
	return types.Turn{Speaker: sp, Text: text, Seq: seq, CreatedAt: time.Now()}
}

func waitSnapshot(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
		return Snapshot{}
	}
}

func TestEngineTriggersOnCadence(t *testing.T) {
	provider := &llmmock.Provider{
		Response: &llm.CompletionResponse{Content: wellFormed},
	}
	snaps := make(chan Snapshot, 4)
	e := NewEngine("sess-1", provider, WithSnapshotFunc(func(s Snapshot) { snaps <- s }))
	defer e.Close()

	e.AddTurn(makeTurn(1, "hello"))
	e.AddTurn(makeTurn(2, "hi there"))
	if len(provider.Requests()) != 0 {
		t.Fatal("analysis ran before cadence point")
	}
	e.AddTurn(makeTurn(3, "how is the rollout going?"))

	snap := waitSnapshot(t, snaps)
	if snap.Summary != "Discussing the Q3 rollout plan." {
		t.Errorf("Summary = %q", snap.Summary)
	}
	if snap.Model != "mock" {
		t.Errorf("Model = %q, want mock", snap.Model)
	}
	if got := len(provider.Requests()); got != 1 {
		t.Errorf("requests = %d, want 1", got)
	}
}

func TestEngineStampsRunMetadata(t *testing.T) {
	provider := &llmmock.Provider{
		Response: &llm.CompletionResponse{Content: wellFormed},
	}
	snaps := make(chan Snapshot, 4)
	e := NewEngine("sess-meta", provider, WithSnapshotFunc(func(s Snapshot) { snaps <- s }))
	defer e.Close()

	for i := 1; i <= 3; i++ {
		e.AddTurn(makeTurn(i, "turn"))
	}
	first := waitSnapshot(t, snaps)
	if first.RunID == "" {
		t.Error("first RunID is empty")
	}
	if first.ConversationLength != 3 || first.MilestoneLength != 0 {
		t.Errorf("first counts = (%d, %d), want (3, 0)",
			first.ConversationLength, first.MilestoneLength)
	}

	for i := 4; i <= 6; i++ {
		e.AddTurn(makeTurn(i, "turn"))
	}
	second := waitSnapshot(t, snaps)
	if second.RunID == "" || second.RunID == first.RunID {
		t.Errorf("second RunID = %q, want a fresh id", second.RunID)
	}
	if second.ConversationLength != 6 || second.MilestoneLength != 3 {
		t.Errorf("second counts = (%d, %d), want (6, 3)",
			second.ConversationLength, second.MilestoneLength)
	}
}

func TestEnginePersistsSummaries(t *testing.T) {
	provider := &llmmock.Provider{
		Response: &llm.CompletionResponse{Content: wellFormed},
	}
	st := storemock.New()
	snaps := make(chan Snapshot, 1)
	e := NewEngine("sess-2", provider,
		WithSummaryStore(st),
		WithSnapshotFunc(func(s Snapshot) { snaps <- s }),
	)
	defer e.Close()

	for i := 1; i <= 3; i++ {
		e.AddTurn(makeTurn(i, "turn"))
	}
	waitSnapshot(t, snaps)

	sums := st.Summaries("sess-2")
	if len(sums) != 1 {
		t.Fatalf("persisted summaries = %d, want 1", len(sums))
	}
	if sums[0].Text != "Discussing the Q3 rollout plan." {
		t.Errorf("Text = %q", sums[0].Text)
	}
	if len(sums[0].Actions) != 2 {
		t.Errorf("Actions = %v, want the follow-up questions", sums[0].Actions)
	}
}

func TestEngineFailureKeepsPreviousSnapshot(t *testing.T) {
	provider := &llmmock.Provider{
		Responses: []*llm.CompletionResponse{
			{Content: wellFormed},
		},
	}
	snaps := make(chan Snapshot, 2)
	var statuses []string
	e := NewEngine("sess-3", provider,
		WithSnapshotFunc(func(s Snapshot) { snaps <- s }),
		WithStatusFunc(func(s string) { statuses = append(statuses, s) }),
	)
	defer e.Close()

	for i := 1; i <= 3; i++ {
		e.AddTurn(makeTurn(i, "turn"))
	}
	first := waitSnapshot(t, snaps)

	// Second cadence point fails at the provider.
	provider.CompleteErr = errors.New("quota exceeded")
	for i := 4; i <= 6; i++ {
		e.AddTurn(makeTurn(i, "turn"))
	}

	deadline := time.After(2 * time.Second)
	for {
		if len(provider.Requests()) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("second analysis never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	e.Close()

	got, ok := e.Snapshot()
	if !ok {
		t.Fatal("no snapshot after failure")
	}
	if got.Summary != first.Summary {
		t.Errorf("Summary changed on failure: %q -> %q", first.Summary, got.Summary)
	}
	if len(statuses) == 0 {
		t.Error("no status update emitted on failure")
	}
}

// blockingProvider parks Complete until released, for coalescing tests.
type blockingProvider struct {
	gate     chan struct{}
	requests chan struct{}
}

func (p *blockingProvider) Complete(ctx context.Context, _ llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.requests <- struct{}{}
	select {
	case <-p.gate:
		return &llm.CompletionResponse{Content: wellFormed}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *blockingProvider) Model() string { return "blocking" }

func TestEngineCoalescesTriggersInFlight(t *testing.T) {
	provider := &blockingProvider{
		gate:     make(chan struct{}),
		requests: make(chan struct{}, 4),
	}
	snaps := make(chan Snapshot, 4)
	e := NewEngine("sess-4", provider, WithSnapshotFunc(func(s Snapshot) { snaps <- s }))
	defer e.Close()

	// First cadence point starts a run that blocks.
	for i := 1; i <= 3; i++ {
		e.AddTurn(makeTurn(i, "turn"))
	}
	<-provider.requests

	// Two more cadence points while in flight must coalesce to one re-run.
	for i := 4; i <= 9; i++ {
		e.AddTurn(makeTurn(i, "turn"))
	}

	close(provider.gate)
	waitSnapshot(t, snaps)

	select {
	case <-provider.requests:
	case <-time.After(2 * time.Second):
		t.Fatal("coalesced re-run never started")
	}
	waitSnapshot(t, snaps)

	select {
	case <-provider.requests:
		t.Error("more than one coalesced re-run started")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEngineHistoryBounded(t *testing.T) {
	provider := &llmmock.Provider{
		Response: &llm.CompletionResponse{Content: wellFormed},
	}
	snaps := make(chan Snapshot, 16)
	e := NewEngine("sess-5", provider,
		WithTurnInterval(1),
		WithHistoryLimit(3),
		WithSnapshotFunc(func(s Snapshot) { snaps <- s }),
	)
	defer e.Close()

	for i := 1; i <= 6; i++ {
		e.AddTurn(makeTurn(i, "turn"))
		waitSnapshot(t, snaps)
	}

	if got := len(e.History()); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
}
