package export

import (
	"strings"
	"testing"
	"time"

	"github.com/openlisten/earshot/internal/analysis"
	"github.com/openlisten/earshot/pkg/types"
)

func TestRenderSectionOrder(t *testing.T) {
	doc := Document{
		SessionID: "sess-1",
		StartedAt: time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		EndedAt:   time.Date(2026, 3, 14, 10, 30, 0, 0, time.UTC),
		Turns: []types.Turn{
			{Speaker: types.SpeakerSelf, Text: "Hello.", Seq: 1},
			{Speaker: types.SpeakerOther, Text: "Hi, shall we start?", Seq: 2},
		},
		Snapshot: analysis.Snapshot{
			Suggestion:         "Let's begin with the agenda.",
			Guidance:           "Keep it short.",
			FollowUps:          []string{"What changed since last week?"},
			Summary:            "Kick-off of the weekly sync.",
			Bullets:            []string{"Weekly sync started"},
			Model:              "gpt-4o-mini",
			RunID:              "run-7",
			ConversationLength: 2,
		},
		HasSnapshot: true,
	}

	out := Render(doc)

	order := []string{
		"# Conversation Notes",
		"Session: sess-1",
		"Analysis: run run-7, 2 of 2 turns covered",
		"## Summary",
		"Kick-off of the weekly sync.",
		"## Key Points",
		"- Weekly sync started",
		"## Suggested Next Sentence",
		"Let's begin with the agenda.",
		"## Guidance",
		"Keep it short.",
		"## Follow-Up Questions",
		"- What changed since last week?",
		"## Transcript",
		"Me: Hello.",
		"Them: Hi, shall we start?",
	}
	pos := -1
	for _, want := range order {
		i := strings.Index(out, want)
		if i < 0 {
			t.Fatalf("output missing %q\n%s", want, out)
		}
		if i < pos {
			t.Errorf("%q appears out of order", want)
		}
		pos = i
	}
}

func TestRenderEmptySectionsUsePlaceholders(t *testing.T) {
	out := Render(Document{SessionID: "sess-2"})

	for _, heading := range []string{
		"## Summary", "## Key Points", "## Suggested Next Sentence",
		"## Guidance", "## Follow-Up Questions", "## Transcript",
	} {
		i := strings.Index(out, heading)
		if i < 0 {
			t.Fatalf("output missing section %q", heading)
		}
		rest := out[i+len(heading):]
		if !strings.Contains(firstLines(rest, 3), placeholder) {
			t.Errorf("section %q missing placeholder\n%s", heading, out)
		}
	}
}

func TestRenderIgnoresSnapshotWithoutFlag(t *testing.T) {
	out := Render(Document{
		SessionID: "sess-3",
		Snapshot:  analysis.Snapshot{Summary: "should not appear"},
	})
	if strings.Contains(out, "should not appear") {
		t.Error("snapshot rendered despite HasSnapshot=false")
	}
}

func firstLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
