// Package export renders a finished listening session as a flat note
// document: metadata header, the latest insight snapshot, then the full
// transcript. Empty sections render an explicit placeholder so consumers
// always see the same layout.
package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/openlisten/earshot/internal/analysis"
	"github.com/openlisten/earshot/pkg/types"
)

const placeholder = "None"

// Document is the input to the renderer.
type Document struct {
	SessionID string
	Title     string
	StartedAt time.Time
	EndedAt   time.Time
	Turns     []types.Turn
	Snapshot  analysis.Snapshot

	// HasSnapshot reports whether any analysis completed; when false the
	// insight sections render placeholders.
	HasSnapshot bool
}

// Render produces the note body in fixed section order.
func Render(doc Document) string {
	var sb strings.Builder

	title := doc.Title
	if title == "" {
		title = "Conversation Notes"
	}
	fmt.Fprintf(&sb, "# %s\n\n", title)
	fmt.Fprintf(&sb, "Session: %s\n", orPlaceholder(doc.SessionID))
	if !doc.StartedAt.IsZero() {
		fmt.Fprintf(&sb, "Started: %s\n", doc.StartedAt.Format(time.RFC1123))
	}
	if !doc.EndedAt.IsZero() {
		fmt.Fprintf(&sb, "Ended: %s\n", doc.EndedAt.Format(time.RFC1123))
	}
	if doc.HasSnapshot && doc.Snapshot.Model != "" {
		fmt.Fprintf(&sb, "Model: %s\n", doc.Snapshot.Model)
	}
	if doc.HasSnapshot && doc.Snapshot.RunID != "" {
		fmt.Fprintf(&sb, "Analysis: run %s, %d of %d turns covered\n",
			doc.Snapshot.RunID, doc.Snapshot.ConversationLength, len(doc.Turns))
	}
	sb.WriteString("\n")

	snap := doc.Snapshot
	if !doc.HasSnapshot {
		snap = analysis.Snapshot{}
	}

	section(&sb, "Summary", snap.Summary)
	listSection(&sb, "Key Points", snap.Bullets)
	section(&sb, "Suggested Next Sentence", snap.Suggestion)
	section(&sb, "Guidance", snap.Guidance)
	listSection(&sb, "Follow-Up Questions", snap.FollowUps)

	sb.WriteString("## Transcript\n\n")
	if len(doc.Turns) == 0 {
		sb.WriteString(placeholder + "\n")
		return sb.String()
	}
	for _, t := range doc.Turns {
		fmt.Fprintf(&sb, "%s: %s\n", speakerLabel(t.Speaker), t.Text)
	}
	return sb.String()
}

func section(sb *strings.Builder, heading, body string) {
	fmt.Fprintf(sb, "## %s\n\n%s\n\n", heading, orPlaceholder(body))
}

func listSection(sb *strings.Builder, heading string, items []string) {
	fmt.Fprintf(sb, "## %s\n\n", heading)
	if len(items) == 0 {
		sb.WriteString(placeholder + "\n\n")
		return
	}
	for _, item := range items {
		fmt.Fprintf(sb, "- %s\n", item)
	}
	sb.WriteString("\n")
}

func orPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}


func speakerLabel(s types.Speaker) string {
	if s == types.SpeakerSelf {
		return "Me"
	}
	return "Them"
}
