package analysis

import "time"

// Limits applied when normalizing model output.
const (
	maxFollowUps = 4
	maxBullets   = 5
)

// Snapshot is one structured insight state produced by the engine. Fields are
// never regressed to empty once any snapshot has been produced: a field the
// model omits or garbles keeps its previous value.
type Snapshot struct {
	// Suggestion is a proposed next sentence the listener could say.
	Suggestion string `json:"suggestion"`

	// Guidance is short advice for answering the current question or topic.
	Guidance string `json:"guidance"`

	// FollowUps are suggested follow-up questions, at most 4.
	FollowUps []string `json:"followUps"`

	// Summary is the running prose summary of the conversation.
	Summary string `json:"summary"`

	// Bullets are the key points so far, at most 5.
	Bullets []string `json:"bullets"`

	// Model identifies the LLM that produced this snapshot.
	Model string `json:"-"`

	// GeneratedAt is when the analysis completed.
	GeneratedAt time.Time `json:"-"`

	// RunID uniquely identifies the analysis pass that produced this
	// snapshot.
	RunID string `json:"-"`

	// ConversationLength is the total turn count when the pass started.
	ConversationLength int `json:"-"`

	// MilestoneLength is the turn count covered by the previous pass.
	MilestoneLength int `json:"-"`
}

// merge fills empty fields of next from prev so the displayed state never
// loses information a prior analysis produced.
func merge(next, prev Snapshot) Snapshot {
	if next.Suggestion == "" {
		next.Suggestion = prev.Suggestion
	}
	if next.Guidance == "" {
		next.Guidance = prev.Guidance
	}
	if len(next.FollowUps) == 0 {
		next.FollowUps = prev.FollowUps
	}
	if next.Summary == "" {
		next.Summary = prev.Summary
	}
	if len(next.Bullets) == 0 {
		next.Bullets = prev.Bullets
	}
	return next
}
