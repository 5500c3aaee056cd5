// Package noise classifies STT output that should never reach the
// conversation log: empty fragments, hallucinated filler phrases that speech
// models emit over silence, bracketed silence-tag markers, and degenerate
// word-loop output.
//
// The classifier is a pure function over the input text — no state, no
// failure modes — so it can sit directly in the hot transcript path.
package noise

import "strings"

// silenceTags are markers some models emit verbatim over non-speech audio.
// A transcript containing any of them is discarded wholesale.
var silenceTags = []string{
	"[BLANK_AUDIO]",
	"[INAUDIBLE]",
	"[MUSIC]",
	"[SOUND]",
	"[NOISE]",
	"(BLANK_AUDIO)",
	"(INAUDIBLE)",
	"(MUSIC)",
	"(SOUND)",
	"(NOISE)",
}

// hallucinations is the exact-match set of filler phrases models produce when
// fed silence. Matching is case-insensitive on the trimmed input.
var hallucinations = map[string]struct{}{
	"thank you.":             {},
	"thank you":              {},
	"thanks for watching.":   {},
	"thanks for watching":    {},
	"thank you for watching.": {},
	"thank you for watching": {},
	"bye.":                   {},
	"bye":                    {},
	"goodbye.":               {},
	"goodbye":                {},
	"okay.":                  {},
	"ok.":                    {},
	"um.":                    {},
	"uh.":                    {},
	"yeah.":                  {},
	"yes.":                   {},
	"no.":                    {},
	"so.":                    {},
	"and.":                   {},
	"the.":                   {},
	"but.":                   {},
}

// IsNoise reports whether text is empty, hallucinated, a silence tag, or a
// degenerate repetition and therefore must not become a conversation turn.
func IsNoise(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) <= 2 {
		return true
	}

	lower := strings.ToLower(trimmed)
	if _, ok := hallucinations[lower]; ok {
		return true
	}

	upper := strings.ToUpper(trimmed)
	for _, tag := range silenceTags {
		if strings.Contains(upper, tag) {
			return true
		}
	}

	return isRepetition(trimmed)
}

// isRepetition detects looped output: three or more word tokens that collapse
// to a single distinct word once punctuation is stripped ("you you you you").
func isRepetition(text string) bool {
	fields := strings.Fields(text)
	if len(fields) < 3 {
		return false
	}

	distinct := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		w := strings.ToLower(strings.Trim(f, ".,!?;:'\"()[]"))
		if w == "" {
			continue
		}
		distinct[w] = struct{}{}
		if len(distinct) > 1 {
			return false
		}
	}
	return len(distinct) == 1
}
