package analysis

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	fencedJSONRe    = regexp.MustCompile("(?s)```json\\s*(.*?)```")
	fencedGenericRe = regexp.MustCompile("(?s)```\\s*(.*?)```")
	listMarkerRe    = regexp.MustCompile(`^(?:[-*•]|\d+[.)])\s+`)
)

// parseResponse extracts snapshot fields from a raw model reply. Fallbacks
// are tried in order: direct JSON, fenced JSON block, fenced generic block,
// the substring between the first '{' and the last '}', then a line-oriented
// markdown parser. Returns false only when every strategy yields nothing.
func parseResponse(raw string) (Snapshot, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Snapshot{}, false
	}

	if snap, ok := tryJSON(raw); ok {
		return snap, true
	}
	if m := fencedJSONRe.FindStringSubmatch(raw); m != nil {
		if snap, ok := tryJSON(strings.TrimSpace(m[1])); ok {
			return snap, true
		}
	}
	if m := fencedGenericRe.FindStringSubmatch(raw); m != nil {
		if snap, ok := tryJSON(strings.TrimSpace(m[1])); ok {
			return snap, true
		}
	}
	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		if snap, ok := tryJSON(raw[start : end+1]); ok {
			return snap, true
		}
	}
	return parseMarkdown(raw)
}

func tryJSON(s string) (Snapshot, bool) {
	var snap Snapshot
	if err := json.Unmarshal([]byte(s), &snap); err != nil {
		return Snapshot{}, false
	}
	if isEmpty(snap) {
		return Snapshot{}, false
	}
	return snap, true
}

func isEmpty(s Snapshot) bool {
	return s.Suggestion == "" && s.Guidance == "" && s.Summary == "" &&
		len(s.FollowUps) == 0 && len(s.Bullets) == 0
}

// markdown section identifiers recognised by the legacy parser. Keys are the
// lower-cased header text stripped of decoration.
type mdSection int

const (
	secNone mdSection = iota
	secSuggestion
	secGuidance
	secFollowUps
	secSummary
	secBullets
)

func classifyHeader(line string) mdSection {
	h := strings.ToLower(line)
	h = strings.Trim(h, "#*_ \t:")
	switch {
	case strings.Contains(h, "suggest"):
		return secSuggestion
	case strings.Contains(h, "guidance"), strings.Contains(h, "how to answer"):
		return secGuidance
	case strings.Contains(h, "follow"):
		return secFollowUps
	case strings.Contains(h, "key point"), strings.Contains(h, "bullet"), strings.Contains(h, "highlight"):
		return secBullets
	case strings.Contains(h, "summary"), strings.Contains(h, "tl;dr"), strings.Contains(h, "tldr"):
		return secSummary
	}
	return secNone
}

func looksLikeHeader(line string) bool {
	if strings.HasPrefix(line, "#") {
		return true
	}
	// Bold or plain short label ending in a colon, e.g. "**Summary:**".
	trimmed := strings.Trim(line, "*_ \t")
	return strings.HasSuffix(trimmed, ":") && len(strings.Fields(trimmed)) <= 4
}

// parseMarkdown is the last-resort parser for replies that ignored the JSON
// instruction. It walks lines, switching sections on recognised headers and
// collecting bullet or prose content under each.
func parseMarkdown(raw string) (Snapshot, bool) {
	var snap Snapshot
	section := secNone

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if looksLikeHeader(line) {
			if s := classifyHeader(line); s != secNone {
				section = s
				continue
			}
		}

		item := listMarkerRe.ReplaceAllString(line, "")
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		switch section {
		case secSuggestion:
			snap.Suggestion = joinProse(snap.Suggestion, item)
		case secGuidance:
			snap.Guidance = joinProse(snap.Guidance, item)
		case secFollowUps:
			snap.FollowUps = append(snap.FollowUps, item)
		case secBullets:
			snap.Bullets = append(snap.Bullets, item)
		case secSummary:
			snap.Summary = joinProse(snap.Summary, item)
		}
	}

	if isEmpty(snap) {
		return Snapshot{}, false
	}
	return snap, true
}

func joinProse(existing, next string) string {
	if existing == "" {
		return next
	}
	return existing + " " + next
}

// normalize trims every field, deduplicates and caps the lists, and fills
// anything still empty from prev.
func normalize(snap, prev Snapshot) Snapshot {
	snap.Suggestion = strings.TrimSpace(snap.Suggestion)
	snap.Guidance = strings.TrimSpace(snap.Guidance)
	snap.Summary = strings.TrimSpace(snap.Summary)
	snap.FollowUps = cleanList(snap.FollowUps, maxFollowUps)
	snap.Bullets = cleanList(snap.Bullets, maxBullets)
	return merge(snap, prev)
}

func cleanList(in []string, limit int) []string {
	var out []string
	seen := map[string]bool{}
	for _, item := range in {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key := strings.ToLower(item)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
		if len(out) == limit {
			break
		}
	}
	return out
}
