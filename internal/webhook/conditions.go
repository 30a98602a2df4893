package webhook

import (
	"log/slog"
	"regexp"
	"strings"
)

// condContext carries the normalised event fields a routing condition may
// inspect.
type condContext struct {
	Labels       []string
	AutonomyMode string
	Action       string
	TargetBranch string
	NoteBody     string
	NoteableType string
}

var (
	mentionRe = regexp.MustCompile(`(?i)@auto-dev|\[auto-dev\]`)

	// changeWords mark a review comment as requesting changes.
	changeWords = []string{"change", "fix", "update", "revise", "please", "should", "must", "need"}
)

// evalCondition interprets the small routing-condition DSL. Conditions are
// lower-case free-form with `and` chaining and an optional `not` prefix per
// clause. An unrecognised clause evaluates to true with a warning, so a
// typo in config fails open rather than silently dropping events.
func evalCondition(expr string, cc condContext) bool {
	expr = strings.TrimSpace(strings.ToLower(expr))
	if expr == "" {
		return true
	}
	for _, clause := range strings.Split(expr, " and ") {
		if !evalClause(strings.TrimSpace(clause), cc) {
			return false
		}
	}
	return true
}

func evalClause(clause string, cc condContext) bool {
	if clause == "" {
		return true
	}
	if rest, ok := strings.CutPrefix(clause, "not "); ok {
		return !evalClause(strings.TrimSpace(rest), cc)
	}

	switch {
	case strings.HasPrefix(clause, "has_label("):
		label := extractQuoted(clause)
		for _, l := range cc.Labels {
			if strings.EqualFold(l, label) {
				return true
			}
		}
		return false

	case strings.HasPrefix(clause, "repo_autonomy_mode"):
		want := extractQuoted(clause)
		if strings.Contains(clause, "!=") {
			return cc.AutonomyMode != want
		}
		return cc.AutonomyMode == want

	case clause == "note_mentions_autodev":
		return mentionRe.MatchString(cc.NoteBody)

	case clause == "has_new_commits":
		return cc.Action == "update" || cc.Action == "push"

	case strings.HasPrefix(clause, "target_branch in"):
		branches := extractList(clause)
		for _, b := range branches {
			if cc.TargetBranch == b {
				return true
			}
		}
		return false

	case clause == "is_review_comment":
		return strings.Contains(strings.ToLower(cc.NoteableType), "mergerequest") ||
			strings.Contains(strings.ToLower(cc.NoteableType), "merge_request")

	case clause == "mentions_changes_needed":
		body := strings.ToLower(cc.NoteBody)
		for _, w := range changeWords {
			if strings.Contains(body, w) {
				return true
			}
		}
		return false
	}

	slog.Warn("unrecognised routing condition, treating as true", "clause", clause)
	return true
}

// extractQuoted returns the first single-quoted string in s.
func extractQuoted(s string) string {
	start := strings.IndexByte(s, '\'')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(s[start+1:], '\'')
	if end < 0 {
		return ""
	}
	return s[start+1 : start+1+end]
}

// extractList parses the bracketed list of a `x in [...]` clause.
func extractList(s string) []string {
	open := strings.IndexByte(s, '[')
	close := strings.IndexByte(s, ']')
	if open < 0 || close < open {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s[open+1:close], ",") {
		part = strings.Trim(strings.TrimSpace(part), "'\"")
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
