package webhook

import "testing"

func TestEvalCondition(t *testing.T) {
	cc := condContext{
		Labels:       []string{"auto-dev", "Backend"},
		AutonomyMode: "full",
		Action:       "update",
		TargetBranch: "main",
		NoteBody:     "@auto-dev please fix the flaky test",
		NoteableType: "MergeRequest",
	}

	cases := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"has_label('auto-dev')", true},
		{"has_label('backend')", true}, // case-insensitive
		{"has_label('frontend')", false},
		{"not has_label('frontend')", true},
		{"repo_autonomy_mode == 'full'", true},
		{"repo_autonomy_mode != 'full'", false},
		{"repo_autonomy_mode == 'guided'", false},
		{"note_mentions_autodev", true},
		{"has_new_commits", true},
		{"target_branch in ['main', 'develop']", true},
		{"target_branch in ['release']", false},
		{"is_review_comment", true},
		{"mentions_changes_needed", true},
		{"has_label('auto-dev') and repo_autonomy_mode == 'full'", true},
		{"has_label('auto-dev') and repo_autonomy_mode == 'guided'", false},
		{"not has_label('wip') and target_branch in ['main']", true},
		// Unknown clauses fail open.
		{"definitely_not_a_clause", true},
	}
	for _, tc := range cases {
		if got := evalCondition(tc.expr, cc); got != tc.want {
			t.Errorf("evalCondition(%q) = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestEvalConditionEmptyContext(t *testing.T) {
	cc := condContext{Action: "open"}
	if evalCondition("note_mentions_autodev", cc) {
		t.Fatalf("empty note should not match the mention clause")
	}
	if evalCondition("has_new_commits", cc) {
		t.Fatalf("open action is not a commit push")
	}
	if evalCondition("mentions_changes_needed", cc) {
		t.Fatalf("empty note should not request changes")
	}
}

func TestParseEventNormalisation(t *testing.T) {
	body := []byte(`{
		"object_kind": "merge_request",
		"object_attributes": {
			"action": "Open",
			"labels": [{"title": "urgent"}, "backend"]
		}
	}`)
	ev, err := parseEvent("Merge Request Hook", body)
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}
	if ev.Type != "merge_request" {
		t.Fatalf("expected merge_request, got %q", ev.Type)
	}
	if ev.Action != "open" {
		t.Fatalf("expected lowercased action, got %q", ev.Action)
	}
	if ev.RouteKey() != "merge_request:open" {
		t.Fatalf("unexpected route key %q", ev.RouteKey())
	}
	if len(ev.Labels) != 2 || ev.Labels[0] != "urgent" || ev.Labels[1] != "backend" {
		t.Fatalf("unexpected labels %v", ev.Labels)
	}

	// Header absent: object_kind drives the type.
	ev, err = parseEvent("", []byte(`{"object_kind": "pipeline", "object_attributes": {"status": "failed"}}`))
	if err != nil {
		t.Fatalf("parse event: %v", err)
	}
	if ev.RouteKey() != "pipeline:failed" {
		t.Fatalf("unexpected route key %q", ev.RouteKey())
	}
}
