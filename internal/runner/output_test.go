package runner

import (
	"strings"
	"testing"
	"time"
)

func TestRingBufferKeepsTail(t *testing.T) {
	rb := newRingBuffer(10)
	if _, err := rb.Write([]byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if rb.String() != "hello" || rb.Truncated() {
		t.Fatalf("short write mutated: %q truncated=%v", rb.String(), rb.Truncated())
	}

	if _, err := rb.Write([]byte("0123456789abc")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := rb.String(); got != "3456789abc" {
		t.Fatalf("expected tail, got %q", got)
	}
	if !rb.Truncated() {
		t.Fatalf("overflow not flagged as truncated")
	}
}

func TestDetectRateLimit(t *testing.T) {
	now := time.Date(2026, 8, 26, 14, 0, 0, 0, time.UTC)

	if _, ok := detectRateLimit("all good, task finished", now); ok {
		t.Fatalf("clean output flagged as rate limited")
	}

	// A named reset later today is parsed directly.
	reset, ok := detectRateLimit("You've hit your limit. Resets 5pm (UTC).", now)
	if !ok {
		t.Fatalf("limit phrase not detected")
	}
	want := time.Date(2026, 8, 26, 17, 0, 0, 0, time.UTC)
	if !reset.Equal(want) {
		t.Fatalf("expected reset %v, got %v", want, reset)
	}

	// A wall-clock time already past today rolls to tomorrow.
	reset, ok = detectRateLimit("rate limit reached, resets 9am (UTC)", now)
	if !ok {
		t.Fatalf("limit phrase not detected")
	}
	want = time.Date(2026, 8, 27, 9, 0, 0, 0, time.UTC)
	if !reset.Equal(want) {
		t.Fatalf("expected next-day reset %v, got %v", want, reset)
	}

	// Minutes are honoured when present.
	reset, ok = detectRateLimit("rate limit: resets 4:30pm (UTC)", now)
	if !ok || !reset.Equal(time.Date(2026, 8, 26, 16, 30, 0, 0, time.UTC)) {
		t.Fatalf("minute parse failed: %v ok=%v", reset, ok)
	}

	// No named time: one hour from now.
	reset, ok = detectRateLimit("HTTP 429 Too Many Requests", now)
	if !ok || !reset.Equal(now.Add(time.Hour)) {
		t.Fatalf("default reset wrong: %v ok=%v", reset, ok)
	}
}

func TestCountTokens(t *testing.T) {
	output := strings.Join([]string{
		`{"usage": {"input_tokens": 1200, "output_tokens": 300}}`,
		`plain progress line`,
		`{"usage": {"prompt_tokens": 50, "completion_tokens": 25}}`,
		`{"not_usage": true}`,
		`{broken json`,
	}, "\n")
	if got := countTokens(output); got != 1575 {
		t.Fatalf("expected 1575 tokens, got %d", got)
	}
	if got := countTokens("no json at all"); got != 0 {
		t.Fatalf("expected 0 tokens, got %d", got)
	}
}

func TestExtractSummary(t *testing.T) {
	output := strings.Join([]string{
		`{"type": "item.completed", "item": {"type": "message", "text": "First pass done"}}`,
		`noise`,
		`{"type": "agent_message", "message": "Implemented the CSV export and added tests"}`,
		``,
	}, "\n")
	if got := extractSummary(output, 200); got != "Implemented the CSV export and added tests" {
		t.Fatalf("expected last structured message, got %q", got)
	}

	// Plain output falls back to the last non-empty line.
	plain := "step 1\nstep 2\nall tests passing\n\n"
	if got := extractSummary(plain, 200); got != "all tests passing" {
		t.Fatalf("fallback failed: %q", got)
	}

	// The summary is clipped to the limit.
	long := `{"type": "agent_message", "message": "` + strings.Repeat("x", 500) + `"}`
	if got := extractSummary(long, 100); len(got) != 100 {
		t.Fatalf("expected 100-char clip, got %d", len(got))
	}
}
