package runner

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ringBuffer keeps the tail of a worker's combined output, bounded by max
// characters. Writers are the two stream drain goroutines.
type ringBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newRingBuffer(max int) *ringBuffer {
	return &ringBuffer{max: max}
}

func (r *ringBuffer) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf = append(r.buf, p...)
	if len(r.buf) > r.max {
		r.buf = r.buf[len(r.buf)-r.max:]
		r.truncated = true
	}
	return len(p), nil
}

func (r *ringBuffer) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.buf)
}

func (r *ringBuffer) Truncated() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.truncated
}

var (
	rateLimitRe = regexp.MustCompile(`(?i)hit your limit|rate limit|\b429\b`)
	resetsRe    = regexp.MustCompile(`(?i)resets\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)\s*\(utc\)`)
)

// detectRateLimit scans worker output for provider refusal markers. When
// found it returns the reset time: parsed from a "resets Npm (UTC)" phrase,
// or now+1h when the output names no time.
func detectRateLimit(output string, now time.Time) (time.Time, bool) {
	if !rateLimitRe.MatchString(output) {
		return time.Time{}, false
	}
	if m := resetsRe.FindStringSubmatch(output); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute := 0
		if m[2] != "" {
			minute, _ = strconv.Atoi(m[2])
		}
		if strings.EqualFold(m[3], "pm") && hour < 12 {
			hour += 12
		}
		if strings.EqualFold(m[3], "am") && hour == 12 {
			hour = 0
		}
		reset := time.Date(now.UTC().Year(), now.UTC().Month(), now.UTC().Day(), hour, minute, 0, 0, time.UTC)
		// An earlier wall-clock time means the reset is tomorrow.
		if !reset.After(now) {
			reset = reset.Add(24 * time.Hour)
		}
		return reset, true
	}
	return now.Add(time.Hour), true
}

// usageLine matches the two token-usage shapes providers emit as JSON lines.
type usageLine struct {
	Usage struct {
		InputTokens      int64 `json:"input_tokens"`
		OutputTokens     int64 `json:"output_tokens"`
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

// countTokens accumulates token usage from per-line JSON in worker output.
func countTokens(output string) int64 {
	var total int64
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var u usageLine
		if err := json.Unmarshal([]byte(line), &u); err != nil {
			continue
		}
		total += u.Usage.InputTokens + u.Usage.OutputTokens
		total += u.Usage.PromptTokens + u.Usage.CompletionTokens
	}
	return total
}

// summaryLine matches the terminal message shapes a worker may emit.
type summaryLine struct {
	Type string `json:"type"`
	Item struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"item"`
	Message string `json:"message"`
}

// extractSummary pulls the last completed-item or agent-message text from
// worker output, bounded to max characters. Falls back to the last non-empty
// plain line.
func extractSummary(output string, max int) string {
	lines := strings.Split(output, "\n")

	summary := ""
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var s summaryLine
		if err := json.Unmarshal([]byte(line), &s); err != nil {
			continue
		}
		switch {
		case s.Type == "item.completed" && s.Item.Text != "":
			summary = s.Item.Text
		case s.Type == "agent_message" && s.Message != "":
			summary = s.Message
		}
	}

	// No structured messages: fall back to the last non-empty plain line.
	for i := len(lines) - 1; i >= 0 && summary == ""; i-- {
		summary = strings.TrimSpace(lines[i])
	}
	return clip(summary, max)
}

func clip(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}
