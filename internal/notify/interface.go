package notify

import "context"

// Event represents a notification event from the orchestrator.
type Event struct {
	Type     string // "task_failed" | "approval_requested" | "agent_stalled" | "merge_approved"
	Title    string
	Body     string
	URL      string         // optional deep link (e.g. MR or approval URL)
	RepoSlug string         // registered repo slug
	Metadata map[string]any // extra structured data
}

// Channel is implemented by each notification provider.
type Channel interface {
	Name() string
	IsConfigured() bool
	Send(ctx context.Context, evt Event) error
}
