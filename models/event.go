package models

// ProcessedEvent guards webhook and polling de-duplication. The
// (event_id, repo_id, action) triple is unique; duplicate inserts are
// silently dropped by the store.
type ProcessedEvent struct {
	ID          int64  `json:"id"           db:"id"`
	EventID     string `json:"event_id"     db:"event_id"`
	RepoID      string `json:"repo_id"      db:"repo_id"`
	Action      string `json:"action"       db:"action"`
	ProcessedAt string `json:"processed_at" db:"processed_at"`
}
