package runner

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// statusFile is the per-runner snapshot written each supervision iteration
// and read by peer runners for concurrency-cap counting. The schema is
// additive; readers tolerate unknown keys.
type statusFile struct {
	AgentID   string         `json:"agent_id"`
	Status    string         `json:"status"`
	IsRunning bool           `json:"is_running"`
	Session   *sessionStatus `json:"current_session,omitempty"`
	Task      *taskStatus    `json:"current_task,omitempty"`
	RateLimit rateStatus     `json:"rate_limit"`
	Failures  int            `json:"consecutive_failures"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type sessionStatus struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	StartedAt time.Time `json:"started_at"`
}

type taskStatus struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

type rateStatus struct {
	Limited   bool      `json:"limited"`
	ResetTime time.Time `json:"reset_time,omitempty"`
}

func (r *Runner) statusPath() string {
	return filepath.Join(r.cfg.Watcher.StatusDir, r.agentID+".json")
}

// writeStatus snapshots the runner's state atomically so a peer never reads
// a torn file.
func (r *Runner) writeStatus(st statusFile) {
	st.AgentID = r.agentID
	st.UpdatedAt = time.Now().UTC()

	dir := r.cfg.Watcher.StatusDir
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return
	}
	tmp, err := os.CreateTemp(dir, "."+r.agentID+"-*")
	if err != nil {
		return
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return
	}
	tmp.Close()
	if err := os.Rename(name, r.statusPath()); err != nil {
		os.Remove(name)
	}
}

// workingPeers counts peer runners that currently hold a live session on a
// task and are not rate-limited. Stale files (no heartbeat for two health
// intervals plus slack) are ignored.
func (r *Runner) workingPeers() int {
	entries, err := os.ReadDir(r.cfg.Watcher.StatusDir)
	if err != nil {
		return 0
	}

	staleAfter := 2*time.Duration(r.cfg.Watcher.HealthCheckInterval)*time.Second + 30*time.Second
	count := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if entry.Name() == r.agentID+".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.cfg.Watcher.StatusDir, entry.Name()))
		if err != nil {
			continue
		}
		var st statusFile
		if err := json.Unmarshal(data, &st); err != nil {
			continue
		}
		if time.Since(st.UpdatedAt) > staleAfter {
			continue
		}
		if st.Session != nil && st.Task != nil && !st.RateLimit.Limited {
			count++
		}
	}
	return count
}

// currentStatus assembles the snapshot for this iteration.
func (r *Runner) currentStatus(status string) statusFile {
	st := statusFile{
		Status:   status,
		Failures: r.consecutiveFailures,
	}
	if flag, _ := r.register.Get(); flag != nil && flag.Provider == r.activeProvider {
		st.RateLimit = rateStatus{Limited: true, ResetTime: flag.ResetTime}
	}
	if s := r.current; s != nil {
		st.IsRunning = true
		st.Session = &sessionStatus{ID: s.id, Provider: s.provider, StartedAt: s.startedAt}
		st.Task = &taskStatus{ID: s.task.ID, Type: s.task.Type}
	}
	return st
}

// removeStatus deletes the status file on shutdown so peers stop counting
// this runner immediately.
func (r *Runner) removeStatus() {
	if err := os.Remove(r.statusPath()); err != nil && !os.IsNotExist(err) {
		fmt.Fprintln(os.Stderr, "removing status file:", err)
	}
}
