package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/autodev-ai/autodev/internal/config"
	"github.com/autodev-ai/autodev/internal/prompts"
	"github.com/autodev-ai/autodev/internal/workspace"
	"github.com/autodev-ai/autodev/models"
)

// session is one live worker subprocess and its capture state.
type session struct {
	id        string
	provider  string
	task      *models.Task
	cmd       *exec.Cmd
	startedAt time.Time
	buffer    *ringBuffer
	logFile   *os.File
	checkout  *workspace.Checkout

	done    chan struct{} // closed after Wait returns and streams are drained
	exitErr error
}

// alive reports whether the subprocess has not yet exited.
func (s *session) alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// exitCode returns the subprocess exit code, or -1 when it was killed.
func (s *session) exitCode() int {
	if s.exitErr == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(s.exitErr, &ee) {
		return ee.ExitCode()
	}
	return -1
}

// spawn starts a worker subprocess for the task and begins draining its
// output streams.
func (r *Runner) spawn(ctx context.Context, task *models.Task) (*session, error) {
	provider := r.activeProvider
	pc, ok := r.cfg.LLM.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %q not configured", provider)
	}

	prompt, err := r.buildPrompt(ctx, task)
	if err != nil {
		return nil, err
	}

	s := &session{
		id:        uuid.NewString(),
		provider:  provider,
		task:      task,
		startedAt: time.Now().UTC(),
		buffer:    newRingBuffer(r.cfg.Watcher.OutputStreamBufferChars),
		done:      make(chan struct{}),
	}

	// Best-effort checkout: a missing workspace degrades the session, it
	// does not block it.
	if task.RepoID != "" {
		if repo, err := r.orch.GetRepo(ctx, task.RepoID); err == nil {
			co, err := r.ws.Prepare(ctx, repo, s.id, r.forgeToken(repo))
			if err != nil {
				slog.Warn("workspace prepare failed, running without checkout",
					"agent", r.agentID, "repo", repo.Slug, "error", err)
			} else {
				s.checkout = co
			}
		}
	}

	s.logFile, err = r.store.Create(task.ID)
	if err != nil {
		r.ws.Cleanup(s.checkout)
		return nil, err
	}

	args := append([]string{}, pc.Args...)
	if model := r.modelFor(pc); model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, pc.PromptFlag, prompt)

	cmd := exec.CommandContext(ctx, pc.Command, args...) // #nosec G204 -- command comes from the operator's provider config
	cmd.Env = append(os.Environ(),
		"AUTODEV_SESSION_ID="+s.id,
		"AUTODEV_AGENT_ID="+r.agentID,
		"AUTODEV_TASK_ID="+task.ID,
		"AUTODEV_REPO_ID="+task.RepoID,
		"AUTODEV_PROVIDER="+provider,
	)
	if s.checkout != nil {
		cmd.Dir = s.checkout.Path
		cmd.Env = append(cmd.Env, "AUTODEV_WORKSPACE="+s.checkout.Path)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.logFile.Close()
		r.ws.Cleanup(s.checkout)
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.logFile.Close()
		r.ws.Cleanup(s.checkout)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.logFile.Close()
		r.ws.Cleanup(s.checkout)
		return nil, fmt.Errorf("starting worker: %w", err)
	}
	s.cmd = cmd

	sink := io.MultiWriter(s.logFile, s.buffer)
	var wg sync.WaitGroup
	wg.Add(2)
	go drain(&wg, sink, stdout)
	go drain(&wg, sink, stderr)
	go func() {
		wg.Wait()
		s.exitErr = cmd.Wait()
		close(s.done)
	}()

	slog.Info("worker spawned",
		"agent", r.agentID, "session", s.id, "task_id", task.ID,
		"task_type", task.Type, "provider", provider, "pid", cmd.Process.Pid)
	return s, nil
}

func drain(wg *sync.WaitGroup, dst io.Writer, src io.Reader) {
	defer wg.Done()
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			dst.Write(buf[:n]) //nolint:errcheck // sink is a log file plus in-memory buffer
		}
		if err != nil {
			return
		}
	}
}

// stop terminates a running worker: SIGTERM, a grace period, then SIGKILL.
func (s *session) stop() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	_ = s.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-s.done:
		return
	case <-time.After(10 * time.Second):
	}
	_ = s.cmd.Process.Kill()
	<-s.done
}

// buildPrompt loads the agent's prompt template and renders task context
// into it.
func (r *Runner) buildPrompt(ctx context.Context, task *models.Task) (string, error) {
	name := r.agentCfg.PromptFile
	if name == "" {
		name = r.agentID
	}
	p, err := prompts.Load(name, prompts.DefaultDir())
	if err != nil {
		return "", fmt.Errorf("loading prompt: %w", err)
	}

	vars := map[string]string{
		"agent_id":     r.agentID,
		"task_id":      task.ID,
		"task_type":    task.Type,
		"task_payload": task.Payload,
	}
	if task.RepoID != "" {
		if repo, err := r.orch.GetRepo(ctx, task.RepoID); err == nil {
			vars["repo_name"] = repo.Name
			vars["default_branch"] = repo.DefaultBranch
		}
	}
	return p.Render(vars), nil
}

// modelFor resolves the agent's logical model through the provider's model
// map.
func (r *Runner) modelFor(pc config.ProviderConfig) string {
	if r.agentCfg.Model == "" {
		return ""
	}
	if mapped, ok := pc.ModelMap[r.agentCfg.Model]; ok {
		return mapped
	}
	return r.agentCfg.Model
}

// finalise processes a finished worker: rate-limit scan, token accounting,
// task completion and outcome recording.
func (r *Runner) finalise(ctx context.Context, s *session) {
	<-s.done
	s.logFile.Close()
	defer r.ws.Cleanup(s.checkout)

	output := s.buffer.String()
	duration := time.Since(s.startedAt)
	exitCode := s.exitCode()

	tokens := countTokens(output)
	r.addTokens(tokens)
	if max := r.agentCfg.SessionMaxTokens; max > 0 && tokens > max {
		slog.Warn("session exceeded its token allowance",
			"agent", r.agentID, "session", s.id, "tokens", tokens, "max", max)
	}

	if reset, limited := detectRateLimit(output, time.Now()); limited {
		if err := r.register.Set(s.provider, reset, r.agentID); err != nil {
			slog.Warn("setting rate-limit register failed", "agent", r.agentID, "error", err)
		}
		r.recordOutcome(ctx, s, models.OutcomePartial, duration, "rate limited")

		if r.fallbackEligible(s.provider) {
			// Requeue on the runner's retry slot, not the shared queue: the
			// claim stays ours and the fallback provider retries it next
			// iteration.
			r.retryTask = s.task
			r.activeProvider = r.cfg.LLM.FallbackProvider
			slog.Info("rate limited, switching to fallback provider",
				"agent", r.agentID, "provider", s.provider, "fallback", r.activeProvider)
		} else {
			r.retryTask = s.task
			slog.Info("rate limited, waiting for reset",
				"agent", r.agentID, "provider", s.provider, "reset", reset)
		}
		return
	}

	logURL, err := r.store.Mirror(ctx, s.task.ID)
	if err != nil {
		slog.Warn("mirroring session log failed", "agent", r.agentID, "task_id", s.task.ID, "error", err)
	}

	summary := extractSummary(output, r.cfg.Watcher.OutputSummaryChars)
	result, _ := json.Marshal(map[string]any{
		"exit_code":        exitCode,
		"summary":          summary,
		"output_excerpt":   clip(output, r.cfg.Watcher.OutputExcerptChars),
		"output_truncated": s.buffer.Truncated(),
		"log_url":          logURL,
		"session_id":       s.id,
		"provider":         s.provider,
		"duration_seconds": int(duration.Seconds()),
		"tokens_used":      tokens,
	})

	errMsg := ""
	if exitCode != 0 {
		errMsg = fmt.Sprintf("Session exited with code %d", exitCode)
		r.consecutiveFailures++
	} else {
		r.consecutiveFailures = 0
	}

	ok, err := r.orch.CompleteTask(ctx, s.task.ID, r.agentID, string(result), errMsg)
	if err != nil {
		slog.Error("completing task failed", "agent", r.agentID, "task_id", s.task.ID, "error", err)
	} else if !ok {
		// The task was cancelled or reassigned underneath us; drop the
		// result.
		slog.Warn("task no longer ours, result discarded", "agent", r.agentID, "task_id", s.task.ID)
	}

	outcome := models.OutcomeSuccess
	if exitCode != 0 {
		outcome = models.OutcomeFailure
	}
	r.recordOutcome(ctx, s, outcome, duration, summary)

	// Best-effort reflection for fleet-level learning; never fatal.
	r.bus.PublishAlert(ctx, "reflection", map[string]string{
		"agent":    r.agentID,
		"task_id":  s.task.ID,
		"outcome":  outcome,
		"summary":  summary,
		"provider": s.provider,
	})

	if tokens > 0 {
		if err := r.orch.AddAgentUsage(ctx, r.agentID, s.task.RepoID, 1, tokens); err != nil {
			slog.Debug("recording agent usage failed", "agent", r.agentID, "error", err)
		}
	}
}

func (r *Runner) recordOutcome(ctx context.Context, s *session, outcome string, duration time.Duration, note string) {
	ctxJSON, _ := json.Marshal(map[string]any{
		"session_id": s.id,
		"provider":   s.provider,
		"note":       note,
	})
	errSummary := ""
	if outcome != models.OutcomeSuccess {
		errSummary = note
	}
	err := r.orch.RecordOutcome(ctx, models.TaskOutcome{
		TaskID:          s.task.ID,
		AgentID:         r.agentID,
		TaskType:        s.task.Type,
		Outcome:         outcome,
		DurationSeconds: duration.Seconds(),
		ErrorSummary:    errSummary,
		ContextSummary:  string(ctxJSON),
	})
	if err != nil {
		slog.Warn("recording outcome failed", "agent", r.agentID, "task_id", s.task.ID, "error", err)
	}
}
