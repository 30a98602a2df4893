// Package runner implements the agent supervision loop: one process per
// agent type, claiming one task at a time from the shared queue and
// supervising a single LLM worker subprocess. Concurrency across the fleet
// is scheduled by the task queue, not by thread pools.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/autodev-ai/autodev/internal/bus"
	"github.com/autodev-ai/autodev/internal/config"
	"github.com/autodev-ai/autodev/internal/forge"
	"github.com/autodev-ai/autodev/internal/orchestrator"
	"github.com/autodev-ai/autodev/internal/outputstore"
	"github.com/autodev-ai/autodev/internal/ratelimit"
	"github.com/autodev-ai/autodev/internal/workspace"
	"github.com/autodev-ai/autodev/models"
)

const (
	disabledSleep   = 10 * time.Second
	waitingSleep    = 30 * time.Second
	budgetSleep     = time.Hour
	coolDownSleep   = 10 * time.Second
	maxRestartDelay = 300 * time.Second
)

// Runner supervises one agent type. Single-threaded at the supervision
// level; the only helper goroutines drain the worker's output pipes.
type Runner struct {
	cfg      *config.Config
	agentID  string
	agentCfg config.AgentConfig

	orch     *orchestrator.Orchestrator
	bus      *bus.Bus
	register *ratelimit.Register
	store    *outputstore.Store
	ws       *workspace.Manager

	activeProvider string
	current        *session
	retryTask      *models.Task

	consecutiveFailures int
	firstIteration      bool

	tokensUsed int64
	tokenDay   string // UTC day the counter belongs to
}

// New creates a Runner for the given agent id. The agent must exist in the
// config's agent catalog.
func New(cfg *config.Config, agentID string, orch *orchestrator.Orchestrator, b *bus.Bus, store *outputstore.Store) (*Runner, error) {
	agentCfg, ok := cfg.Agents[agentID]
	if !ok {
		return nil, fmt.Errorf("agent %q not in config", agentID)
	}
	if len(agentCfg.TaskTypes) == 0 {
		agentCfg.TaskTypes = orchestrator.TaskTypesForAgent(agentID)
	} else {
		agentCfg.TaskTypes = append(agentCfg.TaskTypes, orchestrator.UniversalTaskTypes...)
	}
	r := &Runner{
		cfg:            cfg,
		agentID:        agentID,
		agentCfg:       agentCfg,
		orch:           orch,
		bus:            b,
		register:       ratelimit.New(cfg.Watcher.RateLimitFile),
		store:          store,
		ws:             workspace.NewManager(cfg.Watcher.WorkspaceDir),
		firstIteration: true,
	}
	r.activeProvider = r.preferredProvider()
	return r, nil
}

// preferredProvider resolves the provider for new sessions: manual override
// env, then the agent's pin, then the fleet default.
func (r *Runner) preferredProvider() string {
	if env := r.cfg.LLM.ManualOverrideEnv; env != "" {
		if p := os.Getenv(env); p != "" {
			return p
		}
	}
	if r.agentCfg.Provider != "" {
		return r.agentCfg.Provider
	}
	return r.cfg.LLM.DefaultProvider
}

// Run executes the supervision loop until ctx is cancelled. Any panic-free
// error inside an iteration is logged and retried after a cool-down.
func (r *Runner) Run(ctx context.Context) error {
	slog.Info("runner starting",
		"agent", r.agentID, "provider", r.activeProvider,
		"task_types", r.agentCfg.TaskTypes)
	defer r.shutdown()

	interval := time.Duration(r.cfg.Watcher.HealthCheckInterval) * time.Second
	for ctx.Err() == nil {
		if err := r.iterate(ctx); err != nil {
			slog.Error("runner iteration failed", "agent", r.agentID, "error", err)
			r.setStatus(ctx, models.AgentError)
			sleepCtx(ctx, coolDownSleep)
			continue
		}
		sleepCtx(ctx, interval)
	}
	return nil
}

func (r *Runner) shutdown() {
	if r.current != nil && r.current.alive() {
		slog.Info("stopping worker for shutdown", "agent", r.agentID, "session", r.current.id)
		r.current.stop()
		r.finalise(context.Background(), r.current)
		r.current = nil
	}
	r.setStatus(context.Background(), models.AgentStopped)
	r.removeStatus()
	slog.Info("runner stopped", "agent", r.agentID)
}

// iterate is one pass of the supervision cycle.
func (r *Runner) iterate(ctx context.Context) error {
	// 1. Process-external enable gate.
	if !r.bus.AgentEnabled(ctx, r.agentID) {
		r.setStatus(ctx, models.AgentDisabled)
		sleepCtx(ctx, disabledSleep)
		return nil
	}

	// 2. Fleet rate-limit register.
	if waited, err := r.checkRateLimit(ctx); err != nil || waited {
		return err
	}

	// 3. Daily token budget.
	if r.overBudget() {
		r.setStatus(ctx, models.AgentOverBudget)
		sleepCtx(ctx, budgetSleep)
		return nil
	}

	// 4. Inter-agent mail.
	r.drainMail(ctx)

	// 5. Worker supervision.
	if err := r.superviseWorker(ctx); err != nil {
		return err
	}

	// 6. Session duration ceiling.
	r.enforceDuration(ctx)

	// 7. Status snapshot for peers and the fleet dashboard.
	status := models.AgentIdle
	if r.current != nil {
		status = models.AgentRunning
	}
	r.setStatus(ctx, status)
	return nil
}

// checkRateLimit pauses or falls back when the register flags our provider.
// Returns true when the iteration consumed itself waiting.
func (r *Runner) checkRateLimit(ctx context.Context) (bool, error) {
	flag, err := r.register.Get()
	if err != nil {
		return false, err
	}
	if flag == nil || flag.Provider != r.activeProvider {
		// A limit on someone else's provider is their problem.
		return false, nil
	}
	if r.fallbackEligible(flag.Provider) {
		r.activeProvider = r.cfg.LLM.FallbackProvider
		slog.Info("provider limited, falling back",
			"agent", r.agentID, "limited", flag.Provider, "fallback", r.activeProvider)
		return false, nil
	}

	r.setStatus(ctx, models.AgentRateLimited)
	wait := time.Until(flag.ResetTime)
	if wait > time.Minute {
		wait = time.Minute
	}
	if wait > 0 {
		sleepCtx(ctx, wait)
	}
	// Expired flags are cleared lazily by the next Get.
	return true, nil
}

func (r *Runner) fallbackEligible(limited string) bool {
	fb := r.cfg.LLM.FallbackProvider
	return r.cfg.LLM.AutoFallbackOnRateLimit && fb != "" && fb != limited
}

// overBudget rolls the daily counter at the UTC day boundary and reports
// whether the budget is spent.
func (r *Runner) overBudget() bool {
	today := time.Now().UTC().Format("2006-01-02")
	if r.tokenDay != today {
		r.tokenDay = today
		r.tokensUsed = 0
	}
	budget := r.cfg.Tokens.DailyBudget
	return budget > 0 && r.tokensUsed >= budget
}

func (r *Runner) addTokens(n int64) {
	if n <= 0 {
		return
	}
	r.tokensUsed += n
	budget := r.cfg.Tokens.DailyBudget
	if budget > 0 && r.cfg.Tokens.WarningThreshold > 0 {
		if float64(r.tokensUsed) >= float64(budget)*r.cfg.Tokens.WarningThreshold {
			slog.Warn("daily token budget nearly spent",
				"agent", r.agentID, "used", r.tokensUsed, "budget", budget)
		}
	}
}

// drainMail handles advisory inter-agent messages. A "create_task" message
// spawns a child task; everything else is logged for the session transcript.
func (r *Runner) drainMail(ctx context.Context) {
	for _, m := range r.bus.DrainMail(ctx, r.agentID) {
		switch m.Subject {
		case "create_task":
			var req struct {
				RepoID   string          `json:"repo_id"`
				TaskType string          `json:"task_type"`
				Payload  json.RawMessage `json:"payload"`
				Priority int             `json:"priority"`
			}
			if err := json.Unmarshal(m.Payload, &req); err != nil {
				slog.Warn("undecodable create_task mail", "agent", r.agentID, "from", m.From, "error", err)
				continue
			}
			_, err := r.orch.CreateTask(ctx, orchestrator.CreateTaskOptions{
				RepoID:    req.RepoID,
				Type:      req.TaskType,
				Payload:   req.Payload,
				Priority:  req.Priority,
				CreatedBy: m.From,
			})
			if err != nil {
				slog.Warn("mail-requested task creation failed", "agent", r.agentID, "from", m.From, "error", err)
			}
		default:
			slog.Info("mail received", "agent", r.agentID, "from", m.From, "subject", m.Subject)
		}
	}
}

// superviseWorker finalises a dead worker and, when idle, claims and starts
// the next task.
func (r *Runner) superviseWorker(ctx context.Context) error {
	if r.current != nil && !r.current.alive() {
		r.finalise(ctx, r.current)
		r.current = nil
	}
	if r.current != nil {
		return nil
	}

	// Fleet concurrency cap, counted from peer status files.
	if limit := r.cfg.Orchestrator.MaxConcurrentAgents; limit > 0 && r.workingPeers() >= limit {
		r.setStatus(ctx, models.AgentWaiting)
		sleepCtx(ctx, waitingSleep)
		return nil
	}

	if r.consecutiveFailures > 0 {
		delay := r.restartDelay()
		slog.Info("backing off after failures",
			"agent", r.agentID, "failures", r.consecutiveFailures, "delay", delay)
		sleepCtx(ctx, delay)
	}
	sleepCtx(ctx, r.sessionThrottle())

	task, err := r.nextTask(ctx)
	if err != nil {
		return err
	}
	if task == nil {
		return nil
	}

	s, err := r.spawn(ctx, task)
	if err != nil {
		r.consecutiveFailures++
		return fmt.Errorf("spawning worker: %w", err)
	}
	r.current = s

	if ok, err := r.orch.MarkInProgress(ctx, task.ID, r.agentID); err != nil {
		slog.Warn("marking task in progress failed", "agent", r.agentID, "task_id", task.ID, "error", err)
	} else if !ok && task.Status == models.TaskClaimed {
		slog.Warn("task not ours to start", "agent", r.agentID, "task_id", task.ID)
	}
	return nil
}

// nextTask picks the retry slot, recovers carried-over claims on the first
// iteration after restart, or claims fresh work from the queue.
func (r *Runner) nextTask(ctx context.Context) (*models.Task, error) {
	if t := r.retryTask; t != nil {
		r.retryTask = nil
		slog.Info("retrying task from retry slot", "agent", r.agentID, "task_id", t.ID)
		return t, nil
	}

	if r.firstIteration {
		r.firstIteration = false
		carried, err := r.orch.TasksByStatus(ctx, r.agentID, models.TaskClaimed, models.TaskInProgress)
		if err != nil {
			return nil, fmt.Errorf("looking up carried-over claims: %w", err)
		}
		if len(carried) > 0 {
			if len(carried) > 1 {
				slog.Warn("multiple carried-over claims, retrying oldest",
					"agent", r.agentID, "count", len(carried))
			}
			t := carried[0]
			return &t, nil
		}
	}

	return r.orch.ClaimTask(ctx, r.agentID, "", r.agentCfg.TaskTypes)
}

// restartDelay is base * 2^(n-1) clamped to five minutes.
func (r *Runner) restartDelay() time.Duration {
	base := time.Duration(r.cfg.Watcher.RestartDelay) * time.Second
	if base <= 0 {
		base = 5 * time.Second
	}
	delay := base << (r.consecutiveFailures - 1)
	if delay > maxRestartDelay || delay <= 0 {
		delay = maxRestartDelay
	}
	return delay
}

// sessionThrottle returns a randomised delay so runners across the fleet do
// not hit the provider in lockstep.
func (r *Runner) sessionThrottle() time.Duration {
	min, max := r.cfg.Watcher.SessionDelayMin, r.cfg.Watcher.SessionDelayMax
	if min <= 0 {
		min = 30
	}
	if max <= min {
		max = min + 30
	}
	return time.Duration(min+rand.Intn(max-min+1)) * time.Second
}

// enforceDuration stops a worker that has outlived the session ceiling.
func (r *Runner) enforceDuration(ctx context.Context) {
	if r.current == nil || !r.current.alive() {
		return
	}
	maxDur := time.Duration(r.cfg.Watcher.MaxSessionDuration) * time.Second
	if maxDur <= 0 || time.Since(r.current.startedAt) <= maxDur {
		return
	}
	slog.Warn("session exceeded duration ceiling, stopping worker",
		"agent", r.agentID, "session", r.current.id, "task_id", r.current.task.ID)
	r.current.stop()
	r.finalise(ctx, r.current)
	r.current = nil
}

// setStatus writes the peer-visible status file and the fleet heartbeat row.
func (r *Runner) setStatus(ctx context.Context, status string) {
	r.writeStatus(r.currentStatus(status))

	st := models.AgentStatus{
		AgentID: r.agentID,
		Status:  status,
	}
	if r.current != nil {
		st.RepoID = r.current.task.RepoID
		st.CurrentTaskID = r.current.task.ID
	}
	if err := r.orch.UpdateAgentStatus(ctx, st); err != nil {
		slog.Debug("heartbeat update failed", "agent", r.agentID, "error", err)
	}
}

// forgeToken returns the clone credential for a repo's provider, or ""
// when no token is configured.
func (r *Runner) forgeToken(repo *models.Repo) string {
	p, err := forge.New(repo.Provider, r.cfg.Forge)
	if err != nil {
		return ""
	}
	return p.AuthToken()
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
