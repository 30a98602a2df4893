package config

// Config is the root configuration structure for autodev.
// Loaded from ~/.autodev/config.yaml (or --config).
type Config struct {
	Database     DatabaseConfig         `mapstructure:"database"     json:"database"`
	Orchestrator OrchestratorConfig     `mapstructure:"orchestrator" json:"orchestrator"`
	Watcher      WatcherConfig          `mapstructure:"watcher"      json:"watcher"`
	Tokens       TokensConfig           `mapstructure:"tokens"       json:"tokens"`
	LLM          LLMConfig              `mapstructure:"llm"          json:"llm"`
	Agents       map[string]AgentConfig `mapstructure:"agents"       json:"agents"`
	Webhook      WebhookConfig          `mapstructure:"webhook"      json:"webhook"`
	Scheduling   SchedulingConfig       `mapstructure:"scheduling"   json:"scheduling"`
	Product      ProductConfig          `mapstructure:"product"      json:"product"`
	Forge        ForgeConfig            `mapstructure:"forge"        json:"forge"`
	Notify       NotifyConfig           `mapstructure:"notify"       json:"notify"`
}

// DatabaseConfig selects and parameterises the storage backend.
type DatabaseConfig struct {
	// Type is "sqlite" (default) or "mysql".
	Type string `mapstructure:"type" json:"type"`
	// Path is the SQLite file path (expanded at runtime).
	Path string `mapstructure:"path" json:"path"`
	Host string `mapstructure:"host" json:"host"`
	Port int    `mapstructure:"port" json:"port"`
	Name string `mapstructure:"name" json:"name"`
	User string `mapstructure:"user" json:"user"`
	// Password is used as-is when set; PasswordEnv names an env var to read
	// instead, keeping the secret out of the config file.
	Password    string `mapstructure:"password"     json:"password"`
	PasswordEnv string `mapstructure:"password_env" json:"password_env"`
}

// OrchestratorConfig controls the task queue protocol.
type OrchestratorConfig struct {
	// RedisURL enables advisory pub/sub notifications, agent enable flags
	// and inter-agent mail. Empty disables all Redis-backed side channels.
	RedisURL string `mapstructure:"redis_url" json:"redis_url"`
	// MaxConcurrentAgents caps how many runners may hold a live worker at once.
	MaxConcurrentAgents int `mapstructure:"max_concurrent_agents" json:"max_concurrent_agents"`
	// TaskAbandonMinutes is how long a claim may sit without progress before
	// any claimer may recover it (default 120).
	TaskAbandonMinutes int `mapstructure:"task_abandon_minutes" json:"task_abandon_minutes"`
}

// WatcherConfig controls the runner supervision loop.
type WatcherConfig struct {
	// MaxSessionDuration bounds a single worker subprocess, in seconds.
	MaxSessionDuration int `mapstructure:"max_session_duration" json:"max_session_duration"`
	// RestartDelay is the backoff base between worker restarts, in seconds.
	RestartDelay int `mapstructure:"restart_delay" json:"restart_delay"`
	// SessionDelayMin/Max bound the randomised throttle before each session,
	// in seconds, to avoid synchronised provider hits across the fleet.
	SessionDelayMin int `mapstructure:"session_delay_min" json:"session_delay_min"`
	SessionDelayMax int `mapstructure:"session_delay_max" json:"session_delay_max"`
	// HealthCheckInterval is the supervision loop period, in seconds.
	HealthCheckInterval int `mapstructure:"health_check_interval" json:"health_check_interval"`
	// OutputStoreDir receives per-task worker logs ({task_id}.log).
	OutputStoreDir string `mapstructure:"output_store_dir" json:"output_store_dir"`
	// OutputStoreS3Bucket/Prefix optionally mirror logs to object storage.
	OutputStoreS3Bucket string `mapstructure:"output_store_s3_bucket" json:"output_store_s3_bucket"`
	OutputStoreS3Prefix string `mapstructure:"output_store_s3_prefix" json:"output_store_s3_prefix"`
	// OutputExcerptChars bounds the output excerpt embedded in task results.
	OutputExcerptChars int `mapstructure:"output_excerpt_chars" json:"output_excerpt_chars"`
	// OutputSummaryChars bounds the extracted session summary.
	OutputSummaryChars int `mapstructure:"output_summary_chars" json:"output_summary_chars"`
	// OutputStreamBufferChars bounds the in-memory tail kept per worker.
	OutputStreamBufferChars int `mapstructure:"output_stream_buffer_chars" json:"output_stream_buffer_chars"`
	// StatusDir holds per-runner status files read by peers for the
	// concurrency cap.
	StatusDir string `mapstructure:"status_dir" json:"status_dir"`
	// RateLimitFile is the fleet-shared rate-limit register path.
	RateLimitFile string `mapstructure:"rate_limit_file" json:"rate_limit_file"`
	// WorkspaceDir holds per-session repo checkouts.
	WorkspaceDir string `mapstructure:"workspace_dir" json:"workspace_dir"`
}

// TokensConfig controls daily LLM token budgets.
type TokensConfig struct {
	// DailyBudget is the per-runner daily token cap; 0 means unlimited.
	DailyBudget int64 `mapstructure:"daily_budget" json:"daily_budget"`
	// WarningThreshold (0-1) logs a warning when usage crosses this fraction.
	WarningThreshold float64 `mapstructure:"warning_threshold" json:"warning_threshold"`
}

// LLMConfig selects the worker provider CLI and fallback policy.
type LLMConfig struct {
	DefaultProvider         string `mapstructure:"default_provider"            json:"default_provider"`
	FallbackProvider        string `mapstructure:"fallback_provider"           json:"fallback_provider"`
	AutoFallbackOnRateLimit bool   `mapstructure:"auto_fallback_on_rate_limit" json:"auto_fallback_on_rate_limit"`
	// ManualOverrideEnv names an env var that, when set, forces a provider.
	ManualOverrideEnv string                    `mapstructure:"manual_override_env" json:"manual_override_env"`
	Providers         map[string]ProviderConfig `mapstructure:"providers"           json:"providers"`
}

// ProviderConfig describes one LLM provider CLI.
type ProviderConfig struct {
	Command    string   `mapstructure:"command"     json:"command"`
	Args       []string `mapstructure:"args"        json:"args"`
	PromptFlag string   `mapstructure:"prompt_flag" json:"prompt_flag"`
	// ModelMap translates an agent's logical model name to this provider's
	// model identifier.
	ModelMap map[string]string `mapstructure:"model_map" json:"model_map"`
}

// AgentConfig describes one agent type in the fleet.
type AgentConfig struct {
	Name             string   `mapstructure:"name"               json:"name"`
	PromptFile       string   `mapstructure:"prompt_file"        json:"prompt_file"`
	TaskTypes        []string `mapstructure:"task_types"         json:"task_types"`
	SessionMaxTokens int64    `mapstructure:"session_max_tokens" json:"session_max_tokens"`
	// Provider/Model override the LLM defaults for this agent.
	Provider string `mapstructure:"provider" json:"provider"`
	Model    string `mapstructure:"model"    json:"model"`
}

// WebhookConfig controls the inbound webhook server and routing table.
type WebhookConfig struct {
	// Port the webhook server listens on (default 6180).
	Port int `mapstructure:"port" json:"port"`
	// SecretEnv names the env var holding the fleet-wide fallback secret
	// used when a repo has no per-repo webhook secret configured.
	SecretEnv string `mapstructure:"secret_env" json:"secret_env"`
	// Triggers maps "event_type:action" (or bare "event_type" catch-alls)
	// to a route. A present key with a null route ignores the event.
	Triggers map[string]*RouteConfig `mapstructure:"triggers" json:"triggers"`
}

// RouteConfig is either a single task recipe or a parallel fan-out.
type RouteConfig struct {
	Agent     string        `mapstructure:"agent"     json:"agent,omitempty"`
	TaskType  string        `mapstructure:"task_type" json:"task_type,omitempty"`
	Condition string        `mapstructure:"condition" json:"condition,omitempty"`
	Parallel  []RouteConfig `mapstructure:"parallel"  json:"parallel,omitempty"`
}

// SchedulingConfig is the cron job catalog.
type SchedulingConfig struct {
	Enabled bool                 `mapstructure:"enabled" json:"enabled"`
	Jobs    map[string]JobConfig `mapstructure:"jobs"    json:"jobs"`
}

// JobConfig is one scheduled job. Internal jobs (recognised by name) run
// maintenance directly; all others emit a task for the named agent.
type JobConfig struct {
	Agent       string `mapstructure:"agent"       json:"agent"`
	TaskType    string `mapstructure:"task_type"   json:"task_type"`
	Cron        string `mapstructure:"cron"        json:"cron"` // 5-field: m h dom mon dow
	Enabled     bool   `mapstructure:"enabled"     json:"enabled"`
	Description string `mapstructure:"description" json:"description"`
}

// ProductConfig controls autonomous product-level behaviour.
type ProductConfig struct {
	AutoFeatureCreation AutoFeatureConfig `mapstructure:"auto_feature_creation" json:"auto_feature_creation"`
}

// AutoFeatureConfig gates the auto_feature_creation scheduler job.
type AutoFeatureConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`
	// GuidancePath is a markdown checklist; the job only runs while
	// unchecked "- [ ]" items remain.
	GuidancePath       string `mapstructure:"guidance_path"          json:"guidance_path"`
	MaxNewIssuesPerRun int    `mapstructure:"max_new_issues_per_run" json:"max_new_issues_per_run"`
	MaxOpenIssues      int    `mapstructure:"max_open_issues"        json:"max_open_issues"`
	Label              string `mapstructure:"label"                  json:"label"`
}

// ForgeConfig holds credentials for the supported source forges.
type ForgeConfig struct {
	GitHubTokenEnv string `mapstructure:"github_token_env" json:"github_token_env"`
	GitLabTokenEnv string `mapstructure:"gitlab_token_env" json:"gitlab_token_env"`
}

// NotifyConfig controls outbound alerting channels.
type NotifyConfig struct {
	SlackWebhookURL string `mapstructure:"slack_webhook_url" json:"slack_webhook_url"`
	WebhookURL      string `mapstructure:"webhook_url"       json:"webhook_url"`
	// WebhookSecret signs generic webhook payloads with HMAC-SHA256.
	WebhookSecret string `mapstructure:"webhook_secret" json:"webhook_secret,omitempty"`
	// Events filters which event types notify; empty means defaults.
	Events []string `mapstructure:"events" json:"events,omitempty"`
}
