package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultConfigDir  = ".autodev"
	DefaultConfigFile = "config.yaml"
	DefaultDBFile     = ".autodev/autodev.db"
	DefaultRunDir     = ".autodev/run"
)

// Load reads the config file and returns a populated Config.
// The configPath flag may override the default location.
func Load(configPath string) (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(filepath.Join(home, DefaultConfigDir))
	}

	setDefaults(v, home)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !isNotExist(err) {
			// Config file exists but is malformed: fatal per the error taxonomy.
			return nil, fmt.Errorf("reading config: %w", err)
		}
		// No config yet, defaults apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	expandPaths(&cfg, home)
	resolveSecrets(&cfg)
	return &cfg, nil
}

// ConfigPath returns the effective config file path.
func ConfigPath(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultConfigDir, DefaultConfigFile), nil
}

// setDefaults populates viper with out-of-the-box values.
func setDefaults(v *viper.Viper, home string) {
	runDir := filepath.Join(home, DefaultRunDir)

	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", filepath.Join(home, DefaultDBFile))
	v.SetDefault("database.port", 3306)

	v.SetDefault("orchestrator.max_concurrent_agents", 3)
	v.SetDefault("orchestrator.task_abandon_minutes", 120)

	v.SetDefault("watcher.max_session_duration", 3600)
	v.SetDefault("watcher.restart_delay", 5)
	v.SetDefault("watcher.session_delay_min", 30)
	v.SetDefault("watcher.session_delay_max", 60)
	v.SetDefault("watcher.health_check_interval", 10)
	v.SetDefault("watcher.output_store_dir", filepath.Join(runDir, "logs"))
	v.SetDefault("watcher.output_excerpt_chars", 4000)
	v.SetDefault("watcher.output_summary_chars", 500)
	v.SetDefault("watcher.output_stream_buffer_chars", 200000)
	v.SetDefault("watcher.status_dir", filepath.Join(runDir, "status"))
	v.SetDefault("watcher.rate_limit_file", filepath.Join(runDir, "rate_limit.json"))
	v.SetDefault("watcher.workspace_dir", filepath.Join(runDir, "workspaces"))

	v.SetDefault("tokens.daily_budget", 0)
	v.SetDefault("tokens.warning_threshold", 0.8)

	v.SetDefault("llm.default_provider", "claude")
	v.SetDefault("llm.auto_fallback_on_rate_limit", false)
	v.SetDefault("llm.manual_override_env", "AUTODEV_LLM_PROVIDER")

	v.SetDefault("webhook.port", 6180)
	v.SetDefault("webhook.secret_env", "AUTODEV_WEBHOOK_SECRET")

	v.SetDefault("scheduling.enabled", true)

	v.SetDefault("forge.github_token_env", "GITHUB_TOKEN")
	v.SetDefault("forge.gitlab_token_env", "GITLAB_TOKEN")
}

// expandPaths resolves ~ in configured paths.
func expandPaths(cfg *Config, home string) {
	cfg.Database.Path = expandHome(cfg.Database.Path, home)
	cfg.Watcher.OutputStoreDir = expandHome(cfg.Watcher.OutputStoreDir, home)
	cfg.Watcher.StatusDir = expandHome(cfg.Watcher.StatusDir, home)
	cfg.Watcher.RateLimitFile = expandHome(cfg.Watcher.RateLimitFile, home)
	cfg.Watcher.WorkspaceDir = expandHome(cfg.Watcher.WorkspaceDir, home)
	cfg.Product.AutoFeatureCreation.GuidancePath = expandHome(cfg.Product.AutoFeatureCreation.GuidancePath, home)
	for id, a := range cfg.Agents {
		a.PromptFile = expandHome(a.PromptFile, home)
		cfg.Agents[id] = a
	}
}

// resolveSecrets pulls env-indirected credentials into the config.
func resolveSecrets(cfg *Config) {
	if cfg.Database.Password == "" && cfg.Database.PasswordEnv != "" {
		cfg.Database.Password = os.Getenv(cfg.Database.PasswordEnv)
	}
}

// MySQLDSN builds the go-sql-driver DSN from the database section.
func (d DatabaseConfig) MySQLDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s", d.User, d.Password, d.Host, d.Port, d.Name)
}

func expandHome(path, home string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || strings.Contains(err.Error(), "no such file")
}
