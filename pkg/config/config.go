package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/SynidSweet/the-system/pkg/ledger"
	"github.com/SynidSweet/the-system/pkg/models"
	"github.com/SynidSweet/the-system/pkg/runtime"
	"github.com/SynidSweet/the-system/pkg/store"
)

// File names looked up under the configuration directory. orchestrator.yaml
// is required; the others are optional overlays.
const (
	OrchestratorFile = "orchestrator.yaml"
	ProvidersFile    = "llm-providers.yaml"
	SeedsFile        = "seeds.yaml"
)

// Provider types accepted in llm-providers.yaml.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config is the fully merged and validated application configuration.
type Config struct {
	Server    ServerConfig              `yaml:"server"`
	Database  DatabaseConfig            `yaml:"database"`
	Runtime   RuntimeConfig             `yaml:"runtime"`
	Ledger    LedgerConfig              `yaml:"ledger"`
	Providers map[string]ProviderConfig `yaml:"llm_providers"`
	Seeds     Seeds                     `yaml:"-"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the host:port the server binds to.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL connection settings. When Enabled is false
// the orchestrator runs on the in-memory store.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`

	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `yaml:"conn_max_idle_time"`
}

// Postgres converts the YAML form into the store's connection config.
func (d DatabaseConfig) Postgres() store.PostgresConfig {
	return store.PostgresConfig{
		Host:            d.Host,
		Port:            d.Port,
		User:            d.User,
		Password:        d.Password,
		Database:        d.Database,
		SSLMode:         d.SSLMode,
		MaxOpenConns:    d.MaxOpenConns,
		MaxIdleConns:    d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime.Std(),
		ConnMaxIdleTime: d.ConnMaxIdleTime.Std(),
	}
}

// RuntimeConfig is the YAML form of the engine settings.
type RuntimeConfig struct {
	MaxConcurrentAgents        int      `yaml:"max_concurrent_agents"`
	MaxConsecutiveCallsPerTree int      `yaml:"max_consecutive_calls_per_tree"`
	ProcessingTick             Duration `yaml:"processing_tick"`
	ManualSteppingEnabled      bool     `yaml:"manual_stepping_enabled"`
	// AutoTrigger is a pointer so an explicit false in YAML survives the
	// merge with the built-in default of true.
	AutoTrigger *bool `yaml:"auto_trigger"`
	MaxTaskDepth               int      `yaml:"max_task_depth"`
	MaxSubtasksPerTask         int      `yaml:"max_subtasks_per_task"`
	TaskTimeout                Duration `yaml:"task_timeout"`
	DefaultAgent               string   `yaml:"default_agent"`
}

// Settings converts the YAML form into engine settings.
func (r RuntimeConfig) Settings() runtime.Settings {
	s := runtime.Settings{
		MaxConcurrentAgents:        r.MaxConcurrentAgents,
		MaxConsecutiveCallsPerTree: r.MaxConsecutiveCallsPerTree,
		ProcessingTick:             r.ProcessingTick.Std(),
		ManualSteppingEnabled:      r.ManualSteppingEnabled,
		AutoTrigger:                true,
		MaxTaskDepth:               r.MaxTaskDepth,
		MaxSubtasksPerTask:         r.MaxSubtasksPerTask,
		TaskTimeout:                r.TaskTimeout.Std(),
		DefaultAgent:               r.DefaultAgent,
	}
	if r.AutoTrigger != nil {
		s.AutoTrigger = *r.AutoTrigger
	}
	return s
}

// LedgerConfig is the YAML form of the event ledger settings.
type LedgerConfig struct {
	BatchSize     int                        `yaml:"batch_size"`
	FlushInterval Duration                   `yaml:"flush_interval"`
	Thresholds    map[models.CounterKind]int `yaml:"thresholds"`
}

// LedgerSettings converts the YAML form into the ledger's config, falling
// back to the ledger defaults for anything unset.
func (l LedgerConfig) LedgerSettings() ledger.Config {
	cfg := ledger.DefaultConfig()
	if l.BatchSize > 0 {
		cfg.BatchSize = l.BatchSize
	}
	if l.FlushInterval > 0 {
		cfg.FlushInterval = l.FlushInterval.Std()
	}
	for kind, threshold := range l.Thresholds {
		cfg.Thresholds[kind] = threshold
	}
	return cfg
}

// ProviderConfig describes one LLM provider entry in llm-providers.yaml. The
// API key is never stored in YAML; APIKeyEnv names the environment variable
// that carries it.
type ProviderConfig struct {
	Type      string `yaml:"type"`
	APIKeyEnv string `yaml:"api_key_env"`
	Model     string `yaml:"model"`
	Default   bool   `yaml:"default"`
}

// Seeds holds the entity definitions upserted into the store on startup.
type Seeds struct {
	Agents    []models.AgentSpec    `yaml:"agents"`
	Tools     []models.ToolSpec     `yaml:"tools"`
	Documents []models.DocumentSpec `yaml:"documents"`
}

type providersFile struct {
	Providers map[string]ProviderConfig `yaml:"llm_providers"`
}

// Initialize loads, merges, and validates the configuration under configDir.
//
// Steps performed:
//  1. Load orchestrator.yaml (required), llm-providers.yaml and seeds.yaml
//     (optional)
//  2. Expand environment variables via {{.VAR}} template syntax
//  3. Merge user values over built-in defaults
//  4. Merge user seeds over the built-in agents, tools, and documents
//  5. Validate everything
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("component", "config", "config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("Configuration initialized",
		"providers", len(cfg.Providers),
		"seed_agents", len(cfg.Seeds.Agents),
		"seed_tools", len(cfg.Seeds.Tools),
		"seed_documents", len(cfg.Seeds.Documents),
		"database", cfg.Database.Enabled)
	return cfg, nil
}

func load(_ context.Context, configDir string) (*Config, error) {
	cfg := Default()

	var fileCfg Config
	if err := decodeFile(filepath.Join(configDir, OrchestratorFile), &fileCfg); err != nil {
		return nil, NewLoadError(OrchestratorFile, err)
	}
	if err := mergo.Merge(cfg, fileCfg, mergo.WithOverride); err != nil {
		return nil, NewLoadError(OrchestratorFile, err)
	}

	var provFile providersFile
	err := decodeFile(filepath.Join(configDir, ProvidersFile), &provFile)
	switch {
	case err == nil:
		for name, p := range provFile.Providers {
			cfg.Providers[name] = p
		}
	case errors.Is(err, ErrConfigNotFound):
		// Optional; the engine can run without any real provider configured.
	default:
		return nil, NewLoadError(ProvidersFile, err)
	}

	userSeeds := Seeds{}
	err = decodeFile(filepath.Join(configDir, SeedsFile), &userSeeds)
	switch {
	case err == nil, errors.Is(err, ErrConfigNotFound):
		cfg.Seeds = mergeSeeds(BuiltinSeeds(), userSeeds)
	default:
		return nil, NewLoadError(SeedsFile, err)
	}

	return cfg, nil
}

// decodeFile reads, env-expands, and strictly decodes one YAML file into out.
func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}
	if err := yaml.Unmarshal(ExpandEnv(data), out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

// mergeSeeds overlays user entries onto the built-ins, matching by name.
// User entries replace built-ins of the same name; the rest are appended.
func mergeSeeds(builtin, user Seeds) Seeds {
	out := Seeds{
		Agents:    mergeByName(builtin.Agents, user.Agents, func(a models.AgentSpec) string { return a.Name }),
		Tools:     mergeByName(builtin.Tools, user.Tools, func(t models.ToolSpec) string { return t.Name }),
		Documents: mergeByName(builtin.Documents, user.Documents, func(d models.DocumentSpec) string { return d.Name }),
	}
	return out
}

func mergeByName[T any](builtin, user []T, name func(T) string) []T {
	replaced := make(map[string]T, len(user))
	for _, entry := range user {
		replaced[name(entry)] = entry
	}
	out := make([]T, 0, len(builtin)+len(user))
	seen := make(map[string]bool, len(builtin))
	for _, entry := range builtin {
		n := name(entry)
		seen[n] = true
		if override, ok := replaced[n]; ok {
			out = append(out, override)
			continue
		}
		out = append(out, entry)
	}
	for _, entry := range user {
		if !seen[name(entry)] {
			out = append(out, entry)
		}
	}
	return out
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return NewValidationError("server.port", fmt.Sprintf("must be between 1 and 65535, got %d", cfg.Server.Port))
	}
	if cfg.Database.Enabled {
		if cfg.Database.Host == "" {
			return NewValidationError("database.host", "required when database is enabled")
		}
		if cfg.Database.Database == "" {
			return NewValidationError("database.database", "required when database is enabled")
		}
	}

	settings := cfg.Runtime.Settings()
	if settings.MaxConcurrentAgents < 1 {
		return NewValidationError("runtime.max_concurrent_agents", "must be at least 1")
	}
	if settings.ProcessingTick <= 0 {
		return NewValidationError("runtime.processing_tick", "must be a positive duration")
	}
	if settings.MaxTaskDepth < 1 {
		return NewValidationError("runtime.max_task_depth", "must be at least 1")
	}
	if settings.DefaultAgent == "" {
		return NewValidationError("runtime.default_agent", "must name an agent")
	}

	defaults := 0
	for name, p := range cfg.Providers {
		switch p.Type {
		case ProviderOpenAI, ProviderAnthropic:
		default:
			return NewValidationError(
				fmt.Sprintf("llm_providers.%s.type", name),
				fmt.Sprintf("unknown provider type %q", p.Type))
		}
		if p.Model == "" {
			return NewValidationError(fmt.Sprintf("llm_providers.%s.model", name), "model is required")
		}
		if p.APIKeyEnv == "" {
			return NewValidationError(fmt.Sprintf("llm_providers.%s.api_key_env", name), "api_key_env is required")
		}
		if p.Default {
			defaults++
		}
	}
	if defaults > 1 {
		return NewValidationError("llm_providers", "at most one provider may be marked default")
	}

	return validateSeeds(cfg.Seeds)
}

func validateSeeds(seeds Seeds) error {
	agentNames := make(map[string]bool, len(seeds.Agents))
	for i, a := range seeds.Agents {
		if a.Name == "" {
			return NewValidationError(fmt.Sprintf("seeds.agents[%d].name", i), "name is required")
		}
		if agentNames[a.Name] {
			return NewValidationError("seeds.agents", fmt.Sprintf("duplicate agent %q", a.Name))
		}
		agentNames[a.Name] = true
		if a.Instruction == "" {
			return NewValidationError(fmt.Sprintf("seeds.agents.%s.instruction", a.Name), "instruction is required")
		}
	}

	toolNames := make(map[string]bool, len(seeds.Tools))
	for i, t := range seeds.Tools {
		if t.Name == "" {
			return NewValidationError(fmt.Sprintf("seeds.tools[%d].name", i), "name is required")
		}
		if toolNames[t.Name] {
			return NewValidationError("seeds.tools", fmt.Sprintf("duplicate tool %q", t.Name))
		}
		toolNames[t.Name] = true
		switch t.Implementation {
		case models.ToolKindProcess:
			if t.ProcessName == "" {
				return NewValidationError(
					fmt.Sprintf("seeds.tools.%s.process_name", t.Name),
					"process triggers must name a process")
			}
		case models.ToolKindLocal:
		default:
			return NewValidationError(
				fmt.Sprintf("seeds.tools.%s.implementation", t.Name),
				fmt.Sprintf("unknown implementation %q", t.Implementation))
		}
	}

	for _, a := range seeds.Agents {
		for _, tool := range a.AvailableTools {
			if !toolNames[tool] {
				return NewValidationError(
					fmt.Sprintf("seeds.agents.%s.available_tools", a.Name),
					fmt.Sprintf("unknown tool %q", tool))
			}
		}
	}
	return nil
}
