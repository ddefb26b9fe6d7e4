// Package config handles configuration loading for drover.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/droverhq/drover/internal/distributor"
	"github.com/droverhq/drover/internal/queue"
	"github.com/droverhq/drover/pkg/models"
)

// Config holds all configuration for drover.
type Config struct {
	Coordinator CoordinatorConfig `mapstructure:"coordinator"`
	Queues      QueuesConfig      `mapstructure:"queues"`
	Distributor DistributorConfig `mapstructure:"distributor"`
	Process     ProcessConfig     `mapstructure:"process"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Categories  []CategoryConfig  `mapstructure:"categories"`
}

// CoordinatorConfig bounds the coordinator's execution.
type CoordinatorConfig struct {
	// MaxConcurrency caps parallel task execution in coordinated batches.
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

// QueueLevelConfig configures one priority queue.
type QueueLevelConfig struct {
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// QueuesConfig holds per-priority queue settings and the dead-letter policy.
type QueuesConfig struct {
	Critical           QueueLevelConfig `mapstructure:"critical"`
	High               QueueLevelConfig `mapstructure:"high"`
	Medium             QueueLevelConfig `mapstructure:"medium"`
	Low                QueueLevelConfig `mapstructure:"low"`
	DeadLetterCapacity int              `mapstructure:"dead_letter_capacity"`
	MaxRetries         int              `mapstructure:"max_retries"`
	RetryBackoff       []time.Duration  `mapstructure:"retry_backoff"`
	MaxWait            time.Duration    `mapstructure:"max_wait"`
}

// DistributorConfig holds batch drain and rebalance settings.
type DistributorConfig struct {
	BatchSizes          map[string]int           `mapstructure:"batch_sizes"`
	Cadences            map[string]time.Duration `mapstructure:"cadences"`
	RedriveInterval     time.Duration            `mapstructure:"redrive_interval"`
	PromoteInterval     time.Duration            `mapstructure:"promote_interval"`
	RebalanceInterval   time.Duration            `mapstructure:"rebalance_interval"`
	VarianceThreshold   float64                  `mapstructure:"variance_threshold"`
	BottleneckThreshold float64                  `mapstructure:"bottleneck_threshold"`
	HighUtilization     float64                  `mapstructure:"high_utilization"`
	LowUtilization      float64                  `mapstructure:"low_utilization"`
}

// ProcessConfig holds process engine settings.
type ProcessConfig struct {
	// DefinitionsDir is where YAML process definitions live.
	DefinitionsDir string `mapstructure:"definitions_dir"`
	// Watch redeploys definitions when files in DefinitionsDir change.
	Watch bool `mapstructure:"watch"`
	// DefaultTimeout bounds each service task execution.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// StorageConfig holds archival store settings.
type StorageConfig struct {
	// DBPath is the SQLite archival database location.
	DBPath string `mapstructure:"db_path"`
	// Retention is how long archived instances are kept.
	Retention time.Duration `mapstructure:"retention"`
}

// CategoryConfig describes one agent pool seeded at startup.
type CategoryConfig struct {
	Name           string        `mapstructure:"name"`
	Agents         int           `mapstructure:"agents"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	Priority       string        `mapstructure:"priority"`
	ResponseTarget time.Duration `mapstructure:"response_target"`
	Capabilities   []string      `mapstructure:"capabilities"`
}

// QueueConfig converts the loaded settings into the queue manager's form.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		Levels: map[models.Priority]queue.LevelConfig{
			models.PriorityCritical: {Capacity: c.Queues.Critical.Capacity, TTL: c.Queues.Critical.TTL},
			models.PriorityHigh:     {Capacity: c.Queues.High.Capacity, TTL: c.Queues.High.TTL},
			models.PriorityMedium:   {Capacity: c.Queues.Medium.Capacity, TTL: c.Queues.Medium.TTL},
			models.PriorityLow:      {Capacity: c.Queues.Low.Capacity, TTL: c.Queues.Low.TTL},
		},
		DeadLetterCapacity: c.Queues.DeadLetterCapacity,
		MaxRetries:         c.Queues.MaxRetries,
		RetryBackoff:       c.Queues.RetryBackoff,
		MaxWait:            c.Queues.MaxWait,
	}
}

// DistributorSettings converts the loaded settings into the distributor's form.
// Unknown priority keys are ignored; missing ones fall back to defaults.
func (c *Config) DistributorSettings() distributor.Config {
	cfg := distributor.DefaultConfig()
	for key, size := range c.Distributor.BatchSizes {
		p := models.Priority(key)
		if p.Valid() {
			cfg.BatchSizes[p] = size
		}
	}
	for key, cadence := range c.Distributor.Cadences {
		p := models.Priority(key)
		if p.Valid() {
			cfg.Cadences[p] = cadence
		}
	}
	cfg.RedriveInterval = c.Distributor.RedriveInterval
	cfg.PromoteInterval = c.Distributor.PromoteInterval
	cfg.RebalanceInterval = c.Distributor.RebalanceInterval
	cfg.VarianceThreshold = c.Distributor.VarianceThreshold
	cfg.BottleneckThreshold = c.Distributor.BottleneckThreshold
	cfg.HighUtilization = c.Distributor.HighUtilization
	cfg.LowUtilization = c.Distributor.LowUtilization
	return cfg
}

// SeedAgents expands the category definitions into registrable agents.
func (c *Config) SeedAgents() []models.Agent {
	var agents []models.Agent
	for _, cat := range c.Categories {
		caps := models.ParseCapabilities(cat.Capabilities)
		for i := 1; i <= cat.Agents; i++ {
			agents = append(agents, models.Agent{
				ID:             fmt.Sprintf("%s-agent-%d", normalizeName(cat.Name), i),
				Name:           fmt.Sprintf("%s %d", cat.Name, i),
				Category:       cat.Name,
				Capabilities:   caps,
				MaxConcurrent:  cat.MaxConcurrent,
				ResponseTarget: cat.ResponseTarget,
			})
		}
	}
	return agents
}

// normalizeName lowercases a category name for use in agent IDs.
func normalizeName(name string) string {
	out := make([]byte, 0, len(name))
	for i := 0; i < len(name); i++ {
		ch := name[i]
		switch {
		case ch >= 'A' && ch <= 'Z':
			out = append(out, ch+('a'-'A'))
		case ch == '_' || ch == ' ':
			out = append(out, '-')
		default:
			out = append(out, ch)
		}
	}
	return string(out)
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (DROVER_*)
// 2. Project config (.drover.yaml in current directory or parent)
// 3. User config (~/.config/drover/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("DROVER")
	v.AutomaticEnv()
	v.BindEnv("storage.db_path", "DROVER_DB_PATH")
	v.BindEnv("process.definitions_dir", "DROVER_DEFINITIONS_DIR")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Storage.DBPath = os.ExpandEnv(cfg.Storage.DBPath)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Storage.DBPath = os.ExpandEnv(cfg.Storage.DBPath)

	return cfg, nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("coordinator.max_concurrency", 25)

	v.SetDefault("queues.critical.capacity", 1000)
	v.SetDefault("queues.critical.ttl", "5m")
	v.SetDefault("queues.high.capacity", 5000)
	v.SetDefault("queues.high.ttl", "10m")
	v.SetDefault("queues.medium.capacity", 10000)
	v.SetDefault("queues.medium.ttl", "30m")
	v.SetDefault("queues.low.capacity", 20000)
	v.SetDefault("queues.low.ttl", "1h")
	v.SetDefault("queues.dead_letter_capacity", 1000)
	v.SetDefault("queues.max_retries", 3)
	v.SetDefault("queues.retry_backoff", []string{"1s", "5s", "15s"})
	v.SetDefault("queues.max_wait", "30m")

	v.SetDefault("distributor.batch_sizes", map[string]int{
		"CRITICAL": 1, "HIGH": 5, "MEDIUM": 15, "LOW": 50,
	})
	v.SetDefault("distributor.cadences", map[string]string{
		"CRITICAL": "0s", "HIGH": "100ms", "MEDIUM": "500ms", "LOW": "2s",
	})
	v.SetDefault("distributor.redrive_interval", "1s")
	v.SetDefault("distributor.promote_interval", "1m")
	v.SetDefault("distributor.rebalance_interval", "1m")
	v.SetDefault("distributor.variance_threshold", 0.15)
	v.SetDefault("distributor.bottleneck_threshold", 0.9)
	v.SetDefault("distributor.high_utilization", 0.75)
	v.SetDefault("distributor.low_utilization", 0.3)

	v.SetDefault("process.definitions_dir", "definitions")
	v.SetDefault("process.watch", true)
	v.SetDefault("process.default_timeout", "30s")

	v.SetDefault("storage.db_path", defaultDBPath())
	v.SetDefault("storage.retention", "720h")

	v.SetDefault("categories", defaultCategories())
}

// defaultCategories mirrors the production pool topology: seven pools
// with tighter response targets and lower per-agent concurrency at
// higher priority.
func defaultCategories() []map[string]any {
	return []map[string]any{
		{"name": "CORE_INFRASTRUCTURE", "agents": 12, "max_concurrent": 3, "priority": "CRITICAL", "response_target": "50ms", "capabilities": []string{"monitoring", "coordination"}},
		{"name": "DEVELOPMENT_EXPERTS", "agents": 24, "max_concurrent": 5, "priority": "HIGH", "response_target": "100ms", "capabilities": []string{"generation", "validation"}},
		{"name": "AI_ML_SPECIALISTS", "agents": 36, "max_concurrent": 5, "priority": "HIGH", "response_target": "200ms", "capabilities": []string{"analysis", "data_processing"}},
		{"name": "BUSINESS_LOGIC", "agents": 48, "max_concurrent": 8, "priority": "MEDIUM", "response_target": "300ms", "capabilities": []string{"analysis", "coordination"}},
		{"name": "INTEGRATION_SERVICES", "agents": 42, "max_concurrent": 10, "priority": "MEDIUM", "response_target": "400ms", "capabilities": []string{"integration", "deployment"}},
		{"name": "USER_EXPERIENCE", "agents": 36, "max_concurrent": 10, "priority": "MEDIUM", "response_target": "500ms", "capabilities": []string{"generation", "monitoring"}},
		{"name": "SPECIALIZED_DOMAINS", "agents": 50, "max_concurrent": 15, "priority": "LOW", "response_target": "600ms", "capabilities": []string{"analysis", "integration"}},
	}
}

// defaultDBPath returns the default archival database location.
func defaultDBPath() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "drover", "drover.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".drover", "drover.db")
	}
	return filepath.Join(home, ".local", "share", "drover", "drover.db")
}

// getUserConfigDir returns the XDG config directory for drover.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "drover")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "drover")
	}
	return filepath.Join(home, ".config", "drover")
}

// findProjectConfig searches for .drover.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".drover.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with built-in default values.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		// Defaults are static; a decode failure here is a programming error.
		panic(fmt.Sprintf("decode default config: %v", err))
	}
	return cfg
}
