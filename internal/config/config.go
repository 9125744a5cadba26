package config

import (
	"fmt"
	"os"
	"path/filepath"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Provider  ProviderConfig
	Retrieval RetrievalConfig
	Scoring   ScoringConfig
	Proactive ProactiveConfig
	Pipeline  PipelineConfig
	Queue     QueueConfig
	Roles     RolesConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
	// APIToken guards the HTTP API. Empty disables auth.
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type ProviderConfig struct {
	OpenRouterAPIKey string
	JudgeModel       string
	EmbedBaseURL     string
	EmbedModel       string
}

type RetrievalConfig struct {
	EmbedDim    int
	TopKDocs    int
	TopKUser    int
	ChunkLength int
	Overlap     int
}

type ScoringConfig struct {
	TopN             int
	RefreshEvery     int
	QualityThreshold float64
	TrialCount       int
	OnlyFree         bool
}

type ProactiveConfig struct {
	Inactivity   string // duration string, e.g. "24h"
	RandMin      float64
	RandMax      float64
	ScanInterval string
}

type PipelineConfig struct {
	RemoveEmojis    bool
	SaveAllMessages bool
	HistoryLimit    int
	GenTimeout      string // duration string, e.g. "60s"
}

type QueueConfig struct {
	Workers     int
	MaxAttempts int
}

// RolesConfig overrides per-role generation temperatures.
type RolesConfig struct {
	OperatorTemp float64
	TechTemp     float64
	FriendTemp   float64
	AdvisorTemp  float64
	AgitatorTemp float64
}

type LogConfig struct {
	Level string
}

// Temps returns the per-role temperature overrides keyed by role name.
func (r RolesConfig) Temps() map[string]float64 {
	return map[string]float64{
		"operator": r.OperatorTemp,
		"tech":     r.TechTemp,
		"friend":   r.FriendTemp,
		"advisor":  r.AdvisorTemp,
		"agitator": r.AgitatorTemp,
	}
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4000,
			MCPPort: 4001,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Provider: ProviderConfig{
			JudgeModel:   "openai/gpt-4o-mini",
			EmbedBaseURL: "https://openrouter.ai/api/v1",
			EmbedModel:   "openai/text-embedding-3-small",
		},
		Retrieval: RetrievalConfig{
			EmbedDim:    1536,
			TopKDocs:    3,
			TopKUser:    3,
			ChunkLength: 800,
			Overlap:     100,
		},
		Scoring: ScoringConfig{
			TopN:             3,
			RefreshEvery:     10,
			QualityThreshold: 0.5,
			TrialCount:       1,
			OnlyFree:         true,
		},
		Proactive: ProactiveConfig{
			Inactivity:   "24h",
			RandMin:      0.8,
			RandMax:      1.2,
			ScanInterval: "1m",
		},
		Pipeline: PipelineConfig{
			RemoveEmojis:    true,
			SaveAllMessages: true,
			HistoryLimit:    20,
			GenTimeout:      "60s",
		},
		Queue: QueueConfig{
			Workers:     4,
			MaxAttempts: 3,
		},
		Roles: RolesConfig{
			OperatorTemp: 0.3,
			TechTemp:     0.1,
			FriendTemp:   0.9,
			AdvisorTemp:  0.4,
			AgitatorTemp: 0.5,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".local", "share", "chorus")
}

// DefaultConfigPath returns the JSON config file location:
// $XDG_CONFIG_HOME/chorus/config.json.
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join("chorus", "config.json")
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "chorus", "config.json")
}

// Load reads configuration from defaults, the JSON config file, and
// CHORUS_* environment variable overrides, in that order. A missing
// config file is not an error; a missing OpenRouter API key is.
func Load() (Config, error) {
	return loadWith(newFileBackend(DefaultConfigPath()))
}

// LoadFrom behaves like Load but reads a specific config file.
func LoadFrom(path string) (Config, error) {
	return loadWith(newFileBackend(path))
}

func loadWith(b backend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Provider.OpenRouterAPIKey == "" {
		return Config{}, fmt.Errorf("missing required config: OpenRouter API key. " +
			"Set it via environment variable CHORUS_OPENROUTER_API_KEY " +
			"or the provider.openrouter_api_key config key")
	}

	return cfg, nil
}
