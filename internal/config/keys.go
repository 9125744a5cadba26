package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key    string
	typ    keyType
	env    string
	secret bool
	apply  func(cfg *Config, v any)
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CHORUS_SERVER_PORT",
		apply: func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "CHORUS_SERVER_MCP_PORT",
		apply: func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
	},
	{
		key: "server.api_token", typ: kString, env: "CHORUS_SERVER_API_TOKEN",
		secret: true,
		apply:  func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CHORUS_STORAGE_DATA_DIR",
		apply: func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
	},
	{
		key: "provider.openrouter_api_key", typ: kString, env: "CHORUS_OPENROUTER_API_KEY",
		secret: true,
		apply:  func(cfg *Config, v any) { cfg.Provider.OpenRouterAPIKey = v.(string) },
	},
	{
		key: "provider.judge_model", typ: kString, env: "CHORUS_PROVIDER_JUDGE_MODEL",
		apply: func(cfg *Config, v any) { cfg.Provider.JudgeModel = v.(string) },
	},
	{
		key: "provider.embed_base_url", typ: kString, env: "CHORUS_PROVIDER_EMBED_BASE_URL",
		apply: func(cfg *Config, v any) { cfg.Provider.EmbedBaseURL = v.(string) },
	},
	{
		key: "provider.embed_model", typ: kString, env: "CHORUS_PROVIDER_EMBED_MODEL",
		apply: func(cfg *Config, v any) { cfg.Provider.EmbedModel = v.(string) },
	},
	{
		key: "retrieval.embed_dim", typ: kInt, env: "CHORUS_RETRIEVAL_EMBED_DIM",
		apply: func(cfg *Config, v any) { cfg.Retrieval.EmbedDim = v.(int) },
	},
	{
		key: "retrieval.top_k_docs", typ: kInt, env: "CHORUS_RETRIEVAL_TOP_K_DOCS",
		apply: func(cfg *Config, v any) { cfg.Retrieval.TopKDocs = v.(int) },
	},
	{
		key: "retrieval.top_k_user", typ: kInt, env: "CHORUS_RETRIEVAL_TOP_K_USER",
		apply: func(cfg *Config, v any) { cfg.Retrieval.TopKUser = v.(int) },
	},
	{
		key: "retrieval.chunk_length", typ: kInt, env: "CHORUS_RETRIEVAL_CHUNK_LENGTH",
		apply: func(cfg *Config, v any) { cfg.Retrieval.ChunkLength = v.(int) },
	},
	{
		key: "retrieval.overlap", typ: kInt, env: "CHORUS_RETRIEVAL_OVERLAP",
		apply: func(cfg *Config, v any) { cfg.Retrieval.Overlap = v.(int) },
	},
	{
		key: "scoring.top_n", typ: kInt, env: "CHORUS_SCORING_TOP_N",
		apply: func(cfg *Config, v any) { cfg.Scoring.TopN = v.(int) },
	},
	{
		key: "scoring.refresh_every", typ: kInt, env: "CHORUS_SCORING_REFRESH_EVERY",
		apply: func(cfg *Config, v any) { cfg.Scoring.RefreshEvery = v.(int) },
	},
	{
		key: "scoring.quality_threshold", typ: kFloat, env: "CHORUS_SCORING_QUALITY_THRESHOLD",
		apply: func(cfg *Config, v any) { cfg.Scoring.QualityThreshold = v.(float64) },
	},
	{
		key: "scoring.trial_count", typ: kInt, env: "CHORUS_SCORING_TRIAL_COUNT",
		apply: func(cfg *Config, v any) { cfg.Scoring.TrialCount = v.(int) },
	},
	{
		key: "scoring.only_free", typ: kBool, env: "CHORUS_SCORING_ONLY_FREE",
		apply: func(cfg *Config, v any) { cfg.Scoring.OnlyFree = v.(bool) },
	},
	{
		key: "proactive.inactivity", typ: kString, env: "CHORUS_PROACTIVE_INACTIVITY",
		apply: func(cfg *Config, v any) { cfg.Proactive.Inactivity = v.(string) },
	},
	{
		key: "proactive.rand_min", typ: kFloat, env: "CHORUS_PROACTIVE_RAND_MIN",
		apply: func(cfg *Config, v any) { cfg.Proactive.RandMin = v.(float64) },
	},
	{
		key: "proactive.rand_max", typ: kFloat, env: "CHORUS_PROACTIVE_RAND_MAX",
		apply: func(cfg *Config, v any) { cfg.Proactive.RandMax = v.(float64) },
	},
	{
		key: "proactive.scan_interval", typ: kString, env: "CHORUS_PROACTIVE_SCAN_INTERVAL",
		apply: func(cfg *Config, v any) { cfg.Proactive.ScanInterval = v.(string) },
	},
	{
		key: "pipeline.remove_emojis", typ: kBool, env: "CHORUS_PIPELINE_REMOVE_EMOJIS",
		apply: func(cfg *Config, v any) { cfg.Pipeline.RemoveEmojis = v.(bool) },
	},
	{
		key: "pipeline.save_all_messages", typ: kBool, env: "CHORUS_PIPELINE_SAVE_ALL_MESSAGES",
		apply: func(cfg *Config, v any) { cfg.Pipeline.SaveAllMessages = v.(bool) },
	},
	{
		key: "pipeline.history_limit", typ: kInt, env: "CHORUS_PIPELINE_HISTORY_LIMIT",
		apply: func(cfg *Config, v any) { cfg.Pipeline.HistoryLimit = v.(int) },
	},
	{
		key: "pipeline.gen_timeout", typ: kString, env: "CHORUS_PIPELINE_GEN_TIMEOUT",
		apply: func(cfg *Config, v any) { cfg.Pipeline.GenTimeout = v.(string) },
	},
	{
		key: "queue.workers", typ: kInt, env: "CHORUS_QUEUE_WORKERS",
		apply: func(cfg *Config, v any) { cfg.Queue.Workers = v.(int) },
	},
	{
		key: "queue.max_attempts", typ: kInt, env: "CHORUS_QUEUE_MAX_ATTEMPTS",
		apply: func(cfg *Config, v any) { cfg.Queue.MaxAttempts = v.(int) },
	},
	{
		key: "roles.operator_temp", typ: kFloat, env: "CHORUS_ROLES_OPERATOR_TEMP",
		apply: func(cfg *Config, v any) { cfg.Roles.OperatorTemp = v.(float64) },
	},
	{
		key: "roles.tech_temp", typ: kFloat, env: "CHORUS_ROLES_TECH_TEMP",
		apply: func(cfg *Config, v any) { cfg.Roles.TechTemp = v.(float64) },
	},
	{
		key: "roles.friend_temp", typ: kFloat, env: "CHORUS_ROLES_FRIEND_TEMP",
		apply: func(cfg *Config, v any) { cfg.Roles.FriendTemp = v.(float64) },
	},
	{
		key: "roles.advisor_temp", typ: kFloat, env: "CHORUS_ROLES_ADVISOR_TEMP",
		apply: func(cfg *Config, v any) { cfg.Roles.AdvisorTemp = v.(float64) },
	},
	{
		key: "roles.agitator_temp", typ: kFloat, env: "CHORUS_ROLES_AGITATOR_TEMP",
		apply: func(cfg *Config, v any) { cfg.Roles.AgitatorTemp = v.(float64) },
	},
	{
		key: "log.level", typ: kString, env: "CHORUS_LOG_LEVEL",
		apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
	},
}

func applyBackend(cfg *Config, b backend) error {
	for _, s := range specs {
		raw, ok, err := b.Get(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok {
			continue
		}
		switch s.typ {
		case kString:
			if v, ok := raw.(string); ok {
				s.apply(cfg, v)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] config key %s is not a string: %v. Using default value.\n", s.key, raw)
			}
		case kInt:
			// JSON numbers decode as float64.
			if f, ok := raw.(float64); ok {
				s.apply(cfg, int(f))
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] config key %s is not a number: %v. Using default value.\n", s.key, raw)
			}
		case kBool:
			if v, ok := raw.(bool); ok {
				s.apply(cfg, v)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] config key %s is not a bool: %v. Using default value.\n", s.key, raw)
			}
		case kFloat:
			if f, ok := raw.(float64); ok {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] config key %s is not a number: %v. Using default value.\n", s.key, raw)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
