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
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "OPPWATCH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "OPPWATCH_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "server.api_token", typ: kString, env: "OPPWATCH_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "OPPWATCH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "analytics.base_url", typ: kString, env: "OPPWATCH_ANALYTICS_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Analytics.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Analytics.BaseURL },
	},
	{
		key: "analytics.api_key", typ: kString, env: "OPPWATCH_ANALYTICS_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Analytics.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Analytics.APIKey },
	},
	{
		key: "analytics.window_days", typ: kInt, env: "OPPWATCH_ANALYTICS_WINDOW_DAYS",
		apply:   func(cfg *Config, v any) { cfg.Analytics.WindowDays = v.(int) },
		extract: func(cfg Config) any { return cfg.Analytics.WindowDays },
	},
	{
		key: "notify.base_url", typ: kString, env: "OPPWATCH_NOTIFY_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Notify.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.BaseURL },
	},
	{
		key: "notify.token", typ: kString, env: "OPPWATCH_NOTIFY_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Notify.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.Token },
	},
	{
		key: "notify.channel", typ: kString, env: "OPPWATCH_NOTIFY_CHANNEL",
		apply:   func(cfg *Config, v any) { cfg.Notify.Channel = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.Channel },
	},
	{
		key: "specgen.base_url", typ: kString, env: "OPPWATCH_SPECGEN_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.SpecGen.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.SpecGen.BaseURL },
	},
	{
		key: "specgen.token", typ: kString, env: "OPPWATCH_SPECGEN_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.SpecGen.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.SpecGen.Token },
	},
	{
		key: "specgen.timeout", typ: kString, env: "OPPWATCH_SPECGEN_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.SpecGen.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.SpecGen.Timeout },
	},
	{
		key: "detection.interval", typ: kString, env: "OPPWATCH_DETECTION_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Detection.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Detection.Interval },
	},
	{
		key: "detection.auto_generate", typ: kBool, env: "OPPWATCH_DETECTION_AUTO_GENERATE",
		apply:   func(cfg *Config, v any) { cfg.Detection.AutoGenerate = v.(bool) },
		extract: func(cfg Config) any { return cfg.Detection.AutoGenerate },
	},
	{
		key: "detection.min_score", typ: kInt, env: "OPPWATCH_DETECTION_MIN_SCORE",
		apply:   func(cfg *Config, v any) { cfg.Detection.MinScore = v.(int) },
		extract: func(cfg Config) any { return cfg.Detection.MinScore },
	},
	{
		key: "detection.funnel_drop_rate", typ: kFloat, env: "OPPWATCH_DETECTION_FUNNEL_DROP_RATE",
		apply:   func(cfg *Config, v any) { cfg.Detection.FunnelDropRate = v.(float64) },
		extract: func(cfg Config) any { return cfg.Detection.FunnelDropRate },
	},
	{
		key: "detection.nps_ceiling", typ: kFloat, env: "OPPWATCH_DETECTION_NPS_CEILING",
		apply:   func(cfg *Config, v any) { cfg.Detection.NPSCeiling = v.(float64) },
		extract: func(cfg Config) any { return cfg.Detection.NPSCeiling },
	},
	{
		key: "detection.nps_min_responses", typ: kInt, env: "OPPWATCH_DETECTION_NPS_MIN_RESPONSES",
		apply:   func(cfg *Config, v any) { cfg.Detection.NPSMinResponses = v.(int) },
		extract: func(cfg Config) any { return cfg.Detection.NPSMinResponses },
	},
	{
		key: "detection.usage_rate_floor", typ: kFloat, env: "OPPWATCH_DETECTION_USAGE_RATE_FLOOR",
		apply:   func(cfg *Config, v any) { cfg.Detection.UsageRateFloor = v.(float64) },
		extract: func(cfg Config) any { return cfg.Detection.UsageRateFloor },
	},
	{
		key: "detection.usage_min_users", typ: kInt, env: "OPPWATCH_DETECTION_USAGE_MIN_USERS",
		apply:   func(cfg *Config, v any) { cfg.Detection.UsageMinUsers = v.(int) },
		extract: func(cfg Config) any { return cfg.Detection.UsageMinUsers },
	},
	{
		key: "log.level", typ: kString, env: "OPPWATCH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
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
