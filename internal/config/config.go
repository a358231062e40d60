package config

import (
	"fmt"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Analytics AnalyticsConfig
	Notify    NotifyConfig
	SpecGen   SpecGenConfig
	Detection DetectionConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port     int
	MCPPort  int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type AnalyticsConfig struct {
	BaseURL    string
	APIKey     string
	WindowDays int
}

type NotifyConfig struct {
	BaseURL string
	Token   string
	Channel string
}

type SpecGenConfig struct {
	BaseURL string
	Token   string
	Timeout string
}

type DetectionConfig struct {
	Interval        string
	AutoGenerate    bool
	MinScore        int
	FunnelDropRate  float64
	NPSCeiling      float64
	NPSMinResponses int
	UsageRateFloor  float64
	UsageMinUsers   int
}

type LogConfig struct {
	Level string
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
		Analytics: AnalyticsConfig{
			BaseURL:    "http://localhost:7000",
			WindowDays: 30,
		},
		Notify: NotifyConfig{
			BaseURL: "http://localhost:7100",
			Channel: "#product-opportunities",
		},
		SpecGen: SpecGenConfig{
			BaseURL: "http://localhost:7200",
			Timeout: "2m",
		},
		Detection: DetectionConfig{
			Interval:        "1h",
			MinScore:        40,
			FunnelDropRate:  0.30,
			NPSCeiling:      30,
			NPSMinResponses: 20,
			UsageRateFloor:  0.20,
			UsageMinUsers:   100,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/oppwatch/config.json, then applies OPPWATCH_*
// environment overrides. Secrets come from environment variables or
// from $XDG_CONFIG_HOME/oppwatch/secrets.json.
func Load() (Config, error) {
	return loadWith(newFileBackend(), fileSecrets{})
}

// secretStore abstracts secret lookup for testing.
type secretStore interface {
	Get(key string) (string, error)
}

func loadWith(b ConfigBackend, sec secretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	// Fall back to the secrets file for anything still empty.
	if cfg.Server.APIToken == "" {
		if v, err := sec.Get("api_token"); err == nil && v != "" {
			cfg.Server.APIToken = v
		}
	}
	if cfg.Analytics.APIKey == "" {
		if v, err := sec.Get("analytics_api_key"); err == nil && v != "" {
			cfg.Analytics.APIKey = v
		}
	}
	if cfg.Notify.Token == "" {
		if v, err := sec.Get("notify_token"); err == nil && v != "" {
			cfg.Notify.Token = v
		}
	}
	if cfg.SpecGen.Token == "" {
		if v, err := sec.Get("specgen_token"); err == nil && v != "" {
			cfg.SpecGen.Token = v
		}
	}

	if cfg.Server.APIToken == "" {
		return Config{}, fmt.Errorf("missing required config: API token. " +
			"Set it via environment variable OPPWATCH_API_TOKEN or the secrets file")
	}
	if cfg.Analytics.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: analytics API key. " +
			"Set it via environment variable OPPWATCH_ANALYTICS_API_KEY or the secrets file")
	}

	return cfg, nil
}
