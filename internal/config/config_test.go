package config

import (
	"fmt"
	"strings"
	"testing"
)

type memBackend struct {
	strings map[string]string
	ints    map[string]int
}

func newMemBackend() *memBackend {
	return &memBackend{strings: map[string]string{}, ints: map[string]int{}}
}

func (m *memBackend) GetString(key string) (string, bool, error) {
	v, ok := m.strings[key]
	return v, ok, nil
}

func (m *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.ints[key]
	return v, ok, nil
}

func (m *memBackend) SetString(key, val string) error { m.strings[key] = val; return nil }
func (m *memBackend) SetInt(key string, val int) error {
	m.ints[key] = val
	return nil
}
func (m *memBackend) Delete(key string) error {
	delete(m.strings, key)
	delete(m.ints, key)
	return nil
}

type memSecrets map[string]string

func (m memSecrets) Get(key string) (string, error) {
	v, ok := m[key]
	if !ok {
		return "", fmt.Errorf("secret %q not found", key)
	}
	return v, nil
}

func requiredSecrets() memSecrets {
	return memSecrets{
		"api_token":         "sk-api",
		"analytics_api_key": "sk-analytics",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := loadWith(newMemBackend(), requiredSecrets())
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Server.MCPPort != 4001 {
		t.Errorf("Server.MCPPort = %d, want 4001", cfg.Server.MCPPort)
	}
	if cfg.Notify.Channel != "#product-opportunities" {
		t.Errorf("Notify.Channel = %q", cfg.Notify.Channel)
	}
	if cfg.Analytics.WindowDays != 30 {
		t.Errorf("Analytics.WindowDays = %d, want 30", cfg.Analytics.WindowDays)
	}
	if cfg.Detection.Interval != "1h" {
		t.Errorf("Detection.Interval = %q, want 1h", cfg.Detection.Interval)
	}
	if cfg.Detection.FunnelDropRate != 0.30 {
		t.Errorf("Detection.FunnelDropRate = %v, want 0.30", cfg.Detection.FunnelDropRate)
	}
	if cfg.Detection.AutoGenerate {
		t.Error("Detection.AutoGenerate defaulted to true")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want info", cfg.Log.Level)
	}
}

func TestLoadBackendValues(t *testing.T) {
	b := newMemBackend()
	b.ints["server.port"] = 9000
	b.strings["notify.channel"] = "#triage"
	b.strings["detection.auto_generate"] = "true"
	b.strings["detection.funnel_drop_rate"] = "0.5"
	b.ints["detection.min_score"] = 60

	cfg, err := loadWith(b, requiredSecrets())
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("Server.Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Notify.Channel != "#triage" {
		t.Errorf("Notify.Channel = %q, want #triage", cfg.Notify.Channel)
	}
	if !cfg.Detection.AutoGenerate {
		t.Error("Detection.AutoGenerate not applied from backend")
	}
	if cfg.Detection.FunnelDropRate != 0.5 {
		t.Errorf("Detection.FunnelDropRate = %v, want 0.5", cfg.Detection.FunnelDropRate)
	}
	if cfg.Detection.MinScore != 60 {
		t.Errorf("Detection.MinScore = %d, want 60", cfg.Detection.MinScore)
	}
}

func TestLoadEnvOverridesBackend(t *testing.T) {
	b := newMemBackend()
	b.ints["server.port"] = 9000
	t.Setenv("OPPWATCH_SERVER_PORT", "9100")
	t.Setenv("OPPWATCH_DETECTION_NPS_CEILING", "25.5")
	t.Setenv("OPPWATCH_DETECTION_AUTO_GENERATE", "true")

	cfg, err := loadWith(b, requiredSecrets())
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want env override 9100", cfg.Server.Port)
	}
	if cfg.Detection.NPSCeiling != 25.5 {
		t.Errorf("Detection.NPSCeiling = %v, want 25.5", cfg.Detection.NPSCeiling)
	}
	if !cfg.Detection.AutoGenerate {
		t.Error("Detection.AutoGenerate not applied from env")
	}
}

func TestLoadMalformedEnvKeepsDefault(t *testing.T) {
	t.Setenv("OPPWATCH_SERVER_PORT", "not-a-number")

	cfg, err := loadWith(newMemBackend(), requiredSecrets())
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.Port != 4000 {
		t.Errorf("Server.Port = %d, want default 4000", cfg.Server.Port)
	}
}

func TestLoadSecretsFromEnv(t *testing.T) {
	t.Setenv("OPPWATCH_API_TOKEN", "env-token")
	t.Setenv("OPPWATCH_ANALYTICS_API_KEY", "env-key")
	t.Setenv("OPPWATCH_NOTIFY_TOKEN", "env-notify")

	cfg, err := loadWith(newMemBackend(), memSecrets{})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.APIToken != "env-token" {
		t.Errorf("Server.APIToken = %q", cfg.Server.APIToken)
	}
	if cfg.Analytics.APIKey != "env-key" {
		t.Errorf("Analytics.APIKey = %q", cfg.Analytics.APIKey)
	}
	if cfg.Notify.Token != "env-notify" {
		t.Errorf("Notify.Token = %q", cfg.Notify.Token)
	}
}

func TestLoadSecretsFileFallback(t *testing.T) {
	sec := memSecrets{
		"api_token":         "file-token",
		"analytics_api_key": "file-key",
		"specgen_token":     "file-specgen",
	}

	cfg, err := loadWith(newMemBackend(), sec)
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.APIToken != "file-token" {
		t.Errorf("Server.APIToken = %q", cfg.Server.APIToken)
	}
	if cfg.SpecGen.Token != "file-specgen" {
		t.Errorf("SpecGen.Token = %q", cfg.SpecGen.Token)
	}
}

func TestLoadEnvSecretWinsOverFile(t *testing.T) {
	t.Setenv("OPPWATCH_API_TOKEN", "env-token")

	cfg, err := loadWith(newMemBackend(), memSecrets{
		"api_token":         "file-token",
		"analytics_api_key": "file-key",
	})
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}
	if cfg.Server.APIToken != "env-token" {
		t.Errorf("Server.APIToken = %q, want env value", cfg.Server.APIToken)
	}
}

func TestLoadMissingAPIToken(t *testing.T) {
	_, err := loadWith(newMemBackend(), memSecrets{"analytics_api_key": "sk-analytics"})
	if err == nil {
		t.Fatal("expected error for missing API token")
	}
	if !strings.Contains(err.Error(), "API token") {
		t.Errorf("error = %v", err)
	}
}

func TestLoadMissingAnalyticsKey(t *testing.T) {
	_, err := loadWith(newMemBackend(), memSecrets{"api_token": "sk-api"})
	if err == nil {
		t.Fatal("expected error for missing analytics API key")
	}
	if !strings.Contains(err.Error(), "analytics API key") {
		t.Errorf("error = %v", err)
	}
}

func TestShowAllSkipsSecrets(t *testing.T) {
	cfg, err := loadWith(newMemBackend(), requiredSecrets())
	if err != nil {
		t.Fatalf("loadWith: %v", err)
	}

	for _, info := range ShowAll(cfg) {
		if info.Key == "server.api_token" || info.Key == "analytics.api_key" {
			t.Errorf("secret key %q exposed by ShowAll", info.Key)
		}
		if info.EnvVar == "" {
			t.Errorf("key %q has no env var", info.Key)
		}
	}
}

func TestValidKeys(t *testing.T) {
	keys := ValidKeys()
	want := map[string]bool{
		"server.port":        false,
		"notify.channel":     false,
		"detection.interval": false,
	}
	for _, k := range keys {
		if k == "server.api_token" {
			t.Error("ValidKeys includes a secret key")
		}
		if _, tracked := want[k]; tracked {
			want[k] = true
		}
	}
	for k, seen := range want {
		if !seen {
			t.Errorf("ValidKeys missing %q", k)
		}
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	b := newFileBackend()
	if err := b.SetString("notify.channel", "#triage"); err != nil {
		t.Fatalf("SetString: %v", err)
	}
	if err := b.SetInt("server.port", 9000); err != nil {
		t.Fatalf("SetInt: %v", err)
	}

	// A fresh backend reads through the file on disk.
	b2 := newFileBackend()
	v, ok, err := b2.GetString("notify.channel")
	if err != nil || !ok || v != "#triage" {
		t.Errorf("GetString = %q, %v, %v", v, ok, err)
	}
	i, ok, err := b2.GetInt("server.port")
	if err != nil || !ok || i != 9000 {
		t.Errorf("GetInt = %d, %v, %v", i, ok, err)
	}

	if err := b2.Delete("server.port"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := newFileBackend().GetInt("server.port"); ok {
		t.Error("deleted key still present")
	}
}
