package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
remote:
  endpoint: http://localhost:9200
  agent_config_name: deep_research
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Polling.IntervalMS != 5000 {
		t.Errorf("expected default poll interval 5000ms, got %d", cfg.Polling.IntervalMS)
	}
	if cfg.Allocation.MaxAttempts != DefaultAllocationAttempts {
		t.Errorf("expected default allocation attempts %d, got %d", DefaultAllocationAttempts, cfg.Allocation.MaxAttempts)
	}
	if cfg.Context.TokenBudget != DefaultContextTokenBudget {
		t.Errorf("expected default token budget, got %d", cfg.Context.TokenBudget)
	}
	if cfg.PollInterval() != 5*time.Second {
		t.Errorf("unexpected poll interval duration: %v", cfg.PollInterval())
	}
}

func TestLoadRejectsMissingEndpoint(t *testing.T) {
	path := writeConfig(t, `
remote:
  agent_config_name: deep_research
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing remote.endpoint")
	}
}

func TestLoadRejectsTightPollInterval(t *testing.T) {
	path := writeConfig(t, `
remote:
  endpoint: http://localhost:9200
  agent_config_name: deep_research
polling:
  interval_ms: 10
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for poll interval below floor")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestSecretsRoundTrip(t *testing.T) {
	dir := t.TempDir()
	secrets := map[string]string{APIKeySecret: "s3cret-token"}

	if err := EncryptSecretsFile(dir, "passw0rd", secrets); err != nil {
		t.Fatalf("EncryptSecretsFile failed: %v", err)
	}
	if !SecretsFileExists(dir) {
		t.Fatal("expected secrets file to exist")
	}

	decrypted, err := DecryptSecretsFile(dir, "passw0rd")
	if err != nil {
		t.Fatalf("DecryptSecretsFile failed: %v", err)
	}
	if decrypted[APIKeySecret] != "s3cret-token" {
		t.Errorf("expected round-tripped secret, got %q", decrypted[APIKeySecret])
	}

	if _, err := DecryptSecretsFile(dir, "wrong"); err == nil {
		t.Fatal("expected decryption failure with wrong password")
	}
}

func TestGetSecretEnvFallback(t *testing.T) {
	t.Setenv(APIKeySecret, "from-env")

	value, err := GetSecret(t.TempDir(), "", APIKeySecret)
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if value != "from-env" {
		t.Errorf("expected env fallback, got %q", value)
	}
}
