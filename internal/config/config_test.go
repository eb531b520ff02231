package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "agent:\n  id: trader\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.ID != "trader" {
		t.Errorf("agent id = %q, want trader", cfg.Agent.ID)
	}
	if cfg.Port != DefaultPort {
		t.Errorf("port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.Cron.MaxConcurrentRuns != DefaultCronConcurrency {
		t.Errorf("cron ceiling = %d, want %d", cfg.Cron.MaxConcurrentRuns, DefaultCronConcurrency)
	}
	if cfg.Heartbeat.Every != DefaultHeartbeatEvery {
		t.Errorf("heartbeat every = %v, want %v", cfg.Heartbeat.Every, DefaultHeartbeatEvery)
	}
	if cfg.Session.DMScope != "single-global" {
		t.Errorf("dm scope = %q, want single-global", cfg.Session.DMScope)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("TW_TEST_TOKEN", "hunter2")
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "token: ${TW_TEST_TOKEN}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Token != "hunter2" {
		t.Errorf("token = %q, want hunter2", cfg.Token)
	}
}

func TestLoadResolvesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", "port: 9000\nagent:\n  id: base\n")
	path := writeFile(t, dir, "config.yaml", "$include: base.yaml\nagent:\n  id: override\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9000 {
		t.Errorf("port = %d, want 9000 from include", cfg.Port)
	}
	if cfg.Agent.ID != "override" {
		t.Errorf("agent id = %q, want override", cfg.Agent.ID)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", "$include: b.yaml\n")
	path := writeFile(t, dir, "b.yaml", "$include: a.yaml\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected cycle error")
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "bogus_option: true\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestValidateDMScope(t *testing.T) {
	cfg := Default()
	cfg.Session.DMScope = "per-thread"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid dm_scope error")
	}
}

func TestValidateResetConfig(t *testing.T) {
	cfg := Default()
	cfg.Session.ResetByType = map[string]ResetConfig{
		"dm": {Mode: "hourly"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected invalid reset mode error")
	}

	cfg = Default()
	cfg.Session.Reset = ResetConfig{Mode: "daily", AtHour: 25}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected at_hour range error")
	}
}

func TestHeartbeatDurationParsing(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "heartbeat:\n  enabled: true\n  every: 5m\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Heartbeat.Every != 5*time.Minute {
		t.Errorf("heartbeat every = %v, want 5m", cfg.Heartbeat.Every)
	}
}
