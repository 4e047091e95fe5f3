package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"agent": {"command": "my-agent"}}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.SegmentThreshold != 20000 || cfg.Pipeline.RetryAttempts != 3 || cfg.Pipeline.RetryBackoff != 2*time.Second {
		t.Fatalf("pipeline defaults = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.RecentWindow != time.Minute || cfg.Pipeline.IdentifyWindow != 10000 {
		t.Fatalf("identify defaults = %+v", cfg.Pipeline)
	}
	if cfg.Hub.SeenLimit != 1000 || cfg.Hub.SweepSchedule != "*/1 * * * *" {
		t.Fatalf("hub defaults = %+v", cfg.Hub)
	}
	if cfg.LLM.SummaryTemperature != 0.2 || cfg.LLM.SummaryMaxTokens != 500 {
		t.Fatalf("llm defaults = %+v", cfg.LLM)
	}
	if cfg.Storage.Postgres.Enabled() || cfg.Storage.Redis.Enabled() {
		t.Fatalf("storage should default to memory only")
	}
	if cfg.Storage.Redis.MaxLen != 10000 || cfg.Storage.Redis.Retention != 24*time.Hour {
		t.Fatalf("redis defaults = %+v", cfg.Storage.Redis)
	}
	if cfg.Storage.Blob.Driver != "file" || cfg.Agent.Command != "my-agent" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Agent.Workdir != "./workspace" || cfg.Storage.Blob.File.Dir != "./data/blobs" {
		t.Fatalf("default workdir %q and blob dir %q must not nest", cfg.Agent.Workdir, cfg.Storage.Blob.File.Dir)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("OPENTASK_PIPELINE_SEGMENT_THRESHOLD", "5000")
	t.Setenv("OPENTASK_SERVER_ADDRESS", ":9999")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("OPENTASK_AGENT_ARGS", "--yes,--quiet")

	cfg, err := Load(writeConfig(t, `{"server": {"address": ":8081"}}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pipeline.SegmentThreshold != 5000 || cfg.Server.Address != ":9999" {
		t.Fatalf("env not applied: %+v %+v", cfg.Pipeline, cfg.Server)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Fatalf("api key = %q", cfg.LLM.APIKey)
	}
	if strings.Join(cfg.Agent.Args, " ") != "--yes --quiet" {
		t.Fatalf("args = %q", cfg.Agent.Args)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"s3 without credentials": `{"storage": {"blob": {"driver": "s3", "s3": {"endpoint": "minio:9000", "bucket": "b"}}}}`,
		"unknown blob driver":    `{"storage": {"blob": {"driver": "ftp"}}}`,
		"postgres without db":    `{"storage": {"postgres": {"host": "db", "dbname": ""}}}`,
		"zero threshold":         `{"pipeline": {"segment_threshold": 0}}`,
		"model missing":          `{"llm": {"api_key": "k", "model": ""}}`,
		"blobs inside workdir":   `{"agent": {"workdir": "/srv/agent"}, "storage": {"blob": {"file": {"dir": "/srv/agent/data/blobs"}}}}`,
		"blobs are workdir":      `{"agent": {"workdir": "/srv/agent"}, "storage": {"blob": {"file": {"dir": "/srv/agent"}}}}`,
		"negative retention":     `{"storage": {"redis": {"host": "cache", "retention": "-1h"}}}`,
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestBlobDirBesideWorkdir(t *testing.T) {
	cfg, err := Load(writeConfig(t, `{"agent": {"workdir": "/srv/agent"}, "storage": {"blob": {"file": {"dir": "/srv/agent-blobs"}}}}`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Workdir != "/srv/agent" {
		t.Fatalf("workdir = %q", cfg.Agent.Workdir)
	}
	// s3 objects never land in the working tree
	if _, err := Load(writeConfig(t, `{"agent": {"workdir": "."}, "storage": {"blob": {"driver": "s3", "file": {"dir": "./blobs"}, "s3": {"endpoint": "minio:9000", "bucket": "b", "access_key_id": "a", "secret_access_key": "s"}}}}`)); err != nil {
		t.Fatalf("s3 with nested file dir: %v", err)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadConfigPanicsOnInvalid(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	LoadConfig(writeConfig(t, `{"hub": {"sweep_schedule": " "}}`))
}

func TestAgentValidate(t *testing.T) {
	if err := (AgentConfig{}).Validate(); err == nil {
		t.Fatalf("expected error for empty agent command")
	}
}
