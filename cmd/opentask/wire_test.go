package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mohammad-safakhou/opentask/config"
	"github.com/mohammad-safakhou/opentask/internal/store"
)

func testConfig(t *testing.T, agentCommand string) *config.Config {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("OPENTASK_LLM_API_KEY", "")
	dir := t.TempDir()
	body := `{
		"agent": {"command": "` + agentCommand + `", "workdir": "` + filepath.ToSlash(filepath.Join(dir, "work")) + `"},
		"storage": {"blob": {"driver": "file", "file": {"dir": "` + filepath.ToSlash(filepath.Join(dir, "blobs")) + `"}}}
	}`
	if err := os.MkdirAll(filepath.Join(dir, "work"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return cfg
}

func TestBuildRunsTaskInMemory(t *testing.T) {
	if testing.Short() {
		t.Skip("runs an external command")
	}
	cfg := testConfig(t, "echo")
	a, err := build(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	if !a.store.Degraded() {
		t.Fatalf("store without database should run in memory")
	}
	if a.search == nil {
		t.Fatalf("search index should be enabled by default")
	}

	ctx := context.Background()
	task, err := a.store.CreateTask(ctx, "cli", "say hello")
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	final, err := a.orch.Execute(ctx, task)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if final.Status != store.StatusCompleted || final.LogURL == "" {
		t.Fatalf("task = %+v", final)
	}
	tr, err := a.orch.Transcript(ctx, final)
	if err != nil {
		t.Fatalf("Transcript: %v", err)
	}
	if !strings.Contains(tr.Body, "say hello") {
		t.Fatalf("transcript = %q", tr.Body)
	}
}

func TestBuildRequiresAgentCommand(t *testing.T) {
	cfg := testConfig(t, "")
	if _, err := build(context.Background(), cfg); err == nil {
		t.Fatalf("expected error without agent command")
	}
}
