package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"loom/internal/jobs"
	"loom/internal/testsupport"
)

func TestSubmitQueuesJob(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env.configPath, "submit", "--payload", `{"script":"hello"}`)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	requireContains(t, out, "enqueued")

	id := firstField(t, out)
	job, err := env.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("lookup job: %v", err)
	}
	if job.Status != jobs.StatusQueued {
		t.Fatalf("expected queued, got %s", job.Status)
	}
}

func TestSubmitManualStartThenStart(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env.configPath, "submit", "--payload", `{"script":"hi"}`, "--manual-start")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	requireContains(t, out, "created")

	id := firstField(t, out)
	job, err := env.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("lookup job: %v", err)
	}
	if job.Status != jobs.StatusCreated {
		t.Fatalf("expected created, got %s", job.Status)
	}
	if job.Meta[jobs.MetaManualStart] != "true" {
		t.Fatalf("expected manual start marker, got %v", job.Meta)
	}

	out, _, err = runCLI(t, env.configPath, "start", id)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	requireContains(t, out, "enqueued")
}

func TestSubmitRejectsInvalidPayload(t *testing.T) {
	env := setupCLITestEnv(t)

	if _, _, err := runCLI(t, env.configPath, "submit", "--payload", "not json"); err == nil {
		t.Fatal("expected invalid payload to be rejected")
	}
	if _, _, err := runCLI(t, env.configPath, "submit"); err == nil {
		t.Fatal("expected missing payload to be rejected")
	}
}

func TestStatusAndListCommands(t *testing.T) {
	env := setupCLITestEnv(t)

	job := testsupport.NewJob(t, env.store, `{"script":"alpha"}`, nil)
	failed := testsupport.NewJob(t, env.store, `{"script":"beta"}`, nil)
	testsupport.AdvanceJob(t, env.store, failed.ID, jobs.StatusQueued, jobs.StatusRunning)
	if _, err := env.store.Update(context.Background(), failed.ID, func(j *jobs.Job) error {
		j.SetFailed("compose", "remote stage failed", 3)
		return nil
	}); err != nil {
		t.Fatalf("fail job: %v", err)
	}

	out, _, err := runCLI(t, env.configPath, "status", job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, job.ID)
	requireContains(t, out, "created")

	out, _, err = runCLI(t, env.configPath, "status", failed.ID, "--json")
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var summary jobs.Summary
	if err := json.Unmarshal([]byte(out), &summary); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if summary.Status != jobs.StatusFailed || summary.Error == nil {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	out, _, err = runCLI(t, env.configPath, "list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	requireContains(t, out, job.ID)
	requireContains(t, out, failed.ID)

	out, _, err = runCLI(t, env.configPath, "list", "--status", "failed")
	if err != nil {
		t.Fatalf("list --status failed: %v", err)
	}
	requireContains(t, out, failed.ID)
	if strings.Contains(out, job.ID) {
		t.Fatalf("created job should be filtered out: %s", out)
	}

	if _, _, err := runCLI(t, env.configPath, "list", "--status", "bogus"); err == nil {
		t.Fatal("expected unknown status to be rejected")
	}

	out, _, err = runCLI(t, env.configPath, "stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	requireContains(t, out, "created")
	requireContains(t, out, "failed")
}

func TestCancelCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	job := testsupport.NewJob(t, env.store, `{"script":"alpha"}`, nil)
	out, _, err := runCLI(t, env.configPath, "cancel", job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	requireContains(t, out, "cancelled")

	running := testsupport.NewJob(t, env.store, `{"script":"beta"}`, nil)
	testsupport.AdvanceJob(t, env.store, running.ID, jobs.StatusQueued, jobs.StatusRunning)
	out, _, err = runCLI(t, env.configPath, "cancel", running.ID)
	if err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	requireContains(t, out, "cancellation requested")

	if _, _, err := runCLI(t, env.configPath, "cancel", job.ID); err == nil {
		t.Fatal("expected cancel of terminal job to fail")
	}
}

func TestRetryCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	job := testsupport.NewJob(t, env.store, `{"script":"alpha"}`, nil)
	if _, _, err := runCLI(t, env.configPath, "retry", job.ID); err == nil {
		t.Fatal("expected retry of created job to fail")
	}

	testsupport.AdvanceJob(t, env.store, job.ID, jobs.StatusQueued, jobs.StatusRunning)
	if _, err := env.store.Update(context.Background(), job.ID, func(j *jobs.Job) error {
		j.SetFailed("lipsync", "remote stage failed", 2)
		return nil
	}); err != nil {
		t.Fatalf("fail job: %v", err)
	}

	out, _, err := runCLI(t, env.configPath, "retry", job.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	requireContains(t, out, "enqueued")

	updated, err := env.store.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("lookup job: %v", err)
	}
	if updated.Status != jobs.StatusQueued {
		t.Fatalf("expected queued, got %s", updated.Status)
	}
	if updated.Error != nil {
		t.Fatalf("expected failure details cleared, got %+v", updated.Error)
	}
}

func TestConfigInitCommand(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	out, _, err := runCLI(t, "", "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, target)
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected sample config at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, "", "config", "init", "--path", target); err == nil {
		t.Fatal("expected existing config to be preserved without --overwrite")
	}
	if _, _, err := runCLI(t, "", "config", "init", "--path", target, "--overwrite"); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
}

func TestConfigShowCommand(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, env.configPath, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, env.configPath)
	requireContains(t, out, "queue.backend")
	requireContains(t, out, "stages.synthesize.url")
}
