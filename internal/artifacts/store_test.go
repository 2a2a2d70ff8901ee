package artifacts_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"loom/internal/artifacts"
	"loom/internal/logging"
)

type fakeUploader struct {
	err    error
	called int
	lastKey string
}

func (f *fakeUploader) Upload(_ context.Context, _, key string) (string, error) {
	f.called++
	f.lastKey = key
	if f.err != nil {
		return "", f.err
	}
	return "s3://renders/" + key, nil
}

func writeTempArtifact(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "final.mp4")
	if err := os.WriteFile(path, []byte("video bytes"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return path
}

func TestSaveKeepsLocalCopy(t *testing.T) {
	root := t.TempDir()
	store, err := artifacts.NewStore(root, nil, logging.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	locator, err := store.Save(context.Background(), "job-1", writeTempArtifact(t))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	expected := "file://" + filepath.Join(root, "job-1", "final.mp4")
	if locator != expected {
		t.Fatalf("expected %s, got %s", expected, locator)
	}
	if _, err := os.Stat(filepath.Join(root, "job-1", "final.mp4")); err != nil {
		t.Fatalf("stored file missing: %v", err)
	}
}

func TestSaveReturnsRemoteLocatorOnUpload(t *testing.T) {
	uploader := &fakeUploader{}
	store, err := artifacts.NewStore(t.TempDir(), uploader, logging.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	locator, err := store.Save(context.Background(), "job-2", writeTempArtifact(t))
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if locator != "s3://renders/job-2/final.mp4" {
		t.Fatalf("expected remote locator, got %s", locator)
	}
	if uploader.lastKey != "job-2/final.mp4" {
		t.Fatalf("unexpected key: %s", uploader.lastKey)
	}
}

func TestSaveFallsBackWhenUploadFails(t *testing.T) {
	uploader := &fakeUploader{err: errors.New("bucket unreachable")}
	root := t.TempDir()
	store, err := artifacts.NewStore(root, uploader, logging.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	locator, err := store.Save(context.Background(), "job-3", writeTempArtifact(t))
	if err != nil {
		t.Fatalf("Save must not fail when the local copy landed: %v", err)
	}
	if !strings.HasPrefix(locator, "file://") {
		t.Fatalf("expected local fallback locator, got %s", locator)
	}
	if uploader.called != 1 {
		t.Fatalf("expected one upload attempt, got %d", uploader.called)
	}
}

func TestSaveRejectsMissingSource(t *testing.T) {
	store, err := artifacts.NewStore(t.TempDir(), nil, logging.NewNop())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.Save(context.Background(), "job-4", "/nonexistent/out.mp4"); err == nil {
		t.Fatal("expected error for missing source file")
	}
}
