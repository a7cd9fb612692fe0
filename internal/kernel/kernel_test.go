package kernel

import (
	"context"
	"path/filepath"
	"testing"

	"tx/internal/task"
	"tx/internal/txconfig"
)

func TestBuildWiresEveryServiceAndCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := txconfig.Defaults()
	cfg.StoragePath = filepath.Join(t.TempDir(), "tx.db")

	k, err := Build(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if k.Tasks == nil || k.Dependencies == nil || k.Workers == nil || k.Claims == nil ||
		k.Runs == nil || k.Outbox == nil || k.Retrieval == nil || k.Promotion == nil || k.Orchestrator == nil {
		t.Fatalf("Build left a service field nil: %+v", k)
	}

	created, err := k.Tasks.Create(ctx, task.CreateParams{Title: "wire check"})
	if err != nil {
		t.Fatalf("create task through wired kernel: %v", err)
	}
	if created.Status != "backlog" {
		t.Fatalf("unexpected task status: %s", created.Status)
	}

	if err := k.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := k.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestBuildFailsOnUnwritableStoragePath(t *testing.T) {
	ctx := context.Background()
	cfg := txconfig.Defaults()
	cfg.StoragePath = filepath.Join(t.TempDir(), "missing-dir", "tx.db")

	if _, err := Build(ctx, cfg, nil); err == nil {
		t.Fatal("expected Build to fail when the storage directory does not exist")
	}
}
