package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/forgeline-labs/forgeline/internal/domain"
)

func TestCleanupJanitorSweepsExpiredOutputs(t *testing.T) {
	fx := newAPIFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	past := time.Now().Add(-time.Hour).UTC()
	const staleKey = "archives/run-sweep.zip"
	if err := fx.store.Put(ctx, fx.storeCfg.BucketArtifacts, staleKey, strings.NewReader("stale"), 5, "application/zip"); err != nil {
		t.Fatalf("seed object: %v", err)
	}
	fx.outputs.put(domain.BuildOutput{
		ID:        "out-sweep",
		RunID:     "run-sweep",
		Type:      domain.OutputTypeZip,
		FilePath:  staleKey,
		ExpiresAt: &past,
		CreatedAt: past.Add(-time.Hour),
	})

	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	startCleanupJanitor(ctx, discard, fx.outputSvc, 5*time.Millisecond)

	waitFor(t, func() bool {
		_, err := fx.store.Stat(context.Background(), fx.storeCfg.BucketArtifacts, staleKey)
		return err != nil
	})
	waitFor(t, func() bool {
		return len(fx.outputs.forRun("run-sweep")) == 0
	})
}

func TestCleanupJanitorZeroIntervalDisables(t *testing.T) {
	fx := newAPIFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	past := time.Now().Add(-time.Hour).UTC()
	fx.outputs.put(domain.BuildOutput{
		ID:        "out-idle",
		RunID:     "run-idle",
		Type:      domain.OutputTypeZip,
		FilePath:  "archives/run-idle.zip",
		ExpiresAt: &past,
		CreatedAt: past.Add(-time.Hour),
	})

	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	startCleanupJanitor(ctx, discard, fx.outputSvc, 0)

	time.Sleep(30 * time.Millisecond)
	if len(fx.outputs.forRun("run-idle")) != 1 {
		t.Fatalf("disabled janitor still swept")
	}
}
