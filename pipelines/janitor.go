package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/forgeline-labs/forgeline/internal/service/outputs"
)

type cleanupJanitor struct {
	logger   *slog.Logger
	outputs  *outputs.Service
	interval time.Duration
}

// startCleanupJanitor sweeps expired build outputs in the background. An
// interval of zero disables the janitor; cleanup is then manual via the
// API.
func startCleanupJanitor(ctx context.Context, logger *slog.Logger, svc *outputs.Service, interval time.Duration) {
	if svc == nil || interval <= 0 {
		return
	}
	j := &cleanupJanitor{
		logger:   logger,
		outputs:  svc,
		interval: interval,
	}

	go j.run(ctx)
}

func (j *cleanupJanitor) run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.sweepOnce(ctx)
		}
	}
}

func (j *cleanupJanitor) sweepOnce(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	result, err := j.outputs.CleanupExpired(sweepCtx)
	if err != nil {
		j.logger.Error("cleanup sweep failed", "error", err)
		return
	}
	if result.FilesCleaned > 0 || result.ImagesCleaned > 0 {
		j.logger.Info("cleanup sweep", "files_cleaned", result.FilesCleaned, "images_cleaned", result.ImagesCleaned)
	}
}
