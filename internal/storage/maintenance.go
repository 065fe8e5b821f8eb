package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/taniwha3/trackwatch/internal/logging"
)

// defaultSizeCheckInterval is how often the WAL size is polled between
// periodic checkpoints
const defaultSizeCheckInterval = time.Minute

// MaintenanceOptions controls the background retention and WAL routine
type MaintenanceOptions struct {
	Retention          time.Duration // Drop ticks older than this (0 = keep forever)
	RetentionInterval  time.Duration // How often to prune
	CheckpointInterval time.Duration // Periodic WAL checkpoint
	MaxWALSize         int64         // Checkpoint early once the WAL exceeds this many bytes
}

// StartMaintenanceRoutine prunes old ticks and checkpoints the WAL in the
// background. The returned function stops the routine and waits for it.
func (s *SQLiteStorage) StartMaintenanceRoutine(ctx context.Context, logger *slog.Logger, opts MaintenanceOptions) func() {
	return s.startMaintenanceRoutine(ctx, logger, opts, defaultSizeCheckInterval)
}

func (s *SQLiteStorage) startMaintenanceRoutine(ctx context.Context, logger *slog.Logger, opts MaintenanceOptions, sizeCheckInterval time.Duration) func() {
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup

	if opts.RetentionInterval <= 0 {
		opts.RetentionInterval = time.Hour
	}
	if opts.CheckpointInterval <= 0 {
		opts.CheckpointInterval = time.Hour
	}

	// Large WAL left over from a previous run
	if opts.MaxWALSize > 0 {
		if size, err := s.WALSize(); err == nil && size > opts.MaxWALSize {
			s.performCheckpoint(logger, "startup-size-triggered")
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		retentionTicker := time.NewTicker(opts.RetentionInterval)
		defer retentionTicker.Stop()
		checkpointTicker := time.NewTicker(opts.CheckpointInterval)
		defer checkpointTicker.Stop()
		sizeTicker := time.NewTicker(sizeCheckInterval)
		defer sizeTicker.Stop()

		logger.Info("Storage maintenance routine started",
			slog.Duration("retention", opts.Retention),
			slog.Duration("retention_interval", opts.RetentionInterval),
			slog.Duration("checkpoint_interval", opts.CheckpointInterval),
			slog.Int64("max_wal_bytes", opts.MaxWALSize))

		for {
			select {
			case <-ctx.Done():
				logger.Info("Storage maintenance routine stopping")
				return
			case <-retentionTicker.C:
				s.prune(ctx, logger, opts.Retention)
			case <-checkpointTicker.C:
				s.performCheckpoint(logger, "periodic")
			case <-sizeTicker.C:
				if opts.MaxWALSize <= 0 {
					continue
				}
				size, err := s.WALSize()
				if err != nil {
					logger.LogAttrs(ctx, slog.LevelWarn, "Failed to read WAL size", logging.ErrorAttrs(err)...)
					continue
				}
				if size > opts.MaxWALSize {
					logger.Warn("WAL exceeds size threshold",
						slog.Int64("wal_bytes", size),
						slog.Int64("max_wal_bytes", opts.MaxWALSize))
					s.performCheckpoint(logger, "size-triggered")
				}
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

func (s *SQLiteStorage) prune(ctx context.Context, logger *slog.Logger, retention time.Duration) {
	if retention <= 0 {
		return
	}
	cutoff := time.Now().Add(-retention)
	deleted, err := s.DeleteBefore(ctx, cutoff)
	if err != nil {
		logger.LogAttrs(ctx, slog.LevelError, "Retention pruning failed", logging.ErrorAttrs(err)...)
		return
	}
	if deleted > 0 {
		logger.Info("Pruned old readings",
			slog.Int64("deleted", deleted),
			slog.Time("cutoff", cutoff))
	}
}

func (s *SQLiteStorage) performCheckpoint(logger *slog.Logger, reason string) {
	start := time.Now()
	before, _ := s.WALSize()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.Checkpoint(ctx); err != nil {
		attrs := append([]slog.Attr{slog.String("reason", reason)}, logging.ErrorAttrs(err)...)
		logger.LogAttrs(ctx, slog.LevelError, "WAL checkpoint failed", attrs...)
		return
	}

	after, _ := s.WALSize()
	logger.Info("WAL checkpoint completed",
		slog.String("reason", reason),
		slog.Int64("wal_bytes_before", before),
		slog.Int64("wal_bytes_after", after),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()))
}
