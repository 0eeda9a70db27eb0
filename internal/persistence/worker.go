package persistence

import (
	"StakeFlow/internal/event"
	"StakeFlow/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// JournalWorker drains lifecycle events and batch-writes them to
// Postgres. It runs independently of the orchestrator; nothing waits on
// it, and the orchestrator never reads the journal back.
type JournalWorker struct {
	db           *sql.DB
	writer       *JournalWriter
	inputChan    <-chan event.OperationEvent
	batchSize    int
	flushTimeout time.Duration
	logger       zerolog.Logger
	metrics      *observability.Metrics
}

func NewJournalWorker(
	db *sql.DB,
	inputChan <-chan event.OperationEvent,
	batchSize int,
	flushTimeout time.Duration,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *JournalWorker {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushTimeout <= 0 {
		flushTimeout = 100 * time.Millisecond
	}
	return &JournalWorker{
		db:           db,
		writer:       NewJournalWriter(db),
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		logger:       logger,
		metrics:      metrics,
	}
}

// Run batches incoming events and flushes either when the batch is full
// or the flush timeout expires. Blocks until ctx is cancelled or the
// input channel is closed.
func (jw *JournalWorker) Run(ctx context.Context) error {
	batch := make([]JournalRow, 0, jw.batchSize)

	timer := time.NewTimer(jw.flushTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if len(batch) > 0 {
				if err := jw.flush(context.Background(), batch); err != nil {
					jw.logger.Error().Err(err).Int("rows", len(batch)).Msg("final flush failed")
				}
			}
			return ctx.Err()

		case evt, ok := <-jw.inputChan:
			if !ok {
				if len(batch) > 0 {
					if err := jw.flush(context.Background(), batch); err != nil {
						jw.logger.Error().Err(err).Int("rows", len(batch)).Msg("final flush failed")
					}
				}
				return nil
			}

			batch = append(batch, RowFromEvent(evt))
			if len(batch) >= jw.batchSize {
				if err := jw.flushWithRetry(ctx, batch); err != nil {
					jw.logger.Error().Err(err).Msg("batch flush failed after retries")
				}
				batch = batch[:0]
				timer.Reset(jw.flushTimeout)
			}

		case <-timer.C:
			if len(batch) > 0 {
				if err := jw.flushWithRetry(ctx, batch); err != nil {
					jw.logger.Error().Err(err).Msg("timeout flush failed after retries")
				}
				batch = batch[:0]
			}
			timer.Reset(jw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write
// succeeds or ctx is cancelled, then makes one last attempt.
func (jw *JournalWorker) flushWithRetry(ctx context.Context, rows []JournalRow) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 30 * time.Second

	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			jw.logger.Warn().
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Int("rows", len(rows)).
				Msg("journal retry")
			select {
			case <-ctx.Done():
				if err := jw.flush(context.Background(), rows); err != nil {
					return fmt.Errorf("final flush on shutdown failed: %w", err)
				}
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}

		err := jw.flush(ctx, rows)
		if err == nil {
			if attempt > 0 {
				jw.logger.Info().Int("retries", attempt).Msg("journal flush recovered")
			}
			return nil
		}
		if jw.metrics != nil {
			jw.metrics.JournalErrors.Inc()
		}
	}
}

func (jw *JournalWorker) flush(ctx context.Context, rows []JournalRow) error {
	start := time.Now()

	tx, err := jw.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := jw.writer.WriteBatch(ctx, tx, rows); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	if jw.metrics != nil {
		jw.metrics.JournalBatchDur.Observe(time.Since(start).Seconds())
		jw.metrics.JournalRows.Add(float64(len(rows)))
	}
	return nil
}
