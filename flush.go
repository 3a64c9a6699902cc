package nvcfg

import (
	"context"
	"log/slog"
	"time"
)

// Flush persists every Dirty or retryable Failed cell now, including cells
// whose failure has become persistent. It returns once all of them have been
// attempted, or on the first failed transaction.
func (w *Worker) Flush(ctx context.Context) error {
	w.reg.forced.Store(false)
	for {
		more, err := w.flushCycle(ctx, true)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
}

// flushCycle stages eligible cells into the page in key order and commits the
// page in one transaction. more is set when some cells did not fit and need
// another cycle.
func (w *Worker) flushCycle(ctx context.Context, forced bool) (more bool, err error) {
	w.flushLock.Lock()
	defer w.flushLock.Unlock()

	start := time.Now()
	w.reg.resetWindow()
	order := w.reg.snapshot(w.order[:0])

	w.page.reset()
	batch := w.batch[:0]
	for _, h := range order {
		e := w.reg.entry(h)
		switch e.stage(w.page, forced) {
		case stageAdded:
			batch = append(batch, e)
		case stagePageFull:
			more = true
		case stageFailed:
			w.stats.stageFailures.Add(1)
			w.logger.LogAttrs(ctx, slog.LevelError, "nvcfg: cannot stage value",
				keyAttr(e.Key()), slog.String("path", e.Path()), slog.Any("err", e.Err()))
		}
		if more {
			break
		}
	}
	defer clear(batch)

	if len(batch) == 0 {
		w.retryAt = time.Time{}
		return more, nil
	}

	err = w.commitPage(ctx)

	retry := false
	for _, e := range batch {
		if e.finishWrite(err, w.maxRetries) {
			retry = true
		}
	}

	if err != nil {
		w.failures++
		w.stats.flushFailures.Add(1)
		if retry {
			w.retryAt = start.Add(w.backoff(w.failures))
		} else {
			w.retryAt = time.Time{}
			if more {
				// cells past the page were never attempted
				w.reg.rearmWindow()
			}
		}
		w.logger.LogAttrs(ctx, slog.LevelError, "nvcfg: flush failed",
			slog.Int("records", len(batch)),
			slog.Int("failures", w.failures),
			slog.Bool("retrying", retry),
			slog.Any("err", err))
		return false, err
	}

	w.failures = 0
	w.retryAt = time.Time{}
	w.stats.flushes.Add(1)
	w.stats.recordsWritten.Add(uint64(len(batch)))
	w.stats.bytesWritten.Add(uint64(w.page.len()))
	if w.verbose {
		w.logger.LogAttrs(ctx, slog.LevelDebug, "nvcfg: flushed",
			slog.Int("records", len(batch)),
			slog.Int("bytes", w.page.len()),
			slog.Bool("forced", forced),
			slog.Bool("more", more),
			slog.Duration("elapsed", time.Since(start)))
	}
	return more, nil
}

func (w *Worker) commitPage(ctx context.Context) error {
	tx, err := w.backend.BeginWrite(ctx)
	if err != nil {
		return backendErr("begin", err)
	}
	defer tx.Rollback()

	err = w.page.eachRecord(func(key Key, value []byte) error {
		return tx.Put(key, value)
	})
	if err != nil {
		return backendErr("put", err)
	}
	return backendErr("commit", tx.Commit())
}
