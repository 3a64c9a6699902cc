package nvcfg

import (
	"context"
	"log/slog"
	"time"
)

// Hydrate makes a full pass over the backend and loads every Hydrating cell.
// Records that match no attached cell are counted and skipped. Cells without a
// record take their default and become Dirty, so the default gets persisted.
//
// Hydrate may be called again; cells that have already settled are not
// touched. If the pass fails, the cells it did not reach become Failed.
func (w *Worker) Hydrate(ctx context.Context) error {
	w.flushLock.Lock()
	defer w.flushLock.Unlock()

	err := w.hydrateLocked(ctx)
	w.reg.markHydrated(err)
	return err
}

func (w *Worker) hydrateLocked(ctx context.Context) error {
	start := time.Now()
	w.reg.lateAttach.Store(false)
	order := w.reg.snapshot(w.order[:0])
	seen := w.seen[:len(order)]
	clear(seen)

	var hs hydrationStats
	defer func() {
		w.stats.addHydration(hs)
	}()

	cur, err := w.backend.Iterate(ctx)
	if err != nil {
		err = backendErr("iterate", err)
		w.failUnseen(order, seen, err)
		return err
	}
	defer cur.Close()

	for cur.Next() {
		hs.scanned++
		key := cur.Key()
		i, found := w.reg.search(order, key)
		if !found {
			hs.unknown++
			if w.verbose {
				w.logger.LogAttrs(ctx, slog.LevelDebug, "nvcfg: unknown record", keyAttr(key), slog.Int("size", len(cur.Value())))
			}
			continue
		}
		seen[i] = true
		w.hydrateOne(ctx, w.reg.entry(order[i]), cur.Value(), &hs)
	}
	if err := cur.Err(); err != nil {
		err = backendErr("iterate", err)
		w.failUnseen(order, seen, err)
		return err
	}

	for i, h := range order {
		if !seen[i] {
			e := w.reg.entry(h)
			if e.State() == Hydrating {
				hs.missing++
			}
			e.hydrateMissing()
		}
	}

	w.logger.LogAttrs(ctx, slog.LevelInfo, "nvcfg: hydrated",
		slog.Int("cells", len(order)),
		slog.Int("records", hs.scanned),
		slog.Int("matched", hs.matched),
		slog.Int("unknown", hs.unknown),
		slog.Int("missing", hs.missing),
		slog.Int("failed", hs.failed),
		slog.Int("upgraded", hs.upgraded),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (w *Worker) hydrateOne(ctx context.Context, e entry, data []byte, hs *hydrationStats) {
	switch e.hydrate(data) {
	case hydrateSkipped:
		return
	case hydrateFailed:
		hs.failed++
		w.logger.LogAttrs(ctx, slog.LevelWarn, "nvcfg: cannot decode stored value",
			keyAttr(e.Key()), slog.String("path", e.Path()), slog.Any("err", e.Err()))
	case hydrateUpgraded:
		hs.upgraded++
		if w.verbose {
			w.logger.LogAttrs(ctx, slog.LevelDebug, "nvcfg: upgraded stored value", keyAttr(e.Key()), slog.String("path", e.Path()))
		}
	}
	hs.matched++
}

func (w *Worker) failUnseen(order []Handle, seen []bool, err error) {
	for i, h := range order {
		if !seen[i] {
			w.reg.entry(h).failHydration(err)
		}
	}
}

// hydrateLate loads cells attached after the initial pass. Backends that
// support point lookups are queried per cell; others get a full pass.
func (w *Worker) hydrateLate(ctx context.Context) error {
	pr, ok := w.backend.(PointReader)
	if !ok {
		return w.Hydrate(ctx)
	}

	w.flushLock.Lock()
	defer w.flushLock.Unlock()

	w.reg.lateAttach.Store(false)
	order := w.reg.snapshot(w.order[:0])

	var hs hydrationStats
	defer func() {
		w.stats.addHydration(hs)
	}()

	var firstErr error
	for _, h := range order {
		e := w.reg.entry(h)
		if e.State() != Hydrating {
			continue
		}
		value, found, err := pr.Lookup(ctx, e.Key())
		if err != nil {
			err = backendErr("lookup", err)
			e.failHydration(err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		hs.scanned++
		if found {
			w.hydrateOne(ctx, e, value, &hs)
		} else {
			hs.missing++
			e.hydrateMissing()
		}
	}
	if w.verbose {
		w.logger.LogAttrs(ctx, slog.LevelDebug, "nvcfg: hydrated late cells",
			slog.Int("matched", hs.matched), slog.Int("missing", hs.missing))
	}
	return firstErr
}
