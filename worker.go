package nvcfg

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Options struct {
	Backend Backend

	// PageSize bounds the bytes written by one transaction. Defaults to 4096.
	PageSize int

	// Debounce is how long the worker waits after the first write before
	// flushing, so bursts of writes share a transaction. Defaults to 1s.
	Debounce time.Duration

	// MaxRetries is the number of automatic retries of a failed flush before
	// the failure becomes persistent. Defaults to 5; negative means none.
	MaxRetries int

	// RetryBackoff is the delay before the first retry, doubled on every
	// further failure up to MaxBackoff. Default to 500ms and 30s.
	RetryBackoff time.Duration
	MaxBackoff   time.Duration

	// ShutdownTimeout bounds the final flush after Run's context is done.
	// Defaults to 5s.
	ShutdownTimeout time.Duration

	Logger  *slog.Logger
	Verbose bool
}

const (
	DefaultPageSize        = 4096
	DefaultDebounce        = time.Second
	DefaultMaxRetries      = 5
	DefaultRetryBackoff    = 500 * time.Millisecond
	DefaultMaxBackoff      = 30 * time.Second
	DefaultShutdownTimeout = 5 * time.Second

	minPageSize = 64
)

// Worker is the only component that talks to the backend. It hydrates attached
// cells and persists dirty ones in key order, at most one page per
// transaction.
type Worker struct {
	id      string
	reg     *Registry
	backend Backend
	logger  *slog.Logger
	verbose bool

	pageSize        int
	debounce        time.Duration
	maxRetries      int
	retryBackoff    time.Duration
	maxBackoff      time.Duration
	shutdownTimeout time.Duration

	// flushLock keeps a single hydration or flush in flight and guards the
	// fields below.
	flushLock sync.Mutex
	page      *page
	order     []Handle
	batch     []entry
	seen      []bool
	failures  int
	retryAt   time.Time

	stats workerStats
}

func NewWorker(reg *Registry, opt Options) (*Worker, error) {
	if reg == nil {
		return nil, fmt.Errorf("nvcfg: nil registry")
	}
	if opt.Backend == nil {
		return nil, fmt.Errorf("nvcfg: Options.Backend is required")
	}
	if opt.PageSize == 0 {
		opt.PageSize = DefaultPageSize
	} else if opt.PageSize < minPageSize {
		return nil, fmt.Errorf("nvcfg: PageSize %d is below minimum %d", opt.PageSize, minPageSize)
	}
	if opt.Debounce == 0 {
		opt.Debounce = DefaultDebounce
	}
	if opt.MaxRetries == 0 {
		opt.MaxRetries = DefaultMaxRetries
	} else if opt.MaxRetries < 0 {
		opt.MaxRetries = 0
	}
	if opt.RetryBackoff == 0 {
		opt.RetryBackoff = DefaultRetryBackoff
	}
	if opt.MaxBackoff == 0 {
		opt.MaxBackoff = DefaultMaxBackoff
	}
	if opt.ShutdownTimeout == 0 {
		opt.ShutdownTimeout = DefaultShutdownTimeout
	}
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}

	id := uuid.NewString()
	capacity := reg.Cap()
	return &Worker{
		id:              id,
		reg:             reg,
		backend:         opt.Backend,
		logger:          opt.Logger.With(slog.String("worker", id)),
		verbose:         opt.Verbose,
		pageSize:        opt.PageSize,
		debounce:        opt.Debounce,
		maxRetries:      opt.MaxRetries,
		retryBackoff:    opt.RetryBackoff,
		maxBackoff:      opt.MaxBackoff,
		shutdownTimeout: opt.ShutdownTimeout,
		page:            newPage(opt.PageSize),
		order:           make([]Handle, 0, capacity),
		batch:           make([]entry, 0, capacity),
		seen:            make([]bool, capacity),
	}, nil
}

// ID identifies the worker in logs.
func (w *Worker) ID() string {
	return w.id
}

func (w *Worker) Registry() *Registry {
	return w.reg
}

// Run hydrates all attached cells, then persists changes until ctx is done.
// On the way out it makes a final forced flush bounded by ShutdownTimeout.
//
// Run returns early with a *BackendError if hydration fails. Once Run returns,
// pending and future Commit calls fail with ErrStopped.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reg.stop()

	w.logger.LogAttrs(ctx, slog.LevelInfo, "nvcfg: worker starting",
		slog.Int("cells", w.reg.Len()),
		slog.Int("page_size", w.pageSize),
		slog.Duration("debounce", w.debounce))

	if err := w.Hydrate(ctx); err != nil {
		w.logger.LogAttrs(ctx, slog.LevelError, "nvcfg: hydration failed", slog.Any("err", err))
		return err
	}

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)

	for {
		if w.reg.lateAttach.Load() {
			if err := w.hydrateLate(ctx); err != nil && ctx.Err() == nil {
				w.logger.LogAttrs(ctx, slog.LevelError, "nvcfg: hydration of late cells failed", slog.Any("err", err))
			}
		}

		due, forced, wait := w.nextFlush(time.Now())
		if due {
			if forced {
				w.reg.forced.Store(false)
			}
			more, err := w.flushCycle(ctx, forced)
			for more && err == nil && ctx.Err() == nil {
				more, err = w.flushCycle(ctx, forced)
			}
			// a write may have arrived during the cycle
			due, _, wait = w.nextFlush(time.Now())
			if due {
				continue
			}
		}

		var timerC <-chan time.Time
		if wait > 0 {
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return w.shutdown(ctx)
		case <-w.reg.wake:
		case <-timerC:
		}
		stopTimer(timer)
	}
}

// nextFlush decides whether a flush cycle is due now, and if not, how long to
// wait until one might be. wait is zero if there is nothing to wait for.
func (w *Worker) nextFlush(now time.Time) (due, forced bool, wait time.Duration) {
	if w.reg.forced.Load() {
		return true, true, 0
	}
	if w.reg.pendingBytes.Load() >= int64(w.pageSize) {
		return true, false, 0
	}
	if start := w.reg.windowStart.Load(); start != 0 {
		elapsed := now.Sub(time.Unix(0, start))
		if elapsed >= w.debounce {
			return true, false, 0
		}
		wait = w.debounce - elapsed
	}

	w.flushLock.Lock()
	retryAt := w.retryAt
	w.flushLock.Unlock()
	if !retryAt.IsZero() {
		d := retryAt.Sub(now)
		if d <= 0 {
			return true, false, 0
		}
		if wait == 0 || d < wait {
			wait = d
		}
	}
	return false, false, wait
}

func (w *Worker) shutdown(ctx context.Context) error {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.shutdownTimeout)
	defer cancel()

	start := time.Now()
	err := w.Flush(sctx)
	if err != nil {
		w.logger.LogAttrs(sctx, slog.LevelError, "nvcfg: final flush failed", slog.Any("err", err))
	} else {
		w.logger.LogAttrs(sctx, slog.LevelInfo, "nvcfg: worker stopped", slog.Duration("final_flush", time.Since(start)))
	}
	return err
}

func (w *Worker) backoff(failures int) time.Duration {
	d := w.retryBackoff
	for i := 1; i < failures && d < w.maxBackoff; i++ {
		d *= 2
	}
	return min(d, w.maxBackoff)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
