package errorreport

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
)

// Sink persists reports.
type Sink interface {
	Write(ctx context.Context, r Report) error
}

// AsyncConfig tunes an AsyncReporter.
type AsyncConfig struct {
	// QueueSize bounds pending reports. Reports beyond it are dropped.
	// Default: 128
	QueueSize int
	// MaxRetries is the number of retries after the first failed write.
	// Default: 3
	MaxRetries uint64
	// InitialBackoff is the first retry delay, doubled per attempt.
	// Default: 200ms
	InitialBackoff time.Duration
	// WriteTimeout bounds each write attempt.
	// Default: 5s
	WriteTimeout time.Duration
}

// DefaultAsyncConfig returns the default async reporter configuration.
func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		QueueSize:      128,
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		WriteTimeout:   5 * time.Second,
	}
}

// AsyncReporter queues reports and writes them to a Sink from a background
// goroutine, retrying failed writes with exponential backoff.
type AsyncReporter struct {
	sink   Sink
	cfg    AsyncConfig
	logger *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	queue   chan Report
	closed  bool
	done    chan struct{}
	dropped atomic.Int64
}

// NewAsyncReporter starts the writer goroutine. Call Close to drain it.
func NewAsyncReporter(sink Sink, cfg AsyncConfig, logger *slog.Logger) *AsyncReporter {
	def := DefaultAsyncConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = def.InitialBackoff
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &AsyncReporter{
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		queue:  make(chan Report, cfg.QueueSize),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

// Report implements Reporter. It never blocks.
func (a *AsyncReporter) Report(ctx context.Context, err error, tags Tags) {
	if err == nil {
		return
	}
	r := NewReport(err, tags, a.now())
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.queue <- r:
	default:
		a.dropped.Add(1)
		a.logger.Warn("error report dropped", "report_id", r.ID, "module", r.Module)
	}
}

// Dropped returns the number of reports dropped on a full queue.
func (a *AsyncReporter) Dropped() int64 {
	return a.dropped.Load()
}

func (a *AsyncReporter) run() {
	defer close(a.done)
	for r := range a.queue {
		a.write(r)
	}
}

func (a *AsyncReporter) write(r Report) {
	backoff := retry.WithMaxRetries(a.cfg.MaxRetries, retry.NewExponential(a.cfg.InitialBackoff))
	err := retry.Do(context.Background(), backoff, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, a.cfg.WriteTimeout)
		defer cancel()
		if err := a.sink.Write(ctx, r); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		a.logger.Error("error report write failed", "report_id", r.ID, "error", err)
	}
}

// Close stops accepting reports and waits for queued ones to be written or
// for ctx to end.
func (a *AsyncReporter) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
