// Package scheduler drives the crawl: a bounded pool of workers pulls work
// units from the enumerator, fetches and writes each one, and reports
// outcomes to a single consumer that owns the progress state.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dgfp-lmis/stock-crawler/internal/metrics"
	"github.com/dgfp-lmis/stock-crawler/internal/stock"
)

const summaryFileName = "fetch_summary.json"

// Fetcher retrieves the records for one work unit.
type Fetcher interface {
	FetchUnit(ctx context.Context, unit stock.WorkUnit) ([]stock.Record, error)
}

// DocumentSink persists a unit's result document.
type DocumentSink interface {
	Write(unit stock.WorkUnit, records []stock.Record) (string, error)
}

// RowStore is the optional database sink.
type RowStore interface {
	InsertDocument(ctx context.Context, doc stock.ResultDocument) error
}

// ProgressTracker records which units are done across runs.
type ProgressTracker interface {
	IsComplete(key string) bool
	MarkCompleted(key string) error
	MarkFailed(key string, attempts int) error
	Flush() error
}

// Clock supplies run timestamps.
type Clock interface {
	Now() time.Time
}

// Status classifies how a unit ended.
type Status string

const (
	StatusCompleted Status = metrics.OutcomeCompleted
	StatusEmpty     Status = metrics.OutcomeEmpty
	StatusFailed    Status = metrics.OutcomeFailed
	StatusSkipped   Status = metrics.OutcomeSkipped
)

// Outcome is what a worker reports back for one unit.
type Outcome struct {
	Unit     stock.WorkUnit
	Status   Status
	Records  int
	Attempts int
	Note     string
	Err      error
}

// Summary is the run report, also written next to the documents.
type Summary struct {
	RunID           string    `json:"run_id"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	DurationSeconds float64   `json:"duration_seconds"`
	Completed       int       `json:"completed"`
	Empty           int       `json:"empty"`
	Failed          int       `json:"failed"`
	Skipped         int       `json:"skipped"`
	SkippedSubtrees int       `json:"skipped_subtrees"`
	Records         int       `json:"records"`
}

// Units returns how many units the run touched.
func (s Summary) Units() int {
	return s.Completed + s.Empty + s.Failed + s.Skipped
}

// Options configures a run.
type Options struct {
	Workers   int
	Retry     RetryPolicy
	OutputDir string

	// SubtreeSkips, when set, reports how many location subtrees the unit
	// source dropped; the count lands in the Summary so an incomplete
	// enumeration is visible in the run report.
	SubtreeSkips func() int
}

// Runner executes one crawl over a unit stream.
type Runner struct {
	fetcher Fetcher
	sink    DocumentSink
	store   RowStore
	tracker ProgressTracker
	clock   Clock
	opts    Options
	logger  *zap.Logger
}

// New assembles a runner. store may be nil when no database sink is
// configured.
func New(fetcher Fetcher, sink DocumentSink, store RowStore, tracker ProgressTracker, clock Clock, opts Options, logger *zap.Logger) (*Runner, error) {
	if fetcher == nil || sink == nil || tracker == nil || clock == nil {
		return nil, fmt.Errorf("fetcher, sink, tracker and clock are required")
	}
	if opts.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", opts.Workers)
	}
	if opts.Retry.Attempts < 1 {
		return nil, fmt.Errorf("retry attempts must be at least 1, got %d", opts.Retry.Attempts)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		fetcher: fetcher,
		sink:    sink,
		store:   store,
		tracker: tracker,
		clock:   clock,
		opts:    opts,
		logger:  logger,
	}, nil
}

// Run drains the unit channel. It returns once every worker has stopped and
// the progress state is flushed; cancellation stops the run early but still
// flushes what was done. Unit-level failures never abort the run.
func (r *Runner) Run(ctx context.Context, units <-chan stock.WorkUnit) (Summary, error) {
	metrics.Init()
	summary := Summary{RunID: uuid.NewString(), StartedAt: r.clock.Now()}
	r.logger.Info("crawl run starting",
		zap.String("run_id", summary.RunID),
		zap.Int("workers", r.opts.Workers),
	)

	outcomes := make(chan Outcome, r.opts.Workers*2)

	var wg sync.WaitGroup
	for i := 0; i < r.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.work(ctx, worker, units, outcomes)
		}(i)
	}

	// Single consumer: the only goroutine touching the tracker and counters.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for outcome := range outcomes {
			r.consume(outcome, &summary)
		}
	}()

	wg.Wait()
	close(outcomes)
	<-done

	// A lost checkpoint would silently redo or skip work, so it is fatal.
	var flushErr error
	if err := r.tracker.Flush(); err != nil {
		flushErr = fmt.Errorf("final progress flush: %w", err)
		r.logger.Error("final progress flush failed", zap.Error(err))
	}

	if r.opts.SubtreeSkips != nil {
		summary.SkippedSubtrees = r.opts.SubtreeSkips()
	}
	summary.FinishedAt = r.clock.Now()
	summary.DurationSeconds = summary.FinishedAt.Sub(summary.StartedAt).Seconds()
	if err := r.writeSummary(summary); err != nil {
		r.logger.Warn("could not write run summary", zap.Error(err))
	}

	r.logger.Info("crawl finished",
		zap.Int("units", summary.Units()),
		zap.Int("completed", summary.Completed),
		zap.Int("empty", summary.Empty),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("skipped_subtrees", summary.SkippedSubtrees),
		zap.Int("records", summary.Records),
		zap.Float64("seconds", summary.DurationSeconds),
	)
	if flushErr != nil {
		return summary, flushErr
	}
	return summary, ctx.Err()
}

func (r *Runner) work(ctx context.Context, worker int, units <-chan stock.WorkUnit, outcomes chan<- Outcome) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	log := r.logger.With(zap.Int("worker", worker))
	for {
		select {
		case <-ctx.Done():
			return
		case unit, ok := <-units:
			if !ok {
				return
			}
			if r.tracker.IsComplete(unit.Key()) {
				outcomes <- Outcome{Unit: unit, Status: StatusSkipped}
				continue
			}
			outcomes <- r.process(ctx, log, unit)
		}
	}
}

// process runs the retry loop for one unit.
func (r *Runner) process(ctx context.Context, log *zap.Logger, unit stock.WorkUnit) Outcome {
	var lastErr error
	for attempt := 1; attempt <= r.opts.Retry.Attempts; attempt++ {
		if attempt > 1 {
			metrics.ObserveRetry()
			select {
			case <-time.After(r.opts.Retry.Delay(attempt)):
			case <-ctx.Done():
				return Outcome{Unit: unit, Status: StatusFailed, Attempts: attempt - 1, Err: ctx.Err()}
			}
		}

		records, err := r.fetcher.FetchUnit(ctx, unit)
		if err == nil {
			return r.land(ctx, unit, records, attempt)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Outcome{Unit: unit, Status: StatusFailed, Attempts: attempt, Err: err}
		}
		if stock.IsPermanent(err) {
			// A permanent miss is a real answer: record it as an empty
			// result so the unit is never refetched.
			outcome := r.land(ctx, unit, nil, attempt)
			outcome.Note = stock.PermanentNote(err)
			return outcome
		}
		lastErr = err
		log.Debug("attempt failed",
			zap.String("unit", unit.Key()),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
	return Outcome{Unit: unit, Status: StatusFailed, Attempts: r.opts.Retry.Attempts, Err: lastErr}
}

// land writes the document (and database rows when configured) and shapes
// the final outcome.
func (r *Runner) land(ctx context.Context, unit stock.WorkUnit, records []stock.Record, attempt int) Outcome {
	if _, err := r.sink.Write(unit, records); err != nil {
		return Outcome{Unit: unit, Status: StatusFailed, Attempts: attempt, Err: err}
	}
	if r.store != nil && len(records) > 0 {
		doc := stock.ResultDocument{Metadata: unit, Data: records}
		if err := r.store.InsertDocument(ctx, doc); err != nil {
			// The JSON file is canonical; a database hiccup is logged but
			// does not fail the unit.
			r.logger.Warn("database insert failed",
				zap.String("unit", unit.Key()),
				zap.Error(err),
			)
		}
	}
	status := StatusCompleted
	if len(records) == 0 {
		status = StatusEmpty
	}
	return Outcome{Unit: unit, Status: status, Records: len(records), Attempts: attempt}
}

func (r *Runner) consume(outcome Outcome, summary *Summary) {
	key := outcome.Unit.Key()
	switch outcome.Status {
	case StatusCompleted:
		summary.Completed++
		summary.Records += outcome.Records
		metrics.ObserveRecords(outcome.Unit.WarehouseID, outcome.Records)
		if err := r.tracker.MarkCompleted(key); err != nil {
			r.logger.Error("progress update failed", zap.String("unit", key), zap.Error(err))
		}
	case StatusEmpty:
		summary.Empty++
		if err := r.tracker.MarkCompleted(key); err != nil {
			r.logger.Error("progress update failed", zap.String("unit", key), zap.Error(err))
		}
		if outcome.Note != "" {
			r.logger.Debug("unit empty", zap.String("unit", key), zap.String("note", outcome.Note))
		}
	case StatusFailed:
		summary.Failed++
		if err := r.tracker.MarkFailed(key, outcome.Attempts); err != nil {
			r.logger.Error("progress update failed", zap.String("unit", key), zap.Error(err))
		}
		r.logger.Warn("unit failed",
			zap.String("unit", key),
			zap.Int("attempts", outcome.Attempts),
			zap.Error(outcome.Err),
		)
	case StatusSkipped:
		summary.Skipped++
	}
	metrics.ObserveUnit(string(outcome.Status))
}

func (r *Runner) writeSummary(summary Summary) error {
	raw, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(r.opts.OutputDir, 0o750); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.opts.OutputDir, summaryFileName), raw, 0o600)
}
