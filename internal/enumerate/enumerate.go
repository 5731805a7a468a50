// Package enumerate produces the deterministic work-unit sequence for a
// crawl: every month in range, every selected warehouse, every upazila and
// union beneath it, every catalog item.
package enumerate

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dgfp-lmis/stock-crawler/internal/catalog"
	"github.com/dgfp-lmis/stock-crawler/internal/stock"
)

const (
	defaultLookupRetries = 3
	defaultLookupBackoff = 500 * time.Millisecond
)

// LocationSource resolves the location hierarchy beneath a warehouse for a
// reporting month. Implementations are expected to cache: the enumerator asks
// once per (warehouse, month) and once per (upazila, month).
type LocationSource interface {
	Upazilas(ctx context.Context, year, month, warehouseID string) ([]stock.Upazila, error)
	Unions(ctx context.Context, year, month, upazilaID string) ([]stock.Union, error)
}

// Options configures an Enumerator.
type Options struct {
	Start     string // YYYY-MM, inclusive
	End       string // YYYY-MM, inclusive
	Resume    string // optional YYYY-MM; earlier months are implicitly complete
	Warehouse string // optional id-or-name filter

	// LookupRetries bounds the attempts per location lookup; LookupBackoff
	// is the pause between them. Zero values take the defaults.
	LookupRetries int
	LookupBackoff time.Duration
}

// Enumerator walks the crawl iteration space in a stable order: month-major,
// then warehouse, upazila, union, item.
type Enumerator struct {
	months        []YearMonth
	warehouses    []catalog.Warehouse
	items         []stock.Item
	source        LocationSource
	lookupRetries int
	lookupBackoff time.Duration
	skipped       atomic.Int64
	logger        *zap.Logger
}

// New validates the range and warehouse filter and builds an Enumerator.
func New(opts Options, source LocationSource, logger *zap.Logger) (*Enumerator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	start, err := ParseYearMonth(opts.Start)
	if err != nil {
		return nil, fmt.Errorf("start: %w", err)
	}
	end, err := ParseYearMonth(opts.End)
	if err != nil {
		return nil, fmt.Errorf("end: %w", err)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("start %s is after end %s", start, end)
	}

	first := start
	if opts.Resume != "" {
		resume, err := ParseYearMonth(opts.Resume)
		if err != nil {
			return nil, fmt.Errorf("resume: %w", err)
		}
		if first.Before(resume) {
			first = resume
		}
	}

	warehouses := catalog.Warehouses
	if opts.Warehouse != "" {
		wh, err := catalog.FindWarehouse(opts.Warehouse)
		if err != nil {
			return nil, err
		}
		warehouses = []catalog.Warehouse{wh}
	}

	var months []YearMonth
	if !end.Before(first) {
		months = MonthsBetween(first, end)
	}

	retries := opts.LookupRetries
	if retries < 1 {
		retries = defaultLookupRetries
	}
	backoff := opts.LookupBackoff
	if backoff <= 0 {
		backoff = defaultLookupBackoff
	}

	return &Enumerator{
		months:        months,
		warehouses:    warehouses,
		items:         catalog.Items,
		source:        source,
		lookupRetries: retries,
		lookupBackoff: backoff,
		logger:        logger,
	}, nil
}

// SkippedSubtrees reports how many warehouse- or upazila-level subtrees were
// dropped because their location lookups kept failing. Non-zero means the
// crawl did not cover the full iteration space, even when no unit failed.
func (e *Enumerator) SkippedSubtrees() int {
	return int(e.skipped.Load())
}

// Months returns the month sequence the enumerator will cover.
func (e *Enumerator) Months() []YearMonth {
	return e.months
}

// Units emits the work-unit sequence lazily on the returned channel. The
// channel closes when the space is exhausted or ctx is canceled. Location
// lookups that fail skip their subtree with a warning; a later run retries
// them because no unit was marked completed.
func (e *Enumerator) Units(ctx context.Context) <-chan stock.WorkUnit {
	out := make(chan stock.WorkUnit)
	go func() {
		defer close(out)
		for _, ym := range e.months {
			for _, wh := range e.warehouses {
				if err := e.emitWarehouse(ctx, out, ym, wh); err != nil {
					return
				}
			}
		}
	}()
	return out
}

// lookupWithRetry runs one location lookup with bounded retries. Permanent
// classifications stop retrying immediately.
func (e *Enumerator) lookupWithRetry(ctx context.Context, lookup func() error) error {
	var err error
	for attempt := 1; attempt <= e.lookupRetries; attempt++ {
		if attempt > 1 {
			select {
			case <-time.After(e.lookupBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = lookup(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if stock.IsPermanent(err) {
			return err
		}
	}
	return err
}

func (e *Enumerator) emitWarehouse(ctx context.Context, out chan<- stock.WorkUnit, ym YearMonth, wh catalog.Warehouse) error {
	year, month := ym.YearString(), ym.MonthString()
	var upazilas []stock.Upazila
	err := e.lookupWithRetry(ctx, func() error {
		var lerr error
		upazilas, lerr = e.source.Upazilas(ctx, year, month, wh.ID)
		return lerr
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.skipped.Add(1)
		e.logger.Warn("skipping warehouse: upazila lookup failed",
			zap.String("warehouse", wh.ID),
			zap.String("month", ym.String()),
			zap.Error(err),
		)
		return nil
	}
	for _, upz := range upazilas {
		var unions []stock.Union
		err := e.lookupWithRetry(ctx, func() error {
			var lerr error
			unions, lerr = e.source.Unions(ctx, year, month, upz.ID)
			return lerr
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.skipped.Add(1)
			e.logger.Warn("skipping upazila: union lookup failed",
				zap.String("upazila", upz.ID),
				zap.String("month", ym.String()),
				zap.Error(err),
			)
			continue
		}
		for _, un := range unions {
			for _, item := range e.items {
				unit := stock.WorkUnit{
					Year:          year,
					Month:         month,
					WarehouseID:   wh.ID,
					WarehouseName: catalog.CleanName(wh.Name),
					UpazilaID:     upz.ID,
					UpazilaName:   upz.Name,
					UnionCode:     un.Code,
					UnionName:     un.Name,
					ItemCode:      item.Code,
					ItemName:      item.Name,
				}
				select {
				case out <- unit:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
	return nil
}
