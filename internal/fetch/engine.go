package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dgfp-lmis/stock-crawler/internal/metrics"
	"github.com/dgfp-lmis/stock-crawler/internal/stock"
)

// Strategy is one way of retrieving a unit's rows. Strategies are tried in
// order until one succeeds; adding a new fallback means adding a new
// implementation, not another branch.
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, unit stock.WorkUnit) ([]stock.Record, error)
}

// Engine runs the strategy chain for a work unit and classifies failures.
type Engine struct {
	client     *Client
	strategies []Strategy
	logger     *zap.Logger
}

// NewEngine builds the engine with the standard chain: the AJAX data source
// first, the rendered report page as fallback.
func NewEngine(client *Client, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		client: client,
		strategies: []Strategy{
			&apiStrategy{client: client},
			&htmlStrategy{client: client},
		},
		logger: logger,
	}
}

// FetchUnit retrieves the records for one work unit. A nil error with zero
// records is a legitimate empty result. Permanent errors short-circuit the
// chain; transient and parse errors fall through to the next strategy.
func (e *Engine) FetchUnit(ctx context.Context, unit stock.WorkUnit) ([]stock.Record, error) {
	if err := e.checkKnownAbsent(ctx, unit); err != nil {
		return nil, err
	}

	var lastErr error
	for _, s := range e.strategies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		records, err := s.Fetch(ctx, unit)
		metrics.ObserveFetch(s.Name(), time.Since(start))
		if err == nil {
			return records, nil
		}
		if stock.IsPermanent(err) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		e.logger.Debug("fetch strategy failed",
			zap.String("strategy", s.Name()),
			zap.String("unit", unit.Key()),
			zap.Error(err),
		)
		lastErr = err
	}
	return nil, lastErr
}

// checkKnownAbsent consults the union's own item-tab list. When the portal
// advertises a non-empty tab set that lacks this item, the combination is
// known-absent and the unit completes empty without touching the data
// endpoint. Tab lookup failures are advisory only.
func (e *Engine) checkKnownAbsent(ctx context.Context, unit stock.WorkUnit) error {
	tabs, err := e.client.ItemTabs(ctx, unit)
	if err != nil || len(tabs) == 0 {
		return nil
	}
	for _, tab := range tabs {
		if tab.Code == unit.ItemCode {
			return nil
		}
	}
	return &stock.PermanentError{Note: "item not reported for this union"}
}

// apiStrategy uses the DataTables AJAX endpoint, the primary path.
type apiStrategy struct {
	client *Client
}

func (s *apiStrategy) Name() string { return "api" }

func (s *apiStrategy) Fetch(ctx context.Context, unit stock.WorkUnit) ([]stock.Record, error) {
	body, err := s.client.postForm(ctx, s.client.cfg.BaseURL+dataSourcePath, map[string]string{
		"sEcho":          "2",
		"iColumns":       "13",
		"sColumns":       "",
		"iDisplayStart":  "0",
		"iDisplayLength": "-1",
		"operation":      "getItemlist",
		"Year":           unit.Year,
		"Month":          unit.Month,
		"Item":           unit.ItemCode,
		"UPNameList":     unit.UpazilaID,
		"UnionList":      unit.UnionCode,
		"WHListAll":      unit.WarehouseID,
		"DistrictList":   "All",
		"baseURL":        s.client.cfg.ReportBaseURL,
	})
	if err != nil {
		return nil, err
	}
	records, err := parseAAData(body)
	if err != nil {
		return nil, &stock.ParseError{Strategy: s.Name(), Err: err}
	}
	return records, nil
}

// htmlStrategy scrapes the rendered report page when the AJAX endpoint
// returns something unusable.
type htmlStrategy struct {
	client *Client
}

func (s *htmlStrategy) Name() string { return "html" }

func (s *htmlStrategy) Fetch(ctx context.Context, unit stock.WorkUnit) ([]stock.Record, error) {
	body, err := s.client.get(ctx, s.client.cfg.BaseURL+dataViewPath, map[string]string{
		"Year":         unit.Year,
		"Month":        unit.Month,
		"WHListAll":    unit.WarehouseID,
		"DistrictList": "All",
		"UPNameList":   unit.UpazilaID,
		"UnionList":    unit.UnionCode,
		"Item":         unit.ItemCode,
	})
	if err != nil {
		return nil, err
	}
	records, err := parseDataTable(body)
	if err != nil {
		return nil, &stock.ParseError{Strategy: s.Name(), Err: fmt.Errorf("scrape report page: %w", err)}
	}
	return records, nil
}
