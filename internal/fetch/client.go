// Package fetch talks to the DGFP reporting portal: location lookups, the
// item-data endpoints, and the fallback strategy chain that turns responses
// into facility records.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/dgfp-lmis/stock-crawler/internal/config"
	"github.com/dgfp-lmis/stock-crawler/internal/stock"
)

const (
	upazilaListPath  = "sdplist/sdplist_Processing.php"
	dataSourcePath   = "sdpdataviewer/form2_view_datasource.php"
	dataViewPath     = "sdpdataviewer/form2_view.php"
	formRefererPath  = "sdpdataviewer/form2_view.php"
	acceptHeader     = "application/json, text/javascript, */*; q=0.01"
	xRequestedHeader = "XMLHttpRequest"
)

// Client is the shared portal HTTP client. It is safe for concurrent use;
// every request clones the base collector the way the colly fetcher does.
type Client struct {
	cfg    config.PortalConfig
	base   *colly.Collector
	logger *zap.Logger

	mu       sync.Mutex
	upazilas map[string][]stock.Upazila
	unions   map[string][]stock.Union
	itemTabs map[string][]stock.Item
}

// NewClient constructs a configured portal client.
func NewClient(cfg config.PortalConfig, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("portal base URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.IgnoreRobotsTxt(),
	)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.RequestTimeout(),
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(cfg.RequestTimeout())

	return &Client{
		cfg:      cfg,
		base:     base,
		logger:   logger,
		upazilas: make(map[string][]stock.Upazila),
		unions:   make(map[string][]stock.Union),
		itemTabs: make(map[string][]stock.Item),
	}, nil
}

// Upazilas lists the sub-districts served by a warehouse for a month.
// Results are cached; the enumerator asks once per warehouse-month.
func (c *Client) Upazilas(ctx context.Context, year, month, warehouseID string) ([]stock.Upazila, error) {
	key := warehouseID + "|" + year + "|" + month
	c.mu.Lock()
	cached, ok := c.upazilas[key]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	body, err := c.postForm(ctx, c.cfg.BaseURL+upazilaListPath, map[string]string{
		"operation": "getSDPUPList",
		"Year":      year,
		"Month":     month,
		"gWRHId":    warehouseID,
		"gDistId":   "All",
	})
	if err != nil {
		return nil, err
	}

	var upazilas []stock.Upazila
	if err := decodeList(body, &upazilas); err != nil {
		return nil, &stock.ParseError{Strategy: "upazila-list", Err: err}
	}

	c.mu.Lock()
	c.upazilas[key] = upazilas
	c.mu.Unlock()
	return upazilas, nil
}

// Unions lists the unions beneath an upazila for a month. Cached per
// upazila-month.
func (c *Client) Unions(ctx context.Context, year, month, upazilaID string) ([]stock.Union, error) {
	key := upazilaID + "|" + year + "|" + month
	c.mu.Lock()
	cached, ok := c.unions[key]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	body, err := c.postForm(ctx, c.cfg.BaseURL+dataSourcePath, map[string]string{
		"operation": "getUnionList",
		"Year":      year,
		"Month":     month,
		"upcode":    upazilaID,
	})
	if err != nil {
		return nil, err
	}

	var unions []stock.Union
	if err := decodeList(body, &unions); err != nil {
		return nil, &stock.ParseError{Strategy: "union-list", Err: err}
	}

	c.mu.Lock()
	c.unions[key] = unions
	c.mu.Unlock()
	return unions, nil
}

// ItemTabs returns the portal's own item list for a union, parsed from the
// HTML tab buttons. The result is advisory: an item missing from a non-empty
// tab list is known-absent for that union.
func (c *Client) ItemTabs(ctx context.Context, unit stock.WorkUnit) ([]stock.Item, error) {
	key := unit.Year + "|" + unit.Month + "|" + unit.UpazilaID + "|" + unit.UnionCode
	c.mu.Lock()
	cached, ok := c.itemTabs[key]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	body, err := c.postForm(ctx, c.cfg.BaseURL+dataSourcePath, map[string]string{
		"operation":    "getItemTab",
		"Year":         unit.Year,
		"Month":        unit.Month,
		"UPNameList":   unit.UpazilaID,
		"WHListAll":    unit.WarehouseID,
		"DistrictList": "All",
		"UnionList":    unit.UnionCode,
		"itemCode":     "",
	})
	if err != nil {
		return nil, err
	}

	items, err := parseItemTabs(body)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.itemTabs[key] = items
	c.mu.Unlock()
	return items, nil
}

// postForm issues a POST with the portal's AJAX headers and returns the body.
func (c *Client) postForm(ctx context.Context, rawURL string, form map[string]string) ([]byte, error) {
	c.politeDelay(ctx)
	collector := c.base.Clone()
	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", acceptHeader)
		r.Headers.Set("X-Requested-With", xRequestedHeader)
		r.Headers.Set("Origin", "https://elmis.dgfp.gov.bd")
		r.Headers.Set("Referer", c.cfg.BaseURL+formRefererPath)
	})
	return c.do(ctx, collector, func() error {
		return collector.Post(rawURL, form)
	})
}

// get issues a GET with query parameters appended.
func (c *Client) get(ctx context.Context, rawURL string, params map[string]string) ([]byte, error) {
	c.politeDelay(ctx)
	collector := c.base.Clone()
	query := make(url.Values, len(params))
	for k, v := range params {
		query.Set(k, v)
	}
	full := rawURL + "?" + query.Encode()
	return c.do(ctx, collector, func() error {
		return collector.Visit(full)
	})
}

type fetchResult struct {
	body   []byte
	status int
	err    error
}

func (c *Client) do(ctx context.Context, collector *colly.Collector, visit func() error) ([]byte, error) {
	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() { resultCh <- res })
	}

	collector.OnResponse(func(r *colly.Response) {
		send(fetchResult{
			body:   append([]byte{}, r.Body...),
			status: r.StatusCode,
		})
	})
	collector.OnError(func(r *colly.Response, err error) {
		status := 0
		if r != nil {
			status = r.StatusCode
		}
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(fetchResult{status: status, err: err})
	})

	if err := visit(); err != nil {
		return nil, classify(0, err)
	}
	collector.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, classify(res.status, res.err)
		}
		return res.body, nil
	default:
		return nil, &stock.TransientError{Err: errors.New("fetch produced no result")}
	}
}

// politeDelay sleeps a randomized interval between requests so the portal is
// never hammered, even with several workers.
func (c *Client) politeDelay(ctx context.Context) {
	if c.cfg.DelayMaxMs <= 0 {
		return
	}
	span := c.cfg.DelayMaxMs - c.cfg.DelayMinMs
	ms := c.cfg.DelayMinMs
	if span > 0 {
		ms += rand.N(span)
	}
	select {
	case <-time.After(time.Duration(ms) * time.Millisecond):
	case <-ctx.Done():
	}
}

// classify maps a failed request onto the retry taxonomy.
func classify(status int, err error) error {
	switch {
	case status == http.StatusNotFound:
		return &stock.PermanentError{Note: "portal route not found", Err: err}
	case status == http.StatusGone:
		return &stock.PermanentError{Note: "portal route gone", Err: err}
	default:
		// Timeouts, resets, 5xx, 429, and anything ambiguous are worth
		// retrying against a government portal that flakes routinely.
		return &stock.TransientError{Err: fmt.Errorf("status %d: %w", status, err)}
	}
}

// decodeList accepts either a bare JSON array or a {"data": [...]} envelope,
// both of which the portal emits depending on the endpoint's mood.
func decodeList(body []byte, out any) error {
	if len(body) == 0 {
		return json.Unmarshal([]byte("[]"), out)
	}
	if err := json.Unmarshal(body, out); err == nil {
		return nil
	}
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode list: %w", err)
	}
	if envelope.Data == nil {
		return fmt.Errorf("decode list: no data field")
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("decode list data: %w", err)
	}
	return nil
}
