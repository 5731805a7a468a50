// Package convert flattens the crawled JSON documents into wide CSV files
// and a stats report, for loading into spreadsheets or a warehouse.
package convert

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/dgfp-lmis/stock-crawler/internal/catalog"
	"github.com/dgfp-lmis/stock-crawler/internal/config"
	"github.com/dgfp-lmis/stock-crawler/internal/stock"
)

const statsFileName = "conversion_stats.json"

var csvHeader = []string{
	"year", "month",
	"warehouse_id", "warehouse_name", "district",
	"upazila_id", "upazila_name",
	"union_code", "union_name",
	"item_code", "item_name",
	"serial", "facility",
	"opening_balance", "received", "total",
	"adj_plus", "adj_minus", "grand_total",
	"distribution", "closing_balance",
	"stock_out_reason", "stock_out_days",
	"eligible",
	"source_file",
}

// Stats summarizes one conversion run.
type Stats struct {
	Documents      int            `json:"documents"`
	EmptyDocuments int            `json:"empty_documents"`
	CorruptFiles   int            `json:"corrupt_files"`
	Records        int            `json:"records"`
	StockOutRows   int            `json:"stock_out_rows"`
	OutputFiles    int            `json:"output_files"`
	ByWarehouse    map[string]int `json:"by_warehouse"`
	ByMonth        map[string]int `json:"by_month"`
	ByItem         map[string]int `json:"by_item"`
}

func newStats() Stats {
	return Stats{
		ByWarehouse: make(map[string]int),
		ByMonth:     make(map[string]int),
		ByItem:      make(map[string]int),
	}
}

// Converter walks a crawl output tree and emits CSV batches.
type Converter struct {
	opts   config.ConvertConfig
	logger *zap.Logger
}

// New validates the options and builds a converter.
func New(opts config.ConvertConfig, logger *zap.Logger) (*Converter, error) {
	if opts.InputDir == "" {
		return nil, fmt.Errorf("input directory is required")
	}
	if !opts.StatsOnly && opts.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("batch size must be at least 1, got %d", opts.BatchSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Converter{opts: opts, logger: logger}, nil
}

// Run converts every document under the input directory. Corrupt files are
// counted and skipped, never fatal. In stats-only mode no CSV batches are
// produced, but the stats report is still persisted.
func (c *Converter) Run(ctx context.Context) (Stats, error) {
	stats := newStats()

	var out *batchWriter
	if !c.opts.StatsOnly {
		var err error
		out, err = newBatchWriter(c.opts.OutputDir, c.opts.BatchSize)
		if err != nil {
			return stats, err
		}
	}

	paths, err := c.documentPaths()
	if err != nil {
		return stats, err
	}

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		doc, ok := c.readDocument(path)
		if !ok {
			stats.CorruptFiles++
			continue
		}
		c.tally(&stats, doc)
		if out == nil {
			continue
		}
		rel, _ := filepath.Rel(c.opts.InputDir, path)
		for _, rec := range doc.Data {
			if err := out.writeRow(documentRow(doc.Metadata, rec, rel)); err != nil {
				return stats, err
			}
		}
	}

	if out != nil {
		if err := out.close(); err != nil {
			return stats, err
		}
		stats.OutputFiles = out.files
	}
	if err := c.writeStats(stats); err != nil {
		return stats, err
	}

	c.logger.Info("conversion finished",
		zap.Int("documents", stats.Documents),
		zap.Int("records", stats.Records),
		zap.Int("corrupt", stats.CorruptFiles),
		zap.Int("output_files", stats.OutputFiles),
	)
	return stats, nil
}

// documentPaths lists every result document beneath the input tree, in a
// stable order. Run artifacts like the fetch summary are not documents.
func (c *Converter) documentPaths() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(c.opts.InputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(name, ".json") {
			return nil
		}
		if name == "fetch_summary.json" || name == statsFileName || strings.HasPrefix(name, "progress_") {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk input directory: %w", err)
	}
	sort.Strings(paths)
	return paths, nil
}

func (c *Converter) readDocument(path string) (stock.ResultDocument, bool) {
	var doc stock.ResultDocument
	raw, err := os.ReadFile(path)
	if err != nil {
		c.logger.Warn("unreadable document", zap.String("path", path), zap.Error(err))
		return doc, false
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		c.logger.Warn("corrupt document skipped", zap.String("path", path), zap.Error(err))
		return doc, false
	}
	if doc.Metadata.Year == "" || doc.Metadata.ItemCode == "" {
		c.logger.Warn("document missing metadata", zap.String("path", path))
		return doc, false
	}
	return doc, true
}

func (c *Converter) tally(stats *Stats, doc stock.ResultDocument) {
	stats.Documents++
	if len(doc.Data) == 0 {
		stats.EmptyDocuments++
		return
	}
	meta := doc.Metadata
	stats.Records += len(doc.Data)
	stats.ByWarehouse[meta.WarehouseID] += len(doc.Data)
	stats.ByMonth[meta.Year+"-"+meta.Month] += len(doc.Data)
	stats.ByItem[meta.ItemCode] += len(doc.Data)
	for _, rec := range doc.Data {
		if rec.StockedOut() {
			stats.StockOutRows++
		}
	}
}

// writeStats persists the run summary next to the CSV batches, or into the
// input directory when no output directory was configured.
func (c *Converter) writeStats(stats Stats) error {
	dir := c.opts.OutputDir
	if dir == "" {
		dir = c.opts.InputDir
	} else if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	raw, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, statsFileName), raw, 0o600)
}

func documentRow(meta stock.WorkUnit, rec stock.Record, sourceFile string) []string {
	return []string{
		meta.Year, meta.Month,
		meta.WarehouseID, meta.WarehouseName, catalog.District(meta.WarehouseName),
		meta.UpazilaID, meta.UpazilaName,
		meta.UnionCode, meta.UnionName,
		meta.ItemCode, meta.ItemName,
		rec.Serial, rec.Facility,
		rec.OpeningBalance, rec.Received, rec.Total,
		rec.AdjPlus, rec.AdjMinus, rec.GrandTotal,
		rec.Distribution, rec.ClosingBalance,
		rec.StockOutReason, rec.StockOutDays,
		strconv.FormatBool(rec.Eligible),
		sourceFile,
	}
}

// batchWriter rotates CSV output files every batchSize rows. Each file
// carries its own header.
type batchWriter struct {
	dir       string
	batchSize int
	files     int
	rows      int
	file      *os.File
	csv       *csv.Writer
}

func newBatchWriter(dir string, batchSize int) (*batchWriter, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &batchWriter{dir: dir, batchSize: batchSize}, nil
}

func (w *batchWriter) writeRow(row []string) error {
	if w.csv == nil || w.rows >= w.batchSize {
		if err := w.close(); err != nil {
			return err
		}
		w.files++
		name := filepath.Join(w.dir, fmt.Sprintf("stock_records_%04d.csv", w.files))
		file, err := os.Create(name)
		if err != nil {
			return fmt.Errorf("create csv batch: %w", err)
		}
		w.file = file
		w.csv = csv.NewWriter(file)
		w.rows = 0
		if err := w.csv.Write(csvHeader); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	if err := w.csv.Write(row); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	w.rows++
	return nil
}

func (w *batchWriter) close() error {
	if w.csv == nil {
		return nil
	}
	w.csv.Flush()
	if err := w.csv.Error(); err != nil {
		w.file.Close()
		return fmt.Errorf("flush csv batch: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close csv batch: %w", err)
	}
	w.csv = nil
	w.file = nil
	return nil
}
