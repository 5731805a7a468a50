// Package writer lands fetched documents on the local filesystem as JSON,
// one file per work unit, atomically.
package writer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/dgfp-lmis/stock-crawler/internal/stock"
)

// Sink writes result documents beneath a root directory.
type Sink struct {
	root   string
	logger *zap.Logger
}

// New constructs a sink rooted at dir.
func New(dir string, logger *zap.Logger) (*Sink, error) {
	if dir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{root: dir, logger: logger}, nil
}

// Root returns the sink's base directory.
func (s *Sink) Root() string { return s.root }

// Path returns where a unit's document lands. Composite item codes contain a
// "+" which is unfriendly in paths, so it becomes "_plus_".
func (s *Sink) Path(unit stock.WorkUnit) string {
	item := strings.ReplaceAll(unit.ItemCode, "+", "_plus_")
	return filepath.Join(s.root,
		unit.Year, unit.Month,
		unit.WarehouseID, unit.UpazilaID, unit.UnionCode,
		item+".json",
	)
}

// Write persists one document. An existing file for the same unit is
// replaced; readers never observe a partial write.
func (s *Sink) Write(unit stock.WorkUnit, records []stock.Record) (string, error) {
	if records == nil {
		records = []stock.Record{}
	}
	doc := stock.ResultDocument{Metadata: unit, Data: records}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode document: %w", err)
	}

	path := s.Path(unit)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create document directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".doc-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp document: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write temp document: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close temp document: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("finalize document: %w", err)
	}

	s.logger.Debug("document written",
		zap.String("path", path),
		zap.Int("records", len(records)),
	)
	return path, nil
}
