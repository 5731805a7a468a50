package convert

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dgfp-lmis/stock-crawler/internal/config"
	"github.com/dgfp-lmis/stock-crawler/internal/stock"
)

func writeDocument(t *testing.T, root string, unit stock.WorkUnit, records []stock.Record) {
	t.Helper()
	if records == nil {
		records = []stock.Record{}
	}
	doc := stock.ResultDocument{Metadata: unit, Data: records}
	raw, err := json.Marshal(doc)
	require.NoError(t, err)

	dir := filepath.Join(root, unit.Year, unit.Month, unit.WarehouseID, unit.UpazilaID, unit.UnionCode)
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, unit.ItemCode+".json"), raw, 0o600))
}

func testUnit(month, item string) stock.WorkUnit {
	return stock.WorkUnit{
		Year:          "2023",
		Month:         month,
		WarehouseID:   "WH-002",
		WarehouseName: "Dhaka CWH",
		UpazilaID:     "T123",
		UpazilaName:   "Savar",
		UnionCode:     "U01",
		UnionName:     "Aminbazar",
		ItemCode:      item,
		ItemName:      "Shukhi",
	}
}

func records(n int) []stock.Record {
	out := make([]stock.Record, n)
	for i := range out {
		out[i] = stock.Record{
			Serial:   fmt.Sprintf("%d", i+1),
			Facility: fmt.Sprintf("Facility %d", i+1),
			Eligible: true,
		}
	}
	return out
}

func TestConvertRun(t *testing.T) {
	input := t.TempDir()
	output := t.TempDir()

	writeDocument(t, input, testUnit("06", "CON008"), records(2))
	writeDocument(t, input, testUnit("06", "CON009"), nil)
	writeDocument(t, input, testUnit("07", "CON008"), records(5))

	// Run artifacts in the tree are not documents.
	require.NoError(t, os.WriteFile(filepath.Join(input, "fetch_summary.json"), []byte(`{"completed": 3}`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(input, "progress_host-a.json"), []byte(`{}`), 0o600))

	converter, err := New(config.ConvertConfig{InputDir: input, OutputDir: output, BatchSize: 1000}, nil)
	require.NoError(t, err)

	stats, err := converter.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Documents)
	assert.Equal(t, 1, stats.EmptyDocuments)
	assert.Equal(t, 7, stats.Records)
	assert.Equal(t, 0, stats.CorruptFiles)
	assert.Equal(t, 7, stats.ByWarehouse["WH-002"])
	assert.Equal(t, 2, stats.ByMonth["2023-06"])
	assert.Equal(t, 5, stats.ByMonth["2023-07"])
	assert.Equal(t, 7, stats.ByItem["CON008"])
	assert.Equal(t, 1, stats.OutputFiles)

	raw, err := os.Open(filepath.Join(output, "stock_records_0001.csv"))
	require.NoError(t, err)
	defer raw.Close()

	rows, err := csv.NewReader(raw).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 8, "header plus seven records")
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, "2023", rows[1][0])
	assert.Equal(t, "Dhaka", rows[1][4], "district resolved from the warehouse name")
	assert.Equal(t, "Facility 1", rows[1][12])

	var persisted Stats
	rawStats, err := os.ReadFile(filepath.Join(output, "conversion_stats.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(rawStats, &persisted))
	assert.Equal(t, stats.Records, persisted.Records)
}

func TestConvertBatchRotation(t *testing.T) {
	input := t.TempDir()
	output := t.TempDir()

	writeDocument(t, input, testUnit("06", "CON008"), records(5))

	converter, err := New(config.ConvertConfig{InputDir: input, OutputDir: output, BatchSize: 2}, nil)
	require.NoError(t, err)

	stats, err := converter.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.OutputFiles)

	for i := 1; i <= 3; i++ {
		_, err := os.Stat(filepath.Join(output, fmt.Sprintf("stock_records_%04d.csv", i)))
		assert.NoError(t, err)
	}
}

func TestConvertSkipsCorruptDocuments(t *testing.T) {
	input := t.TempDir()
	output := t.TempDir()

	writeDocument(t, input, testUnit("06", "CON008"), records(1))
	require.NoError(t, os.WriteFile(filepath.Join(input, "broken.json"), []byte("{not json"), 0o600))

	converter, err := New(config.ConvertConfig{InputDir: input, OutputDir: output, BatchSize: 100}, nil)
	require.NoError(t, err)

	stats, err := converter.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CorruptFiles)
	assert.Equal(t, 1, stats.Documents)
}

func TestConvertStatsOnlySkipsCSV(t *testing.T) {
	input := t.TempDir()

	unit := testUnit("06", "CON008")
	rec := records(1)
	rec[0].StockOutReason = "R-02"
	writeDocument(t, input, unit, rec)

	converter, err := New(config.ConvertConfig{InputDir: input, BatchSize: 100, StatsOnly: true}, nil)
	require.NoError(t, err)

	stats, err := converter.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Records)
	assert.Equal(t, 1, stats.StockOutRows)
	assert.Equal(t, 0, stats.OutputFiles)

	entries, err := os.ReadDir(input)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), "stock_records")
	}

	// The stats report still lands next to the documents.
	var persisted Stats
	raw, err := os.ReadFile(filepath.Join(input, "conversion_stats.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, 1, persisted.Records)
	assert.Equal(t, 1, persisted.StockOutRows)
}

func TestConvertStatsOnlyHonorsOutputDir(t *testing.T) {
	input := t.TempDir()
	output := filepath.Join(t.TempDir(), "reports")

	writeDocument(t, input, testUnit("06", "CON008"), records(3))

	converter, err := New(config.ConvertConfig{InputDir: input, OutputDir: output, BatchSize: 100, StatsOnly: true}, nil)
	require.NoError(t, err)

	_, err = converter.Run(context.Background())
	require.NoError(t, err)

	var persisted Stats
	raw, err := os.ReadFile(filepath.Join(output, "conversion_stats.json"))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &persisted))
	assert.Equal(t, 3, persisted.Records)

	// No CSV batches in stats-only mode, even with an output directory.
	entries, err := os.ReadDir(output)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), "stock_records")
	}
}

// A second run over the same tree must not count the persisted stats report
// as a document.
func TestConvertStatsReportNotReconsumed(t *testing.T) {
	input := t.TempDir()

	writeDocument(t, input, testUnit("06", "CON008"), records(2))

	converter, err := New(config.ConvertConfig{InputDir: input, BatchSize: 100, StatsOnly: true}, nil)
	require.NoError(t, err)

	first, err := converter.Run(context.Background())
	require.NoError(t, err)

	second, err := converter.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Documents, second.Documents)
	assert.Equal(t, 0, second.CorruptFiles)
}

func TestNewValidation(t *testing.T) {
	_, err := New(config.ConvertConfig{OutputDir: "x", BatchSize: 10}, nil)
	assert.Error(t, err)

	_, err = New(config.ConvertConfig{InputDir: "x", BatchSize: 10}, nil)
	assert.Error(t, err)

	_, err = New(config.ConvertConfig{InputDir: "x", OutputDir: "y", BatchSize: 0}, nil)
	assert.Error(t, err)
}
