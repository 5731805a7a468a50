// Package stock defines core types shared across the crawl subsystems.
package stock

import (
	"fmt"
	"strings"
)

// WorkUnit identifies one crawl target: a single (month, warehouse, upazila,
// union, item) combination. Immutable once enumerated.
type WorkUnit struct {
	Year          string `json:"year"`
	Month         string `json:"month"`
	WarehouseID   string `json:"warehouse_id"`
	WarehouseName string `json:"warehouse_name"`
	UpazilaID     string `json:"upazila_id"`
	UpazilaName   string `json:"upazila_name"`
	UnionCode     string `json:"union_code"`
	UnionName     string `json:"union_name"`
	ItemCode      string `json:"item_code"`
	ItemName      string `json:"item_name"`
}

// Key returns the composite identifier used by the progress tracker. The
// tuple (year, month, warehouse, upazila, union, item) uniquely identifies a
// unit within a run.
func (u WorkUnit) Key() string {
	return strings.Join([]string{
		u.Year, u.Month, u.WarehouseID, u.UpazilaID, u.UnionCode, u.ItemCode,
	}, "|")
}

// FileName returns the reference name recorded alongside rows loaded into the
// database sink.
func (u WorkUnit) FileName() string {
	return fmt.Sprintf("%s_%s_%s_%s_%s.json", u.UpazilaID, u.UnionCode, u.ItemCode, u.Year, u.Month)
}

// Record is one facility-level row of a stock report. Numeric-looking fields
// stay strings because the source data is inconsistently formatted (blank vs
// "0"); eligible is the only coerced boolean.
type Record struct {
	Serial         string `json:"serial"`
	Facility       string `json:"facility"`
	OpeningBalance string `json:"opening_balance"`
	Received       string `json:"received"`
	Total          string `json:"total"`
	AdjPlus        string `json:"adj_plus"`
	AdjMinus       string `json:"adj_minus"`
	GrandTotal     string `json:"grand_total"`
	Distribution   string `json:"distribution"`
	ClosingBalance string `json:"closing_balance"`
	StockOutReason string `json:"stock_out_reason"`
	StockOutDays   string `json:"stock_out_days"`
	Eligible       bool   `json:"eligible"`
}

// StockedOut reports whether the row records a stock-out period.
func (r Record) StockedOut() bool {
	if strings.TrimSpace(r.StockOutReason) != "" {
		return true
	}
	days := strings.TrimSpace(r.StockOutDays)
	return days != "" && days != "0"
}

// ResultDocument is the persisted artifact for one WorkUnit. Overwritten
// wholesale on retry so re-runs stay idempotent.
type ResultDocument struct {
	Metadata WorkUnit `json:"metadata"`
	Data     []Record `json:"data"`
}

// Upazila is a sub-district served by a warehouse.
type Upazila struct {
	ID   string `json:"upazila_id"`
	Name string `json:"upazila_name"`
}

// Union is a local administrative unit beneath an upazila.
type Union struct {
	Code string `json:"UnionCode"`
	Name string `json:"UnionName"`
}

// Item is one commodity from the reporting catalog.
type Item struct {
	Code string `json:"itemCode"`
	Name string `json:"itemName"`
}
