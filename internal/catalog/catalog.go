// Package catalog carries the fixed commodity and warehouse reference data
// for the DGFP reporting portal. The portal exposes no reliable discovery
// endpoint for either list, so both are pinned here and the warehouse list
// doubles as the fallback when the report form cannot be scraped.
package catalog

import (
	"fmt"
	"strings"

	"github.com/dgfp-lmis/stock-crawler/internal/stock"
)

// Warehouse is a regional distribution center, the root of the location
// hierarchy.
type Warehouse struct {
	ID       string
	Name     string
	District string
}

// Items is the fixed catalog of twelve commodity codes every crawl covers.
// CON008+CON010 is a composite the portal computes server-side.
var Items = []stock.Item{
	{Code: "CON008", Name: "Shukhi"},
	{Code: "CON010", Name: "Shukhi (3rd Gen)"},
	{Code: "CON008+CON010", Name: "Oral Pill (Total)"},
	{Code: "CON009", Name: "Oral Pill Apon"},
	{Code: "CON002", Name: "Condom"},
	{Code: "CON006", Name: "Injectables (Vials)"},
	{Code: "CON001", Name: "AD Syringe (1ML)"},
	{Code: "CON003", Name: "ECP"},
	{Code: "MCH021", Name: "Tab. Misoprostol (Dose)"},
	{Code: "MCH051", Name: "7.1% CHLOROHEXIDINE"},
	{Code: "MCH012", Name: "MNP(SUSSET)"},
	{Code: "MCH018", Name: "Iron-Folic Acid (NOS)"},
}

// Warehouses lists every known warehouse with its district.
var Warehouses = []Warehouse{
	{ID: "WH-011", Name: "Bandarban RWH", District: "Bandarban"},
	{ID: "WH-022", Name: "Barishal RWH", District: "Barishal"},
	{ID: "WH-001", Name: "Bhola RWH", District: "Bhola"},
	{ID: "WH-018", Name: "Bogura RWH", District: "Bogura"},
	{ID: "WH-019", Name: "Chattogram RWH", District: "Chattogram"},
	{ID: "WH-020", Name: "Cox's Bazar RWH", District: "Cox's Bazar"},
	{ID: "WH-014", Name: "Cumilla RWH", District: "Cumilla"},
	{ID: "WH-002", Name: "Dhaka CWH", District: "Dhaka"},
	{ID: "WH-021", Name: "Dinajpur RWH", District: "Dinajpur"},
	{ID: "WH-003", Name: "Faridpur RWH", District: "Faridpur"},
	{ID: "WH-004", Name: "Jamalpur RWH", District: "Jamalpur"},
	{ID: "WH-005", Name: "Jashore RWH", District: "Jashore"},
	{ID: "WH-006", Name: "Khulna RWH", District: "Khulna"},
	{ID: "WH-007", Name: "Kushtia RWH", District: "Kushtia"},
	{ID: "WH-008", Name: "Mymensingh RWH", District: "Mymensingh"},
	{ID: "WH-009", Name: "Noakhali RWH", District: "Noakhali"},
	{ID: "WH-010", Name: "Pabna RWH", District: "Pabna"},
	{ID: "WH-012", Name: "Patuakhali RWH", District: "Patuakhali"},
	{ID: "WH-013", Name: "Rajshahi RWH", District: "Rajshahi"},
	{ID: "WH-015", Name: "Rangamati RWH", District: "Rangamati"},
	{ID: "WH-016", Name: "Rangpur RWH", District: "Rangpur"},
	{ID: "WH-017", Name: "Sylhet RWH", District: "Sylhet"},
	{ID: "WH-023", Name: "Tangail RWH", District: "Tangail"},
}

// CleanName undoes the HTML entity encoding the portal applies to names with
// apostrophes (e.g. Cox&#039;s Bazar).
func CleanName(name string) string {
	return strings.ReplaceAll(name, "&#039;", "'")
}

// District resolves a warehouse name to its district, or "" when unknown.
func District(warehouseName string) string {
	name := CleanName(warehouseName)
	for _, wh := range Warehouses {
		if wh.Name == name {
			return wh.District
		}
	}
	return ""
}

// FindWarehouse resolves a user-supplied warehouse query. Matching tries, in
// order: exact ID, partial ID (so "11" selects "WH-011"), then
// case-insensitive name substring.
func FindWarehouse(query string) (Warehouse, error) {
	q := strings.TrimSpace(query)
	if q == "" {
		return Warehouse{}, fmt.Errorf("empty warehouse query")
	}
	for _, wh := range Warehouses {
		if wh.ID == q {
			return wh, nil
		}
	}
	for _, wh := range Warehouses {
		if strings.Contains(wh.ID, q) {
			return wh, nil
		}
	}
	lower := strings.ToLower(q)
	for _, wh := range Warehouses {
		if strings.Contains(strings.ToLower(wh.Name), lower) {
			return wh, nil
		}
	}
	return Warehouse{}, fmt.Errorf("warehouse %q not found", query)
}
