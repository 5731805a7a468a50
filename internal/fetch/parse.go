package fetch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/dgfp-lmis/stock-crawler/internal/stock"
)

var tagPattern = regexp.MustCompile(`<[^>]+>`)

// stripTags removes markup the portal embeds inside cell values.
func stripTags(s string) string {
	return strings.TrimSpace(tagPattern.ReplaceAllString(s, ""))
}

// cellString renders one aaData cell, which may arrive as a string or a bare
// JSON number.
func cellString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return stripTags(val)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", val))
	}
}

func isGrandTotalRow(serial, facility string) bool {
	return serial == "" && strings.Contains(facility, "Grand Total")
}

// parseAAData converts the DataTables-style JSON payload into records. A
// payload with an empty aaData array is a legitimate empty month, not an
// error.
func parseAAData(body []byte) ([]stock.Record, error) {
	var payload struct {
		AAData [][]any `json:"aaData"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("decode aaData payload: %w", err)
	}
	if payload.AAData == nil {
		return nil, fmt.Errorf("response has no aaData field")
	}

	records := make([]stock.Record, 0, len(payload.AAData))
	for _, row := range payload.AAData {
		cells := make([]string, 13)
		for i := 0; i < len(cells) && i < len(row); i++ {
			cells[i] = cellString(row[i])
		}
		if isGrandTotalRow(cells[0], cells[1]) {
			continue
		}
		eligible := false
		if len(row) > 12 {
			eligible = strings.Contains(fmt.Sprintf("%v", row[12]), "tick.png")
		}
		records = append(records, rowToRecord(cells, eligible))
	}
	return records, nil
}

func rowToRecord(cells []string, eligible bool) stock.Record {
	return stock.Record{
		Serial:         cells[0],
		Facility:       cells[1],
		OpeningBalance: cells[2],
		Received:       cells[3],
		Total:          cells[4],
		AdjPlus:        cells[5],
		AdjMinus:       cells[6],
		GrandTotal:     cells[7],
		Distribution:   cells[8],
		ClosingBalance: cells[9],
		StockOutReason: cells[10],
		StockOutDays:   cells[11],
		Eligible:       eligible,
	}
}

// parseDataTable scrapes the rendered report page, the fallback when the
// AJAX endpoint misbehaves. Missing trailing cells map to empty strings
// rather than failing the unit.
func parseDataTable(body []byte) ([]stock.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	table := doc.Find("table#example").First()
	if table.Length() == 0 {
		// Any table with a proper header/body split and enough columns.
		doc.Find("table").EachWithBreak(func(_ int, t *goquery.Selection) bool {
			if t.Find("thead").Length() > 0 && t.Find("tbody").Length() > 0 && t.Find("th").Length() > 5 {
				table = t
				return false
			}
			return true
		})
	}
	if table.Length() == 0 {
		return nil, fmt.Errorf("no data table in response")
	}

	var records []stock.Record
	table.Find("tbody tr").Each(func(_ int, tr *goquery.Selection) {
		if strings.Contains(tr.Text(), "Grand Total") {
			return
		}
		tds := tr.Find("td")
		if tds.Length() < 8 {
			return
		}
		cells := make([]string, 13)
		tds.Each(func(i int, td *goquery.Selection) {
			if i < len(cells) {
				cells[i] = strings.TrimSpace(td.Text())
			}
		})
		eligible := true
		if tds.Length() > 12 {
			if html, err := tds.Eq(12).Html(); err == nil && html != "" {
				eligible = strings.Contains(html, "tick.png")
			}
		}
		records = append(records, rowToRecord(cells, eligible))
	})

	if records == nil {
		records = []stock.Record{}
	}
	return records, nil
}

// parseItemTabs extracts the per-union commodity tab buttons.
func parseItemTabs(body []byte) ([]stock.Item, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, &stock.ParseError{Strategy: "item-tabs", Err: err}
	}
	var items []stock.Item
	doc.Find("button").Each(func(_ int, btn *goquery.Selection) {
		code, ok := btn.Attr("id")
		if !ok || code == "" {
			return
		}
		items = append(items, stock.Item{
			Code: code,
			Name: strings.TrimSpace(btn.Text()),
		})
	})
	return items, nil
}
