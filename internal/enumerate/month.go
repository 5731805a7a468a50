package enumerate

import (
	"fmt"
	"regexp"
	"strconv"
)

var monthPattern = regexp.MustCompile(`^(\d{4})-(\d{2})$`)

// YearMonth is one reporting month.
type YearMonth struct {
	Year  int
	Month int
}

// ParseYearMonth parses a YYYY-MM argument.
func ParseYearMonth(s string) (YearMonth, error) {
	m := monthPattern.FindStringSubmatch(s)
	if m == nil {
		return YearMonth{}, fmt.Errorf("invalid month %q: want YYYY-MM", s)
	}
	year, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	if month < 1 || month > 12 {
		return YearMonth{}, fmt.Errorf("invalid month %q: month must be 01-12", s)
	}
	return YearMonth{Year: year, Month: month}, nil
}

// String renders the YYYY-MM form.
func (ym YearMonth) String() string {
	return fmt.Sprintf("%04d-%02d", ym.Year, ym.Month)
}

// YearString returns the 4-digit year component.
func (ym YearMonth) YearString() string {
	return fmt.Sprintf("%04d", ym.Year)
}

// MonthString returns the zero-padded month component.
func (ym YearMonth) MonthString() string {
	return fmt.Sprintf("%02d", ym.Month)
}

// Before reports whether ym precedes other.
func (ym YearMonth) Before(other YearMonth) bool {
	if ym.Year != other.Year {
		return ym.Year < other.Year
	}
	return ym.Month < other.Month
}

// Next returns the following month.
func (ym YearMonth) Next() YearMonth {
	if ym.Month == 12 {
		return YearMonth{Year: ym.Year + 1, Month: 1}
	}
	return YearMonth{Year: ym.Year, Month: ym.Month + 1}
}

// MonthsBetween expands the inclusive [start, end] range in order.
func MonthsBetween(start, end YearMonth) []YearMonth {
	var months []YearMonth
	for cur := start; !end.Before(cur); cur = cur.Next() {
		months = append(months, cur)
	}
	return months
}
