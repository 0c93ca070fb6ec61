package extractor

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var datePattern = regexp.MustCompile(`\b(\d{1,4})[-/.](\d{1,2})[-/.](\d{1,4})\b`)

const (
	minYear = 1900
	maxYear = 2100
)

// NormalizeDate converts DD-MM-YYYY, DD/MM/YYYY, YYYY-MM-DD or YYYY/MM/DD
// (dots accepted as separators) into YYYY-MM-DD. The first date-like token in
// s is used. It returns "" when no valid calendar date is present.
func NormalizeDate(s string) string {
	m := datePattern.FindStringSubmatch(NormalizeDigits(s))
	if m == nil {
		return ""
	}

	var ys, ms, ds string
	switch {
	case len(m[1]) == 4:
		ys, ms, ds = m[1], m[2], m[3]
	case len(m[3]) == 4:
		ds, ms, ys = m[1], m[2], m[3]
	default:
		return ""
	}
	if len(ds) > 2 {
		return ""
	}

	year, _ := strconv.Atoi(ys)
	month, _ := strconv.Atoi(ms)
	day, _ := strconv.Atoi(ds)
	if year < minYear || year > maxYear || month < 1 || month > 12 || day < 1 {
		return ""
	}

	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	if t.Day() != day || int(t.Month()) != month {
		return ""
	}
	return fmt.Sprintf("%04d-%02d-%02d", year, month, day)
}
