package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const DateLayout = "2006-01-02"

// DailyColumns is the header of a station-year cache file.
var DailyColumns = []string{
	"year", "month", "day", "doy", "date",
	ColRadn, ColMaxT, ColMinT, ColTAvg, ColHumid, ColRain, ColSunHours, ColWind, ColET0,
	"latitude", "longitude", "altitude",
}

// ForecastColumns is the header of a forecast slot cache file.
var ForecastColumns = []string{
	"baseDate", "baseTime", "category", "fcstDate", "fcstTime", "fcstValue",
	"nx", "ny", "longitude", "latitude",
}

// FormatFloat renders v for a CSV cell. NaN becomes an empty cell.
func FormatFloat(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseFloat reads a CSV or API cell. Empty and unparseable values are NaN.
func ParseFloat(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return math.NaN()
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}

// CSVRecord returns the record's cells in DailyColumns order.
func (r DailyRecord) CSVRecord() []string {
	return []string{
		strconv.Itoa(r.Year()),
		strconv.Itoa(r.Month()),
		strconv.Itoa(r.Day()),
		strconv.Itoa(r.DOY()),
		r.Date.Format(DateLayout),
		FormatFloat(r.Radn),
		FormatFloat(r.MaxT),
		FormatFloat(r.MinT),
		FormatFloat(r.TAvg),
		FormatFloat(r.Humid),
		FormatFloat(r.Rain),
		FormatFloat(r.SunHours),
		FormatFloat(r.Wind),
		FormatFloat(r.ET0),
		FormatFloat(r.Latitude),
		FormatFloat(r.Longitude),
		FormatFloat(r.Altitude),
	}
}

// ParseDailyRecords decodes cache file rows. Columns are located by name so
// files written before a column was added still load, with that column NaN.
// Rows whose date cannot be determined are skipped and counted.
func ParseDailyRecords(header []string, rows [][]string) ([]DailyRecord, int, error) {
	idx := indexColumns(header)
	_, hasDate := idx["date"]
	_, hasYear := idx["year"]
	if !hasDate && !hasYear {
		return nil, 0, fmt.Errorf("no date or year column in header %v", header)
	}

	records := make([]DailyRecord, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		date, ok := rowDate(idx, row)
		if !ok {
			skipped++
			continue
		}
		rec := NewDailyRecord(date)
		for _, col := range MeasurementColumns {
			if i, ok := idx[col]; ok && i < len(row) {
				*rec.Field(col) = ParseFloat(row[i])
			}
		}
		rec.Latitude = cellFloat(idx, row, "latitude")
		rec.Longitude = cellFloat(idx, row, "longitude")
		rec.Altitude = cellFloat(idx, row, "altitude")
		records = append(records, rec)
	}
	return records, skipped, nil
}

func rowDate(idx map[string]int, row []string) (time.Time, bool) {
	if i, ok := idx["date"]; ok && i < len(row) {
		// Older files carry a timestamp suffix; only the date part matters.
		s := strings.TrimSpace(row[i])
		if len(s) >= len(DateLayout) {
			if t, err := time.Parse(DateLayout, s[:len(DateLayout)]); err == nil {
				return t, true
			}
		}
	}
	y, m, d := cellFloat(idx, row, "year"), cellFloat(idx, row, "month"), cellFloat(idx, row, "day")
	if math.IsNaN(y) || math.IsNaN(m) || math.IsNaN(d) {
		return time.Time{}, false
	}
	t := time.Date(int(y), time.Month(int(m)), int(d), 0, 0, 0, 0, time.UTC)
	if t.Month() != time.Month(int(m)) {
		return time.Time{}, false
	}
	return t, true
}

// CSVRecord returns the item's cells in ForecastColumns order.
func (f ForecastItem) CSVRecord() []string {
	return []string{
		f.BaseDate,
		f.BaseTime,
		f.Category,
		f.FcstDate,
		f.FcstTime,
		f.FcstValue,
		strconv.Itoa(f.NX),
		strconv.Itoa(f.NY),
		FormatFloat(f.Longitude),
		FormatFloat(f.Latitude),
	}
}

// ParseForecastItems decodes forecast cache file rows.
func ParseForecastItems(header []string, rows [][]string) ([]ForecastItem, error) {
	idx := indexColumns(header)
	for _, col := range []string{"baseDate", "baseTime", "category", "fcstDate", "fcstTime", "fcstValue", "nx", "ny"} {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	items := make([]ForecastItem, 0, len(rows))
	for n, row := range rows {
		if len(row) < len(idx) {
			return nil, fmt.Errorf("row %d: %d cells, want %d", n+1, len(row), len(idx))
		}
		nx, err := strconv.Atoi(row[idx["nx"]])
		if err != nil {
			return nil, fmt.Errorf("row %d: nx: %w", n+1, err)
		}
		ny, err := strconv.Atoi(row[idx["ny"]])
		if err != nil {
			return nil, fmt.Errorf("row %d: ny: %w", n+1, err)
		}
		items = append(items, ForecastItem{
			BaseDate:  row[idx["baseDate"]],
			BaseTime:  PadHHMM(row[idx["baseTime"]]),
			Category:  row[idx["category"]],
			FcstDate:  row[idx["fcstDate"]],
			FcstTime:  PadHHMM(row[idx["fcstTime"]]),
			FcstValue: row[idx["fcstValue"]],
			NX:        nx,
			NY:        ny,
			Longitude: cellFloat(idx, row, "longitude"),
			Latitude:  cellFloat(idx, row, "latitude"),
		})
	}
	return items, nil
}

// PadHHMM left-pads a time of day to four digits ("200" -> "0200").
func PadHHMM(s string) string {
	s = strings.TrimSpace(s)
	for len(s) < 4 {
		s = "0" + s
	}
	return s
}

func indexColumns(header []string) map[string]int {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(name)] = i
	}
	return idx
}

func cellFloat(idx map[string]int, row []string, col string) float64 {
	i, ok := idx[col]
	if !ok || i >= len(row) {
		return math.NaN()
	}
	return ParseFloat(row[i])
}
