package ingest

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/lox/wxcache/internal/cachefs"
	"github.com/lox/wxcache/internal/models"
)

// ForecastKind selects the short-term or ultra-short-term grid forecast.
type ForecastKind string

const (
	KindShort ForecastKind = "short"
	KindUltra ForecastKind = "ultra"

	DefaultShortEndpoint = "http://apis.data.go.kr/1360000/VilageFcstInfoService_2.0/getVilageFcst"
	DefaultUltraEndpoint = "http://apis.data.go.kr/1360000/VilageFcstInfoService_2.0/getUltraSrtFcst"
)

// ShortTermBaseHours are the publication hours of the short-term forecast.
var ShortTermBaseHours = []int{2, 5, 8, 11, 14, 17, 20, 23}

// ParseForecastKind accepts "short", "short_term", "ultra" and "ultra_short".
func ParseForecastKind(s string) (ForecastKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "short", "short_term":
		return KindShort, nil
	case "ultra", "ultra_short":
		return KindUltra, nil
	}
	return "", fmt.Errorf("unknown forecast kind %q", s)
}

func (k ForecastKind) Source() string {
	return "forecast_" + string(k)
}

// Suffix is appended to the monthly merge file name.
func (k ForecastKind) Suffix() string {
	if k == KindUltra {
		return "_ultra"
	}
	return "_short_term"
}

// Slot is a forecast publication slot.
type Slot struct {
	BaseDate string // YYYYMMDD
	BaseTime string // HHMM
}

func (s Slot) ID() string {
	return s.BaseDate + "/" + s.BaseTime
}

// YearMonth returns the calendar month of the base date.
func (s Slot) YearMonth() (int, int, error) {
	t, err := time.Parse("20060102", s.BaseDate)
	if err != nil {
		return 0, 0, fmt.Errorf("base date %q: %w", s.BaseDate, err)
	}
	return t.Year(), int(t.Month()), nil
}

// Validate checks the slot format and, for the short-term forecast, that
// the base time is a publication hour.
func (s Slot) Validate(kind ForecastKind) error {
	if _, _, err := s.YearMonth(); err != nil {
		return err
	}
	t, err := time.Parse("1504", s.BaseTime)
	if err != nil || len(s.BaseTime) != 4 {
		return fmt.Errorf("base time %q is not HHMM", s.BaseTime)
	}
	if t.Minute() != 0 {
		return fmt.Errorf("base time %q is not on the hour", s.BaseTime)
	}
	if kind == KindShort && !isShortTermHour(t.Hour()) {
		return fmt.Errorf("base time %q is not a short-term publication hour", s.BaseTime)
	}
	return nil
}

// ShortTermSlot returns the latest short-term slot at or before now's hour.
// Before 02:00 it is 2300 of the previous day.
func ShortTermSlot(now time.Time) Slot {
	now = now.In(KST)
	for i := len(ShortTermBaseHours) - 1; i >= 0; i-- {
		if now.Hour() >= ShortTermBaseHours[i] {
			return Slot{BaseDate: now.Format("20060102"), BaseTime: fmt.Sprintf("%02d00", ShortTermBaseHours[i])}
		}
	}
	return Slot{BaseDate: now.AddDate(0, 0, -1).Format("20060102"), BaseTime: "2300"}
}

// UltraShortSlot returns the current hour once it is ten minutes past,
// otherwise the previous hour.
func UltraShortSlot(now time.Time) Slot {
	now = now.In(KST)
	if now.Minute() < 10 {
		now = now.Add(-time.Hour)
	}
	return Slot{BaseDate: now.Format("20060102"), BaseTime: fmt.Sprintf("%02d00", now.Hour())}
}

func isShortTermHour(h int) bool {
	for _, b := range ShortTermBaseHours {
		if b == h {
			return true
		}
	}
	return false
}

// ForecastConfig parameterises the grid forecast pipeline.
type ForecastConfig struct {
	Kind       ForecastKind
	Endpoint   string
	PageSize   int
	Categories []string
	// Expected is the number of kept rows in a complete response.
	Expected int
}

func DefaultForecastConfig(kind ForecastKind) ForecastConfig {
	cfg := ForecastConfig{
		Kind:       kind,
		PageSize:   1000,
		Categories: []string{"SKY"},
	}
	if kind == KindUltra {
		cfg.Endpoint = DefaultUltraEndpoint
		cfg.Expected = 6
	} else {
		cfg.Endpoint = DefaultShortEndpoint
		cfg.Expected = 72
	}
	return cfg
}

// Forecast builds grid-cell tasks for one forecast kind.
type Forecast struct {
	cfg    ForecastConfig
	keep   map[string]bool
	layout cachefs.Layout
	clock  clockwork.Clock
	log    logrus.FieldLogger
}

func NewForecast(cfg ForecastConfig, layout cachefs.Layout, clock clockwork.Clock, log logrus.FieldLogger) *Forecast {
	def := DefaultForecastConfig(cfg.Kind)
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if len(cfg.Categories) == 0 {
		cfg.Categories = def.Categories
	}
	keep := make(map[string]bool, len(cfg.Categories))
	for _, c := range cfg.Categories {
		keep[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	return &Forecast{cfg: cfg, keep: keep, layout: layout, clock: clock, log: log.WithField("kind", cfg.Kind)}
}

func (f *Forecast) Kind() ForecastKind {
	return f.cfg.Kind
}

// CurrentSlot is the slot to collect now.
func (f *Forecast) CurrentSlot() Slot {
	if f.cfg.Kind == KindUltra {
		return UltraShortSlot(f.clock.Now())
	}
	return ShortTermSlot(f.clock.Now())
}

// ShouldCollect gates collection: the short-term forecast is only
// collected during a publication hour, the ultra-short one always.
func (f *Forecast) ShouldCollect() bool {
	if f.cfg.Kind == KindUltra {
		return true
	}
	return isShortTermHour(f.clock.Now().In(KST).Hour())
}

// Tasks returns one task per grid cell for slot.
func (f *Forecast) Tasks(cells []models.GridCell, slot Slot) []Task {
	tasks := make([]Task, 0, len(cells))
	for _, cell := range cells {
		cell := cell
		tasks = append(tasks, Task{
			Source:   f.cfg.Kind.Source(),
			Endpoint: f.cfg.Endpoint,
			EntityID: cell.ID(),
			WindowID: slot.ID(),
			Path:     f.layout.ForecastSlot(string(f.cfg.Kind), slot.BaseDate, slot.BaseTime, cell.NX, cell.NY),
			Params: url.Values{
				"numOfRows": {strconv.Itoa(f.cfg.PageSize)},
				"base_date": {slot.BaseDate},
				"base_time": {slot.BaseTime},
				"nx":        {strconv.Itoa(cell.NX)},
				"ny":        {strconv.Itoa(cell.NY)},
			},
			Expected: f.cfg.Expected,
			Fields:   logrus.Fields{"nx": cell.NX, "ny": cell.NY, "base": slot.ID()},
			Transform: func(items []gjson.Result) (Table, error) {
				kept, err := f.Transform(cell, items)
				if err != nil {
					return Table{}, err
				}
				return forecastTable(kept), nil
			},
		})
	}
	return tasks
}

// Transform keeps the configured categories and attaches the cell's
// coordinates.
func (f *Forecast) Transform(cell models.GridCell, items []gjson.Result) ([]models.ForecastItem, error) {
	var kept []models.ForecastItem
	for _, item := range items {
		category := item.Get("category")
		if !category.Exists() {
			return nil, fmt.Errorf("item without category: %s", truncateBody([]byte(item.Raw)))
		}
		if !f.keep[category.String()] {
			continue
		}
		fi := models.ForecastItem{
			BaseDate:  item.Get("baseDate").String(),
			BaseTime:  models.PadHHMM(item.Get("baseTime").String()),
			Category:  category.String(),
			FcstDate:  item.Get("fcstDate").String(),
			FcstTime:  models.PadHHMM(item.Get("fcstTime").String()),
			FcstValue: item.Get("fcstValue").String(),
			NX:        cell.NX,
			NY:        cell.NY,
			Longitude: cell.Longitude,
			Latitude:  cell.Latitude,
		}
		if v := item.Get("nx"); v.Exists() {
			fi.NX = int(v.Int())
		}
		if v := item.Get("ny"); v.Exists() {
			fi.NY = int(v.Int())
		}
		kept = append(kept, fi)
	}
	sortForecast(kept)
	return kept, nil
}

// MergeMonth rebuilds the monthly file from every cached slot whose base
// date falls in the month. It returns the file path and row count; a month
// with no cached slots writes nothing.
func (f *Forecast) MergeMonth(year, month int) (string, int, error) {
	kind := string(f.cfg.Kind)
	out := f.layout.ForecastMonthly(f.cfg.Kind.Suffix(), year, month)

	days, err := f.layout.ForecastDays(kind)
	if err != nil {
		return out, 0, fmt.Errorf("list forecast days: %w", err)
	}
	prefix := fmt.Sprintf("%04d%02d", year, month)

	seen := make(map[string]bool)
	var merged []models.ForecastItem
	for _, day := range days {
		if !strings.HasPrefix(day, prefix) {
			continue
		}
		files, err := f.layout.ForecastFiles(kind, day)
		if err != nil {
			return out, 0, fmt.Errorf("list %s: %w", day, err)
		}
		for _, file := range files {
			header, rows, err := cachefs.ReadCSV(file)
			if err != nil {
				f.log.WithError(err).WithField("path", file).Warn("forecast: unreadable slot file skipped")
				continue
			}
			items, err := models.ParseForecastItems(header, rows)
			if err != nil {
				f.log.WithError(err).WithField("path", file).Warn("forecast: unreadable slot file skipped")
				continue
			}
			for _, it := range items {
				if k := it.Key(); !seen[k] {
					seen[k] = true
					merged = append(merged, it)
				}
			}
		}
	}
	if len(merged) == 0 {
		return out, 0, nil
	}

	sortForecast(merged)
	if err := cachefs.WriteCSV(out, models.ForecastColumns, forecastTable(merged).Rows); err != nil {
		return out, 0, err
	}
	return out, len(merged), nil
}

func sortForecast(items []models.ForecastItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.BaseDate != b.BaseDate {
			return a.BaseDate < b.BaseDate
		}
		if a.BaseTime != b.BaseTime {
			return a.BaseTime < b.BaseTime
		}
		if a.NX != b.NX {
			return a.NX < b.NX
		}
		if a.NY != b.NY {
			return a.NY < b.NY
		}
		if a.FcstDate != b.FcstDate {
			return a.FcstDate < b.FcstDate
		}
		if a.FcstTime != b.FcstTime {
			return a.FcstTime < b.FcstTime
		}
		return a.Category < b.Category
	})
}

func forecastTable(items []models.ForecastItem) Table {
	rows := make([][]string, len(items))
	for i, it := range items {
		rows[i] = it.CSVRecord()
	}
	return Table{Header: models.ForecastColumns, Rows: rows}
}
