// Package aggregate reduces cached station days into monthly and ISO-weekly
// period summaries.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lox/wxcache/internal/cachefs"
	"github.com/lox/wxcache/internal/metrics"
	"github.com/lox/wxcache/internal/models"
)

const (
	Monthly = "monthly"
	Weekly  = "weekly"
)

// Thresholds configures the count and band columns.
type Thresholds struct {
	// RainMore counts days with rain strictly above each threshold (mm).
	RainMore []float64
	// TAvgLess counts and sums days with tavg at or below each threshold.
	TAvgLess []float64
	// TAvgMore counts and sums days with tavg at or above each threshold.
	TAvgMore []float64
	// BandLow and BandHigh bound the tavg_10_30_between_sum column, inclusive.
	BandLow, BandHigh float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		RainMore: []float64{10, 30, 50, 70, 90, 110},
		TAvgLess: []float64{5, 10},
		TAvgMore: []float64{15, 20, 25, 30, 35, 40},
		BandLow:  10,
		BandHigh: 30,
	}
}

// Aggregator reads station-year cache files and writes summary files.
type Aggregator struct {
	layout cachefs.Layout
	out    string
	th     Thresholds
	log    logrus.FieldLogger
}

func New(layout cachefs.Layout, outRoot string, th Thresholds, log logrus.FieldLogger) *Aggregator {
	return &Aggregator{layout: layout, out: outRoot, th: th, log: log}
}

// Result counts the work done by Run.
type Result struct {
	Stations     int
	FilesWritten int
	MissingFiles int
}

// Run recomputes both summary files for every station from scratch.
func (a *Aggregator) Run(ctx context.Context, stations []models.Station, startYear, endYear int) (Result, error) {
	var res Result
	if endYear < startYear {
		return res, fmt.Errorf("end year %d before start year %d", endYear, startYear)
	}
	for _, st := range stations {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		log := a.log.WithFields(logrus.Fields{"station": st.StationID, "name": st.Name})

		records, missing := a.Load(st, startYear, endYear)
		res.MissingFiles += missing
		// Weekly groups need the first days of end+1 for the last ISO week.
		// It is usually not collected yet.
		if next, err := a.loadYear(st, endYear+1); err == nil {
			records = mergeDays(records, next)
		} else {
			log.WithError(err).WithField("year", endYear+1).Debug("aggregate: no data for the following year")
		}
		res.Stations++

		monthly := MonthlySummaries(filterYears(records, startYear, endYear), a.th)
		weekly := WeeklySummaries(records, a.th, startYear, endYear)
		for _, w := range weekly {
			if w.Days != 7 {
				log.WithFields(logrus.Fields{"year": w.Year, "week": w.Period, "days": w.Days}).
					Debug("aggregate: incomplete ISO week kept")
			}
		}

		for _, out := range []struct {
			period string
			rows   []models.PeriodSummary
		}{{Monthly, monthly}, {Weekly, weekly}} {
			if len(out.rows) == 0 {
				log.WithField("period", out.period).Warn("aggregate: no cached days, nothing written")
				continue
			}
			path := cachefs.Summary(a.out, st.StationID, st.Name, out.period)
			if err := cachefs.WriteCSV(path, Header(out.period, a.th), Rows(out.rows, a.th)); err != nil {
				log.WithError(err).WithField("path", path).Error("aggregate: write summary")
				continue
			}
			res.FilesWritten++
			metrics.SummaryFilesWritten.WithLabelValues(out.period).Inc()
			log.WithFields(logrus.Fields{"path": path, "rows": len(out.rows)}).Info("aggregate: summary written")
		}
	}
	return res, nil
}

// Load reads the station's cache files for the year range, ordered by date
// with duplicate dates dropped. Missing files are logged and counted.
func (a *Aggregator) Load(st models.Station, startYear, endYear int) ([]models.DailyRecord, int) {
	var (
		records []models.DailyRecord
		missing int
	)
	for y := startYear; y <= endYear; y++ {
		path := a.layout.StationYear(st.StationID, st.Name, y)
		recs, err := a.loadYear(st, y)
		if errors.Is(err, fs.ErrNotExist) {
			a.log.WithField("path", path).Warn("aggregate: cache file not found")
			missing++
			continue
		}
		if err != nil {
			a.log.WithError(err).WithField("path", path).Warn("aggregate: unreadable cache file skipped")
			missing++
			continue
		}
		records = append(records, recs...)
	}
	return mergeDays(records), missing
}

func (a *Aggregator) loadYear(st models.Station, year int) ([]models.DailyRecord, error) {
	path := a.layout.StationYear(st.StationID, st.Name, year)
	header, rows, err := cachefs.ReadCSV(path)
	if err != nil {
		return nil, err
	}
	recs, skipped, err := models.ParseDailyRecords(header, rows)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		a.log.WithFields(logrus.Fields{"path": path, "skipped": skipped}).Warn("aggregate: rows without a date skipped")
	}
	return recs, nil
}

// mergeDays orders days by date and keeps the first record of each date.
func mergeDays(sets ...[]models.DailyRecord) []models.DailyRecord {
	var records []models.DailyRecord
	for _, set := range sets {
		records = append(records, set...)
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Date.Before(records[j].Date) })
	out := records[:0]
	for i, r := range records {
		if i > 0 && r.Date.Equal(out[len(out)-1].Date) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func filterYears(records []models.DailyRecord, startYear, endYear int) []models.DailyRecord {
	var out []models.DailyRecord
	for _, r := range records {
		if y := r.Year(); y >= startYear && y <= endYear {
			out = append(out, r)
		}
	}
	return out
}

type groupKey struct{ year, period int }

// group splits date-ordered records into consecutive runs sharing a key.
func group(records []models.DailyRecord, key func(time.Time) groupKey) ([]groupKey, map[groupKey][]models.DailyRecord) {
	var order []groupKey
	groups := make(map[groupKey][]models.DailyRecord)
	for _, r := range records {
		k := key(r.Date)
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], r)
	}
	return order, groups
}

// MonthlySummaries groups records by calendar (year, month).
func MonthlySummaries(records []models.DailyRecord, th Thresholds) []models.PeriodSummary {
	order, groups := group(records, func(t time.Time) groupKey {
		return groupKey{t.Year(), int(t.Month())}
	})
	out := make([]models.PeriodSummary, 0, len(order))
	for _, k := range order {
		out = append(out, Summarise(k.year, k.period, groups[k], th))
	}
	return out
}

// WeeklySummaries groups records by ISO (year, week) and keeps the weeks
// whose ISO year is in [startYear, endYear]. A late-December day can belong
// to week 1 of the following ISO year and an early-January day to the last
// week of the previous one.
func WeeklySummaries(records []models.DailyRecord, th Thresholds, startYear, endYear int) []models.PeriodSummary {
	order, groups := group(records, func(t time.Time) groupKey {
		y, w := t.ISOWeek()
		return groupKey{y, w}
	})
	var out []models.PeriodSummary
	for _, k := range order {
		if k.year < startYear || k.year > endYear {
			continue
		}
		out = append(out, Summarise(k.year, k.period, groups[k], th))
	}
	return out
}

// Summarise reduces one group. Means skip missing values; sums treat them
// as zero.
func Summarise(year, period int, days []models.DailyRecord, th Thresholds) models.PeriodSummary {
	s := models.PeriodSummary{
		Year:   year,
		Period: period,
		Days:   len(days),
	}
	if len(days) > 0 {
		s.DOY = days[0].DOY()
	}

	var tavg, tmin, tmax, humid, wind mean
	for _, d := range days {
		if d.Rain > 0 {
			s.RainyDays++
		}
		s.TotalRain += zero(d.Rain)
		s.SunHoursSum += zero(d.SunHours)
		s.RadnSum += zero(d.Radn)
		tavg.add(d.TAvg)
		tmin.add(d.MinT)
		tmax.add(d.MaxT)
		humid.add(d.Humid)
		wind.add(d.Wind)
		if d.TAvg >= th.BandLow && d.TAvg <= th.BandHigh {
			s.TAvgBandSum += d.TAvg
		}
	}
	s.TAvg, s.TMinAvg, s.TMaxAvg = tavg.value(), tmin.value(), tmax.value()
	s.HumidAvg, s.WindAvg = humid.value(), wind.value()

	for _, t := range th.RainMore {
		c := models.Count{Threshold: t}
		for _, d := range days {
			if d.Rain > t {
				c.Days++
			}
		}
		s.RainMore = append(s.RainMore, c)
	}
	for _, t := range th.TAvgLess {
		b := models.Band{Threshold: t}
		for _, d := range days {
			if d.TAvg <= t {
				b.Days++
				b.Sum += d.TAvg
			}
		}
		s.TAvgLess = append(s.TAvgLess, b)
	}
	for _, t := range th.TAvgMore {
		b := models.Band{Threshold: t}
		for _, d := range days {
			if d.TAvg >= t {
				b.Days++
				b.Sum += d.TAvg
			}
		}
		s.TAvgMore = append(s.TAvgMore, b)
	}
	return s
}

// Header returns the column names of a summary file.
func Header(period string, th Thresholds) []string {
	periodCol := "month"
	if period == Weekly {
		periodCol = "week"
	}
	h := []string{
		"year", periodCol, "doy", "days",
		"rainy_day", "total_rain", "tavg", "tmin_avg", "tmax_avg",
		fmt.Sprintf("tavg_%s_%s_between_sum", label(th.BandLow), label(th.BandHigh)),
		"humid_avg", "wind_avg", "sunhours_sum", "radn_sum",
	}
	for _, t := range th.RainMore {
		h = append(h, "rain_more_"+label(t))
	}
	for _, t := range th.TAvgLess {
		h = append(h, "tavg_less_"+label(t)+"_count", "tavg_less_"+label(t)+"_sum")
	}
	for _, t := range th.TAvgMore {
		h = append(h, "tavg_more_"+label(t)+"_count", "tavg_more_"+label(t)+"_sum")
	}
	return h
}

// Rows renders summaries in Header order.
func Rows(summaries []models.PeriodSummary, th Thresholds) [][]string {
	rows := make([][]string, len(summaries))
	for i, s := range summaries {
		row := []string{
			strconv.Itoa(s.Year),
			strconv.Itoa(s.Period),
			strconv.Itoa(s.DOY),
			strconv.Itoa(s.Days),
			strconv.Itoa(s.RainyDays),
			num(s.TotalRain),
			num(s.TAvg),
			num(s.TMinAvg),
			num(s.TMaxAvg),
			num(s.TAvgBandSum),
			num(s.HumidAvg),
			num(s.WindAvg),
			num(s.SunHoursSum),
			num(s.RadnSum),
		}
		for _, c := range s.RainMore {
			row = append(row, strconv.Itoa(c.Days))
		}
		for _, b := range s.TAvgLess {
			row = append(row, strconv.Itoa(b.Days), num(b.Sum))
		}
		for _, b := range s.TAvgMore {
			row = append(row, strconv.Itoa(b.Days), num(b.Sum))
		}
		rows[i] = row
	}
	return rows
}

type mean struct {
	sum float64
	n   int
}

func (m *mean) add(v float64) {
	if !math.IsNaN(v) {
		m.sum += v
		m.n++
	}
}

func (m mean) value() float64 {
	if m.n == 0 {
		return math.NaN()
	}
	return m.sum / float64(m.n)
}

func zero(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// num rounds to four decimals to keep float noise out of the files.
func num(v float64) string {
	if math.IsNaN(v) {
		return ""
	}
	return models.FormatFloat(math.Round(v*1e4) / 1e4)
}

func label(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
