package aggregate

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/wxcache/internal/cachefs"
	"github.com/lox/wxcache/internal/models"
)

func day(y int, m time.Month, d int, tavg, rain float64) models.DailyRecord {
	r := models.NewDailyRecord(time.Date(y, m, d, 0, 0, 0, 0, time.UTC))
	r.TAvg = tavg
	r.MinT = tavg - 5
	r.MaxT = tavg + 5
	r.Rain = rain
	r.Humid = 60
	r.Wind = 2
	r.SunHours = 8
	r.Radn = 15
	return r
}

func TestSummarise_Thresholds(t *testing.T) {
	days := []models.DailyRecord{
		day(2024, 7, 1, 4, 0),
		day(2024, 7, 2, 10, 10),
		day(2024, 7, 3, 15, 10.5),
		day(2024, 7, 4, 30, 120),
		day(2024, 7, 5, 31, math.NaN()),
	}

	s := Summarise(2024, 7, days, DefaultThresholds())

	assert.Equal(t, 5, s.Days)
	assert.Equal(t, 183, s.DOY, "2024-07-01 is day 183 of a leap year")
	assert.Equal(t, 3, s.RainyDays)
	assert.InDelta(t, 140.5, s.TotalRain, 1e-9)
	assert.InDelta(t, 18.0, s.TAvg, 1e-9)
	assert.InDelta(t, 13.0, s.TMinAvg, 1e-9)
	assert.InDelta(t, 23.0, s.TMaxAvg, 1e-9)
	assert.InDelta(t, 55.0, s.TAvgBandSum, 1e-9, "10 + 15 + 30, both bounds inclusive")
	assert.InDelta(t, 40.0, s.SunHoursSum, 1e-9)
	assert.InDelta(t, 75.0, s.RadnSum, 1e-9)

	// rain_more_* is strictly greater: 10mm exactly does not count for 10.
	wantRain := map[float64]int{10: 2, 30: 1, 50: 1, 70: 1, 90: 1, 110: 1}
	for _, c := range s.RainMore {
		assert.Equal(t, wantRain[c.Threshold], c.Days, "rain_more_%v", c.Threshold)
	}

	require.Len(t, s.TAvgLess, 2)
	assert.Equal(t, models.Band{Threshold: 5, Days: 1, Sum: 4}, s.TAvgLess[0])
	assert.Equal(t, models.Band{Threshold: 10, Days: 2, Sum: 14}, s.TAvgLess[1])

	require.Len(t, s.TAvgMore, 6)
	assert.Equal(t, models.Band{Threshold: 15, Days: 3, Sum: 76}, s.TAvgMore[0])
	assert.Equal(t, models.Band{Threshold: 30, Days: 2, Sum: 61}, s.TAvgMore[3])
	assert.Equal(t, models.Band{Threshold: 40, Days: 0, Sum: 0}, s.TAvgMore[5])
}

func TestSummarise_MeansSkipMissing(t *testing.T) {
	a := day(2024, 1, 1, 10, 0)
	b := day(2024, 1, 2, 20, 0)
	b.Humid = math.NaN()
	c := day(2024, 1, 3, math.NaN(), 0)

	s := Summarise(2024, 1, []models.DailyRecord{a, b, c}, DefaultThresholds())
	assert.InDelta(t, 15.0, s.TAvg, 1e-9)
	assert.InDelta(t, 60.0, s.HumidAvg, 1e-9)
}

func TestWeeklySummaries_ISOYear(t *testing.T) {
	var records []models.DailyRecord
	for d := time.Date(2024, 12, 28, 0, 0, 0, 0, time.UTC); d.Before(time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)); d = d.AddDate(0, 0, 1) {
		records = append(records, day(d.Year(), d.Month(), d.Day(), 5, 0))
	}

	weekly := WeeklySummaries(records, DefaultThresholds(), 2024, 2025)
	require.Len(t, weekly, 2)

	// 2024-12-28/29 close ISO 2024-W52.
	assert.Equal(t, 2024, weekly[0].Year)
	assert.Equal(t, 52, weekly[0].Period)
	assert.Equal(t, 2, weekly[0].Days)

	// 2024-12-30 .. 2025-01-05 is ISO 2025-W01, so the December days count
	// towards 2025.
	assert.Equal(t, 2025, weekly[1].Year)
	assert.Equal(t, 1, weekly[1].Period)
	assert.Equal(t, 7, weekly[1].Days)
	assert.Equal(t, 365, weekly[1].DOY, "first day of the week is 2024-12-30")

	only2024 := WeeklySummaries(records, DefaultThresholds(), 2024, 2024)
	require.Len(t, only2024, 1)
	assert.Equal(t, 52, only2024[0].Period)
}

func TestMonthlySummaries(t *testing.T) {
	records := []models.DailyRecord{
		day(2024, 1, 30, 1, 0),
		day(2024, 1, 31, 2, 0),
		day(2024, 2, 1, 3, 5),
	}
	monthly := MonthlySummaries(records, DefaultThresholds())
	require.Len(t, monthly, 2)
	assert.Equal(t, 1, monthly[0].Period)
	assert.Equal(t, 2, monthly[0].Days)
	assert.Equal(t, 2, monthly[1].Period)
	assert.Equal(t, 32, monthly[1].DOY)
}

func TestHeader(t *testing.T) {
	h := Header(Weekly, DefaultThresholds())
	assert.Equal(t, []string{"year", "week", "doy", "days"}, h[:4])
	assert.Contains(t, h, "tavg_10_30_between_sum")
	assert.Contains(t, h, "rain_more_110")
	assert.Contains(t, h, "tavg_less_5_count")
	assert.Contains(t, h, "tavg_more_40_sum")
	assert.Len(t, h, 14+6+2*2+6*2)

	s := Summarise(2024, 1, []models.DailyRecord{day(2024, 1, 1, 5, 1)}, DefaultThresholds())
	rows := Rows([]models.PeriodSummary{s}, DefaultThresholds())
	require.Len(t, rows, 1)
	assert.Len(t, rows[0], len(h))
	assert.Equal(t, "month", Header(Monthly, DefaultThresholds())[1])
}

func writeYear(t *testing.T, layout cachefs.Layout, st models.Station, year int) {
	t.Helper()
	var rows [][]string
	for d := time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC); d.Year() == year; d = d.AddDate(0, 0, 1) {
		r := day(d.Year(), d.Month(), d.Day(), 12, 1)
		rows = append(rows, r.CSVRecord())
	}
	require.NoError(t, cachefs.WriteCSV(layout.StationYear(st.StationID, st.Name, year), models.DailyColumns, rows))
}

func TestRun_WritesBothFiles(t *testing.T) {
	root := t.TempDir()
	out := t.TempDir()
	layout := cachefs.Layout{Root: root}
	st := models.Station{StationID: "90", Name: "속초"}

	writeYear(t, layout, st, 2023)
	writeYear(t, layout, st, 2024)

	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	agg := New(layout, out, DefaultThresholds(), log)

	res, err := agg.Run(context.Background(), []models.Station{st}, 2023, 2024)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FilesWritten)
	assert.Zero(t, res.MissingFiles, "2025 is only read for the last ISO week")
	quiet := false
	for _, e := range hook.AllEntries() {
		assert.NotEqual(t, "aggregate: cache file not found", e.Message)
		if e.Message == "aggregate: no data for the following year" {
			assert.Equal(t, logrus.DebugLevel, e.Level)
			quiet = true
		}
	}
	assert.True(t, quiet, "the missing following year is logged at debug")

	header, rows, err := cachefs.ReadCSV(cachefs.Summary(out, "90", "속초", Monthly))
	require.NoError(t, err)
	assert.Equal(t, "month", header[1])
	assert.Len(t, rows, 24)
	assert.Equal(t, []string{"2023", "1", "1", "31"}, rows[0][:4])

	_, weekly, err := cachefs.ReadCSV(cachefs.Summary(out, "90", "속초", Weekly))
	require.NoError(t, err)
	// 2023-01-01 is ISO 2022-W52 and is dropped; 2024-12-30/31 fall in
	// ISO 2025-W01 and are dropped too.
	assert.Equal(t, "2023", weekly[0][0])
	assert.Equal(t, "1", weekly[0][1])
	last := weekly[len(weekly)-1]
	assert.Equal(t, "2024", last[0])
	assert.Equal(t, "52", last[1])
}

func TestRun_MissingYearInRange(t *testing.T) {
	layout := cachefs.Layout{Root: t.TempDir()}
	st := models.Station{StationID: "90", Name: "속초"}
	writeYear(t, layout, st, 2024)

	log, hook := test.NewNullLogger()
	agg := New(layout, t.TempDir(), DefaultThresholds(), log)

	res, err := agg.Run(context.Background(), []models.Station{st}, 2023, 2024)
	require.NoError(t, err)
	assert.Equal(t, 1, res.MissingFiles)
	assert.Equal(t, 2, res.FilesWritten)

	warned := 0
	for _, e := range hook.AllEntries() {
		if e.Message == "aggregate: cache file not found" {
			assert.Equal(t, logrus.WarnLevel, e.Level)
			warned++
		}
	}
	assert.Equal(t, 1, warned, "only 2023 is reported")
}

func TestRun_BadRange(t *testing.T) {
	log, _ := test.NewNullLogger()
	agg := New(cachefs.Layout{Root: t.TempDir()}, t.TempDir(), DefaultThresholds(), log)
	_, err := agg.Run(context.Background(), nil, 2025, 2024)
	assert.Error(t, err)
}
