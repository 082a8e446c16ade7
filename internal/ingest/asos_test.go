package ingest

import (
	"math"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/lox/wxcache/internal/cachefs"
	"github.com/lox/wxcache/internal/models"
)

func newTestASOS(t *testing.T, now time.Time, mutate func(*ASOSConfig)) *ASOS {
	t.Helper()
	log, _ := test.NewNullLogger()
	cfg := DefaultASOSConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	return NewASOS(cfg, cachefs.Layout{Root: t.TempDir()}, clockwork.NewFakeClockAt(now), log)
}

// items parses a JSON array into response items.
func items(t *testing.T, raw string) []gjson.Result {
	t.Helper()
	require.True(t, gjson.Valid(raw), "invalid fixture: %s", raw)
	return gjson.Parse(raw).Array()
}

func TestASOSWindow(t *testing.T) {
	a := newTestASOS(t, time.Date(2025, 3, 1, 12, 0, 0, 0, KST), nil)

	start, end, ok := a.Window(2024)
	assert.True(t, ok)
	assert.Equal(t, "20240101", start)
	assert.Equal(t, "20241231", end)

	start, end, ok = a.Window(2025)
	assert.True(t, ok)
	assert.Equal(t, "20250101", start)
	assert.Equal(t, "20250228", end, "the current year ends yesterday")

	_, _, ok = a.Window(2026)
	assert.False(t, ok)
}

func TestASOSWindow_NewYearsDay(t *testing.T) {
	// 2024-12-31 16:30 UTC is already 2025-01-01 in Seoul.
	a := newTestASOS(t, time.Date(2024, 12, 31, 16, 30, 0, 0, time.UTC), nil)

	_, _, ok := a.Window(2025)
	assert.False(t, ok, "nothing of the new year is published on its first day")

	_, end, ok := a.Window(2024)
	assert.True(t, ok)
	assert.Equal(t, "20241231", end)
}

func TestASOSTasks(t *testing.T) {
	a := newTestASOS(t, time.Date(2025, 3, 1, 12, 0, 0, 0, KST), nil)
	stations := []models.Station{
		{StationID: "90", Name: "속초"},
		{StationID: "108", Name: "서울"},
	}

	tasks := a.Tasks(stations, 2024, 2026)
	require.Len(t, tasks, 4, "2026 has no published days")

	var keys []string
	for _, task := range tasks {
		keys = append(keys, task.EntityID+"/"+task.WindowID)
		assert.Equal(t, SourceASOS, task.Source)
	}
	assert.Equal(t, []string{"90/2024", "90/2025", "108/2024", "108/2025"}, keys)
	assert.Equal(t, "20250228", tasks[1].Params.Get("endDt"))
}

func TestASOSTransform(t *testing.T) {
	a := newTestASOS(t, time.Date(2025, 3, 1, 12, 0, 0, 0, KST), nil)

	recs, err := a.Transform(sokcho, items(t, `[
		{"tm":"2024-05-03","avgTa":"17","minTa":"12","maxTa":"22","avgRhm":"80","avgWs":"3","sumSsHr":"6","sumRn":"4.5","sumGsr":"14.2"},
		{"tm":"2024-05-01","avgTa":"15","minTa":"10","maxTa":"20","avgRhm":"60","avgWs":"2","sumSsHr":"8","sumRn":"","sumGsr":"18.0"},
		{"tm":"2024-05-02","avgTa":"","minTa":"11","maxTa":"21","avgRhm":"140","avgWs":"2.5","sumSsHr":"7","sumRn":"1.0","sumGsr":"16.1"},
		{"tm":"not a date","avgTa":"99"}
	]`))
	require.NoError(t, err)
	require.Len(t, recs, 3)

	for i, want := range []string{"2024-05-01", "2024-05-02", "2024-05-03"} {
		assert.Equal(t, want, recs[i].Date.Format(models.DateLayout))
	}

	assert.Equal(t, 0.0, recs[0].Rain, "missing rain is zero, not interpolated")
	assert.Equal(t, 1.0, recs[1].Rain)
	assert.InDelta(t, 16.0, recs[1].TAvg, 1e-9, "missing tavg is interpolated")
	assert.InDelta(t, 70.0, recs[1].Humid, 1e-9, "impossible humidity is cleared then interpolated")
	assert.Equal(t, 18.0, recs[0].Radn, "observed radiation is kept")

	for _, r := range recs {
		assert.Equal(t, sokcho.Latitude, r.Latitude)
		assert.Equal(t, sokcho.Altitude, r.Altitude)
		assert.False(t, math.IsNaN(r.ET0))
	}
}

func TestASOSTransform_RejectedRainIsDry(t *testing.T) {
	a := newTestASOS(t, time.Date(2025, 3, 1, 12, 0, 0, 0, KST), nil)

	recs, err := a.Transform(sokcho, items(t, `[
		{"tm":"2024-05-01","avgTa":"15","avgRhm":"60","avgWs":"2","sumSsHr":"8","sumRn":"-0.5"}
	]`))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 0.0, recs[0].Rain)
	assert.InDelta(t, 15.935, recs[0].Radn, 0.002)

	recs, err = a.Transform(sokcho, items(t, `[
		{"tm":"2024-05-01","avgTa":"15","sumRn":"4"},
		{"tm":"2024-05-02","avgTa":"15","sumRn":"-0.5"},
		{"tm":"2024-05-03","avgTa":"15","sumRn":"6"}
	]`))
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, 0.0, recs[1].Rain, "rejected rain is not interpolated from its neighbours")
}

func TestASOSTransform_DuplicateDates(t *testing.T) {
	a := newTestASOS(t, time.Date(2025, 3, 1, 12, 0, 0, 0, KST), nil)

	recs, err := a.Transform(sokcho, items(t, `[
		{"tm":"2024-05-01","avgTa":"15"},
		{"tm":"2024-05-01 00:00","avgTa":"16"}
	]`))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 16.0, recs[0].TAvg)
}

func TestASOSTransform_WithoutDerived(t *testing.T) {
	a := newTestASOS(t, time.Date(2025, 3, 1, 12, 0, 0, 0, KST), func(c *ASOSConfig) { c.Derived = false })

	recs, err := a.Transform(sokcho, items(t, `[{"tm":"2024-05-01","avgTa":"15","avgRhm":"60","avgWs":"2","sumSsHr":"8"}]`))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.True(t, math.IsNaN(recs[0].Radn), "no radiation estimate without derived metrics")
	assert.True(t, math.IsNaN(recs[0].ET0))
}

func TestASOSTransform_CustomFieldMapping(t *testing.T) {
	a := newTestASOS(t, time.Date(2025, 3, 1, 12, 0, 0, 0, KST), func(c *ASOSConfig) {
		c.Fields = map[string]string{"avgTa": models.ColTAvg, "minTa": "frost"}
	})

	_, err := a.Transform(sokcho, items(t, `[{"tm":"2024-05-01","avgTa":"15"}]`))
	assert.ErrorContains(t, err, "unknown column")
}

func TestFillGaps_LeavesCalendarColumns(t *testing.T) {
	log, _ := test.NewNullLogger()
	var recs []models.DailyRecord
	for d := 1; d <= 4; d++ {
		r := models.NewDailyRecord(time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC))
		r.Latitude = math.NaN()
		recs = append(recs, r)
	}
	recs[1].TAvg, recs[3].TAvg = 2, 6

	FillGaps(recs, log)

	assert.Equal(t, []float64{2, 2, 4, 6}, []float64{recs[0].TAvg, recs[1].TAvg, recs[2].TAvg, recs[3].TAvg})
	for i, r := range recs {
		assert.True(t, math.IsNaN(r.Humid), "all-missing column stays missing (%d)", i)
		assert.True(t, math.IsNaN(r.Latitude), "static columns are not filled (%d)", i)
		assert.Equal(t, i+1, r.Day())
	}
}
