package ingest

import (
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/lox/wxcache/internal/cachefs"
	"github.com/lox/wxcache/internal/gapfill"
	"github.com/lox/wxcache/internal/models"
	"github.com/lox/wxcache/internal/penman"
)

const (
	SourceASOS          = "asos"
	DefaultASOSEndpoint = "http://apis.data.go.kr/1360000/AsosDalyInfoService/getWthrDataList"
)

// KST is the zone KMA publishes in. Window boundaries are computed in it.
var KST = loadKST()

func loadKST() *time.Location {
	if loc, err := time.LoadLocation("Asia/Seoul"); err == nil {
		return loc
	}
	return time.FixedZone("KST", 9*60*60)
}

// DefaultASOSFields maps ASOS daily response fields to record columns.
func DefaultASOSFields() map[string]string {
	return map[string]string{
		"sumGsr":  models.ColRadn,
		"maxTa":   models.ColMaxT,
		"minTa":   models.ColMinT,
		"avgTa":   models.ColTAvg,
		"avgRhm":  models.ColHumid,
		"sumRn":   models.ColRain,
		"sumSsHr": models.ColSunHours,
		"avgWs":   models.ColWind,
	}
}

// ASOSConfig parameterises the station-year pipeline.
type ASOSConfig struct {
	Endpoint  string
	PageSize  int
	DateField string
	// Fields maps API field names to record columns.
	Fields map[string]string
	// Derived enables the radiation fill and et0 column.
	Derived bool
	// RangeCheck clears physically impossible values before gap-fill.
	RangeCheck bool
}

func DefaultASOSConfig() ASOSConfig {
	return ASOSConfig{
		Endpoint:   DefaultASOSEndpoint,
		PageSize:   720,
		DateField:  "tm",
		Fields:     DefaultASOSFields(),
		Derived:    true,
		RangeCheck: true,
	}
}

// ASOS builds station-year tasks for the daily observation API.
type ASOS struct {
	cfg    ASOSConfig
	layout cachefs.Layout
	clock  clockwork.Clock
	log    logrus.FieldLogger
}

func NewASOS(cfg ASOSConfig, layout cachefs.Layout, clock clockwork.Clock, log logrus.FieldLogger) *ASOS {
	def := DefaultASOSConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = def.PageSize
	}
	if cfg.DateField == "" {
		cfg.DateField = def.DateField
	}
	if len(cfg.Fields) == 0 {
		cfg.Fields = def.Fields
	}
	return &ASOS{cfg: cfg, layout: layout, clock: clock, log: log}
}

// Window returns the request date range for a year. The current year ends
// yesterday. ok is false for years with no published day yet.
func (a *ASOS) Window(year int) (start, end string, ok bool) {
	yesterday := a.clock.Now().In(KST).AddDate(0, 0, -1)
	switch {
	case year > yesterday.Year():
		return "", "", false
	case year == yesterday.Year():
		end = yesterday.Format("20060102")
	default:
		end = fmt.Sprintf("%d1231", year)
	}
	return fmt.Sprintf("%d0101", year), end, true
}

// Tasks returns one task per station and year, stations outermost.
func (a *ASOS) Tasks(stations []models.Station, startYear, endYear int) []Task {
	var tasks []Task
	for _, st := range stations {
		st := st
		for y := startYear; y <= endYear; y++ {
			start, end, ok := a.Window(y)
			if !ok {
				a.log.WithFields(logrus.Fields{"station": st.StationID, "year": y}).Debug("asos: year not published yet")
				continue
			}
			tasks = append(tasks, Task{
				Source:   SourceASOS,
				Endpoint: a.cfg.Endpoint,
				EntityID: st.StationID,
				WindowID: strconv.Itoa(y),
				Path:     a.layout.StationYear(st.StationID, st.Name, y),
				Params: url.Values{
					"numOfRows": {strconv.Itoa(a.cfg.PageSize)},
					"dataCd":    {"ASOS"},
					"dateCd":    {"DAY"},
					"startDt":   {start},
					"endDt":     {end},
					"stnIds":    {st.StationID},
				},
				Fields: logrus.Fields{"station": st.StationID, "name": st.Name, "year": y},
				Transform: func(items []gjson.Result) (Table, error) {
					records, err := a.Transform(st, items)
					if err != nil {
						return Table{}, err
					}
					return dailyTable(records), nil
				},
			})
		}
	}
	return tasks
}

// Transform turns response items into gap-filled daily records.
func (a *ASOS) Transform(st models.Station, items []gjson.Result) ([]models.DailyRecord, error) {
	log := a.log.WithField("station", st.StationID)

	byDate := make(map[time.Time]models.DailyRecord, len(items))
	dropped := 0
	for _, item := range items {
		if !item.IsObject() {
			return nil, fmt.Errorf("item is %s, want object", item.Type)
		}
		date, err := parseTM(item.Get(a.cfg.DateField).String())
		if err != nil {
			dropped++
			continue
		}
		rec := models.NewDailyRecord(date)
		for field, col := range a.cfg.Fields {
			f := rec.Field(col)
			if f == nil {
				return nil, fmt.Errorf("field %s maps to unknown column %q", field, col)
			}
			*f = models.ParseFloat(item.Get(field).String())
		}
		byDate[date] = rec
	}
	if dropped > 0 {
		log.WithField("dropped", dropped).Warn("asos: rows without a parseable date dropped")
	}

	records := make([]models.DailyRecord, 0, len(byDate))
	for _, r := range byDate {
		records = append(records, r)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Date.Before(records[j].Date) })

	cleared := 0
	for i := range records {
		r := &records[i]
		r.Latitude, r.Longitude, r.Altitude = st.Latitude, st.Longitude, st.Altitude
		if a.cfg.RangeCheck {
			if flags := ValidateDaily(r); len(flags) > 0 {
				log.WithFields(logrus.Fields{"date": r.Date.Format(models.DateLayout), "flags": flags}).
					Debug("asos: quality flags")
				cleared += ClearOutOfRange(r)
			}
		}
		// Missing or rejected rain is a dry day, never interpolated.
		if math.IsNaN(r.Rain) {
			r.Rain = 0
		}
	}
	if cleared > 0 {
		log.WithField("cleared", cleared).Warn("asos: out-of-range values cleared")
	}

	if a.cfg.Derived {
		filled := penman.Apply(records, penman.Site{Latitude: st.Latitude, Altitude: st.Altitude})
		if filled > 0 {
			log.WithField("filled", filled).Debug("asos: radiation estimated")
		}
	}

	FillGaps(records, log)
	return records, nil
}

// FillGaps runs the three-pass gap-fill over every measurement column.
// Calendar and static columns are never touched.
func FillGaps(records []models.DailyRecord, log logrus.FieldLogger) {
	series := make([]float64, len(records))
	for _, col := range models.MeasurementColumns {
		for i := range records {
			series[i] = *records[i].Field(col)
		}
		if !gapfill.Fill(series) {
			log.WithField("column", col).Debug("gapfill: insufficient data, column left missing")
		}
		for i := range records {
			*records[i].Field(col) = series[i]
		}
	}
}

func parseTM(s string) (time.Time, error) {
	if len(s) < len(models.DateLayout) {
		return time.Time{}, fmt.Errorf("short date %q", s)
	}
	return time.Parse(models.DateLayout, s[:len(models.DateLayout)])
}

func dailyTable(records []models.DailyRecord) Table {
	rows := make([][]string, len(records))
	for i, r := range records {
		rows[i] = r.CSVRecord()
	}
	return Table{Header: models.DailyColumns, Rows: rows}
}
