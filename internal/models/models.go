package models

import (
	"fmt"
	"math"
	"time"
)

// Station is an ASOS observation site. Coordinates are broadcast onto every
// cached row for the station.
type Station struct {
	StationID string
	Name      string
	Latitude  float64
	Longitude float64
	Altitude  float64
}

// GridCell is one cell of the KMA forecast grid.
type GridCell struct {
	NX        int
	NY        int
	Name      string
	Longitude float64
	Latitude  float64
}

// ID returns the cell identifier used in cache paths and logs.
func (g GridCell) ID() string {
	return fmt.Sprintf("%d_%d", g.NX, g.NY)
}

// DailyRecord is one station day after normalisation. Missing measurements
// are NaN.
type DailyRecord struct {
	Date      time.Time
	Radn      float64 // solar radiation, MJ/m²
	MaxT      float64
	MinT      float64
	TAvg      float64
	Humid     float64 // relative humidity, %
	Rain      float64 // mm
	SunHours  float64
	Wind      float64 // m/s at 10 m
	ET0       float64 // reference evapotranspiration, mm/day
	Latitude  float64
	Longitude float64
	Altitude  float64
}

// Measurement columns, in cache file order. Only these are gap-filled.
const (
	ColRadn     = "radn"
	ColMaxT     = "maxt"
	ColMinT     = "mint"
	ColTAvg     = "tavg"
	ColHumid    = "humid"
	ColRain     = "rain"
	ColSunHours = "sunhours"
	ColWind     = "wind"
	ColET0      = "et0"
)

var MeasurementColumns = []string{
	ColRadn, ColMaxT, ColMinT, ColTAvg, ColHumid, ColRain, ColSunHours, ColWind, ColET0,
}

// NewDailyRecord returns a record for date with every measurement missing.
func NewDailyRecord(date time.Time) DailyRecord {
	nan := math.NaN()
	return DailyRecord{
		Date:     date,
		Radn:     nan,
		MaxT:     nan,
		MinT:     nan,
		TAvg:     nan,
		Humid:    nan,
		Rain:     nan,
		SunHours: nan,
		Wind:     nan,
		ET0:      nan,
	}
}

func (r DailyRecord) Year() int  { return r.Date.Year() }
func (r DailyRecord) Month() int { return int(r.Date.Month()) }
func (r DailyRecord) Day() int   { return r.Date.Day() }
func (r DailyRecord) DOY() int   { return r.Date.YearDay() }

// Field returns a pointer to the named measurement, or nil if col is not a
// measurement column.
func (r *DailyRecord) Field(col string) *float64 {
	switch col {
	case ColRadn:
		return &r.Radn
	case ColMaxT:
		return &r.MaxT
	case ColMinT:
		return &r.MinT
	case ColTAvg:
		return &r.TAvg
	case ColHumid:
		return &r.Humid
	case ColRain:
		return &r.Rain
	case ColSunHours:
		return &r.SunHours
	case ColWind:
		return &r.Wind
	case ColET0:
		return &r.ET0
	}
	return nil
}

// ForecastItem is one (category, forecast time) value from the grid forecast
// API. Times are zero-padded HHMM strings.
type ForecastItem struct {
	BaseDate  string
	BaseTime  string
	Category  string
	FcstDate  string
	FcstTime  string
	FcstValue string
	NX        int
	NY        int
	Longitude float64
	Latitude  float64
}

// Key identifies a forecast value independent of the cell's coordinates.
func (f ForecastItem) Key() string {
	return fmt.Sprintf("%d|%d|%s|%s|%s|%s|%s", f.NX, f.NY, f.BaseDate, f.BaseTime, f.Category, f.FcstDate, f.FcstTime)
}

// Count is the number of days above (or below) a threshold.
type Count struct {
	Threshold float64
	Days      int
}

// Band is a count and sum of daily mean temperature beyond a threshold.
type Band struct {
	Threshold float64
	Days      int
	Sum       float64
}

// PeriodSummary reduces the daily records of one station over one calendar
// month or ISO week.
type PeriodSummary struct {
	Year        int // calendar year for months, ISO year for weeks
	Period      int // month (1-12) or ISO week (1-53)
	DOY         int // day of year of the first day in the group
	Days        int
	RainyDays   int
	TotalRain   float64
	TAvg        float64
	TMinAvg     float64
	TMaxAvg     float64
	TAvgBandSum float64 // sum of tavg over days inside the comfort band
	HumidAvg    float64
	WindAvg     float64
	SunHoursSum float64
	RadnSum     float64
	RainMore    []Count
	TAvgLess    []Band
	TAvgMore    []Band
}
