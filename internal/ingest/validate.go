package ingest

import (
	"math"

	"github.com/lox/wxcache/internal/models"
)

const (
	FlagTempOutOfRange    = "temp_out_of_range"
	FlagHumidityInvalid   = "humidity_invalid"
	FlagWindSpeedUnlikely = "wind_speed_unlikely"
	FlagRainNegative      = "rain_negative"
	FlagSunshineInvalid   = "sunshine_invalid"
	FlagRadiationInvalid  = "radiation_invalid"
)

type bound struct {
	col      string
	min, max float64
	flag     string
}

// Daily values outside these bounds are instrument or transcription errors.
var dailyBounds = []bound{
	{models.ColMaxT, -40, 50, FlagTempOutOfRange},
	{models.ColMinT, -40, 50, FlagTempOutOfRange},
	{models.ColTAvg, -40, 50, FlagTempOutOfRange},
	{models.ColHumid, 0, 100, FlagHumidityInvalid},
	{models.ColWind, 0, 75, FlagWindSpeedUnlikely},
	{models.ColRain, 0, 1000, FlagRainNegative},
	{models.ColSunHours, 0, 24, FlagSunshineInvalid},
	{models.ColRadn, 0, 50, FlagRadiationInvalid},
}

// ValidateDaily returns quality flags for values outside physical bounds.
func ValidateDaily(r *models.DailyRecord) []string {
	var flags []string
	seen := make(map[string]bool)
	for _, b := range dailyBounds {
		v := *r.Field(b.col)
		if math.IsNaN(v) || (v >= b.min && v <= b.max) {
			continue
		}
		if !seen[b.flag] {
			flags = append(flags, b.flag)
			seen[b.flag] = true
		}
	}
	return flags
}

// ClearOutOfRange sets values outside physical bounds to NaN so gap-fill
// replaces them, and returns how many were cleared.
func ClearOutOfRange(r *models.DailyRecord) int {
	cleared := 0
	for _, b := range dailyBounds {
		f := r.Field(b.col)
		if math.IsNaN(*f) || (*f >= b.min && *f <= b.max) {
			continue
		}
		*f = math.NaN()
		cleared++
	}
	return cleared
}
