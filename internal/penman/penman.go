// Package penman computes the FAO-56 Penman-Monteith daily radiation and
// reference evapotranspiration terms used to backfill missing solar
// radiation readings.
package penman

import (
	"math"

	"github.com/lox/wxcache/internal/models"
)

// AnemometerHeight is the height in metres at which ASOS wind is measured.
const AnemometerHeight = 10.0

// Site holds the per-station constants.
type Site struct {
	Latitude float64 // degrees
	Altitude float64 // metres
}

// Day holds the per-row inputs.
type Day struct {
	DOY      int
	TAvg     float64 // °C
	Humid    float64 // %
	Wind     float64 // m/s at AnemometerHeight
	SunHours float64
}

// Terms are the intermediate and final values of the daily calculation.
// Radiation terms are MJ/m²/day, pressures kPa.
type Terms struct {
	U2            float64 // wind speed at 2 m
	Pressure      float64
	Gamma         float64 // psychrometric constant
	Delta         float64 // slope of the saturation vapour pressure curve
	Es            float64
	Ea            float64
	Dr            float64 // inverse relative Earth-Sun distance
	Declination   float64
	SunsetAngle   float64
	Ra            float64 // extraterrestrial radiation
	DaylightHours float64
	Rs            float64
	Rso           float64
	Rns           float64
	Rnl           float64
	ET0           float64
}

// WindAt2m converts wind measured at height z metres to the 2 m reference
// height using the logarithmic wind profile.
func WindAt2m(uz, z float64) float64 {
	return uz * 4.87 / math.Log(67.8*z-5.42)
}

// Pressure returns atmospheric pressure at the given altitude.
func Pressure(altitude float64) float64 {
	return 101.3 * math.Pow((293-0.0065*altitude)/293, 5.26)
}

// SaturationVapourPressure at temperature t.
func SaturationVapourPressure(t float64) float64 {
	return 0.6108 * math.Exp(17.27*t/(t+237.3))
}

// Extraterrestrial returns Ra, daylight hours and the solar geometry for a
// day of year at latitude (degrees). A day outside [1, 366] yields NaN.
func Extraterrestrial(doy int, latitude float64) (ra, daylight, dr, decl, ws float64) {
	if doy < 1 || doy > 366 {
		nan := math.NaN()
		return nan, nan, nan, nan, nan
	}
	j := float64(doy)
	dr = 1 + 0.033*math.Cos(2*math.Pi/365*j)
	decl = 0.409 * math.Sin(2*math.Pi/365*j-1.39)
	phi := latitude * math.Pi / 180
	ws = math.Acos(-math.Tan(phi) * math.Tan(decl))
	ra = 24 * 60 / math.Pi * 0.082 * dr *
		(ws*math.Sin(phi)*math.Sin(decl) + math.Cos(phi)*math.Cos(decl)*math.Sin(ws))
	daylight = 24 / math.Pi * ws
	return ra, daylight, dr, decl, ws
}

// Compute evaluates every term for one day. NaN inputs propagate; the
// denominator of ET0 is not guarded.
func Compute(site Site, d Day) Terms {
	var t Terms
	t.U2 = WindAt2m(d.Wind, AnemometerHeight)
	t.Pressure = Pressure(site.Altitude)
	t.Gamma = 0.665e-3 * t.Pressure
	t.Es = SaturationVapourPressure(d.TAvg)
	t.Delta = 4098 * t.Es / math.Pow(d.TAvg+237.3, 2)
	t.Ea = d.Humid / 100 * t.Es

	t.Ra, t.DaylightHours, t.Dr, t.Declination, t.SunsetAngle = Extraterrestrial(d.DOY, site.Latitude)
	t.Rs = (0.25 + 0.5*d.SunHours/t.DaylightHours) * t.Ra
	t.Rso = (0.75 + 2e-5*site.Altitude) * t.Ra
	t.Rns = 0.77 * t.Rs
	t.Rnl = 4.903e-9 * math.Pow(d.TAvg+273.16, 4) *
		(0.34 - 0.14*math.Sqrt(t.Ea)) *
		(1.35*t.Rs/t.Rso - 0.35)

	const g = 0 // soil heat flux, negligible at daily step
	t.ET0 = (0.408*t.Delta*(t.Rns-t.Rnl-g) + t.Gamma*900/(d.TAvg+273)*t.U2*(t.Es-t.Ea)) /
		(t.Delta + t.Gamma*(1+0.34*t.U2))
	return t
}

// Apply sets ET0 on every record and fills missing radiation with the net
// shortwave estimate rounded to three decimals. Observed radiation is never
// overwritten. It returns the number of radiation values filled.
func Apply(records []models.DailyRecord, site Site) int {
	filled := 0
	for i := range records {
		r := &records[i]
		t := Compute(site, Day{
			DOY:      r.DOY(),
			TAvg:     r.TAvg,
			Humid:    r.Humid,
			Wind:     r.Wind,
			SunHours: r.SunHours,
		})
		r.ET0 = round3(t.ET0)
		if math.IsNaN(r.Radn) && !math.IsNaN(t.Rns) {
			r.Radn = round3(t.Rns)
			filled++
		}
	}
	return filled
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
