// Package cachefs maps cache keys to file paths and reads and writes the
// tabular cache files. A file's presence at its key path is the only signal
// that the unit of work behind it is complete.
package cachefs

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Layout computes cache paths below a root directory. Paths depend only on
// the root and the key.
type Layout struct {
	Root string
}

// StationYear is the cache file of one station for one calendar year.
func (l Layout) StationYear(stationID, name string, year int) string {
	y := strconv.Itoa(year)
	return filepath.Join(l.Root, "cache_weather", stationID, y,
		fmt.Sprintf("%s_%s_%s.csv", stationID, SafeName(name), y))
}

// ForecastSlot is the cache file of one grid cell for one publication slot.
func (l Layout) ForecastSlot(kind, baseDate, baseTime string, nx, ny int) string {
	return filepath.Join(l.Root, "forecast", kind, baseDate, baseTime, fmt.Sprintf("%d_%d.csv", nx, ny))
}

// ForecastDays lists the base dates that have at least one cached slot.
func (l Layout) ForecastDays(kind string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.Root, "forecast", kind))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var days []string
	for _, e := range entries {
		if e.IsDir() {
			days = append(days, e.Name())
		}
	}
	return days, nil
}

// ForecastFiles lists every cached slot file for a base date.
func (l Layout) ForecastFiles(kind, baseDate string) ([]string, error) {
	return filepath.Glob(filepath.Join(l.Root, "forecast", kind, baseDate, "*", "*.csv"))
}

// ForecastMonthly is the merged file of one forecast kind for one month.
func (l Layout) ForecastMonthly(suffix string, year, month int) string {
	y := strconv.Itoa(year)
	return filepath.Join(l.Root, "data", y, fmt.Sprintf("%s_%d%s.csv", y, month, suffix))
}

// Summary is the period summary file of one station.
func Summary(outRoot, stationID, name, period string) string {
	return filepath.Join(outRoot, stationID, fmt.Sprintf("%s_%s_%s.csv", stationID, SafeName(name), period))
}

// SafeName makes an entity display name usable as a path component.
func SafeName(name string) string {
	name = strings.TrimSpace(name)
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, name)
}

// Exists reports whether a cache file is present.
func Exists(path string) (bool, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if info.IsDir() {
		return false, fmt.Errorf("%s is a directory", path)
	}
	return true, nil
}

// WriteCSV writes a UTF-8 CSV with a byte order mark so spreadsheet tools
// pick the right encoding. The file is written to a temporary sibling and
// renamed into place, so path either holds a complete file or nothing.
func WriteCSV(path string, header []string, rows [][]string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := encodeCSV(tmp, header, rows); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}

func encodeCSV(w io.Writer, header []string, rows [][]string) error {
	bom := transform.NewWriter(w, unicode.UTF8BOM.NewEncoder())
	cw := csv.NewWriter(bom)
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	if err := bom.Close(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// ReadCSV reads a cache file, stripping a leading byte order mark if there
// is one. A missing file returns an error matching fs.ErrNotExist.
func ReadCSV(path string) ([]string, [][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()
	return DecodeCSV(f)
}

// DecodeCSV reads a CSV stream with an optional UTF-8 byte order mark.
func DecodeCSV(r io.Reader) ([]string, [][]string, error) {
	cr := csv.NewReader(transform.NewReader(r, unicode.BOMOverride(unicode.UTF8.NewDecoder())))
	records, err := cr.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, errors.New("empty csv")
	}
	return records[0], records[1:], nil
}
