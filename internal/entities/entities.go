// Package entities loads the station and grid-cell lists that drive a run.
// Lists are CSV files, read from local disk or an FTP server, in UTF-8 or
// EUC-KR.
package entities

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/korean"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/lox/wxcache/internal/models"
)

// Encodings accepted for entity lists.
const (
	EncodingUTF8  = "utf-8"
	EncodingEUCKR = "euc-kr"
)

var (
	stationID   = []string{"지점코드", "지점", "stn_id", "station_id", "stnId", "id"}
	stationName = []string{"지점명", "stn_nm", "name"}
	latitude    = []string{"위도", "위도(초/100)", "lat", "latitude"}
	longitude   = []string{"경도", "경도(초/100)", "lon", "longitude"}
	altitude    = []string{"고도", "노장해발고도(m)", "alt", "altitude"}

	gridX      = []string{"격자 X", "격자X", "nx"}
	gridY      = []string{"격자 Y", "격자Y", "ny"}
	gridLevel1 = []string{"1단계"}
	gridLevel2 = []string{"2단계"}
	gridLevel3 = []string{"3단계"}
)

// LoadStations reads a station list from a file path or ftp:// URL.
func LoadStations(ctx context.Context, location, encoding string) ([]models.Station, error) {
	rc, err := Open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	stations, err := ParseStations(rc, encoding)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}
	return stations, nil
}

// LoadGridCells reads a grid-cell list from a file path or ftp:// URL.
func LoadGridCells(ctx context.Context, location, encoding string) ([]models.GridCell, error) {
	rc, err := Open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	cells, err := ParseGridCells(rc, encoding)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", location, err)
	}
	return cells, nil
}

// ParseStations decodes a station list. Rows without a station id are
// skipped; duplicate ids keep the first row. Unparseable coordinates are NaN.
func ParseStations(r io.Reader, encoding string) ([]models.Station, error) {
	t, err := readTable(r, encoding)
	if err != nil {
		return nil, err
	}
	idCol, ok := t.find(stationID)
	if !ok {
		return nil, fmt.Errorf("no station id column in header %v", t.header)
	}
	nameCol, _ := t.find(stationName)
	latCol, _ := t.find(latitude)
	lonCol, _ := t.find(longitude)
	altCol, _ := t.find(altitude)

	seen := make(map[string]bool)
	var stations []models.Station
	for _, row := range t.rows {
		id := normaliseID(t.cell(row, idCol))
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		stations = append(stations, models.Station{
			StationID: id,
			Name:      t.cell(row, nameCol),
			Latitude:  models.ParseFloat(t.cell(row, latCol)),
			Longitude: models.ParseFloat(t.cell(row, lonCol)),
			Altitude:  models.ParseFloat(t.cell(row, altCol)),
		})
	}
	return stations, nil
}

// ParseGridCells decodes a grid-cell list. When the administrative-area
// columns are present only district rows (level 2 set, level 3 empty) are
// kept. Cells are de-duplicated by (nx, ny).
func ParseGridCells(r io.Reader, encoding string) ([]models.GridCell, error) {
	t, err := readTable(r, encoding)
	if err != nil {
		return nil, err
	}
	xCol, okX := t.find(gridX)
	yCol, okY := t.find(gridY)
	if !okX || !okY {
		return nil, fmt.Errorf("no grid x/y columns in header %v", t.header)
	}
	nameCol, hasName := t.find(stationName)
	l1Col, hasL1 := t.find(gridLevel1)
	l2Col, hasL2 := t.find(gridLevel2)
	l3Col, hasL3 := t.find(gridLevel3)
	lonCol, _ := t.find(longitude)
	latCol, _ := t.find(latitude)

	seen := make(map[[2]int]bool)
	var cells []models.GridCell
	for _, row := range t.rows {
		if hasL2 && t.cell(row, l2Col) == "" {
			continue
		}
		if hasL3 && t.cell(row, l3Col) != "" {
			continue
		}
		nx, errX := parseInt(t.cell(row, xCol))
		ny, errY := parseInt(t.cell(row, yCol))
		if errX != nil || errY != nil {
			continue
		}
		key := [2]int{nx, ny}
		if seen[key] {
			continue
		}
		seen[key] = true

		var name string
		switch {
		case hasName:
			name = t.cell(row, nameCol)
		case hasL1 || hasL2:
			name = strings.TrimSpace(t.cell(row, l1Col) + " " + t.cell(row, l2Col))
		}
		cells = append(cells, models.GridCell{
			NX:        nx,
			NY:        ny,
			Name:      name,
			Longitude: models.ParseFloat(t.cell(row, lonCol)),
			Latitude:  models.ParseFloat(t.cell(row, latCol)),
		})
	}
	return cells, nil
}

type table struct {
	header []string
	index  map[string]int
	rows   [][]string
}

func readTable(r io.Reader, encoding string) (*table, error) {
	dec, err := decoder(encoding)
	if err != nil {
		return nil, err
	}
	cr := csv.NewReader(transform.NewReader(r, dec))
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty entity list")
	}
	t := &table{header: records[0], index: make(map[string]int), rows: records[1:]}
	for i, h := range t.header {
		t.index[strings.TrimSpace(h)] = i
	}
	return t, nil
}

// decoder returns a transformer for the list encoding. A UTF-8 byte order
// mark always wins over the declared encoding.
func decoder(encoding string) (transform.Transformer, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", EncodingUTF8, "utf8", "utf-8-sig":
		return unicode.BOMOverride(unicode.UTF8.NewDecoder()), nil
	case EncodingEUCKR, "euckr", "cp949":
		return unicode.BOMOverride(korean.EUCKR.NewDecoder()), nil
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
}

func (t *table) find(aliases []string) (int, bool) {
	for _, a := range aliases {
		if i, ok := t.index[a]; ok {
			return i, true
		}
	}
	return -1, false
}

func (t *table) cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// normaliseID drops a trailing ".0" left by spreadsheet exports.
func normaliseID(s string) string {
	if f, err := strconv.ParseFloat(s, 64); err == nil && f == math.Trunc(f) {
		return strconv.FormatInt(int64(f), 10)
	}
	return s
}

func parseInt(s string) (int, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) {
		return 0, fmt.Errorf("%q is not an integer", s)
	}
	return int(f), nil
}
