package cities

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/kjstillabower/heatpump-dashboard/internal/models"
)

var (
	// ErrCityNotFound is returned when a label is not in the directory.
	ErrCityNotFound = errors.New("city not found")
	// ErrMalformedRow is returned when a row cannot be parsed.
	ErrMalformedRow = errors.New("malformed row")
)

// Directory column names.
const (
	ColumnLabel = "city_state"
	ColumnLat   = "lat"
	ColumnLng   = "lng"
)

// Directory maps "city, state" labels to coordinates. It is immutable after
// construction and safe for concurrent reads.
type Directory struct {
	cities  []models.City
	byLabel map[string]models.City
	byLower map[string]models.City
}

// NewDirectory builds a directory. The first occurrence of a label wins.
func NewDirectory(list []models.City) *Directory {
	d := &Directory{
		cities:  make([]models.City, 0, len(list)),
		byLabel: make(map[string]models.City, len(list)),
		byLower: make(map[string]models.City, len(list)),
	}
	for _, c := range list {
		c.Label = strings.TrimSpace(c.Label)
		if c.Label == "" {
			continue
		}
		if _, dup := d.byLabel[c.Label]; dup {
			continue
		}
		d.cities = append(d.cities, c)
		d.byLabel[c.Label] = c
		lower := strings.ToLower(c.Label)
		if _, ok := d.byLower[lower]; !ok {
			d.byLower[lower] = c
		}
	}
	return d
}

// Load reads a city_state,lat,lng CSV file.
func Load(path string) (*Directory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open city directory: %w", err)
	}
	defer f.Close()

	d, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return d, nil
}

// Parse reads a directory CSV. Columns are located by header name so extra
// columns are ignored.
func Parse(r io.Reader) (*Directory, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	colIdx := indexColumns(header)
	for _, col := range []string{ColumnLabel, ColumnLat, ColumnLng} {
		if _, ok := colIdx[col]; !ok {
			return nil, fmt.Errorf("missing column %q", col)
		}
	}

	var list []models.City
	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		city, err := parseCity(row, colIdx)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		list = append(list, city)
	}
	return NewDirectory(list), nil
}

func parseCity(row []string, colIdx map[string]int) (models.City, error) {
	label := get(row, colIdx, ColumnLabel)
	if label == "" {
		return models.City{}, fmt.Errorf("%w: empty %s", ErrMalformedRow, ColumnLabel)
	}
	lat, err := strconv.ParseFloat(get(row, colIdx, ColumnLat), 64)
	if err != nil {
		return models.City{}, fmt.Errorf("%w: lat: %v", ErrMalformedRow, err)
	}
	lng, err := strconv.ParseFloat(get(row, colIdx, ColumnLng), 64)
	if err != nil {
		return models.City{}, fmt.Errorf("%w: lng: %v", ErrMalformedRow, err)
	}
	return models.City{Label: label, Latitude: lat, Longitude: lng}, nil
}

// Lookup returns the city for label. Exact matches win; otherwise the match is
// case-insensitive. Never panics on unknown labels.
func (d *Directory) Lookup(label string) (models.City, bool) {
	if d == nil {
		return models.City{}, false
	}
	label = strings.TrimSpace(label)
	if c, ok := d.byLabel[label]; ok {
		return c, true
	}
	c, ok := d.byLower[strings.ToLower(label)]
	return c, ok
}

// Get is Lookup with an ErrCityNotFound error for callers that prefer errors.
func (d *Directory) Get(label string) (models.City, error) {
	c, ok := d.Lookup(label)
	if !ok {
		return models.City{}, fmt.Errorf("%w: %q", ErrCityNotFound, label)
	}
	return c, nil
}

// Search returns cities whose label contains query (case-insensitive), in file
// order. An empty query matches everything. limit <= 0 means no limit.
func (d *Directory) Search(query string, limit int) []models.City {
	if d == nil {
		return nil
	}
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]models.City, 0)
	for _, c := range d.cities {
		if q != "" && !strings.Contains(strings.ToLower(c.Label), q) {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Len returns the number of cities.
func (d *Directory) Len() int {
	if d == nil {
		return 0
	}
	return len(d.cities)
}

func indexColumns(header []string) map[string]int {
	colIdx := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimPrefix(strings.TrimSpace(h), "\ufeff")
		colIdx[h] = i
	}
	return colIdx
}

func get(row []string, colIdx map[string]int, col string) string {
	i, ok := colIdx[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}
