package cities

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// MinPopulation is the population cutoff for the bundled directory.
const MinPopulation = 10000

// Raw dataset column names.
const (
	rawColumnCity       = "city"
	rawColumnState      = "state_name"
	rawColumnLat        = "lat"
	rawColumnLng        = "lng"
	rawColumnPopulation = "population"
)

// PreprocessStats summarizes one Preprocess run.
type PreprocessStats struct {
	Read            int
	Written         int
	BelowPopulation int
	Duplicates      int
	Skipped         int
}

// Preprocess filters a raw city-population CSV down to the directory format.
// Rows with population below minPopulation are dropped; the first row for each
// "city, state" label wins. Population may use comma thousands separators.
// Rows with an unparseable population are counted in Skipped.
func Preprocess(r io.Reader, w io.Writer, minPopulation int) (PreprocessStats, error) {
	var stats PreprocessStats

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	header, err := reader.Read()
	if err != nil {
		return stats, fmt.Errorf("read header: %w", err)
	}
	colIdx := indexColumns(header)
	for _, col := range []string{rawColumnCity, rawColumnState, rawColumnLat, rawColumnLng, rawColumnPopulation} {
		if _, ok := colIdx[col]; !ok {
			return stats, fmt.Errorf("missing column %q", col)
		}
	}

	writer := csv.NewWriter(w)
	if err := writer.Write([]string{ColumnLabel, ColumnLat, ColumnLng}); err != nil {
		return stats, fmt.Errorf("write header: %w", err)
	}

	seen := make(map[string]struct{})
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("read row %d: %w", stats.Read+2, err)
		}
		stats.Read++

		pop, err := ParsePopulation(get(row, colIdx, rawColumnPopulation))
		if err != nil {
			stats.Skipped++
			continue
		}
		if pop < minPopulation {
			stats.BelowPopulation++
			continue
		}

		label := Label(get(row, colIdx, rawColumnCity), get(row, colIdx, rawColumnState))
		if _, dup := seen[label]; dup {
			stats.Duplicates++
			continue
		}
		seen[label] = struct{}{}

		if err := writer.Write([]string{label, get(row, colIdx, rawColumnLat), get(row, colIdx, rawColumnLng)}); err != nil {
			return stats, fmt.Errorf("write row: %w", err)
		}
		stats.Written++
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return stats, fmt.Errorf("flush: %w", err)
	}
	return stats, nil
}

// Label formats a directory label as "<city>, <state>".
func Label(city, state string) string {
	return fmt.Sprintf("%s, %s", city, state)
}

// ParsePopulation parses an integer that may contain comma thousands separators.
func ParsePopulation(s string) (int, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: population %q", ErrMalformedRow, s)
	}
	return n, nil
}
