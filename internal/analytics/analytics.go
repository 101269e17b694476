// Package analytics turns a daily temperature series into the values the
// dashboard displays: trailing rolling means, a below-threshold count table,
// and a two-way partition around a single threshold. Every function is pure.
package analytics

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/kjstillabower/heatpump-dashboard/internal/models"
)

// Rolling window sizes offered by the dashboard.
const (
	WeeklyWindow  = 7
	MonthlyWindow = 30
)

var (
	// ErrNoData is returned when the series is empty or unavailable.
	ErrNoData = errors.New("no data")
	// ErrInvalidRange is returned when a table's low bound exceeds its high bound.
	ErrInvalidRange = errors.New("invalid temperature range")
)

// ThresholdRow is one line of the threshold table.
type ThresholdRow struct {
	Temperature     int     `json:"temp"`
	DaysBelow       int     `json:"daysBelow"`
	ProportionBelow float64 `json:"proportionBelow"`
}

// RollingAverage returns the trailing mean over window values ending at each
// index. NaN entries are skipped, so a window averages however many readings
// it holds; the output is NaN only where the window holds none. The output has
// the same length as values. A window below 1 is treated as 1.
func RollingAverage(values []float64, window int) []float64 {
	if window < 1 {
		window = 1
	}
	out := make([]float64, len(values))
	var sum float64
	var n int
	for i, v := range values {
		if !math.IsNaN(v) {
			sum += v
			n++
		}
		if i >= window {
			if old := values[i-window]; !math.IsNaN(old) {
				sum -= old
				n--
			}
		}
		if n == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(n)
	}
	return out
}

// RollingSeries applies RollingAverage to days and keeps each result aligned with its date.
func RollingSeries(days []models.DailyTemperature, window int) []models.DailyTemperature {
	vals := make([]float64, len(days))
	for i, d := range days {
		vals[i] = d.Value
	}
	avg := RollingAverage(vals, window)
	out := make([]models.DailyTemperature, len(days))
	for i, d := range days {
		out[i] = models.DailyTemperature{Date: d.Date, Value: avg[i]}
	}
	return out
}

// ThresholdTable counts, for every integer t in [low, high], the values strictly
// below t and their share of the whole series. NaN entries never count as below
// but stay in the denominator. Rows are ascending by temperature.
func ThresholdTable(values []float64, low, high int) ([]ThresholdRow, error) {
	if low > high {
		return nil, fmt.Errorf("%w: low %d > high %d", ErrInvalidRange, low, high)
	}

	sorted := make([]float64, 0, len(values))
	for _, v := range values {
		if !math.IsNaN(v) {
			sorted = append(sorted, v)
		}
	}
	if len(sorted) == 0 {
		return nil, ErrNoData
	}
	sort.Float64s(sorted)

	total := float64(len(values))
	rows := make([]ThresholdRow, 0, high-low+1)
	for t := low; t <= high; t++ {
		below := DaysBelow(sorted, float64(t))
		rows = append(rows, ThresholdRow{
			Temperature:     t,
			DaysBelow:       below,
			ProportionBelow: float64(below) / total,
		})
	}
	return rows, nil
}

// DaysBelow returns how many entries of sorted (ascending) are strictly less than t.
func DaysBelow(sorted []float64, t float64) int {
	return sort.SearchFloat64s(sorted, t)
}

// SortDescending returns a copy of rows ordered by temperature, highest first.
func SortDescending(rows []ThresholdRow) []ThresholdRow {
	out := append([]ThresholdRow(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Temperature > out[j].Temperature })
	return out
}

// SortAscending returns a copy of rows ordered by temperature, lowest first.
func SortAscending(rows []ThresholdRow) []ThresholdRow {
	out := append([]ThresholdRow(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Temperature < out[j].Temperature })
	return out
}

// Partition splits a series around a threshold. Both halves keep the original order.
type Partition struct {
	Below     []models.DailyTemperature `json:"below"`
	AtOrAbove []models.DailyTemperature `json:"atOrAbove"`
}

// PartitionByThreshold puts values < threshold in Below and the rest in
// AtOrAbove. Missing days land in neither.
func PartitionByThreshold(days []models.DailyTemperature, threshold float64) Partition {
	p := Partition{
		Below:     make([]models.DailyTemperature, 0),
		AtOrAbove: make([]models.DailyTemperature, 0),
	}
	for _, d := range days {
		if d.Missing() {
			continue
		}
		if d.Value < threshold {
			p.Below = append(p.Below, d)
		} else {
			p.AtOrAbove = append(p.AtOrAbove, d)
		}
	}
	return p
}
