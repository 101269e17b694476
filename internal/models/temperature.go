package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// DateLayout is the calendar-date format used by the archive API and query strings.
const DateLayout = "2006-01-02"

// ErrUnknownUnit is returned by ParseUnit for anything other than Fahrenheit or Celsius.
var ErrUnknownUnit = errors.New("unknown temperature unit")

// Unit is the temperature unit requested from the archive. Values match the
// archive's temperature_unit query parameter.
type Unit string

const (
	Fahrenheit Unit = "fahrenheit"
	Celsius    Unit = "celsius"
)

// ParseUnit accepts "fahrenheit"/"celsius" in any case, or the single-letter forms "F"/"C".
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fahrenheit", "f":
		return Fahrenheit, nil
	case "celsius", "c":
		return Celsius, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownUnit, s)
}

// Valid reports whether u is one of the supported units.
func (u Unit) Valid() bool {
	return u == Fahrenheit || u == Celsius
}

// Symbol returns "F" or "C".
func (u Unit) Symbol() string {
	if u == Celsius {
		return "C"
	}
	return "F"
}

// City is one row of the city directory.
type City struct {
	Label     string  `json:"label"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lng"`
}

// DateRange is an inclusive range of calendar days. Start and End are UTC midnights.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewDateRange truncates start and end to UTC calendar days.
func NewDateRange(start, end time.Time) DateRange {
	return DateRange{Start: Day(start), End: Day(end)}
}

// ParseDateRange parses two DateLayout strings.
func ParseDateRange(start, end string) (DateRange, error) {
	s, err := time.Parse(DateLayout, strings.TrimSpace(start))
	if err != nil {
		return DateRange{}, fmt.Errorf("parse start date: %w", err)
	}
	e, err := time.Parse(DateLayout, strings.TrimSpace(end))
	if err != nil {
		return DateRange{}, fmt.Errorf("parse end date: %w", err)
	}
	return NewDateRange(s, e), nil
}

// Days returns the number of calendar days covered, or 0 when End precedes Start.
func (r DateRange) Days() int {
	if r.End.Before(r.Start) {
		return 0
	}
	return int(r.End.Sub(r.Start).Hours()/24) + 1
}

func (r DateRange) String() string {
	return r.Start.Format(DateLayout) + ".." + r.End.Format(DateLayout)
}

// Day truncates t to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SeriesQuery identifies one archive request. It doubles as the cache key.
type SeriesQuery struct {
	Latitude  float64
	Longitude float64
	Range     DateRange
	Unit      Unit
}

// Key returns a stable cache key built from coordinates, date range and unit.
func (q SeriesQuery) Key() string {
	return fmt.Sprintf("%.4f,%.4f:%s:%s:%s",
		q.Latitude, q.Longitude,
		q.Range.Start.Format(DateLayout), q.Range.End.Format(DateLayout),
		q.Unit)
}

// DailyTemperature is one day's minimum temperature. A day the archive has no
// reading for keeps its place in the series with a NaN Value.
type DailyTemperature struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

type dailyTemperatureJSON struct {
	Date  time.Time `json:"date"`
	Value *float64  `json:"value"`
}

// Missing reports whether the archive had no reading for the day.
func (d DailyTemperature) Missing() bool {
	return math.IsNaN(d.Value)
}

// MarshalJSON writes a missing day as "value": null.
func (d DailyTemperature) MarshalJSON() ([]byte, error) {
	out := dailyTemperatureJSON{Date: d.Date}
	if !d.Missing() {
		v := d.Value
		out.Value = &v
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads a null value back as a missing day.
func (d *DailyTemperature) UnmarshalJSON(b []byte) error {
	var in dailyTemperatureJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	d.Date = in.Date
	d.Value = math.NaN()
	if in.Value != nil {
		d.Value = *in.Value
	}
	return nil
}

// TemperatureSeries is an ascending-by-date run of daily minimum temperatures,
// all in Unit. Values are never converted after fetch.
type TemperatureSeries struct {
	Latitude  float64            `json:"latitude"`
	Longitude float64            `json:"longitude"`
	Unit      Unit               `json:"unit"`
	Range     DateRange          `json:"range"`
	Days      []DailyTemperature `json:"days"`
	FetchedAt time.Time          `json:"fetchedAt"`
}

// Len returns the number of days in the series, missing days included.
func (s TemperatureSeries) Len() int {
	return len(s.Days)
}

// Observed returns the number of days with a reading.
func (s TemperatureSeries) Observed() int {
	n := 0
	for _, d := range s.Days {
		if !d.Missing() {
			n++
		}
	}
	return n
}

// Values returns the temperatures in date order. Missing days are NaN.
func (s TemperatureSeries) Values() []float64 {
	out := make([]float64, len(s.Days))
	for i, d := range s.Days {
		out[i] = d.Value
	}
	return out
}
