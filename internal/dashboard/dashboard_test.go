package dashboard

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/heatpump-dashboard/internal/analytics"
	"github.com/kjstillabower/heatpump-dashboard/internal/cities"
	"github.com/kjstillabower/heatpump-dashboard/internal/models"
	"github.com/kjstillabower/heatpump-dashboard/internal/validation"
)

var urbana = models.City{Label: "Urbana, Illinois", Latitude: 40.1106, Longitude: -88.2073}

type mockFetcher struct {
	mu      sync.Mutex
	series  models.TemperatureSeries
	err     error
	queries []models.SeriesQuery
}

func (m *mockFetcher) GetSeries(ctx context.Context, q models.SeriesQuery) (models.TemperatureSeries, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, q)
	if m.err != nil {
		return models.TemperatureSeries{}, m.err
	}
	s := m.series
	s.Unit = q.Unit
	s.Range = q.Range
	return s, nil
}

func seriesOf(values ...float64) models.TemperatureSeries {
	start := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	days := make([]models.DailyTemperature, len(values))
	for i, v := range values {
		days[i] = models.DailyTemperature{Date: start.AddDate(0, 0, i), Value: v}
	}
	return models.TemperatureSeries{Latitude: urbana.Latitude, Longitude: urbana.Longitude, Days: days}
}

func testSettings() Settings {
	return Settings{
		DefaultCity:  urbana.Label,
		DefaultRange: models.NewDateRange(time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		DefaultUnit:  models.Fahrenheit,
		Bounds: validation.DateBounds{
			Min:   time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
			Max:   time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Clock: clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC)),
		},
	}
}

func newTestDashboard(f SeriesFetcher) *Dashboard {
	dir := cities.NewDirectory([]models.City{urbana})
	return New(dir, f, nil, testSettings(), nil)
}

func inputsFor(city string, unit models.Unit) Inputs {
	c := DefaultControls(unit)
	return Inputs{
		City:      city,
		Range:     testSettings().DefaultRange,
		Unit:      unit,
		Threshold: float64(c.Threshold.Value),
		TableLow:  0,
		TableHigh: 1,
	}
}

func TestBuild_AllPanels(t *testing.T) {
	f := &mockFetcher{series: seriesOf(2, 5, -3, 10, 0)}
	d := newTestDashboard(f)

	in := inputsFor(urbana.Label, models.Fahrenheit)
	in.Threshold = 1
	in.Rolling = []RollingWindow{RollingWeekly, RollingMonthly}
	view := d.Build(context.Background(), in)

	require.Len(t, f.queries, 1)
	assert.Equal(t, urbana.Latitude, f.queries[0].Latitude)
	assert.Equal(t, models.Fahrenheit, f.queries[0].Unit)

	assert.Equal(t, StatusOK, view.Location.Status)
	assert.Equal(t, "40.1106°N, -88.2073°E", view.Location.Text)
	require.NotNil(t, view.Location.Marker)
	assert.Equal(t, 12, view.Location.Marker.Zoom)
	assert.False(t, view.Location.Marker.Draggable)

	assert.Equal(t, StatusOK, view.Plot.Status)
	assert.Equal(t, "Daily Minimum Temperature °F", view.Plot.YLabel)
	assert.Len(t, view.Plot.Below, 2)
	assert.Len(t, view.Plot.AtOrAbove, 3)
	require.Len(t, view.Plot.Overlays, 2)
	assert.Equal(t, "orange", view.Plot.Overlays[0].Color)
	assert.Equal(t, "blue", view.Plot.Overlays[1].Color)
	assert.Len(t, view.Plot.Overlays[1].Points, 5)

	assert.Equal(t, StatusOK, view.Table.Status)
	require.Len(t, view.Table.Rows, 2)
	assert.Equal(t, analytics.ThresholdRow{Temperature: 1, DaysBelow: 2, ProportionBelow: 0.4}, view.Table.Rows[0])
	assert.Equal(t, analytics.ThresholdRow{Temperature: 0, DaysBelow: 1, ProportionBelow: 0.2}, view.Table.Rows[1])
}

func TestBuild_UnknownCity(t *testing.T) {
	f := &mockFetcher{series: seriesOf(1, 2, 3)}
	d := newTestDashboard(f)

	view := d.Build(context.Background(), inputsFor("Atlantis, Nowhere", models.Fahrenheit))

	assert.Equal(t, StatusNotAvailable, view.Location.Status)
	assert.Equal(t, LocationUnavailableMessage, view.Location.Text)
	assert.Nil(t, view.Location.Marker)
	assert.Equal(t, StatusNoData, view.Plot.Status)
	assert.Equal(t, StatusNoData, view.Table.Status)
	assert.Empty(t, f.queries, "no fetch without coordinates")
}

func TestBuild_NoCitySelected(t *testing.T) {
	d := newTestDashboard(&mockFetcher{})
	view := d.Build(context.Background(), inputsFor("", models.Celsius))
	assert.Equal(t, StatusNotAvailable, view.Location.Status)
	assert.Equal(t, StatusNoData, view.Table.Status)
}

func TestBuild_FetchFailureKeepsLocation(t *testing.T) {
	d := newTestDashboard(&mockFetcher{err: errors.New("upstream failure after retries")})
	view := d.Build(context.Background(), inputsFor(urbana.Label, models.Fahrenheit))

	assert.Equal(t, StatusOK, view.Location.Status)
	assert.NotNil(t, view.Location.Marker)
	assert.Equal(t, StatusNoData, view.Plot.Status)
	assert.Equal(t, StatusNoData, view.Table.Status)
	assert.Empty(t, view.Table.Rows)
	assert.Error(t, view.FetchErr)
}

func TestBuild_EmptySeries(t *testing.T) {
	d := newTestDashboard(&mockFetcher{series: seriesOf()})
	view := d.Build(context.Background(), inputsFor(urbana.Label, models.Fahrenheit))

	assert.Equal(t, StatusNoData, view.Plot.Status)
	assert.Equal(t, StatusNoData, view.Table.Status)
	assert.Zero(t, view.Table.TotalDays)
	assert.NoError(t, view.FetchErr)
}

func TestBuild_MissingDays(t *testing.T) {
	nan := math.NaN()
	d := newTestDashboard(&mockFetcher{series: seriesOf(-2, nan, 3, nan)})
	in := inputsFor(urbana.Label, models.Fahrenheit)
	in.Threshold = 0
	in.TableLow, in.TableHigh = 0, 4
	in.Rolling = []RollingWindow{RollingWeekly}
	view := d.Build(context.Background(), in)

	assert.Equal(t, StatusOK, view.Plot.Status)
	assert.Len(t, view.Plot.Below, 1)
	assert.Len(t, view.Plot.AtOrAbove, 1)
	assert.Equal(t, 4, view.Plot.Days)
	require.Len(t, view.Plot.Overlays, 1)
	assert.Len(t, view.Plot.Overlays[0].Points, 4)

	assert.Equal(t, StatusOK, view.Table.Status)
	assert.Equal(t, 4, view.Table.TotalDays)
	require.Len(t, view.Table.Rows, 5)
	assert.Equal(t, analytics.ThresholdRow{Temperature: 4, DaysBelow: 2, ProportionBelow: 0.5}, view.Table.Rows[0])
	assert.Equal(t, analytics.ThresholdRow{Temperature: 0, DaysBelow: 1, ProportionBelow: 0.25}, view.Table.Rows[4])

	var svg bytes.Buffer
	require.NoError(t, RenderPlot(&svg, view.Plot, FormatSVG))
}

func TestBuild_AllDaysMissing(t *testing.T) {
	d := newTestDashboard(&mockFetcher{series: seriesOf(math.NaN(), math.NaN())})
	view := d.Build(context.Background(), inputsFor(urbana.Label, models.Fahrenheit))

	assert.Equal(t, StatusNoData, view.Plot.Status)
	assert.Equal(t, StatusNoData, view.Table.Status)
}

func TestBuild_CelsiusLabel(t *testing.T) {
	d := newTestDashboard(&mockFetcher{series: seriesOf(-20, -15, -5)})
	view := d.Build(context.Background(), inputsFor(urbana.Label, models.Celsius))
	assert.Equal(t, "Daily Minimum Temperature °C", view.Plot.YLabel)
	assert.Len(t, view.Plot.Below, 1)
}

func TestResolveInputs_Defaults(t *testing.T) {
	d := newTestDashboard(&mockFetcher{})

	in, err := d.ResolveInputs(validation.DashboardParams{}, false)
	require.NoError(t, err)
	assert.Equal(t, urbana.Label, in.City)
	assert.Equal(t, models.Fahrenheit, in.Unit)
	assert.Equal(t, 5.0, in.Threshold)
	assert.Equal(t, 0, in.TableLow)
	assert.Equal(t, 15, in.TableHigh)
	assert.Equal(t, "2022-01-01..2024-01-01", in.Range.String())
	assert.Empty(t, in.Rolling)

	in, err = d.ResolveInputs(validation.DashboardParams{Unit: "celsius"}, true)
	require.NoError(t, err)
	assert.Empty(t, in.City, "explicit empty city stays empty")
	assert.Equal(t, -15.0, in.Threshold)
	assert.Equal(t, -20, in.TableLow)
	assert.Equal(t, -10, in.TableHigh)
}

func TestResolveInputs_Overrides(t *testing.T) {
	d := newTestDashboard(&mockFetcher{})
	in, err := d.ResolveInputs(validation.DashboardParams{
		City:      urbana.Label,
		Start:     "2023-01-01",
		Threshold: "12.5",
		TableLow:  "-5",
		TableHigh: "20",
		Rolling:   "monthly,weekly,weekly",
	}, true)
	require.NoError(t, err)
	assert.Equal(t, "2023-01-01..2024-01-01", in.Range.String())
	assert.Equal(t, 12.5, in.Threshold)
	assert.Equal(t, -5, in.TableLow)
	assert.Equal(t, 20, in.TableHigh)
	assert.Equal(t, []RollingWindow{RollingWeekly, RollingMonthly}, in.Rolling)
}

func TestResolveInputs_Errors(t *testing.T) {
	d := newTestDashboard(&mockFetcher{})
	tests := []struct {
		name string
		p    validation.DashboardParams
		want error
	}{
		{"inverted range", validation.DashboardParams{Start: "2023-06-01", End: "2023-01-01"}, validation.ErrInvalidDateRange},
		{"before min", validation.DashboardParams{Start: "2019-06-01"}, validation.ErrDateOutOfBounds},
		{"inverted table", validation.DashboardParams{TableLow: "10", TableHigh: "0"}, validation.ErrInvalidTableRange},
		{"fractional table", validation.DashboardParams{TableLow: "0.5"}, validation.ErrInvalidTableRange},
		{"bad rolling", validation.DashboardParams{Rolling: "yearly"}, validation.ErrInvalidParams},
		{"bad unit", validation.DashboardParams{Unit: "kelvin"}, validation.ErrInvalidUnit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.ResolveInputs(tt.p, false)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestControls_IncludesDates(t *testing.T) {
	d := newTestDashboard(&mockFetcher{})
	c := d.Controls(models.Celsius)
	require.NotNil(t, c.Dates)
	assert.Equal(t, DateControl{Min: "2020-01-01", Max: "2024-01-01", Start: "2022-01-01", End: "2024-01-01"}, *c.Dates)
	assert.Equal(t, -15, c.Threshold.Value)
}

func TestRenderPlot(t *testing.T) {
	d := newTestDashboard(&mockFetcher{series: seriesOf(2, 5, -3, 10, 0, 7, 8, 1)})
	in := inputsFor(urbana.Label, models.Fahrenheit)
	in.Rolling = []RollingWindow{RollingWeekly}
	view := d.Build(context.Background(), in)

	var svg bytes.Buffer
	require.NoError(t, RenderPlot(&svg, view.Plot, FormatSVG))
	assert.Contains(t, svg.String(), "<svg")

	var png bytes.Buffer
	require.NoError(t, RenderPlot(&png, view.Plot, FormatPNG))
	assert.True(t, bytes.HasPrefix(png.Bytes(), []byte("\x89PNG")))

	err := RenderPlot(&bytes.Buffer{}, view.Plot, "gif")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestRenderPlot_NoData(t *testing.T) {
	d := newTestDashboard(&mockFetcher{err: errors.New("down")})
	view := d.Build(context.Background(), inputsFor(urbana.Label, models.Fahrenheit))

	var buf bytes.Buffer
	require.NoError(t, RenderPlot(&buf, view.Plot, FormatSVG))
	assert.Contains(t, buf.String(), "No data")
}
