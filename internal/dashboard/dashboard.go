// Package dashboard assembles the panels shown for one set of user inputs:
// the location readout and map marker, the threshold-colored scatter plot with
// rolling-average overlays, and the below-threshold table. A failing panel
// degrades to a status instead of failing the whole view.
package dashboard

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/heatpump-dashboard/internal/analytics"
	"github.com/kjstillabower/heatpump-dashboard/internal/models"
	"github.com/kjstillabower/heatpump-dashboard/internal/observability"
	"github.com/kjstillabower/heatpump-dashboard/internal/validation"
)

// PanelStatus is the outcome of building one panel.
type PanelStatus string

const (
	StatusOK           PanelStatus = "ok"
	StatusNoData       PanelStatus = "no_data"
	StatusNotAvailable PanelStatus = "not_available"
)

// Panel names used in metrics.
const (
	PanelLocation = "location"
	PanelPlot     = "plot"
	PanelTable    = "table"
)

const noDataMessage = "No data available for the selected inputs."

// CityLookup resolves a label to coordinates.
type CityLookup interface {
	Lookup(label string) (models.City, bool)
}

// SeriesFetcher returns the daily minimum series for a query.
type SeriesFetcher interface {
	GetSeries(ctx context.Context, q models.SeriesQuery) (models.TemperatureSeries, error)
}

// Settings are the deployment-wide defaults for the input widgets.
type Settings struct {
	DefaultCity  string
	DefaultRange models.DateRange
	DefaultUnit  models.Unit
	Bounds       validation.DateBounds
}

// Inputs is the full input tuple; every panel is a function of it.
type Inputs struct {
	City      string           `json:"city"`
	Range     models.DateRange `json:"range"`
	Unit      models.Unit      `json:"unit"`
	Threshold float64          `json:"threshold"`
	TableLow  int              `json:"tableLow"`
	TableHigh int              `json:"tableHigh"`
	Rolling   []RollingWindow  `json:"rolling"`
}

// LocationPanel is the coordinate readout plus map marker.
type LocationPanel struct {
	Status PanelStatus  `json:"status"`
	City   *models.City `json:"city,omitempty"`
	Text   string       `json:"text"`
	Marker *Marker      `json:"marker,omitempty"`
}

// Overlay is one rolling-average line.
type Overlay struct {
	Window RollingWindow             `json:"window"`
	Label  string                    `json:"label"`
	Color  string                    `json:"color"`
	Points []models.DailyTemperature `json:"points"`
}

// PlotPanel holds everything needed to draw the scatter plot.
type PlotPanel struct {
	Status         PanelStatus               `json:"status"`
	Message        string                    `json:"message,omitempty"`
	Unit           models.Unit               `json:"unit"`
	YLabel         string                    `json:"yLabel"`
	Range          models.DateRange          `json:"range"`
	Threshold      float64                   `json:"threshold"`
	ThresholdColor string                    `json:"thresholdColor"`
	Below          []models.DailyTemperature `json:"below"`
	AtOrAbove      []models.DailyTemperature `json:"atOrAbove"`
	BelowColor     string                    `json:"belowColor"`
	AboveColor     string                    `json:"aboveColor"`
	Overlays       []Overlay                 `json:"overlays"`
	Days           int                       `json:"days"`
}

// TablePanel is the threshold table, highest temperature first.
type TablePanel struct {
	Status    PanelStatus              `json:"status"`
	Message   string                   `json:"message,omitempty"`
	Low       int                      `json:"low"`
	High      int                      `json:"high"`
	TotalDays int                      `json:"totalDays"`
	Rows      []analytics.ThresholdRow `json:"rows"`
}

// View is the whole dashboard for one Inputs.
type View struct {
	Inputs   Inputs        `json:"inputs"`
	Location LocationPanel `json:"location"`
	Plot     PlotPanel     `json:"plot"`
	Table    TablePanel    `json:"table"`

	// FetchErr is the archive error behind no_data panels, if any.
	FetchErr error `json:"-"`
}

// Dashboard builds views from the city directory and the series fetcher.
type Dashboard struct {
	cities   CityLookup
	fetcher  SeriesFetcher
	maps     MapRenderer
	settings Settings
	logger   *zap.Logger
}

// New wires a Dashboard. A nil maps renderer gets the Leaflet default; a nil
// logger gets a no-op logger.
func New(cities CityLookup, fetcher SeriesFetcher, maps MapRenderer, settings Settings, logger *zap.Logger) *Dashboard {
	if maps == nil {
		maps = NewLeafletRenderer()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if !settings.DefaultUnit.Valid() {
		settings.DefaultUnit = models.Fahrenheit
	}
	return &Dashboard{cities: cities, fetcher: fetcher, maps: maps, settings: settings, logger: logger}
}

// Settings returns the dashboard defaults.
func (d *Dashboard) Settings() Settings {
	return d.settings
}

// Controls returns the widget defaults for u including the date picker.
func (d *Dashboard) Controls(u models.Unit) Controls {
	c := DefaultControls(u)
	r := d.settings.DefaultRange
	c.Dates = &DateControl{
		Min:   formatDate(d.settings.Bounds.Min),
		Max:   formatDate(d.settings.Bounds.Max),
		Start: formatDate(r.Start),
		End:   formatDate(r.End),
	}
	return c
}

// ResolveInputs turns validated query parameters into Inputs, filling gaps with
// the per-unit control defaults. hasCity is false when the city parameter was
// omitted entirely; the default city is used then. An explicitly empty city
// stays empty and yields a not-available location.
func (d *Dashboard) ResolveInputs(p validation.DashboardParams, hasCity bool) (Inputs, error) {
	unit, err := validation.ParseUnit(p.Unit, d.settings.DefaultUnit)
	if err != nil {
		return Inputs{}, err
	}
	controls := DefaultControls(unit)

	in := Inputs{
		City:      p.City,
		Unit:      unit,
		Threshold: float64(controls.Threshold.Value),
		TableLow:  controls.Table.Low,
		TableHigh: controls.Table.High,
		Range:     d.settings.DefaultRange,
		Rolling:   []RollingWindow{},
	}
	if !hasCity {
		in.City = d.settings.DefaultCity
	}

	if p.Start != "" || p.End != "" {
		start, end := formatDate(in.Range.Start), formatDate(in.Range.End)
		if p.Start != "" {
			start = p.Start
		}
		if p.End != "" {
			end = p.End
		}
		r, err := models.ParseDateRange(start, end)
		if err != nil {
			return Inputs{}, fmt.Errorf("%w: %v", validation.ErrInvalidParams, err)
		}
		in.Range = r
	}
	if err := d.settings.Bounds.Validate(in.Range); err != nil {
		return Inputs{}, err
	}

	if p.Threshold != "" {
		v, err := strconv.ParseFloat(p.Threshold, 64)
		if err != nil {
			return Inputs{}, fmt.Errorf("%w: threshold: %v", validation.ErrInvalidParams, err)
		}
		in.Threshold = v
	}
	if p.TableLow != "" {
		if in.TableLow, err = parseWholeDegrees(p.TableLow); err != nil {
			return Inputs{}, err
		}
	}
	if p.TableHigh != "" {
		if in.TableHigh, err = parseWholeDegrees(p.TableHigh); err != nil {
			return Inputs{}, err
		}
	}
	if err := validation.ValidateTableRange(in.TableLow, in.TableHigh); err != nil {
		return Inputs{}, err
	}

	rolling, err := ParseRolling(p.Rolling)
	if err != nil {
		return Inputs{}, fmt.Errorf("%w: %v", validation.ErrInvalidParams, err)
	}
	in.Rolling = rolling
	return in, nil
}

func parseWholeDegrees(s string) (int, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v != math.Trunc(v) || math.Abs(v) > 1e6 {
		return 0, fmt.Errorf("%w: table bound %q must be a whole number", validation.ErrInvalidTableRange, s)
	}
	return int(v), nil
}

// Build computes every panel for in. It never returns an error: an unknown
// city marks the location not available and the data panels no_data, and a
// failed fetch marks only the data panels no_data.
func (d *Dashboard) Build(ctx context.Context, in Inputs) View {
	logger := loggerFromContext(ctx, d.logger)
	view := View{Inputs: in}

	city, found := d.lookup(in.City)
	view.Location = d.locationPanel(city, found)
	observability.RecordPanel(PanelLocation, string(view.Location.Status))
	if found {
		observability.RecordDashboardQuery(city.Label)
	}

	var series models.TemperatureSeries
	var seriesErr error
	if !found {
		seriesErr = analytics.ErrNoData
	} else {
		series, seriesErr = d.fetcher.GetSeries(ctx, models.SeriesQuery{
			Latitude:  city.Latitude,
			Longitude: city.Longitude,
			Range:     in.Range,
			Unit:      in.Unit,
		})
		if seriesErr != nil {
			view.FetchErr = seriesErr
			logger.Warn("series unavailable, rendering no data",
				zap.String("city", city.Label),
				zap.String("range", in.Range.String()),
				zap.String("unit", string(in.Unit)),
				zap.Error(seriesErr))
		}
	}

	view.Plot = plotPanel(in, series, seriesErr)
	view.Table = tablePanel(in, series, seriesErr)
	observability.RecordPanel(PanelPlot, string(view.Plot.Status))
	observability.RecordPanel(PanelTable, string(view.Table.Status))
	return view
}

func (d *Dashboard) lookup(label string) (models.City, bool) {
	if label == "" || d.cities == nil {
		return models.City{}, false
	}
	return d.cities.Lookup(label)
}

func (d *Dashboard) locationPanel(city models.City, found bool) LocationPanel {
	if !found {
		return LocationPanel{Status: StatusNotAvailable, Text: LocationUnavailableMessage}
	}
	marker := d.maps.ShowMarker(city.Latitude, city.Longitude)
	return LocationPanel{
		Status: StatusOK,
		City:   &city,
		Text:   CoordinateText(city),
		Marker: &marker,
	}
}

// YAxisLabel is the plot's y-axis title for u.
func YAxisLabel(u models.Unit) string {
	return "Daily Minimum Temperature °" + u.Symbol()
}

func plotPanel(in Inputs, series models.TemperatureSeries, err error) PlotPanel {
	p := PlotPanel{
		Unit:           in.Unit,
		YLabel:         YAxisLabel(in.Unit),
		Range:          in.Range,
		Threshold:      in.Threshold,
		ThresholdColor: "grey",
		BelowColor:     "grey",
		AboveColor:     "black",
		Below:          []models.DailyTemperature{},
		AtOrAbove:      []models.DailyTemperature{},
		Overlays:       []Overlay{},
	}
	if err != nil || series.Observed() == 0 {
		p.Status = StatusNoData
		p.Message = noDataMessage
		return p
	}

	part := analytics.PartitionByThreshold(series.Days, in.Threshold)
	p.Status = StatusOK
	p.Below = part.Below
	p.AtOrAbove = part.AtOrAbove
	p.Days = series.Len()
	for _, w := range in.Rolling {
		p.Overlays = append(p.Overlays, Overlay{
			Window: w,
			Label:  w.Label(),
			Color:  w.Color(),
			Points: analytics.RollingSeries(series.Days, w.Size()),
		})
	}
	return p
}

func tablePanel(in Inputs, series models.TemperatureSeries, err error) TablePanel {
	t := TablePanel{Low: in.TableLow, High: in.TableHigh, Rows: []analytics.ThresholdRow{}}
	if err != nil {
		t.Status = StatusNoData
		t.Message = noDataMessage
		return t
	}
	rows, err := analytics.ThresholdTable(series.Values(), in.TableLow, in.TableHigh)
	if err != nil {
		t.Status = StatusNoData
		t.Message = noDataMessage
		if !errors.Is(err, analytics.ErrNoData) {
			t.Message = err.Error()
		}
		return t
	}
	t.Status = StatusOK
	t.TotalDays = series.Len()
	t.Rows = analytics.SortDescending(rows)
	return t
}

func loggerFromContext(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return fallback
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(models.DateLayout)
}
