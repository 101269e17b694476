package dashboard

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/kjstillabower/heatpump-dashboard/internal/models"
)

// Plot image formats.
const (
	FormatSVG = "svg"
	FormatPNG = "png"
)

// ErrUnsupportedFormat is returned by RenderPlot for formats other than svg and png.
var ErrUnsupportedFormat = errors.New("unsupported plot format")

// Default plot size.
var (
	PlotWidth  = 10 * vg.Inch
	PlotHeight = 5 * vg.Inch
)

var (
	colorGrey   = color.RGBA{R: 128, G: 128, B: 128, A: 255}
	colorBlack  = color.RGBA{A: 255}
	colorOrange = color.RGBA{R: 255, G: 165, A: 255}
	colorBlue   = color.RGBA{B: 255, A: 255}
)

// ContentType returns the MIME type for a plot format.
func ContentType(format string) string {
	if format == FormatPNG {
		return "image/png"
	}
	return "image/svg+xml"
}

// RenderPlot draws p as a scatter plot into w. A no_data panel renders empty
// axes spanning the requested range with a "No data" title.
func RenderPlot(w io.Writer, p PlotPanel, format string) error {
	if format != FormatSVG && format != FormatPNG {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	plt := plot.New()
	plt.X.Label.Text = "Date"
	plt.Y.Label.Text = p.YLabel
	plt.X.Tick.Marker = plot.TimeTicks{Format: models.DateLayout}
	plt.Legend.Top = true

	if p.Status != StatusOK {
		plt.Title.Text = "No data"
		plt.X.Min, plt.X.Max = dateX(p.Range.Start), dateX(p.Range.End)
		if plt.X.Max <= plt.X.Min {
			plt.X.Max = plt.X.Min + 86400
		}
		plt.Y.Min, plt.Y.Max = p.Threshold-10, p.Threshold+10
	} else if err := addSeries(plt, p); err != nil {
		return err
	}

	wt, err := plt.WriterTo(PlotWidth, PlotHeight, format)
	if err != nil {
		return fmt.Errorf("render plot: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("write plot: %w", err)
	}
	return nil
}

func addSeries(plt *plot.Plot, p PlotPanel) error {
	groups := []struct {
		label string
		days  []models.DailyTemperature
		color color.Color
	}{
		{"Below threshold", p.Below, colorGrey},
		{"At or above threshold", p.AtOrAbove, colorBlack},
	}
	first, last := p.Range.End, p.Range.Start
	for _, g := range groups {
		if len(g.days) == 0 {
			continue
		}
		s, err := plotter.NewScatter(toXYs(g.days))
		if err != nil {
			return fmt.Errorf("scatter: %w", err)
		}
		s.GlyphStyle.Color = g.color
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		s.GlyphStyle.Radius = vg.Points(1.5)
		plt.Add(s)
		plt.Legend.Add(g.label, s)
		if d := g.days[0].Date; d.Before(first) {
			first = d
		}
		if d := g.days[len(g.days)-1].Date; d.After(last) {
			last = d
		}
	}

	for _, o := range p.Overlays {
		if len(o.Points) == 0 {
			continue
		}
		l, err := plotter.NewLine(toXYs(o.Points))
		if err != nil {
			return fmt.Errorf("overlay %s: %w", o.Window, err)
		}
		l.LineStyle.Width = vg.Points(1.5)
		l.LineStyle.Color = colorOrange
		if o.Window == RollingMonthly {
			l.LineStyle.Color = colorBlue
		}
		plt.Add(l)
		plt.Legend.Add(o.Label, l)
	}

	threshold, err := plotter.NewLine(plotter.XYs{
		{X: dateX(first), Y: p.Threshold},
		{X: dateX(last), Y: p.Threshold},
	})
	if err != nil {
		return fmt.Errorf("threshold line: %w", err)
	}
	threshold.LineStyle.Color = colorGrey
	threshold.LineStyle.Width = vg.Points(1)
	threshold.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	plt.Add(threshold)
	return nil
}

// toXYs converts days to plot points, leaving out missing days.
func toXYs(days []models.DailyTemperature) plotter.XYs {
	xys := make(plotter.XYs, 0, len(days))
	for _, d := range days {
		if d.Missing() {
			continue
		}
		xys = append(xys, plotter.XY{X: dateX(d.Date), Y: d.Value})
	}
	return xys
}

func dateX(t time.Time) float64 {
	return float64(t.Unix())
}
