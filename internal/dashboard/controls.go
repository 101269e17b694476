package dashboard

import (
	"fmt"
	"strings"

	"github.com/kjstillabower/heatpump-dashboard/internal/analytics"
	"github.com/kjstillabower/heatpump-dashboard/internal/models"
)

// RollingWindow names a rolling-average overlay.
type RollingWindow string

const (
	RollingWeekly  RollingWindow = "weekly"
	RollingMonthly RollingWindow = "monthly"
)

// Size returns the window length in days, or 0 for an unknown window.
func (w RollingWindow) Size() int {
	switch w {
	case RollingWeekly:
		return analytics.WeeklyWindow
	case RollingMonthly:
		return analytics.MonthlyWindow
	}
	return 0
}

// Color is the overlay line color.
func (w RollingWindow) Color() string {
	if w == RollingMonthly {
		return "blue"
	}
	return "orange"
}

// Label is the legend text.
func (w RollingWindow) Label() string {
	if w == RollingMonthly {
		return "Monthly Rolling Average"
	}
	return "Weekly Rolling Average"
}

// ParseRolling parses a comma-separated subset of weekly and monthly.
// Duplicates collapse; output order is weekly then monthly.
func ParseRolling(s string) ([]RollingWindow, error) {
	var weekly, monthly bool
	for _, part := range strings.Split(s, ",") {
		switch RollingWindow(strings.ToLower(strings.TrimSpace(part))) {
		case "":
		case RollingWeekly:
			weekly = true
		case RollingMonthly:
			monthly = true
		default:
			return nil, fmt.Errorf("unknown rolling window %q", strings.TrimSpace(part))
		}
	}
	out := make([]RollingWindow, 0, 2)
	if weekly {
		out = append(out, RollingWeekly)
	}
	if monthly {
		out = append(out, RollingMonthly)
	}
	return out, nil
}

// Slider is a single-value slider.
type Slider struct {
	Min   int `json:"min"`
	Max   int `json:"max"`
	Value int `json:"value"`
}

// RangeSlider is a two-handle slider.
type RangeSlider struct {
	Min  int `json:"min"`
	Max  int `json:"max"`
	Low  int `json:"low"`
	High int `json:"high"`
}

// DateControl is the date-range picker state.
type DateControl struct {
	Min   string `json:"min"`
	Max   string `json:"max"`
	Start string `json:"start"`
	End   string `json:"end"`
}

// Controls is the state of every input widget for one unit.
type Controls struct {
	Unit      models.Unit     `json:"unit"`
	Threshold Slider          `json:"threshold"`
	Table     RangeSlider     `json:"table"`
	Rolling   []RollingWindow `json:"rollingOptions"`
	Dates     *DateControl    `json:"dates,omitempty"`
}

// DefaultControls returns the slider bounds and values for u. Anything other
// than Celsius gets the Fahrenheit defaults.
func DefaultControls(u models.Unit) Controls {
	c := Controls{
		Unit:      models.Fahrenheit,
		Threshold: Slider{Min: -15, Max: 50, Value: 5},
		Table:     RangeSlider{Min: -25, Max: 60, Low: 0, High: 15},
		Rolling:   []RollingWindow{RollingWeekly, RollingMonthly},
	}
	if u == models.Celsius {
		c.Unit = models.Celsius
		c.Threshold = Slider{Min: -25, Max: 10, Value: -15}
		c.Table = RangeSlider{Min: -30, Max: 15, Low: -20, High: -10}
	}
	return c
}

// WithUnit resets the sliders to u's defaults when u differs from the current
// unit. Temperature values are never converted between units.
func (c Controls) WithUnit(u models.Unit) Controls {
	if u == c.Unit {
		return c
	}
	next := DefaultControls(u)
	next.Dates = c.Dates
	return next
}
