package validation

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"

	"github.com/kjstillabower/heatpump-dashboard/internal/models"
)

// MaxCityLabelLen bounds city labels in runes.
const MaxCityLabelLen = 100

// MaxTableRows bounds the number of rows a threshold table request may ask for.
const MaxTableRows = 500

var (
	ErrCityRequired      = errors.New("city is required")
	ErrCityInvalid       = errors.New("city contains invalid characters")
	ErrInvalidUnit       = errors.New("unit must be fahrenheit or celsius")
	ErrInvalidDateRange  = errors.New("start date must not be after end date")
	ErrDateOutOfBounds   = errors.New("date outside supported range")
	ErrInvalidTableRange = errors.New("invalid table temperature range")
	ErrInvalidParams     = errors.New("invalid query parameters")
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("citylabel", func(fl validator.FieldLevel) bool {
		return isCityLabel(fl.Field().String())
	})
	return v
}

// SeriesParams are the raw /api/series query parameters.
type SeriesParams struct {
	City  string `validate:"required,max=100,citylabel"`
	Start string `validate:"omitempty,datetime=2006-01-02"`
	End   string `validate:"omitempty,datetime=2006-01-02"`
	Unit  string `validate:"omitempty,oneof=fahrenheit celsius f c"`
}

// DashboardParams are the raw /api/dashboard query parameters. City may be
// empty: the dashboard then reports the location as not available.
type DashboardParams struct {
	City      string `validate:"max=100,citylabel"`
	Start     string `validate:"omitempty,datetime=2006-01-02"`
	End       string `validate:"omitempty,datetime=2006-01-02"`
	Unit      string `validate:"omitempty,oneof=fahrenheit celsius f c"`
	Threshold string `validate:"omitempty,numeric"`
	TableLow  string `validate:"omitempty,numeric"`
	TableHigh string `validate:"omitempty,numeric"`
	Rolling   string `validate:"omitempty,max=32"`
}

// Normalize trims every field and lowercases the unit.
func (p *SeriesParams) Normalize() {
	p.City = strings.TrimSpace(p.City)
	p.Start = strings.TrimSpace(p.Start)
	p.End = strings.TrimSpace(p.End)
	p.Unit = strings.ToLower(strings.TrimSpace(p.Unit))
}

// Normalize trims every field and lowercases the unit and rolling list.
func (p *DashboardParams) Normalize() {
	p.City = strings.TrimSpace(p.City)
	p.Start = strings.TrimSpace(p.Start)
	p.End = strings.TrimSpace(p.End)
	p.Unit = strings.ToLower(strings.TrimSpace(p.Unit))
	p.Threshold = strings.TrimSpace(p.Threshold)
	p.TableLow = strings.TrimSpace(p.TableLow)
	p.TableHigh = strings.TrimSpace(p.TableHigh)
	p.Rolling = strings.ToLower(strings.TrimSpace(p.Rolling))
}

// Params validates a params struct and maps failures to the package sentinels.
func Params(v interface{}) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	fe := verrs[0]
	switch {
	case fe.Field() == "City" && fe.Tag() == "required":
		return ErrCityRequired
	case fe.Field() == "City":
		return fmt.Errorf("%w: %q", ErrCityInvalid, fe.Value())
	case fe.Field() == "Unit":
		return fmt.Errorf("%w: got %q", ErrInvalidUnit, fe.Value())
	case fe.Tag() == "datetime":
		return fmt.Errorf("%w: %s must be YYYY-MM-DD", ErrInvalidParams, strings.ToLower(fe.Field()))
	}
	return fmt.Errorf("%w: %s failed %s", ErrInvalidParams, strings.ToLower(fe.Field()), fe.Tag())
}

// ValidateCityLabel trims input and checks it is a non-empty label of allowed
// characters: letters, digits, space, comma, hyphen, period, apostrophe.
func ValidateCityLabel(input string) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", ErrCityRequired
	}
	if len([]rune(s)) > MaxCityLabelLen || !isCityLabel(s) {
		return "", fmt.Errorf("%w: %q", ErrCityInvalid, s)
	}
	return s, nil
}

func isCityLabel(s string) bool {
	for _, r := range s {
		if !isAllowedCityRune(r) {
			return false
		}
	}
	return true
}

func isAllowedCityRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}

// ParseUnit validates a unit parameter. Empty returns def.
func ParseUnit(s string, def models.Unit) (models.Unit, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	u, err := models.ParseUnit(s)
	if err != nil {
		return "", fmt.Errorf("%w: got %q", ErrInvalidUnit, s)
	}
	return u, nil
}

// DateBounds is the supported archive window. Dates after Clock's today are
// rejected even when inside [Min, Max].
type DateBounds struct {
	Min   time.Time
	Max   time.Time
	Clock clockwork.Clock
}

// Validate checks start <= end and that both ends lie inside the bounds.
func (b DateBounds) Validate(r models.DateRange) error {
	if r.End.Before(r.Start) {
		return fmt.Errorf("%w: %s", ErrInvalidDateRange, r)
	}
	if !b.Min.IsZero() && r.Start.Before(models.Day(b.Min)) {
		return fmt.Errorf("%w: start %s before %s", ErrDateOutOfBounds,
			r.Start.Format(models.DateLayout), b.Min.Format(models.DateLayout))
	}
	if !b.Max.IsZero() && r.End.After(models.Day(b.Max)) {
		return fmt.Errorf("%w: end %s after %s", ErrDateOutOfBounds,
			r.End.Format(models.DateLayout), b.Max.Format(models.DateLayout))
	}
	if b.Clock != nil {
		today := models.Day(b.Clock.Now().UTC())
		if r.End.After(today) {
			return fmt.Errorf("%w: end %s is in the future", ErrDateOutOfBounds, r.End.Format(models.DateLayout))
		}
	}
	return nil
}

// ValidateTableRange checks low <= high and that the sweep stays under MaxTableRows.
func ValidateTableRange(low, high int) error {
	if low > high {
		return fmt.Errorf("%w: low %d above high %d", ErrInvalidTableRange, low, high)
	}
	if high-low+1 > MaxTableRows {
		return fmt.Errorf("%w: %d rows exceeds %d", ErrInvalidTableRange, high-low+1, MaxTableRows)
	}
	return nil
}
