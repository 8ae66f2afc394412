package markup

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("markupkind", func(fl validator.FieldLevel) bool {
			k := Kind(fl.Field().String())
			for _, known := range Kinds {
				if k == known {
					return true
				}
			}
			return false
		})
	})
	return validate
}

// edgeTolerance absorbs rounding in boxes drawn flush with the page edge.
const edgeTolerance = 1e-6

// Validate checks m and returns a copy with free text sanitized. Every
// error wraps ErrInvalid.
func Validate(m Markup) (Markup, error) {
	if err := validatorInstance().Struct(m); err != nil {
		return m, fmt.Errorf("%w: %s", ErrInvalid, describe(err))
	}
	for _, c := range []struct{ name, value string }{
		{"color", m.Color}, {"fill_color", m.FillColor}, {"text_color", m.TextColor},
	} {
		if _, _, err := ParseColor(c.value); err != nil {
			return m, fmt.Errorf("%w: %s: unparseable colour %q", ErrInvalid, c.name, c.value)
		}
	}
	m.Text = SanitizeText(m.Text)

	switch m.Type {
	case KindRectangle, KindCircle, KindCloud, KindText, KindCallout, KindImage, KindRedaction:
		if m.Width <= 0 || m.Height <= 0 {
			return m, fmt.Errorf("%w: %s needs a positive width and height", ErrInvalid, m.Type)
		}
		if m.X+m.Width > 1+edgeTolerance || m.Y+m.Height > 1+edgeTolerance {
			return m, fmt.Errorf("%w: %s extends past the page", ErrInvalid, m.Type)
		}
	case KindLine, KindArrow:
		if m.Start == nil || m.End == nil {
			return m, fmt.Errorf("%w: %s needs start and end points", ErrInvalid, m.Type)
		}
		if *m.Start == *m.End {
			return m, fmt.Errorf("%w: %s has zero length", ErrInvalid, m.Type)
		}
	case KindPen, KindHighlighter, KindPolyline:
		if len(m.Points) < 2 {
			return m, fmt.Errorf("%w: %s needs at least 2 points", ErrInvalid, m.Type)
		}
	case KindPolygon:
		if len(m.Points) < 3 {
			return m, fmt.Errorf("%w: polygon needs at least 3 points", ErrInvalid)
		}
	}

	switch m.Type {
	case KindText, KindNote:
		if m.Text == "" {
			return m, fmt.Errorf("%w: %s needs text", ErrInvalid, m.Type)
		}
	case KindCallout:
		if m.Anchor == nil {
			return m, fmt.Errorf("%w: callout needs an anchor point", ErrInvalid)
		}
	case KindImage:
		if _, err := decodeDataURL(m.Image); err != nil {
			return m, fmt.Errorf("%w: image: %v", ErrInvalid, err)
		}
	}
	return m, nil
}

// describe flattens validator errors into one readable line.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Markup.")
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
