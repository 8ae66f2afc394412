// Package markup converts user-drawn page markups into PDF annotations
// and flattened page content.
package markup

import (
	"errors"
	"time"
)

// Kind names a markup shape.
type Kind string

const (
	KindPen         Kind = "pen"
	KindHighlighter Kind = "highlighter"
	KindRectangle   Kind = "rectangle"
	KindCircle      Kind = "circle"
	KindLine        Kind = "line"
	KindArrow       Kind = "arrow"
	KindText        Kind = "text"
	KindNote        Kind = "note"
	KindCloud       Kind = "cloud"
	KindCallout     Kind = "callout"
	KindPolyline    Kind = "polyline"
	KindPolygon     Kind = "polygon"
	KindImage       Kind = "image"
	KindRedaction   Kind = "redaction"
)

// Kinds lists every supported kind.
var Kinds = []Kind{
	KindPen, KindHighlighter, KindRectangle, KindCircle, KindLine, KindArrow, KindText,
	KindNote, KindCloud, KindCallout, KindPolyline, KindPolygon, KindImage, KindRedaction,
}

// Mode selects how markups end up in the document.
type Mode string

const (
	// ModeAnnotate adds editable annotation objects.
	ModeAnnotate Mode = "annotate"
	// ModeFlatten paints markups into the page content.
	ModeFlatten Mode = "flatten"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid markup")

// Point is a normalized position; (0,0) is the top-left corner of the
// page as displayed and (1,1) the bottom-right one.
type Point struct {
	X float64 `json:"x" validate:"gte=0,lte=1"`
	Y float64 `json:"y" validate:"gte=0,lte=1"`
}

// Markup is a single user-drawn shape. Which fields are meaningful
// depends on Type.
type Markup struct {
	ID   string `json:"id,omitempty" validate:"max=128"`
	Type Kind   `json:"type" validate:"required,markupkind"`
	Page int    `json:"page,omitempty" validate:"gte=0"`

	// Bounding box for rectangle-like kinds.
	X      float64 `json:"x" validate:"gte=0,lte=1"`
	Y      float64 `json:"y" validate:"gte=0,lte=1"`
	Width  float64 `json:"width" validate:"gte=0,lte=1"`
	Height float64 `json:"height" validate:"gte=0,lte=1"`

	Points []Point `json:"points,omitempty" validate:"max=20000,dive"`
	Start  *Point  `json:"start,omitempty"`
	End    *Point  `json:"end,omitempty"`
	Anchor *Point  `json:"anchor,omitempty"`

	Color       string   `json:"color,omitempty" validate:"max=64"`
	FillColor   string   `json:"fill_color,omitempty" validate:"max=64"`
	Opacity     *float64 `json:"opacity,omitempty" validate:"omitempty,gte=0,lte=1"`
	FillOpacity *float64 `json:"fill_opacity,omitempty" validate:"omitempty,gte=0,lte=1"`
	StrokeWidth float64  `json:"stroke_width,omitempty" validate:"gte=0,lte=200"`
	StrokeStyle string   `json:"stroke_style,omitempty" validate:"omitempty,oneof=solid dashed dotted"`

	Text      string  `json:"text,omitempty" validate:"max=20000"`
	FontSize  float64 `json:"font_size,omitempty" validate:"omitempty,gte=1,lte=400"`
	TextColor string  `json:"text_color,omitempty" validate:"max=64"`

	ArrowHead string `json:"arrow_head,omitempty" validate:"omitempty,oneof=start end both none"`
	Image     string `json:"image,omitempty"`

	Author    string    `json:"author,omitempty" validate:"max=256"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Rect returns the normalized bounding box corners.
func (m Markup) Rect() (Point, Point) {
	return Point{m.X, m.Y}, Point{m.X + m.Width, m.Y + m.Height}
}

// Report summarises what Apply did.
type Report struct {
	Applied int       `json:"applied"`
	Skipped []Skipped `json:"skipped,omitempty"`
}

// Skipped describes a markup that could not be rendered.
type Skipped struct {
	Page   int    `json:"page"`
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

const (
	defaultStrokeWidth = 2.0
	defaultFontSize    = 12.0
	noteIconSize       = 20.0
)

func (m Markup) strokeWidth() float64 {
	if m.StrokeWidth > 0 {
		return m.StrokeWidth
	}
	if m.Type == KindHighlighter {
		return 12
	}
	return defaultStrokeWidth
}

func (m Markup) fontSize() float64 {
	if m.FontSize > 0 {
		return m.FontSize
	}
	return defaultFontSize
}

func (m Markup) opacity() float64 {
	if m.Opacity != nil {
		return *m.Opacity
	}
	if m.Type == KindHighlighter {
		return 0.4
	}
	return 1
}

func (m Markup) fillOpacity() float64 {
	if m.FillOpacity != nil {
		return *m.FillOpacity
	}
	return m.opacity()
}
