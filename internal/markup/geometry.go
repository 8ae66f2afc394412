package markup

import "math"

// PageGeometry describes where a page is visible in user space.
type PageGeometry struct {
	// Box is the crop box as llx, lly, urx, ury.
	Box [4]float64
	// Rotate is the clockwise display rotation: 0, 90, 180 or 270.
	Rotate int
}

// NewPageGeometry normalizes rotate to one of the four quadrants.
func NewPageGeometry(box [4]float64, rotate int) PageGeometry {
	r := ((rotate % 360) + 360) % 360
	r = (r / 90) * 90
	if box[0] > box[2] {
		box[0], box[2] = box[2], box[0]
	}
	if box[1] > box[3] {
		box[1], box[3] = box[3], box[1]
	}
	return PageGeometry{Box: box, Rotate: r}
}

func (g PageGeometry) userSize() (float64, float64) {
	return g.Box[2] - g.Box[0], g.Box[3] - g.Box[1]
}

// DisplaySize returns the page width and height as shown to the user.
func (g PageGeometry) DisplaySize() (float64, float64) {
	w, h := g.userSize()
	if g.Rotate == 90 || g.Rotate == 270 {
		return h, w
	}
	return w, h
}

// ToPDF maps a normalized display point to user space.
func (g PageGeometry) ToPDF(p Point) (float64, float64) {
	w, h := g.userSize()
	llx, lly, urx, ury := g.Box[0], g.Box[1], g.Box[2], g.Box[3]
	switch g.Rotate {
	case 90:
		return llx + p.Y*w, lly + p.X*h
	case 180:
		return urx - p.X*w, lly + p.Y*h
	case 270:
		return urx - p.Y*w, ury - p.X*h
	default:
		return llx + p.X*w, ury - p.Y*h
	}
}

// Frame returns a matrix whose origin is the user space position of p
// and whose axes point right and up as the page is displayed.
func (g PageGeometry) Frame(p Point) Matrix {
	x, y := g.ToPDF(p)
	switch g.Rotate {
	case 90:
		return Matrix{0, 1, -1, 0, x, y}
	case 180:
		return Matrix{-1, 0, 0, -1, x, y}
	case 270:
		return Matrix{0, -1, 1, 0, x, y}
	default:
		return Matrix{1, 0, 0, 1, x, y}
	}
}

// Matrix is a PDF transformation matrix [a b c d e f].
type Matrix [6]float64

// Apply transforms (x, y).
func (m Matrix) Apply(x, y float64) (float64, float64) {
	return m[0]*x + m[2]*y + m[4], m[1]*x + m[3]*y + m[5]
}

// Rect is an axis-aligned rectangle in user space.
type Rect struct {
	LLX, LLY, URX, URY float64
}

func (r Rect) Width() float64  { return r.URX - r.LLX }
func (r Rect) Height() float64 { return r.URY - r.LLY }

// Inset shrinks r by d on every side, never past its centre.
func (r Rect) Inset(d float64) Rect {
	d = math.Min(d, math.Min(r.Width(), r.Height())/2)
	return Rect{r.LLX + d, r.LLY + d, r.URX - d, r.URY - d}
}

// Outset grows r by d on every side.
func (r Rect) Outset(d float64) Rect {
	return Rect{r.LLX - d, r.LLY - d, r.URX + d, r.URY + d}
}

// Union returns the smallest rectangle containing r and o.
func (r Rect) Union(o Rect) Rect {
	return Rect{math.Min(r.LLX, o.LLX), math.Min(r.LLY, o.LLY), math.Max(r.URX, o.URX), math.Max(r.URY, o.URY)}
}

// Array returns r as [llx lly urx ury].
func (r Rect) Array() [4]float64 { return [4]float64{r.LLX, r.LLY, r.URX, r.URY} }

// boundsOf returns the bounding rectangle of user space points given as
// x0 y0 x1 y1 ...
func boundsOf(xy ...float64) Rect {
	r := Rect{math.Inf(1), math.Inf(1), math.Inf(-1), math.Inf(-1)}
	for i := 0; i+1 < len(xy); i += 2 {
		r.LLX = math.Min(r.LLX, xy[i])
		r.URX = math.Max(r.URX, xy[i])
		r.LLY = math.Min(r.LLY, xy[i+1])
		r.URY = math.Max(r.URY, xy[i+1])
	}
	return r
}

// boxRect maps the normalized bounding box of m to user space.
func (g PageGeometry) boxRect(m Markup) Rect {
	p0, p1 := m.Rect()
	x0, y0 := g.ToPDF(p0)
	x1, y1 := g.ToPDF(p1)
	return boundsOf(x0, y0, x1, y1)
}

// points maps normalized points to a flat user space coordinate list.
func (g PageGeometry) points(pts []Point) []float64 {
	out := make([]float64, 0, 2*len(pts))
	for _, p := range pts {
		x, y := g.ToPDF(p)
		out = append(out, x, y)
	}
	return out
}
