package markup

import (
	"bytes"
	"math"
	"strconv"
	"strings"
)

// bezierK places the control points of a quarter ellipse.
const bezierK = 0.5522847498

// stream accumulates content stream operators.
type stream struct {
	buf bytes.Buffer
}

func num(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "0"
	}
	s := strconv.FormatFloat(v, 'f', 3, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "-0" || s == "" {
		return "0"
	}
	return s
}

// op writes the operands followed by the operator on one line.
func (s *stream) op(operator string, operands ...float64) {
	for _, v := range operands {
		s.buf.WriteString(num(v))
		s.buf.WriteByte(' ')
	}
	s.buf.WriteString(operator)
	s.buf.WriteByte('\n')
}

func (s *stream) raw(line string) {
	s.buf.WriteString(line)
	s.buf.WriteByte('\n')
}

func (s *stream) save() { s.raw("q") }
func (s *stream) restore() { s.raw("Q") }

func (s *stream) cm(m Matrix) { s.op("cm", m[0], m[1], m[2], m[3], m[4], m[5]) }

func (s *stream) strokeColor(c *RGB) {
	if c != nil {
		s.op("RG", c.R, c.G, c.B)
	}
}

func (s *stream) fillColor(c *RGB) {
	if c != nil {
		s.op("rg", c.R, c.G, c.B)
	}
}

func (s *stream) lineWidth(w float64) { s.op("w", w) }

// dash sets the stroke pattern for solid, dashed or dotted lines.
func (s *stream) dash(style string, w float64) {
	switch style {
	case "dashed":
		s.raw("[" + num(3*w) + " " + num(2*w) + "] 0 d")
	case "dotted":
		s.raw("[" + num(w) + " " + num(2*w) + "] 0 d")
		s.raw("1 J")
	}
}

func (s *stream) roundJoins() { s.raw("1 J\n1 j") }

func (s *stream) moveTo(x, y float64) { s.op("m", x, y) }
func (s *stream) lineTo(x, y float64) { s.op("l", x, y) }
func (s *stream) closePath() { s.raw("h") }
func (s *stream) rect(r Rect) { s.op("re", r.LLX, r.LLY, r.Width(), r.Height()) }
func (s *stream) curveTo(x1, y1, x2, y2, x3, y3 float64) {
	s.op("c", x1, y1, x2, y2, x3, y3)
}

// polyline appends a path through the flat coordinate list xy.
func (s *stream) polyline(xy []float64, closed bool) {
	if len(xy) < 2 {
		return
	}
	s.moveTo(xy[0], xy[1])
	for i := 2; i+1 < len(xy); i += 2 {
		s.lineTo(xy[i], xy[i+1])
	}
	if closed {
		s.closePath()
	}
}

// ellipse appends an ellipse inscribed in r built from four Bézier arcs.
func (s *stream) ellipse(r Rect) {
	cx, cy := (r.LLX+r.URX)/2, (r.LLY+r.URY)/2
	rx, ry := r.Width()/2, r.Height()/2
	kx, ky := rx*bezierK, ry*bezierK
	s.moveTo(cx+rx, cy)
	s.curveTo(cx+rx, cy+ky, cx+kx, cy+ry, cx, cy+ry)
	s.curveTo(cx-kx, cy+ry, cx-rx, cy+ky, cx-rx, cy)
	s.curveTo(cx-rx, cy-ky, cx-kx, cy-ry, cx, cy-ry)
	s.curveTo(cx+kx, cy-ry, cx+rx, cy-ky, cx+rx, cy)
	s.closePath()
}

// cloud appends a scalloped outline around r and returns how far the
// bumps reach outside it.
func (s *stream) cloud(r Rect, w float64) float64 {
	size := math.Max(8, 4*w)
	corners := [][2]float64{{r.LLX, r.LLY}, {r.URX, r.LLY}, {r.URX, r.URY}, {r.LLX, r.URY}}
	height := size * 0.5
	first := true
	for i := range corners {
		a, b := corners[i], corners[(i+1)%len(corners)]
		dx, dy := b[0]-a[0], b[1]-a[1]
		length := math.Hypot(dx, dy)
		if length == 0 {
			continue
		}
		n := int(math.Max(1, math.Round(length/size)))
		// outward normal for a counter-clockwise traversal
		nx, ny := dy/length, -dx/length
		for j := 0; j < n; j++ {
			t0, t1 := float64(j)/float64(n), float64(j+1)/float64(n)
			x0, y0 := a[0]+dx*t0, a[1]+dy*t0
			x1, y1 := a[0]+dx*t1, a[1]+dy*t1
			if first {
				s.moveTo(x0, y0)
				first = false
			}
			h := height * 4 / 3
			s.curveTo(x0+nx*h, y0+ny*h, x1+nx*h, y1+ny*h, x1, y1)
		}
	}
	if !first {
		s.closePath()
	}
	return height
}

// arrowHead appends two strokes forming an open arrow at (x, y) pointing
// away from (fx, fy).
func (s *stream) arrowHead(fx, fy, x, y, size float64) {
	angle := math.Atan2(y-fy, x-fx)
	for _, d := range []float64{math.Pi / 6, -math.Pi / 6} {
		s.moveTo(x, y)
		s.lineTo(x-size*math.Cos(angle+d), y-size*math.Sin(angle+d))
	}
}

// paint emits the painting operator for the given fill/stroke combination.
func (s *stream) paint(fill, stroke bool) {
	switch {
	case fill && stroke:
		s.raw("B")
	case fill:
		s.raw("f")
	case stroke:
		s.raw("S")
	default:
		s.raw("n")
	}
}

func (s *stream) Bytes() []byte { return s.buf.Bytes() }
