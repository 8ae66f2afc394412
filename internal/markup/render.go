package markup

import (
	"fmt"
	"math"
)

// Name is a PDF name value in Rendered.Entries.
type Name string

// GState carries transparency for an appearance stream; it is referenced
// as /GS0 from the content.
type GState struct {
	StrokeAlpha float64
	FillAlpha   float64
	Blend       string
}

// Rendered describes one annotation independently of the PDF library.
// Content is an appearance stream in page user space whose bounding box
// is Rect. It may reference /Helv, /GS0 and /Im0.
type Rendered struct {
	Subtype string
	Rect    Rect
	Content []byte
	// Flat replaces Content when the markup is painted into the page.
	Flat     []byte
	UsesFont bool
	GState   *GState
	Image    *Image
	// Entries are extra annotation dictionary entries. Values are Name,
	// string, float64, int, bool, []float64, []any or map[string]any.
	Entries map[string]any
}

// style is the resolved stroke and fill of a markup.
type style struct {
	stroke      *RGB
	strokeAlpha float64
	fill        *RGB
	fillAlpha   float64
	width       float64
	dash        string
}

func styleOf(m Markup, defStroke *RGB) style {
	stroke, sa := mustColor(m.Color, defStroke)
	fill, fa := mustColor(m.FillColor, nil)
	return style{
		stroke:      stroke,
		strokeAlpha: clamp(sa*m.opacity(), 0, 1),
		fill:        fill,
		fillAlpha:   clamp(fa*m.fillOpacity(), 0, 1),
		width:       m.strokeWidth(),
		dash:        m.StrokeStyle,
	}
}

func (st style) gstate(blend string) *GState {
	if st.strokeAlpha >= 1 && st.fillAlpha >= 1 && blend == "" {
		return nil
	}
	return &GState{StrokeAlpha: st.strokeAlpha, FillAlpha: st.fillAlpha, Blend: blend}
}

// begin opens the graphics state shared by every appearance.
func (st style) begin(s *stream, gs *GState) {
	s.save()
	if gs != nil {
		s.raw("/GS0 gs")
	}
	s.strokeColor(st.stroke)
	s.fillColor(st.fill)
	s.lineWidth(st.width)
	s.dash(st.dash, st.width)
}

func (st style) border() map[string]any {
	bs := map[string]any{"Type": Name("Border"), "W": st.width, "S": Name("S")}
	switch st.dash {
	case "dashed":
		bs["S"] = Name("D")
		bs["D"] = []float64{3 * st.width, 2 * st.width}
	case "dotted":
		bs["S"] = Name("D")
		bs["D"] = []float64{st.width, 2 * st.width}
	}
	if st.stroke == nil {
		bs["W"] = 0.0
	}
	return bs
}

func colorEntry(c *RGB) []float64 {
	if c == nil {
		return []float64{}
	}
	return []float64{c.R, c.G, c.B}
}

// Render converts a markup into an annotation description for a page
// with geometry g. The markup is validated first.
func Render(m Markup, g PageGeometry) (Rendered, error) {
	m, err := Validate(m)
	if err != nil {
		return Rendered{}, err
	}
	if w, h := g.DisplaySize(); w <= 0 || h <= 0 {
		return Rendered{}, fmt.Errorf("%w: page has an empty box", ErrInvalid)
	}
	var r Rendered
	switch m.Type {
	case KindPen, KindHighlighter:
		r = renderInk(m, g)
	case KindRectangle, KindCloud:
		r = renderSquare(m, g)
	case KindCircle:
		r = renderCircle(m, g)
	case KindLine, KindArrow:
		r = renderLine(m, g)
	case KindText, KindCallout:
		r = renderFreeText(m, g)
	case KindNote:
		r = renderNote(m, g)
	case KindPolyline, KindPolygon:
		r = renderPoly(m, g)
	case KindImage:
		r, err = renderImage(m, g)
	case KindRedaction:
		r = renderRedaction(m, g)
	default:
		err = fmt.Errorf("%w: unsupported kind %q", ErrInvalid, m.Type)
	}
	if err != nil {
		return Rendered{}, err
	}
	if r.Entries == nil {
		r.Entries = map[string]any{}
	}
	return r, nil
}

func renderInk(m Markup, g PageGeometry) Rendered {
	def, blend := red, ""
	if m.Type == KindHighlighter {
		def, blend = yellow, "Multiply"
	}
	st := styleOf(m, def)
	st.fill = nil
	gs := st.gstate(blend)
	xy := g.points(m.Points)

	var s stream
	st.begin(&s, gs)
	s.roundJoins()
	s.polyline(xy, false)
	s.paint(false, st.stroke != nil)
	s.restore()

	ink := make([]float64, len(xy))
	copy(ink, xy)
	return Rendered{
		Subtype: "Ink",
		Rect:    boundsOf(xy...).Outset(st.width/2 + 1),
		Content: s.Bytes(),
		GState:  gs,
		Entries: map[string]any{
			"InkList": []any{ink},
			"C":       colorEntry(st.stroke),
			"BS":      st.border(),
		},
	}
}

func renderSquare(m Markup, g PageGeometry) Rendered {
	st := styleOf(m, red)
	gs := st.gstate("")
	box := g.boxRect(m)
	entries := map[string]any{"C": colorEntry(st.stroke), "BS": st.border()}
	if st.fill != nil {
		entries["IC"] = colorEntry(st.fill)
	}

	var s stream
	st.begin(&s, gs)
	rect := box
	if m.Type == KindCloud {
		s.roundJoins()
		bump := s.cloud(box, st.width)
		pad := bump + st.width/2 + 1
		rect = box.Outset(pad)
		entries["BE"] = map[string]any{"S": Name("C"), "I": 1}
		entries["RD"] = []float64{pad, pad, pad, pad}
	} else {
		s.rect(box.Inset(st.width / 2))
	}
	s.paint(st.fill != nil, st.stroke != nil)
	s.restore()

	return Rendered{Subtype: "Square", Rect: rect, Content: s.Bytes(), GState: gs, Entries: entries}
}

func renderCircle(m Markup, g PageGeometry) Rendered {
	st := styleOf(m, red)
	gs := st.gstate("")
	box := g.boxRect(m)
	entries := map[string]any{"C": colorEntry(st.stroke), "BS": st.border()}
	if st.fill != nil {
		entries["IC"] = colorEntry(st.fill)
	}

	var s stream
	st.begin(&s, gs)
	s.ellipse(box.Inset(st.width / 2))
	s.paint(st.fill != nil, st.stroke != nil)
	s.restore()

	return Rendered{Subtype: "Circle", Rect: box, Content: s.Bytes(), GState: gs, Entries: entries}
}

func arrowSize(w float64) float64 { return math.Max(6, 3*w) }

func lineEndings(m Markup) (start, end bool) {
	head := m.ArrowHead
	if head == "" && m.Type == KindArrow {
		head = "end"
	}
	return head == "start" || head == "both", head == "end" || head == "both"
}

func endingName(on bool) Name {
	if on {
		return "OpenArrow"
	}
	return "None"
}

func renderLine(m Markup, g PageGeometry) Rendered {
	st := styleOf(m, red)
	st.fill = nil
	gs := st.gstate("")
	x1, y1 := g.ToPDF(*m.Start)
	x2, y2 := g.ToPDF(*m.End)
	size := arrowSize(st.width)
	atStart, atEnd := lineEndings(m)

	var s stream
	st.begin(&s, gs)
	s.roundJoins()
	s.moveTo(x1, y1)
	s.lineTo(x2, y2)
	s.paint(false, st.stroke != nil)
	if atStart || atEnd {
		s.raw("[] 0 d")
		if atEnd {
			s.arrowHead(x1, y1, x2, y2, size)
		}
		if atStart {
			s.arrowHead(x2, y2, x1, y1, size)
		}
		s.paint(false, st.stroke != nil)
	}
	s.restore()

	return Rendered{
		Subtype: "Line",
		Rect:    boundsOf(x1, y1, x2, y2).Outset(size + st.width),
		Content: s.Bytes(),
		GState:  gs,
		Entries: map[string]any{
			"L":  []float64{x1, y1, x2, y2},
			"LE": []any{endingName(atStart), endingName(atEnd)},
			"C":  colorEntry(st.stroke),
			"BS": st.border(),
		},
	}
}

// textColor resolves the glyph colour: text_color, then color, then black.
func textColor(m Markup) *RGB {
	if c, _ := mustColor(m.TextColor, nil); c != nil {
		return c
	}
	if m.Type != KindCallout {
		if c, _ := mustColor(m.Color, nil); c != nil {
			return c
		}
	}
	return black
}

// writeText sets text wrapped to a bw × bh box whose top-left corner is
// the origin of frame, clipping anything that overflows.
func writeText(s *stream, frame Matrix, bw, bh float64, text string, size float64, c *RGB) {
	s.save()
	s.cm(frame)
	s.op("re", 0, -bh, bw, bh)
	s.raw("W n")
	s.raw("BT")
	s.raw("/Helv " + num(size) + " Tf")
	s.fillColor(c)
	leading := size * lineSpacing
	for i, line := range WrapText(text, size, bw-2*textPadding) {
		y := -(textPadding + 0.718*size) - float64(i)*leading
		if y < -bh-size {
			break
		}
		if line == "" {
			continue
		}
		s.op("Tm", 1, 0, 0, 1, textPadding, y)
		s.raw(literal(encodeWinAnsi(line)) + " Tj")
	}
	s.raw("ET")
	s.restore()
}

func displayBox(m Markup, g PageGeometry) (float64, float64) {
	dw, dh := g.DisplaySize()
	return m.Width * dw, m.Height * dh
}

// nearestEdgeMidpoint returns the midpoint of the side of r closest to (x, y).
func nearestEdgeMidpoint(r Rect, x, y float64) (float64, float64) {
	cx, cy := (r.LLX+r.URX)/2, (r.LLY+r.URY)/2
	candidates := [][2]float64{{r.LLX, cy}, {r.URX, cy}, {cx, r.LLY}, {cx, r.URY}}
	best, bestD := candidates[0], math.Inf(1)
	for _, c := range candidates {
		if d := math.Hypot(c[0]-x, c[1]-y); d < bestD {
			best, bestD = c, d
		}
	}
	return best[0], best[1]
}

func renderFreeText(m Markup, g PageGeometry) Rendered {
	// text boxes have no border unless a width is given
	st := styleOf(m, black)
	if m.StrokeWidth <= 0 && m.Type == KindText {
		st.stroke = nil
	}
	gs := st.gstate("")
	box := g.boxRect(m)
	bw, bh := displayBox(m, g)
	size := m.fontSize()
	tc := textColor(m)
	entries := map[string]any{
		"DA": fmt.Sprintf("/Helv %s Tf %s %s %s rg", num(size), num(tc.R), num(tc.G), num(tc.B)),
		"Q":  0,
		"BS": st.border(),
	}
	if st.stroke != nil {
		entries["C"] = colorEntry(st.stroke)
	}
	if st.fill != nil {
		entries["IC"] = colorEntry(st.fill)
	}

	var s stream
	st.begin(&s, gs)
	if st.fill != nil {
		s.rect(box)
		s.paint(true, false)
	}
	if st.stroke != nil {
		s.rect(box.Inset(st.width / 2))
		s.paint(false, true)
	}
	rect := box
	if m.Type == KindCallout {
		ax, ay := g.ToPDF(*m.Anchor)
		kx, ky := nearestEdgeMidpoint(box, ax, ay)
		head := arrowSize(st.width)
		leader := st.stroke
		if leader == nil {
			leader = black
		}
		s.strokeColor(leader)
		s.raw("[] 0 d")
		s.moveTo(kx, ky)
		s.lineTo(ax, ay)
		s.arrowHead(kx, ky, ax, ay, head)
		s.paint(false, true)
		rect = box.Union(boundsOf(ax, ay, ax, ay).Outset(head + st.width))
		entries["IT"] = Name("FreeTextCallout")
		entries["CL"] = []float64{ax, ay, kx, ky}
		entries["LE"] = Name("OpenArrow")
		entries["RD"] = []float64{box.LLX - rect.LLX, box.LLY - rect.LLY, rect.URX - box.URX, rect.URY - box.URY}
	}
	writeText(&s, g.Frame(Point{m.X, m.Y}), bw, bh, m.Text, size, tc)
	s.restore()

	return Rendered{Subtype: "FreeText", Rect: rect, Content: s.Bytes(), UsesFont: true, GState: gs, Entries: entries}
}

func renderNote(m Markup, g PageGeometry) Rendered {
	st := styleOf(m, noteColor)
	gs := st.gstate("")
	frame := g.Frame(Point{m.X, m.Y})
	n := noteIconSize
	x0, y0 := frame.Apply(0, 0)
	x1, y1 := frame.Apply(n, -n)

	var s stream
	s.save()
	if gs != nil {
		s.raw("/GS0 gs")
	}
	s.cm(frame)
	s.fillColor(st.stroke)
	s.strokeColor(black)
	s.lineWidth(0.75)
	s.op("re", 0.5, -n+0.5, n-1, n-1)
	s.paint(true, true)
	for i := 1; i <= 3; i++ {
		y := -n * float64(i) / 4
		s.moveTo(4, y)
		s.lineTo(n-4, y)
	}
	s.paint(false, true)
	s.restore()

	return Rendered{
		Subtype: "Text",
		Rect:    boundsOf(x0, y0, x1, y1),
		Content: s.Bytes(),
		GState:  gs,
		Entries: map[string]any{
			"Name": Name("Comment"),
			"Open": false,
			"C":    colorEntry(st.stroke),
		},
	}
}

func renderPoly(m Markup, g PageGeometry) Rendered {
	st := styleOf(m, red)
	closed := m.Type == KindPolygon
	if !closed {
		st.fill = nil
	}
	gs := st.gstate("")
	xy := g.points(m.Points)
	entries := map[string]any{"C": colorEntry(st.stroke), "BS": st.border()}
	subtype := "PolyLine"
	if closed {
		subtype = "Polygon"
		if st.fill != nil {
			entries["IC"] = colorEntry(st.fill)
		}
	}
	vertices := make([]float64, len(xy))
	copy(vertices, xy)
	entries["Vertices"] = vertices

	var s stream
	st.begin(&s, gs)
	s.roundJoins()
	s.polyline(xy, closed)
	s.paint(st.fill != nil, st.stroke != nil)
	s.restore()

	return Rendered{Subtype: subtype, Rect: boundsOf(xy...).Outset(st.width/2 + 1), Content: s.Bytes(), GState: gs, Entries: entries}
}

func renderImage(m Markup, g PageGeometry) (Rendered, error) {
	img, err := jpegFromDataURL(m.Image)
	if err != nil {
		return Rendered{}, fmt.Errorf("%w: image: %v", ErrInvalid, err)
	}
	st := styleOf(m, nil)
	st.stroke, st.fill = nil, nil
	gs := st.gstate("")
	bw, bh := displayBox(m, g)

	var s stream
	s.save()
	if gs != nil {
		s.raw("/GS0 gs")
	}
	s.cm(g.Frame(Point{m.X, m.Y}))
	s.op("cm", bw, 0, 0, bh, 0, -bh)
	s.raw("/Im0 Do")
	s.restore()

	return Rendered{
		Subtype: "Stamp",
		Rect:    g.boxRect(m),
		Content: s.Bytes(),
		GState:  gs,
		Image:   img,
		Entries: map[string]any{},
	}, nil
}

func renderRedaction(m Markup, g PageGeometry) Rendered {
	box := g.boxRect(m)
	fill, _ := mustColor(m.FillColor, black)
	if fill == nil {
		fill = black
	}

	// before the redaction is applied only an outline is shown
	var s stream
	s.save()
	s.strokeColor(red)
	s.lineWidth(1)
	s.rect(box.Inset(0.5))
	s.paint(false, true)
	s.restore()

	var flat stream
	flat.save()
	flat.fillColor(fill)
	flat.rect(box)
	flat.paint(true, false)
	flat.restore()
	usesFont := false
	if m.Text != "" {
		bw, bh := displayBox(m, g)
		tc, _ := mustColor(m.TextColor, &RGB{1, 1, 1})
		if tc == nil {
			tc = &RGB{1, 1, 1}
		}
		writeText(&flat, g.Frame(Point{m.X, m.Y}), bw, bh, m.Text, m.fontSize(), tc)
		usesFont = true
	}

	entries := map[string]any{
		"QuadPoints": []float64{box.LLX, box.URY, box.URX, box.URY, box.LLX, box.LLY, box.URX, box.LLY},
		"IC":         colorEntry(fill),
		"C":          colorEntry(red),
	}
	if m.Text != "" {
		entries["OverlayText"] = m.Text
	}
	return Rendered{
		Subtype:  "Redact",
		Rect:     box,
		Content:  s.Bytes(),
		Flat:     flat.Bytes(),
		UsesFont: usesFont,
		Entries:  entries,
	}
}
