package markup

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var letter = NewPageGeometry([4]float64{0, 0, 612, 792}, 0)

func ptr(v float64) *float64 { return &v }

func TestToPDF(t *testing.T) {
	box := [4]float64{10, 20, 110, 220} // 100 wide, 200 high
	tests := []struct {
		rotate int
		in     Point
		wantX  float64
		wantY  float64
	}{
		{0, Point{0, 0}, 10, 220},
		{0, Point{1, 1}, 110, 20},
		{0, Point{0.5, 0.25}, 60, 170},
		{90, Point{0, 0}, 10, 20},
		{90, Point{1, 0}, 10, 220},
		{90, Point{0, 1}, 110, 20},
		{180, Point{0, 0}, 110, 20},
		{180, Point{1, 1}, 10, 220},
		{270, Point{0, 0}, 110, 220},
		{270, Point{1, 0}, 110, 20},
		{-90, Point{0, 0}, 110, 220},
	}
	for _, tt := range tests {
		g := NewPageGeometry(box, tt.rotate)
		x, y := g.ToPDF(tt.in)
		if math.Abs(x-tt.wantX) > 1e-9 || math.Abs(y-tt.wantY) > 1e-9 {
			t.Errorf("rotate %d: ToPDF(%v) = (%g, %g), want (%g, %g)", tt.rotate, tt.in, x, y, tt.wantX, tt.wantY)
		}
	}
}

func TestDisplaySize(t *testing.T) {
	g := NewPageGeometry([4]float64{0, 0, 612, 792}, 90)
	w, h := g.DisplaySize()
	if w != 792 || h != 612 {
		t.Errorf("DisplaySize() = %g x %g, want 792 x 612", w, h)
	}
}

func TestFrameKeepsDisplayAxes(t *testing.T) {
	for _, rot := range []int{0, 90, 180, 270} {
		g := NewPageGeometry([4]float64{0, 0, 600, 800}, rot)
		origin := Point{0.2, 0.3}
		f := g.Frame(origin)
		dw, _ := g.DisplaySize()
		// one unit right in the frame equals a step right on the displayed page
		x, y := f.Apply(dw*0.1, 0)
		wx, wy := g.ToPDF(Point{0.3, 0.3})
		if math.Abs(x-wx) > 1e-9 || math.Abs(y-wy) > 1e-9 {
			t.Errorf("rotate %d: frame right = (%g, %g), want (%g, %g)", rot, x, y, wx, wy)
		}
	}
}

func TestParseColor(t *testing.T) {
	tests := []struct {
		in    string
		want  *RGB
		alpha float64
		err   bool
	}{
		{"#ff0000", &RGB{1, 0, 0}, 1, false},
		{"#0f0", &RGB{0, 1, 0}, 1, false},
		{"Blue", &RGB{0, 0, 1}, 1, false},
		{"rgb(255, 255, 0)", &RGB{1, 1, 0}, 1, false},
		{"rgba(0,0,255,0.5)", &RGB{0, 0, 1}, 0.5, false},
		{"transparent", nil, 0, false},
		{"", nil, 0, false},
		{"#zzzzzz", nil, 0, true},
		{"rgb(1,2)", nil, 0, true},
	}
	for _, tt := range tests {
		got, alpha, err := ParseColor(tt.in)
		if (err != nil) != tt.err {
			t.Errorf("ParseColor(%q) error = %v, want error %v", tt.in, err, tt.err)
			continue
		}
		if tt.err {
			if !errors.Is(err, ErrInvalid) {
				t.Errorf("ParseColor(%q) error %v does not wrap ErrInvalid", tt.in, err)
			}
			continue
		}
		if diff := cmp.Diff(tt.want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
			t.Errorf("ParseColor(%q) mismatch (-want +got):\n%s", tt.in, diff)
		}
		if math.Abs(alpha-tt.alpha) > 1e-9 {
			t.Errorf("ParseColor(%q) alpha = %g, want %g", tt.in, alpha, tt.alpha)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		m    Markup
		ok   bool
	}{
		{"rectangle", Markup{Type: KindRectangle, X: 0.1, Y: 0.1, Width: 0.2, Height: 0.2}, true},
		{"unknown kind", Markup{Type: "hexagon", Width: 0.1, Height: 0.1}, false},
		{"coordinate above one", Markup{Type: KindRectangle, X: 1.2, Width: 0.1, Height: 0.1}, false},
		{"box past edge", Markup{Type: KindRectangle, X: 0.9, Width: 0.2, Height: 0.1}, false},
		{"empty box", Markup{Type: KindCircle, X: 0.5, Y: 0.5}, false},
		{"opacity range", Markup{Type: KindRectangle, Width: 0.1, Height: 0.1, Opacity: ptr(1.5)}, false},
		{"zero opacity", Markup{Type: KindRectangle, Width: 0.1, Height: 0.1, Opacity: ptr(0)}, true},
		{"polygon two points", Markup{Type: KindPolygon, Points: []Point{{0, 0}, {1, 1}}}, false},
		{"polygon three points", Markup{Type: KindPolygon, Points: []Point{{0, 0}, {1, 1}, {0, 1}}}, true},
		{"pen single point", Markup{Type: KindPen, Points: []Point{{0.5, 0.5}}}, false},
		{"pen point out of range", Markup{Type: KindPen, Points: []Point{{0.5, 0.5}, {0.5, -0.1}}}, false},
		{"line without end", Markup{Type: KindLine, Start: &Point{0, 0}}, false},
		{"arrow", Markup{Type: KindArrow, Start: &Point{0, 0}, End: &Point{0.5, 0.5}}, true},
		{"text only markup", Markup{Type: KindText, Width: 0.2, Height: 0.1, Text: "<b></b>"}, false},
		{"note", Markup{Type: KindNote, X: 0.5, Y: 0.5, Text: "check this"}, true},
		{"callout without anchor", Markup{Type: KindCallout, Width: 0.2, Height: 0.1, Text: "x"}, false},
		{"bad colour", Markup{Type: KindRectangle, Width: 0.1, Height: 0.1, Color: "blurple"}, false},
		{"bad stroke style", Markup{Type: KindRectangle, Width: 0.1, Height: 0.1, StrokeStyle: "wavy"}, false},
		{"image not data url", Markup{Type: KindImage, Width: 0.1, Height: 0.1, Image: "http://x/y.png"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Validate(tt.m)
			if tt.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("Validate() = nil, want error")
				}
				if !errors.Is(err, ErrInvalid) {
					t.Fatalf("Validate() error %v does not wrap ErrInvalid", err)
				}
			}
		})
	}
}

func TestValidateSanitizesText(t *testing.T) {
	m, err := Validate(Markup{Type: KindNote, X: 0.1, Y: 0.1, Text: `<script>alert(1)</script>Tom &amp; Jerry <i>here</i>`})
	if err != nil {
		t.Fatal(err)
	}
	if m.Text != "Tom & Jerry here" {
		t.Errorf("Text = %q", m.Text)
	}
}

func TestWrapText(t *testing.T) {
	width := TextWidth("brown fox", 10)
	got := WrapText("the quick brown fox\nsupercalifragilistic", 10, width)
	want := []string{"the quick", "brown fox"}
	if diff := cmp.Diff(want, got[:2]); diff != "" {
		t.Errorf("wrap mismatch (-want +got):\n%s", diff)
	}
	for _, line := range got {
		if TextWidth(line, 10) > width+1e-9 {
			t.Errorf("line %q wider than box", line)
		}
	}
	if joined := strings.Join(got[2:], ""); joined != "supercalifragilistic" {
		t.Errorf("long word split into %q", got[2:])
	}
}

func TestTextWidth(t *testing.T) {
	// "Hi" = H(722) + i(222)
	if got := TextWidth("Hi", 10); math.Abs(got-9.44) > 1e-9 {
		t.Errorf("TextWidth = %g, want 9.44", got)
	}
}

func TestNum(t *testing.T) {
	for in, want := range map[float64]string{1: "1", 1.5: "1.5", 0.1234: "0.123", -0.0001: "0", 612: "612", -3.25: "-3.25"} {
		if got := num(in); got != want {
			t.Errorf("num(%g) = %q, want %q", in, got, want)
		}
	}
}

func TestLiteral(t *testing.T) {
	if got := literal([]byte("a(b)c\\d\xe9")); got != `(a\(b\)c\\d\351)` {
		t.Errorf("literal = %s", got)
	}
	if got := utf16Hex("é"); got != "FEFF00E9" {
		t.Errorf("utf16Hex = %s", got)
	}
}

func TestRenderRectangle(t *testing.T) {
	r, err := Render(Markup{Type: KindRectangle, X: 0.1, Y: 0.1, Width: 0.5, Height: 0.25, Color: "#0000ff", FillColor: "#ffff00", StrokeWidth: 2}, letter)
	if err != nil {
		t.Fatal(err)
	}
	if r.Subtype != "Square" {
		t.Errorf("Subtype = %q", r.Subtype)
	}
	want := Rect{61.2, 514.8, 367.2, 712.8}
	if diff := cmp.Diff(want, r.Rect, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("Rect mismatch (-want +got):\n%s", diff)
	}
	content := string(r.Content)
	for _, op := range []string{"0 0 1 RG", "1 1 0 rg", "62.2 515.8 304 196 re", "\nB\n"} {
		if !strings.Contains(content, op) {
			t.Errorf("content missing %q:\n%s", op, content)
		}
	}
	if r.GState != nil {
		t.Errorf("opaque rectangle got GState %+v", r.GState)
	}
	if diff := cmp.Diff([]float64{1, 1, 0}, r.Entries["IC"]); diff != "" {
		t.Errorf("IC mismatch (-want +got):\n%s", diff)
	}
}

func TestRenderHighlighterUsesMultiply(t *testing.T) {
	r, err := Render(Markup{Type: KindHighlighter, Points: []Point{{0.1, 0.1}, {0.4, 0.1}}}, letter)
	if err != nil {
		t.Fatal(err)
	}
	if r.Subtype != "Ink" {
		t.Errorf("Subtype = %q", r.Subtype)
	}
	if r.GState == nil || r.GState.Blend != "Multiply" || r.GState.StrokeAlpha != 0.4 {
		t.Errorf("GState = %+v", r.GState)
	}
	if !strings.Contains(string(r.Content), "/GS0 gs") {
		t.Errorf("content does not select GS0")
	}
}

func TestRenderArrowEndings(t *testing.T) {
	tests := []struct {
		m    Markup
		want []any
	}{
		{Markup{Type: KindArrow, Start: &Point{0.1, 0.1}, End: &Point{0.5, 0.5}}, []any{Name("None"), Name("OpenArrow")}},
		{Markup{Type: KindArrow, Start: &Point{0.1, 0.1}, End: &Point{0.5, 0.5}, ArrowHead: "both"}, []any{Name("OpenArrow"), Name("OpenArrow")}},
		{Markup{Type: KindLine, Start: &Point{0.1, 0.1}, End: &Point{0.5, 0.5}}, []any{Name("None"), Name("None")}},
	}
	for _, tt := range tests {
		r, err := Render(tt.m, letter)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(tt.want, r.Entries["LE"]); diff != "" {
			t.Errorf("%s/%s LE mismatch (-want +got):\n%s", tt.m.Type, tt.m.ArrowHead, diff)
		}
	}
}

func TestRenderDashedStroke(t *testing.T) {
	r, err := Render(Markup{Type: KindCircle, X: 0.1, Y: 0.1, Width: 0.2, Height: 0.2, StrokeWidth: 2, StrokeStyle: "dashed"}, letter)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(r.Content), "[6 4] 0 d") {
		t.Errorf("dash pattern missing:\n%s", r.Content)
	}
	if strings.Count(string(r.Content), " c\n") != 4 {
		t.Errorf("ellipse should use four curves:\n%s", r.Content)
	}
}

func TestRenderTextOnRotatedPage(t *testing.T) {
	g := NewPageGeometry([4]float64{0, 0, 612, 792}, 90)
	r, err := Render(Markup{Type: KindText, X: 0.1, Y: 0.1, Width: 0.5, Height: 0.2, Text: "Hello (world)", FontSize: 14}, g)
	if err != nil {
		t.Fatal(err)
	}
	if r.Subtype != "FreeText" || !r.UsesFont {
		t.Errorf("Subtype = %q UsesFont = %v", r.Subtype, r.UsesFont)
	}
	content := string(r.Content)
	if !strings.Contains(content, "0 1 -1 0 ") {
		t.Errorf("text is not rotated with the page:\n%s", content)
	}
	if !strings.Contains(content, `(Hello \(world\)) Tj`) {
		t.Errorf("escaped text missing:\n%s", content)
	}
	if da, _ := r.Entries["DA"].(string); !strings.HasPrefix(da, "/Helv 14 Tf") {
		t.Errorf("DA = %q", da)
	}
}

func TestRenderCallout(t *testing.T) {
	r, err := Render(Markup{Type: KindCallout, X: 0.5, Y: 0.5, Width: 0.2, Height: 0.1, Text: "see", Anchor: &Point{0.1, 0.1}}, letter)
	if err != nil {
		t.Fatal(err)
	}
	if r.Entries["IT"] != Name("FreeTextCallout") {
		t.Errorf("IT = %v", r.Entries["IT"])
	}
	cl, _ := r.Entries["CL"].([]float64)
	if len(cl) != 4 {
		t.Fatalf("CL = %v", cl)
	}
	ax, ay := letter.ToPDF(Point{0.1, 0.1})
	if math.Abs(cl[0]-ax) > 1e-9 || math.Abs(cl[1]-ay) > 1e-9 {
		t.Errorf("CL starts at (%g, %g), want anchor (%g, %g)", cl[0], cl[1], ax, ay)
	}
	if r.Rect.LLX > ax || r.Rect.URY < ay {
		t.Errorf("Rect %+v does not contain the anchor", r.Rect)
	}
}

func TestRenderCloudGrowsRect(t *testing.T) {
	m := Markup{Type: KindCloud, X: 0.2, Y: 0.2, Width: 0.3, Height: 0.3}
	r, err := Render(m, letter)
	if err != nil {
		t.Fatal(err)
	}
	box := letter.boxRect(m)
	if r.Rect.LLX >= box.LLX || r.Rect.URY <= box.URY {
		t.Errorf("cloud Rect %+v not larger than box %+v", r.Rect, box)
	}
	if _, ok := r.Entries["BE"]; !ok {
		t.Error("cloud has no border effect")
	}
}

func TestRenderRedactionFlatIsOpaque(t *testing.T) {
	r, err := Render(Markup{Type: KindRedaction, X: 0.1, Y: 0.1, Width: 0.2, Height: 0.05}, letter)
	if err != nil {
		t.Fatal(err)
	}
	if r.Subtype != "Redact" {
		t.Errorf("Subtype = %q", r.Subtype)
	}
	if !strings.Contains(string(r.Flat), "0 0 0 rg") || !strings.Contains(string(r.Flat), "\nf\n") {
		t.Errorf("flat content does not paint a black box:\n%s", r.Flat)
	}
	if strings.Contains(string(r.Content), " rg") {
		t.Errorf("annotation appearance should only outline:\n%s", r.Content)
	}
}

func TestRenderRejectsInvalid(t *testing.T) {
	_, err := Render(Markup{Type: KindPolygon, Points: []Point{{0, 0}, {1, 1}}}, letter)
	if !errors.Is(err, ErrInvalid) {
		t.Errorf("Render() error = %v, want ErrInvalid", err)
	}
}
