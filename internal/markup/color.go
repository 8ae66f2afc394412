package markup

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

// RGB is a device RGB colour with components in [0,1].
type RGB struct {
	R, G, B float64
}

var namedColors = map[string]string{
	"black":   "#000000",
	"white":   "#ffffff",
	"red":     "#ff0000",
	"green":   "#008000",
	"lime":    "#00ff00",
	"blue":    "#0000ff",
	"yellow":  "#ffff00",
	"orange":  "#ffa500",
	"purple":  "#800080",
	"magenta": "#ff00ff",
	"cyan":    "#00ffff",
	"gray":    "#808080",
	"grey":    "#808080",
	"pink":    "#ffc0cb",
	"brown":   "#a52a2a",
}

// ParseColor parses #rgb, #rrggbb, rgb(), rgba() and a few CSS colour
// names. An empty string, "transparent" or "none" yields nil. The alpha
// of rgba() is returned separately; it is 1 for every other form.
func ParseColor(s string) (*RGB, float64, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "", "transparent", "none":
		return nil, 0, nil
	}
	if hex, ok := namedColors[s]; ok {
		s = hex
	}
	if strings.HasPrefix(s, "rgb") {
		return parseFunctional(s)
	}
	if strings.HasPrefix(s, "#") && len(s) == 4 {
		s = "#" + strings.Repeat(s[1:2], 2) + strings.Repeat(s[2:3], 2) + strings.Repeat(s[3:4], 2)
	}
	c, err := colorful.Hex(s)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: colour %q", ErrInvalid, s)
	}
	r, g, b := c.Clamped().RGB255()
	return &RGB{float64(r) / 255, float64(g) / 255, float64(b) / 255}, 1, nil
}

func parseFunctional(s string) (*RGB, float64, error) {
	open, closing := strings.IndexByte(s, '('), strings.LastIndexByte(s, ')')
	if open < 0 || closing < open {
		return nil, 0, fmt.Errorf("%w: colour %q", ErrInvalid, s)
	}
	parts := strings.Split(s[open+1:closing], ",")
	if len(parts) != 3 && len(parts) != 4 {
		return nil, 0, fmt.Errorf("%w: colour %q", ErrInvalid, s)
	}
	var v [3]float64
	for i := 0; i < 3; i++ {
		p := strings.TrimSpace(parts[i])
		pct := strings.HasSuffix(p, "%")
		f, err := strconv.ParseFloat(strings.TrimSuffix(p, "%"), 64)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: colour %q", ErrInvalid, s)
		}
		if pct {
			f = f * 255 / 100
		}
		v[i] = clamp(f/255, 0, 1)
	}
	alpha := 1.0
	if len(parts) == 4 {
		f, err := strconv.ParseFloat(strings.TrimSpace(parts[3]), 64)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: colour %q", ErrInvalid, s)
		}
		alpha = clamp(f, 0, 1)
	}
	c := colorful.Color{R: v[0], G: v[1], B: v[2]}
	return &RGB{c.R, c.G, c.B}, alpha, nil
}

// mustColor resolves s, falling back to def when s is empty or invalid.
func mustColor(s string, def *RGB) (*RGB, float64) {
	if strings.TrimSpace(s) == "" {
		return def, 1
	}
	c, a, err := ParseColor(s)
	if err != nil {
		return def, 1
	}
	return c, a
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

var (
	black     = &RGB{0, 0, 0}
	red       = &RGB{1, 0, 0}
	yellow    = &RGB{1, 1, 0}
	noteColor = &RGB{1, 0.85, 0.2}
)
