package pdfops

import (
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// positioned lines in MuPDF's HTML output, coordinates in points
var lineRe = regexp.MustCompile(`<p style="top:([0-9.]+)pt;left:([0-9.]+)pt;line-height:([0-9.]+)pt">(.*?)</p>`)

var stripTags = bluemonday.StrictPolicy()

// RegionText returns the text-layer lines of a 1-based page whose start
// point falls inside the normalized region. The start point is the line's
// left edge at half its height; MuPDF reports no line widths.
func RegionText(data []byte, page int, region Region) (string, error) {
	if !region.Valid() {
		return "", fmt.Errorf("invalid region %+v", region)
	}
	doc, err := openFitz(data)
	if err != nil {
		return "", err
	}
	defer doc.Close()
	if err := checkPage(doc, page); err != nil {
		return "", err
	}
	bound, err := doc.Bound(page - 1)
	if err != nil {
		return "", fmt.Errorf("page %d bounds: %w", page, err)
	}
	markup, err := doc.HTML(page-1, false)
	if err != nil {
		return "", fmt.Errorf("failed to extract text from page %d: %w", page, err)
	}
	return linesInRegion(markup, float64(bound.Dx()), float64(bound.Dy()), region), nil
}

func linesInRegion(markup string, width, height float64, region Region) string {
	if width <= 0 || height <= 0 {
		return ""
	}
	var out []string
	for _, m := range lineRe.FindAllStringSubmatch(markup, -1) {
		top, _ := strconv.ParseFloat(m[1], 64)
		left, _ := strconv.ParseFloat(m[2], 64)
		lh, _ := strconv.ParseFloat(m[3], 64)
		text := strings.TrimSpace(html.UnescapeString(stripTags.Sanitize(m[4])))
		if text == "" {
			continue
		}
		cx := left / width
		cy := (top + lh/2) / height
		if cx >= region.X && cx <= region.X+region.Width && cy >= region.Y && cy <= region.Y+region.Height {
			out = append(out, text)
		}
	}
	return cleanText(strings.Join(out, "\n"))
}
