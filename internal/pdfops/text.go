package pdfops

import (
	"errors"
	"fmt"
	"math/rand"
	"regexp"
	"sort"
	"strings"
	"time"

	fitz "github.com/gen2brain/go-fitz"
)

// PageProbe captures the result of probing a single PDF page.
type PageProbe struct {
	Page      int    `json:"page"`
	CharCount int    `json:"char_count"`
	Err       string `json:"err,omitempty"`
}

// Diagnostics provides detailed information about the text layer check.
type Diagnostics struct {
	TotalPages         int         `json:"total_pages"`
	SampledPages       []int       `json:"sampled_pages"`
	TotalCharsInSample int         `json:"total_chars_in_sample"`
	Threshold          int         `json:"threshold"`
	Probes             []PageProbe `json:"probes"`
	HasText            bool        `json:"has_text"`
	DurationMs         int64       `json:"duration_ms"`
}

// DefaultTextThreshold is used when a non-positive threshold is passed in.
const DefaultTextThreshold = 50

var whitespaceRegex = regexp.MustCompile(`\s+`)

// TextDoc abstracts a PDF document for text extraction.
type TextDoc interface {
	NumPage() int
	// Text returns the text of a 0-based page.
	Text(i int) (string, error)
	Close() error
}

// TextOpener opens raw PDF bytes for text extraction.
type TextOpener func(data []byte) (TextDoc, error)

func fitzTextOpener(data []byte) (TextDoc, error) {
	doc, err := openFitz(data)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

var openText TextOpener = fitzTextOpener

var _ TextDoc = (*fitz.Document)(nil)

// PageText returns the cleaned text layer of a 1-based page.
func PageText(data []byte, page int) (string, error) {
	d, err := openText(data)
	if err != nil {
		return "", err
	}
	defer d.Close()
	if page < 1 || page > d.NumPage() {
		return "", fmt.Errorf("%w: page %d of %d", ErrPageRange, page, d.NumPage())
	}
	raw, err := d.Text(page - 1)
	if err != nil {
		return "", fmt.Errorf("failed to extract text from page %d: %w", page, err)
	}
	return cleanText(raw), nil
}

// HasTextLayer samples pages and reports whether they carry at least
// threshold non-whitespace characters in total.
func HasTextLayer(data []byte, threshold int) (bool, *Diagnostics, error) {
	if threshold <= 0 {
		threshold = DefaultTextThreshold
	}
	if openText == nil {
		return false, nil, errors.New("no PDF opener configured")
	}

	start := time.Now()
	d, err := openText(data)
	if err != nil {
		return false, nil, err
	}
	defer d.Close()

	total := d.NumPage()
	diag := &Diagnostics{TotalPages: total, Threshold: threshold, SampledPages: []int{}}
	if total <= 0 {
		diag.DurationMs = time.Since(start).Milliseconds()
		return false, diag, nil
	}

	sample := sampleIndices(total)
	totalChars := 0
	for _, idx := range sample {
		probe := PageProbe{Page: idx + 1}
		text, terr := d.Text(idx)
		if terr != nil {
			probe.Err = terr.Error()
			diag.Probes = append(diag.Probes, probe)
			continue
		}
		probe.CharCount = len([]rune(whitespaceRegex.ReplaceAllString(text, "")))
		totalChars += probe.CharCount
		diag.Probes = append(diag.Probes, probe)
		if totalChars >= threshold {
			break
		}
	}
	for _, idx := range sample {
		diag.SampledPages = append(diag.SampledPages, idx+1)
	}
	diag.TotalCharsInSample = totalChars
	diag.HasText = totalChars >= threshold
	diag.DurationMs = time.Since(start).Milliseconds()
	return diag.HasText, diag, nil
}

// sampleIndices picks 0-based pages to probe: all of them for short
// documents, otherwise first, middle, last and two random others.
func sampleIndices(total int) []int {
	if total <= 0 {
		return []int{}
	}
	if total <= 5 {
		idx := make([]int, total)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	base := map[int]struct{}{0: {}, total / 2: {}, total - 1: {}}
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	for len(base) < 5 {
		base[rnd.Intn(total)] = struct{}{}
	}
	out := make([]int, 0, len(base))
	for i := range base {
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

// cleanText trims lines, drops empty ones and rejoins words hyphenated
// across line breaks.
func cleanText(text string) string {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			lines = append(lines, t)
		}
	}
	var out []string
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		for strings.HasSuffix(line, "-") && i+1 < len(lines) && startsLower(lines[i+1]) {
			line = strings.TrimSuffix(line, "-") + lines[i+1]
			i++
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}

func startsLower(s string) bool {
	return s != "" && s[0] >= 'a' && s[0] <= 'z'
}
