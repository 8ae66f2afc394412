package markup

import (
	"encoding/hex"
	"html"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// helveticaWidths holds glyph advances for ASCII 32..126 in 1/1000 em.
var helveticaWidths = [95]int{
	278, 278, 355, 556, 556, 889, 667, 191, 333, 333, 389, 584, 278, 333, 278, 278, // space .. /
	556, 556, 556, 556, 556, 556, 556, 556, 556, 556, // 0 .. 9
	278, 278, 584, 584, 584, 556, 1015, // : .. @
	667, 667, 722, 722, 667, 611, 778, 722, 278, 500, 667, 556, 833, // A .. M
	722, 778, 667, 778, 722, 667, 611, 722, 667, 944, 667, 667, 611, // N .. Z
	278, 278, 278, 469, 556, 333, // [ .. `
	556, 556, 500, 556, 556, 278, 556, 556, 222, 222, 500, 222, 833, // a .. m
	556, 556, 556, 556, 333, 500, 278, 556, 500, 722, 500, 500, 500, // n .. z
	334, 260, 334, 584, // { .. ~
}

const (
	fallbackWidth = 556
	lineSpacing   = 1.2
	textPadding   = 2.0
)

var sanitizer = bluemonday.StrictPolicy()

// SanitizeText strips markup from user supplied text.
func SanitizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(html.UnescapeString(sanitizer.Sanitize(s)))
}

func runeWidth(r rune) int {
	if r >= 32 && r <= 126 {
		return helveticaWidths[r-32]
	}
	if r < 32 {
		return 0
	}
	return fallbackWidth
}

// TextWidth returns the width of s set in Helvetica at size points.
func TextWidth(s string, size float64) float64 {
	total := 0
	for _, r := range s {
		total += runeWidth(r)
	}
	return float64(total) * size / 1000
}

// WrapText breaks s into lines no wider than width. Explicit newlines are
// kept; words longer than a line are split between characters.
func WrapText(s string, size, width float64) []string {
	var lines []string
	for _, para := range strings.Split(s, "\n") {
		words := strings.Fields(para)
		if len(words) == 0 {
			lines = append(lines, "")
			continue
		}
		current := ""
		for _, word := range words {
			candidate := word
			if current != "" {
				candidate = current + " " + word
			}
			if TextWidth(candidate, size) <= width {
				current = candidate
				continue
			}
			if current != "" {
				lines = append(lines, current)
				current = ""
			}
			for TextWidth(word, size) > width {
				cut := splitPoint(word, size, width)
				lines = append(lines, word[:cut])
				word = word[cut:]
			}
			current = word
		}
		lines = append(lines, current)
	}
	return lines
}

// splitPoint returns the byte offset of the longest prefix of word that
// fits width, at least one rune.
func splitPoint(word string, size, width float64) int {
	acc := 0.0
	for i, r := range word {
		acc += float64(runeWidth(r)) * size / 1000
		if acc > width {
			if i == 0 {
				_, n := utf8.DecodeRuneInString(word)
				return n
			}
			return i
		}
	}
	return len(word)
}

// encodeWinAnsi converts s to the single byte encoding used by the
// standard Helvetica font; unsupported runes become '?'.
func encodeWinAnsi(s string) []byte {
	enc := encoding.ReplaceUnsupported(charmap.Windows1252.NewEncoder())
	b, err := enc.Bytes([]byte(s))
	if err != nil {
		return []byte(strings.Map(func(r rune) rune {
			if r > 126 {
				return '?'
			}
			return r
		}, s))
	}
	return b
}

// literal formats raw bytes as a PDF literal string.
func literal(b []byte) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for _, c := range b {
		switch c {
		case '(', ')', '\\':
			sb.WriteByte('\\')
			sb.WriteByte(c)
		case '\n':
			sb.WriteString(`\n`)
		case '\r':
			sb.WriteString(`\r`)
		default:
			if c < 32 || c > 126 {
				sb.WriteByte('\\')
				sb.WriteByte('0' + (c>>6)&7)
				sb.WriteByte('0' + (c>>3)&7)
				sb.WriteByte('0' + c&7)
				continue
			}
			sb.WriteByte(c)
		}
	}
	sb.WriteByte(')')
	return sb.String()
}

// escapeLiteral escapes the delimiters of a PDF literal string without
// the surrounding parentheses.
func escapeLiteral(s string) string {
	l := literal([]byte(s))
	return l[1 : len(l)-1]
}

// isASCII reports whether s can be written as a plain literal string.
func isASCII(s string) bool {
	for _, r := range s {
		if r > 126 || (r < 32 && r != '\n' && r != '\r' && r != '\t') {
			return false
		}
	}
	return true
}

// utf16Hex encodes s as a UTF-16BE text string with byte order mark,
// hex encoded without delimiters.
func utf16Hex(s string) string {
	units := utf16.Encode([]rune(s))
	b := make([]byte, 2, 2+2*len(units))
	b[0], b[1] = 0xFE, 0xFF
	for _, u := range units {
		b = append(b, byte(u>>8), byte(u))
	}
	return strings.ToUpper(hex.EncodeToString(b))
}
