package pdfops

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"

	"github.com/gen2brain/go-fitz"
	"github.com/rs/zerolog/log"
	"golang.org/x/image/draw"
)

// Region is a normalized rectangle on the displayed page.
type Region struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Valid reports whether r lies inside the unit square and is not empty.
func (r Region) Valid() bool {
	return r.Width > 0 && r.Height > 0 && r.X >= 0 && r.Y >= 0 && r.X+r.Width <= 1+1e-9 && r.Y+r.Height <= 1+1e-9
}

const (
	minDPI = 18
	maxDPI = 600
)

func openFitz(data []byte) (*fitz.Document, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	return doc, nil
}

func checkPage(doc *fitz.Document, page int) error {
	if page < 1 || page > doc.NumPage() {
		return fmt.Errorf("%w: page %d of %d", ErrPageRange, page, doc.NumPage())
	}
	return nil
}

func clampDPI(dpi int) float64 {
	if dpi <= 0 {
		dpi = 150
	}
	return math.Max(minDPI, math.Min(maxDPI, float64(dpi)))
}

// RenderImage renders a 1-based page at dpi.
func RenderImage(data []byte, page, dpi int) (*image.RGBA, error) {
	doc, err := openFitz(data)
	if err != nil {
		return nil, err
	}
	defer doc.Close()
	if err := checkPage(doc, page); err != nil {
		return nil, err
	}

	// go-fitz uses 0-based indexing
	img, err := doc.ImageDPI(page-1, clampDPI(dpi))
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", page, err)
	}
	log.Debug().
		Int("page", page).
		Int("width", img.Bounds().Dx()).
		Int("height", img.Bounds().Dy()).
		Int("dpi", dpi).
		Msg("rendered page")
	return img, nil
}

// RenderPage renders a 1-based page as PNG.
func RenderPage(data []byte, page, dpi int) ([]byte, error) {
	img, err := RenderImage(data, page, dpi)
	if err != nil {
		return nil, err
	}
	return encodePNG(img)
}

// Thumbnail renders a page scaled to width pixels wide as PNG.
func Thumbnail(data []byte, page, width int) ([]byte, error) {
	if width <= 0 {
		width = 200
	}
	if width > 2000 {
		width = 2000
	}
	doc, err := openFitz(data)
	if err != nil {
		return nil, err
	}
	defer doc.Close()
	if err := checkPage(doc, page); err != nil {
		return nil, err
	}
	bound, err := doc.Bound(page - 1)
	if err != nil {
		return nil, fmt.Errorf("page %d bounds: %w", page, err)
	}
	if bound.Dx() <= 0 {
		return nil, fmt.Errorf("page %d has no width", page)
	}

	// oversample then scale down for smoother edges
	dpi := clampDPI(int(math.Ceil(72 * float64(width) / float64(bound.Dx()) * 1.5)))
	src, err := doc.ImageDPI(page-1, dpi)
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", page, err)
	}
	sb := src.Bounds()
	height := int(math.Round(float64(sb.Dy()) * float64(width) / float64(sb.Dx())))
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, sb, draw.Src, nil)
	return encodePNG(dst)
}

// CaptureRegion renders the normalized region of a page as PNG.
func CaptureRegion(data []byte, page int, region Region, dpi int) ([]byte, error) {
	if !region.Valid() {
		return nil, fmt.Errorf("invalid region %+v", region)
	}
	img, err := RenderImage(data, page, dpi)
	if err != nil {
		return nil, err
	}
	return encodePNG(Crop(img, region))
}

// Crop cuts the normalized region out of img.
func Crop(img image.Image, region Region) image.Image {
	b := img.Bounds()
	rect := image.Rect(
		b.Min.X+int(math.Floor(region.X*float64(b.Dx()))),
		b.Min.Y+int(math.Floor(region.Y*float64(b.Dy()))),
		b.Min.X+int(math.Ceil((region.X+region.Width)*float64(b.Dx()))),
		b.Min.Y+int(math.Ceil((region.Y+region.Height)*float64(b.Dy()))),
	).Intersect(b)
	if rect.Empty() {
		rect = image.Rect(b.Min.X, b.Min.Y, b.Min.X+1, b.Min.Y+1)
	}
	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(out, out.Bounds(), img, rect.Min, draw.Src)
	return out
}

func encodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}
