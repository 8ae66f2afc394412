// Package tesseract is the local OCR engine backed by libtesseract.
package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/otiai10/gosseract/v2"

	"github.com/local/pidly/internal/ocr"
)

// Engine recognizes text with a fixed set of gosseract clients. A client
// is not safe for concurrent use, so each call borrows one.
type Engine struct {
	languages []string
	clients   chan *gosseract.Client
}

func New(languages []string, workers int) *Engine {
	if len(languages) == 0 {
		languages = []string{"eng"}
	}
	if workers < 1 {
		workers = 1
	}
	e := &Engine{languages: languages, clients: make(chan *gosseract.Client, workers)}
	for i := 0; i < workers; i++ {
		e.clients <- gosseract.NewClient()
	}
	return e
}

func (e *Engine) Name() string { return "tesseract" }

// Version returns the linked libtesseract version.
func Version() string { return gosseract.Version() }

func (e *Engine) Recognize(ctx context.Context, in ocr.Input) (ocr.Result, error) {
	var client *gosseract.Client
	select {
	case client = <-e.clients:
	case <-ctx.Done():
		return ocr.Result{}, ctx.Err()
	}
	defer func() { e.clients <- client }()

	langs := in.Languages
	if len(langs) == 0 {
		langs = e.languages
	}
	if err := client.SetLanguage(langs...); err != nil {
		return ocr.Result{}, fmt.Errorf("tesseract languages %s: %w", strings.Join(langs, "+"), err)
	}
	if err := client.SetPageSegMode(gosseract.PSM_AUTO); err != nil {
		return ocr.Result{}, fmt.Errorf("tesseract page mode: %w", err)
	}
	if err := client.SetImageFromBytes(in.Image); err != nil {
		return ocr.Result{}, fmt.Errorf("tesseract image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return ocr.Result{}, fmt.Errorf("tesseract: %w", err)
	}
	return ocr.Result{Text: text, Engine: e.Name()}, nil
}

// Close releases every client. The engine must not be used afterwards.
func (e *Engine) Close() error {
	for i := 0; i < cap(e.clients); i++ {
		c := <-e.clients
		c.Close()
	}
	return nil
}
