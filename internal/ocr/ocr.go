// Package ocr extracts text from page images.
package ocr

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pidly/internal/metrics"
	"github.com/local/pidly/internal/store"
)

var (
	// ErrNotConfigured is returned by engines missing credentials or binaries.
	ErrNotConfigured = errors.New("ocr engine not configured")
	// ErrEmptyImage is returned for zero-length input.
	ErrEmptyImage = errors.New("empty image")
)

// Input is one image to recognize.
type Input struct {
	// Image holds PNG or JPEG bytes.
	Image     []byte
	Languages []string
}

type Result struct {
	Text   string `json:"text"`
	Engine string `json:"engine"`
	Cached bool   `json:"cached,omitempty"`
}

// Engine recognizes text in an image.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, in Input) (Result, error)
}

// TextCache stores recognized text by content hash.
type TextCache interface {
	Get(ctx context.Context, hash string) (text, engine string, ok bool, err error)
	Put(ctx context.Context, hash, text, engine string) error
}

// Cached wraps an engine with a result cache. Cache failures are logged
// and never fail a request.
type Cached struct {
	engine Engine
	cache  TextCache
}

func NewCached(engine Engine, cache TextCache) *Cached {
	return &Cached{engine: engine, cache: cache}
}

func (c *Cached) Name() string { return c.engine.Name() }

func (c *Cached) Recognize(ctx context.Context, in Input) (Result, error) {
	if len(in.Image) == 0 {
		return Result{}, ErrEmptyImage
	}
	hash := store.Hash(c.engine.Name(), strings.Join(in.Languages, "+"), in.Image)
	if text, engine, ok, err := c.cache.Get(ctx, hash); err != nil {
		log.Warn().Err(err).Msg("ocr cache read failed")
	} else if ok {
		metrics.IncOCR(engine, "cached")
		return Result{Text: text, Engine: engine, Cached: true}, nil
	}
	res, err := Recognize(ctx, c.engine, in)
	if err != nil {
		return Result{}, err
	}
	if err := c.cache.Put(ctx, hash, res.Text, res.Engine); err != nil {
		log.Warn().Err(err).Msg("ocr cache write failed")
	}
	return res, nil
}

// Recognize runs engine and records metrics and timing.
func Recognize(ctx context.Context, engine Engine, in Input) (Result, error) {
	if len(in.Image) == 0 {
		return Result{}, ErrEmptyImage
	}
	start := time.Now()
	res, err := engine.Recognize(ctx, in)
	if err != nil {
		metrics.IncOCR(engine.Name(), "error")
		log.Error().Err(err).Str("engine", engine.Name()).Dur("duration", time.Since(start)).Msg("ocr failed")
		return Result{}, err
	}
	if res.Engine == "" {
		res.Engine = engine.Name()
	}
	res.Text = strings.TrimSpace(res.Text)
	metrics.IncOCR(res.Engine, "ok")
	log.Debug().Str("engine", res.Engine).Int("chars", len(res.Text)).Dur("duration", time.Since(start)).Msg("ocr finished")
	return res, nil
}
