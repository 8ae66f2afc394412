package ocr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	redis "github.com/redis/go-redis/v9"

	"github.com/local/pidly/internal/store"
)

func TestVisionRecognize(t *testing.T) {
	var got visionReq
	var key string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key = r.URL.Query().Get("key")
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"responses":[{"fullTextAnnotation":{"text":"  PUMP P-101\n"}}]}`))
	}))
	defer srv.Close()

	v := NewVision("secret", srv.URL+"/v1/images:annotate", time.Second)
	res, err := Recognize(context.Background(), v, Input{Image: []byte("png"), Languages: []string{"eng", "hrv", "xx"}})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(Result{Text: "PUMP P-101", Engine: "vision"}, res); diff != "" {
		t.Errorf("Recognize() mismatch (-want +got):\n%s", diff)
	}
	if key != "secret" {
		t.Errorf("key = %q", key)
	}
	if len(got.Requests) != 1 {
		t.Fatalf("requests = %+v", got.Requests)
	}
	req := got.Requests[0]
	if req.Image.Content != "cG5n" || req.Features[0].Type != "DOCUMENT_TEXT_DETECTION" {
		t.Errorf("request = %+v", req)
	}
	if req.ImageContext == nil || !cmp.Equal([]string{"en", "hr", "xx"}, req.ImageContext.LanguageHints) {
		t.Errorf("language hints = %+v", req.ImageContext)
	}
}

func TestVisionErrors(t *testing.T) {
	ctx := context.Background()
	in := Input{Image: []byte("png")}

	if _, err := NewVision("", "", 0).Recognize(ctx, in); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("missing key error = %v", err)
	}

	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"rate limited", http.StatusTooManyRequests, "", func(err error) bool { return errors.Is(err, ErrRateLimited) }},
		{"server error", http.StatusInternalServerError, "boom", func(err error) bool { return strings.Contains(err.Error(), "500") }},
		{"per-image error", http.StatusOK, `{"responses":[{"error":{"code":3,"message":"Bad image data."}}]}`,
			func(err error) bool { return strings.Contains(err.Error(), "Bad image data") }},
		{"no responses", http.StatusOK, `{"responses":[]}`, func(err error) bool { return err != nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()
			_, err := NewVision("k", srv.URL, time.Second).Recognize(ctx, in)
			if err == nil || !tt.check(err) {
				t.Errorf("Recognize() error = %v", err)
			}
		})
	}
}

type countingEngine struct {
	calls int
	text  string
}

func (e *countingEngine) Name() string { return "fake" }

func (e *countingEngine) Recognize(_ context.Context, in Input) (Result, error) {
	e.calls++
	return Result{Text: e.text + " " + strings.Join(in.Languages, "+")}, nil
}

func TestCachedEngine(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer c.Close()

	engine := &countingEngine{text: "VALVE"}
	cached := NewCached(engine, store.NewTextCache(c, time.Hour))
	if cached.Name() != "fake" {
		t.Errorf("Name() = %q", cached.Name())
	}

	in := Input{Image: []byte("img"), Languages: []string{"eng"}}
	first, err := cached.Recognize(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	second, err := cached.Recognize(ctx, in)
	if err != nil {
		t.Fatal(err)
	}
	if engine.calls != 1 {
		t.Errorf("engine called %d times", engine.calls)
	}
	if first.Cached || !second.Cached || second.Text != "VALVE eng" || second.Engine != "fake" {
		t.Errorf("results = %+v, %+v", first, second)
	}

	// different languages miss the cache
	if _, err := cached.Recognize(ctx, Input{Image: []byte("img"), Languages: []string{"deu"}}); err != nil {
		t.Fatal(err)
	}
	if engine.calls != 2 {
		t.Errorf("engine called %d times after language change", engine.calls)
	}

	if _, err := cached.Recognize(ctx, Input{}); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("empty image error = %v", err)
	}
}

func TestCachedSurvivesCacheOutage(t *testing.T) {
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer c.Close()
	mr.Close()

	engine := &countingEngine{text: "TAG"}
	res, err := NewCached(engine, store.NewTextCache(c, time.Hour)).Recognize(context.Background(), Input{Image: []byte("img")})
	if err != nil || res.Text != "TAG" {
		t.Errorf("Recognize() = %+v, %v", res, err)
	}
}
