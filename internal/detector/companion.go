package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pidly/internal/metrics"
)

var (
	// ErrBreakerOpen is returned while the companion is cooling down.
	ErrBreakerOpen = errors.New("companion server unavailable")
	// ErrUpstream wraps failed companion calls.
	ErrUpstream = errors.New("companion server error")
)

const companionUpstream = "companion"

// CompanionRequest is the body POSTed to {url}/detect.
type CompanionRequest struct {
	Image      string   `json:"image"`
	ModelPath  string   `json:"model_path"`
	ModelType  string   `json:"model_type"`
	Confidence float64  `json:"confidence"`
	Classes    []string `json:"classes,omitempty"`
}

// Companion proxies detection to a long-running detector server.
type Companion struct {
	baseURL string
	http    *http.Client
	breaker *CircuitBreaker
}

// NewCompanion returns a client with a fixed request timeout. breaker may be nil.
func NewCompanion(baseURL string, timeout time.Duration, breaker *CircuitBreaker) *Companion {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Companion{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
	}
}

func (c *Companion) URL() string { return c.baseURL }

// Detect sends a PNG page image to the companion server.
func (c *Companion) Detect(ctx context.Context, png []byte, modelPath, modelType string, confidence float64, classes []string) ([]Detection, error) {
	if c.breaker != nil && c.breaker.IsOpen(ctx, companionUpstream) {
		return nil, ErrBreakerOpen
	}
	start := time.Now()
	dets, err := c.detect(ctx, CompanionRequest{
		Image:      base64.StdEncoding.EncodeToString(png),
		ModelPath:  modelPath,
		ModelType:  modelType,
		Confidence: confidence,
		Classes:    classes,
	})
	if err != nil {
		metrics.ObserveDetector("companion", "error", time.Since(start))
		// client errors say nothing about upstream health
		var se *statusError
		if c.breaker != nil && !(errors.As(err, &se) && se.code < 500) && ctx.Err() == nil {
			c.breaker.Open(ctx, companionUpstream)
		}
		return nil, err
	}
	if c.breaker != nil {
		c.breaker.Close(ctx, companionUpstream)
	}
	metrics.ObserveDetector("companion", "ok", time.Since(start))
	return dets, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string { return fmt.Sprintf("HTTP %d: %s", e.code, e.body) }

func (c *Companion) detect(ctx context.Context, req CompanionRequest) ([]Detection, error) {
	body, _ := json.Marshal(req)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Str("url", c.baseURL).Msg("companion request failed")
		return nil, fmt.Errorf("%w: %w", ErrUpstream, &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(raw))})
	}
	dets, err := parseDetections(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return dets, nil
}

// Health calls {url}/health.
func (c *Companion) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("companion health: HTTP %d", resp.StatusCode)
	}
	return nil
}
