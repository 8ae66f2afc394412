package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultVisionEndpoint is the Google Vision annotate URL.
const DefaultVisionEndpoint = "https://vision.googleapis.com/v1/images:annotate"

// ErrRateLimited is returned on HTTP 429.
var ErrRateLimited = errors.New("vision rate limited")

// Vision calls the Google Cloud Vision REST API with DOCUMENT_TEXT_DETECTION.
type Vision struct {
	http     *http.Client
	apiKey   string
	endpoint string
}

func NewVision(apiKey, endpoint string, timeout time.Duration) *Vision {
	if endpoint == "" {
		endpoint = DefaultVisionEndpoint
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Vision{http: &http.Client{Timeout: timeout}, apiKey: apiKey, endpoint: endpoint}
}

func (v *Vision) Name() string { return "vision" }

type visionReq struct {
	Requests []visionImageReq `json:"requests"`
}

type visionImageReq struct {
	Image struct {
		Content string `json:"content"`
	} `json:"image"`
	Features []struct {
		Type string `json:"type"`
	} `json:"features"`
	ImageContext *struct {
		LanguageHints []string `json:"languageHints,omitempty"`
	} `json:"imageContext,omitempty"`
}

type visionResp struct {
	Responses []struct {
		FullTextAnnotation struct {
			Text string `json:"text"`
		} `json:"fullTextAnnotation"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"responses"`
}

// tesseract language codes to the BCP-47 hints Vision expects
var languageHints = map[string]string{
	"eng": "en", "deu": "de", "fra": "fr", "spa": "es", "ita": "it",
	"nld": "nl", "por": "pt", "pol": "pl", "hrv": "hr", "srp": "sr",
}

func hints(langs []string) []string {
	var out []string
	for _, l := range langs {
		l = strings.ToLower(strings.TrimSpace(l))
		if h, ok := languageHints[l]; ok {
			out = append(out, h)
		} else if len(l) == 2 {
			out = append(out, l)
		}
	}
	return out
}

func (v *Vision) Recognize(ctx context.Context, in Input) (Result, error) {
	if v.apiKey == "" {
		return Result{}, fmt.Errorf("%w: missing GOOGLE_VISION_API_KEY", ErrNotConfigured)
	}
	var req visionImageReq
	req.Image.Content = base64.StdEncoding.EncodeToString(in.Image)
	req.Features = append(req.Features, struct {
		Type string `json:"type"`
	}{Type: "DOCUMENT_TEXT_DETECTION"})
	if h := hints(in.Languages); len(h) > 0 {
		req.ImageContext = &struct {
			LanguageHints []string `json:"languageHints,omitempty"`
		}{LanguageHints: h}
	}
	body, _ := json.Marshal(visionReq{Requests: []visionImageReq{req}})

	u, err := url.Parse(v.endpoint)
	if err != nil {
		return Result{}, fmt.Errorf("vision endpoint: %w", err)
	}
	q := u.Query()
	q.Set("key", v.apiKey)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := v.http.Do(httpReq)
	if err != nil {
		// the URL carries the key
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return Result{}, fmt.Errorf("vision request: %w", uerr.Err)
		}
		return Result{}, fmt.Errorf("vision request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return Result{}, ErrRateLimited
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, fmt.Errorf("vision status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var r visionResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Result{}, fmt.Errorf("decode vision response: %w", err)
	}
	if len(r.Responses) == 0 {
		return Result{}, errors.New("vision returned no responses")
	}
	if e := r.Responses[0].Error; e != nil && e.Message != "" {
		return Result{}, fmt.Errorf("vision error %d: %s", e.Code, e.Message)
	}
	return Result{Text: r.Responses[0].FullTextAnnotation.Text, Engine: v.Name()}, nil
}
