package detector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	redis "github.com/redis/go-redis/v9"
)

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
}

func shRunner(t *testing.T, timeout time.Duration) (*Runner, string) {
	t.Helper()
	dir := t.TempDir()
	return NewRunner(Options{
		Python:       "/bin/sh",
		Dir:          dir,
		TrainScript:  "train.sh",
		DetectScript: "detect.sh",
		Timeout:      timeout,
		TrainTimeout: timeout,
		Concurrency:  2,
	}), dir
}

func TestRunnerDetect(t *testing.T) {
	r, dir := shRunner(t, 10*time.Second)
	// echoes its arguments back as the class name
	writeScript(t, dir, "detect.sh", `echo "loading model"
echo '{"detections":[{"class":"'"$2|$6|$8|${10}"'","confidence":0.91,"box":[0.1,0.2,1.4,-0.1]}]}'
`)
	dets, err := r.Detect(context.Background(), DetectRequest{
		ImagePath:  "/tmp/page.png",
		ModelDir:   "/models/v1",
		ModelType:  "yolo",
		Confidence: 0.5,
		Classes:    []string{"valve", "pump"},
	})
	if err != nil {
		t.Fatalf("Detect() error = %v", err)
	}
	want := []Detection{{Class: "/tmp/page.png|yolo|0.5|valve,pump", Confidence: 0.91, Box: Box{0.1, 0.2, 1, 0}}}
	if diff := cmp.Diff(want, dets); diff != "" {
		t.Errorf("Detect() mismatch (-want +got):\n%s", diff)
	}
}

func TestRunnerDetectBareArray(t *testing.T) {
	r, dir := shRunner(t, 10*time.Second)
	writeScript(t, dir, "detect.sh", `echo '[]'`)
	dets, err := r.Detect(context.Background(), DetectRequest{ImagePath: "x"})
	if err != nil || dets == nil || len(dets) != 0 {
		t.Errorf("Detect() = %#v, %v", dets, err)
	}
}

func TestRunnerProcessError(t *testing.T) {
	r, dir := shRunner(t, 10*time.Second)
	writeScript(t, dir, "detect.sh", `echo "model not found" >&2
exit 3
`)
	_, err := r.Detect(context.Background(), DetectRequest{ImagePath: "x"})
	var pe *ProcessError
	if !errors.As(err, &pe) {
		t.Fatalf("Detect() error = %v, want ProcessError", err)
	}
	if pe.ExitCode != 3 || pe.Stderr != "model not found" || pe.Script != "detect.sh" {
		t.Errorf("ProcessError = %+v", pe)
	}
}

func TestRunnerTimeout(t *testing.T) {
	r, dir := shRunner(t, 200*time.Millisecond)
	writeScript(t, dir, "detect.sh", `exec sleep 5`)
	start := time.Now()
	_, err := r.Detect(context.Background(), DetectRequest{ImagePath: "x"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Detect() error = %v, want ErrTimeout", err)
	}
	if time.Since(start) > 4*time.Second {
		t.Errorf("timeout took %v", time.Since(start))
	}
}

func TestRunnerNoJSON(t *testing.T) {
	r, dir := shRunner(t, 10*time.Second)
	writeScript(t, dir, "detect.sh", `echo "nothing useful"`)
	if _, err := r.Detect(context.Background(), DetectRequest{ImagePath: "x"}); err == nil {
		t.Error("Detect() without JSON output = nil error")
	}
}

func TestRunnerTrain(t *testing.T) {
	r, dir := shRunner(t, 10*time.Second)
	writeScript(t, dir, "train.sh", `echo "PROGRESS 10 loading dataset" >&2
echo "some warning" >&2
echo "PROGRESS 150 done" >&2
echo "epoch 1/1"
echo '{"model_path":"'"$4"'/best.pt","classes":["valve"],"metrics":{"map50":0.75}}'
`)
	var progress []string
	res, err := r.Train(context.Background(), TrainRequest{DatasetDir: "/data/ds", OutputDir: "/models/out", ModelType: "yolo", Epochs: 3},
		func(pct int, msg string) { progress = append(progress, fmt.Sprintf("%d %s", pct, msg)) })
	if err != nil {
		t.Fatalf("Train() error = %v", err)
	}
	want := TrainResult{ModelPath: "/models/out/best.pt", Classes: []string{"valve"}, Metrics: map[string]float64{"map50": 0.75}}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Train() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"10 loading dataset", "100 done"}, progress); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}
}

func TestParseProgress(t *testing.T) {
	tests := []struct {
		line string
		pct  int
		msg  string
		ok   bool
	}{
		{"PROGRESS 42 epoch 3", 42, "epoch 3", true},
		{"PROGRESS 7", 7, "", true},
		{"PROGRESS -5 x", 0, "x", true},
		{"PROGRESS abc", 0, "", false},
		{"progress 10", 0, "", false},
	}
	for _, tt := range tests {
		pct, msg, ok := parseProgress(tt.line)
		if pct != tt.pct || msg != tt.msg || ok != tt.ok {
			t.Errorf("parseProgress(%q) = %d, %q, %v", tt.line, pct, msg, ok)
		}
	}
}

func TestStderrWriterBoundsUnterminatedOutput(t *testing.T) {
	var got []int
	w := &stderrWriter{progress: func(pct int, _ string) { got = append(got, pct) }}
	chunk := []byte(strings.Repeat("x", 16<<10))
	for i := 0; i < 64; i++ {
		w.Write(chunk)
		if len(w.partial) > maxStderr {
			t.Fatalf("after %d chunks partial holds %d bytes", i+1, len(w.partial))
		}
	}
	if w.buf.Len() > 2*maxStderr {
		t.Errorf("stderr buffer = %d bytes", w.buf.Len())
	}
	w.Write([]byte("\nPROGRESS 55 epoch 2\n"))
	if diff := cmp.Diff([]int{55}, got); diff != "" {
		t.Errorf("progress after long output (-want +got):\n%s", diff)
	}
}

func newBreaker(t *testing.T) (*CircuitBreaker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { c.Close() })
	return NewCircuitBreaker(c, 30*time.Second, 5*time.Minute), mr
}

func TestBreakerCooldown(t *testing.T) {
	cb, _ := newBreaker(t)
	want := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute, 5 * time.Minute, 5 * time.Minute}
	for i, w := range want {
		if got := cb.Cooldown(i + 1); got != w {
			t.Errorf("Cooldown(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestBreakerStates(t *testing.T) {
	ctx := context.Background()
	cb, _ := newBreaker(t)
	now := time.Unix(1_700_000_000, 0)
	cb.now = func() time.Time { return now }

	if cb.IsOpen(ctx, "up") || cb.State(ctx, "up") != "closed" {
		t.Fatal("new breaker is not closed")
	}
	cb.Open(ctx, "up")
	if !cb.IsOpen(ctx, "up") {
		t.Fatal("breaker not open after failure")
	}

	now = now.Add(31 * time.Second)
	if cb.IsOpen(ctx, "up") {
		t.Fatal("probe rejected after cooldown")
	}
	if cb.State(ctx, "up") != "half_open" {
		t.Errorf("state = %s, want half_open", cb.State(ctx, "up"))
	}
	if !cb.IsOpen(ctx, "up") {
		t.Error("second caller allowed while probe in flight")
	}

	// failed probe doubles the cooldown
	cb.Open(ctx, "up")
	now = now.Add(31 * time.Second)
	if !cb.IsOpen(ctx, "up") {
		t.Error("breaker closed before doubled cooldown")
	}
	now = now.Add(30 * time.Second)
	if cb.IsOpen(ctx, "up") {
		t.Error("probe rejected after doubled cooldown")
	}
	cb.Close(ctx, "up")
	if cb.IsOpen(ctx, "up") || cb.State(ctx, "up") != "closed" {
		t.Error("breaker not closed after success")
	}
}

func TestCompanionDetect(t *testing.T) {
	var got CompanionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/detect" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"detections":[{"class":"valve","confidence":0.8,"box":[0.1,0.1,0.2,0.2]}]}`))
	}))
	defer srv.Close()

	cb, _ := newBreaker(t)
	c := NewCompanion(srv.URL+"/", time.Second, cb)
	dets, err := c.Detect(context.Background(), []byte("png"), "/models/v1", "yolo", 0.4, []string{"valve"})
	if err != nil {
		t.Fatal(err)
	}
	if len(dets) != 1 || dets[0].Class != "valve" {
		t.Errorf("Detect() = %+v", dets)
	}
	want := CompanionRequest{Image: "cG5n", ModelPath: "/models/v1", ModelType: "yolo", Confidence: 0.4, Classes: []string{"valve"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
}

func TestCompanionOpensBreaker(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Content-Type") != "application/json" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		http.Error(w, "model crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx := context.Background()
	cb, _ := newBreaker(t)
	c := NewCompanion(srv.URL, time.Second, cb)

	_, err := c.Detect(ctx, []byte("png"), "m", "yolo", 0.5, nil)
	if !errors.Is(err, ErrUpstream) || !strings.Contains(err.Error(), "model crashed") {
		t.Fatalf("first Detect() error = %v", err)
	}
	_, err = c.Detect(ctx, []byte("png"), "m", "yolo", 0.5, nil)
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("second Detect() error = %v, want ErrBreakerOpen", err)
	}
	if calls.Load() != 1 {
		t.Errorf("upstream called %d times", calls.Load())
	}
}

func TestCompanionClientErrorKeepsBreakerClosed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown model", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	ctx := context.Background()
	cb, _ := newBreaker(t)
	c := NewCompanion(srv.URL, time.Second, cb)
	if _, err := c.Detect(ctx, []byte("png"), "m", "yolo", 0.5, nil); !errors.Is(err, ErrUpstream) {
		t.Fatalf("Detect() error = %v", err)
	}
	if cb.State(ctx, companionUpstream) != "closed" {
		t.Error("4xx response opened the breaker")
	}
}
