// Package detector runs the external Python detector and trainer and
// proxies detection to an optional companion server.
package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/pidly/internal/metrics"
)

// ErrTimeout is returned when a process exceeds its deadline.
var ErrTimeout = errors.New("detector process timed out")

// ProcessError reports a non-zero exit of the Python process.
type ProcessError struct {
	Script   string
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s exited with code %d: %s", e.Script, e.ExitCode, e.Stderr)
}

// Box is a normalized x, y, width, height rectangle.
type Box [4]float64

type Detection struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
	Box        Box     `json:"box"`
}

type DetectRequest struct {
	ImagePath  string
	ModelDir   string
	ModelType  string
	Confidence float64
	Classes    []string
}

type TrainRequest struct {
	DatasetDir string
	OutputDir  string
	ModelType  string
	Epochs     int
}

type TrainResult struct {
	ModelPath string             `json:"model_path"`
	Classes   []string           `json:"classes"`
	Metrics   map[string]float64 `json:"metrics"`
}

// ProgressFunc receives progress lines the trainer prints to stderr as
// "PROGRESS <percent> <message>".
type ProgressFunc func(percent int, message string)

// Options configures a Runner.
type Options struct {
	Python       string
	Dir          string
	TrainScript  string
	DetectScript string
	Timeout      time.Duration
	TrainTimeout time.Duration
	Concurrency  int
}

// Runner executes detector scripts with bounded concurrency.
type Runner struct {
	opts Options
	sem  chan struct{}
}

func NewRunner(opts Options) *Runner {
	if opts.Python == "" {
		opts.Python = "python3"
	}
	if opts.TrainScript == "" {
		opts.TrainScript = "train.py"
	}
	if opts.DetectScript == "" {
		opts.DetectScript = "detect.py"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.TrainTimeout <= 0 {
		opts.TrainTimeout = 2 * time.Hour
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	return &Runner{opts: opts, sem: make(chan struct{}, opts.Concurrency)}
}

func (r *Runner) script(name string) string {
	if filepath.IsAbs(name) || r.opts.Dir == "" {
		return name
	}
	return filepath.Join(r.opts.Dir, name)
}

// Scripts returns the resolved train and detect script paths.
func (r *Runner) Scripts() (train, detect string) {
	return r.script(r.opts.TrainScript), r.script(r.opts.DetectScript)
}

// Python returns the interpreter the runner invokes.
func (r *Runner) Python() string { return r.opts.Python }

type detectOutput struct {
	Detections []Detection `json:"detections"`
	Error      string      `json:"error"`
}

// Detect runs the detect script on one page image.
func (r *Runner) Detect(ctx context.Context, req DetectRequest) ([]Detection, error) {
	args := []string{
		"--image", req.ImagePath,
		"--model-dir", req.ModelDir,
		"--model-type", req.ModelType,
		"--confidence", strconv.FormatFloat(req.Confidence, 'f', -1, 64),
	}
	if len(req.Classes) > 0 {
		args = append(args, "--classes", strings.Join(req.Classes, ","))
	}
	start := time.Now()
	stdout, err := r.run(ctx, r.opts.DetectScript, r.opts.Timeout, args, nil)
	if err != nil {
		metrics.ObserveDetector("detect", "error", time.Since(start))
		return nil, err
	}
	dets, err := parseDetections(stdout)
	if err != nil {
		metrics.ObserveDetector("detect", "error", time.Since(start))
		return nil, err
	}
	metrics.ObserveDetector("detect", "ok", time.Since(start))
	log.Debug().Str("model", req.ModelDir).Int("detections", len(dets)).Dur("duration", time.Since(start)).Msg("detection finished")
	return dets, nil
}

// parseDetections accepts {"detections": [...]} or a bare array.
func parseDetections(stdout []byte) ([]Detection, error) {
	body := lastJSON(stdout)
	if len(body) == 0 {
		return nil, fmt.Errorf("detector produced no JSON output")
	}
	if body[0] == '[' {
		var dets []Detection
		if err := json.Unmarshal(body, &dets); err != nil {
			return nil, fmt.Errorf("decode detections: %w", err)
		}
		return clampDetections(dets), nil
	}
	var out detectOutput
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode detections: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("detector: %s", out.Error)
	}
	return clampDetections(out.Detections), nil
}

func clampDetections(dets []Detection) []Detection {
	if dets == nil {
		return []Detection{}
	}
	for i := range dets {
		for j := range dets[i].Box {
			dets[i].Box[j] = min(max(dets[i].Box[j], 0), 1)
		}
	}
	return dets
}

// Train runs the training script. progress may be nil.
func (r *Runner) Train(ctx context.Context, req TrainRequest, progress ProgressFunc) (TrainResult, error) {
	args := []string{
		"--dataset", req.DatasetDir,
		"--output", req.OutputDir,
		"--model-type", req.ModelType,
	}
	if req.Epochs > 0 {
		args = append(args, "--epochs", strconv.Itoa(req.Epochs))
	}
	start := time.Now()
	stdout, err := r.run(ctx, r.opts.TrainScript, r.opts.TrainTimeout, args, progress)
	if err != nil {
		metrics.ObserveDetector("train", "error", time.Since(start))
		return TrainResult{}, err
	}
	var res TrainResult
	body := lastJSON(stdout)
	if len(body) == 0 {
		metrics.ObserveDetector("train", "error", time.Since(start))
		return TrainResult{}, fmt.Errorf("trainer produced no JSON output")
	}
	if err := json.Unmarshal(body, &res); err != nil {
		metrics.ObserveDetector("train", "error", time.Since(start))
		return TrainResult{}, fmt.Errorf("decode train result: %w", err)
	}
	if res.ModelPath == "" {
		res.ModelPath = req.OutputDir
	}
	metrics.ObserveDetector("train", "ok", time.Since(start))
	log.Info().Str("output", res.ModelPath).Strs("classes", res.Classes).Dur("duration", time.Since(start)).Msg("training finished")
	return res, nil
}

// lastJSON returns the last stdout line that looks like a JSON document.
// Scripts may print log lines before the result.
func lastJSON(stdout []byte) []byte {
	trimmed := bytes.TrimSpace(stdout)
	if json.Valid(trimmed) {
		return trimmed
	}
	lines := bytes.Split(trimmed, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) > 0 && (line[0] == '{' || line[0] == '[') && json.Valid(line) {
			return line
		}
	}
	return nil
}

const maxStderr = 64 << 10

func (r *Runner) run(ctx context.Context, script string, timeout time.Duration, args []string, progress ProgressFunc) ([]byte, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.sem }()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	path := r.script(script)
	cmd := exec.CommandContext(ctx, r.opts.Python, append([]string{path}, args...)...)
	var stdout bytes.Buffer
	stderr := &stderrWriter{progress: progress}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = 2 * time.Second
	log.Debug().Str("cmd", strings.Join(cmd.Args, " ")).Msg("starting detector process")
	err := cmd.Run()
	stderr.flush()

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w: %s after %v", ErrTimeout, filepath.Base(path), timeout)
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), ctx.Err())
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, &ProcessError{Script: filepath.Base(path), ExitCode: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr.buf.String())}
		}
		return nil, fmt.Errorf("run %s: %w", filepath.Base(path), err)
	}
	return stdout.Bytes(), nil
}

// stderrWriter buffers stderr (bounded) and forwards progress lines.
type stderrWriter struct {
	progress ProgressFunc
	partial  []byte
	buf      bytes.Buffer
}

func (w *stderrWriter) Write(p []byte) (int, error) {
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.line(string(w.partial[:i]))
		w.partial = w.partial[i+1:]
	}
	// a line longer than the buffer is cut into chunks
	for len(w.partial) > maxStderr {
		w.line(string(w.partial[:maxStderr]))
		w.partial = w.partial[maxStderr:]
	}
	return len(p), nil
}

func (w *stderrWriter) flush() {
	if len(w.partial) > 0 {
		w.line(string(w.partial))
		w.partial = nil
	}
}

func (w *stderrWriter) line(line string) {
	line = strings.TrimRight(line, "\r")
	if pct, msg, ok := parseProgress(line); ok {
		if w.progress != nil {
			w.progress(pct, msg)
		}
		return
	}
	if w.buf.Len() < maxStderr {
		w.buf.WriteString(line)
		w.buf.WriteByte('\n')
	}
}

func parseProgress(line string) (int, string, bool) {
	rest, ok := strings.CutPrefix(line, "PROGRESS ")
	if !ok {
		return 0, "", false
	}
	num, msg, _ := strings.Cut(strings.TrimSpace(rest), " ")
	pct, err := strconv.Atoi(num)
	if err != nil {
		return 0, "", false
	}
	return min(max(pct, 0), 100), strings.TrimSpace(msg), true
}
