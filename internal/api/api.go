// Package api is the HTTP surface of pidly.
package api

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "time"

    "github.com/gorilla/websocket"

    "github.com/local/pidly/internal/detector"
    "github.com/local/pidly/internal/dispatcher"
    "github.com/local/pidly/internal/files"
    "github.com/local/pidly/internal/limiter"
    "github.com/local/pidly/internal/logger"
    "github.com/local/pidly/internal/markup"
    "github.com/local/pidly/internal/metrics"
    "github.com/local/pidly/internal/ocr"
    "github.com/local/pidly/internal/pdfops"
    "github.com/local/pidly/internal/projects"
    "github.com/local/pidly/internal/statuscheck"
    "github.com/local/pidly/internal/storage"
    "github.com/local/pidly/internal/store"
)

type Queue interface {
    Enqueue(ctx context.Context, payload []byte) error
    CancelJob(ctx context.Context, jobID string) error
}

type StatusStore interface {
    Set(ctx context.Context, jobID string, st store.Status) error
    Get(ctx context.Context, jobID string) (store.Status, bool, error)
    Watch(ctx context.Context, jobID string) (<-chan store.Status, error)
}

// LocalDetector runs detection on an image file.
type LocalDetector interface {
    Detect(ctx context.Context, req detector.DetectRequest) ([]detector.Detection, error)
}

// RemoteDetector sends the page image to a companion server.
type RemoteDetector interface {
    Detect(ctx context.Context, png []byte, modelPath, modelType string, confidence float64, classes []string) ([]detector.Detection, error)
}

type Checker interface {
    Summary(ctx context.Context) statuscheck.Summary
}

type Dependencies struct {
    Files    *files.Service
    Projects *projects.Service
    Queue    Queue
    Status   StatusStore
    Runner   LocalDetector
    // Companion replaces Runner when set.
    Companion RemoteDetector
    // OCR is optional; OCR endpoints answer 503 without it.
    OCR      ocr.Engine
    Checker  Checker
    Limiter  *limiter.Limiter

    TempDir        string
    DetectDPI      int
    OCRDPI         int
    OCRLanguages   []string
    MaxAttempts    int
    MaxUploadBytes int64
}

type API struct {
    deps     Dependencies
    upgrader websocket.Upgrader
    now      func() time.Time
}

func New(deps Dependencies) *API {
    if deps.DetectDPI <= 0 { deps.DetectDPI = 150 }
    if deps.OCRDPI <= 0 { deps.OCRDPI = 200 }
    if deps.MaxAttempts <= 0 { deps.MaxAttempts = 2 }
    if deps.MaxUploadBytes <= 0 { deps.MaxUploadBytes = 100 << 20 }
    if deps.Limiter == nil { deps.Limiter = limiter.New(limiter.Options{}) }
    return &API{
        deps: deps,
        upgrader: websocket.Upgrader{
            ReadBufferSize:  1024,
            WriteBufferSize: 4096,
            // the front end is served from the same origin or a dev proxy
            CheckOrigin: func(r *http.Request) bool { return true },
        },
        now: time.Now,
    }
}

func (a *API) RegisterRoutes(mux *http.ServeMux) {
    mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); _, _ = w.Write([]byte("ok")) })
    mux.Handle("GET /metrics", metrics.Handler())

    a.handle(mux, "GET /api/status", a.handleStatus)

    a.handle(mux, "POST /api/files", a.handleUpload)
    a.handle(mux, "GET /api/files", a.handleListFiles)
    a.handle(mux, "GET /api/files/{name...}", a.handleDownload)
    a.handle(mux, "PATCH /api/files/{name...}", a.handleRename)
    a.handle(mux, "DELETE /api/files/{name...}", a.handleDeleteFile)

    a.handle(mux, "GET /api/projects", a.handleListProjects)
    a.handle(mux, "POST /api/projects", a.handleCreateProject)
    a.handle(mux, "GET /api/projects/{id}", a.handleGetProject)
    a.handle(mux, "PUT /api/projects/{id}", a.handleUpdateProject)
    a.handle(mux, "DELETE /api/projects/{id}", a.handleDeleteProject)
    for _, kind := range []projects.BlobKind{projects.Objects, projects.Regions} {
        base := "/api/projects/{id}/" + string(kind)
        a.handle(mux, "GET "+base, a.handleGetBlob(kind))
        a.handle(mux, "PUT "+base, a.handlePutBlob(kind))
        a.handle(mux, "DELETE "+base, a.handleDeleteBlob(kind))
    }

    a.handle(mux, "POST /api/markups/save", a.handleSaveMarkups)

    a.handle(mux, "POST /api/train", a.handleTrain)
    a.handle(mux, "POST /api/detect", a.handleDetect)
    a.handle(mux, "GET /api/jobs/{id}", a.handleGetJob)
    a.handle(mux, "POST /api/jobs/{id}/cancel", a.handleCancelJob)
    a.handle(mux, "GET /api/jobs/{id}/ws", a.handleJobStream)

    a.handle(mux, "POST /api/ocr/test", a.handleOCRTest)
    a.handle(mux, "GET /api/ocr/thumbnail", a.handleThumbnail)
    a.handle(mux, "POST /api/ocr/region", a.handleOCRRegion)
}

func (a *API) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
    mux.Handle(pattern, metrics.Instrument(pattern, h))
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
    if a.deps.Checker == nil {
        writeJSON(w, http.StatusOK, map[string]any{"ready": true})
        return
    }
    s := a.deps.Checker.Summary(r.Context())
    code := http.StatusOK
    if !s.Ready { code = http.StatusServiceUnavailable }
    writeJSON(w, code, s)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
    w.Header().Set("Content-Type", "application/json")
    w.WriteHeader(code)
    _ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
    Error string `json:"error"`
}

func writeErrorMsg(w http.ResponseWriter, code int, msg string) {
    writeJSON(w, code, errorBody{Error: msg})
}

// writeError maps err to a status code and writes the JSON error body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
    code := statusFor(err)
    l := logger.Ctx(r.Context())
    ev := l.Warn()
    if code >= 500 { ev = l.Error() }
    ev.Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", code).Msg("request failed")
    writeErrorMsg(w, code, err.Error())
}

func statusFor(err error) int {
    var (
        maxBytes   *http.MaxBytesError
        validation *dispatcher.ValidationError
        procErr    *detector.ProcessError
    )
    switch {
    case errors.As(err, &maxBytes), errors.Is(err, files.ErrTooLarge):
        return http.StatusRequestEntityTooLarge
    case errors.Is(err, files.ErrNotFound), errors.Is(err, projects.ErrNotFound), errors.Is(err, storage.ErrNotFound):
        return http.StatusNotFound
    case errors.Is(err, files.ErrExists):
        return http.StatusConflict
    case errors.Is(err, files.ErrInvalidName), errors.Is(err, files.ErrUnsupported),
        errors.Is(err, projects.ErrInvalid), errors.Is(err, projects.ErrInvalidBlob),
        errors.Is(err, markup.ErrInvalid), errors.Is(err, pdfops.ErrPageRange),
        errors.Is(err, storage.ErrInvalidKey), errors.Is(err, ocr.ErrEmptyImage),
        errors.As(err, &validation), errors.Is(err, errBadRequest):
        return http.StatusBadRequest
    case errors.Is(err, ocr.ErrRateLimited), errors.Is(err, errBusy):
        return http.StatusTooManyRequests
    case errors.Is(err, detector.ErrBreakerOpen), errors.Is(err, ocr.ErrNotConfigured), errors.Is(err, errQueueDown), errors.Is(err, errNoDetector):
        return http.StatusServiceUnavailable
    case errors.Is(err, detector.ErrUpstream), errors.As(err, &procErr):
        return http.StatusBadGateway
    case errors.Is(err, detector.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
        return http.StatusGatewayTimeout
    }
    return http.StatusInternalServerError
}

var (
    errBadRequest = errors.New("bad request")
    errBusy       = errors.New("too many requests in flight")
    errQueueDown  = errors.New("queue unavailable")
    errNoDetector = errors.New("detector not configured")
)

// decodeJSON reads a JSON body of at most limit bytes into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v any) error {
    r.Body = http.MaxBytesReader(w, r.Body, limit)
    defer r.Body.Close()
    if err := json.NewDecoder(r.Body).Decode(v); err != nil {
        var maxBytes *http.MaxBytesError
        if errors.As(err, &maxBytes) { return err }
        return fmt.Errorf("%w: invalid json: %v", errBadRequest, err)
    }
    return nil
}
