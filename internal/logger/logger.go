package logger

import (
    "bufio"
    "context"
    "encoding/json"
    "fmt"
    "io"
    "net"
    "net/http"
    "os"
    "path/filepath"
    "sync"
    "sync/atomic"
    "time"

    "github.com/axiomhq/axiom-go/axiom"
    "github.com/axiomhq/axiom-go/axiom/ingest"
    "github.com/google/uuid"
    "github.com/rs/zerolog"
    "github.com/rs/zerolog/log"
    lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const service = "pidly"

// RequestIDHeader carries the request id in and out of the service.
const RequestIDHeader = "X-Request-ID"

// Options defines logger initialization parameters.
type Options struct {
    Level        string
    Pretty       bool
    File         string
    MaxSizeMB    int
    MaxBackups   int
    MaxAgeDays   int
    Compress     bool

    // Axiom
    SendToAxiom  bool
    AxiomAPIKey  string
    AxiomOrgID   string
    AxiomDataset string
    AxiomFlush   time.Duration
}

var (
    global zerolog.Logger
    ax     *axiomClient
)

// Init builds the global logger: stdout (console format when pretty), a
// rotated file and Axiom forwarding when configured.
func Init(opts Options) error {
    writers, err := outputs(opts)
    if err != nil { return err }

    zerolog.TimeFieldFormat = time.RFC3339
    lvl, err := zerolog.ParseLevel(opts.Level)
    if err != nil || opts.Level == "" { lvl = zerolog.InfoLevel }

    global = zerolog.New(io.MultiWriter(writers...)).Level(lvl).With().Timestamp().Str("service", service).Logger()
    log.Logger = global
    return nil
}

func outputs(opts Options) ([]io.Writer, error) {
    var writers []io.Writer
    if opts.Pretty {
        writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
    } else {
        writers = append(writers, os.Stdout)
    }
    if opts.File != "" {
        if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
            return nil, fmt.Errorf("create logs dir: %w", err)
        }
        writers = append(writers, &lumberjack.Logger{
            Filename:   opts.File,
            MaxSize:    opts.MaxSizeMB,
            MaxBackups: opts.MaxBackups,
            MaxAge:     opts.MaxAgeDays,
            Compress:   opts.Compress,
        })
    }
    if opts.SendToAxiom && opts.AxiomAPIKey != "" {
        client, err := newAxiomClient(opts.AxiomAPIKey, opts.AxiomOrgID, opts.AxiomDataset, opts.AxiomFlush)
        if err != nil {
            // the service runs fine without remote logs
            fmt.Fprintf(os.Stderr, "Axiom disabled: %v\n", err)
        } else {
            ax = client
            writers = append(writers, &axiomWriter{client: client})
        }
    }
    return writers, nil
}

// Close flushes any buffered external loggers.
func Close() {
    if ax != nil {
        _ = ax.Close()
    }
}

// Ctx returns the request logger stored in ctx by Middleware, or the
// global logger outside a request.
func Ctx(ctx context.Context) *zerolog.Logger {
    if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
        return l
    }
    return &log.Logger
}

// statusRecorder captures the response code for request logging.
type statusRecorder struct {
    http.ResponseWriter
    status int
    bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
    r.status = code
    r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
    if r.status == 0 { r.status = http.StatusOK }
    n, err := r.ResponseWriter.Write(p)
    r.bytes += n
    return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack is required by the websocket upgrader.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
    h, ok := r.ResponseWriter.(http.Hijacker)
    if !ok { return nil, nil, fmt.Errorf("response writer does not support hijacking") }
    if r.status == 0 { r.status = http.StatusSwitchingProtocols }
    return h.Hijack()
}

// probe endpoints are polled constantly; keep them out of info logs
var quietPaths = map[string]bool{"/health": true, "/metrics": true}

// Middleware tags every request with an id, stores a logger carrying it
// in the request context and logs method, path, status and duration.
func Middleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
        start := time.Now()
        id := req.Header.Get(RequestIDHeader)
        if id == "" || len(id) > 128 { id = uuid.NewString() }
        w.Header().Set(RequestIDHeader, id)

        reqLog := global.With().Str("request_id", id).Logger()
        req = req.WithContext(reqLog.WithContext(req.Context()))
        rec := &statusRecorder{ResponseWriter: w}
        next.ServeHTTP(rec, req)
        if rec.status == 0 { rec.status = http.StatusOK }

        var ev *zerolog.Event
        switch {
        case rec.status >= 500:
            ev = reqLog.Error()
        case rec.status >= 400:
            ev = reqLog.Warn()
        case quietPaths[req.URL.Path]:
            ev = reqLog.Debug()
        default:
            ev = reqLog.Info()
        }
        ev.Str("method", req.Method).
            Str("path", req.URL.Path).
            Int("status", rec.status).
            Int("bytes", rec.bytes).
            Dur("duration", time.Since(start)).
            Str("remote", req.RemoteAddr).
            Msg("http request")
    })
}

// axiomWriter forwards zerolog JSON lines to Axiom (dropping debug level).
type axiomWriter struct { client *axiomClient }

func (w *axiomWriter) Write(p []byte) (int, error) {
    var ev map[string]interface{}
    if err := json.Unmarshal(p, &ev); err != nil {
        ev = map[string]interface{}{"message": string(p), "level": "info"}
    }
    if lvl, ok := ev["level"].(string); ok && (lvl == "debug" || lvl == "trace") {
        return len(p), nil
    }
    if _, ok := ev["service"]; !ok { ev["service"] = service }
    if _, ok := ev[ingest.TimestampField]; !ok {
        ev[ingest.TimestampField] = time.Now()
    }
    w.client.Send(axiom.Event(ev))
    return len(p), nil
}

// axiomClient batches events and ships them from one goroutine.
type axiomClient struct {
    client  *axiom.Client
    dataset string
    ch      chan axiom.Event
    dropped atomic.Int64
    wg      sync.WaitGroup
    ctx     context.Context
    cancel  context.CancelFunc
}

const axiomBatch = 200

func newAxiomClient(token, orgID, dataset string, flushEvery time.Duration) (*axiomClient, error) {
    if dataset == "" { dataset = "dev_" + service }
    opts := []axiom.Option{axiom.SetToken(token)}
    if orgID != "" { opts = append(opts, axiom.SetOrganizationID(orgID)) }
    c, err := axiom.NewClient(opts...)
    if err != nil { return nil, err }
    ctx, cancel := context.WithCancel(context.Background())
    ac := &axiomClient{
        client:  c,
        dataset: dataset,
        ch:      make(chan axiom.Event, 1000),
        ctx:     ctx,
        cancel:  cancel,
    }
    if flushEvery <= 0 { flushEvery = 10 * time.Second }
    ac.wg.Add(1)
    go ac.loop(flushEvery)
    return ac, nil
}

// Send never blocks a request; events are dropped when the buffer is full.
func (a *axiomClient) Send(ev axiom.Event) {
    select {
    case a.ch <- ev:
    default:
        a.dropped.Add(1)
    }
}

func (a *axiomClient) loop(flushEvery time.Duration) {
    defer a.wg.Done()
    ticker := time.NewTicker(flushEvery)
    defer ticker.Stop()
    batch := make([]axiom.Event, 0, axiomBatch)
    flush := func() {
        if n := a.dropped.Swap(0); n > 0 {
            batch = append(batch, axiom.Event{"level": "warn", "service": service, "message": fmt.Sprintf("dropped %d log events", n), ingest.TimestampField: time.Now()})
        }
        if len(batch) == 0 { return }
        ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
        if _, err := a.client.IngestEvents(ctx, a.dataset, batch); err != nil {
            // logging through zerolog here would feed the same writer
            fmt.Fprintf(os.Stderr, "axiom ingest of %d events failed: %v\n", len(batch), err)
        }
        cancel()
        batch = batch[:0]
    }
    for {
        select {
        case <-a.ctx.Done():
        drain:
            for {
                select {
                case ev := <-a.ch:
                    batch = append(batch, ev)
                default:
                    break drain
                }
            }
            flush()
            return
        case <-ticker.C:
            flush()
        case ev := <-a.ch:
            batch = append(batch, ev)
            if len(batch) >= axiomBatch { flush() }
        }
    }
}

func (a *axiomClient) Close() error {
    a.cancel()
    a.wg.Wait()
    return nil
}
