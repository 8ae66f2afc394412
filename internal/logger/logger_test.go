package logger

import (
    "bytes"
    "context"
    "encoding/json"
    "net/http"
    "net/http/httptest"
    "strings"
    "testing"

    "github.com/axiomhq/axiom-go/axiom"
    "github.com/rs/zerolog"
)

func captureGlobal(t *testing.T, lvl zerolog.Level) *bytes.Buffer {
    t.Helper()
    prev := global
    t.Cleanup(func() { global = prev })
    var buf bytes.Buffer
    global = zerolog.New(&buf).Level(lvl)
    return &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
    t.Helper()
    var out []map[string]any
    for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
        if l == "" { continue }
        var m map[string]any
        if err := json.Unmarshal([]byte(l), &m); err != nil { t.Fatalf("bad log line %q: %v", l, err) }
        out = append(out, m)
    }
    return out
}

func TestMiddlewareLogsWithRequestID(t *testing.T) {
    buf := captureGlobal(t, zerolog.InfoLevel)
    h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        Ctx(r.Context()).Info().Msg("inside handler")
        w.WriteHeader(http.StatusNotFound)
    }))

    req := httptest.NewRequest(http.MethodGet, "/api/files/x.pdf", nil)
    req.Header.Set(RequestIDHeader, "req-42")
    rec := httptest.NewRecorder()
    h.ServeHTTP(rec, req)

    if got := rec.Header().Get(RequestIDHeader); got != "req-42" {
        t.Errorf("response request id = %q", got)
    }
    got := lines(t, buf)
    if len(got) != 2 {
        t.Fatalf("log lines = %v", got)
    }
    if got[0]["message"] != "inside handler" || got[0]["request_id"] != "req-42" {
        t.Errorf("handler line = %v", got[0])
    }
    access := got[1]
    if access["level"] != "warn" || access["status"] != float64(404) || access["path"] != "/api/files/x.pdf" || access["request_id"] != "req-42" {
        t.Errorf("access line = %v", access)
    }
}

func TestMiddlewareGeneratesIDAndQuietsProbes(t *testing.T) {
    buf := captureGlobal(t, zerolog.InfoLevel)
    h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("ok")) }))

    rec := httptest.NewRecorder()
    h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
    if rec.Header().Get(RequestIDHeader) == "" {
        t.Error("no request id generated")
    }
    if buf.Len() != 0 {
        t.Errorf("health probe logged at info: %s", buf)
    }
}

func TestCtxFallsBackToGlobal(t *testing.T) {
    if l := Ctx(context.Background()); l.GetLevel() == zerolog.Disabled {
        t.Error("Ctx() without request logger is disabled")
    }
}

func TestAxiomWriterDropsDebug(t *testing.T) {
    c := &axiomClient{ch: make(chan axiom.Event, 2)}
    w := &axiomWriter{client: c}
    w.Write([]byte(`{"level":"debug","message":"noise"}`))
    w.Write([]byte(`{"level":"info","message":"saved"}`))
    w.Write([]byte("not json"))
    w.Write([]byte(`{"level":"error","message":"overflow"}`))

    if len(c.ch) != 2 {
        t.Fatalf("queued events = %d", len(c.ch))
    }
    ev := <-c.ch
    if ev["message"] != "saved" || ev["service"] != service {
        t.Errorf("event = %v", ev)
    }
    if n := c.dropped.Load(); n != 1 {
        t.Errorf("dropped = %d", n)
    }
}
