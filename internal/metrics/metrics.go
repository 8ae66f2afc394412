package metrics

import (
    "net/http"
    "strconv"
    "time"

    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
    httpReqs = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pidly",
            Name:      "http_requests_total",
            Help:      "Total HTTP requests by route and status code",
        },
        []string{"route", "code"},
    )

    httpLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Namespace: "pidly",
            Name:      "http_request_duration_seconds",
            Help:      "Duration of HTTP requests by route",
            Buckets:   prometheus.DefBuckets,
        },
        []string{"route"},
    )

    markupsSaved = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pidly",
            Name:      "markups_saved_total",
            Help:      "Documents saved with markups by mode (annotate, flatten)",
        },
        []string{"mode"},
    )

    markupsRendered = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pidly",
            Name:      "markups_rendered_total",
            Help:      "Markups rendered into PDF objects by kind",
        },
        []string{"kind"},
    )

    detectorRuns = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pidly",
            Name:      "detector_runs_total",
            Help:      "Detector process runs by kind (train, detect, companion) and result",
        },
        []string{"kind", "result"},
    )

    detectorLatency = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{
            Namespace: "pidly",
            Name:      "detector_run_duration_seconds",
            Help:      "Duration of detector runs by kind",
            Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 900, 3600},
        },
        []string{"kind"},
    )

    ocrReqs = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pidly",
            Name:      "ocr_requests_total",
            Help:      "OCR requests by engine and result",
        },
        []string{"engine", "result"},
    )

    uploads = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pidly",
            Name:      "uploads_total",
            Help:      "Uploaded files by detected type",
        },
        []string{"type"},
    )

    jobs = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pidly",
            Name:      "jobs_total",
            Help:      "Training jobs by result (success, retry, dlq, cancelled)",
        },
        []string{"result"},
    )

    breakerEvents = prometheus.NewCounterVec(
        prometheus.CounterOpts{
            Namespace: "pidly",
            Name:      "breaker_events_total",
            Help:      "Circuit breaker events by action",
        },
        []string{"action"},
    )

    queueDepth = prometheus.NewGaugeVec(
        prometheus.GaugeOpts{
            Namespace: "pidly",
            Name:      "queue_depth",
            Help:      "Queue depth gauges for stream, delayed and dlq",
        },
        []string{"type"},
    )
)

// Init registers collectors.
func Init() {
    prometheus.MustRegister(httpReqs, httpLatency, markupsSaved, markupsRendered, detectorRuns, detectorLatency, ocrReqs, uploads, jobs, breakerEvents, queueDepth)
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveDetector(kind, result string, dur time.Duration) {
    detectorRuns.WithLabelValues(kind, result).Inc()
    detectorLatency.WithLabelValues(kind).Observe(dur.Seconds())
}

func IncMarkupsSaved(mode string)     { markupsSaved.WithLabelValues(mode).Inc() }
func IncMarkupRendered(kind string)   { markupsRendered.WithLabelValues(kind).Inc() }
func IncOCR(engine, result string)    { ocrReqs.WithLabelValues(engine, result).Inc() }
func IncUpload(kind string)           { uploads.WithLabelValues(kind).Inc() }
func IncJob(result string)            { jobs.WithLabelValues(result).Inc() }
func BreakerOpened()                  { breakerEvents.WithLabelValues("opened").Inc() }
func BreakerClosed()                  { breakerEvents.WithLabelValues("closed").Inc() }
func BreakerRejected()                { breakerEvents.WithLabelValues("rejected").Inc() }

func SetQueueDepth(kind string, v int64) { queueDepth.WithLabelValues(kind).Set(float64(v)) }

type codeRecorder struct {
    http.ResponseWriter
    code int
}

func (c *codeRecorder) WriteHeader(code int) {
    c.code = code
    c.ResponseWriter.WriteHeader(code)
}

func (c *codeRecorder) Unwrap() http.ResponseWriter { return c.ResponseWriter }

// Instrument wraps a handler registered under route with request counting and latency.
// The route label is the mux pattern, never the raw path, to keep cardinality bounded.
func Instrument(route string, next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        rec := &codeRecorder{ResponseWriter: w, code: http.StatusOK}
        // websocket upgrades need the raw writer
        if r.Header.Get("Upgrade") != "" {
            next.ServeHTTP(w, r)
            httpReqs.WithLabelValues(route, "101").Inc()
            return
        }
        next.ServeHTTP(rec, r)
        httpReqs.WithLabelValues(route, strconv.Itoa(rec.code)).Inc()
        httpLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
    })
}
