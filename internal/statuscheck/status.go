package statuscheck

import (
    "context"
    "errors"
    "fmt"
    "os"
    "os/exec"
    "strings"
    "time"

    "github.com/local/pidly/internal/storage"
)

// RedisPinger models the minimal Redis capability we need for status checks.
type RedisPinger interface {
    Ping(ctx context.Context) error
}

// HealthChecker is a remote service with a health endpoint.
type HealthChecker interface {
    Health(ctx context.Context) error
}

// Versioner reports the version of an installed tool.
type Versioner interface {
    Version(ctx context.Context) (string, error)
}

// Checker aggregates health checks for the services pidly depends on.
type Checker struct {
    redis       RedisPinger
    storage     storage.Backend
    python      string
    scripts     []string
    companion   HealthChecker
    ocrEngine   string
    visionKey   string
    tesseract   func() string
    libreOffice Versioner
}

// Options configures the Checker. Nil dependencies are reported as not
// configured.
type Options struct {
    Redis       RedisPinger
    Storage     storage.Backend
    Python      string
    Scripts     []string
    Companion   HealthChecker
    OCREngine   string
    VisionKey   string
    // Tesseract returns the linked library version.
    Tesseract   func() string
    LibreOffice Versioner
}

// Status represents the readiness of a subsystem.
type Status struct {
    OK      bool   `json:"ok"`
    Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
    Ready       bool   `json:"ready"`
    Redis       Status `json:"redis"`
    Storage     Status `json:"storage"`
    Python      Status `json:"python"`
    Scripts     Status `json:"detector_scripts"`
    Companion   Status `json:"companion"`
    OCR         Status `json:"ocr"`
    LibreOffice Status `json:"libreoffice"`
}

func New(opts Options) *Checker {
    return &Checker{
        redis:       opts.Redis,
        storage:     opts.Storage,
        python:      opts.Python,
        scripts:     opts.Scripts,
        companion:   opts.Companion,
        ocrEngine:   strings.ToLower(opts.OCREngine),
        visionKey:   strings.TrimSpace(opts.VisionKey),
        tesseract:   opts.Tesseract,
        libreOffice: opts.LibreOffice,
    }
}

// Summary returns the current status snapshot. Ready covers the
// dependencies every request path needs.
func (c *Checker) Summary(ctx context.Context) Summary {
    s := Summary{
        Redis:       c.checkRedis(ctx),
        Storage:     c.checkStorage(ctx),
        Python:      c.checkPython(ctx),
        Scripts:     c.checkScripts(),
        Companion:   c.checkCompanion(ctx),
        OCR:         c.checkOCR(),
        LibreOffice: c.checkLibreOffice(ctx),
    }
    s.Ready = s.Redis.OK && s.Storage.OK
    return s
}

func (c *Checker) checkRedis(ctx context.Context) Status {
    if c.redis == nil {
        return Status{OK: false, Message: "client unavailable"}
    }
    ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
    defer cancel()
    if err := c.redis.Ping(ctx); err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    return Status{OK: true, Message: "Connected"}
}

func (c *Checker) checkStorage(ctx context.Context) Status {
    if c.storage == nil {
        return Status{OK: false, Message: "Backend not configured"}
    }
    ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    if _, err := storage.Exists(ctx, c.storage, ".healthcheck"); err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    return Status{OK: true, Message: "Connected (" + c.storage.Name() + ")"}
}

func (c *Checker) checkPython(ctx context.Context) Status {
    if c.python == "" {
        return Status{OK: false, Message: "Interpreter not configured"}
    }
    ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    out, err := exec.CommandContext(ctx, c.python, "--version").CombinedOutput()
    if err != nil {
        return Status{OK: false, Message: "Binary not found"}
    }
    return Status{OK: true, Message: strings.TrimSpace(string(out))}
}

func (c *Checker) checkScripts() Status {
    if len(c.scripts) == 0 {
        return Status{OK: false, Message: "No scripts configured"}
    }
    var missing []string
    for _, s := range c.scripts {
        if _, err := os.Stat(s); err != nil {
            missing = append(missing, s)
        }
    }
    if len(missing) > 0 {
        return Status{OK: false, Message: "Missing: " + strings.Join(missing, ", ")}
    }
    return Status{OK: true, Message: "Available"}
}

func (c *Checker) checkCompanion(ctx context.Context) Status {
    if c.companion == nil {
        return Status{OK: true, Message: "Not configured (local detector)"}
    }
    ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    if err := c.companion.Health(ctx); err != nil {
        return Status{OK: false, Message: trimError(err)}
    }
    return Status{OK: true, Message: "Available"}
}

func (c *Checker) checkOCR() Status {
    switch c.ocrEngine {
    case "vision":
        if c.visionKey == "" {
            return Status{OK: false, Message: "API key missing"}
        }
        return Status{OK: true, Message: "Google Vision"}
    case "tesseract":
        if c.tesseract == nil {
            return Status{OK: false, Message: "Engine unavailable"}
        }
        return Status{OK: true, Message: "Tesseract " + c.tesseract()}
    case "":
        return Status{OK: false, Message: "Not configured"}
    }
    return Status{OK: false, Message: fmt.Sprintf("Unknown engine %q", c.ocrEngine)}
}

func (c *Checker) checkLibreOffice(ctx context.Context) Status {
    if c.libreOffice == nil {
        return Status{OK: true, Message: "Conversion disabled"}
    }
    v, err := c.libreOffice.Version(ctx)
    if err != nil {
        return Status{OK: false, Message: "Binary not found"}
    }
    return Status{OK: true, Message: v}
}

func trimError(err error) string {
    if err == nil {
        return ""
    }
    var netErr interface{ Timeout() bool }
    if errors.As(err, &netErr) && netErr.Timeout() {
        return "timeout"
    }
    msg := err.Error()
    if len(msg) > 120 {
        return msg[:120]
    }
    return msg
}
