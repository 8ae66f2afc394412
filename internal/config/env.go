package config

import (
    "os"
    "strconv"
    "strings"
    "time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
    Level        string
    Pretty       bool
    File         string
    MaxSizeMB    int
    MaxBackups   int
    MaxAgeDays   int
    Compress     bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
    Send          bool
    APIKey        string
    OrgID         string
    Dataset       string
    FlushInterval time.Duration
}

// ServerConfig defines the HTTP surface.
type ServerConfig struct {
    Port            string
    StaticDir       string
    MaxUploadMB     int
    RateLimitRPS    float64
    RateLimitBurst  int
    ShutdownTimeout time.Duration
}

// StorageConfig selects and configures the blob backend.
type StorageConfig struct {
    Backend         string // "local"|"s3"
    DataDir         string
    Bucket          string
    Prefix          string
    Password        string
    Region          string
    AccessKeyID     string
    SecretAccessKey string
}

// QueueConfig defines queue connectivity and names.
type QueueConfig struct {
    RedisURL     string
    Stream       string
    Group        string
    PollInterval time.Duration
}

// WorkerConfig defines training worker behavior and limits.
type WorkerConfig struct {
    Enabled            bool
    Concurrency        int
    JobMaxAttempts     int
    RetryBaseDelay     time.Duration
    RetryBackoffFactor float64
    JobTimeout         time.Duration
}

// DetectorConfig describes the external detector process and the optional companion server.
type DetectorConfig struct {
    PythonBin          string
    Dir                string
    TrainScript        string
    DetectScript       string
    DetectTimeout      time.Duration
    DetectConcurrency  int
    DetectDPI          int
    CompanionURL       string
    CompanionTimeout   time.Duration
    BreakerBaseBackoff time.Duration
    BreakerMaxBackoff  time.Duration
}

// OCRConfig selects the text extraction engine.
type OCRConfig struct {
    Engine         string // "vision"|"tesseract"
    VisionAPIKey   string
    VisionEndpoint string
    Languages      []string
    DPI            int
    CacheTTL       time.Duration
}

// ConvertConfig controls office document conversion on upload.
type ConvertConfig struct {
    Enabled bool
    Binary  string
    Timeout time.Duration
}

// Config is the top-level configuration.
type Config struct {
    Logging  LoggingConfig
    Axiom    AxiomConfig
    Server   ServerConfig
    Storage  StorageConfig
    Queue    QueueConfig
    Worker   WorkerConfig
    Detector DetectorConfig
    OCR      OCRConfig
    Convert  ConvertConfig
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
    cfg := Config{}

    // Logging defaults
    cfg.Logging = LoggingConfig{
        Level:      getEnv("LOG_LEVEL", "info"),
        Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
        File:       getEnv("LOG_FILE", "logs/pidly.log"),
        MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
        MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
        MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
        Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
    }

    // Axiom defaults
    baseDataset := getEnv("AXIOM_DATASET", "dev")
    cfg.Axiom = AxiomConfig{
        Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
        APIKey:        getEnv("AXIOM_API_KEY", ""),
        OrgID:         getEnv("AXIOM_ORG_ID", ""),
        Dataset:       baseDataset + "_pidly",
        FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
    }

    cfg.Server = ServerConfig{
        Port:            getEnv("PORT", "8080"),
        StaticDir:       getEnv("STATIC_DIR", "web/dist"),
        MaxUploadMB:     parseInt(getEnv("MAX_UPLOAD_MB", "100"), 100),
        RateLimitRPS:    parseFloat(getEnv("RATE_LIMIT_RPS", "20"), 20),
        RateLimitBurst:  parseInt(getEnv("RATE_LIMIT_BURST", "40"), 40),
        ShutdownTimeout: parseDuration(getEnv("SHUTDOWN_TIMEOUT", "10s"), 10*time.Second),
    }

    cfg.Storage = StorageConfig{
        Backend:         strings.ToLower(getEnv("STORAGE_BACKEND", "local")),
        DataDir:         getEnv("DATA_DIR", "data"),
        Bucket:          getEnv("AWS_S3_BUCKET", ""),
        Prefix:          getEnv("S3_PREFIX", "pidly/"),
        Password:        getEnv("S3_PASSWORD", ""),
        Region:          getEnv("AWS_REGION", ""),
        AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
        SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
    }
    if cfg.Storage.Backend != "s3" { cfg.Storage.Backend = "local" }

    // Queue defaults
    cfg.Queue = QueueConfig{
        RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379"),
        Stream:       getEnv("QUEUE_STREAM", "jobs:train"),
        Group:        getEnv("QUEUE_GROUP", "workers:train"),
        PollInterval: parseDuration(getEnv("QUEUE_POLL_INTERVAL", "200ms"), 200*time.Millisecond),
    }

    // Worker defaults
    cfg.Worker = WorkerConfig{
        Enabled:            parseBool(getEnv("RUN_WORKER", "true")),
        Concurrency:        parseInt(getEnv("WORKER_CONCURRENCY", "1"), 1),
        JobMaxAttempts:     parseInt(getEnv("JOB_MAX_ATTEMPTS", "2"), 2),
        RetryBaseDelay:     parseDuration(getEnv("RETRY_BASE_DELAY", "5s"), 5*time.Second),
        RetryBackoffFactor: parseFloat(getEnv("RETRY_BACKOFF_FACTOR", "2.0"), 2.0),
        JobTimeout:         parseDuration(getEnv("JOB_TIMEOUT", "2h"), 2*time.Hour),
    }
    if cfg.Worker.Concurrency <= 0 { cfg.Worker.Concurrency = 1 }
    if cfg.Worker.JobMaxAttempts <= 0 { cfg.Worker.JobMaxAttempts = 1 }

    cfg.Detector = DetectorConfig{
        PythonBin:          getEnv("PYTHON_BIN", "python3"),
        Dir:                getEnv("DETECTOR_DIR", "detector"),
        TrainScript:        getEnv("TRAIN_SCRIPT", "train.py"),
        DetectScript:       getEnv("DETECT_SCRIPT", "detect.py"),
        DetectTimeout:      parseDuration(getEnv("DETECT_TIMEOUT", "120s"), 120*time.Second),
        DetectConcurrency:  parseInt(getEnv("DETECT_CONCURRENCY", "2"), 2),
        DetectDPI:          parseInt(getEnv("DETECT_DPI", "150"), 150),
        CompanionURL:       strings.TrimRight(getEnv("COMPANION_URL", ""), "/"),
        CompanionTimeout:   parseDuration(getEnv("COMPANION_TIMEOUT", "60s"), 60*time.Second),
        BreakerBaseBackoff: parseDuration(getEnv("BREAKER_BASE_BACKOFF", "30s"), 30*time.Second),
        BreakerMaxBackoff:  parseDuration(getEnv("BREAKER_MAX_BACKOFF", "5m"), 5*time.Minute),
    }

    cfg.OCR = OCRConfig{
        Engine:         strings.ToLower(getEnv("OCR_ENGINE", "vision")),
        VisionAPIKey:   getEnv("GOOGLE_VISION_API_KEY", ""),
        VisionEndpoint: getEnv("VISION_ENDPOINT", "https://vision.googleapis.com/v1/images:annotate"),
        Languages:      parseList(getEnv("OCR_LANGUAGES", "eng")),
        DPI:            parseInt(getEnv("OCR_DPI", "200"), 200),
        CacheTTL:       parseDuration(getEnv("OCR_CACHE_TTL", "24h"), 24*time.Hour),
    }
    // Without a key the cloud engine cannot work; fall back to the local one.
    if cfg.OCR.Engine == "vision" && cfg.OCR.VisionAPIKey == "" { cfg.OCR.Engine = "tesseract" }

    cfg.Convert = ConvertConfig{
        Enabled: parseBool(getEnv("CONVERT_OFFICE", "false")),
        Binary:  getEnv("LIBREOFFICE_BIN", "libreoffice"),
        Timeout: parseDuration(getEnv("CONVERT_TIMEOUT", "180s"), 180*time.Second),
    }

    return cfg
}

// MaxUploadBytes returns the upload limit in bytes.
func (s ServerConfig) MaxUploadBytes() int64 {
    if s.MaxUploadMB <= 0 { return 100 << 20 }
    return int64(s.MaxUploadMB) << 20
}

// Helpers
func getEnv(key, def string) string {
    if v := os.Getenv(key); v != "" {
        return v
    }
    return def
}

func parseInt(s string, def int) int {
    if s == "" { return def }
    if n, err := strconv.Atoi(s); err == nil { return n }
    return def
}

func parseFloat(s string, def float64) float64 {
    if s == "" { return def }
    if f, err := strconv.ParseFloat(s, 64); err == nil { return f }
    return def
}

func parseBool(s string) bool {
    v := strings.ToLower(strings.TrimSpace(s))
    return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
    if s == "" { return def }
    if d, err := time.ParseDuration(s); err == nil { return d }
    return def
}

func parseList(s string) []string {
    var out []string
    for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '+' || r == ' ' }) {
        if p = strings.TrimSpace(p); p != "" { out = append(out, p) }
    }
    return out
}

func devDefaultPretty() string {
    env := strings.ToLower(os.Getenv("ENVIRONMENT"))
    if env == "dev" || env == "development" || env == "local" { return "true" }
    return "false"
}
