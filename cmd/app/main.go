package main

import (
    "context"
    "errors"
    "net/http"
    "os"
    "os/signal"
    "path/filepath"
    "syscall"

    "github.com/joho/godotenv"
    "github.com/rs/zerolog/log"

    "github.com/local/pidly/internal/api"
    cfgpkg "github.com/local/pidly/internal/config"
    "github.com/local/pidly/internal/converter"
    "github.com/local/pidly/internal/detector"
    "github.com/local/pidly/internal/dispatcher"
    "github.com/local/pidly/internal/files"
    "github.com/local/pidly/internal/limiter"
    logpkg "github.com/local/pidly/internal/logger"
    "github.com/local/pidly/internal/metrics"
    "github.com/local/pidly/internal/ocr"
    "github.com/local/pidly/internal/ocr/tesseract"
    "github.com/local/pidly/internal/projects"
    "github.com/local/pidly/internal/queue"
    "github.com/local/pidly/internal/statuscheck"
    "github.com/local/pidly/internal/storage"
    "github.com/local/pidly/internal/store"
    web "github.com/local/pidly/internal/web"
)

func main() {
    // a missing .env is normal outside development
    _ = godotenv.Load()
    cfg := cfgpkg.FromEnv()

    // Init logging
    _ = logpkg.Init(logpkg.Options{
        Level: cfg.Logging.Level,
        Pretty: cfg.Logging.Pretty,
        File: cfg.Logging.File,
        MaxSizeMB: cfg.Logging.MaxSizeMB,
        MaxBackups: cfg.Logging.MaxBackups,
        MaxAgeDays: cfg.Logging.MaxAgeDays,
        Compress: cfg.Logging.Compress,
        SendToAxiom: cfg.Axiom.Send && cfg.Axiom.APIKey != "",
        AxiomAPIKey: cfg.Axiom.APIKey,
        AxiomOrgID: cfg.Axiom.OrgID,
        AxiomDataset: cfg.Axiom.Dataset,
        AxiomFlush: cfg.Axiom.FlushInterval,
    })
    defer logpkg.Close()
    metrics.Init()

    ctx := context.Background()

    // Blob storage
    var blobs storage.Backend
    switch cfg.Storage.Backend {
    case "s3":
        s3b, err := storage.NewS3(ctx, storage.S3Options{
            Bucket: cfg.Storage.Bucket,
            Prefix: cfg.Storage.Prefix,
            Region: cfg.Storage.Region,
            AccessKeyID: cfg.Storage.AccessKeyID,
            SecretAccessKey: cfg.Storage.SecretAccessKey,
            Password: cfg.Storage.Password,
        })
        if err != nil { log.Fatal().Err(err).Msg("failed to init s3 storage") }
        blobs = s3b
    default:
        local, err := storage.NewLocal(filepath.Join(cfg.Storage.DataDir, "store"))
        if err != nil { log.Fatal().Err(err).Msg("failed to init local storage") }
        blobs = local
    }
    log.Info().Str("backend", blobs.Name()).Msg("storage ready")

    // Office conversion (optional)
    var conv *converter.LibreOffice
    fileOpts := files.Options{MaxBytes: cfg.Server.MaxUploadBytes()}
    if cfg.Convert.Enabled {
        conv = converter.NewLibreOffice(cfg.Convert.Binary, cfg.Convert.Timeout, 2)
        fileOpts.Converter = conv
    }
    fileSvc := files.New(blobs, fileOpts)
    projectSvc := projects.New(blobs)

    // Queue
    rq, err := queue.NewRedisQueue(cfg.Queue.RedisURL, cfg.Queue.Stream, cfg.Queue.Group, cfg.Queue.PollInterval)
    if err != nil {
        log.Fatal().Err(err).Msg("failed to connect to redis")
    }
    defer rq.Close()

    // Status store
    rs, err := store.NewRedisStatus(cfg.Queue.RedisURL)
    if err != nil {
        log.Fatal().Err(err).Msg("failed to init redis status store")
    }
    defer rs.Close()

    // OCR engine behind the shared text cache
    var engine ocr.Engine
    switch cfg.OCR.Engine {
    case "vision":
        engine = ocr.NewVision(cfg.OCR.VisionAPIKey, cfg.OCR.VisionEndpoint, 0)
    default:
        tess := tesseract.New(cfg.OCR.Languages, 2)
        defer tess.Close()
        engine = tess
    }
    ocrEngine := ocr.NewCached(engine, store.NewTextCache(rq.Client(), cfg.OCR.CacheTTL))

    // Detector
    runner := detector.NewRunner(detector.Options{
        Python: cfg.Detector.PythonBin,
        Dir: cfg.Detector.Dir,
        TrainScript: cfg.Detector.TrainScript,
        DetectScript: cfg.Detector.DetectScript,
        Timeout: cfg.Detector.DetectTimeout,
        TrainTimeout: cfg.Worker.JobTimeout,
        Concurrency: cfg.Detector.DetectConcurrency,
    })
    deps := api.Dependencies{
        Files: fileSvc,
        Projects: projectSvc,
        Queue: rq,
        Status: rs,
        Runner: runner,
        OCR: ocrEngine,
        TempDir: filepath.Join(cfg.Storage.DataDir, "tmp"),
        DetectDPI: cfg.Detector.DetectDPI,
        OCRDPI: cfg.OCR.DPI,
        OCRLanguages: cfg.OCR.Languages,
        MaxAttempts: cfg.Worker.JobMaxAttempts,
        MaxUploadBytes: cfg.Server.MaxUploadBytes(),
    }
    if err := os.MkdirAll(deps.TempDir, 0o755); err != nil {
        log.Fatal().Err(err).Str("dir", deps.TempDir).Msg("failed to create temp dir")
    }

    checkOpts := statuscheck.Options{
        Redis: rq,
        Storage: blobs,
        Python: cfg.Detector.PythonBin,
        OCREngine: cfg.OCR.Engine,
        VisionKey: cfg.OCR.VisionAPIKey,
        Tesseract: tesseract.Version,
    }
    train, detect := runner.Scripts()
    checkOpts.Scripts = []string{train, detect}
    if cfg.Detector.CompanionURL != "" {
        cb := detector.NewCircuitBreaker(rq.Client(), cfg.Detector.BreakerBaseBackoff, cfg.Detector.BreakerMaxBackoff)
        companion := detector.NewCompanion(cfg.Detector.CompanionURL, cfg.Detector.CompanionTimeout, cb)
        deps.Companion = companion
        checkOpts.Companion = companion
        log.Info().Str("url", companion.URL()).Msg("using companion detector")
    }
    if conv != nil { checkOpts.LibreOffice = conv }
    deps.Checker = statuscheck.New(checkOpts)

    lim := limiter.New(limiter.Options{RPS: cfg.Server.RateLimitRPS, Burst: cfg.Server.RateLimitBurst, MaxInflight: cfg.Detector.DetectConcurrency})
    deps.Limiter = lim

    mux := http.NewServeMux()
    api.New(deps).RegisterRoutes(mux)

    // Front end
    web.New(cfg.Server.StaticDir).RegisterRoutes(mux)

    // Training worker (optional)
    if cfg.Worker.Enabled {
        worker := dispatcher.New(dispatcher.Config{
            Concurrency: cfg.Worker.Concurrency,
            MaxAttempts: cfg.Worker.JobMaxAttempts,
            RetryBaseDelay: cfg.Worker.RetryBaseDelay,
            RetryBackoffFactor: cfg.Worker.RetryBackoffFactor,
            JobTimeout: cfg.Worker.JobTimeout,
            WorkDir: cfg.Storage.DataDir,
            CaptureDPI: cfg.Detector.DetectDPI,
        }, rq, rs, fileSvc, projectSvc, runner)
        worker.Start()
        defer func() {
            sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
            defer cancel()
            if err := worker.Stop(sctx); err != nil { log.Warn().Err(err).Msg("worker did not stop cleanly") }
        }()
    }

    srv := &http.Server{Addr: ":"+cfg.Server.Port, Handler: logpkg.Middleware(lim.Middleware(mux))}

    go func(){
        log.Info().Msgf("HTTP server listening on :%s", cfg.Server.Port)
        if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
            log.Fatal().Err(err).Msg("http server error")
        }
    }()

    // Graceful shutdown
    stop := make(chan os.Signal, 1)
    signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
    <-stop
    sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
    defer cancel()
    if err := srv.Shutdown(sctx); err != nil { log.Warn().Err(err).Msg("http shutdown") }
    log.Info().Msg("shutdown complete")
}
