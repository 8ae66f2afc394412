package dispatcher

import (
    "context"
    "errors"
    "fmt"
    "math"
    "os"
    "path/filepath"
    "strings"
    "sync"
    "time"

    "github.com/rs/zerolog/log"

    "github.com/local/pidly/internal/detector"
    "github.com/local/pidly/internal/metrics"
    "github.com/local/pidly/internal/projects"
    "github.com/local/pidly/internal/queue"
    "github.com/local/pidly/internal/store"
)

type Queue interface {
    Dequeue(ctx context.Context, consumer string, timeout time.Duration) (string, []byte, error)
    Ack(ctx context.Context, msgID string) error
    EnqueueDelayed(ctx context.Context, payload []byte, executeAt time.Time) error
    AddDLQ(ctx context.Context, payload []byte, reason string) error
    IsCancelled(ctx context.Context, jobID string) (bool, error)
    ClearCancelled(ctx context.Context, jobID string) error
}

// reclaimer is implemented by queues that can hand over jobs left behind
// by a dead consumer.
type reclaimer interface {
    Reclaim(ctx context.Context, consumer string, minIdle time.Duration) (string, []byte, error)
}

// ErrWorkerLost marks a job whose worker went away while running it.
var ErrWorkerLost = errors.New("worker stopped while running the job")

// depther is implemented by queues that can report their backlog.
type depther interface {
    Depths(ctx context.Context) (int64, int64, int64, error)
}

type StatusStore interface {
    Set(ctx context.Context, jobID string, st store.Status) error
    Get(ctx context.Context, jobID string) (store.Status, bool, error)
    Progress(ctx context.Context, jobID string, progress int, message string) error
}

type Trainer interface {
    Train(ctx context.Context, req detector.TrainRequest, progress detector.ProgressFunc) (detector.TrainResult, error)
}

type Models interface {
    Get(ctx context.Context, id string) (projects.Project, error)
    AddModel(ctx context.Context, id string, m projects.Model) (projects.Project, error)
}

type Config struct {
    Concurrency        int
    MaxAttempts        int
    RetryBaseDelay     time.Duration
    RetryBackoffFactor float64
    JobTimeout         time.Duration
    // WorkDir holds datasets/ and models/.
    WorkDir            string
    CaptureDPI         int
    CancelPoll         time.Duration
    DequeueTimeout     time.Duration
    // ReclaimIdle is how long an unacked job may sit with its consumer
    // before another worker takes it over. It must exceed JobTimeout.
    ReclaimIdle        time.Duration
}

type Worker struct {
    cfg     Config
    q       Queue
    status  StatusStore
    docs    Documents
    models  Models
    trainer Trainer
    name    string

    stop chan struct{}
    wg   sync.WaitGroup
    now  func() time.Time
}

func New(cfg Config, q Queue, status StatusStore, docs Documents, models Models, trainer Trainer) *Worker {
    if cfg.Concurrency <= 0 { cfg.Concurrency = 1 }
    if cfg.MaxAttempts <= 0 { cfg.MaxAttempts = 2 }
    if cfg.RetryBaseDelay <= 0 { cfg.RetryBaseDelay = 5 * time.Second }
    if cfg.RetryBackoffFactor < 1 { cfg.RetryBackoffFactor = 2 }
    if cfg.JobTimeout <= 0 { cfg.JobTimeout = 2 * time.Hour }
    if cfg.WorkDir == "" { cfg.WorkDir = "data" }
    if cfg.CaptureDPI <= 0 { cfg.CaptureDPI = 150 }
    if cfg.CancelPoll <= 0 { cfg.CancelPoll = 2 * time.Second }
    if cfg.DequeueTimeout <= 0 { cfg.DequeueTimeout = 2 * time.Second }
    if cfg.ReclaimIdle <= cfg.JobTimeout { cfg.ReclaimIdle = cfg.JobTimeout + 5*time.Minute }
    host, _ := os.Hostname()
    return &Worker{
        cfg: cfg, q: q, status: status, docs: docs, models: models, trainer: trainer,
        name: fmt.Sprintf("%s-%d", host, os.Getpid()),
        stop: make(chan struct{}),
        now:  time.Now,
    }
}

func (w *Worker) Start() {
    for i := 0; i < w.cfg.Concurrency; i++ {
        w.wg.Add(1)
        go w.loop(i)
    }
    if d, ok := w.q.(depther); ok {
        w.wg.Add(1)
        go w.reportDepths(d)
    }
}

// Stop signals the workers and waits for running jobs until ctx expires.
func (w *Worker) Stop(ctx context.Context) error {
    close(w.stop)
    done := make(chan struct{})
    go func() { w.wg.Wait(); close(done) }()
    select {
    case <-done:
        return nil
    case <-ctx.Done():
        return ctx.Err()
    }
}

func (w *Worker) loop(id int) {
    defer w.wg.Done()
    consumer := fmt.Sprintf("%s-%d", w.name, id)
    log.Info().Int("worker", id).Str("consumer", consumer).Msg("training worker started")
    for {
        select {
        case <-w.stop:
            log.Info().Int("worker", id).Msg("training worker stopped")
            return
        default:
        }

        msgID, data, err := w.q.Dequeue(context.Background(), consumer, w.cfg.DequeueTimeout)
        if err != nil {
            log.Error().Err(err).Msg("queue dequeue error")
            time.Sleep(500 * time.Millisecond)
            continue
        }
        if msgID == "" {
            w.reclaim(consumer)
            continue
        }
        w.handle(context.Background(), msgID, data)
    }
}

// reclaim picks up one job orphaned by a crashed worker. The lost run
// counts as a failed attempt, so the job is retried or dead-lettered.
func (w *Worker) reclaim(consumer string) {
    r, ok := w.q.(reclaimer)
    if !ok { return }
    ctx := context.Background()
    msgID, payload, err := r.Reclaim(ctx, consumer, w.cfg.ReclaimIdle)
    if err != nil {
        log.Error().Err(err).Msg("queue reclaim error")
        return
    }
    if msgID == "" { return }
    defer func() {
        if err := w.q.Ack(ctx, msgID); err != nil {
            log.Error().Err(err).Str("msg_id", msgID).Msg("ack failed")
        }
    }()
    job, err := queue.DecodeTrainJob(payload)
    if err != nil {
        w.q.AddDLQ(ctx, payload, err.Error())
        metrics.IncJob("failed")
        return
    }
    if job.MaxAttempts <= 0 { job.MaxAttempts = w.cfg.MaxAttempts }
    log.Warn().Str("job_id", job.ID).Str("msg_id", msgID).Dur("idle", w.cfg.ReclaimIdle).Msg("reclaimed orphaned training job")
    w.fail(ctx, job, payload, ErrWorkerLost)
}

func (w *Worker) reportDepths(d depther) {
    defer w.wg.Done()
    ticker := time.NewTicker(15 * time.Second)
    defer ticker.Stop()
    for {
        select {
        case <-w.stop:
            return
        case <-ticker.C:
            ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
            stream, delayed, dlq, err := d.Depths(ctx)
            cancel()
            if err != nil { continue }
            metrics.SetQueueDepth("stream", stream)
            metrics.SetQueueDepth("delayed", delayed)
            metrics.SetQueueDepth("dlq", dlq)
        }
    }
}

// handle processes one stream message and always acks it: a retry is a
// new delayed entry, a failure is a DLQ entry.
func (w *Worker) handle(ctx context.Context, msgID string, payload []byte) {
    defer func() {
        if err := w.q.Ack(ctx, msgID); err != nil {
            log.Error().Err(err).Str("msg_id", msgID).Msg("ack failed")
        }
    }()

    job, err := queue.DecodeTrainJob(payload)
    if err != nil {
        log.Error().Err(err).Str("msg_id", msgID).Msg("dropping undecodable job")
        w.q.AddDLQ(ctx, payload, err.Error())
        metrics.IncJob("failed")
        return
    }
    if job.MaxAttempts <= 0 { job.MaxAttempts = w.cfg.MaxAttempts }
    logger := log.With().Str("job_id", job.ID).Str("project", job.ProjectID).Int("attempt", job.Attempt).Logger()

    if cancelled, _ := w.q.IsCancelled(ctx, job.ID); cancelled {
        logger.Warn().Msg("job cancelled before processing; skipping")
        w.finish(ctx, job, store.StatusCancelled, 0, "cancelled before start", nil)
        metrics.IncJob("cancelled")
        return
    }
    if err := job.Validate(); err != nil {
        w.fail(ctx, job, payload, &ValidationError{Message: err.Error()})
        return
    }

    start := w.now()
    prev, _, _ := w.status.Get(ctx, job.ID)
    if prev.Start != nil { start = *prev.Start }
    w.status.Set(ctx, job.ID, store.Status{
        Status: store.StatusRunning, Progress: 0, Message: "building dataset", Start: &start,
        Metadata: map[string]interface{}{"project_id": job.ProjectID, "model_name": job.ModelName, "attempt": job.Attempt + 1},
    })
    logger.Info().Int("templates", len(job.Templates)).Msg("training job started")

    model, err := w.process(ctx, job)
    if err != nil {
        w.fail(ctx, job, payload, err)
        return
    }
    w.finish(ctx, job, store.StatusCompleted, 100, "model "+model.Name+" ready", map[string]interface{}{
        "project_id": job.ProjectID, "model_id": model.ID, "model_name": model.Name, "model_path": model.Path,
    })
    metrics.IncJob("completed")
    logger.Info().Str("model", model.Name).Dur("duration", w.now().Sub(start)).Msg("training job completed")
}

func (w *Worker) process(parent context.Context, job queue.TrainJob) (projects.Model, error) {
    ctx, cancel := context.WithTimeout(parent, w.cfg.JobTimeout)
    defer cancel()
    ctx, stopWatch := w.watchCancel(ctx, job.ID)
    defer stopWatch()

    if _, err := w.models.Get(ctx, job.ProjectID); err != nil {
        return projects.Model{}, err
    }

    // start time and metadata were written when the job started
    setProgress := func(pct int, msg string) {
        if err := w.status.Progress(parent, job.ID, pct, msg); err != nil {
            log.Warn().Err(err).Str("job_id", job.ID).Msg("failed to report progress")
        }
    }

    datasetDir := filepath.Join(w.cfg.WorkDir, "datasets", job.ID)
    defer os.RemoveAll(datasetDir)
    manifest, err := buildDataset(ctx, w.docs, job, datasetDir, w.cfg.CaptureDPI, func(done, total int) {
        // dataset capture is the first 20%
        setProgress(done*20/total, fmt.Sprintf("captured %d of %d templates", done, total))
    })
    if err != nil {
        return projects.Model{}, w.cancelledOr(ctx, job.ID, err)
    }

    modelType := job.ModelType
    if modelType == "" { modelType = "yolo" }
    outDir := filepath.Join(w.cfg.WorkDir, "models", job.ProjectID, safeName(job.ModelName)+"-"+job.ID)
    if err := os.MkdirAll(outDir, 0o755); err != nil {
        return projects.Model{}, fmt.Errorf("create model dir: %w", err)
    }
    res, err := w.trainer.Train(ctx, detector.TrainRequest{
        DatasetDir: datasetDir, OutputDir: outDir, ModelType: modelType, Epochs: job.Epochs,
    }, func(pct int, msg string) {
        setProgress(20+pct*79/100, msg)
    })
    if err != nil {
        os.RemoveAll(outDir)
        return projects.Model{}, w.cancelledOr(ctx, job.ID, err)
    }

    classes := res.Classes
    if len(classes) == 0 { classes = manifest.Classes }
    p, err := w.models.AddModel(parent, job.ProjectID, projects.Model{
        Name: job.ModelName, Type: modelType, Classes: classes, Path: res.ModelPath,
        JobID: job.ID, Metrics: projects.Metrics(res.Metrics),
    })
    if err != nil {
        return projects.Model{}, err
    }
    m, _ := p.Model(job.ModelName)
    return m, nil
}

// watchCancel returns a context cancelled when the job shows up in the cancel set.
func (w *Worker) watchCancel(ctx context.Context, jobID string) (context.Context, func()) {
    ctx, cancel := context.WithCancelCause(ctx)
    done := make(chan struct{})
    go func() {
        ticker := time.NewTicker(w.cfg.CancelPoll)
        defer ticker.Stop()
        for {
            select {
            case <-done:
                return
            case <-ctx.Done():
                return
            case <-ticker.C:
                if c, _ := w.q.IsCancelled(ctx, jobID); c {
                    cancel(&CancelledError{JobID: jobID})
                    return
                }
            }
        }
    }()
    return ctx, func() { close(done); cancel(nil) }
}

func (w *Worker) cancelledOr(ctx context.Context, jobID string, err error) error {
    var ce *CancelledError
    if cause := context.Cause(ctx); errors.As(cause, &ce) {
        return ce
    }
    return err
}

func (w *Worker) fail(ctx context.Context, job queue.TrainJob, payload []byte, err error) {
    class := Classify(err)
    logger := log.With().Str("job_id", job.ID).Int("attempt", job.Attempt).Str("class", class.String()).Logger()

    switch {
    case class == Cancelled:
        logger.Warn().Msg("training job cancelled")
        w.finish(ctx, job, store.StatusCancelled, 0, "cancelled", nil)
        metrics.IncJob("cancelled")
        return
    case class == Retryable && job.Attempt+1 < job.MaxAttempts:
        delay := w.backoff(job.Attempt)
        next := job
        next.Attempt++
        b, merr := next.Marshal()
        if merr == nil {
            if qerr := w.q.EnqueueDelayed(ctx, b, w.now().Add(delay)); qerr == nil {
                logger.Warn().Err(err).Dur("retry_in", delay).Msg("training job failed; retry scheduled")
                w.status.Set(ctx, job.ID, store.Status{Status: store.StatusRetrying, Message: fmt.Sprintf("retrying in %v: %v", delay, err),
                    Metadata: map[string]interface{}{"project_id": job.ProjectID, "model_name": job.ModelName, "attempt": job.Attempt + 1}})
                metrics.IncJob("retried")
                return
            } else {
                logger.Error().Err(qerr).Msg("failed to schedule retry")
            }
        }
    }

    logger.Error().Err(err).Msg("training job failed")
    if derr := w.q.AddDLQ(ctx, payload, err.Error()); derr != nil {
        logger.Error().Err(derr).Msg("failed to write DLQ entry")
    }
    w.finish(ctx, job, store.StatusFailed, 0, err.Error(), nil)
    metrics.IncJob("failed")
}

func (w *Worker) backoff(attempt int) time.Duration {
    d := float64(w.cfg.RetryBaseDelay) * math.Pow(w.cfg.RetryBackoffFactor, float64(attempt))
    return time.Duration(math.Min(d, float64(time.Hour)))
}

func (w *Worker) finish(ctx context.Context, job queue.TrainJob, status string, progress int, msg string, meta map[string]interface{}) {
    st, _, _ := w.status.Get(ctx, job.ID)
    end := w.now()
    if meta == nil {
        meta = map[string]interface{}{"project_id": job.ProjectID, "model_name": job.ModelName}
    }
    meta["attempts"] = job.Attempt + 1
    if err := w.status.Set(ctx, job.ID, store.Status{Status: status, Progress: progress, Message: msg, Start: st.Start, End: &end, Metadata: meta}); err != nil {
        log.Error().Err(err).Str("job_id", job.ID).Msg("failed to store final status")
    }
    w.q.ClearCancelled(ctx, job.ID)
}

func safeName(s string) string {
    s = strings.Map(func(r rune) rune {
        switch {
        case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
            return r
        }
        return '_'
    }, strings.TrimSpace(s))
    if s == "" { return "model" }
    return s
}
