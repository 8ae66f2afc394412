package dispatcher

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "testing"
    "time"

    "github.com/alicebob/miniredis/v2"
    "github.com/google/go-cmp/cmp"
    redis "github.com/redis/go-redis/v9"

    "github.com/local/pidly/internal/detector"
    "github.com/local/pidly/internal/files"
    "github.com/local/pidly/internal/pdfops"
    "github.com/local/pidly/internal/projects"
    "github.com/local/pidly/internal/queue"
    "github.com/local/pidly/internal/storage"
    "github.com/local/pidly/internal/store"
    "github.com/local/pidly/internal/testpdf"
)

type fakeTrainer struct {
    fn       func(ctx context.Context, req detector.TrainRequest, progress detector.ProgressFunc) (detector.TrainResult, error)
    manifest Manifest
    images   int
}

func (f *fakeTrainer) Train(ctx context.Context, req detector.TrainRequest, progress detector.ProgressFunc) (detector.TrainResult, error) {
    b, err := os.ReadFile(filepath.Join(req.DatasetDir, "manifest.json"))
    if err == nil {
        json.Unmarshal(b, &f.manifest)
    }
    entries, _ := os.ReadDir(filepath.Join(req.DatasetDir, "images"))
    f.images = len(entries)
    return f.fn(ctx, req, progress)
}

type env struct {
    w        *Worker
    q        *queue.RedisQueue
    status   *store.RedisStatus
    projects *projects.Service
    project  projects.Project
    trainer  *fakeTrainer
    workDir  string
}

func newEnv(t *testing.T) *env {
    t.Helper()
    ctx := context.Background()
    mr := miniredis.RunT(t)
    c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
    q, err := queue.NewWithClient(ctx, c, "jobs:train", "workers:train", time.Hour)
    if err != nil { t.Fatal(err) }
    t.Cleanup(func() { q.Close() })

    blobs, err := storage.NewLocal(t.TempDir())
    if err != nil { t.Fatal(err) }
    docs := files.New(blobs, files.Options{})
    if _, err := docs.Upload(ctx, "", "plan.pdf", bytes.NewReader(testpdf.Build(testpdf.Letter, testpdf.Letter))); err != nil {
        t.Fatal(err)
    }
    projs := projects.New(blobs)
    p, err := projs.Create(ctx, "site")
    if err != nil { t.Fatal(err) }

    e := &env{q: q, status: store.NewStatusWithClient(c), projects: projs, project: p, workDir: t.TempDir()}
    e.trainer = &fakeTrainer{fn: func(ctx context.Context, req detector.TrainRequest, progress detector.ProgressFunc) (detector.TrainResult, error) {
        progress(50, "epoch 1")
        return detector.TrainResult{ModelPath: filepath.Join(req.OutputDir, "best.pt"), Metrics: map[string]float64{"map50": 0.9}}, nil
    }}
    e.w = New(Config{
        MaxAttempts:    2,
        RetryBaseDelay: time.Minute,
        WorkDir:        e.workDir,
        CaptureDPI:     36,
        CancelPoll:     10 * time.Millisecond,
    }, q, e.status, docs, projs, e.trainer)
    return e
}

func (e *env) job(id string) queue.TrainJob {
    return queue.TrainJob{
        ID: id, ProjectID: e.project.ID, ModelName: "valves", ModelType: "yolo",
        Templates: []queue.Template{
            {File: "plan.pdf", Page: 1, Class: "valve", X: 0.1, Y: 0.1, Width: 0.2, Height: 0.2},
            {File: "plan.pdf", Page: 2, Class: "pump", X: 0.5, Y: 0.5, Width: 0.25, Height: 0.25},
        },
        MaxAttempts: 2,
    }
}

func (e *env) run(t *testing.T, job queue.TrainJob) store.Status {
    t.Helper()
    payload, err := job.Marshal()
    if err != nil { t.Fatal(err) }
    e.w.handle(context.Background(), "0-1", payload)
    st, ok, err := e.status.Get(context.Background(), job.ID)
    if err != nil || !ok { t.Fatalf("status missing: %v", err) }
    return st
}

func TestWorkerReportsTrainerProgress(t *testing.T) {
    e := newEnv(t)
    var mid store.Status
    e.trainer.fn = func(ctx context.Context, req detector.TrainRequest, progress detector.ProgressFunc) (detector.TrainResult, error) {
        progress(50, "epoch 1")
        mid, _, _ = e.status.Get(ctx, "j9")
        return detector.TrainResult{ModelPath: filepath.Join(req.OutputDir, "best.pt")}, nil
    }
    e.run(t, e.job("j9"))

    // trainer progress maps onto 20..99 after dataset capture
    if mid.Status != store.StatusRunning || mid.Progress != 59 || mid.Message != "epoch 1" {
        t.Fatalf("status during training = %+v", mid)
    }
    if mid.Start == nil || mid.Metadata["model_name"] != "valves" {
        t.Errorf("progress update dropped start or metadata: %+v", mid)
    }
}

func TestWorkerTrainsModel(t *testing.T) {
    e := newEnv(t)
    st := e.run(t, e.job("j1"))

    if st.Status != store.StatusCompleted || st.Progress != 100 || st.Start == nil || st.End == nil {
        t.Fatalf("status = %+v", st)
    }
    if e.trainer.images != 2 {
        t.Errorf("dataset had %d images", e.trainer.images)
    }
    if diff := cmp.Diff([]string{"pump", "valve"}, e.trainer.manifest.Classes); diff != "" {
        t.Errorf("manifest classes mismatch (-want +got):\n%s", diff)
    }
    if got := e.trainer.manifest.Items[1]; got.Page != 2 || got.Region != (pdfops.Region{X: 0.5, Y: 0.5, Width: 0.25, Height: 0.25}) {
        t.Errorf("manifest item = %+v", got)
    }
    if _, err := os.Stat(filepath.Join(e.workDir, "datasets", "j1")); !os.IsNotExist(err) {
        t.Errorf("dataset dir not removed: %v", err)
    }

    p, err := e.projects.Get(context.Background(), e.project.ID)
    if err != nil { t.Fatal(err) }
    m, ok := p.Model("valves")
    if !ok {
        t.Fatalf("model not recorded: %+v", p.Models)
    }
    if m.JobID != "j1" || m.Metrics["map50"] != 0.9 || !cmp.Equal([]string{"pump", "valve"}, m.Classes) {
        t.Errorf("model = %+v", m)
    }
    if st.Metadata["model_id"] != m.ID {
        t.Errorf("status metadata = %+v", st.Metadata)
    }
}

func TestWorkerRetriesTransientFailure(t *testing.T) {
    e := newEnv(t)
    e.trainer.fn = func(context.Context, detector.TrainRequest, detector.ProgressFunc) (detector.TrainResult, error) {
        return detector.TrainResult{}, fmt.Errorf("train: %w", detector.ErrTimeout)
    }
    st := e.run(t, e.job("j2"))
    if st.Status != store.StatusRetrying {
        t.Fatalf("status = %+v", st)
    }
    ctx := context.Background()
    delayed, err := e.q.Client().ZRange(ctx, e.q.DelayedKey, 0, -1).Result()
    if err != nil || len(delayed) != 1 {
        t.Fatalf("delayed = %v, %v", delayed, err)
    }
    next, err := queue.DecodeTrainJob([]byte(delayed[0]))
    if err != nil || next.Attempt != 1 {
        t.Errorf("rescheduled job = %+v, %v", next, err)
    }

    // the last attempt goes to the DLQ
    st = e.run(t, next)
    if st.Status != store.StatusFailed {
        t.Errorf("final status = %+v", st)
    }
    if n, _ := e.q.Client().XLen(ctx, e.q.DLQStream).Result(); n != 1 {
        t.Errorf("DLQ length = %d", n)
    }
}

func TestWorkerReclaimsOrphanedJob(t *testing.T) {
    e := newEnv(t)
    ctx := context.Background()
    job := e.job("j7")
    payload, _ := job.Marshal()
    e.q.Enqueue(ctx, payload)
    e.status.Set(ctx, "j7", store.Status{Status: store.StatusRunning, Progress: 40})
    // a consumer reads the job and dies before acking it
    if id, _, err := e.q.Dequeue(ctx, "dead-0", 50*time.Millisecond); err != nil || id == "" {
        t.Fatalf("Dequeue() = %q, %v", id, err)
    }

    e.w.cfg.ReclaimIdle = 0
    e.w.reclaim("alive-0")

    st, _, _ := e.status.Get(ctx, "j7")
    if st.Status != store.StatusRetrying || !strings.Contains(st.Message, ErrWorkerLost.Error()) {
        t.Errorf("status = %+v", st)
    }
    delayed, _ := e.q.Client().ZRange(ctx, e.q.DelayedKey, 0, -1).Result()
    if len(delayed) != 1 {
        t.Fatalf("delayed = %v", delayed)
    }
    if next, _ := queue.DecodeTrainJob([]byte(delayed[0])); next.Attempt != 1 {
        t.Errorf("rescheduled attempt = %d", next.Attempt)
    }
    pending, err := e.q.Client().XPending(ctx, e.q.Stream, e.q.Group).Result()
    if err != nil || pending.Count != 0 {
        t.Errorf("pending = %+v, %v", pending, err)
    }
}

func TestWorkerFatalFailures(t *testing.T) {
    tests := []struct {
        name   string
        mutate func(*queue.TrainJob)
    }{
        {"unknown project", func(j *queue.TrainJob) { j.ProjectID = "00000000-0000-0000-0000-000000000000" }},
        {"missing file", func(j *queue.TrainJob) { j.Templates[0].File = "missing.pdf" }},
        {"page out of range", func(j *queue.TrainJob) { j.Templates[1].Page = 9 }},
        {"invalid job", func(j *queue.TrainJob) { j.Templates = nil }},
    }
    for _, tt := range tests {
        t.Run(tt.name, func(t *testing.T) {
            e := newEnv(t)
            job := e.job("j3")
            tt.mutate(&job)
            st := e.run(t, job)
            if st.Status != store.StatusFailed {
                t.Errorf("status = %+v", st)
            }
            ctx := context.Background()
            if n, _ := e.q.Client().ZCard(ctx, e.q.DelayedKey).Result(); n != 0 {
                t.Errorf("fatal failure was rescheduled")
            }
            if n, _ := e.q.Client().XLen(ctx, e.q.DLQStream).Result(); n != 1 {
                t.Errorf("DLQ length = %d", n)
            }
        })
    }
}

func TestWorkerCancelledBeforeStart(t *testing.T) {
    e := newEnv(t)
    ctx := context.Background()
    e.q.CancelJob(ctx, "j4")
    st := e.run(t, e.job("j4"))
    if st.Status != store.StatusCancelled {
        t.Errorf("status = %+v", st)
    }
    if e.trainer.images != 0 {
        t.Error("trainer ran for a cancelled job")
    }
    if c, _ := e.q.IsCancelled(ctx, "j4"); c {
        t.Error("cancel flag not cleared")
    }
}

func TestWorkerCancelWhileTraining(t *testing.T) {
    e := newEnv(t)
    started := make(chan struct{})
    e.trainer.fn = func(ctx context.Context, _ detector.TrainRequest, _ detector.ProgressFunc) (detector.TrainResult, error) {
        close(started)
        <-ctx.Done()
        return detector.TrainResult{}, fmt.Errorf("train.py: %w", ctx.Err())
    }
    go func() {
        <-started
        e.q.CancelJob(context.Background(), "j5")
    }()
    st := e.run(t, e.job("j5"))
    if st.Status != store.StatusCancelled || st.End == nil {
        t.Errorf("status = %+v", st)
    }
    entries, _ := os.ReadDir(filepath.Join(e.workDir, "models", e.project.ID))
    if len(entries) != 0 {
        t.Errorf("model dir left behind: %v", entries)
    }
}

func TestWorkerStartStop(t *testing.T) {
    e := newEnv(t)
    ctx := context.Background()
    e.w.cfg.DequeueTimeout = 20 * time.Millisecond
    job := e.job("j6")
    payload, _ := job.Marshal()
    if err := e.q.Enqueue(ctx, payload); err != nil { t.Fatal(err) }
    e.w.Start()

    deadline := time.Now().Add(10 * time.Second)
    for {
        st, ok, _ := e.status.Get(ctx, "j6")
        if ok && st.Terminal() {
            if st.Status != store.StatusCompleted {
                t.Errorf("status = %+v", st)
            }
            break
        }
        if time.Now().After(deadline) {
            t.Fatal("job did not finish")
        }
        time.Sleep(20 * time.Millisecond)
    }
    stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
    defer cancel()
    if err := e.w.Stop(stopCtx); err != nil {
        t.Errorf("Stop() error = %v", err)
    }
}

func TestClassify(t *testing.T) {
    tests := []struct {
        err  error
        want Class
    }{
        {&ValidationError{Message: "x"}, Fatal},
        {fmt.Errorf("load: %w", projects.ErrNotFound), Fatal},
        {fmt.Errorf("template 0: %w", files.ErrNotFound), Fatal},
        {fmt.Errorf("capture: %w", pdfops.ErrPageRange), Fatal},
        {&detector.ProcessError{ExitCode: 1, Stderr: "bad dataset"}, Fatal},
        {&detector.ProcessError{ExitCode: 137}, Retryable},
        {fmt.Errorf("x: %w", detector.ErrTimeout), Retryable},
        {context.DeadlineExceeded, Retryable},
        {errors.New("dial tcp: connection refused"), Retryable},
        {errors.New("something odd"), Retryable},
        {&CancelledError{JobID: "j"}, Cancelled},
        {fmt.Errorf("run: %w", context.Canceled), Cancelled},
    }
    for _, tt := range tests {
        if got := Classify(tt.err); got != tt.want {
            t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
        }
    }
}

func TestBackoff(t *testing.T) {
    w := New(Config{RetryBaseDelay: 5 * time.Second, RetryBackoffFactor: 2}, nil, nil, nil, nil, nil)
    for attempt, want := range []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second} {
        if got := w.backoff(attempt); got != want {
            t.Errorf("backoff(%d) = %v, want %v", attempt, got, want)
        }
    }
    if got := w.backoff(30); got != time.Hour {
        t.Errorf("backoff(30) = %v, want cap", got)
    }
}

func TestSafeName(t *testing.T) {
    if got := safeName(" Valves v2/α "); got != "Valves_v2__" {
        t.Errorf("safeName() = %q", got)
    }
    if got := safeName(""); got != "model" {
        t.Errorf("safeName(empty) = %q", got)
    }
}
