package api

import (
    "context"
    "fmt"
    "net/http"
    "time"

    "github.com/google/uuid"
    "github.com/gorilla/websocket"
    "github.com/rs/zerolog/log"

    "github.com/local/pidly/internal/dispatcher"
    "github.com/local/pidly/internal/metrics"
    "github.com/local/pidly/internal/queue"
    "github.com/local/pidly/internal/store"
)

type trainReq struct {
    Project   string           `json:"project"`
    ModelName string           `json:"model_name"`
    ModelType string           `json:"model_type"`
    Epochs    int              `json:"epochs"`
    Templates []queue.Template `json:"templates"`
}

type jobResp struct {
    JobID    string         `json:"job_id"`
    Status   string         `json:"status"`
    Progress int            `json:"progress"`
    Message  string         `json:"message,omitempty"`
    Start    *time.Time     `json:"start_time,omitempty"`
    End      *time.Time     `json:"end_time,omitempty"`
    Metadata map[string]any `json:"metadata,omitempty"`
}

func toJobResp(id string, st store.Status) jobResp {
    return jobResp{JobID: id, Status: st.Status, Progress: st.Progress, Message: st.Message, Start: st.Start, End: st.End, Metadata: st.Metadata}
}

func (a *API) handleTrain(w http.ResponseWriter, r *http.Request) {
    var req trainReq
    if err := decodeJSON(w, r, blobLimit, &req); err != nil { writeError(w, r, err); return }
    if _, err := a.deps.Projects.Get(r.Context(), req.Project); err != nil {
        writeError(w, r, err)
        return
    }
    modelType := req.ModelType
    if modelType == "" { modelType = "yolo" }
    job := queue.TrainJob{
        ID:          uuid.NewString(),
        ProjectID:   req.Project,
        ModelName:   req.ModelName,
        ModelType:   modelType,
        Epochs:      req.Epochs,
        Templates:   req.Templates,
        MaxAttempts: a.deps.MaxAttempts,
        CreatedAt:   a.now().UTC(),
    }
    if err := job.Validate(); err != nil {
        writeError(w, r, &dispatcher.ValidationError{Message: err.Error()})
        return
    }
    payload, err := job.Marshal()
    if err != nil { writeError(w, r, err); return }

    start := a.now()
    meta := map[string]any{"project_id": job.ProjectID, "model_name": job.ModelName, "templates": len(job.Templates)}
    if err := a.deps.Status.Set(r.Context(), job.ID, store.Status{Status: store.StatusQueued, Message: "queued", Start: &start, Metadata: meta}); err != nil {
        writeError(w, r, fmt.Errorf("%w: %v", errQueueDown, err))
        return
    }
    if err := a.deps.Queue.Enqueue(r.Context(), payload); err != nil {
        writeError(w, r, fmt.Errorf("%w: %v", errQueueDown, err))
        return
    }
    metrics.IncJob("queued")
    log.Info().Str("job_id", job.ID).Str("project", job.ProjectID).Str("model", job.ModelName).Int("templates", len(job.Templates)).Msg("training job created")
    writeJSON(w, http.StatusAccepted, jobResp{JobID: job.ID, Status: store.StatusQueued, Message: "queued", Start: &start, Metadata: meta})
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
    id := r.PathValue("id")
    st, ok, err := a.deps.Status.Get(r.Context(), id)
    if err != nil { writeError(w, r, err); return }
    if !ok { writeErrorMsg(w, http.StatusNotFound, "job not found"); return }
    writeJSON(w, http.StatusOK, toJobResp(id, st))
}

// handleCancelJob flags the job; the worker stops it at its next check.
func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
    id := r.PathValue("id")
    st, ok, err := a.deps.Status.Get(r.Context(), id)
    if err != nil { writeError(w, r, err); return }
    if !ok { writeErrorMsg(w, http.StatusNotFound, "job not found"); return }
    if st.Terminal() {
        writeErrorMsg(w, http.StatusConflict, "job already "+st.Status)
        return
    }
    if err := a.deps.Queue.CancelJob(r.Context(), id); err != nil {
        writeError(w, r, fmt.Errorf("%w: %v", errQueueDown, err))
        return
    }
    log.Info().Str("job_id", id).Msg("job cancellation requested")
    writeJSON(w, http.StatusAccepted, map[string]string{"job_id": id, "status": "cancelling"})
}

const wsWriteWait = 10 * time.Second

// handleJobStream pushes status updates over a websocket until the job
// reaches a terminal state or the client goes away.
func (a *API) handleJobStream(w http.ResponseWriter, r *http.Request) {
    id := r.PathValue("id")
    ctx, cancel := context.WithCancel(r.Context())
    defer cancel()

    // subscribe before reading the current state so no update falls in between
    updates, err := a.deps.Status.Watch(ctx, id)
    if err != nil { writeError(w, r, err); return }
    current, ok, err := a.deps.Status.Get(ctx, id)
    if err != nil { writeError(w, r, err); return }
    if !ok { writeErrorMsg(w, http.StatusNotFound, "job not found"); return }

    conn, err := a.upgrader.Upgrade(w, r, nil)
    if err != nil {
        log.Warn().Err(err).Str("job_id", id).Msg("websocket upgrade failed")
        return
    }
    defer conn.Close()

    // reads detect the client closing the socket
    go func() {
        defer cancel()
        for {
            if _, _, err := conn.NextReader(); err != nil { return }
        }
    }()

    send := func(st store.Status) bool {
        conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
        if err := conn.WriteJSON(toJobResp(id, st)); err != nil {
            log.Debug().Err(err).Str("job_id", id).Msg("websocket write failed")
            return false
        }
        return !st.Terminal()
    }
    if !send(current) {
        closeNormal(conn)
        return
    }
    ping := time.NewTicker(30 * time.Second)
    defer ping.Stop()
    for {
        select {
        case <-ctx.Done():
            return
        case <-ping.C:
            if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil { return }
        case st, ok := <-updates:
            if !ok { return }
            if !send(st) {
                closeNormal(conn)
                return
            }
        }
    }
}

func closeNormal(conn *websocket.Conn) {
    msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
    _ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
