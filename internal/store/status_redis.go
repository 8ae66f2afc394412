package store

import (
    "context"
    "encoding/json"
    "fmt"
    "strconv"
    "time"

    redis "github.com/redis/go-redis/v9"
)

// Job states.
const (
    StatusQueued    = "queued"
    StatusRunning   = "running"
    StatusRetrying  = "retrying"
    StatusCompleted = "completed"
    StatusFailed    = "failed"
    StatusCancelled = "cancelled"
)

type Status struct {
    Status   string                 `json:"status"`
    Progress int                    `json:"progress"`
    Message  string                 `json:"message"`
    Start    *time.Time             `json:"start_time,omitempty"`
    End      *time.Time             `json:"end_time,omitempty"`
    Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Terminal reports whether the job will not change state again.
func (s Status) Terminal() bool {
    switch s.Status {
    case StatusCompleted, StatusFailed, StatusCancelled:
        return true
    }
    return false
}

type RedisStatus struct {
    client *redis.Client
    keyNS  string
    ttl    time.Duration
}

func NewRedisStatus(redisURL string) (*RedisStatus, error) {
    opt, err := redis.ParseURL(redisURL)
    if err != nil { return nil, err }
    c := redis.NewClient(opt)
    if err := c.Ping(context.Background()).Err(); err != nil { return nil, err }
    return NewStatusWithClient(c), nil
}

// NewStatusWithClient shares an existing client.
func NewStatusWithClient(c *redis.Client) *RedisStatus {
    return &RedisStatus{client: c, keyNS: "job", ttl: 7 * 24 * time.Hour}
}

func (s *RedisStatus) key(jobID string) string     { return fmt.Sprintf("%s:%s:status", s.keyNS, jobID) }
func (s *RedisStatus) channel(jobID string) string { return fmt.Sprintf("%s:%s:events", s.keyNS, jobID) }

// Set writes the status hash and publishes it to watchers.
func (s *RedisStatus) Set(ctx context.Context, jobID string, st Status) error {
    m := map[string]interface{}{
        "status":   st.Status,
        "progress": st.Progress,
        "message":  st.Message,
    }
    if st.Start != nil { m["start"] = st.Start.Format(time.RFC3339Nano) }
    if st.End != nil { m["end"] = st.End.Format(time.RFC3339Nano) }
    if st.Metadata != nil {
        b, _ := json.Marshal(st.Metadata)
        m["metadata"] = string(b)
    }
    pipe := s.client.TxPipeline()
    pipe.HSet(ctx, s.key(jobID), m)
    pipe.Expire(ctx, s.key(jobID), s.ttl)
    if _, err := pipe.Exec(ctx); err != nil { return err }
    b, _ := json.Marshal(st)
    return s.client.Publish(ctx, s.channel(jobID), b).Err()
}

// Progress updates progress and message of a job, keeping other fields.
func (s *RedisStatus) Progress(ctx context.Context, jobID string, progress int, message string) error {
    st, ok, err := s.Get(ctx, jobID)
    if err != nil { return err }
    if !ok { st.Status = StatusRunning }
    st.Progress = progress
    st.Message = message
    return s.Set(ctx, jobID, st)
}

func (s *RedisStatus) Get(ctx context.Context, jobID string) (Status, bool, error) {
    res, err := s.client.HGetAll(ctx, s.key(jobID)).Result()
    if err != nil { return Status{}, false, err }
    if len(res) == 0 { return Status{}, false, nil }
    st := Status{}
    st.Status = res["status"]
    st.Message = res["message"]
    if p, err := strconv.Atoi(res["progress"]); err == nil { st.Progress = p }
    if v := res["start"]; v != "" {
        if t, err := time.Parse(time.RFC3339Nano, v); err == nil { st.Start = &t }
    }
    if v := res["end"]; v != "" {
        if t, err := time.Parse(time.RFC3339Nano, v); err == nil { st.End = &t }
    }
    if v := res["metadata"]; v != "" {
        _ = json.Unmarshal([]byte(v), &st.Metadata)
    }
    return st, true, nil
}

// Watch streams status updates of a job until ctx is done. The returned
// channel is closed when the subscription ends.
func (s *RedisStatus) Watch(ctx context.Context, jobID string) (<-chan Status, error) {
    sub := s.client.Subscribe(ctx, s.channel(jobID))
    // wait for the subscription to be confirmed so no update is missed
    if _, err := sub.Receive(ctx); err != nil {
        sub.Close()
        return nil, err
    }
    out := make(chan Status, 8)
    go func() {
        defer close(out)
        defer sub.Close()
        ch := sub.Channel()
        for {
            select {
            case <-ctx.Done():
                return
            case msg, ok := <-ch:
                if !ok { return }
                var st Status
                if err := json.Unmarshal([]byte(msg.Payload), &st); err != nil { continue }
                select {
                case out <- st:
                case <-ctx.Done():
                    return
                }
            }
        }
    }()
    return out, nil
}

func (s *RedisStatus) Close() error { return s.client.Close() }

// Client returns the underlying Redis client
func (s *RedisStatus) Client() *redis.Client { return s.client }
