package queue

import (
    "context"
    "errors"
    "fmt"
    "strings"
    "time"

    redis "github.com/redis/go-redis/v9"
)

// RedisQueue carries training jobs on a Redis stream read through a
// consumer group. Retries wait in a ZSET until due, cancellations live in
// a set and jobs that exhausted their attempts go to a DLQ stream.
type RedisQueue struct {
    client       *redis.Client
    // streams / groups
    Stream       string
    Group        string
    // keys
    CancelKey    string
    DelayedKey   string
    DLQStream    string
    // mover control
    pollInterval time.Duration
    stop         chan struct{}
}

// NewRedisQueue connects to Redis, ensures stream & group, and starts delayed mover.
func NewRedisQueue(redisURL, stream, group string, poll time.Duration) (*RedisQueue, error) {
    opt, err := redis.ParseURL(redisURL)
    if err != nil {
        return nil, fmt.Errorf("parse redis url: %w", err)
    }
    c := redis.NewClient(opt)
    ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
    defer cancel()
    if err := c.Ping(ctx).Err(); err != nil {
        return nil, fmt.Errorf("redis ping: %w", err)
    }
    return NewWithClient(ctx, c, stream, group, poll)
}

// NewWithClient wraps an existing client. The queue owns it afterwards.
func NewWithClient(ctx context.Context, c *redis.Client, stream, group string, poll time.Duration) (*RedisQueue, error) {
    q := &RedisQueue{
        client:       c,
        Stream:       stream,
        Group:        group,
        CancelKey:    stream + ":cancelled",
        DelayedKey:   stream + ":delayed",
        DLQStream:    stream + ":dlq",
        pollInterval: poll,
        stop:         make(chan struct{}),
    }
    // MKSTREAM creates the stream if missing
    if err := c.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !isBusyGroupErr(err) {
        return nil, fmt.Errorf("xgroup create: %w", err)
    }
    go q.mover()
    return q, nil
}

func isBusyGroupErr(err error) bool {
    if err == nil { return false }
    // go-redis returns the raw Redis error string
    return strings.Contains(strings.ToUpper(err.Error()), "BUSYGROUP")
}

func (q *RedisQueue) Close() error {
    close(q.stop)
    return q.client.Close()
}

// Client returns the underlying Redis client.
func (q *RedisQueue) Client() *redis.Client { return q.client }

// Ping checks redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error { return q.client.Ping(ctx).Err() }

// Enqueue adds a job to the stream as a single-field entry {data: <json>}.
func (q *RedisQueue) Enqueue(ctx context.Context, payload []byte) error {
    return q.client.XAdd(ctx, &redis.XAddArgs{
        Stream: q.Stream,
        Values: map[string]any{"data": string(payload)},
    }).Err()
}

// EnqueueDelayed schedules a job for later execution via ZSET.
func (q *RedisQueue) EnqueueDelayed(ctx context.Context, payload []byte, executeAt time.Time) error {
    return q.client.ZAdd(ctx, q.DelayedKey, redis.Z{Score: float64(executeAt.Unix()), Member: string(payload)}).Err()
}

// Dequeue reads one message from the consumer group. The caller acks it
// once the job reached a terminal state or was re-scheduled.
func (q *RedisQueue) Dequeue(ctx context.Context, consumer string, timeout time.Duration) (string, []byte, error) {
    res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
        Group:    q.Group,
        Consumer: consumer,
        Streams:  []string{q.Stream, ">"},
        Count:    1,
        Block:    timeout,
    }).Result()
    if err != nil {
        if errors.Is(err, redis.Nil) { return "", nil, nil }
        return "", nil, err
    }
    if len(res) == 0 || len(res[0].Messages) == 0 { return "", nil, nil }
    msg := res[0].Messages[0]
    return msg.ID, payloadOf(msg), nil
}

// Reclaim takes over one message that another consumer read but did not
// ack within minIdle, which means that consumer died mid-job.
func (q *RedisQueue) Reclaim(ctx context.Context, consumer string, minIdle time.Duration) (string, []byte, error) {
    msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
        Stream:   q.Stream,
        Group:    q.Group,
        Consumer: consumer,
        MinIdle:  minIdle,
        Start:    "0-0",
        Count:    1,
    }).Result()
    if err != nil {
        if errors.Is(err, redis.Nil) { return "", nil, nil }
        return "", nil, fmt.Errorf("xautoclaim: %w", err)
    }
    if len(msgs) == 0 { return "", nil, nil }
    return msgs[0].ID, payloadOf(msgs[0]), nil
}

// payloadOf returns the job JSON stored in the "data" field.
func payloadOf(msg redis.XMessage) []byte {
    switch t := msg.Values["data"].(type) {
    case string:
        return []byte(t)
    case []byte:
        return t
    }
    return nil
}

// Ack marks a message as processed.
func (q *RedisQueue) Ack(ctx context.Context, msgID string) error {
    if msgID == "" { return nil }
    return q.client.XAck(ctx, q.Stream, q.Group, msgID).Err()
}

// CancelJob marks a job as cancelled. Workers check this before and while processing.
func (q *RedisQueue) CancelJob(ctx context.Context, jobID string) error {
    return q.client.SAdd(ctx, q.CancelKey, jobID).Err()
}

// IsCancelled returns true if job is cancelled.
func (q *RedisQueue) IsCancelled(ctx context.Context, jobID string) (bool, error) {
    return q.client.SIsMember(ctx, q.CancelKey, jobID).Result()
}

// ClearCancelled forgets a cancellation once the job is finished.
func (q *RedisQueue) ClearCancelled(ctx context.Context, jobID string) error {
    return q.client.SRem(ctx, q.CancelKey, jobID).Err()
}

// AddDLQ pushes a failed job to DLQ stream with reason.
func (q *RedisQueue) AddDLQ(ctx context.Context, payload []byte, reason string) error {
    return q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.DLQStream, Values: map[string]any{"data": string(payload), "reason": reason}}).Err()
}

// mover periodically moves due delayed jobs from ZSET into the stream.
func (q *RedisQueue) mover() {
    if q.pollInterval <= 0 { q.pollInterval = 200 * time.Millisecond }
    ticker := time.NewTicker(q.pollInterval)
    defer ticker.Stop()
    for {
        select {
        case <-q.stop:
            return
        case <-ticker.C:
            q.moveOnce(time.Now())
        }
    }
}

func (q *RedisQueue) moveOnce(now time.Time) int {
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    // Fetch up to 100 ready items
    vals, err := q.client.ZRangeByScore(ctx, q.DelayedKey, &redis.ZRangeBy{
        Min: "-inf", Max: fmt.Sprintf("%d", now.Unix()), Offset: 0, Count: 100,
    }).Result()
    if err != nil || len(vals) == 0 { return 0 }
    pipe := q.client.TxPipeline()
    for _, s := range vals {
        pipe.XAdd(ctx, &redis.XAddArgs{Stream: q.Stream, Values: map[string]any{"data": s}})
        pipe.ZRem(ctx, q.DelayedKey, s)
    }
    if _, err := pipe.Exec(ctx); err != nil { return 0 }
    return len(vals)
}

// Depths returns approximate stream/deferred/dlq lengths for metrics.
func (q *RedisQueue) Depths(ctx context.Context) (int64, int64, int64, error) {
    pipe := q.client.Pipeline()
    xlen := pipe.XLen(ctx, q.Stream)
    zcard := pipe.ZCard(ctx, q.DelayedKey)
    dxlen := pipe.XLen(ctx, q.DLQStream)
    _, err := pipe.Exec(ctx)
    if err != nil { return 0, 0, 0, err }
    return xlen.Val(), zcard.Val(), dxlen.Val(), nil
}
