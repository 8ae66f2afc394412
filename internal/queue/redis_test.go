package queue

import (
    "context"
    "strings"
    "testing"
    "time"

    "github.com/alicebob/miniredis/v2"
    redis "github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
    t.Helper()
    mr := miniredis.RunT(t)
    c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
    q, err := NewWithClient(context.Background(), c, "jobs:train", "workers:train", time.Hour)
    if err != nil { t.Fatal(err) }
    t.Cleanup(func() { q.Close() })
    return q, mr
}

func TestEnqueueDequeueAck(t *testing.T) {
    ctx := context.Background()
    q, _ := newTestQueue(t)

    if err := q.Enqueue(ctx, []byte(`{"id":"j1"}`)); err != nil { t.Fatal(err) }
    id, payload, err := q.Dequeue(ctx, "w1", 50*time.Millisecond)
    if err != nil { t.Fatal(err) }
    if id == "" || string(payload) != `{"id":"j1"}` {
        t.Fatalf("Dequeue() = %q, %q", id, payload)
    }
    if err := q.Ack(ctx, id); err != nil { t.Fatal(err) }

    id, payload, err = q.Dequeue(ctx, "w1", 20*time.Millisecond)
    if err != nil || id != "" || payload != nil {
        t.Errorf("empty Dequeue() = %q, %q, %v", id, payload, err)
    }
}

func TestGroupCreateIsIdempotent(t *testing.T) {
    q, _ := newTestQueue(t)
    if _, err := NewWithClient(context.Background(), q.Client(), q.Stream, q.Group, time.Hour); err != nil {
        t.Fatalf("second group create error = %v", err)
    }
}

func TestDelayedMover(t *testing.T) {
    ctx := context.Background()
    q, _ := newTestQueue(t)
    later := time.Now().Add(time.Minute)
    if err := q.EnqueueDelayed(ctx, []byte(`{"id":"later"}`), later); err != nil { t.Fatal(err) }

    if n := q.moveOnce(time.Now()); n != 0 {
        t.Fatalf("moved %d jobs before they were due", n)
    }
    if n := q.moveOnce(later.Add(time.Second)); n != 1 {
        t.Fatalf("moved %d jobs, want 1", n)
    }
    _, payload, err := q.Dequeue(ctx, "w1", 50*time.Millisecond)
    if err != nil || string(payload) != `{"id":"later"}` {
        t.Errorf("Dequeue() after move = %q, %v", payload, err)
    }
    stream, delayed, dlq, err := q.Depths(ctx)
    if err != nil { t.Fatal(err) }
    if stream != 1 || delayed != 0 || dlq != 0 {
        t.Errorf("Depths() = %d, %d, %d", stream, delayed, dlq)
    }
}

func TestCancelAndDLQ(t *testing.T) {
    ctx := context.Background()
    q, _ := newTestQueue(t)

    if ok, _ := q.IsCancelled(ctx, "j1"); ok {
        t.Fatal("job cancelled before CancelJob")
    }
    if err := q.CancelJob(ctx, "j1"); err != nil { t.Fatal(err) }
    if ok, err := q.IsCancelled(ctx, "j1"); err != nil || !ok {
        t.Errorf("IsCancelled() = %v, %v", ok, err)
    }
    if err := q.ClearCancelled(ctx, "j1"); err != nil { t.Fatal(err) }
    if ok, _ := q.IsCancelled(ctx, "j1"); ok {
        t.Error("cancel flag survived ClearCancelled")
    }

    if err := q.AddDLQ(ctx, []byte(`{"id":"bad"}`), "validation"); err != nil { t.Fatal(err) }
    msgs, err := q.Client().XRange(ctx, q.DLQStream, "-", "+").Result()
    if err != nil || len(msgs) != 1 || msgs[0].Values["reason"] != "validation" {
        t.Errorf("DLQ = %+v, %v", msgs, err)
    }
}

func TestTrainJobValidate(t *testing.T) {
    good := TrainJob{
        ID: "j", ProjectID: "p", ModelName: "valves",
        Templates: []Template{{File: "a.pdf", Page: 1, Class: "valve", X: 0.1, Y: 0.1, Width: 0.2, Height: 0.2}},
    }
    if err := good.Validate(); err != nil {
        t.Errorf("Validate(good) = %v", err)
    }
    bad := good
    bad.ModelName = " "
    bad.Templates = []Template{{File: "a.pdf", Page: 0, X: 0.9, Width: 0.2, Height: 0.1}}
    err := bad.Validate()
    if err == nil {
        t.Fatal("Validate(bad) = nil")
    }
    for _, want := range []string{"model_name", "file and page", "outside the page"} {
        if !strings.Contains(err.Error(), want) {
            t.Errorf("Validate(bad) = %q, missing %q", err, want)
        }
    }

    payload, err := good.Marshal()
    if err != nil { t.Fatal(err) }
    decoded, err := DecodeTrainJob(payload)
    if err != nil || decoded.ModelName != "valves" || len(decoded.Templates) != 1 {
        t.Errorf("DecodeTrainJob() = %+v, %v", decoded, err)
    }
    if _, err := DecodeTrainJob([]byte("{")); err == nil {
        t.Error("DecodeTrainJob(garbage) = nil error")
    }
}

func TestReclaimUnackedMessage(t *testing.T) {
    ctx := context.Background()
    q, _ := newTestQueue(t)

    if id, _, err := q.Reclaim(ctx, "w2", 0); err != nil || id != "" {
        t.Fatalf("Reclaim() on empty group = %q, %v", id, err)
    }
    q.Enqueue(ctx, []byte(`{"id":"j1"}`))
    id, _, err := q.Dequeue(ctx, "w1", 50*time.Millisecond)
    if err != nil || id == "" { t.Fatalf("Dequeue() = %q, %v", id, err) }

    // w1 never acks, so w2 can take the message over
    got, payload, err := q.Reclaim(ctx, "w2", 0)
    if err != nil { t.Fatal(err) }
    if got != id || string(payload) != `{"id":"j1"}` {
        t.Fatalf("Reclaim() = %q, %q; want %q", got, payload, id)
    }
    q.Ack(ctx, got)
    if id, _, err := q.Reclaim(ctx, "w2", 0); err != nil || id != "" {
        t.Errorf("Reclaim() after ack = %q, %v", id, err)
    }
}
