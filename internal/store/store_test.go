package store

import (
    "context"
    "testing"
    "time"

    "github.com/alicebob/miniredis/v2"
    "github.com/google/go-cmp/cmp"
    redis "github.com/redis/go-redis/v9"
)

func newClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
    t.Helper()
    mr := miniredis.RunT(t)
    c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
    t.Cleanup(func() { c.Close() })
    return c, mr
}

func TestStatusSetGet(t *testing.T) {
    ctx := context.Background()
    c, mr := newClient(t)
    s := NewStatusWithClient(c)

    if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
        t.Fatalf("Get(missing) = %v, %v", ok, err)
    }
    start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
    want := Status{
        Status:   StatusRunning,
        Progress: 40,
        Message:  "building dataset",
        Start:    &start,
        Metadata: map[string]interface{}{"project": "p1", "templates": float64(3)},
    }
    if err := s.Set(ctx, "j1", want); err != nil { t.Fatal(err) }
    got, ok, err := s.Get(ctx, "j1")
    if err != nil || !ok { t.Fatalf("Get() = %v, %v", ok, err) }
    if diff := cmp.Diff(want, got); diff != "" {
        t.Errorf("Get() mismatch (-want +got):\n%s", diff)
    }
    if ttl := mr.TTL("job:j1:status"); ttl <= 0 {
        t.Errorf("status key has no TTL: %v", ttl)
    }

    if err := s.Progress(ctx, "j1", 80, "training"); err != nil { t.Fatal(err) }
    got, _, _ = s.Get(ctx, "j1")
    if got.Status != StatusRunning || got.Progress != 80 || got.Message != "training" || got.Start == nil {
        t.Errorf("after Progress() = %+v", got)
    }
}

func TestStatusTerminal(t *testing.T) {
    for status, want := range map[string]bool{
        StatusQueued: false, StatusRunning: false, StatusRetrying: false,
        StatusCompleted: true, StatusFailed: true, StatusCancelled: true,
    } {
        if got := (Status{Status: status}).Terminal(); got != want {
            t.Errorf("Terminal(%s) = %v, want %v", status, got, want)
        }
    }
}

func TestStatusWatch(t *testing.T) {
    c, _ := newClient(t)
    s := NewStatusWithClient(c)
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()

    updates, err := s.Watch(ctx, "j2")
    if err != nil { t.Fatal(err) }
    if err := s.Set(ctx, "j2", Status{Status: StatusRunning, Progress: 10}); err != nil { t.Fatal(err) }
    if err := s.Set(ctx, "j2", Status{Status: StatusCompleted, Progress: 100}); err != nil { t.Fatal(err) }

    var seen []string
    for st := range updates {
        seen = append(seen, st.Status)
        if st.Terminal() {
            cancel()
        }
    }
    if diff := cmp.Diff([]string{StatusRunning, StatusCompleted}, seen); diff != "" {
        t.Errorf("Watch() mismatch (-want +got):\n%s", diff)
    }
}

func TestTextCache(t *testing.T) {
    ctx := context.Background()
    c, mr := newClient(t)
    cache := NewTextCache(c, time.Hour)

    h := Hash("vision", "eng", []byte("png bytes"))
    if h == Hash("tesseract", "eng", []byte("png bytes")) {
        t.Error("hash ignores engine")
    }
    if _, _, ok, err := cache.Get(ctx, h); err != nil || ok {
        t.Fatalf("Get() before Put = %v, %v", ok, err)
    }
    if err := cache.Put(ctx, h, "PUMP-101", "vision"); err != nil { t.Fatal(err) }
    text, engine, ok, err := cache.Get(ctx, h)
    if err != nil || !ok || text != "PUMP-101" || engine != "vision" {
        t.Errorf("Get() = %q, %q, %v, %v", text, engine, ok, err)
    }

    mr.FastForward(2 * time.Hour)
    if _, _, ok, _ := cache.Get(ctx, h); ok {
        t.Error("entry survived its TTL")
    }
}
