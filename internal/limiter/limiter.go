package limiter

import (
    "net"
    "net/http"
    "strings"
    "sync"
    "time"

    "github.com/rs/zerolog/log"
    "golang.org/x/time/rate"
)

// Limiter keeps a token bucket per client IP and a bounded number of
// in-flight slots per key for expensive endpoints.
type Limiter struct {
    rps         rate.Limit
    burst       int
    maxInflight int
    idleTTL     time.Duration

    mu        sync.Mutex
    visitors  map[string]*visitor
    sem       map[string]chan struct{}
    lastSweep time.Time
    now       func() time.Time
}

type visitor struct {
    lim  *rate.Limiter
    seen time.Time
}

type Options struct {
    // RPS <= 0 disables per-IP limiting.
    RPS         float64
    Burst       int
    MaxInflight int
    IdleTTL     time.Duration
}

func New(opts Options) *Limiter {
    if opts.Burst <= 0 { opts.Burst = int(opts.RPS) * 2 }
    if opts.Burst <= 0 { opts.Burst = 1 }
    if opts.MaxInflight <= 0 { opts.MaxInflight = 2 }
    if opts.IdleTTL <= 0 { opts.IdleTTL = 10 * time.Minute }
    return &Limiter{
        rps:         rate.Limit(opts.RPS),
        burst:       opts.Burst,
        maxInflight: opts.MaxInflight,
        idleTTL:     opts.IdleTTL,
        visitors:    map[string]*visitor{},
        sem:         map[string]chan struct{}{},
        now:         time.Now,
    }
}

// AllowIP takes one token from the bucket of ip.
func (l *Limiter) AllowIP(ip string) bool {
    if l.rps <= 0 { return true }
    now := l.now()
    l.mu.Lock()
    if now.Sub(l.lastSweep) > l.idleTTL {
        l.sweepLocked(now)
    }
    v, ok := l.visitors[ip]
    if !ok {
        v = &visitor{lim: rate.NewLimiter(l.rps, l.burst)}
        l.visitors[ip] = v
    }
    v.seen = now
    l.mu.Unlock()
    return v.lim.AllowN(now, 1)
}

// Sweep forgets clients idle for longer than the idle TTL.
func (l *Limiter) Sweep() int {
    l.mu.Lock()
    defer l.mu.Unlock()
    return l.sweepLocked(l.now())
}

func (l *Limiter) sweepLocked(now time.Time) int {
    n := 0
    for ip, v := range l.visitors {
        if now.Sub(v.seen) > l.idleTTL {
            delete(l.visitors, ip)
            n++
        }
    }
    l.lastSweep = now
    return n
}

// Allow tries to reserve an in-process slot for key.
// Returns a release function and true if allowed; otherwise a no-op and false.
func (l *Limiter) Allow(key string) (func(), bool) {
    key = strings.ToLower(key)
    l.mu.Lock()
    ch, ok := l.sem[key]
    if !ok {
        ch = make(chan struct{}, l.maxInflight)
        l.sem[key] = ch
    }
    l.mu.Unlock()
    select {
    case ch <- struct{}{}:
        return func() { <-ch }, true
    default:
        return func() {}, false
    }
}

// Middleware rejects requests over the per-IP rate with 429.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if r.URL.Path == "/health" {
            next.ServeHTTP(w, r)
            return
        }
        ip := ClientIP(r)
        if !l.AllowIP(ip) {
            log.Warn().Str("ip", ip).Str("path", r.URL.Path).Msg("rate limit exceeded")
            w.Header().Set("Content-Type", "application/json")
            w.Header().Set("Retry-After", "1")
            w.WriteHeader(http.StatusTooManyRequests)
            w.Write([]byte(`{"error":"rate limit exceeded"}`))
            return
        }
        next.ServeHTTP(w, r)
    })
}

// ClientIP prefers the first X-Forwarded-For hop, then RemoteAddr.
func ClientIP(r *http.Request) string {
    if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
        first, _, _ := strings.Cut(xff, ",")
        if ip := strings.TrimSpace(first); ip != "" { return ip }
    }
    if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" { return ip }
    host, _, err := net.SplitHostPort(r.RemoteAddr)
    if err != nil { return r.RemoteAddr }
    return host
}
