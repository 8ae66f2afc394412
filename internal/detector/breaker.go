package detector

import (
    "context"
    "fmt"
    "strconv"
    "time"

    redis "github.com/redis/go-redis/v9"
    "github.com/rs/zerolog/log"

    "github.com/local/pidly/internal/metrics"
)

// CircuitBreaker manages circuit breaker state in Redis so every
// instance of the service sees the same upstream health.
type CircuitBreaker struct {
    redis       *redis.Client
    baseBackoff time.Duration
    maxBackoff  time.Duration
    now         func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(redisClient *redis.Client, baseBackoff, maxBackoff time.Duration) *CircuitBreaker {
    if baseBackoff <= 0 { baseBackoff = 30 * time.Second }
    if maxBackoff < baseBackoff { maxBackoff = baseBackoff }
    return &CircuitBreaker{
        redis:       redisClient,
        baseBackoff: baseBackoff,
        maxBackoff:  maxBackoff,
        now:         time.Now,
    }
}

func breakerKey(upstream string) string { return fmt.Sprintf("cb:%s", upstream) }

// Cooldown returns the wait after the given number of consecutive failures.
func (cb *CircuitBreaker) Cooldown(failures int) time.Duration {
    backoff := cb.baseBackoff
    for i := 1; i < failures; i++ {
        backoff *= 2
        if backoff > cb.maxBackoff {
            return cb.maxBackoff
        }
    }
    return backoff
}

// Open records a failure and opens the breaker for upstream.
func (cb *CircuitBreaker) Open(ctx context.Context, upstream string) {
    key := breakerKey(upstream)

    failuresStr, _ := cb.redis.HGet(ctx, key, "failures").Result()
    failures, _ := strconv.Atoi(failuresStr)
    failures++

    // 30s, 60s, 120s, 240s, max 5m with the defaults
    backoff := cb.Cooldown(failures)
    now := cb.now()
    retryAt := now.Add(backoff).Unix()

    cb.redis.HSet(ctx, key, map[string]interface{}{
        "state":     "open",
        "retry_at":  retryAt,
        "failures":  failures,
        "opened_at": now.Unix(),
    })
    cb.redis.Expire(ctx, key, cb.maxBackoff+10*time.Minute)
    metrics.BreakerOpened()

    log.Warn().
        Str("upstream", upstream).
        Dur("cooldown", backoff).
        Int("failures", failures).
        Time("retry_at", time.Unix(retryAt, 0)).
        Msg("circuit breaker OPENED")
}

// IsOpen reports whether calls to upstream must be rejected. Once the
// cooldown has passed the breaker moves to half-open and lets one probe through.
func (cb *CircuitBreaker) IsOpen(ctx context.Context, upstream string) bool {
    key := breakerKey(upstream)

    state, err := cb.redis.HGet(ctx, key, "state").Result()
    if err != nil || state == "" {
        // No breaker record → closed by default
        return false
    }
    if state == "half_open" {
        // a probe is already in flight
        return true
    }
    if state != "open" {
        return false
    }

    retryAtStr, _ := cb.redis.HGet(ctx, key, "retry_at").Result()
    retryAt, _ := strconv.ParseInt(retryAtStr, 10, 64)

    if cb.now().Unix() >= retryAt {
        // only the caller that flips the state gets the probe
        swapped, err := cb.redis.Eval(ctx, halfOpenScript, []string{key}).Int()
        if err == nil && swapped == 1 {
            log.Info().Str("upstream", upstream).Msg("circuit breaker moved to HALF-OPEN")
            return false
        }
    }
    metrics.BreakerRejected()
    return true
}

var halfOpenScript = `
if redis.call("HGET", KEYS[1], "state") == "open" then
  redis.call("HSET", KEYS[1], "state", "half_open")
  return 1
end
return 0`

// Close resets the breaker after a successful call.
func (cb *CircuitBreaker) Close(ctx context.Context, upstream string) {
    key := breakerKey(upstream)

    state, _ := cb.redis.HGet(ctx, key, "state").Result()
    if state == "" || state == "closed" {
        return
    }
    cb.redis.Del(ctx, key)
    metrics.BreakerClosed()

    log.Info().Str("upstream", upstream).Msg("circuit breaker CLOSED (reset)")
}

// State returns the stored state, "closed" when there is none.
func (cb *CircuitBreaker) State(ctx context.Context, upstream string) string {
    state, err := cb.redis.HGet(ctx, breakerKey(upstream), "state").Result()
    if err != nil || state == "" { return "closed" }
    return state
}
