package store

import (
    "context"
    "crypto/sha256"
    "encoding/hex"
    "errors"
    "fmt"
    "time"

    redis "github.com/redis/go-redis/v9"
)

// TextCache keeps recognized text keyed by a hash of the input image.
type TextCache struct {
    client *redis.Client
    ttl    time.Duration
}

func NewTextCache(c *redis.Client, ttl time.Duration) *TextCache {
    if ttl <= 0 { ttl = 24 * time.Hour }
    return &TextCache{client: c, ttl: ttl}
}

// Hash returns the cache key component for data recognized by engine
// with the given options.
func Hash(engine, options string, data []byte) string {
    h := sha256.New()
    h.Write([]byte(engine))
    h.Write([]byte{0})
    h.Write([]byte(options))
    h.Write([]byte{0})
    h.Write(data)
    return hex.EncodeToString(h.Sum(nil))
}

func (c *TextCache) key(hash string) string { return fmt.Sprintf("ocr:%s", hash) }

func (c *TextCache) Put(ctx context.Context, hash, text, engine string) error {
    m := map[string]interface{}{"text": text, "engine": engine}
    pipe := c.client.TxPipeline()
    pipe.HSet(ctx, c.key(hash), m)
    pipe.Expire(ctx, c.key(hash), c.ttl)
    _, err := pipe.Exec(ctx)
    return err
}

// Get returns the cached text and engine; ok is false on a miss.
func (c *TextCache) Get(ctx context.Context, hash string) (string, string, bool, error) {
    res, err := c.client.HGetAll(ctx, c.key(hash)).Result()
    if errors.Is(err, redis.Nil) { return "", "", false, nil }
    if err != nil { return "", "", false, err }
    if len(res) == 0 { return "", "", false, nil }
    return res["text"], res["engine"], true, nil
}
