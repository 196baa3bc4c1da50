package resolution

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/canopy-network/entityx/pkg/config"
	"github.com/jellydator/ttlcache/v3"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	keyPrefix  = "entityx:resolve"
	genKey     = keyPrefix + ":gen"
	flushMsg   = "flush:"
	dropKeyMsg = "key:"
)

// Remote is the shared L2 cache and the invalidation bus.
type Remote interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	Incr(ctx context.Context, key string) (int64, error)
	Publish(ctx context.Context, channel string, message interface{})
	Subscribe(ctx context.Context, channels ...string) *goredis.PubSub
}

// tiered is a cache-aside pair: a per-process TTL cache in front of Redis.
// Redis keys carry a generation so a flush is one INCR instead of a scan.
type tiered struct {
	local  *ttlcache.Cache[string, any]
	remote Remote
	cfg    config.Resolution
	gen    atomic.Int64
	logger *zap.Logger
}

func newTiered(remote Remote, cfg config.Resolution, logger *zap.Logger) *tiered {
	opts := []ttlcache.Option[string, any]{
		ttlcache.WithTTL[string, any](cfg.L1TTL),
		ttlcache.WithDisableTouchOnHit[string, any](),
	}
	if cfg.L1Capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, any](cfg.L1Capacity))
	}
	return &tiered{
		local:  ttlcache.New(opts...),
		remote: remote,
		cfg:    cfg,
		logger: logger,
	}
}

func (c *tiered) remoteKey(key string) string {
	return fmt.Sprintf("%s:%d:%s", keyPrefix, c.gen.Load(), key)
}

// syncGeneration reads the shared generation so a fresh process does not
// serve entries flushed before it started.
func (c *tiered) syncGeneration(ctx context.Context) {
	if c.remote == nil {
		return
	}
	var gen int64
	ok, err := c.remote.GetJSON(ctx, genKey, &gen)
	if err != nil {
		c.logger.Warn("resolution cache generation unavailable", zap.Error(err))
		return
	}
	if ok {
		c.advance(gen)
	}
}

func (c *tiered) advance(gen int64) {
	for {
		cur := c.gen.Load()
		if gen <= cur || c.gen.CompareAndSwap(cur, gen) {
			return
		}
	}
}

// get fills dst from L1 or L2. The returned tier is "l1", "l2" or "".
func get[T any](ctx context.Context, c *tiered, key string, dst *T) string {
	if item := c.local.Get(key); item != nil {
		if v, ok := item.Value().(T); ok {
			*dst = v
			return "l1"
		}
	}
	if c.remote == nil {
		return ""
	}
	ok, err := c.remote.GetJSON(ctx, c.remoteKey(key), dst)
	if err != nil {
		c.logger.Debug("resolution l2 read failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	if !ok {
		return ""
	}
	c.local.Set(key, *dst, ttlcache.DefaultTTL)
	return "l2"
}

func (c *tiered) put(ctx context.Context, key string, v any) {
	c.local.Set(key, v, ttlcache.DefaultTTL)
	if c.remote == nil {
		return
	}
	if err := c.remote.SetJSON(ctx, c.remoteKey(key), v, c.cfg.L2TTL); err != nil {
		c.logger.Debug("resolution l2 write failed", zap.String("key", key), zap.Error(err))
	}
}

// flush drops every entry in every process.
func (c *tiered) flush(ctx context.Context) error {
	c.local.DeleteAll()
	if c.remote == nil {
		return nil
	}
	gen, err := c.remote.Incr(ctx, genKey)
	if err != nil {
		return err
	}
	c.advance(gen)
	c.remote.Publish(ctx, c.cfg.InvalidationChannel, flushMsg+strconv.FormatInt(gen, 10))
	return nil
}

// drop removes single keys in every process.
func (c *tiered) drop(ctx context.Context, keys ...string) error {
	remoteKeys := make([]string, len(keys))
	for i, k := range keys {
		c.local.Delete(k)
		remoteKeys[i] = c.remoteKey(k)
	}
	if c.remote == nil {
		return nil
	}
	if err := c.remote.Del(ctx, remoteKeys...); err != nil {
		return err
	}
	for _, k := range keys {
		c.remote.Publish(ctx, c.cfg.InvalidationChannel, dropKeyMsg+k)
	}
	return nil
}

// apply handles one invalidation message from another process.
func (c *tiered) apply(payload string) {
	switch {
	case strings.HasPrefix(payload, flushMsg):
		gen, err := strconv.ParseInt(strings.TrimPrefix(payload, flushMsg), 10, 64)
		if err != nil {
			c.logger.Warn("bad invalidation message", zap.String("payload", payload))
			return
		}
		c.advance(gen)
		c.local.DeleteAll()
	case strings.HasPrefix(payload, dropKeyMsg):
		c.local.Delete(strings.TrimPrefix(payload, dropKeyMsg))
	default:
		c.logger.Warn("bad invalidation message", zap.String("payload", payload))
	}
}
