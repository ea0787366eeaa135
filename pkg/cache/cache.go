// Package cache is the application facing cache API.
//
// A Cache sits on a pool.Pool. Single-key operations go to the active
// server chosen by the pool; the *All variants go to every server. Values
// pass through package codec, so any supported Go value can be stored and
// wrapped items expire according to the TTL they were stored with.
//
// Example:
//
//	p := pool.New()
//	p.AddServer(client.Endpoint{Tag: "local", Host: "127.0.0.1", Port: 6379, Timeout: time.Second})
//
//	c := cache.New(p)
//	defer c.Close()
//
//	if err := c.Set("user:1", map[string]any{"name": "ada"}, time.Hour); err != nil {
//		log.Fatal(err)
//	}
//	v, err := c.Get("user:1") // map[string]any{"name": "ada"}
//
// When an expired item is read, Get deletes it from the server (unless
// WithDeleteIfExpired(false)) and returns nil (unless WithNullIfExpired(false),
// in which case the *codec.ItemExpiredError is returned).
package cache

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachemir/cachewire/pkg/client"
	"github.com/cachemir/cachewire/pkg/codec"
	"github.com/cachemir/cachewire/pkg/pool"
)

// Cache is a facade over a pool of servers.
type Cache struct {
	active          *client.Client
	pool            *pool.Pool
	logger          zerolog.Logger
	codec           codec.Codec
	mu              sync.Mutex
	nullIfExpired   bool
	deleteIfExpired bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithNullIfExpired controls whether Get returns nil for an expired item
// (the default) or the *codec.ItemExpiredError.
func WithNullIfExpired(v bool) Option {
	return func(c *Cache) { c.nullIfExpired = v }
}

// WithDeleteIfExpired controls whether Get deletes an expired item from the
// server. Enabled by default.
func WithDeleteIfExpired(v bool) Option {
	return func(c *Cache) { c.deleteIfExpired = v }
}

// WithLogger sets the cache logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithClock sets the clock used to stamp and expire items. The clock is
// installed on the pool as well, so the *All variants and GetAny use it too.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.codec.Now = now }
}

// New creates a Cache on p. The cache and the pool share one codec; a
// clock set with WithClock replaces the pool's. New does not connect; the
// first operation that needs a server does.
func New(p *pool.Pool, opts ...Option) *Cache {
	c := &Cache{
		pool:            p,
		logger:          zerolog.Nop(),
		codec:           p.Codec(),
		nullIfExpired:   true,
		deleteIfExpired: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	p.SetCodec(c.codec)
	return c
}

// Pool returns the underlying pool.
func (c *Cache) Pool() *pool.Pool {
	return c.pool
}

// Connect connects every server in the pool and selects the active one.
// It fails with *CacheError when the pool is empty or no server is
// reachable.
func (c *Cache) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.connectLocked()
	return err
}

func (c *Cache) connectLocked() ([]error, error) {
	errs, err := c.pool.ConnectAll()
	for _, e := range errs {
		c.logger.Warn().Err(e).Msg("server unreachable")
	}
	if err != nil {
		c.active = nil
		return errs, &CacheError{Err: err}
	}
	c.active = c.pool.Active()
	c.logger.Debug().Str("server", c.active.Tag()).Msg("cache connected")
	return errs, nil
}

// IsConnected reports whether the active server is connected.
func (c *Cache) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active != nil && c.active.IsConnected()
}

// conn returns the active client, connecting the pool first when there is
// none or it is no longer connected. When no server is reachable the first
// connection error is returned.
func (c *Cache) conn() (*client.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil && c.active.IsConnected() {
		return c.active, nil
	}
	errs, err := c.connectLocked()
	if err != nil {
		if len(errs) > 0 {
			return nil, errs[0]
		}
		return nil, err
	}
	return c.active, nil
}

// Get returns the value stored under key, or nil when the key does not
// exist. Plain integers come back as int64 and plain strings as string;
// wrapped aggregates come back as map[string]any or []any.
func (c *Cache) Get(key string) (any, error) {
	entry, cl, err := c.fetch(key)
	if err != nil || cl == nil {
		return nil, err
	}

	value, err := entry.Value(c.now())
	if err != nil {
		return nil, c.expired(cl, key, err)
	}
	return value, nil
}

// GetInto decodes the value stored under key into dst, a pointer. It
// reports false when the key does not exist or the item has expired and
// the cache is configured to return nil for expired items.
func (c *Cache) GetInto(key string, dst any) (bool, error) {
	entry, cl, err := c.fetch(key)
	if err != nil || cl == nil {
		return false, err
	}

	rec := entry.Record
	switch entry.Kind {
	case codec.KindInteger:
		rec = &codec.Record{Key: key, Type: codec.TypeInt, Value: entry.Int}
	case codec.KindString:
		rec = &codec.Record{Key: key, Type: codec.TypeString, Value: entry.Str}
	}
	if err := codec.Unmarshal(rec, c.now(), dst); err != nil {
		if err := c.expired(cl, key, err); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// fetch reads and decodes key from the active server. A nil client with a
// nil error means the key does not exist.
func (c *Cache) fetch(key string) (codec.Entry, *client.Client, error) {
	cl, err := c.conn()
	if err != nil {
		return codec.Entry{}, nil, err
	}

	reply, err := cl.Get(key)
	if err != nil {
		return codec.Entry{}, nil, err
	}
	if reply.IsNil() {
		return codec.Entry{}, nil, nil
	}

	entry, err := c.codec.Decode(reply.Text())
	if err != nil {
		return codec.Entry{}, nil, err
	}
	return entry, cl, nil
}

// expired applies the expiry policy to err. Errors other than
// *codec.ItemExpiredError are returned unchanged.
func (c *Cache) expired(cl *client.Client, key string, err error) error {
	var expErr *codec.ItemExpiredError
	if !errors.As(err, &expErr) {
		return err
	}

	if c.deleteIfExpired {
		_, _ = cl.Delete(key)
	}
	if c.nullIfExpired {
		c.logger.Debug().Str("key", key).Msg("expired item read as nil")
		return nil
	}
	return err
}

// Set encodes v and stores it on the active server.
func (c *Cache) Set(key string, v any, ttl time.Duration) error {
	wire, err := c.codec.Encode(key, v, ttl)
	if err != nil {
		return err
	}
	cl, err := c.conn()
	if err != nil {
		return err
	}
	return cl.Set(key, wire, ttl)
}

// Delete removes key from the active server and reports whether it existed.
func (c *Cache) Delete(key string) (bool, error) {
	cl, err := c.conn()
	if err != nil {
		return false, err
	}
	return cl.Delete(key)
}

// Has reports whether key exists on the active server.
func (c *Cache) Has(key string) (bool, error) {
	cl, err := c.conn()
	if err != nil {
		return false, err
	}
	return cl.Has(key)
}

// Flush empties the active server.
func (c *Cache) Flush() (bool, error) {
	cl, err := c.conn()
	if err != nil {
		return false, err
	}
	return cl.Flush()
}

// Ping checks the active server.
func (c *Cache) Ping() error {
	cl, err := c.conn()
	if err != nil {
		return err
	}
	return cl.Ping()
}

// SetAll stores v on every server.
func (c *Cache) SetAll(key string, v any, ttl time.Duration) pool.BulkResult {
	return c.pool.Set(key, v, ttl)
}

// DeleteAll removes key from every server.
func (c *Cache) DeleteAll(key string) pool.BulkResult {
	return c.pool.Delete(key)
}

// FlushAll empties every server.
func (c *Cache) FlushAll() pool.BulkResult {
	return c.pool.Flush()
}

// PingAll checks every server.
func (c *Cache) PingAll() pool.BulkResult {
	return c.pool.Ping()
}

// HasAll returns the tags of the servers holding key.
func (c *Cache) HasAll(key string) []string {
	return c.pool.Has(key)
}

// GetAny returns key from the first server that has a usable value.
func (c *Cache) GetAny(key string) (any, bool) {
	return c.pool.Get(key)
}

// Close disconnects every server.
func (c *Cache) Close() error {
	c.mu.Lock()
	c.active = nil
	c.mu.Unlock()
	c.pool.DisconnectAll()
	return nil
}

func (c *Cache) now() time.Time {
	if c.codec.Now != nil {
		return c.codec.Now()
	}
	return time.Now()
}
