package cache

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemir/cachewire/internal/server"
	"github.com/cachemir/cachewire/internal/testutil/respfake"
	"github.com/cachemir/cachewire/pkg/client"
	"github.com/cachemir/cachewire/pkg/codec"
	"github.com/cachemir/cachewire/pkg/pool"
	"github.com/cachemir/cachewire/pkg/protocol"
)

type fakeClock struct {
	now time.Time
	mu  sync.Mutex
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func startServer(t *testing.T) *server.Server {
	t.Helper()
	srv := server.New("127.0.0.1:0")
	require.NoError(t, srv.Listen())
	go func() { _ = srv.Serve() }()
	t.Cleanup(func() { _ = srv.Stop() })
	return srv
}

func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func endpoint(tag string, port int) client.Endpoint {
	return client.Endpoint{Tag: tag, Host: "127.0.0.1", Port: port, Timeout: time.Second}
}

func newCache(t *testing.T, ports []int, opts ...Option) *Cache {
	t.Helper()
	p := pool.New()
	for i, port := range ports {
		p.AddServer(endpoint(string(rune('a'+i)), port))
	}
	c := New(p, opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestRoundTrip(t *testing.T) {
	srv := startServer(t)
	c := newCache(t, []int{srv.Port()})

	require.NoError(t, c.Set("n", 42, time.Minute))
	require.NoError(t, c.Set("s", "short string", time.Minute))
	require.NoError(t, c.Set("doc", map[string]any{"name": "ada", "tags": []any{"a", "b"}}, 0))
	require.NoError(t, c.Set("flag", true, 0))

	v, err := c.Get("n")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = c.Get("s")
	require.NoError(t, err)
	assert.Equal(t, "short string", v)

	v, err = c.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "ada", "tags": []any{"a", "b"}}, v)

	v, err = c.Get("flag")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = c.Get("missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	assert.True(t, c.IsConnected())
}

func TestGetInto(t *testing.T) {
	type profile struct {
		Name  string   `json:"name"`
		Langs []string `json:"langs"`
	}

	srv := startServer(t)
	c := newCache(t, []int{srv.Port()})

	require.NoError(t, c.Set("p", profile{Name: "ada", Langs: []string{"go"}}, 0))
	require.NoError(t, c.Set("n", 9, 0))

	var got profile
	ok, err := c.GetInto("p", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, profile{Name: "ada", Langs: []string{"go"}}, got)

	var n int
	ok, err = c.GetInto("n", &n)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 9, n)

	ok, err = c.GetInto("missing", &got)
	require.NoError(t, err)
	assert.False(t, ok)
}

// Items expire once their age reaches the TTL: stored with a 5s TTL and read
// 10s later, the item is gone.
func TestExpiredItemReadsAsNil(t *testing.T) {
	srv := startServer(t)
	clock := &fakeClock{now: time.Now()}
	c := newCache(t, []int{srv.Port()}, WithClock(clock.Now))

	require.NoError(t, c.Set("doc", map[string]any{"v": 1.5}, 5*time.Second))

	v, err := c.Get("doc")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"v": 1.5}, v)

	clock.Advance(10 * time.Second)

	v, err = c.Get("doc")
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.False(t, srv.Store().Exists("doc"))
}

func TestExpiredItemError(t *testing.T) {
	srv := startServer(t)
	clock := &fakeClock{now: time.Now()}
	c := newCache(t, []int{srv.Port()},
		WithClock(clock.Now),
		WithNullIfExpired(false),
		WithDeleteIfExpired(false),
	)

	require.NoError(t, c.Set("doc", []any{"x", "y"}, 5*time.Second))
	clock.Advance(10 * time.Second)

	v, err := c.Get("doc")
	assert.Nil(t, v)
	var expErr *codec.ItemExpiredError
	require.True(t, errors.As(err, &expErr))
	assert.Equal(t, "doc", expErr.Key)
	assert.Equal(t, 5*time.Second, expErr.TTL)

	// The item was left in place.
	assert.True(t, srv.Store().Exists("doc"))

	var dst []string
	ok, err := c.GetInto("doc", &dst)
	assert.False(t, ok)
	assert.ErrorAs(t, err, &expErr)
}

func TestPlainValuesNeverExpire(t *testing.T) {
	srv := startServer(t)
	clock := &fakeClock{now: time.Now()}
	c := newCache(t, []int{srv.Port()}, WithClock(clock.Now), WithNullIfExpired(false))

	require.NoError(t, c.Set("n", 5, 0))
	clock.Advance(24 * time.Hour)

	v, err := c.Get("n")
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}

func TestCorruptItem(t *testing.T) {
	srv := startServer(t)
	c := newCache(t, []int{srv.Port()})

	corrupt := codec.MagicPrefix + "!!!!" + string(make([]byte, codec.Threshold))
	srv.Store().Set("bad", corrupt, 0)

	_, err := c.Get("bad")
	var decErr *codec.DecodeError
	assert.ErrorAs(t, err, &decErr)
}

func TestSetRejectsUnsupportedValue(t *testing.T) {
	srv := startServer(t)
	c := newCache(t, []int{srv.Port()})

	err := c.Set("ch", make(chan int), 0)
	var valueErr *codec.ValueError
	assert.ErrorAs(t, err, &valueErr)
}

func TestDelegation(t *testing.T) {
	srv := startServer(t)
	c := newCache(t, []int{srv.Port()})

	require.NoError(t, c.Ping())
	require.NoError(t, c.Set("k", "v", 0))

	has, err := c.Has("k")
	require.NoError(t, err)
	assert.True(t, has)

	deleted, err := c.Delete("k")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = c.Delete("k")
	require.NoError(t, err)
	assert.False(t, deleted)

	require.NoError(t, c.Set("a", "1", 0))
	flushed, err := c.Flush()
	require.NoError(t, err)
	assert.True(t, flushed)
	assert.Equal(t, 0, srv.Store().Len())
}

func TestServerErrorSurfacesUnmodified(t *testing.T) {
	fake := respfake.Start(t)
	fake.Push(respfake.Raw("-ERR disk full\r\n"))
	c := newCache(t, []int{fake.Port()})

	err := c.Set("k", "v", 0)
	var opErr *client.OpError
	require.ErrorAs(t, err, &opErr)
	var srvErr *protocol.ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, "disk full", srvErr.Message)
}

func TestConnectErrors(t *testing.T) {
	empty := New(pool.New())
	err := empty.Connect()
	var cacheErr *CacheError
	require.ErrorAs(t, err, &cacheErr)
	assert.ErrorIs(t, err, pool.ErrNoServers)

	_, err = empty.Get("k")
	assert.ErrorIs(t, err, pool.ErrNoServers)

	down := newCache(t, []int{closedPort(t), closedPort(t)})
	err = down.Connect()
	require.ErrorAs(t, err, &cacheErr)
	assert.ErrorIs(t, err, pool.ErrNoReachableServer)
	assert.False(t, down.IsConnected())

	// Operations surface the first connection error instead.
	_, err = down.Get("k")
	var connErr *client.ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "a", connErr.Tag)
}

func TestActiveServerIsLastReachable(t *testing.T) {
	a, b := startServer(t), startServer(t)
	c := newCache(t, []int{a.Port(), b.Port(), closedPort(t)})

	require.NoError(t, c.Connect())
	require.NoError(t, c.Set("k", "v", 0))

	assert.False(t, a.Store().Exists("k"))
	assert.True(t, b.Store().Exists("k"))
}

func TestReconnectsAfterTimeout(t *testing.T) {
	fake := respfake.Start(t)
	fake.Push(respfake.Hang(), respfake.Raw("+OK\r\n"))

	p := pool.New()
	p.AddServer(client.Endpoint{Tag: "slow", Host: "127.0.0.1", Port: fake.Port(), Timeout: 50 * time.Millisecond})
	c := New(p)
	t.Cleanup(func() { _ = c.Close() })

	_, err := c.Get("k")
	require.ErrorIs(t, err, protocol.ErrTimeout)
	assert.False(t, c.IsConnected())

	require.NoError(t, c.Set("k", "v", 0))
	assert.Equal(t, 2, fake.Accepted())
}

func TestPoolScopedOperations(t *testing.T) {
	a, b := startServer(t), startServer(t)
	c := newCache(t, []int{a.Port(), b.Port()})

	res := c.SetAll("k", map[string]any{"v": "x"}, time.Minute)
	assert.Equal(t, 2, res.Success)
	assert.Equal(t, []string{"a", "b"}, c.HasAll("k"))

	v, ok := c.GetAny("k")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"v": "x"}, v)

	require.NoError(t, c.Connect())
	res = c.PingAll()
	assert.Equal(t, 2, res.Success)

	res = c.DeleteAll("k")
	assert.Equal(t, 2, res.Success)
	assert.Empty(t, c.HasAll("k"))

	a.Store().Set("x", "1", 0)
	res = c.FlushAll()
	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 0, a.Store().Len())
}

func TestSetAllUsesCacheClock(t *testing.T) {
	a, b := startServer(t), startServer(t)
	clock := &fakeClock{now: time.Now().Add(-48 * time.Hour)}
	c := newCache(t, []int{a.Port(), b.Port()}, WithClock(clock.Now))

	res := c.SetAll("doc", map[string]any{"v": "x"}, 5*time.Second)
	require.True(t, res.OK())

	raw, ok := a.Store().Get("doc")
	require.True(t, ok)
	entry, err := codec.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Unix(), entry.Record.StoredAt)

	v, ok := c.GetAny("doc")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"v": "x"}, v)

	clock.Advance(10 * time.Second)

	_, ok = c.GetAny("doc")
	assert.False(t, ok)

	v, err = c.Get("doc")
	require.NoError(t, err)
	assert.Nil(t, v)
}
