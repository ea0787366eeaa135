package pool

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cachemir/cachewire/internal/server"
	"github.com/cachemir/cachewire/internal/testutil/respfake"
	"github.com/cachemir/cachewire/pkg/client"
	"github.com/cachemir/cachewire/pkg/codec"
	"github.com/cachemir/cachewire/pkg/protocol"
)

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

func TestConnectAllEmptyPool(t *testing.T) {
	p := New()
	errs, err := p.ConnectAll()
	assert.ErrorIs(t, err, ErrNoServers)
	assert.Empty(t, errs)
	assert.Nil(t, p.Active())
}

func TestConnectAllFailover(t *testing.T) {
	srv := startServer(t)

	p := New()
	p.AddServer(endpoint("first", closedPort(t)))
	p.AddServer(endpoint("second", srv.Port()))
	p.AddServer(endpoint("third", closedPort(t)))

	errs, err := p.ConnectAll()
	require.NoError(t, err)
	require.Len(t, errs, 2)
	for _, e := range errs {
		var connErr *client.ConnectionError
		assert.True(t, errors.As(e, &connErr))
	}

	require.NotNil(t, p.Active())
	assert.Equal(t, "second", p.Active().Tag())
}

func TestConnectAllKeepsLastSuccessful(t *testing.T) {
	a, b := startServer(t), startServer(t)

	p := New()
	p.AddServer(endpoint("a", a.Port()))
	p.AddServer(endpoint("b", b.Port()))
	p.AddServer(endpoint("down", closedPort(t)))

	errs, err := p.ConnectAll()
	require.NoError(t, err)
	assert.Len(t, errs, 1)
	assert.Equal(t, "b", p.Active().Tag())
}

func TestConnectAllNoneReachable(t *testing.T) {
	p := New()
	p.AddServer(endpoint("a", closedPort(t)))
	p.AddServer(endpoint("b", closedPort(t)))

	errs, err := p.ConnectAll()
	assert.ErrorIs(t, err, ErrNoReachableServer)
	assert.Len(t, errs, 2)
	assert.Nil(t, p.Active())
}

func TestAddServerReplacesTag(t *testing.T) {
	a, b := startServer(t), startServer(t)

	p := New()
	p.AddServer(endpoint("one", a.Port()))
	p.AddServer(endpoint("two", a.Port()))
	p.AddServer(endpoint("one", b.Port()))

	require.Equal(t, 2, p.Len())
	clients := p.Clients()
	assert.Equal(t, "one", clients[0].Tag())
	assert.Equal(t, b.Port(), clients[0].Endpoint().Port)
	assert.Equal(t, "two", clients[1].Tag())

	c, ok := p.Client("one")
	require.True(t, ok)
	assert.Equal(t, b.Port(), c.Endpoint().Port)

	_, ok = p.Client("missing")
	assert.False(t, ok)
}

func TestSetAccounting(t *testing.T) {
	a, b := startServer(t), startServer(t)
	fake := respfake.Start(t)
	fake.Push(respfake.Raw("-ERR read only replica\r\n"))

	p := New()
	p.AddServer(endpoint("a", a.Port()))
	p.AddServer(endpoint("broken", fake.Port()))
	p.AddServer(endpoint("b", b.Port()))

	res := p.Set("k", "v", 0)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Success)
	assert.Equal(t, 0, res.Fails)
	require.Len(t, res.Errors, 1)
	assert.False(t, res.OK())

	var srvErr *protocol.ServerError
	require.True(t, errors.As(res.Errors[0], &srvErr))
	assert.Equal(t, "read only replica", srvErr.Message)
	assert.ErrorAs(t, res.Err(), &srvErr)

	value, ok := a.Store().Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", value)
}

func TestSetUnreachableServerIsAnError(t *testing.T) {
	srv := startServer(t)

	p := New()
	p.AddServer(endpoint("up", srv.Port()))
	p.AddServer(endpoint("down", closedPort(t)))

	res := p.Set("k", 42, time.Minute)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Success)
	assert.Equal(t, 0, res.Fails)
	require.Len(t, res.Errors, 1)

	var connErr *client.ConnectionError
	assert.True(t, errors.As(res.Errors[0], &connErr))
}

func TestSetRejectsUnencodableValue(t *testing.T) {
	srv := startServer(t)

	p := New()
	p.AddServer(endpoint("a", srv.Port()))
	p.AddServer(endpoint("b", srv.Port()))

	res := p.Set("k", func() {}, 0)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 0, res.Success)
	require.Len(t, res.Errors, 1)

	var valueErr *codec.ValueError
	assert.True(t, errors.As(res.Errors[0], &valueErr))
	assert.Equal(t, 0, srv.Store().Len())
}

func TestDeleteCountsMissingKeyAsFail(t *testing.T) {
	a, b := startServer(t), startServer(t)
	a.Store().Set("k", "v", 0)

	p := New()
	p.AddServer(endpoint("a", a.Port()))
	p.AddServer(endpoint("b", b.Port()))

	res := p.Delete("k")
	assert.Equal(t, BulkResult{Total: 2, Success: 1, Fails: 1}, res)
	assert.NoError(t, res.Err())
}

func TestFlushAndPing(t *testing.T) {
	a, b := startServer(t), startServer(t)
	a.Store().Set("x", "1", 0)
	b.Store().Set("y", "2", 0)

	p := New()
	p.AddServer(endpoint("a", a.Port()))
	p.AddServer(endpoint("b", b.Port()))
	p.AddServer(endpoint("down", closedPort(t)))

	res := p.Ping()
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 0, res.Success)
	assert.Len(t, res.Errors, 3)
	for _, e := range res.Errors {
		assert.ErrorIs(t, e, client.ErrNotConnected)
	}

	_, err := p.ConnectAll()
	require.NoError(t, err)

	res = p.Ping()
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Success)
	assert.Len(t, res.Errors, 1)

	res = p.Flush()
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 2, res.Success)
	assert.Len(t, res.Errors, 1)
	assert.Equal(t, 0, a.Store().Len())
	assert.Equal(t, 0, b.Store().Len())
}

func TestGetFirstUsableAnswerWins(t *testing.T) {
	a, b, c := startServer(t), startServer(t), startServer(t)
	b.Store().Set("k", "from-b", 0)
	c.Store().Set("k", "from-c", 0)

	p := New()
	p.AddServer(endpoint("down", closedPort(t)))
	p.AddServer(endpoint("a", a.Port()))
	p.AddServer(endpoint("b", b.Port()))
	p.AddServer(endpoint("c", c.Port()))

	value, ok := p.Get("k")
	require.True(t, ok)
	assert.Equal(t, "from-b", value)

	_, ok = p.Get("absent")
	assert.False(t, ok)
}

func TestGetDecodesWrappedItems(t *testing.T) {
	srv := startServer(t)

	p := New()
	p.AddServer(endpoint("a", srv.Port()))

	require.True(t, p.Set("user", map[string]any{"name": "ada", "langs": []any{"go"}}, 0).OK())
	require.True(t, p.Set("n", 7, 0).OK())

	value, ok := p.Get("user")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"name": "ada", "langs": []any{"go"}}, value)

	value, ok = p.Get("n")
	require.True(t, ok)
	assert.Equal(t, int64(7), value)
}

func TestGetSkipsExpiredItems(t *testing.T) {
	stale, fresh := startServer(t), startServer(t)
	past := codec.Codec{Now: func() time.Time { return time.Now().Add(-time.Hour) }}

	wire, err := past.Encode("doc", map[string]any{"v": "old"}, time.Minute)
	require.NoError(t, err)
	stale.Store().Set("doc", wire, 0)

	wire, err = codec.Encode("doc", map[string]any{"v": "new"}, time.Minute)
	require.NoError(t, err)
	fresh.Store().Set("doc", wire, 0)

	p := New()
	p.AddServer(endpoint("stale", stale.Port()))
	p.AddServer(endpoint("fresh", fresh.Port()))

	value, ok := p.Get("doc")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"v": "new"}, value)
}

func TestHas(t *testing.T) {
	a, b := startServer(t), startServer(t)
	b.Store().Set("k", "v", 0)

	p := New()
	p.AddServer(endpoint("a", a.Port()))
	p.AddServer(endpoint("down", closedPort(t)))
	p.AddServer(endpoint("b", b.Port()))

	assert.Equal(t, []string{"b"}, p.Has("k"))
	assert.Empty(t, p.Has("absent"))
}

func TestHasAllUnreachable(t *testing.T) {
	p := New()
	p.AddServer(endpoint("a", closedPort(t)))
	p.AddServer(endpoint("b", closedPort(t)))

	tags := p.Has("k")
	assert.NotNil(t, tags)
	assert.Empty(t, tags)
}

func TestDisconnectAll(t *testing.T) {
	srv := startServer(t)

	p := New()
	p.AddServer(endpoint("a", srv.Port()))
	_, err := p.ConnectAll()
	require.NoError(t, err)
	require.True(t, p.Active().IsConnected())

	p.DisconnectAll()
	assert.Nil(t, p.Active())
	for _, c := range p.Clients() {
		assert.False(t, c.IsConnected())
	}
}

func TestBulkResultString(t *testing.T) {
	res := BulkResult{Total: 3, Success: 1, Fails: 1, Errors: []error{errors.New("boom")}}
	assert.Equal(t, "total=3 success=1 fails=1 errors=1", res.String())
	assert.EqualError(t, res.Err(), "boom")
	assert.False(t, BulkResult{}.OK())
}

func TestSetCodecChangesClock(t *testing.T) {
	srv := startServer(t)
	p := New()
	p.AddServer(endpoint("a", srv.Port()))

	stored := time.Now().Add(-time.Hour)
	p.SetCodec(codec.Codec{Now: func() time.Time { return stored }})
	require.True(t, p.Set("doc", []any{"x"}, time.Minute).OK())

	raw, ok := srv.Store().Get("doc")
	require.True(t, ok)
	entry, err := codec.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, stored.Unix(), entry.Record.StoredAt)

	p.SetCodec(codec.Codec{})
	_, ok = p.Get("doc")
	assert.False(t, ok)

	p.SetCodec(codec.Codec{Now: func() time.Time { return stored.Add(30 * time.Second) }})
	value, ok := p.Get("doc")
	require.True(t, ok)
	assert.Equal(t, []any{"x"}, value)
}
