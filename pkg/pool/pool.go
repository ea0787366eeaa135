// Package pool manages an ordered set of cache servers and fans operations
// out across them.
//
// Servers are visited in registration order. ConnectAll connects every
// server and keeps the last one that connected as the active server; reads
// fail over to the first server with a usable answer; writes go to every
// server and report a per-server tally instead of failing.
//
// Example:
//
//	p := pool.New()
//	p.AddServer(client.Endpoint{Tag: "a", Host: "10.0.0.1", Port: 6379, Timeout: time.Second})
//	p.AddServer(client.Endpoint{Tag: "b", Host: "10.0.0.2", Port: 6379, Timeout: time.Second})
//
//	errs, err := p.ConnectAll()
//	if err != nil {
//		log.Fatal(err)
//	}
//	for _, e := range errs {
//		log.Print(e)
//	}
//
//	res := p.Set("greeting", "hello", time.Minute)
//	fmt.Printf("%d/%d servers stored the key\n", res.Success, res.Total)
package pool

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachemir/cachewire/pkg/client"
	"github.com/cachemir/cachewire/pkg/codec"
)

var (
	// ErrNoServers is returned by ConnectAll on an empty pool.
	ErrNoServers = errors.New("no servers configured")
	// ErrNoReachableServer is returned by ConnectAll when every server
	// failed to connect.
	ErrNoReachableServer = errors.New("could not connect to any server")
)

// BulkResult tallies one pool-wide operation.
//
// Total counts every server visited. Success counts servers that carried the
// operation out, Fails counts servers that answered but declined it (for
// example a DEL on a missing key). Errors holds the failure of every server
// that could not answer; those servers are not counted in Fails.
type BulkResult struct {
	Errors  []error
	Total   int
	Success int
	Fails   int
}

// OK reports whether every server succeeded.
func (r BulkResult) OK() bool {
	return r.Total > 0 && r.Success == r.Total
}

// Err joins the collected errors, or returns nil when there are none.
func (r BulkResult) Err() error {
	return errors.Join(r.Errors...)
}

func (r BulkResult) String() string {
	return fmt.Sprintf("total=%d success=%d fails=%d errors=%d", r.Total, r.Success, r.Fails, len(r.Errors))
}

func (r *BulkResult) record(ok bool, err error) {
	r.Total++
	switch {
	case err != nil:
		r.Errors = append(r.Errors, err)
	case ok:
		r.Success++
	default:
		r.Fails++
	}
}

// Pool is an ordered registry of clients.
type Pool struct {
	active  *client.Client
	logger  zerolog.Logger
	clients []*client.Client
	codec   codec.Codec
	mu      sync.RWMutex
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the logger handed to the pool and to every client it
// creates.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pool) { p.logger = logger }
}

// WithCodec sets the codec used to encode values written by Set and to
// decode values read by Get.
func WithCodec(c codec.Codec) Option {
	return func(p *Pool) { p.codec = c }
}

// New creates an empty pool.
func New(opts ...Option) *Pool {
	p := &Pool{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// AddServer registers a server. Registering a tag that is already present
// replaces the earlier client in its original position; the replaced client
// is disconnected.
func (p *Pool) AddServer(ep client.Endpoint) {
	c := client.New(ep, client.WithLogger(p.logger))

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.clients {
		if existing.Tag() == ep.Tag {
			p.logger.Debug().Str("server", ep.Tag).Msg("replacing server registration")
			if p.active == existing {
				p.active = nil
			}
			_ = existing.Disconnect()
			p.clients[i] = c
			return
		}
	}
	p.clients = append(p.clients, c)
}

// Len returns the number of registered servers.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// Clients returns the registered clients in registration order.
func (p *Pool) Clients() []*client.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*client.Client, len(p.clients))
	copy(out, p.clients)
	return out
}

// Client returns the client registered under tag.
func (p *Pool) Client(tag string) (*client.Client, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.clients {
		if c.Tag() == tag {
			return c, true
		}
	}
	return nil, false
}

// Active returns the server chosen by the last ConnectAll, or nil.
func (p *Pool) Active() *client.Client {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// ConnectAll connects every server in registration order and returns the
// failures it collected along the way. The last server that connected
// becomes the active server.
//
// It fails with ErrNoServers on an empty pool and with ErrNoReachableServer
// when no server connected; the collected errors are returned in both the
// partial and the total failure case.
func (p *Pool) ConnectAll() ([]error, error) {
	clients := p.Clients()
	if len(clients) == 0 {
		return nil, ErrNoServers
	}

	var (
		errs []error
		last *client.Client
	)
	for _, c := range clients {
		if err := c.Connect(); err != nil {
			p.logger.Warn().Err(err).Str("server", c.Tag()).Msg("server unreachable")
			errs = append(errs, err)
			continue
		}
		last = c
	}

	p.mu.Lock()
	p.active = last
	p.mu.Unlock()

	if last == nil {
		return errs, ErrNoReachableServer
	}
	p.logger.Debug().Str("server", last.Tag()).Int("failed", len(errs)).Msg("active server selected")
	return errs, nil
}

// DisconnectAll disconnects every server and clears the active server.
func (p *Pool) DisconnectAll() {
	for _, c := range p.Clients() {
		_ = c.Disconnect()
	}
	p.mu.Lock()
	p.active = nil
	p.mu.Unlock()
}

// Get returns the value stored under key on the first server, in
// registration order, that yields one. Servers that fail, do not hold the
// key, or hold an expired or undecodable item are skipped.
func (p *Pool) Get(key string) (any, bool) {
	for _, c := range p.Clients() {
		reply, err := c.Get(key)
		if err != nil {
			p.logger.Debug().Err(err).Str("server", c.Tag()).Msg("get failed, trying next server")
			continue
		}
		if reply.IsNil() {
			continue
		}

		entry, err := p.Codec().Decode(reply.Text())
		if err != nil {
			p.logger.Debug().Err(err).Str("server", c.Tag()).Str("key", key).Msg("undecodable item")
			continue
		}
		value, err := entry.Value(p.now())
		if err != nil {
			continue
		}
		return value, true
	}
	return nil, false
}

// Has returns the tags of the servers on which key exists. Servers that
// cannot answer are left out; Has itself never fails.
func (p *Pool) Has(key string) []string {
	tags := []string{}
	for _, c := range p.Clients() {
		ok, err := c.Has(key)
		if err != nil {
			p.logger.Debug().Err(err).Str("server", c.Tag()).Msg("has failed")
			continue
		}
		if ok {
			tags = append(tags, c.Tag())
		}
	}
	return tags
}

// Set encodes v once and stores it on every server.
//
// A value the codec rejects is reported as a single *codec.ValueError with
// every server counted in Total and none contacted.
func (p *Pool) Set(key string, v any, ttl time.Duration) BulkResult {
	clients := p.Clients()

	wire, err := p.Codec().Encode(key, v, ttl)
	if err != nil {
		return BulkResult{Total: len(clients), Errors: []error{err}}
	}

	var res BulkResult
	for _, c := range clients {
		err := c.Set(key, wire, ttl)
		res.record(err == nil, err)
	}
	return res
}

// Delete removes key from every server. A server that did not hold the key
// counts as a fail.
func (p *Pool) Delete(key string) BulkResult {
	var res BulkResult
	for _, c := range p.Clients() {
		res.record(c.Delete(key))
	}
	return res
}

// Flush empties every server.
func (p *Pool) Flush() BulkResult {
	var res BulkResult
	for _, c := range p.Clients() {
		res.record(c.Flush())
	}
	return res
}

// Ping checks every server. A server that is not connected reports a
// *client.ConnectionError.
func (p *Pool) Ping() BulkResult {
	var res BulkResult
	for _, c := range p.Clients() {
		err := c.Ping()
		res.record(err == nil, err)
	}
	return res
}

// Codec returns the codec the pool encodes and decodes with.
func (p *Pool) Codec() codec.Codec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.codec
}

// SetCodec replaces the codec used by later operations.
func (p *Pool) SetCodec(c codec.Codec) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.codec = c
}

func (p *Pool) now() time.Time {
	if now := p.Codec().Now; now != nil {
		return now()
	}
	return time.Now()
}
