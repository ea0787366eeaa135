// Package cachewire is a key/value cache client for servers that speak the
// Redis line protocol (RESP) over TCP.
//
// A pool of independently configured servers sits behind a small facade.
// Application values go through a self-describing encoding before they reach
// the wire: integers and short strings are stored verbatim, everything else
// is wrapped with its type, store time and TTL so it can expire on read.
//
// # Quick Start
//
//	import (
//		"github.com/cachemir/cachewire/pkg/cache"
//		"github.com/cachemir/cachewire/pkg/client"
//		"github.com/cachemir/cachewire/pkg/pool"
//	)
//
//	p := pool.New()
//	p.AddServer(client.Endpoint{Tag: "primary", Host: "10.0.0.1", Port: 6379, Timeout: 2 * time.Second})
//	p.AddServer(client.Endpoint{Tag: "replica", Host: "10.0.0.2", Port: 6379, Timeout: 2 * time.Second})
//
//	c := cache.New(p)
//	defer c.Close()
//
//	c.Set("user:1", map[string]any{"name": "ada"}, time.Hour)
//	v, err := c.Get("user:1")
//
//	res := c.SetAll("feature:x", true, 0) // every server
//	fmt.Println(res)                      // total=2 success=2 fails=0 errors=0
//
// # Encoding
//
//   - Integers: decimal text, never expire
//   - Strings of at most 128 bytes: verbatim, never expire
//   - Anything else: "#cw1:" + base64 of a BSON record padded to at least
//     128 bytes, so a wrapped item is always longer than a plain string
//
// # Configuration
//
// Pools can be described in TOML or in the environment:
//
//	CACHEWIRE_SERVERS=primary=10.0.0.1:6379,replica=10.0.0.2:6379 cachewire get user:1
//	cachewire -config pool.toml -all ping
//
// A development server speaking the command subset the client uses:
//
//	./cachewire-server -port 6380
//	# or
//	CACHEWIRE_PORT=6380 CACHEWIRE_LOG_LEVEL=debug ./cachewire-server
//
// # Package Structure
//
//   - pkg/protocol: RESP framing, replies and the command-line tokenizer
//   - pkg/codec: value encoding, decoding and expiry
//   - pkg/client: single-server client and connection state
//   - pkg/pool: ordered server pool, failover and bulk operations
//   - pkg/cache: application facing facade
//   - pkg/config: pool and server configuration
//   - internal/server: RESP development server
//   - internal/store: in-memory store backing the development server
//   - cmd/server: development server executable
//   - cmd/cachewire: command-line client
//
// For detailed documentation of individual packages, see their respective godoc pages.
package cachewire
