// Package client implements a blocking RESP client for a single cache server.
//
// A Client owns at most one socket to one Endpoint and runs one request at a
// time over it. It tracks whether the socket is usable:
//
//	Disconnected --Connect--> Connected --deadline exceeded--> TimedOut
//	TimedOut --IsConnected--> Disconnected   (the socket is closed, never reused)
//	Connected/TimedOut --Disconnect--> Disconnected
//
// Any command issued while no socket is open connects first, so callers see
// either a fresh failure or a fresh successful exchange.
//
// Basic Usage:
//
//	c := client.New(client.Endpoint{Tag: "primary", Host: "127.0.0.1", Port: 6379, Timeout: 2 * time.Second})
//	if err := c.Connect(); err != nil {
//		log.Fatal(err)
//	}
//	defer c.Disconnect()
//
//	if err := c.Set("greeting", "hello", time.Minute); err != nil {
//		log.Fatal(err)
//	}
//	reply, err := c.Get("greeting")
//
// Values are sent unmodified; encoding application values is the job of
// package codec.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachemir/cachewire/pkg/protocol"
)

// State is the connection state of a Client.
type State uint8

// Connection states.
const (
	Disconnected State = iota
	Connected
	TimedOut
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case TimedOut:
		return "timed out"
	default:
		return fmt.Sprintf("State(%d)", uint8(s))
	}
}

// Endpoint identifies one cache server. Timeout bounds both the connect and
// every later request/reply exchange; zero means no deadline.
type Endpoint struct {
	Tag     string
	Host    string
	Port    int
	Timeout time.Duration
}

// Address returns the endpoint in "host:port" form.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	if e.Tag == "" {
		return e.Address()
	}
	return e.Tag + "@" + e.Address()
}

// Client is a connection to a single server.
//
// A Client is safe for use by multiple goroutines; exchanges are serialized
// so only one request is ever outstanding on the socket.
type Client struct {
	conn     net.Conn
	reader   *bufio.Reader
	logger   zerolog.Logger
	endpoint Endpoint
	mu       sync.Mutex
	state    State
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for connection transitions.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// New creates a disconnected Client for ep.
func New(ep Endpoint, opts ...Option) *Client {
	c := &Client{
		endpoint: ep,
		logger:   zerolog.Nop(),
		state:    Disconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("server", ep.Tag).Str("addr", ep.Address()).Logger()
	return c
}

// Endpoint returns the endpoint the client talks to.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// Tag returns the endpoint tag.
func (c *Client) Tag() string {
	return c.endpoint.Tag
}

// State returns the last observed connection state without side effects.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens a new socket to the endpoint, replacing any existing one.
// It fails with *ConnectionError when the dial fails.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	c.closeLocked()

	dialer := &net.Dialer{Timeout: c.endpoint.Timeout}
	conn, err := dialer.DialContext(context.Background(), "tcp", c.endpoint.Address())
	if err != nil {
		c.logger.Debug().Err(err).Msg("connect failed")
		return &ConnectionError{Tag: c.endpoint.Tag, Addr: c.endpoint.Address(), Err: err}
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	c.state = Connected
	c.logger.Debug().Msg("connected")
	return nil
}

// IsConnected reports whether the client holds a socket whose last exchange
// did not time out. A timed-out socket is closed and dropped by this check.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == TimedOut {
		c.logger.Debug().Msg("discarding timed out connection")
		c.closeLocked()
	}
	return c.conn != nil && c.state == Connected
}

// Disconnect sends QUIT if connected and then releases the socket. The QUIT
// exchange is best effort; its outcome never affects the result.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.state == Connected {
		_, _ = c.exchangeLocked(protocol.NewCommand("QUIT"))
	}
	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("close failed")
		}
	}
	c.conn = nil
	c.reader = nil
	c.state = Disconnected
}

// Ping checks liveness. It fails with *ConnectionError when the client is
// not connected, and with *OpError unless the server answers PONG.
func (c *Client) Ping() error {
	if !c.IsConnected() {
		return &ConnectionError{Tag: c.endpoint.Tag, Addr: c.endpoint.Address(), Err: ErrNotConnected}
	}

	reply, err := c.do("ping", protocol.NewCommand("PING"))
	if err != nil {
		return err
	}
	if reply.Type != protocol.ReplyStatus || !strings.EqualFold(reply.Str, "PONG") {
		return c.badReply("ping", reply)
	}
	return nil
}

// Set stores value under key. A TTL of at least one second is sent as
// SETEX with whole seconds; anything shorter stores the key without expiry.
// It fails with *OpError unless the server answers OK.
func (c *Client) Set(key, value string, ttl time.Duration) error {
	var cmd *protocol.Command
	if secs := int64(ttl / time.Second); secs > 0 {
		cmd = protocol.NewCommand("SETEX", key, strconv.FormatInt(secs, 10), value)
	} else {
		cmd = protocol.NewCommand("SET", key, value)
	}

	reply, err := c.do("set", cmd)
	if err != nil {
		return err
	}
	if !isOK(reply) {
		return c.badReply("set", reply)
	}
	return nil
}

// Get returns the raw reply for key: a bulk string, an integer, or a nil
// reply when the key does not exist.
func (c *Client) Get(key string) (*protocol.Reply, error) {
	return c.do("get", protocol.NewCommand("GET", key))
}

// Has reports whether key exists.
func (c *Client) Has(key string) (bool, error) {
	return c.intIsOne("has", protocol.NewCommand("EXISTS", key))
}

// Delete removes key and reports whether it existed.
func (c *Client) Delete(key string) (bool, error) {
	return c.intIsOne("delete", protocol.NewCommand("DEL", key))
}

// Flush removes every key on the server and reports whether the server
// acknowledged it.
func (c *Client) Flush() (bool, error) {
	reply, err := c.do("flush", protocol.NewCommand("FLUSHALL"))
	if err != nil {
		return false, err
	}
	return isOK(reply), nil
}

// Do tokenizes a text command line and sends it, returning the raw reply.
//
// Example:
//
//	reply, err := c.Do(`SET motd "hello there"`)
func (c *Client) Do(line string) (*protocol.Reply, error) {
	cmd, err := protocol.ParseCommandLine(line)
	if err != nil {
		return nil, err
	}
	return c.do(strings.ToLower(cmd.Name()), cmd)
}

func (c *Client) intIsOne(op string, cmd *protocol.Command) (bool, error) {
	reply, err := c.do(op, cmd)
	if err != nil {
		return false, err
	}
	if reply.Type != protocol.ReplyInteger {
		return false, c.badReply(op, reply)
	}
	return reply.Int == 1, nil
}

// do runs one exchange, connecting first when no socket is open.
func (c *Client) do(op string, cmd *protocol.Command) (*protocol.Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == TimedOut {
		c.closeLocked()
	}
	if c.conn == nil {
		if err := c.connectLocked(); err != nil {
			return nil, err
		}
	}

	reply, err := c.exchangeLocked(cmd)
	if err != nil {
		return nil, &OpError{Tag: c.endpoint.Tag, Op: op, Err: err}
	}
	return reply, nil
}

// exchangeLocked writes cmd and reads one reply, updating the state on
// timeouts and closed streams.
func (c *Client) exchangeLocked(cmd *protocol.Command) (*protocol.Reply, error) {
	if c.endpoint.Timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(c.endpoint.Timeout)); err != nil {
			return nil, err
		}
	}

	if err := protocol.WriteCommand(c.conn, cmd); err != nil {
		c.noteFailure(err)
		return nil, err
	}

	reply, err := protocol.ReadReply(c.reader)
	if err != nil {
		c.noteFailure(err)
		return nil, err
	}
	return reply, nil
}

func (c *Client) noteFailure(err error) {
	var (
		netErr net.Error
		srvErr *protocol.ServerError
	)
	switch {
	case errors.As(err, &srvErr):
	case errors.Is(err, protocol.ErrTimeout), errors.As(err, &netErr) && netErr.Timeout():
		c.logger.Warn().Err(err).Msg("connection timed out")
		c.state = TimedOut
	default:
		// Closed stream, broken pipe or a desynchronized reply: the socket
		// cannot serve another exchange.
		c.logger.Debug().Err(err).Msg("dropping connection")
		c.closeLocked()
	}
}

func (c *Client) badReply(op string, reply *protocol.Reply) error {
	return &OpError{Tag: c.endpoint.Tag, Op: op, Err: fmt.Errorf("%w: %s", ErrBadReply, reply)}
}

func isOK(reply *protocol.Reply) bool {
	return reply.Type == protocol.ReplyStatus && reply.Str == "OK"
}
