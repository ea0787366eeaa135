// Package server implements a small RESP server for local development and
// tests.
//
// It understands the command subset cachewire clients send (PING, GET, SET,
// SETEX, EXISTS, DEL, FLUSHALL, QUIT) and stores values in an in-memory
// store. It is not a Redis replacement.
//
// Example usage:
//
//	srv := server.New("127.0.0.1:6380")
//	if err := srv.Listen(); err != nil {
//		log.Fatal(err)
//	}
//	go srv.Serve()
//	defer srv.Stop()
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cachemir/cachewire/internal/store"
	"github.com/cachemir/cachewire/pkg/protocol"
)

// Server timeout defaults
const (
	defaultReadTimeout  = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

type handler func(args []string) *protocol.Reply

// Server is a RESP server backed by a store.Store.
type Server struct {
	store        *store.Store
	listener     net.Listener
	handlers     map[string]handler
	conns        map[net.Conn]struct{}
	logger       zerolog.Logger
	addr         string
	readTimeout  time.Duration
	writeTimeout time.Duration
	mu           sync.Mutex
	wg           sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithTimeouts sets the per-command read and write deadlines.
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// New creates a Server that will listen on addr ("host:port"; port 0 picks
// a free port). The server does not listen until Listen or Start is called.
func New(addr string, opts ...Option) *Server {
	s := &Server{
		store:        store.New(),
		conns:        make(map[net.Conn]struct{}),
		logger:       zerolog.Nop(),
		addr:         addr,
		readTimeout:  defaultReadTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.handlers = map[string]handler{
		"PING":     s.handlePing,
		"GET":      s.handleGet,
		"SET":      s.handleSet,
		"SETEX":    s.handleSetEx,
		"EXISTS":   s.handleExists,
		"DEL":      s.handleDel,
		"FLUSHALL": s.handleFlushAll,
	}
	return s
}

// Listen binds the listening socket.
func (s *Server) Listen() error {
	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("cachewire dev server listening")
	return nil
}

// Start listens and serves until Stop is called.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Serve accepts connections on the bound listener until it is closed.
// It returns nil after Stop.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("server is not listening")
	}

	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn().Err(err).Msg("failed to accept connection")
			continue
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// Addr returns the bound address, or the configured one before Listen.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Port returns the bound TCP port, or 0 before Listen.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return 0
	}
	if a, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return a.Port
	}
	return 0
}

// Store exposes the backing store, mainly for tests.
func (s *Server) Store() *store.Store {
	return s.store
}

// Stop closes the listener and every open connection, then waits for the
// connection handlers to finish.
func (s *Server) Stop() error {
	s.mu.Lock()
	var err error
	if s.listener != nil {
		err = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.store.Close()
	return err
}

func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logger.Debug().Err(err).Msg("error closing connection")
		}
	}()

	logger := s.logger.With().Str("remote", conn.RemoteAddr().String()).Logger()
	reader := bufio.NewReader(conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
			logger.Debug().Err(err).Msg("error setting read deadline")
			return
		}

		cmd, err := protocol.ReadCommand(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug().Err(err).Msg("failed to read command")
			}
			return
		}

		quit := cmd.Name() == "QUIT"
		reply := protocol.StatusReply("OK")
		if !quit {
			reply = s.executeCommand(cmd)
		}

		if err := conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			logger.Debug().Err(err).Msg("error setting write deadline")
			return
		}
		if err := protocol.WriteReply(conn, reply); err != nil {
			logger.Debug().Err(err).Msg("failed to write reply")
			return
		}
		if quit {
			return
		}
	}
}

func (s *Server) executeCommand(cmd *protocol.Command) *protocol.Reply {
	name := cmd.Name()
	h, ok := s.handlers[name]
	if !ok {
		return protocol.ErrorReply(fmt.Sprintf("unknown command '%s'", strings.ToLower(name)))
	}
	return h(cmd.Args[1:])
}

func wrongArgs(name string) *protocol.Reply {
	return protocol.ErrorReply(fmt.Sprintf("wrong number of arguments for '%s' command", name))
}

func boolReply(b bool) *protocol.Reply {
	if b {
		return protocol.IntegerReply(1)
	}
	return protocol.IntegerReply(0)
}

func (s *Server) handlePing(args []string) *protocol.Reply {
	if len(args) == 1 {
		return protocol.BulkReply(args[0])
	}
	return protocol.StatusReply("PONG")
}

func (s *Server) handleGet(args []string) *protocol.Reply {
	if len(args) != 1 {
		return wrongArgs("get")
	}
	value, exists := s.store.Get(args[0])
	if !exists {
		return protocol.NilReply()
	}
	return protocol.BulkReply(value)
}

// handleSet accepts SET key value [EX seconds].
func (s *Server) handleSet(args []string) *protocol.Reply {
	switch {
	case len(args) == 2:
		s.store.Set(args[0], args[1], 0)
		return protocol.StatusReply("OK")
	case len(args) == 4 && strings.EqualFold(args[2], "EX"):
		ttl, err := parseSeconds(args[3])
		if err != nil {
			return protocol.ErrorReply(err.Error())
		}
		s.store.Set(args[0], args[1], ttl)
		return protocol.StatusReply("OK")
	default:
		return wrongArgs("set")
	}
}

func (s *Server) handleSetEx(args []string) *protocol.Reply {
	if len(args) != 3 {
		return wrongArgs("setex")
	}
	ttl, err := parseSeconds(args[1])
	if err != nil {
		return protocol.ErrorReply(err.Error())
	}
	s.store.Set(args[0], args[2], ttl)
	return protocol.StatusReply("OK")
}

func (s *Server) handleExists(args []string) *protocol.Reply {
	if len(args) == 0 {
		return wrongArgs("exists")
	}
	var n int64
	for _, key := range args {
		if s.store.Exists(key) {
			n++
		}
	}
	return protocol.IntegerReply(n)
}

func (s *Server) handleDel(args []string) *protocol.Reply {
	if len(args) == 0 {
		return wrongArgs("del")
	}
	if len(args) == 1 {
		return boolReply(s.store.Del(args[0]))
	}
	var n int64
	for _, key := range args {
		if s.store.Del(key) {
			n++
		}
	}
	return protocol.IntegerReply(n)
}

func (s *Server) handleFlushAll(_ []string) *protocol.Reply {
	s.store.Flush()
	return protocol.StatusReply("OK")
}

func parseSeconds(arg string) (time.Duration, error) {
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid expire time in 'setex' command")
	}
	return time.Duration(n) * time.Second, nil
}
