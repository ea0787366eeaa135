// Package respfake is a scripted RESP server for tests that need replies a
// real server would never send: error lines, garbage, silence, or a closed
// connection in the middle of an exchange.
//
// Each command received, on any connection, consumes the next queued Step.
//
//	fake := respfake.Start(t)
//	fake.Push(respfake.Raw("+OK\r\n"), respfake.Raw("-ERR boom\r\n"), respfake.Hang())
//	c := client.New(client.Endpoint{Host: "127.0.0.1", Port: fake.Port(), Timeout: 50 * time.Millisecond})
package respfake

import (
	"bufio"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/edwingeng/deque/v2"

	"github.com/cachemir/cachewire/pkg/protocol"
)

// noScript is sent when a command arrives with nothing queued.
const noScript = "-ERR no scripted reply\r\n"

// Step is one scripted reaction to a command.
type Step struct {
	Raw   string
	Hang  bool
	Close bool
}

// Raw replies with the given bytes verbatim.
func Raw(s string) Step { return Step{Raw: s} }

// Hang reads the command and never answers.
func Hang() Step { return Step{Hang: true} }

// CloseConn closes the connection instead of answering.
func CloseConn() Step { return Step{Close: true} }

// Server is the scripted server.
type Server struct {
	listener net.Listener
	steps    *deque.Deque[Step]
	done     chan struct{}
	commands [][]string
	mu       sync.Mutex
	accepted int
}

// Start listens on a free loopback port and stops the server when the test
// finishes.
func Start(t testing.TB) *Server {
	t.Helper()

	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("respfake: listen: %v", err)
	}

	s := &Server{
		listener: listener,
		steps:    deque.NewDeque[Step](),
		done:     make(chan struct{}),
	}
	go s.serve()
	t.Cleanup(s.Close)
	return s
}

// Push queues steps in order.
func (s *Server) Push(steps ...Step) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, step := range steps {
		s.steps.PushFront(step)
	}
}

// Pending returns the number of queued steps not yet consumed.
func (s *Server) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps.Len()
}

// Commands returns the argument vectors received so far.
func (s *Server) Commands() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// Accepted returns the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Port returns the listening port.
func (s *Server) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

// Close stops accepting and releases hung connections.
func (s *Server) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
		_ = s.listener.Close()
	}
}

func (s *Server) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.accepted++
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *Server) next(cmd *protocol.Command) Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd.Args)
	if s.steps.Len() == 0 {
		return Raw(noScript)
	}
	return s.steps.PopBack()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	go func() {
		<-s.done
		_ = conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		cmd, err := protocol.ReadCommand(reader)
		if err != nil {
			return
		}

		step := s.next(cmd)
		switch {
		case step.Close:
			return
		case step.Hang:
			select {
			case <-s.done:
			case <-time.After(time.Minute):
			}
			return
		default:
			if _, err := conn.Write([]byte(step.Raw)); err != nil {
				return
			}
		}
	}
}
