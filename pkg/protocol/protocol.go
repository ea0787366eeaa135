// Package protocol implements the RESP line protocol spoken between cachewire
// clients and Redis-compatible servers.
//
// Requests are arrays of binary-safe bulk strings:
//
//	*<argc>\r\n
//	$<len>\r\n<bytes>\r\n   (once per argument)
//
// Replies are single type-tagged lines, bulk strings additionally followed by
// the declared number of bytes and a CRLF terminator:
//
//	+OK\r\n          status
//	-ERR message\r\n error
//	:1\r\n           integer
//	$5\r\nhello\r\n  bulk string ($-1 is nil)
//
// Example usage:
//
//	cmd, err := protocol.ParseCommandLine(`SET greeting "hello world"`)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := protocol.WriteCommand(conn, cmd); err != nil {
//		log.Fatal(err)
//	}
//	reply, err := protocol.ReadReply(bufio.NewReader(conn))
//
// The package also carries the server-side halves (ReadCommand, WriteReply)
// used by the development server.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// Protocol constants
const (
	crlf = "\r\n"

	// errorPrefixWidth is the width of the "-ERR " prefix stripped from error
	// replies before the message is surfaced.
	errorPrefixWidth = 5

	maxBulkLen  = 512 * 1024 * 1024
	maxArgCount = 1024 * 1024
)

var (
	// ErrNoData is returned when the stream ends before a reply line arrives.
	ErrNoData = errors.New("no data received from server")
	// ErrTimeout is returned when the stream's deadline expires while waiting for a reply.
	ErrTimeout = errors.New("timed out waiting for server reply")
	// ErrUnexpectedReply is returned for a reply line with an unknown type tag.
	ErrUnexpectedReply = errors.New("unexpected response")
)

// ServerError is an error reply sent by the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// ReplyType identifies the shape of a server reply.
type ReplyType uint8

// Reply type constants mirror the RESP type tags.
const (
	ReplyStatus  ReplyType = iota // +OK
	ReplyError                    // -ERR message (server side only; clients see *ServerError)
	ReplyInteger                  // :42
	ReplyBulk                     // $5 hello
	ReplyNil                      // $-1
)

func (t ReplyType) String() string {
	switch t {
	case ReplyStatus:
		return "status"
	case ReplyError:
		return "error"
	case ReplyInteger:
		return "integer"
	case ReplyBulk:
		return "bulk"
	case ReplyNil:
		return "nil"
	default:
		return fmt.Sprintf("ReplyType(%d)", uint8(t))
	}
}

// Command is one request: the command name followed by its arguments.
//
// Example:
//
//	cmd := protocol.NewCommand("SETEX", "session:abc", "60", "payload")
type Command struct {
	Args []string
}

// NewCommand builds a Command from a name and its arguments.
func NewCommand(name string, args ...string) *Command {
	return &Command{Args: append([]string{name}, args...)}
}

// Name returns the upper-cased command name, or "" for an empty command.
func (c *Command) Name() string {
	if len(c.Args) == 0 {
		return ""
	}
	return strings.ToUpper(c.Args[0])
}

// Serialize converts a Command into its RESP array representation.
//
// Example:
//
//	protocol.NewCommand("GET", "k").Serialize()
//	// "*2\r\n$3\r\nGET\r\n$1\r\nk\r\n"
func (c *Command) Serialize() []byte {
	size := 16
	for _, arg := range c.Args {
		size += len(arg) + 16
	}
	buf := make([]byte, 0, size)

	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(c.Args)), 10)
	buf = append(buf, crlf...)
	for _, arg := range c.Args {
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(arg)), 10)
		buf = append(buf, crlf...)
		buf = append(buf, arg...)
		buf = append(buf, crlf...)
	}
	return buf
}

// Reply is a parsed server reply. Str holds status and bulk payloads, Int
// holds integer payloads; a ReplyNil carries neither.
type Reply struct {
	Str  string
	Int  int64
	Type ReplyType
}

// IsNil reports whether the reply is a nil bulk string.
func (r *Reply) IsNil() bool {
	return r == nil || r.Type == ReplyNil
}

// Text returns the reply payload as a string: the verbatim text of status
// and bulk replies, the decimal form of integer replies, "" for nil.
func (r *Reply) Text() string {
	switch {
	case r == nil:
		return ""
	case r.Type == ReplyInteger:
		return strconv.FormatInt(r.Int, 10)
	case r.Type == ReplyNil:
		return ""
	default:
		return r.Str
	}
}

func (r *Reply) String() string {
	switch {
	case r.IsNil():
		return "(nil)"
	case r.Type == ReplyInteger:
		return "(integer) " + strconv.FormatInt(r.Int, 10)
	case r.Type == ReplyError:
		return "(error) " + r.Str
	case r.Type == ReplyBulk:
		return strconv.Quote(r.Str)
	default:
		return r.Str
	}
}

// StatusReply returns a status reply with the given text.
func StatusReply(text string) *Reply { return &Reply{Type: ReplyStatus, Str: text} }

// ErrorReply returns an error reply; the message is sent after "-ERR ".
func ErrorReply(msg string) *Reply { return &Reply{Type: ReplyError, Str: msg} }

// IntegerReply returns an integer reply.
func IntegerReply(n int64) *Reply { return &Reply{Type: ReplyInteger, Int: n} }

// BulkReply returns a bulk string reply.
func BulkReply(s string) *Reply { return &Reply{Type: ReplyBulk, Str: s} }

// NilReply returns a nil bulk reply.
func NilReply() *Reply { return &Reply{Type: ReplyNil} }

// WriteCommand serializes cmd onto w.
func WriteCommand(w io.Writer, cmd *Command) error {
	if len(cmd.Args) == 0 {
		return fmt.Errorf("empty command")
	}
	_, err := w.Write(cmd.Serialize())
	return err
}

// ReadReply reads exactly one reply from r.
//
// The first byte of the reply line selects the reply type. Error replies are
// returned as *ServerError with the fixed "-ERR " prefix removed. A read that
// yields no data fails with ErrNoData, or ErrTimeout when the underlying
// stream reports a deadline timeout.
//
// Example:
//
//	reply, err := protocol.ReadReply(reader)
//	var srvErr *protocol.ServerError
//	if errors.As(err, &srvErr) {
//		log.Printf("server refused: %s", srvErr.Message)
//	}
func ReadReply(r *bufio.Reader) (*Reply, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if line == "" {
		return nil, fmt.Errorf("%w: empty line", ErrUnexpectedReply)
	}

	switch line[0] {
	case '-':
		msg := ""
		if len(line) > errorPrefixWidth {
			msg = line[errorPrefixWidth:]
		}
		return nil, &ServerError{Message: msg}
	case '+':
		return StatusReply(line[1:]), nil
	case ':':
		n, err := strconv.ParseInt(line[1:], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid integer %q", ErrUnexpectedReply, line[1:])
		}
		return IntegerReply(n), nil
	case '$':
		return readBulk(r, line[1:])
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnexpectedReply, line)
	}
}

func readBulk(r *bufio.Reader, header string) (*Reply, error) {
	size, err := strconv.Atoi(header)
	if err != nil || size < -1 || size > maxBulkLen {
		return nil, fmt.Errorf("%w: invalid bulk length %q", ErrUnexpectedReply, header)
	}
	if size == -1 {
		return NilReply(), nil
	}

	data := make([]byte, size+len(crlf))
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, classifyReadError(err)
	}
	// The payload is taken as is; only the terminator is checked.
	if string(data[size:]) != crlf {
		return nil, fmt.Errorf("%w: bulk of length %d not terminated by CRLF", ErrUnexpectedReply, size)
	}
	return BulkReply(string(data[:size])), nil
}

// readLine reads one CRLF (or bare LF) terminated line without its terminator.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", classifyReadError(err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func classifyReadError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrNoData, err)
	}
	return err
}

// WriteReply serializes a reply onto w.
func WriteReply(w io.Writer, reply *Reply) error {
	var buf []byte
	switch reply.Type {
	case ReplyStatus:
		buf = append(buf, '+')
		buf = append(buf, reply.Str...)
	case ReplyError:
		buf = append(buf, "-ERR "...)
		buf = append(buf, reply.Str...)
	case ReplyInteger:
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, reply.Int, 10)
	case ReplyBulk:
		buf = append(buf, '$')
		buf = strconv.AppendInt(buf, int64(len(reply.Str)), 10)
		buf = append(buf, crlf...)
		buf = append(buf, reply.Str...)
	case ReplyNil:
		buf = append(buf, "$-1"...)
	default:
		return fmt.Errorf("unknown reply type: %s", reply.Type)
	}
	buf = append(buf, crlf...)
	_, err := w.Write(buf)
	return err
}

// ReadCommand reads one request from r. Both RESP arrays and inline
// commands (a plain text line, tokenized like ParseCommandLine) are accepted.
// It returns io.EOF when the stream ends cleanly between commands.
func ReadCommand(r *bufio.Reader) (*Command, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if line == "" {
			return nil, err
		}
		return nil, io.ErrUnexpectedEOF
	}
	line = strings.TrimRight(line, "\r\n")

	if !strings.HasPrefix(line, "*") {
		return ParseCommandLine(line)
	}

	argc, err := strconv.Atoi(line[1:])
	if err != nil || argc < 0 || argc > maxArgCount {
		return nil, fmt.Errorf("invalid argument count %q", line[1:])
	}

	cmd := &Command{Args: make([]string, 0, argc)}
	for i := 0; i < argc; i++ {
		header, err := r.ReadString('\n')
		if err != nil {
			return nil, io.ErrUnexpectedEOF
		}
		header = strings.TrimRight(header, "\r\n")
		if !strings.HasPrefix(header, "$") {
			return nil, fmt.Errorf("expected bulk header, got %q", header)
		}
		size, err := strconv.Atoi(header[1:])
		if err != nil || size < 0 || size > maxBulkLen {
			return nil, fmt.Errorf("invalid bulk length %q", header[1:])
		}
		data := make([]byte, size+len(crlf))
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, io.ErrUnexpectedEOF
		}
		cmd.Args = append(cmd.Args, string(data[:size]))
	}
	return cmd, nil
}
