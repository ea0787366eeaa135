package protocol

import (
	"fmt"
	"strings"
)

// ParseCommandLine tokenizes a text command such as
//
//	SET greeting "hello world"
//
// into a Command. Tokens are separated by spaces or tabs; a double-quoted
// segment is one token and may contain whitespace. Inside quotes, \" and \\
// stand for a literal quote and backslash. An empty quoted segment ("") is an
// empty argument.
//
// Example:
//
//	cmd, err := protocol.ParseCommandLine(`SET k "a b"`)
//	// cmd.Args == []string{"SET", "k", "a b"}
func ParseCommandLine(line string) (*Command, error) {
	var (
		args    []string
		current strings.Builder
		inQuote bool
		inToken bool
	)

	for i := 0; i < len(line); i++ {
		ch := line[i]
		switch {
		case inQuote && ch == '\\' && i+1 < len(line) && (line[i+1] == '"' || line[i+1] == '\\'):
			current.WriteByte(line[i+1])
			i++
		case ch == '"':
			inQuote = !inQuote
			inToken = true
		case !inQuote && (ch == ' ' || ch == '\t' || ch == '\r' || ch == '\n'):
			if inToken {
				args = append(args, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteByte(ch)
			inToken = true
		}
	}

	if inQuote {
		return nil, fmt.Errorf("unterminated quote in command: %s", line)
	}
	if inToken {
		args = append(args, current.String())
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("empty command")
	}
	return &Command{Args: args}, nil
}
