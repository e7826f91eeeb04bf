package resp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrProtocol is returned for malformed RESP input.
var ErrProtocol = errors.New("resp: protocol error")

var errLineTooLong = fmt.Errorf("%w: line too long", ErrProtocol)

const (
	// MaxBulkLen bounds a single bulk string, matching the Redis default.
	MaxBulkLen = 512 << 20
	// MaxArrayLen bounds the number of elements in one request.
	MaxArrayLen = 1 << 20

	// maxInlineLen bounds any CRLF-terminated line, inline requests included.
	maxInlineLen = 64 << 10
)

// Reader decodes RESP requests and replies from a buffered stream.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r in a RESP decoder.
func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{r: br}
	}
	return &Reader{r: bufio.NewReader(r)}
}

// Buffered returns the number of bytes already read from the stream but not
// yet decoded. A server flushes replies once it reaches zero.
func (r *Reader) Buffered() int { return r.r.Buffered() }

// ReadCommand reads one client request. Both RESP arrays of bulk strings and
// inline commands ("SET k v\r\n") are accepted. An empty inline line yields an
// empty, non-nil slice.
func (r *Reader) ReadCommand() ([][]byte, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return nil, err
	}
	if b != '*' {
		if err := r.r.UnreadByte(); err != nil {
			return nil, err
		}
		return r.readInline()
	}

	n, err := r.readLength()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return [][]byte{}, nil
	}
	if n > MaxArrayLen {
		return nil, fmt.Errorf("%w: invalid multibulk length", ErrProtocol)
	}

	args := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		b, err := r.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != '$' {
			return nil, fmt.Errorf("%w: expected '$', got '%c'", ErrProtocol, b)
		}
		arg, null, err := r.readBulk()
		if err != nil {
			return nil, err
		}
		if null {
			return nil, fmt.Errorf("%w: null bulk string in request", ErrProtocol)
		}
		args = append(args, arg)
	}
	return args, nil
}

// ReadValue reads one reply of any RESP2 kind.
func (r *Reader) ReadValue() (Value, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return Value{}, err
	}

	switch b {
	case '+':
		line, err := r.readLine()
		if err != nil {
			return Value{}, err
		}
		return SimpleString(line), nil
	case '-':
		line, err := r.readLine()
		if err != nil {
			return Value{}, err
		}
		return Error(line), nil
	case ':':
		line, err := r.readLine()
		if err != nil {
			return Value{}, err
		}
		n, err := strconv.ParseInt(line, 10, 64)
		if err != nil {
			return Value{}, fmt.Errorf("%w: invalid integer %q", ErrProtocol, line)
		}
		return Integer(n), nil
	case '$':
		data, null, err := r.readBulk()
		if err != nil {
			return Value{}, err
		}
		if null {
			return Null(), nil
		}
		return BulkString(string(data)), nil
	case '*':
		n, err := r.readLength()
		if err != nil {
			return Value{}, err
		}
		if n < 0 {
			return Null(), nil
		}
		if n > MaxArrayLen {
			return Value{}, fmt.Errorf("%w: invalid multibulk length", ErrProtocol)
		}
		items := make([]Value, 0, n)
		for i := 0; i < n; i++ {
			item, err := r.ReadValue()
			if err != nil {
				return Value{}, err
			}
			items = append(items, item)
		}
		return Array(items...), nil
	default:
		return Value{}, fmt.Errorf("%w: unexpected type byte '%c'", ErrProtocol, b)
	}
}

func (r *Reader) readInline() ([][]byte, error) {
	line, err := r.readLine()
	if errors.Is(err, errLineTooLong) {
		return nil, fmt.Errorf("%w: too big inline request", ErrProtocol)
	}
	if err != nil {
		return nil, err
	}
	return splitInline(line)
}

// splitInline splits an inline request the way redis-cli quotes arguments.
// Double quotes understand \n \r \t \b \a \xHH and escaped characters;
// single quotes only \'. A closing quote must end the argument.
func splitInline(line string) ([][]byte, error) {
	args := [][]byte{}
	i := 0
	for {
		for i < len(line) && isInlineSpace(line[i]) {
			i++
		}
		if i == len(line) {
			return args, nil
		}

		var (
			arg    []byte
			quote  byte
			closed bool
		)
		for !closed {
			if i == len(line) {
				if quote != 0 {
					return nil, fmt.Errorf("%w: unbalanced quotes in request", ErrProtocol)
				}
				break
			}
			c := line[i]
			switch {
			case quote == '"' && c == '\\' && i+3 < len(line) && line[i+1] == 'x' &&
				isHex(line[i+2]) && isHex(line[i+3]):
				arg = append(arg, unhex(line[i+2])<<4|unhex(line[i+3]))
				i += 3
			case quote == '"' && c == '\\' && i+1 < len(line):
				i++
				switch e := line[i]; e {
				case 'n':
					arg = append(arg, '\n')
				case 'r':
					arg = append(arg, '\r')
				case 't':
					arg = append(arg, '\t')
				case 'b':
					arg = append(arg, '\b')
				case 'a':
					arg = append(arg, '\a')
				default:
					arg = append(arg, e)
				}
			case quote == '\'' && c == '\\' && i+1 < len(line) && line[i+1] == '\'':
				arg = append(arg, '\'')
				i++
			case quote != 0 && c == quote:
				if i+1 < len(line) && !isInlineSpace(line[i+1]) {
					return nil, fmt.Errorf("%w: unbalanced quotes in request", ErrProtocol)
				}
				closed = true
			case quote != 0:
				arg = append(arg, c)
			case isInlineSpace(c):
				closed = true
			case c == '"' || c == '\'':
				quote = c
			default:
				arg = append(arg, c)
			}
			i++
		}
		if arg == nil {
			arg = []byte{}
		}
		args = append(args, arg)
	}
}

func isInlineSpace(c byte) bool {
	switch c {
	case ' ', '\t', '\n', '\r', '\v', '\f':
		return true
	}
	return false
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func unhex(c byte) byte {
	switch {
	case c <= '9':
		return c - '0'
	case c <= 'F':
		return c - 'A' + 10
	default:
		return c - 'a' + 10
	}
}

func (r *Reader) readBulk() ([]byte, bool, error) {
	n, err := r.readLength()
	if err != nil {
		return nil, false, err
	}
	if n < 0 {
		return nil, true, nil
	}
	if n > MaxBulkLen {
		return nil, false, fmt.Errorf("%w: invalid bulk length", ErrProtocol)
	}

	buf := make([]byte, n+2) // +2 for \r\n
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, false, err
	}
	if buf[n] != '\r' || buf[n+1] != '\n' {
		return nil, false, fmt.Errorf("%w: bulk string not terminated by CRLF", ErrProtocol)
	}
	return buf[:n], false, nil
}

func (r *Reader) readLength() (int, error) {
	line, err := r.readLine()
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(line)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid length %q", ErrProtocol, line)
	}
	return n, nil
}

// readLine reads up to and including the next '\n' and strips the line
// terminator. Lines longer than maxInlineLen fail without buffering the rest.
func (r *Reader) readLine() (string, error) {
	var line []byte
	for {
		chunk, err := r.r.ReadSlice('\n')
		if len(line)+len(chunk) > maxInlineLen+2 {
			return "", errLineTooLong
		}
		switch {
		case err == nil:
			if line == nil {
				return strings.TrimRight(string(chunk), "\r\n"), nil
			}
			line = append(line, chunk...)
			return strings.TrimRight(string(line), "\r\n"), nil
		case errors.Is(err, bufio.ErrBufferFull):
			line = append(line, chunk...)
		default:
			return "", err
		}
	}
}
