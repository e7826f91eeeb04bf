package command

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/i-melnichenko/secure-storage/internal/kv"
	"github.com/i-melnichenko/secure-storage/internal/resp"
)

// ErrWrongArity is returned when a command receives the wrong number of
// arguments. Nothing has been touched when it is returned.
var ErrWrongArity = errors.New("command: wrong number of arguments")

// DecodingError reports an argument that is not a valid UTF-8 string.
type DecodingError struct {
	Index int
}

func (e *DecodingError) Error() string {
	return fmt.Sprintf("command: invalid UTF-8 in argument %d", e.Index)
}

// checkArity rejects invocations whose length, command name included,
// differs from arity.
func checkArity(args [][]byte, arity int) error {
	if len(args) != arity {
		return ErrWrongArity
	}
	return nil
}

// argIter hands out positional arguments after the command name.
type argIter struct {
	args [][]byte
	pos  int
}

func newArgIter(args [][]byte) *argIter {
	return &argIter{args: args, pos: 1}
}

// nextString decodes the next argument. Callers check arity first.
func (it *argIter) nextString() (string, error) {
	if it.pos >= len(it.args) {
		return "", ErrWrongArity
	}
	raw := it.args[it.pos]
	idx := it.pos
	it.pos++
	if !utf8.Valid(raw) {
		return "", &DecodingError{Index: idx}
	}
	return string(raw), nil
}

// ErrorReply converts a handler error into the reply sent to the client.
func ErrorReply(name string, err error) resp.Value {
	var decErr *DecodingError
	switch {
	case errors.Is(err, ErrWrongArity):
		return resp.Errorf("wrong number of arguments for '%s' command", name)
	case errors.As(err, &decErr):
		return resp.Errorf("invalid UTF-8 in argument %d", decErr.Index)
	case errors.Is(err, kv.ErrUnavailable):
		prefix := strings.TrimSuffix(err.Error(), kv.ErrUnavailable.Error())
		return resp.Errorf("%sstore unavailable", prefix)
	default:
		return resp.Errorf("%s", err.Error())
	}
}

func resultLabel(err error) string {
	var decErr *DecodingError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrWrongArity):
		return "arity_error"
	case errors.As(err, &decErr):
		return "decoding_error"
	case errors.Is(err, kv.ErrUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}
