package resp

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encode(t *testing.T, v Value) string {
	t.Helper()
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteValue(v))
	require.NoError(t, w.Flush())
	return buf.String()
}

func TestWriteValue(t *testing.T) {
	tests := []struct {
		name string
		in   Value
		want string
	}{
		{name: "ok", in: OK(), want: "+OK\r\n"},
		{name: "error", in: Errorf("wrong number of arguments for '%s' command", "secure.get"), want: "-ERR wrong number of arguments for 'secure.get' command\r\n"},
		{name: "integer", in: Integer(1), want: ":1\r\n"},
		{name: "bulk", in: BulkString("hello"), want: "$5\r\nhello\r\n"},
		{name: "empty bulk", in: BulkString(""), want: "$0\r\n\r\n"},
		{name: "null", in: Null(), want: "$-1\r\n"},
		{name: "empty array", in: Array(), want: "*0\r\n"},
		{name: "keys", in: BulkStrings([]string{"a", "bc"}), want: "*2\r\n$1\r\na\r\n$2\r\nbc\r\n"},
		{name: "newline in status", in: Error("ERR a\r\nb"), want: "-ERR a  b\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, encode(t, tt.in))
		})
	}
}

func TestReadValue_RoundTripsReplies(t *testing.T) {
	in := "+OK\r\n-ERR boom\r\n:0\r\n$3\r\nv\r\n\r\n$-1\r\n*2\r\n$1\r\na\r\n*-1\r\n"
	r := NewReader(strings.NewReader(in))

	want := []Value{
		OK(),
		Error("ERR boom"),
		Integer(0),
		BulkString("v\r\n"),
		Null(),
	}

	for _, w := range want {
		got, err := r.ReadValue()
		require.NoError(t, err)
		assert.Equal(t, w, got)
	}

	arr, err := r.ReadValue()
	require.NoError(t, err)
	require.Equal(t, KindArray, arr.Kind)
	require.Len(t, arr.Array, 2)
	assert.Equal(t, BulkString("a"), arr.Array[0])
	assert.True(t, arr.Array[1].IsNull())

	_, err = r.ReadValue()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadCommand_MultiBulk(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteCommand([]byte("secure.set"), []byte("k"), []byte("a b\r\nc")))
	require.NoError(t, w.Flush())

	args, err := NewReader(&buf).ReadCommand()
	require.NoError(t, err)
	require.Len(t, args, 3)
	assert.Equal(t, "secure.set", string(args[0]))
	assert.Equal(t, "k", string(args[1]))
	assert.Equal(t, "a b\r\nc", string(args[2]))
}

func TestReadCommand_Inline(t *testing.T) {
	r := NewReader(strings.NewReader("secure.get  key\r\n\r\nPING\n"))

	args, err := r.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("secure.get"), []byte("key")}, args)

	args, err = r.ReadCommand()
	require.NoError(t, err)
	assert.Empty(t, args)

	args, err = r.ReadCommand()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("PING")}, args)
}

func TestReadCommand_InlineQuoting(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{name: "double quoted spaces", in: `secure.set k "hello world"`, want: []string{"secure.set", "k", "hello world"}},
		{name: "single quoted", in: `secure.set 'my key' v`, want: []string{"secure.set", "my key", "v"}},
		{name: "escapes", in: `secure.set k "a\tb\n\"c\"\\"`, want: []string{"secure.set", "k", "a\tb\n\"c\"\\"}},
		{name: "hex escape", in: `secure.set k "\x41\x7a"`, want: []string{"secure.set", "k", "Az"}},
		{name: "escaped single quote", in: `secure.set k 'it\'s'`, want: []string{"secure.set", "k", "it's"}},
		{name: "single quotes keep backslashes", in: `secure.set k 'a\nb'`, want: []string{"secure.set", "k", `a\nb`}},
		{name: "empty quoted argument", in: `secure.set k ""`, want: []string{"secure.set", "k", ""}},
		{name: "tabs separate", in: "secure.get\tk", want: []string{"secure.get", "k"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := NewReader(strings.NewReader(tt.in + "\r\n")).ReadCommand()
			require.NoError(t, err)
			got := make([]string, len(args))
			for i, a := range args {
				got[i] = string(a)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReadCommand_InlineUnbalancedQuotes(t *testing.T) {
	for _, in := range []string{
		`secure.set k "open`,
		`secure.set k 'open`,
		`secure.set k "closed"trailing`,
		`secure.set k "ends with backslash\`,
	} {
		_, err := NewReader(strings.NewReader(in + "\r\n")).ReadCommand()
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, ErrProtocol), "expected ErrProtocol for %q, got %v", in, err)
		assert.ErrorContains(t, err, "unbalanced quotes")
	}
}

func TestReadCommand_InlineTooLong(t *testing.T) {
	line := "secure.set k " + strings.Repeat("v", maxInlineLen) + "\r\n"
	_, err := NewReader(strings.NewReader(line)).ReadCommand()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocol))
	assert.ErrorContains(t, err, "too big inline request")
}

func TestReadCommand_InlineAtLimitSpansBufferReads(t *testing.T) {
	value := strings.Repeat("v", maxInlineLen-len("secure.set k "))
	args, err := NewReader(strings.NewReader("secure.set k " + value + "\r\nPING\r\n")).ReadCommand()
	require.NoError(t, err)
	require.Len(t, args, 3)
	assert.Equal(t, value, string(args[2]))
}

func TestReadValue_LineWithoutTerminatorIsBounded(t *testing.T) {
	// A peer streaming an endless simple string must not grow the buffer.
	src := io.MultiReader(strings.NewReader("+"), neverEnding('a'))
	_, err := NewReader(src).ReadValue()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProtocol))
	assert.ErrorContains(t, err, "line too long")
}

type neverEnding byte

func (b neverEnding) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(b)
	}
	return len(p), nil
}

func TestReadCommand_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "bad multibulk length", in: "*x\r\n"},
		{name: "non bulk element", in: "*1\r\n:1\r\n"},
		{name: "bad bulk length", in: "*1\r\n$abc\r\n"},
		{name: "missing crlf", in: "*1\r\n$1\r\nabc\r\n"},
		{name: "null bulk", in: "*1\r\n$-1\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReader(strings.NewReader(tt.in)).ReadCommand()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrProtocol), "expected ErrProtocol, got %v", err)
		})
	}
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "OK", OK().String())
	assert.Equal(t, "(nil)", Null().String())
	assert.Equal(t, "(integer) 1", Integer(1).String())
	assert.Equal(t, "(empty array)", Array().String())
	assert.Equal(t, "1) \"a\"\n2) \"b\"", BulkStrings([]string{"a", "b"}).String())
}
