// Package resp implements the RESP2 wire format spoken by the host server and
// the securectl client.
package resp

import (
	"fmt"
	"strings"
)

// Kind identifies the RESP2 type of a Value.
type Kind uint8

// Supported RESP2 kinds.
const (
	KindSimpleString Kind = iota + 1
	KindError
	KindInteger
	KindBulkString
	KindNull
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindSimpleString:
		return "simple-string"
	case KindError:
		return "error"
	case KindInteger:
		return "integer"
	case KindBulkString:
		return "bulk-string"
	case KindNull:
		return "null"
	case KindArray:
		return "array"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a single RESP2 reply or request element.
type Value struct {
	Kind  Kind
	Str   string
	Int   int64
	Array []Value
}

// OK is the "+OK" status reply.
func OK() Value { return SimpleString("OK") }

// SimpleString builds a status reply.
func SimpleString(s string) Value { return Value{Kind: KindSimpleString, Str: s} }

// Error builds an error reply. msg should start with an error code such as "ERR".
func Error(msg string) Value { return Value{Kind: KindError, Str: msg} }

// Errorf builds an "ERR"-prefixed error reply.
func Errorf(format string, args ...any) Value {
	return Error("ERR " + fmt.Sprintf(format, args...))
}

// Integer builds an integer reply.
func Integer(n int64) Value { return Value{Kind: KindInteger, Int: n} }

// BulkString builds a bulk string reply.
func BulkString(s string) Value { return Value{Kind: KindBulkString, Str: s} }

// Null is the absent-value reply ("$-1").
func Null() Value { return Value{Kind: KindNull} }

// Array builds an array reply.
func Array(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{Kind: KindArray, Array: items}
}

// BulkStrings builds an array of bulk strings.
func BulkStrings(ss []string) Value {
	items := make([]Value, len(ss))
	for i, s := range ss {
		items[i] = BulkString(s)
	}
	return Array(items...)
}

// IsError reports whether v is an error reply.
func (v Value) IsError() bool { return v.Kind == KindError }

// IsNull reports whether v is the absent marker.
func (v Value) IsNull() bool { return v.Kind == KindNull }

// String renders v the way redis-cli does.
func (v Value) String() string {
	var b strings.Builder
	v.render(&b, "")
	return b.String()
}

func (v Value) render(b *strings.Builder, indent string) {
	switch v.Kind {
	case KindSimpleString:
		b.WriteString(v.Str)
	case KindError:
		b.WriteString("(error) ")
		b.WriteString(v.Str)
	case KindInteger:
		fmt.Fprintf(b, "(integer) %d", v.Int)
	case KindBulkString:
		fmt.Fprintf(b, "%q", v.Str)
	case KindNull:
		b.WriteString("(nil)")
	case KindArray:
		if len(v.Array) == 0 {
			b.WriteString("(empty array)")
			return
		}
		for i, item := range v.Array {
			if i > 0 {
				b.WriteString("\n")
				b.WriteString(indent)
			}
			prefix := fmt.Sprintf("%d) ", i+1)
			b.WriteString(prefix)
			item.render(b, indent+strings.Repeat(" ", len(prefix)))
		}
	default:
		b.WriteString(v.Kind.String())
	}
}
