package resp

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// Writer encodes RESP values onto a buffered stream. Callers must Flush.
type Writer struct {
	w *bufio.Writer
}

// NewWriter wraps w in a RESP encoder.
func NewWriter(w io.Writer) *Writer {
	if bw, ok := w.(*bufio.Writer); ok {
		return &Writer{w: bw}
	}
	return &Writer{w: bufio.NewWriter(w)}
}

// WriteValue encodes v.
func (w *Writer) WriteValue(v Value) error {
	switch v.Kind {
	case KindSimpleString:
		return w.writeLine('+', sanitizeLine(v.Str))
	case KindError:
		return w.writeLine('-', sanitizeLine(v.Str))
	case KindInteger:
		return w.writeLine(':', strconv.FormatInt(v.Int, 10))
	case KindBulkString:
		return w.writeBulk([]byte(v.Str))
	case KindArray:
		if err := w.writeLine('*', strconv.Itoa(len(v.Array))); err != nil {
			return err
		}
		for _, item := range v.Array {
			if err := w.WriteValue(item); err != nil {
				return err
			}
		}
		return nil
	default:
		return w.writeLine('$', "-1")
	}
}

// WriteCommand encodes a request as an array of bulk strings.
func (w *Writer) WriteCommand(args ...[]byte) error {
	if err := w.writeLine('*', strconv.Itoa(len(args))); err != nil {
		return err
	}
	for _, arg := range args {
		if err := w.writeBulk(arg); err != nil {
			return err
		}
	}
	return nil
}

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	return w.w.Flush()
}

func (w *Writer) writeBulk(data []byte) error {
	if err := w.writeLine('$', strconv.Itoa(len(data))); err != nil {
		return err
	}
	if _, err := w.w.Write(data); err != nil {
		return err
	}
	_, err := w.w.WriteString("\r\n")
	return err
}

func (w *Writer) writeLine(prefix byte, line string) error {
	if err := w.w.WriteByte(prefix); err != nil {
		return err
	}
	if _, err := w.w.WriteString(line); err != nil {
		return err
	}
	_, err := w.w.WriteString("\r\n")
	return err
}

// Simple strings and errors cannot carry CR or LF.
func sanitizeLine(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return s
	}
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}
