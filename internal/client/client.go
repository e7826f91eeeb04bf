// Package client is a minimal RESP client for the secure storage server.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/i-melnichenko/secure-storage/internal/command"
	"github.com/i-melnichenko/secure-storage/internal/resp"
)

// ReplyError is an error reply returned by the server.
type ReplyError struct {
	Message string
}

func (e *ReplyError) Error() string { return e.Message }

// Client sends commands over one connection. It is safe for concurrent use;
// requests are serialized.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	r    *resp.Reader
	w    *resp.Writer
}

// Dial connects to a server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return New(conn), nil
}

// New wraps an established connection.
func New(conn net.Conn) *Client {
	return &Client{conn: conn, r: resp.NewReader(conn), w: resp.NewWriter(conn)}
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Do sends one command and returns the raw reply. Error replies are returned
// as values, not errors; err is set only for transport failures.
func (c *Client) Do(ctx context.Context, args ...string) (resp.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(deadline)
		defer c.conn.SetDeadline(time.Time{})
	}
	raw := make([][]byte, len(args))
	for i, a := range args {
		raw[i] = []byte(a)
	}
	if err := c.w.WriteCommand(raw...); err != nil {
		return resp.Value{}, fmt.Errorf("client: write: %w", err)
	}
	if err := c.w.Flush(); err != nil {
		return resp.Value{}, fmt.Errorf("client: write: %w", err)
	}
	v, err := c.r.ReadValue()
	if err != nil {
		return resp.Value{}, fmt.Errorf("client: read: %w", err)
	}
	return v, nil
}

// Set stores value under key.
func (c *Client) Set(ctx context.Context, key, value string) error {
	v, err := c.Do(ctx, command.CmdSet, key, value)
	if err != nil {
		return err
	}
	return replyErr(v)
}

// Get returns the value under key and whether it exists.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.Do(ctx, command.CmdGet, key)
	if err != nil {
		return "", false, err
	}
	if err := replyErr(v); err != nil {
		return "", false, err
	}
	if v.IsNull() {
		return "", false, nil
	}
	return v.Str, true, nil
}

// Del removes key and reports whether it existed.
func (c *Client) Del(ctx context.Context, key string) (bool, error) {
	v, err := c.Do(ctx, command.CmdDel, key)
	if err != nil {
		return false, err
	}
	if err := replyErr(v); err != nil {
		return false, err
	}
	return v.Int == 1, nil
}

// Keys lists every key in unspecified order.
func (c *Client) Keys(ctx context.Context) ([]string, error) {
	v, err := c.Do(ctx, command.CmdKeys)
	if err != nil {
		return nil, err
	}
	if err := replyErr(v); err != nil {
		return nil, err
	}
	keys := make([]string, len(v.Array))
	for i, item := range v.Array {
		keys[i] = item.Str
	}
	return keys, nil
}

// IsReadOnly reports whether err is the replica write rejection.
func IsReadOnly(err error) bool {
	var re *ReplyError
	return errors.As(err, &re) && strings.HasPrefix(re.Message, "READONLY")
}

func replyErr(v resp.Value) error {
	if v.IsError() {
		return &ReplyError{Message: v.Str}
	}
	return nil
}
