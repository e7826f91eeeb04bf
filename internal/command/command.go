// Package command implements the secure.* command handlers and the module
// metadata a host uses to register them.
package command

import (
	"context"
	"strings"

	"github.com/i-melnichenko/secure-storage/internal/resp"
)

//go:generate mockgen -source=$GOFILE -destination=mocks_test.go -package=$GOPACKAGE

// Replicator is the host capability that propagates a completed write
// verbatim to replicas. Implementations must not block on the network.
type Replicator interface {
	ReplicateVerbatim(ctx context.Context, args [][]byte)
}

// Store is the key-value store the handlers operate on. *kv.Store satisfies it.
type Store interface {
	Put(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// Handler executes one invocation. args[0] is the command name as received.
type Handler func(ctx context.Context, args [][]byte) (resp.Value, error)

// Flag describes how a host should treat a command.
type Flag string

// Command flags understood by the host.
const (
	FlagWrite    Flag = "write"
	FlagReadonly Flag = "readonly"
)

// Command is one entry of a module command table.
type Command struct {
	Name  string
	Arity int
	Flags []Flag

	// Key positions, as in the Redis command table: first and last key
	// argument index and the step between keys. Zero means no keys.
	FirstKey int
	LastKey  int
	KeyStep  int

	Handler Handler
}

// HasFlag reports whether c carries f.
func (c Command) HasFlag(f Flag) bool {
	for _, have := range c.Flags {
		if have == f {
			return true
		}
	}
	return false
}

// IsWrite reports whether c mutates state.
func (c Command) IsWrite() bool { return c.HasFlag(FlagWrite) }

// Module is the registration metadata a host loads.
type Module struct {
	Name     string
	Version  int
	Commands []Command
}

// Lookup finds a command by case-insensitive name.
func (m Module) Lookup(name string) (Command, bool) {
	for _, c := range m.Commands {
		if strings.EqualFold(c.Name, name) {
			return c, true
		}
	}
	return Command{}, false
}
