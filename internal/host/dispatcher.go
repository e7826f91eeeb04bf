// Package host serves command modules to RESP clients and applies a primary's
// replication stream through the same command table.
package host

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/i-melnichenko/secure-storage/internal/command"
	"github.com/i-melnichenko/secure-storage/internal/resp"
)

// ErrUnknownCommand is returned by ExecReplicated for names no module registered.
var ErrUnknownCommand = errors.New("host: unknown command")

// ErrPanic is returned by ExecReplicated when a handler panicked.
var ErrPanic = errors.New("host: command panicked")

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Metrics captures host-level metric sinks.
type Metrics interface {
	SetConnectedClients(n int)
	IncRejectedConnections()
	IncCommandPanics(name string)
	IncUnknownCommands()
}

type noopMetrics struct{}

func (noopMetrics) SetConnectedClients(int)  {}
func (noopMetrics) IncRejectedConnections()  {}
func (noopMetrics) IncCommandPanics(string)  {}
func (noopMetrics) IncUnknownCommands()      {}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Section is one INFO section. Fields is called on every INFO request and
// returns "name:value" pairs in display order.
type Section struct {
	Name   string
	Fields func() [][2]string
}

// Options configures a Dispatcher.
type Options struct {
	// ReadOnly rejects client-issued write commands, as on a replica.
	ReadOnly bool
	Sections []Section
	Logger   Logger
	Metrics  Metrics
}

const readOnlyError = "READONLY You can't write against a read only replica."

// Dispatcher routes invocations to module commands and host built-ins.
// Write commands run one at a time so the replication stream follows the
// order in which the store was mutated.
type Dispatcher struct {
	modules  []command.Module
	commands map[string]command.Command
	builtins map[string]command.Command
	readOnly bool
	sections []Section
	logger   Logger
	metrics  Metrics

	writeMu sync.Mutex
}

// NewDispatcher registers modules. Command names are case-insensitive and
// must be unique across modules and built-ins.
func NewDispatcher(opts Options, modules ...command.Module) (*Dispatcher, error) {
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	d := &Dispatcher{
		modules:  modules,
		commands: make(map[string]command.Command),
		readOnly: opts.ReadOnly,
		sections: opts.Sections,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}
	d.builtins = d.builtinTable()

	for _, m := range modules {
		for _, c := range m.Commands {
			name := strings.ToLower(c.Name)
			if _, dup := d.builtins[name]; dup {
				return nil, fmt.Errorf("host: module %s: command %q shadows a built-in", m.Name, c.Name)
			}
			if _, dup := d.commands[name]; dup {
				return nil, fmt.Errorf("host: module %s: command %q already registered", m.Name, c.Name)
			}
			if c.Handler == nil {
				return nil, fmt.Errorf("host: module %s: command %q has no handler", m.Name, c.Name)
			}
			d.commands[name] = c
		}
		d.logger.Info("module loaded", "module", m.Name, "version", m.Version, "commands", len(m.Commands))
	}
	return d, nil
}

// ReadOnly reports whether client writes are rejected.
func (d *Dispatcher) ReadOnly() bool { return d.readOnly }

// Dispatch runs one client invocation and returns the reply. closeConn is
// set when the client asked to end the connection.
func (d *Dispatcher) Dispatch(ctx context.Context, args [][]byte) (reply resp.Value, closeConn bool) {
	if len(args) == 0 {
		return resp.Errorf("empty command"), false
	}
	name := strings.ToLower(string(args[0]))

	if c, ok := d.builtins[name]; ok {
		if !arityOK(c.Arity, len(args)) {
			return command.ErrorReply(name, command.ErrWrongArity), false
		}
		reply, _ := d.run(ctx, c, args)
		return reply, name == "quit"
	}

	c, ok := d.commands[name]
	if !ok {
		d.metrics.IncUnknownCommands()
		return unknownCommand(args), false
	}
	if c.IsWrite() && d.readOnly {
		return resp.Error(readOnlyError), false
	}
	reply, _ = d.run(ctx, c, args)
	return reply, false
}

// ExecReplicated applies an invocation received from the primary. It skips
// the read-only check and returns handler errors instead of replies.
func (d *Dispatcher) ExecReplicated(ctx context.Context, args [][]byte) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: empty invocation", ErrUnknownCommand)
	}
	c, ok := d.commands[strings.ToLower(string(args[0]))]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCommand, args[0])
	}
	_, err := d.run(ctx, c, args)
	return err
}

// run executes c, serializing writes and turning panics into an error reply.
func (d *Dispatcher) run(ctx context.Context, c command.Command, args [][]byte) (reply resp.Value, err error) {
	if c.IsWrite() {
		d.writeMu.Lock()
		defer d.writeMu.Unlock()
	}
	defer func() {
		if r := recover(); r != nil {
			d.metrics.IncCommandPanics(c.Name)
			d.logger.Error("command panicked", "command", c.Name, "panic", r, "stack", string(debug.Stack()))
			reply = resp.Errorf("internal error")
			err = fmt.Errorf("%w: %s: %v", ErrPanic, c.Name, r)
		}
	}()

	reply, err = c.Handler(ctx, args)
	if err != nil {
		return command.ErrorReply(c.Name, err), err
	}
	return reply, nil
}

func arityOK(arity, argc int) bool {
	if arity < 0 {
		return argc >= -arity
	}
	return argc == arity
}

func unknownCommand(args [][]byte) resp.Value {
	var b strings.Builder
	for _, a := range args[1:] {
		fmt.Fprintf(&b, "'%s' ", truncate(string(a), 128))
	}
	return resp.Errorf("unknown command '%s', with args beginning with: %s", truncate(string(args[0]), 128), b.String())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// commandCount returns the number of commands visible to COMMAND.
func (d *Dispatcher) commandCount() int {
	return len(d.commands) + len(d.builtins)
}

// sortedCommands lists every command, built-ins first, each group by name.
func (d *Dispatcher) sortedCommands() []command.Command {
	out := make([]command.Command, 0, d.commandCount())
	for _, group := range []map[string]command.Command{d.builtins, d.commands} {
		names := make([]string, 0, len(group))
		for name := range group {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			out = append(out, group[name])
		}
	}
	return out
}
