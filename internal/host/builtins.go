package host

import (
	"context"
	"strings"

	"github.com/i-melnichenko/secure-storage/internal/command"
	"github.com/i-melnichenko/secure-storage/internal/resp"
)

// Built-in arities follow the Redis convention: negative means "at least".
func (d *Dispatcher) builtinTable() map[string]command.Command {
	table := []command.Command{
		{Name: "ping", Arity: -1, Handler: d.ping},
		{Name: "echo", Arity: 2, Handler: d.echo},
		{Name: "quit", Arity: -1, Handler: d.quit},
		{Name: "command", Arity: -1, Handler: d.commandInfo},
		{Name: "module", Arity: -2, Handler: d.moduleList},
		{Name: "info", Arity: -1, Handler: d.info},
	}
	out := make(map[string]command.Command, len(table))
	for _, c := range table {
		out[c.Name] = c
	}
	return out
}

func (d *Dispatcher) ping(_ context.Context, args [][]byte) (resp.Value, error) {
	switch len(args) {
	case 1:
		return resp.SimpleString("PONG"), nil
	case 2:
		return resp.BulkString(string(args[1])), nil
	}
	return resp.Value{}, command.ErrWrongArity
}

func (d *Dispatcher) echo(_ context.Context, args [][]byte) (resp.Value, error) {
	return resp.BulkString(string(args[1])), nil
}

func (d *Dispatcher) quit(context.Context, [][]byte) (resp.Value, error) {
	return resp.OK(), nil
}

// commandInfo implements COMMAND and COMMAND COUNT.
func (d *Dispatcher) commandInfo(_ context.Context, args [][]byte) (resp.Value, error) {
	if len(args) == 1 {
		cmds := d.sortedCommands()
		items := make([]resp.Value, len(cmds))
		for i, c := range cmds {
			items[i] = commandDoc(c)
		}
		return resp.Array(items...), nil
	}

	switch sub := strings.ToLower(string(args[1])); sub {
	case "count":
		if len(args) != 2 {
			return resp.Value{}, command.ErrWrongArity
		}
		return resp.Integer(int64(d.commandCount())), nil
	default:
		return resp.Errorf("unknown subcommand '%s'. Try COMMAND COUNT.", truncate(sub, 128)), nil
	}
}

// commandDoc renders c the way COMMAND does: name, arity, flags and key spec.
func commandDoc(c command.Command) resp.Value {
	flags := make([]resp.Value, len(c.Flags))
	for i, f := range c.Flags {
		flags[i] = resp.SimpleString(string(f))
	}
	return resp.Array(
		resp.BulkString(c.Name),
		resp.Integer(int64(c.Arity)),
		resp.Array(flags...),
		resp.Integer(int64(c.FirstKey)),
		resp.Integer(int64(c.LastKey)),
		resp.Integer(int64(c.KeyStep)),
	)
}

// moduleList implements MODULE LIST.
func (d *Dispatcher) moduleList(_ context.Context, args [][]byte) (resp.Value, error) {
	sub := strings.ToLower(string(args[1]))
	if sub != "list" {
		return resp.Errorf("unknown subcommand '%s'. Try MODULE LIST.", truncate(sub, 128)), nil
	}
	if len(args) != 2 {
		return resp.Value{}, command.ErrWrongArity
	}
	items := make([]resp.Value, len(d.modules))
	for i, m := range d.modules {
		items[i] = resp.Array(
			resp.BulkString("name"), resp.BulkString(m.Name),
			resp.BulkString("ver"), resp.Integer(int64(m.Version)),
		)
	}
	return resp.Array(items...), nil
}

// info renders every section, or only the one named by the argument.
func (d *Dispatcher) info(_ context.Context, args [][]byte) (resp.Value, error) {
	want := "default"
	if len(args) > 1 {
		want = strings.ToLower(string(args[1]))
	}
	all := want == "default" || want == "all" || want == "everything"

	var b strings.Builder
	for _, s := range d.sections {
		if !all && !strings.EqualFold(s.Name, want) {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\r\n")
		}
		b.WriteString("# ")
		b.WriteString(s.Name)
		b.WriteString("\r\n")
		for _, f := range s.Fields() {
			b.WriteString(f[0])
			b.WriteByte(':')
			b.WriteString(f[1])
			b.WriteString("\r\n")
		}
	}
	return resp.BulkString(b.String()), nil
}
