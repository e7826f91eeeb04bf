package command

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/i-melnichenko/secure-storage/internal/resp"
)

// Module identity reported to the host.
const (
	ModuleName    = "securestorage"
	ModuleVersion = 1
)

// Command names.
const (
	CmdSet  = "secure.set"
	CmdGet  = "secure.get"
	CmdDel  = "secure.del"
	CmdKeys = "secure.keys"
)

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Metrics captures command-level metric sinks.
type Metrics interface {
	ObserveCommand(name, result string, d time.Duration)
	IncReplicationSignal(name string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveCommand(string, string, time.Duration) {}
func (noopMetrics) IncReplicationSignal(string)                  {}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Secure implements the secure.* commands over a Store.
type Secure struct {
	store      Store
	replicator Replicator
	logger     Logger
	tracer     oteltrace.Tracer
	metrics    Metrics
}

// NewSecure creates the command handlers. store and replicator are required;
// logger, tracer and metrics may be nil.
func NewSecure(store Store, replicator Replicator, logger Logger, tracer oteltrace.Tracer, metrics Metrics) *Secure {
	if logger == nil {
		logger = noopLogger{}
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Secure{
		store:      store,
		replicator: replicator,
		logger:     logger,
		tracer:     tracer,
		metrics:    metrics,
	}
}

// Module returns the registration metadata for the secure storage module.
func (s *Secure) Module() Module {
	return Module{
		Name:    ModuleName,
		Version: ModuleVersion,
		Commands: []Command{
			{Name: CmdSet, Arity: 3, Flags: []Flag{FlagWrite}, FirstKey: 1, LastKey: 1, KeyStep: 1, Handler: s.Set},
			{Name: CmdGet, Arity: 2, Flags: []Flag{FlagReadonly}, FirstKey: 1, LastKey: 1, KeyStep: 1, Handler: s.Get},
			{Name: CmdDel, Arity: 2, Flags: []Flag{FlagWrite}, FirstKey: 1, LastKey: 1, KeyStep: 1, Handler: s.Del},
			{Name: CmdKeys, Arity: 1, Flags: []Flag{FlagReadonly}, Handler: s.Keys},
		},
	}
}

// Set handles "secure.set key value".
func (s *Secure) Set(ctx context.Context, args [][]byte) (resp.Value, error) {
	ctx, finish := s.begin(ctx, CmdSet, len(args))
	reply, err := s.set(ctx, args)
	finish(err)
	return reply, err
}

func (s *Secure) set(ctx context.Context, args [][]byte) (resp.Value, error) {
	if err := checkArity(args, 3); err != nil {
		return resp.Value{}, err
	}
	it := newArgIter(args)
	key, err := it.nextString()
	if err != nil {
		return resp.Value{}, err
	}
	value, err := it.nextString()
	if err != nil {
		return resp.Value{}, err
	}

	if err := s.store.Put(ctx, key, value); err != nil {
		return resp.Value{}, err
	}
	s.replicate(ctx, CmdSet, args)
	s.logger.Debug("secure key set", "key", key)
	return resp.OK(), nil
}

// Get handles "secure.get key".
func (s *Secure) Get(ctx context.Context, args [][]byte) (resp.Value, error) {
	ctx, finish := s.begin(ctx, CmdGet, len(args))
	reply, err := s.get(ctx, args)
	finish(err)
	return reply, err
}

func (s *Secure) get(ctx context.Context, args [][]byte) (resp.Value, error) {
	if err := checkArity(args, 2); err != nil {
		return resp.Value{}, err
	}
	key, err := newArgIter(args).nextString()
	if err != nil {
		return resp.Value{}, err
	}

	value, ok, err := s.store.Get(ctx, key)
	if err != nil {
		return resp.Value{}, err
	}
	if !ok {
		return resp.Null(), nil
	}
	return resp.BulkString(value), nil
}

// Del handles "secure.del key". The invocation is replicated whether or not
// the key existed.
func (s *Secure) Del(ctx context.Context, args [][]byte) (resp.Value, error) {
	ctx, finish := s.begin(ctx, CmdDel, len(args))
	reply, err := s.del(ctx, args)
	finish(err)
	return reply, err
}

func (s *Secure) del(ctx context.Context, args [][]byte) (resp.Value, error) {
	if err := checkArity(args, 2); err != nil {
		return resp.Value{}, err
	}
	key, err := newArgIter(args).nextString()
	if err != nil {
		return resp.Value{}, err
	}

	removed, err := s.store.Delete(ctx, key)
	if err != nil {
		return resp.Value{}, err
	}
	s.replicate(ctx, CmdDel, args)
	s.logger.Debug("secure key deleted", "key", key, "removed", removed)
	if removed {
		return resp.Integer(1), nil
	}
	return resp.Integer(0), nil
}

// Keys handles "secure.keys".
func (s *Secure) Keys(ctx context.Context, args [][]byte) (resp.Value, error) {
	ctx, finish := s.begin(ctx, CmdKeys, len(args))
	reply, err := s.keys(ctx, args)
	finish(err)
	return reply, err
}

func (s *Secure) keys(ctx context.Context, args [][]byte) (resp.Value, error) {
	if err := checkArity(args, 1); err != nil {
		return resp.Value{}, err
	}
	keys, err := s.store.Keys(ctx)
	if err != nil {
		return resp.Value{}, err
	}
	return resp.BulkStrings(keys), nil
}

func (s *Secure) replicate(ctx context.Context, name string, args [][]byte) {
	s.replicator.ReplicateVerbatim(ctx, args)
	s.metrics.IncReplicationSignal(name)
}

// begin opens the command span and returns a func that records the outcome.
func (s *Secure) begin(ctx context.Context, name string, argc int) (context.Context, func(error)) {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := s.tracer.Start(ctx, "command."+name, oteltrace.WithAttributes(
		attribute.String("command.name", name),
		attribute.Int("command.argc", argc),
	))
	start := time.Now()
	return ctx, func(err error) {
		result := resultLabel(err)
		s.metrics.ObserveCommand(name, result, time.Since(start))
		span.SetAttributes(attribute.String("command.result", result))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, err.Error())
			if result == "store_unavailable" {
				s.logger.Warn("command failed", "command", name, "error", err)
			}
		}
		span.End()
	}
}
