// Package kv implements the in-memory key-value store behind the secure.* commands.
package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ErrUnavailable is returned once the store lock has been poisoned by a panic
// raised inside a critical section. The map is left as it last was.
var ErrUnavailable = errors.New("kv: store unavailable")

var (
	errReadLock  = fmt.Errorf("failed to acquire read lock: %w", ErrUnavailable)
	errWriteLock = fmt.Errorf("failed to acquire write lock: %w", ErrUnavailable)
)

// Store is an in-memory string key-value map guarded by a readers-writer lock.
type Store struct {
	mu       sync.RWMutex
	data     map[string]string
	poisoned bool
	tracer   oteltrace.Tracer
}

// NewStore creates an empty store. A nil tracer disables tracing.
func NewStore(tracer oteltrace.Tracer) *Store {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Store{
		data:   make(map[string]string),
		tracer: tracer,
	}
}

// Put inserts or overwrites key.
func (s *Store) Put(ctx context.Context, key, value string) error {
	_, span := s.tracer.Start(ctx, "kv.store.Put", oteltrace.WithAttributes(
		attribute.String("kv.key", key),
		attribute.Int("kv.value.bytes", len(value)),
	))
	defer span.End()

	err := s.write(func(data map[string]string) {
		data[key] = value
	})
	spanRecordError(span, err)
	return err
}

// Get returns the current value for key and whether it is present.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	_, span := s.tracer.Start(ctx, "kv.store.Get", oteltrace.WithAttributes(attribute.String("kv.key", key)))
	defer span.End()

	var (
		val string
		ok  bool
	)
	err := s.read(func(data map[string]string) {
		val, ok = data[key]
	})
	if err != nil {
		spanRecordError(span, err)
		return "", false, err
	}
	span.SetAttributes(attribute.Bool("kv.found", ok))
	return val, ok, nil
}

// Delete removes key and reports whether an entry was removed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	_, span := s.tracer.Start(ctx, "kv.store.Delete", oteltrace.WithAttributes(attribute.String("kv.key", key)))
	defer span.End()

	var removed bool
	err := s.write(func(data map[string]string) {
		if _, ok := data[key]; ok {
			delete(data, key)
			removed = true
		}
	})
	if err != nil {
		spanRecordError(span, err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("kv.removed", removed))
	return removed, nil
}

// Keys returns the keys present while the read lock is held, in map order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	_, span := s.tracer.Start(ctx, "kv.store.Keys")
	defer span.End()

	var keys []string
	err := s.read(func(data map[string]string) {
		keys = make([]string, 0, len(data))
		for k := range data {
			keys = append(keys, k)
		}
	})
	if err != nil {
		spanRecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("kv.store.items", len(keys)))
	return keys, nil
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot(ctx context.Context) (map[string]string, error) {
	_, span := s.tracer.Start(ctx, "kv.store.Snapshot")
	defer span.End()

	var cp map[string]string
	err := s.read(func(data map[string]string) {
		cp = make(map[string]string, len(data))
		for k, v := range data {
			cp[k] = v
		}
	})
	if err != nil {
		spanRecordError(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("kv.store.items", len(cp)))
	return cp, nil
}

// Restore replaces the current state with a copy of snapshot.
// A nil snapshot resets the store to empty.
func (s *Store) Restore(ctx context.Context, snapshot map[string]string) error {
	_, span := s.tracer.Start(ctx, "kv.store.Restore", oteltrace.WithAttributes(attribute.Int("kv.store.items", len(snapshot))))
	defer span.End()

	restored := make(map[string]string, len(snapshot))
	for k, v := range snapshot {
		restored[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned {
		spanRecordError(span, errWriteLock)
		return errWriteLock
	}
	s.data = restored
	return nil
}

// Len returns the number of stored entries, or 0 when the store is unavailable.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.poisoned {
		return 0
	}
	return len(s.data)
}

func (s *Store) read(fn func(map[string]string)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.poisoned {
		return errReadLock
	}
	fn(s.data)
	return nil
}

// write runs fn under the exclusive lock. A panic escaping fn poisons the
// store before it propagates; the deferred Unlock still runs.
func (s *Store) write(fn func(map[string]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.poisoned {
		return errWriteLock
	}
	defer func() {
		if r := recover(); r != nil {
			s.poisoned = true
			panic(r)
		}
	}()
	fn(s.data)
	return nil
}

func spanRecordError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}
