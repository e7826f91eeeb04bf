// Package replication propagates completed secure.* writes to replicas and
// external sinks, and applies a primary's stream on a replica.
package replication

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// ErrReset is delivered to subscribers when the backlog history is discarded.
var ErrReset = errors.New("replication: backlog reset")

// ErrClosed is returned by Next after the subscription was closed by its owner.
var ErrClosed = errors.New("replication: subscription closed")

// DefaultBacklogSize is the number of entries kept for partial resync.
const DefaultBacklogSize = 10000

// Entry is one replicated invocation, command name included.
type Entry struct {
	Offset uint64    `json:"offset"`
	ID     string    `json:"id"`
	Args   []string  `json:"args"`
	At     time.Time `json:"at"`
}

// Sink receives every entry appended to the backlog, in offset order.
// Publish is called with the backlog lock held and must not block.
type Sink interface {
	Publish(e Entry) error
	Name() string
}

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Metrics captures replication metric sinks.
type Metrics interface {
	SetReplicationOffset(offset uint64)
	SetConnectedReplicas(n int)
	IncReplicaSync(mode string)
	IncSinkError(sink string)
}

type noopMetrics struct{}

func (noopMetrics) SetReplicationOffset(uint64) {}
func (noopMetrics) SetConnectedReplicas(int)    {}
func (noopMetrics) IncReplicaSync(string)       {}
func (noopMetrics) IncSinkError(string)         {}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}

// SnapshotFunc returns the current store contents.
type SnapshotFunc func(ctx context.Context) (map[string]string, error)

// Backlog is a bounded, in-memory history of replicated writes. It implements
// command.Replicator.
type Backlog struct {
	mu       sync.Mutex
	replID   string
	ring     []Entry
	count    int
	offset   uint64
	subs     map[*Subscription]struct{}
	sinks    []Sink
	entropy  *ulid.MonotonicEntropy
	logger   Logger
	metrics  Metrics
	maxQueue int
}

// NewBacklog creates an empty backlog holding up to size entries.
func NewBacklog(size int, logger Logger, metrics Metrics, sinks ...Sink) *Backlog {
	if size <= 0 {
		size = DefaultBacklogSize
	}
	if logger == nil {
		logger = noopLogger{}
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Backlog{
		replID:   newReplID(),
		ring:     make([]Entry, size),
		subs:     make(map[*Subscription]struct{}),
		sinks:    sinks,
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		logger:   logger,
		metrics:  metrics,
		maxQueue: size,
	}
}

func newReplID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// ReplicateVerbatim appends args as the next entry and fans it out.
func (b *Backlog) ReplicateVerbatim(_ context.Context, args [][]byte) {
	strArgs := make([]string, len(args))
	for i, a := range args {
		strArgs[i] = string(a)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.offset++
	e := Entry{
		Offset: b.offset,
		ID:     ulid.MustNew(ulid.Timestamp(now), b.entropy).String(),
		Args:   strArgs,
		At:     now,
	}
	b.ring[int((e.Offset-1)%uint64(len(b.ring)))] = e
	if b.count < len(b.ring) {
		b.count++
	}

	for sub := range b.subs {
		if !sub.push(e) {
			delete(b.subs, sub)
			b.logger.Warn("replica dropped: output queue full", "replica", sub.name, "offset", e.Offset)
		}
	}
	for _, sink := range b.sinks {
		if err := sink.Publish(e); err != nil {
			b.metrics.IncSinkError(sink.Name())
			b.logger.Warn("replication sink publish failed", "sink", sink.Name(), "offset", e.Offset, "error", err)
		}
	}
	b.metrics.SetReplicationOffset(b.offset)
	b.metrics.SetConnectedReplicas(len(b.subs))
}

// Info describes the backlog position.
type Info struct {
	ReplID       string
	Offset       uint64
	FirstOffset  uint64
	Entries      int
	Capacity     int
	Replicas     int
	ReplicaNames []string
}

// Info returns the current backlog position.
func (b *Backlog) Info() Info {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.subs))
	for sub := range b.subs {
		names = append(names, sub.name)
	}
	return Info{
		ReplID:       b.replID,
		Offset:       b.offset,
		FirstOffset:  b.firstOffsetLocked(),
		Entries:      b.count,
		Capacity:     len(b.ring),
		Replicas:     len(b.subs),
		ReplicaNames: names,
	}
}

func (b *Backlog) firstOffsetLocked() uint64 {
	return b.offset - uint64(b.count) + 1
}

// Reset discards the history and starts a new replication ID. Live
// subscribers fail with ErrReset and must resync.
func (b *Backlog) Reset() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.replID = newReplID()
	b.count = 0
	for sub := range b.subs {
		sub.fail(ErrReset)
		delete(b.subs, sub)
	}
	b.metrics.SetConnectedReplicas(0)
	b.logger.Info("replication backlog reset", "replid", b.replID, "offset", b.offset)
	return b.replID
}

// Subscribe registers a replica that already holds history up to offset
// under replID. When that history can be continued from the backlog the
// subscription is partial; otherwise snapshot is taken and the subscription
// starts with a full copy of the store.
func (b *Backlog) Subscribe(ctx context.Context, name, replID string, offset uint64, snapshot SnapshotFunc) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := newSubscription(b, name, b.maxQueue)
	sub.ReplID = b.replID

	if replID == b.replID && offset <= b.offset && offset+1 >= b.firstOffsetLocked() {
		sub.Offset = offset
		for o := offset + 1; o <= b.offset; o++ {
			sub.queue = append(sub.queue, b.ring[int((o-1)%uint64(len(b.ring)))])
		}
		b.metrics.IncReplicaSync("partial")
		b.logger.Info("replica partial resync", "replica", name, "from_offset", offset+1, "pending", len(sub.queue))
	} else {
		data, err := snapshot(ctx)
		if err != nil {
			b.metrics.IncReplicaSync("error")
			return nil, fmt.Errorf("replication: snapshot for full resync: %w", err)
		}
		sub.Full = true
		sub.Snapshot = data
		sub.Offset = b.offset
		b.metrics.IncReplicaSync("full")
		b.logger.Info("replica full resync", "replica", name, "offset", b.offset, "keys", len(data))
	}

	b.subs[sub] = struct{}{}
	b.metrics.SetConnectedReplicas(len(b.subs))
	return sub, nil
}

func (b *Backlog) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		b.metrics.SetConnectedReplicas(len(b.subs))
	}
}
