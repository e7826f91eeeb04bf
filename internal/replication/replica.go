package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrGap is returned when a primary stream skips or repeats an offset.
var ErrGap = errors.New("replication: offset gap in stream")

// SyncHeader is the first message of a sync stream.
type SyncHeader struct {
	ReplID   string
	Offset   uint64
	Full     bool
	Snapshot map[string]string
}

// Stream yields entries after the header, in offset order.
type Stream interface {
	Recv() (Entry, error)
}

// Source opens a sync stream against a primary. replID and offset describe
// the history the replica already holds; an empty replID asks for a full sync.
type Source interface {
	Sync(ctx context.Context, replID string, offset uint64) (SyncHeader, Stream, error)
}

// Restorer replaces the local store on full resync. *kv.Store satisfies it.
type Restorer interface {
	Restore(ctx context.Context, snapshot map[string]string) error
}

// Executor runs a replicated invocation through the local command table.
type Executor interface {
	ExecReplicated(ctx context.Context, args [][]byte) error
}

// ReplicaStatus describes the link to the primary.
type ReplicaStatus struct {
	LinkUp     bool
	ReplID     string
	Offset     uint64
	LastSyncAt time.Time
	LastError  string
}

// Replica follows a primary: it applies the primary's snapshot and entries
// locally and reconnects with backoff when the stream breaks.
type Replica struct {
	source Source
	store  Restorer
	exec   Executor
	local  *Backlog
	logger Logger

	// RetryMin and RetryMax bound the reconnect backoff.
	RetryMin time.Duration
	RetryMax time.Duration

	mu     sync.Mutex
	status ReplicaStatus
}

// NewReplica creates a replica loop. local may be nil when this node does
// not serve replicas of its own.
func NewReplica(source Source, store Restorer, exec Executor, local *Backlog, logger Logger) *Replica {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Replica{
		source:   source,
		store:    store,
		exec:     exec,
		local:    local,
		logger:   logger,
		RetryMin: 200 * time.Millisecond,
		RetryMax: 5 * time.Second,
	}
}

// Status returns a copy of the link state.
func (r *Replica) Status() ReplicaStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Run follows the primary until ctx is canceled.
func (r *Replica) Run(ctx context.Context) error {
	delay := r.RetryMin
	for {
		established, err := r.syncOnce(ctx)
		if ctx.Err() != nil {
			r.setLink(false, nil)
			return ctx.Err()
		}
		r.setLink(false, err)
		if established {
			delay = r.RetryMin
		}
		r.logger.Warn("replication link down", "error", err, "retry_in", delay)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > r.RetryMax {
			delay = r.RetryMax
		}
	}
}

// syncOnce runs one sync stream. established reports whether the header
// was accepted, which resets the reconnect backoff.
func (r *Replica) syncOnce(ctx context.Context) (established bool, err error) {
	cur := r.Status()
	hdr, stream, err := r.source.Sync(ctx, cur.ReplID, cur.Offset)
	if err != nil {
		return false, fmt.Errorf("replication: open sync: %w", err)
	}

	if hdr.Full {
		if err := r.store.Restore(ctx, hdr.Snapshot); err != nil {
			return false, fmt.Errorf("replication: restore snapshot: %w", err)
		}
		if r.local != nil {
			r.local.Reset()
		}
		r.logger.Info("full resync applied", "replid", hdr.ReplID, "offset", hdr.Offset, "keys", len(hdr.Snapshot))
	} else if hdr.ReplID != cur.ReplID || hdr.Offset != cur.Offset {
		return false, fmt.Errorf("replication: primary offered partial resync at %s:%d, have %s:%d", hdr.ReplID, hdr.Offset, cur.ReplID, cur.Offset)
	}

	r.mu.Lock()
	r.status.ReplID = hdr.ReplID
	r.status.Offset = hdr.Offset
	r.status.LinkUp = true
	r.status.LastSyncAt = time.Now()
	r.status.LastError = ""
	r.mu.Unlock()

	for {
		e, err := stream.Recv()
		if err != nil {
			return true, err
		}
		if err := r.apply(ctx, e); err != nil {
			return true, err
		}
	}
}

func (r *Replica) apply(ctx context.Context, e Entry) error {
	r.mu.Lock()
	want := r.status.Offset + 1
	r.mu.Unlock()
	if e.Offset != want {
		return fmt.Errorf("%w: expected %d, got %d", ErrGap, want, e.Offset)
	}
	if len(e.Args) == 0 {
		return fmt.Errorf("replication: empty entry at offset %d", e.Offset)
	}

	args := make([][]byte, len(e.Args))
	for i, a := range e.Args {
		args[i] = []byte(a)
	}
	if err := r.exec.ExecReplicated(ctx, args); err != nil {
		return fmt.Errorf("replication: apply offset %d: %w", e.Offset, err)
	}

	r.mu.Lock()
	r.status.Offset = e.Offset
	r.mu.Unlock()
	r.logger.Debug("replicated entry applied", "offset", e.Offset, "command", e.Args[0])
	return nil
}

func (r *Replica) setLink(up bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status.LinkUp = up
	if err != nil {
		r.status.LastError = err.Error()
	}
}
