package replication

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func argv(parts ...string) [][]byte {
	out := make([][]byte, len(parts))
	for i, p := range parts {
		out[i] = []byte(p)
	}
	return out
}

func noSnapshot(t *testing.T) SnapshotFunc {
	return func(context.Context) (map[string]string, error) {
		t.Fatalf("unexpected snapshot request")
		return nil, nil
	}
}

func nextEntry(t *testing.T, sub *Subscription) Entry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e, err := sub.Next(ctx)
	require.NoError(t, err)
	return e
}

func TestBacklog_AppendAssignsOffsetsAndIDs(t *testing.T) {
	b := NewBacklog(4, nil, nil)
	ctx := context.Background()

	b.ReplicateVerbatim(ctx, argv("secure.set", "k", "v"))
	b.ReplicateVerbatim(ctx, argv("secure.del", "k"))

	info := b.Info()
	assert.Equal(t, uint64(2), info.Offset)
	assert.Equal(t, uint64(1), info.FirstOffset)
	assert.Equal(t, 2, info.Entries)
	assert.Equal(t, 4, info.Capacity)
	assert.NotEmpty(t, info.ReplID)
}

func TestBacklog_RingDropsOldest(t *testing.T) {
	b := NewBacklog(3, nil, nil)
	for i := 0; i < 5; i++ {
		b.ReplicateVerbatim(context.Background(), argv("secure.del", "k"))
	}

	info := b.Info()
	assert.Equal(t, uint64(5), info.Offset)
	assert.Equal(t, uint64(3), info.FirstOffset)
	assert.Equal(t, 3, info.Entries)
}

func TestBacklog_PartialResyncDeliversPendingThenLive(t *testing.T) {
	b := NewBacklog(10, nil, nil)
	ctx := context.Background()
	b.ReplicateVerbatim(ctx, argv("secure.set", "a", "1"))
	b.ReplicateVerbatim(ctx, argv("secure.set", "b", "2"))
	b.ReplicateVerbatim(ctx, argv("secure.set", "c", "3"))

	sub, err := b.Subscribe(ctx, "r1", b.Info().ReplID, 1, noSnapshot(t))
	require.NoError(t, err)
	defer sub.Close()

	assert.False(t, sub.Full)
	assert.Equal(t, uint64(1), sub.Offset)

	e := nextEntry(t, sub)
	assert.Equal(t, uint64(2), e.Offset)
	assert.Equal(t, []string{"secure.set", "b", "2"}, e.Args)
	assert.Equal(t, uint64(3), nextEntry(t, sub).Offset)

	b.ReplicateVerbatim(ctx, argv("secure.del", "a"))
	e = nextEntry(t, sub)
	assert.Equal(t, uint64(4), e.Offset)
	assert.Equal(t, []string{"secure.del", "a"}, e.Args)
	assert.Equal(t, 1, b.Info().Replicas)
}

func TestBacklog_FullResync(t *testing.T) {
	tests := []struct {
		name   string
		replID func(b *Backlog) string
		offset uint64
	}{
		{name: "fresh replica", replID: func(*Backlog) string { return "" }, offset: 0},
		{name: "unknown history", replID: func(*Backlog) string { return "other" }, offset: 2},
		{name: "offset trimmed from ring", replID: func(b *Backlog) string { return b.Info().ReplID }, offset: 1},
		{name: "offset ahead of primary", replID: func(b *Backlog) string { return b.Info().ReplID }, offset: 99},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBacklog(2, nil, nil)
			ctx := context.Background()
			for i := 0; i < 4; i++ {
				b.ReplicateVerbatim(ctx, argv("secure.set", "k", "v"))
			}

			snapshotCalls := 0
			sub, err := b.Subscribe(ctx, "r1", tt.replID(b), tt.offset, func(context.Context) (map[string]string, error) {
				snapshotCalls++
				return map[string]string{"k": "v"}, nil
			})
			require.NoError(t, err)
			defer sub.Close()

			assert.True(t, sub.Full)
			assert.Equal(t, 1, snapshotCalls)
			assert.Equal(t, uint64(4), sub.Offset)
			assert.Equal(t, map[string]string{"k": "v"}, sub.Snapshot)
		})
	}
}

func TestBacklog_SnapshotErrorFailsSubscribe(t *testing.T) {
	b := NewBacklog(2, nil, nil)
	boom := errors.New("boom")

	_, err := b.Subscribe(context.Background(), "r1", "", 0, func(context.Context) (map[string]string, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, b.Info().Replicas)
}

func TestBacklog_LaggingSubscriberIsDropped(t *testing.T) {
	b := NewBacklog(2, nil, nil)
	ctx := context.Background()
	sub, err := b.Subscribe(ctx, "slow", b.Info().ReplID, 0, noSnapshot(t))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		b.ReplicateVerbatim(ctx, argv("secure.del", "k"))
	}

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrLagging)
	assert.Equal(t, 0, b.Info().Replicas)
}

func TestBacklog_ResetFailsSubscribersAndChangesReplID(t *testing.T) {
	b := NewBacklog(4, nil, nil)
	ctx := context.Background()
	b.ReplicateVerbatim(ctx, argv("secure.set", "a", "1"))
	before := b.Info()

	sub, err := b.Subscribe(ctx, "r1", before.ReplID, before.Offset, noSnapshot(t))
	require.NoError(t, err)

	newID := b.Reset()
	assert.NotEqual(t, before.ReplID, newID)

	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, ErrReset)

	after := b.Info()
	assert.Equal(t, before.Offset, after.Offset)
	assert.Equal(t, 0, after.Entries)
	assert.Equal(t, 0, after.Replicas)
}

func TestSubscription_NextHonorsContext(t *testing.T) {
	b := NewBacklog(4, nil, nil)
	sub, err := b.Subscribe(context.Background(), "r1", b.Info().ReplID, 0, noSnapshot(t))
	require.NoError(t, err)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = sub.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(subj string, data []byte) error {
	p.subjects = append(p.subjects, subj)
	p.payloads = append(p.payloads, data)
	return p.err
}

type countingMetrics struct {
	noopMetrics
	sinkErrors map[string]int
}

func (m *countingMetrics) IncSinkError(sink string) { m.sinkErrors[sink]++ }

func TestNATSSink_PublishesEveryEntry(t *testing.T) {
	pub := &fakePublisher{}
	sink := NewNATSSink(pub, "")
	b := NewBacklog(4, nil, nil, sink)

	b.ReplicateVerbatim(context.Background(), argv("secure.set", "k", "v"))
	b.ReplicateVerbatim(context.Background(), argv("secure.del", "k"))

	require.Len(t, pub.payloads, 2)
	assert.Equal(t, []string{DefaultNATSSubject, DefaultNATSSubject}, pub.subjects)

	var e Entry
	require.NoError(t, json.Unmarshal(pub.payloads[1], &e))
	assert.Equal(t, uint64(2), e.Offset)
	assert.Equal(t, []string{"secure.del", "k"}, e.Args)
	assert.NotEmpty(t, e.ID)
}

func TestNATSSink_ErrorDoesNotBlockReplication(t *testing.T) {
	pub := &fakePublisher{err: errors.New("nats: connection closed")}
	m := &countingMetrics{sinkErrors: map[string]int{}}
	b := NewBacklog(4, nil, m, NewNATSSink(pub, "custom.subject"))

	b.ReplicateVerbatim(context.Background(), argv("secure.set", "k", "v"))

	assert.Equal(t, uint64(1), b.Info().Offset)
	assert.Equal(t, 1, m.sinkErrors["nats"])
	assert.Equal(t, []string{"custom.subject"}, pub.subjects)
}
