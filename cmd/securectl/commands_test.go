package main

import (
	"bytes"
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i-melnichenko/secure-storage/internal/command"
	"github.com/i-melnichenko/secure-storage/internal/host"
	"github.com/i-melnichenko/secure-storage/internal/kv"
	"github.com/i-melnichenko/secure-storage/internal/replication"
	replgrpc "github.com/i-melnichenko/secure-storage/internal/transport/grpc/replication"
)

func startNode(t *testing.T, readOnly bool) string {
	t.Helper()

	store := kv.NewStore(nil)
	secure := command.NewSecure(store, replication.NewBacklog(16, nil, nil), nil, nil, nil)
	d, err := host.NewDispatcher(host.Options{ReadOnly: readOnly}, secure.Module())
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := host.NewServer(d, 16, nil, nil)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, lis) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return lis.Addr().String()
}

func execute(t *testing.T, addr, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--addr", addr, "--timeout", "2s"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands_RoundTrip(t *testing.T) {
	addr := startNode(t, false)

	out, err := execute(t, addr, "", "set", "b", "2")
	require.NoError(t, err)
	assert.Equal(t, "OK\n", out)

	_, err = execute(t, addr, "", "set", "a", "1")
	require.NoError(t, err)

	out, err = execute(t, addr, "", "get", "a")
	require.NoError(t, err)
	assert.Equal(t, "a = 1\n", out)

	out, err = execute(t, addr, "", "keys")
	require.NoError(t, err)
	assert.Equal(t, "a\nb\n", out)

	out, err = execute(t, addr, "", "del", "a")
	require.NoError(t, err)
	assert.Equal(t, "(integer) 1\n", out)

	out, err = execute(t, addr, "", "get", "a")
	require.NoError(t, err)
	assert.Equal(t, "(not found) a\n", out)

	out, err = execute(t, addr, "", "ping")
	require.NoError(t, err)
	assert.Equal(t, "PONG\n", out)

	out, err = execute(t, addr, "", "do", "secure.get", "b")
	require.NoError(t, err)
	assert.Equal(t, "\"2\"\n", out)
}

func TestCommands_SetAgainstReplicaIsRejected(t *testing.T) {
	addr := startNode(t, true)

	_, err := execute(t, addr, "", "set", "k", "v")
	assert.ErrorContains(t, err, "read-only replica")
}

func TestCommands_SetBatch(t *testing.T) {
	addr := startNode(t, false)

	in := "k1\tv1\n\nbroken line\nk2\tv2\n"
	out, err := execute(t, addr, in, "set-batch")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "ok\t1\t"))
	assert.True(t, strings.HasSuffix(lines[0], "\tk1"))
	assert.Equal(t, "err\t2\t0\t\tinvalid_tsv_line", lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "ok\t3\t"))

	out, err = execute(t, addr, "", "get", "k2")
	require.NoError(t, err)
	assert.Equal(t, "k2 = v2\n", out)
}

func TestRenderNodeInfo(t *testing.T) {
	var out bytes.Buffer
	err := renderNodeInfo(&out, replgrpc.NodeInfo{
		NodeID: "replica-1",
		Role:   "replica",
		Keys:   3,
		Backlog: replication.Info{
			ReplID:   "r1",
			Offset:   9,
			Entries:  2,
			Capacity: 16,
		},
		Link: &replication.ReplicaStatus{LinkUp: true, ReplID: "p1", Offset: 9},
	})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "replica-1")
	assert.Contains(t, text, "2/16 from 0")
	assert.Regexp(t, `link\s+up`, text)
	assert.Regexp(t, `applied offset\s+9`, text)
}
