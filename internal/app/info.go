package app

import (
	"slices"
	"strconv"
	"time"

	"github.com/i-melnichenko/secure-storage/internal/command"
	"github.com/i-melnichenko/secure-storage/internal/host"
	replgrpc "github.com/i-melnichenko/secure-storage/internal/transport/grpc/replication"
)

// NodeInfo implements replgrpc.Inspector.
func (a *App) NodeInfo() replgrpc.NodeInfo {
	info := replgrpc.NodeInfo{
		NodeID:  a.config.NodeID,
		Role:    string(a.config.Role),
		Keys:    a.store.Len(),
		Backlog: a.backlog.Info(),
	}
	slices.Sort(info.Backlog.ReplicaNames)
	if a.replica != nil {
		st := a.replica.Status()
		info.Link = &st
	}
	return info
}

// infoSections are evaluated lazily, so they may refer to components that
// are created after the dispatcher.
func (a *App) infoSections() []host.Section {
	return []host.Section{
		{Name: "Server", Fields: a.serverFields},
		{Name: "Replication", Fields: a.replicationFields},
		{Name: "Keyspace", Fields: a.keyspaceFields},
	}
}

func (a *App) serverFields() [][2]string {
	return [][2]string{
		{"node_id", a.config.NodeID},
		{"module", command.ModuleName},
		{"module_version", strconv.Itoa(command.ModuleVersion)},
		{"role", string(a.config.Role)},
		{"resp_addr", a.config.RESPAddr},
		{"uptime_in_seconds", strconv.FormatInt(int64(time.Since(a.started).Seconds()), 10)},
	}
}

func (a *App) replicationFields() [][2]string {
	info := a.NodeInfo()
	b := info.Backlog

	if info.Link == nil {
		fields := [][2]string{
			{"role", "master"},
			{"connected_slaves", strconv.Itoa(b.Replicas)},
		}
		for i, name := range b.ReplicaNames {
			fields = append(fields, [2]string{"slave" + strconv.Itoa(i), "name=" + name})
		}
		return append(fields, backlogFields(b.ReplID, b.Offset, b.FirstOffset, b.Entries, b.Capacity)...)
	}

	link := info.Link
	status := "down"
	if link.LinkUp {
		status = "up"
	}
	fields := [][2]string{
		{"role", "slave"},
		{"master_host", a.config.PrimaryAddr},
		{"master_link_status", status},
		{"master_replid", link.ReplID},
		{"slave_repl_offset", strconv.FormatUint(link.Offset, 10)},
	}
	if !link.LastSyncAt.IsZero() {
		fields = append(fields, [2]string{"master_last_sync", link.LastSyncAt.UTC().Format(time.RFC3339)})
	}
	if link.LastError != "" {
		fields = append(fields, [2]string{"master_last_error", link.LastError})
	}
	return fields
}

func backlogFields(replID string, offset, first uint64, entries, capacity int) [][2]string {
	return [][2]string{
		{"master_replid", replID},
		{"master_repl_offset", strconv.FormatUint(offset, 10)},
		{"repl_backlog_active", strconv.Itoa(boolInt(entries > 0))},
		{"repl_backlog_size", strconv.Itoa(capacity)},
		{"repl_backlog_first_byte_offset", strconv.FormatUint(first, 10)},
		{"repl_backlog_histlen", strconv.Itoa(entries)},
	}
}

func (a *App) keyspaceFields() [][2]string {
	return [][2]string{{"db0", "keys=" + strconv.Itoa(a.store.Len())}}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
