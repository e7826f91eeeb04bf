package replgrpc

import (
	"context"
	"fmt"
	"sort"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/i-melnichenko/secure-storage/internal/replication"
)

// NodeInfo is the administrative view of a node returned by Info.
type NodeInfo struct {
	NodeID  string
	Role    string
	Keys    int
	Backlog replication.Info
	// Link is set on replicas only.
	Link *replication.ReplicaStatus
}

// Inspector reports the node state served by Info.
type Inspector interface {
	NodeInfo() NodeInfo
}

func infoHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServiceServer).Info(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: infoMethodName}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicationServiceServer).Info(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// Info returns administrative information about the current node.
func (s *Server) Info(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.inspector == nil {
		return nil, status.Error(codes.Unimplemented, "node info is not available")
	}
	return nodeInfoToPB(s.inspector.NodeInfo()), nil
}

// Info fetches administrative information from the remote node.
func (c *Client) Info(ctx context.Context) (NodeInfo, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, infoMethodName, &emptypb.Empty{}, out); err != nil {
		return NodeInfo{}, err
	}
	return nodeInfoFromPB(out)
}

func nodeInfoToPB(n NodeInfo) *structpb.Struct {
	names := append([]string(nil), n.Backlog.ReplicaNames...)
	sort.Strings(names)
	replicas := make([]*structpb.Value, len(names))
	for i, name := range names {
		replicas[i] = structpb.NewStringValue(name)
	}

	fields := map[string]*structpb.Value{
		"node_id":          structpb.NewStringValue(n.NodeID),
		"role":             structpb.NewStringValue(n.Role),
		"keys":             structpb.NewNumberValue(float64(n.Keys)),
		"replid":           structpb.NewStringValue(n.Backlog.ReplID),
		"offset":           structpb.NewStringValue(formatOffset(n.Backlog.Offset)),
		"first_offset":     structpb.NewStringValue(formatOffset(n.Backlog.FirstOffset)),
		"backlog_entries":  structpb.NewNumberValue(float64(n.Backlog.Entries)),
		"backlog_capacity": structpb.NewNumberValue(float64(n.Backlog.Capacity)),
		"replicas":         structpb.NewListValue(&structpb.ListValue{Values: replicas}),
	}
	if n.Link != nil {
		link := map[string]*structpb.Value{
			"up":         structpb.NewBoolValue(n.Link.LinkUp),
			"replid":     structpb.NewStringValue(n.Link.ReplID),
			"offset":     structpb.NewStringValue(formatOffset(n.Link.Offset)),
			"last_error": structpb.NewStringValue(n.Link.LastError),
		}
		if !n.Link.LastSyncAt.IsZero() {
			link["last_sync_at"] = structpb.NewStringValue(n.Link.LastSyncAt.UTC().Format(time.RFC3339Nano))
		}
		fields["link"] = structpb.NewStructValue(&structpb.Struct{Fields: link})
	}
	return &structpb.Struct{Fields: fields}
}

func nodeInfoFromPB(pb *structpb.Struct) (NodeInfo, error) {
	offset, err := parseOffset(pb, "offset")
	if err != nil {
		return NodeInfo{}, err
	}
	first, err := parseOffset(pb, "first_offset")
	if err != nil {
		return NodeInfo{}, err
	}

	fields := pb.GetFields()
	n := NodeInfo{
		NodeID: stringField(pb, "node_id"),
		Role:   stringField(pb, "role"),
		Keys:   int(fields["keys"].GetNumberValue()),
		Backlog: replication.Info{
			ReplID:      stringField(pb, "replid"),
			Offset:      offset,
			FirstOffset: first,
			Entries:     int(fields["backlog_entries"].GetNumberValue()),
			Capacity:    int(fields["backlog_capacity"].GetNumberValue()),
		},
	}
	for _, v := range fields["replicas"].GetListValue().GetValues() {
		n.Backlog.ReplicaNames = append(n.Backlog.ReplicaNames, v.GetStringValue())
	}
	n.Backlog.Replicas = len(n.Backlog.ReplicaNames)

	if link := fields["link"].GetStructValue(); link != nil {
		linkOffset, err := parseOffset(link, "offset")
		if err != nil {
			return NodeInfo{}, err
		}
		st := &replication.ReplicaStatus{
			LinkUp:    link.GetFields()["up"].GetBoolValue(),
			ReplID:    stringField(link, "replid"),
			Offset:    linkOffset,
			LastError: stringField(link, "last_error"),
		}
		if at := stringField(link, "last_sync_at"); at != "" {
			st.LastSyncAt, err = time.Parse(time.RFC3339Nano, at)
			if err != nil {
				return NodeInfo{}, fmt.Errorf("parse last_sync_at: %w", err)
			}
		}
		n.Link = st
	}
	return n, nil
}
