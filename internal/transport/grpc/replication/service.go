// Package replgrpc carries the replication stream between a primary and its
// replicas over gRPC.
package replgrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/i-melnichenko/secure-storage/internal/resp"
)

const (
	serviceName    = "securestorage.replication.v1.ReplicationService"
	syncMethodName = "/" + serviceName + "/Sync"
	infoMethodName = "/" + serviceName + "/Info"
)

// MaxMessageSize bounds one frame in either direction. An entry frame may
// carry a key and a value of resp.MaxBulkLen each.
const MaxMessageSize = 2*resp.MaxBulkLen + 1<<20

// ServerOptions returns the options a gRPC server hosting the replication
// service needs.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(MaxMessageSize),
		grpc.MaxSendMsgSize(MaxMessageSize),
	}
}

// ReplicationServiceServer is the server API for the replication service.
// Requests and frames are google.protobuf.Struct messages; see mapping.go for
// their fields.
type ReplicationServiceServer interface {
	Sync(req *structpb.Struct, stream grpc.ServerStream) error
	Info(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterReplicationServiceServer registers srv on s.
func RegisterReplicationServiceServer(s grpc.ServiceRegistrar, srv ReplicationServiceServer) {
	s.RegisterService(&replicationServiceDesc, srv)
}

func syncHandler(srv any, stream grpc.ServerStream) error {
	req := new(structpb.Struct)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(ReplicationServiceServer).Sync(req, stream)
}

var replicationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ReplicationServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Info",
			Handler:    infoHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Sync",
			Handler:       syncHandler,
			ServerStreams: true,
		},
	},
	Metadata: "securestorage/replication/v1/replication.proto",
}
