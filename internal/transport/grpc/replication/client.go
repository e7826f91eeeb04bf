package replgrpc

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/i-melnichenko/secure-storage/internal/replication"
)

// Client opens sync streams against a primary. It implements
// replication.Source.
type Client struct {
	target  string
	replica string
	conn    *grpc.ClientConn
	tracer  oteltrace.Tracer
}

// Dial creates a client for the primary at target. replica names this node
// in the primary's logs. The connection is lazy, so Dial succeeds while the
// primary is down. Frames up to MaxMessageSize are accepted unless opts
// override the call options.
func Dial(target, replica string, tracer oteltrace.Tracer, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(MaxMessageSize),
			grpc.MaxCallSendMsgSize(MaxMessageSize),
		),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("replication client: dial %s: %w", target, err)
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	return &Client{target: target, replica: replica, conn: conn, tracer: tracer}, nil
}

// Close closes the underlying gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Sync asks the primary to continue from replID:offset and returns the
// header it answered with. The stream stays open until ctx is canceled.
func (c *Client) Sync(ctx context.Context, replID string, offset uint64) (replication.SyncHeader, replication.Stream, error) {
	ctx, span := c.tracer.Start(ctx, "replgrpc.client.Sync",
		oteltrace.WithSpanKind(oteltrace.SpanKindClient),
		oteltrace.WithAttributes(
			attribute.String("replication.primary", c.target),
			attribute.String("replication.replid", replID),
			attribute.Int64("replication.offset", int64(offset)),
		))
	defer span.End()

	stream, err := c.conn.NewStream(injectTraceContext(ctx), &replicationServiceDesc.Streams[0], syncMethodName)
	if err != nil {
		recordSpanError(span, err)
		return replication.SyncHeader{}, nil, err
	}
	req := syncRequestToPB(syncRequest{Replica: c.replica, ReplID: replID, Offset: offset})
	if err := stream.SendMsg(req); err != nil {
		recordSpanError(span, err)
		return replication.SyncHeader{}, nil, err
	}
	if err := stream.CloseSend(); err != nil {
		recordSpanError(span, err)
		return replication.SyncHeader{}, nil, err
	}

	pb := new(structpb.Struct)
	if err := stream.RecvMsg(pb); err != nil {
		recordSpanError(span, err)
		return replication.SyncHeader{}, nil, err
	}
	hdr, err := headerFromPB(pb)
	if err != nil {
		recordSpanError(span, err)
		return replication.SyncHeader{}, nil, err
	}
	if hdr.Full {
		hdr.Snapshot, err = readSnapshot(stream.RecvMsg)
		if err != nil {
			recordSpanError(span, err)
			return replication.SyncHeader{}, nil, err
		}
		span.SetAttributes(attribute.Int("replication.snapshot_keys", len(hdr.Snapshot)))
	}
	span.SetAttributes(attribute.Bool("replication.full", hdr.Full))
	return hdr, entryStream{stream: stream}, nil
}

type entryStream struct {
	stream grpc.ClientStream
}

func (s entryStream) Recv() (replication.Entry, error) {
	pb := new(structpb.Struct)
	if err := s.stream.RecvMsg(pb); err != nil {
		return replication.Entry{}, err
	}
	return entryFromPB(pb)
}
