package replgrpc

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/i-melnichenko/secure-storage/internal/kv"
	"github.com/i-melnichenko/secure-storage/internal/replication"
)

// Backlog is the subset of *replication.Backlog required by the server.
type Backlog interface {
	Subscribe(ctx context.Context, name, replID string, offset uint64, snapshot replication.SnapshotFunc) (*replication.Subscription, error)
}

// Logger is a minimal structured logger interface, compatible with slog.Logger.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Server streams the backlog to replicas.
type Server struct {
	backlog   Backlog
	snapshot  replication.SnapshotFunc
	inspector Inspector
	tracer    oteltrace.Tracer
	logger    Logger
}

// NewServer creates a replication server. snapshot supplies the store
// contents for full resyncs. inspector, tracer and logger may be nil.
func NewServer(backlog Backlog, snapshot replication.SnapshotFunc, inspector Inspector, tracer oteltrace.Tracer, logger Logger) *Server {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("")
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Server{backlog: backlog, snapshot: snapshot, inspector: inspector, tracer: tracer, logger: logger}
}

// Sync sends a header frame, the snapshot frames of a full resync, then entry
// frames until the replica disconnects or falls behind.
func (s *Server) Sync(pbReq *structpb.Struct, stream grpc.ServerStream) error {
	req, err := syncRequestFromPB(pbReq)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	name := req.Replica
	if name == "" {
		if p, ok := peer.FromContext(stream.Context()); ok {
			name = p.Addr.String()
		}
	}

	ctx, span := s.tracer.Start(extractTraceContext(stream.Context()), "replgrpc.server.Sync",
		oteltrace.WithSpanKind(oteltrace.SpanKindServer),
		oteltrace.WithAttributes(
			attribute.String("replication.replica", name),
			attribute.String("replication.replid", req.ReplID),
			attribute.Int64("replication.offset", int64(req.Offset)),
		))
	defer span.End()

	sub, err := s.backlog.Subscribe(ctx, name, req.ReplID, req.Offset, s.snapshot)
	if err != nil {
		recordSpanError(span, err)
		return toGRPCStatus(err)
	}
	defer sub.Close()

	span.SetAttributes(
		attribute.Bool("replication.full", sub.Full),
		attribute.Int64("replication.start_offset", int64(sub.Offset)),
	)
	hdr := replication.SyncHeader{ReplID: sub.ReplID, Offset: sub.Offset, Full: sub.Full}
	if err := stream.SendMsg(headerToPB(hdr)); err != nil {
		recordSpanError(span, err)
		return err
	}
	if sub.Full {
		err := sendSnapshot(sub.Snapshot, snapshotChunkBytes, func(pb *structpb.Struct) error {
			return stream.SendMsg(pb)
		})
		if err != nil {
			recordSpanError(span, err)
			return err
		}
		span.SetAttributes(attribute.Int("replication.snapshot_keys", len(sub.Snapshot)))
	}
	s.logger.Info("replica attached", "replica", name, "full", sub.Full, "offset", sub.Offset)

	for {
		e, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("replica detached", "replica", name)
				return status.FromContextError(ctx.Err()).Err()
			}
			s.logger.Warn("replica stream ended", "replica", name, "error", err)
			recordSpanError(span, err)
			return toGRPCStatus(err)
		}
		if err := stream.SendMsg(entryToPB(e)); err != nil {
			recordSpanError(span, err)
			return err
		}
	}
}

func toGRPCStatus(err error) error {
	switch {
	case errors.Is(err, kv.ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, replication.ErrLagging):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, replication.ErrReset):
		return status.Error(codes.Aborted, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func recordSpanError(span oteltrace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
}
