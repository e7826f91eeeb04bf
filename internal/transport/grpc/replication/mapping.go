package replgrpc

import (
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/i-melnichenko/secure-storage/internal/replication"
)

// Frame types sent on the Sync stream. A full header is followed by zero or
// more snapshot frames and one snapshot_end frame before any entry.
const (
	frameFull        = "full"
	framePartial     = "partial"
	frameEntry       = "entry"
	frameSnapshot    = "snapshot"
	frameSnapshotEnd = "snapshot_end"
)

// snapshotChunkBytes bounds the key and value bytes carried by one snapshot
// frame. A single pair larger than the bound travels alone.
const snapshotChunkBytes = 1 << 20

// Offsets travel as decimal strings: Struct numbers are float64 and lose
// precision above 2^53.

// --- Sync request ---

type syncRequest struct {
	Replica string
	ReplID  string
	Offset  uint64
}

func syncRequestToPB(r syncRequest) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"replica": structpb.NewStringValue(r.Replica),
		"replid":  structpb.NewStringValue(r.ReplID),
		"offset":  structpb.NewStringValue(formatOffset(r.Offset)),
	}}
}

func syncRequestFromPB(pb *structpb.Struct) (syncRequest, error) {
	offset, err := parseOffset(pb, "offset")
	if err != nil {
		return syncRequest{}, err
	}
	return syncRequest{
		Replica: stringField(pb, "replica"),
		ReplID:  stringField(pb, "replid"),
		Offset:  offset,
	}, nil
}

// --- Header frame ---

func headerToPB(h replication.SyncHeader) *structpb.Struct {
	typ := framePartial
	if h.Full {
		typ = frameFull
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type":   structpb.NewStringValue(typ),
		"replid": structpb.NewStringValue(h.ReplID),
		"offset": structpb.NewStringValue(formatOffset(h.Offset)),
	}}
}

// headerFromPB decodes a header frame. The snapshot of a full header arrives
// in the frames that follow; see readSnapshot.
func headerFromPB(pb *structpb.Struct) (replication.SyncHeader, error) {
	offset, err := parseOffset(pb, "offset")
	if err != nil {
		return replication.SyncHeader{}, err
	}
	h := replication.SyncHeader{ReplID: stringField(pb, "replid"), Offset: offset}

	switch typ := stringField(pb, "type"); typ {
	case framePartial:
	case frameFull:
		h.Full = true
	default:
		return replication.SyncHeader{}, fmt.Errorf("expected sync header, got frame type %q", typ)
	}
	return h, nil
}

// --- Snapshot frames ---

// sendSnapshot splits snap into frames of at most limit key and value bytes
// and finishes with an end frame carrying the key count.
func sendSnapshot(snap map[string]string, limit int, send func(*structpb.Struct) error) error {
	pairs := make(map[string]*structpb.Value)
	size := 0
	flush := func() error {
		if len(pairs) == 0 {
			return nil
		}
		err := send(&structpb.Struct{Fields: map[string]*structpb.Value{
			"type":  structpb.NewStringValue(frameSnapshot),
			"pairs": structpb.NewStructValue(&structpb.Struct{Fields: pairs}),
		}})
		pairs = make(map[string]*structpb.Value)
		size = 0
		return err
	}

	for k, v := range snap {
		if size > 0 && size+len(k)+len(v) > limit {
			if err := flush(); err != nil {
				return err
			}
		}
		pairs[k] = structpb.NewStringValue(v)
		size += len(k) + len(v)
	}
	if err := flush(); err != nil {
		return err
	}
	return send(&structpb.Struct{Fields: map[string]*structpb.Value{
		"type": structpb.NewStringValue(frameSnapshotEnd),
		"keys": structpb.NewStringValue(formatOffset(uint64(len(snap)))),
	}})
}

// readSnapshot collects snapshot frames until the end frame and checks the
// key count it announces.
func readSnapshot(recv func(any) error) (map[string]string, error) {
	snap := make(map[string]string)
	for {
		pb := new(structpb.Struct)
		if err := recv(pb); err != nil {
			return nil, err
		}
		switch typ := stringField(pb, "type"); typ {
		case frameSnapshot:
			for k, v := range pb.GetFields()["pairs"].GetStructValue().GetFields() {
				s, ok := v.GetKind().(*structpb.Value_StringValue)
				if !ok {
					return nil, fmt.Errorf("snapshot value for %q is not a string", k)
				}
				snap[k] = s.StringValue
			}
		case frameSnapshotEnd:
			want, err := parseOffset(pb, "keys")
			if err != nil {
				return nil, err
			}
			if uint64(len(snap)) != want {
				return nil, fmt.Errorf("snapshot ended after %d keys, primary sent %d", len(snap), want)
			}
			return snap, nil
		default:
			return nil, fmt.Errorf("expected snapshot frame, got frame type %q", typ)
		}
	}
}

// --- Entry frame ---

func entryToPB(e replication.Entry) *structpb.Struct {
	args := make([]*structpb.Value, len(e.Args))
	for i, a := range e.Args {
		args[i] = structpb.NewStringValue(a)
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"type":   structpb.NewStringValue(frameEntry),
		"offset": structpb.NewStringValue(formatOffset(e.Offset)),
		"id":     structpb.NewStringValue(e.ID),
		"args":   structpb.NewListValue(&structpb.ListValue{Values: args}),
		"at":     structpb.NewStringValue(e.At.UTC().Format(time.RFC3339Nano)),
	}}
}

func entryFromPB(pb *structpb.Struct) (replication.Entry, error) {
	if typ := stringField(pb, "type"); typ != frameEntry {
		return replication.Entry{}, fmt.Errorf("expected entry frame, got %q", typ)
	}
	offset, err := parseOffset(pb, "offset")
	if err != nil {
		return replication.Entry{}, err
	}

	values := pb.GetFields()["args"].GetListValue().GetValues()
	args := make([]string, len(values))
	for i, v := range values {
		s, ok := v.GetKind().(*structpb.Value_StringValue)
		if !ok {
			return replication.Entry{}, fmt.Errorf("entry %d: argument %d is not a string", offset, i)
		}
		args[i] = s.StringValue
	}

	e := replication.Entry{Offset: offset, ID: stringField(pb, "id"), Args: args}
	if at := stringField(pb, "at"); at != "" {
		e.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return replication.Entry{}, fmt.Errorf("entry %d: parse timestamp: %w", offset, err)
		}
	}
	return e, nil
}

func stringField(pb *structpb.Struct, name string) string {
	return pb.GetFields()[name].GetStringValue()
}

func formatOffset(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func parseOffset(pb *structpb.Struct, name string) (uint64, error) {
	raw := stringField(pb, name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", name, raw, err)
	}
	return v, nil
}
