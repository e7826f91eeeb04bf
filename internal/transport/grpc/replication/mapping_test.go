package replgrpc

import (
	"fmt"
	"math"
	"strings"
	"testing"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/i-melnichenko/secure-storage/internal/replication"
)

func TestOffsetsSurviveAbove2Pow53(t *testing.T) {
	h := replication.SyncHeader{ReplID: "r", Offset: math.MaxUint64 - 1}
	got, err := headerFromPB(headerToPB(h))
	if err != nil {
		t.Fatalf("headerFromPB: %v", err)
	}
	if got.Offset != h.Offset {
		t.Errorf("Offset: want %d, got %d", h.Offset, got.Offset)
	}
}

func TestHeaderFromPB_RejectsEntryFrame(t *testing.T) {
	_, err := headerFromPB(entryToPB(replication.Entry{Offset: 1, Args: []string{"secure.del", "k"}}))
	if err == nil || !strings.Contains(err.Error(), "expected sync header") {
		t.Fatalf("want sync header error, got %v", err)
	}
}

func TestEntryFromPB_RejectsNonStringArgument(t *testing.T) {
	pb, err := structpb.NewStruct(map[string]any{
		"type":   "entry",
		"offset": "3",
		"args":   []any{"secure.set", 1.5, "v"},
	})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}

	_, err = entryFromPB(pb)
	if err == nil || !strings.Contains(err.Error(), "argument 1 is not a string") {
		t.Fatalf("want non-string argument error, got %v", err)
	}
}

func TestSyncRequestFromPB_BadOffset(t *testing.T) {
	pb, err := structpb.NewStruct(map[string]any{"offset": "-1"})
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}

	if _, err := syncRequestFromPB(pb); err == nil {
		t.Fatal("expected error for negative offset")
	}
}

// frames records sent snapshot frames and replays them to readSnapshot.
type frames struct {
	sent []*structpb.Struct
	next int
}

func (f *frames) send(pb *structpb.Struct) error {
	f.sent = append(f.sent, pb)
	return nil
}

func (f *frames) recv(m any) error {
	if f.next == len(f.sent) {
		return fmt.Errorf("no more frames")
	}
	proto.Merge(m.(*structpb.Struct), f.sent[f.next])
	f.next++
	return nil
}

func TestSnapshot_SplitAcrossFrames(t *testing.T) {
	snap := make(map[string]string)
	for i := 0; i < 50; i++ {
		snap[fmt.Sprintf("key-%02d", i)] = strings.Repeat("v", 100)
	}

	f := &frames{}
	if err := sendSnapshot(snap, 1000, f.send); err != nil {
		t.Fatalf("sendSnapshot: %v", err)
	}
	// 50 pairs of 106 bytes at 1000 bytes per frame, plus the end frame.
	if len(f.sent) < 6 {
		t.Fatalf("want at least 6 frames, got %d", len(f.sent))
	}
	if typ := stringField(f.sent[len(f.sent)-1], "type"); typ != frameSnapshotEnd {
		t.Fatalf("last frame type: want %s, got %s", frameSnapshotEnd, typ)
	}

	got, err := readSnapshot(f.recv)
	if err != nil {
		t.Fatalf("readSnapshot: %v", err)
	}
	if len(got) != len(snap) {
		t.Fatalf("keys: want %d, got %d", len(snap), len(got))
	}
	for k, v := range snap {
		if got[k] != v {
			t.Errorf("%s: want %q, got %q", k, v, got[k])
		}
	}
}

func TestSnapshot_OversizedPairTravelsAlone(t *testing.T) {
	snap := map[string]string{"big": strings.Repeat("x", 4096)}

	f := &frames{}
	if err := sendSnapshot(snap, 1024, f.send); err != nil {
		t.Fatalf("sendSnapshot: %v", err)
	}
	if len(f.sent) != 2 {
		t.Fatalf("want one pair frame and the end frame, got %d frames", len(f.sent))
	}
	got, err := readSnapshot(f.recv)
	if err != nil {
		t.Fatalf("readSnapshot: %v", err)
	}
	if got["big"] != snap["big"] {
		t.Errorf("big value mismatch: got %d bytes", len(got["big"]))
	}
}

func TestSnapshot_EmptySendsOnlyEndFrame(t *testing.T) {
	f := &frames{}
	if err := sendSnapshot(map[string]string{}, 1024, f.send); err != nil {
		t.Fatalf("sendSnapshot: %v", err)
	}
	if len(f.sent) != 1 {
		t.Fatalf("want 1 frame, got %d", len(f.sent))
	}
	got, err := readSnapshot(f.recv)
	if err != nil {
		t.Fatalf("readSnapshot: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("want empty snapshot, got %v", got)
	}
}

func TestReadSnapshot_KeyCountMismatch(t *testing.T) {
	f := &frames{}
	if err := sendSnapshot(map[string]string{"a": "1", "b": "2"}, 1024, f.send); err != nil {
		t.Fatalf("sendSnapshot: %v", err)
	}
	// Drop the pair frame so the end frame announces more keys than arrived.
	f.sent = f.sent[1:]

	_, err := readSnapshot(f.recv)
	if err == nil || !strings.Contains(err.Error(), "snapshot ended after 0 keys") {
		t.Fatalf("want key count error, got %v", err)
	}
}

func TestReadSnapshot_RejectsEntryFrame(t *testing.T) {
	f := &frames{}
	_ = f.send(entryToPB(replication.Entry{Offset: 1, Args: []string{"secure.del", "k"}}))

	_, err := readSnapshot(f.recv)
	if err == nil || !strings.Contains(err.Error(), "expected snapshot frame") {
		t.Fatalf("want frame type error, got %v", err)
	}
}
