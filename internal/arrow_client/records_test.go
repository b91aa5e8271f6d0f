package arrow_client

import (
	"bytes"
	"testing"
	"time"

	"github.com/23skdu/longbow-precision/internal/precision"
	"github.com/23skdu/longbow-precision/internal/transition"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

func TestBuildTraceRecord(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	traces := makeTraces(3)
	traces[1].BitDepth = precision.INT4
	traces[1].Decision = precision.Lower

	rec := BuildTraceRecord(mem, traces)
	defer rec.Release()

	if rec.NumRows() != 3 {
		t.Fatalf("Expected 3 rows, got %d", rec.NumRows())
	}
	if !rec.Schema().Equal(TraceSchema) {
		t.Errorf("Unexpected schema: %v", rec.Schema())
	}
	ids := rec.Column(0).(*array.String)
	if ids.Value(0) != traces[0].ID.String() {
		t.Errorf("Expected id %s, got %s", traces[0].ID, ids.Value(0))
	}
	bits := rec.Column(2).(*array.Uint8)
	if bits.Value(1) != uint8(precision.INT4) {
		t.Errorf("Expected bits 4, got %d", bits.Value(1))
	}
	decisions := rec.Column(7).(*array.String)
	if decisions.Value(1) != "lower" {
		t.Errorf("Expected decision lower, got %s", decisions.Value(1))
	}
	at := rec.Column(9).(*array.Timestamp)
	if at.Value(0) != arrow.Timestamp(traces[0].RecordedAt.UnixMicro()) {
		t.Errorf("Timestamp mismatch")
	}
}

func TestWriteTransitionsIPC(t *testing.T) {
	now := time.Now()
	records := []transition.Record{
		{From: transition.Dispatch, To: transition.Quantize, Weight: 2, BitDepth: precision.INT8, At: now},
		{From: transition.Quantize, To: transition.Infer, Weight: 1, BitDepth: precision.INT4, At: now},
	}

	var buf bytes.Buffer
	if err := WriteTransitionsIPC(&buf, records); err != nil {
		t.Fatalf("WriteTransitionsIPC failed: %v", err)
	}

	r, err := ipc.NewFileReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("Failed to open IPC file: %v", err)
	}
	defer r.Close()

	if r.NumRecords() != 1 {
		t.Fatalf("Expected 1 record, got %d", r.NumRecords())
	}
	rec, err := r.Record(0)
	if err != nil {
		t.Fatal(err)
	}
	if rec.NumRows() != 2 {
		t.Fatalf("Expected 2 rows, got %d", rec.NumRows())
	}
	from := rec.Column(0).(*array.String)
	weight := rec.Column(2).(*array.Uint32)
	if from.Value(1) != string(transition.Quantize) || weight.Value(1) != 1 {
		t.Errorf("Unexpected row 1: %s / %d", from.Value(1), weight.Value(1))
	}
}
