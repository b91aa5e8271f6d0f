package arrow_client

import (
	"fmt"
	"io"

	"github.com/23skdu/longbow-precision/internal/precision"
	"github.com/23skdu/longbow-precision/internal/transition"
	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// TraceSchema is the column layout of exported inference traces.
var TraceSchema = arrow.NewSchema([]arrow.Field{
	{Name: "id", Type: arrow.BinaryTypes.String},
	{Name: "expert", Type: arrow.BinaryTypes.String},
	{Name: "bits", Type: arrow.PrimitiveTypes.Uint8},
	{Name: "hardware", Type: arrow.BinaryTypes.String},
	{Name: "accuracy", Type: arrow.PrimitiveTypes.Float64},
	{Name: "latency", Type: arrow.PrimitiveTypes.Float64},
	{Name: "token_loss", Type: arrow.PrimitiveTypes.Float64},
	{Name: "decision", Type: arrow.BinaryTypes.String},
	{Name: "input_size", Type: arrow.PrimitiveTypes.Int64},
	{Name: "recorded_at", Type: arrow.FixedWidthTypes.Timestamp_us},
}, nil)

// TransitionSchema is the column layout of the stage transition log.
var TransitionSchema = arrow.NewSchema([]arrow.Field{
	{Name: "from", Type: arrow.BinaryTypes.String},
	{Name: "to", Type: arrow.BinaryTypes.String},
	{Name: "weight", Type: arrow.PrimitiveTypes.Uint32},
	{Name: "bits", Type: arrow.PrimitiveTypes.Uint8},
	{Name: "at", Type: arrow.FixedWidthTypes.Timestamp_us},
}, nil)

// BuildTraceRecord converts traces to one record. The caller releases it.
func BuildTraceRecord(mem memory.Allocator, traces []precision.InferenceTrace) arrow.Record {
	b := array.NewRecordBuilder(mem, TraceSchema)
	defer b.Release()

	id := b.Field(0).(*array.StringBuilder)
	expert := b.Field(1).(*array.StringBuilder)
	bits := b.Field(2).(*array.Uint8Builder)
	hw := b.Field(3).(*array.StringBuilder)
	acc := b.Field(4).(*array.Float64Builder)
	lat := b.Field(5).(*array.Float64Builder)
	loss := b.Field(6).(*array.Float64Builder)
	decision := b.Field(7).(*array.StringBuilder)
	size := b.Field(8).(*array.Int64Builder)
	at := b.Field(9).(*array.TimestampBuilder)

	b.Reserve(len(traces))
	for _, t := range traces {
		id.Append(t.ID.String())
		expert.Append(string(t.Expert))
		bits.Append(uint8(t.BitDepth))
		hw.Append(t.Hardware.Category())
		acc.Append(t.Accuracy)
		lat.Append(t.Latency)
		loss.Append(t.TokenLoss)
		decision.Append(t.Decision.String())
		size.Append(int64(t.InputSize))
		at.Append(arrow.Timestamp(t.RecordedAt.UnixMicro()))
	}
	return b.NewRecord()
}

// BuildTransitionRecord converts transition records to one Arrow record.
func BuildTransitionRecord(mem memory.Allocator, records []transition.Record) arrow.Record {
	b := array.NewRecordBuilder(mem, TransitionSchema)
	defer b.Release()

	from := b.Field(0).(*array.StringBuilder)
	to := b.Field(1).(*array.StringBuilder)
	weight := b.Field(2).(*array.Uint32Builder)
	bits := b.Field(3).(*array.Uint8Builder)
	at := b.Field(4).(*array.TimestampBuilder)

	b.Reserve(len(records))
	for _, r := range records {
		from.Append(string(r.From))
		to.Append(string(r.To))
		weight.Append(r.Weight)
		bits.Append(uint8(r.BitDepth))
		at.Append(arrow.Timestamp(r.At.UnixMicro()))
	}
	return b.NewRecord()
}

// WriteTransitionsIPC writes the transition log as an Arrow IPC file.
func WriteTransitionsIPC(w io.Writer, records []transition.Record) error {
	mem := memory.NewGoAllocator()
	rec := BuildTransitionRecord(mem, records)
	defer rec.Release()

	fw, err := ipc.NewFileWriter(w, ipc.WithSchema(TransitionSchema), ipc.WithAllocator(mem))
	if err != nil {
		return fmt.Errorf("failed to create IPC writer: %w", err)
	}
	if err := fw.Write(rec); err != nil {
		fw.Close()
		return fmt.Errorf("failed to write transitions: %w", err)
	}
	if err := fw.Close(); err != nil {
		return fmt.Errorf("failed to close IPC writer: %w", err)
	}
	return nil
}
