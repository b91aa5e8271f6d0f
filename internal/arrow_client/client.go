package arrow_client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/23skdu/longbow-precision/internal/logger"
	"github.com/23skdu/longbow-precision/internal/metrics"
	"github.com/23skdu/longbow-precision/internal/precision"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	// TracePath is the Flight descriptor path traces are put under.
	TracePath = "traces"

	DefaultBatchSize = 1024
)

var ErrNotConnected = errors.New("client not connected, call Connect() first")

// FlightClient exports folded inference traces to an Arrow Flight server.
type FlightClient struct {
	mu        sync.Mutex
	client    flight.Client
	addr      string
	batchSize int
	timeout   time.Duration
	mem       memory.Allocator
	log       *logger.Logger
}

// NewFlightClient creates an unconnected client. batchSize caps the rows
// per record; zero uses DefaultBatchSize.
func NewFlightClient(addr string, batchSize int) (*FlightClient, error) {
	if addr == "" {
		return nil, fmt.Errorf("flight address is empty")
	}
	if batchSize < 0 {
		return nil, fmt.Errorf("invalid batch size %d", batchSize)
	}
	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}
	return &FlightClient{
		addr:      addr,
		batchSize: batchSize,
		timeout:   30 * time.Second,
		mem:       memory.NewGoAllocator(),
		log:       logger.Log.With("component", "flight", "addr", addr),
	}, nil
}

// Connect establishes the gRPC channel. The dial is lazy, so an
// unreachable server surfaces on the first export.
func (fc *FlightClient) Connect(ctx context.Context) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.client != nil {
		return nil
	}
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	return nil
}

func (fc *FlightClient) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.client == nil {
		return nil
	}
	err := fc.client.Close()
	fc.client = nil
	return err
}

// ExportTraces sends traces in records of at most batchSize rows over a
// single DoPut stream.
func (fc *FlightClient) ExportTraces(ctx context.Context, traces []precision.InferenceTrace) error {
	err := fc.exportTraces(ctx, traces)
	metrics.RecordTraceExport(err)
	return err
}

func (fc *FlightClient) exportTraces(ctx context.Context, traces []precision.InferenceTrace) error {
	if len(traces) == 0 {
		return nil
	}
	fc.mu.Lock()
	client := fc.client
	fc.mu.Unlock()
	if client == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("failed to open DoPut stream: %w", err)
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(TraceSchema), ipc.WithAllocator(fc.mem))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{TracePath},
	})

	for start := 0; start < len(traces); start += fc.batchSize {
		end := min(start+fc.batchSize, len(traces))
		rec := BuildTraceRecord(fc.mem, traces[start:end])
		err := writer.Write(rec)
		rec.Release()
		if err != nil {
			writer.Close()
			return fmt.Errorf("failed to write record: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close stream: %w", err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("DoPut failed: %w", err)
		}
	}

	fc.log.Debug("Exported traces", "count", len(traces))
	return nil
}
