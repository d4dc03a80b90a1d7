// Package flightpub ships run summaries to an Arrow Flight endpoint so
// downstream analysis stores can ingest attention statistics without
// touching the dataset directory.
package flightpub

import (
	"context"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Summary is the per-run payload sent over Flight: one row per step.
type Summary struct {
	RunID               string
	Tokens              []string
	MeanTokenActivation [][]float32
	LatentL2Norm        []float64
}

// Publisher sends run summaries somewhere. Implementations must be
// safe to call once per run and must not retain the summary.
type Publisher interface {
	Publish(ctx context.Context, s Summary) error
	Close() error
}

// FlightPublisher streams summaries to a Flight server with DoPut.
type FlightPublisher struct {
	client  flight.Client
	timeout time.Duration
}

// Dial connects to a Flight endpoint over insecure gRPC.
func Dial(addr string) (*FlightPublisher, error) {
	client, err := flight.NewClientWithMiddleware(addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("flight dial %s: %w", addr, err)
	}
	return &FlightPublisher{client: client, timeout: 30 * time.Second}, nil
}

func (p *FlightPublisher) Close() error {
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

func summarySchema(tokenCount int) *arrow.Schema {
	return arrow.NewSchema([]arrow.Field{
		{Name: "step", Type: arrow.PrimitiveTypes.Int32},
		{Name: "latent_l2_norm", Type: arrow.PrimitiveTypes.Float64},
		{Name: "mean_token_activation", Type: arrow.FixedSizeListOf(int32(tokenCount), arrow.PrimitiveTypes.Float32)},
	}, nil)
}

func summaryRecord(s Summary) (arrow.Record, error) {
	if len(s.MeanTokenActivation) != len(s.LatentL2Norm) {
		return nil, fmt.Errorf("summary rows disagree: %d activations, %d norms",
			len(s.MeanTokenActivation), len(s.LatentL2Norm))
	}
	tokenCount := len(s.Tokens)
	schema := summarySchema(tokenCount)

	builder := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer builder.Release()

	steps := builder.Field(0).(*array.Int32Builder)
	norms := builder.Field(1).(*array.Float64Builder)
	activations := builder.Field(2).(*array.FixedSizeListBuilder)
	values := activations.ValueBuilder().(*array.Float32Builder)

	for i, row := range s.MeanTokenActivation {
		if len(row) != tokenCount {
			return nil, fmt.Errorf("step %d activation has %d entries, want %d", i, len(row), tokenCount)
		}
		steps.Append(int32(i))
		norms.Append(s.LatentL2Norm[i])
		activations.Append(true)
		values.AppendValues(row, nil)
	}
	return builder.NewRecord(), nil
}

// Publish writes the whole summary as a single record batch under the
// path attnprobe/<run id>.
func (p *FlightPublisher) Publish(ctx context.Context, s Summary) error {
	record, err := summaryRecord(s)
	if err != nil {
		return err
	}
	defer record.Release()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	stream, err := p.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("flight doput: %w", err)
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	wr.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{"attnprobe", s.RunID},
	})
	if err := wr.Write(record); err != nil {
		wr.Close()
		return fmt.Errorf("flight write: %w", err)
	}
	if err := wr.Close(); err != nil {
		return fmt.Errorf("flight close: %w", err)
	}
	return stream.CloseSend()
}
