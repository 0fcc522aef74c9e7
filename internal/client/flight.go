package client

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightClient forwards reduction results to a Flight server, one dataset
// path per put.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	builder *RecordBatchBuilder
}

// NewFlightClient creates a Flight client for addr. The connection is
// established lazily by gRPC.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("flight dial %s: %w", addr, err)
	}
	return &FlightClient{
		client:  flight.NewClientFromConn(conn, nil),
		conn:    conn,
		builder: NewRecordBatchBuilder(memory.NewGoAllocator()),
	}, nil
}

// DoPut streams one record batch to the dataset.
func (c *FlightClient) DoPut(ctx context.Context, dataset string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("flight DoPut: %w", err)
	}

	writer := flight.NewRecordWriter(stream)
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{dataset},
	})
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return fmt.Errorf("flight write: %w", err)
	}
	return writer.Close()
}

// PutReduction converts r to a record batch and sends it.
func (c *FlightClient) PutReduction(ctx context.Context, dataset string, r *Reduction) error {
	rec, err := c.builder.BuildRecordBatch(r)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	defer rec.Release()
	return c.DoPut(ctx, dataset, rec)
}

func (c *FlightClient) Close() error {
	return c.conn.Close()
}
