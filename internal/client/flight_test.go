package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockFlightServer struct {
	flight.BaseFlightServer

	mu      sync.Mutex
	paths   []string
	records []arrow.RecordBatch
}

func (s *mockFlightServer) DoPut(server flight.FlightService_DoPutServer) error {
	reader, err := flight.NewRecordReader(server)
	if err != nil {
		return err
	}
	defer reader.Release()

	var path string
	for reader.Next() {
		if desc := reader.LatestFlightDescriptor(); desc != nil && len(desc.Path) > 0 {
			path = desc.Path[0]
		}
		rec := reader.Record()
		rec.Retain()
		s.mu.Lock()
		s.paths = append(s.paths, path)
		s.records = append(s.records, rec)
		s.mu.Unlock()
	}
	return reader.Err()
}

func (s *mockFlightServer) received() ([]string, []arrow.RecordBatch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.paths...), append([]arrow.RecordBatch(nil), s.records...)
}

func TestFlightClient_PutReduction(t *testing.T) {
	mockServer := &mockFlightServer{}
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mockServer)

	require.NoError(t, server.Init("localhost:0"))
	addr := server.Addr().String()

	go func() {
		_ = server.Serve()
	}()
	defer server.Shutdown()

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = client.PutReduction(ctx, "reductions", &Reduction{
		Shape:   []int{2},
		Values:  []float64{3, 7},
		Indices: []uint32{1, 0},
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, recs := mockServer.received()
		return len(recs) == 1
	}, 5*time.Second, 10*time.Millisecond)

	paths, recs := mockServer.received()
	defer func() {
		for _, r := range recs {
			r.Release()
		}
	}()
	assert.Equal(t, []string{"reductions"}, paths)
	assert.Equal(t, int64(2), recs[0].NumRows())
	assert.Equal(t, int64(2), recs[0].NumCols())
}

func TestFlightClient_PutNil(t *testing.T) {
	client, err := NewFlightClient("localhost:1")
	require.NoError(t, err)
	defer client.Close()

	// Nothing to send, so no connection is attempted.
	assert.NoError(t, client.PutReduction(context.Background(), "x", nil))
}
