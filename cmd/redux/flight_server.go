package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-redux/internal/client"
)

// ReduxFlightServer reduces record batches streamed through DoExchange.
// The CMD descriptor of the exchange holds a CBOR encoded Job; its shape
// and values are ignored in favour of the batches.
type ReduxFlightServer struct {
	flight.BaseFlightServer
	srv   *Server
	alloc memory.Allocator
}

func NewReduxFlightServer(srv *Server) *ReduxFlightServer {
	return &ReduxFlightServer{
		srv:   srv,
		alloc: memory.NewGoAllocator(),
	}
}

// grpcError converts a reduce failure to a gRPC status.
func grpcError(err error) error {
	switch statusFor(err) {
	case http.StatusBadRequest:
		return status.Error(codes.InvalidArgument, err.Error())
	case http.StatusServiceUnavailable, http.StatusRequestEntityTooLarge:
		return status.Error(codes.ResourceExhausted, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *ReduxFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	desc := reader.LatestFlightDescriptor()
	if desc == nil || desc.Type != flight.DescriptorCMD {
		return status.Error(codes.InvalidArgument, "DoExchange needs a CMD descriptor holding the reduction")
	}
	var job Job
	if err := cbor.Unmarshal(desc.Cmd, &job); err != nil {
		return status.Errorf(codes.InvalidArgument, "decode reduction: %v", err)
	}

	// The writer is opened with the schema of the first result.
	var writer *flight.Writer
	defer func() {
		if writer != nil {
			_ = writer.Close()
		}
	}()

	ctx := stream.Context()
	batches := 0
	for reader.Next() {
		shape, values, err := client.ReadInput(reader.Record())
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		// Per-batch shapes travel as app metadata.
		if md := reader.LatestAppMetadata(); len(md) > 0 {
			if shape, err = client.ParseShape(string(md)); err != nil {
				return status.Error(codes.InvalidArgument, err.Error())
			}
		}

		if _, err := s.srv.admit(shape); err != nil {
			return grpcError(err)
		}

		out, err := s.srv.reduce(ctx, &job, shape, values)
		if err != nil {
			return grpcError(err)
		}
		rec, err := s.srv.builder.BuildRecordBatch(out)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
		}
		err = writer.WriteWithAppMetadata(rec, []byte(client.FormatShape(out.Shape)))
		rec.Release()
		if err != nil {
			return err
		}
		batches++
	}
	if err := reader.Err(); err != nil {
		return err
	}
	log.Debug().Int("batches", batches).Str("op", job.Op).Msg("DoExchange complete")
	return nil
}

func (s *ReduxFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	return status.Error(codes.Unimplemented, "DoPut is not supported, use DoExchange")
}

func startFlightServer(ctx context.Context, addr string, srv *Server) error {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewReduxFlightServer(srv))

	if err := server.Init(addr); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	log.Info().Str("addr", server.Addr().String()).Msg("Starting Redux Flight Server")
	if err := server.Serve(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
