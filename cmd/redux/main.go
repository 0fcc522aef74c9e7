package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/pprof"
	"strings"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/23skdu/longbow-redux/internal/client"
	"github.com/23skdu/longbow-redux/internal/device"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var (
	jobPath    = flag.String("job", "", "Path to a YAML job file (overrides the reduction flags)")
	shapeFlag  = flag.String("shape", "4,3,5", "Input shape, e.g. 4,3,5")
	dtypeFlag  = flag.String("dtype", "float32", "Input element type (float16, float32, float64)")
	axesFlag   = flag.String("axes", "1", "Comma separated axes to reduce")
	opFlag     = flag.String("op", "sum", "Reduction operator (sum, prod, min, max, amax, mean, norm1, norm2, mul_no_zeros)")
	accFlag    = flag.String("acc", "", "Accumulator type (defaults to the input type)")
	fillFlag   = flag.String("fill", "ones", "Input fill pattern (ones, zeros, range)")
	indices    = flag.Bool("indices", false, "Also return the source index of each result (min, max, amax)")
	useCUDA    = flag.Bool("cuda", false, "Use the cuDNN backend (requires a cuda build)")
	cudaDevice = flag.Int("device", 0, "CUDA device ordinal")
	maxMemory  = flag.String("max-memory", "0", "Host allocator limit (e.g. 4GB, 512MB); 0 is unlimited")
	cpuProfile = flag.String("cpuprofile", "", "Write cpu profile to file")
	serverAddr = flag.String("server", "", "Flight server to forward results to (e.g., localhost:3000)")
	dataset    = flag.String("dataset", "redux_results", "Target dataset name on the Flight server")
	listenAddr = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080)")
	flightAddr = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090)")
	logLevel   = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	enableOTel = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")

	maxConcurrent = flag.Int("max-concurrent", 8, "Maximum number of reductions in flight")
	maxElements   = flag.Int64("max-elements", 1<<26, "Maximum number of input elements resident at once")
)

// parseBytes parses sizes such as 4GB, 512MB, 64K or 1024.
func parseBytes(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" || s == "0" {
		return 0, nil
	}
	var val int64
	var unit string
	if n, _ := fmt.Sscanf(s, "%d%s", &val, &unit); n == 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	if val < 0 {
		return 0, fmt.Errorf("negative size %q", s)
	}

	switch strings.TrimSuffix(unit, "B") {
	case "G":
		return val << 30, nil
	case "M":
		return val << 20, nil
	case "K":
		return val << 10, nil
	case "":
		return val, nil
	default:
		return 0, fmt.Errorf("unknown unit in size %q", s)
	}
}

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid log level")
	}
	zerolog.SetGlobalLevel(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	backend, err := openBackend()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open backend")
	}
	defer backend.Close()
	log.Info().Str("backend", backend.Name()).Str("primitive", backend.Primitive().Name()).Msg("Backend ready")

	// Server Mode
	if *listenAddr != "" || *flightAddr != "" {
		if err := serve(ctx, backend); err != nil {
			log.Fatal().Err(err).Msg("Server failed")
		}
		return
	}

	job, err := cliJob()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid job")
	}

	start := time.Now()
	out, err := job.Run(ctx, backend)
	if err != nil {
		log.Fatal().Err(err).Msg("Reduction failed")
	}
	log.Info().
		Ints("input", job.Shape).
		Ints("output", out.Shape).
		Ints("axes", job.Axes).
		Str("op", job.Op).
		Bool("indices", out.Indices != nil).
		Dur("elapsed", time.Since(start)).
		Msg("Reduced array")

	// If server is provided, send via Flight
	if *serverAddr != "" {
		log.Info().Str("server", *serverAddr).Str("dataset", *dataset).Msg("Sending result to Flight server")
		flightClient, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Flight server")
		}
		defer func() {
			if err := flightClient.Close(); err != nil {
				log.Warn().Err(err).Msg("Failed to close flight client")
			}
		}()

		ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()

		if err := flightClient.PutReduction(ctx, *dataset, out); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Msg("Successfully sent result")
		return
	}

	builder := client.NewRecordBatchBuilder(memory.NewGoAllocator())
	rec, err := builder.BuildRecordBatch(out)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build record batch")
	}
	defer rec.Release()

	if err := writeArrowStream(os.Stdout, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

func openBackend() (device.Backend, error) {
	if *useCUDA {
		return device.NewCUDABackend(*cudaDevice)
	}
	limit, err := parseBytes(*maxMemory)
	if err != nil {
		return nil, err
	}
	if limit > 0 {
		log.Info().Str("max_memory", *maxMemory).Int64("bytes", limit).Msg("Host memory limit")
	}
	return device.NewHost(device.WithMemoryLimit(limit)), nil
}

// cliJob builds the job from -job or from the reduction flags.
func cliJob() (*Job, error) {
	if *jobPath != "" {
		return LoadJob(*jobPath)
	}
	shape, err := client.ParseShape(*shapeFlag)
	if err != nil {
		return nil, err
	}
	axes, err := parseAxes(*axesFlag)
	if err != nil {
		return nil, err
	}
	return &Job{
		Shape:   shape,
		DType:   *dtypeFlag,
		Fill:    *fillFlag,
		Axes:    axes,
		Op:      *opFlag,
		Acc:     *accFlag,
		Indices: *indices,
	}, nil
}

func serve(ctx context.Context, backend device.Backend) error {
	var fc FlightClientInterface
	if *serverAddr != "" {
		c, err := client.NewFlightClient(*serverAddr)
		if err != nil {
			return fmt.Errorf("create flight client: %w", err)
		}
		log.Info().Str("addr", *serverAddr).Msg("Connected to Flight Server")
		fc = c
	}

	srv := NewServer(backend, fc, *dataset, *maxConcurrent, *maxElements)
	defer func() {
		if err := srv.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close call-site pool")
		}
		if fc != nil {
			_ = fc.Close()
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	if *listenAddr != "" {
		g.Go(func() error { return startServer(ctx, *listenAddr, srv) })
	}
	if *flightAddr != "" {
		g.Go(func() error { return startFlightServer(ctx, *flightAddr, srv) })
	}
	return g.Wait()
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("redux"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
