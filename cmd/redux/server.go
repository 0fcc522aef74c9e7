package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-redux/internal/callsite"
	"github.com/23skdu/longbow-redux/internal/client"
	"github.com/23skdu/longbow-redux/internal/device"
	"github.com/23skdu/longbow-redux/internal/redux"
)

var (
	elementsReduced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "redux_elements_reduced_total",
		Help: "The total number of input elements reduced by the server",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "redux_request_duration_seconds",
		Help:    "Time spent processing reduce requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler"})

	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "redux_requests_total",
		Help: "Reduce requests by handler and HTTP status code",
	}, []string{"handler", "code"})
)

type FlightClientInterface interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

// Server serves reductions over HTTP and Flight. Every in-flight request
// owns a call-site from the pool; the semaphore bounds the number of input
// elements resident at once.
type Server struct {
	backend      device.Backend
	pool         *callsite.Pool
	flightClient FlightClientInterface
	datasetName  string
	alloc        memory.Allocator
	builder      *client.RecordBatchBuilder
	sem          *semaphore.Weighted
	maxElements  int64
}

func NewServer(backend device.Backend, fc FlightClientInterface, dataset string, maxConcurrent int, maxElements int64) *Server {
	if maxElements < 1 {
		maxElements = 1
	}
	return &Server{
		backend:      backend,
		pool:         callsite.NewPool(maxConcurrent, func() (*redux.Dispatcher, error) { return redux.NewForBackend(backend) }),
		flightClient: fc,
		datasetName:  dataset,
		alloc:        memory.NewGoAllocator(),
		builder:      client.NewRecordBatchBuilder(memory.NewGoAllocator()),
		sem:          semaphore.NewWeighted(maxElements),
		maxElements:  maxElements,
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/reduce", s.handleReduce)
	mux.HandleFunc("/reduce/arrow", s.handleReduceArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) Close() error {
	return s.pool.Close()
}

func startServer(ctx context.Context, addr string, srv *Server) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Starting Redux Server")
	if srv.flightClient != nil {
		log.Info().Str("dataset", srv.datasetName).Msg("Forwarding results to Flight server")
	}
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

var tracer = otel.Tracer("redux-server")

// requestError marks a malformed request.
type requestError struct{ err error }

func (e *requestError) Error() string { return e.err.Error() }
func (e *requestError) Unwrap() error { return e.err }

func badRequest(err error) error { return &requestError{err: err} }

// errTooLarge rejects inputs above the server's element limit.
var errTooLarge = errors.New("input exceeds the element limit")

// admit checks that an input of shape may be held by the server and
// returns its element count.
func (s *Server) admit(shape []int) (int, error) {
	n, err := device.ElemCount(shape)
	if err != nil {
		return 0, badRequest(fmt.Errorf("invalid shape %v: %w", shape, err))
	}
	if int64(n) > s.maxElements {
		return 0, fmt.Errorf("%w: shape %v has %d elements, limit %d", errTooLarge, shape, n, s.maxElements)
	}
	return n, nil
}

// statusFor maps a reduce failure to an HTTP status code.
func statusFor(err error) int {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return http.StatusBadRequest
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, device.ErrOutOfMemory):
		return http.StatusServiceUnavailable
	}
	switch redux.KindOf(err) {
	case redux.KindArgument:
		return http.StatusBadRequest
	case redux.KindAllocation:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// reduce runs job j over values shaped by shape on a pooled call-site.
func (s *Server) reduce(ctx context.Context, j *Job, shape []int, values []float64) (*client.Reduction, error) {
	ctx, span := tracer.Start(ctx, "Server.reduce")
	defer span.End()

	pl, err := j.resolve(len(shape))
	if err != nil {
		return nil, badRequest(err)
	}
	n, err := s.admit(shape)
	if err != nil {
		return nil, err
	}
	if len(values) != n {
		return nil, badRequest(fmt.Errorf("%d values for shape %v (%d elements)", len(values), shape, n))
	}
	span.SetAttributes(attribute.Int("elements", n), attribute.String("op", pl.params.Op.String()))

	// Admission control
	weight := int64(n)
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, err
	}
	defer s.sem.Release(weight)

	d, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Release(d)

	out, err := execute(ctx, s.backend, d, shape, values, pl)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	elementsReduced.Add(float64(n))

	if s.flightClient != nil {
		if err := s.forward(ctx, out); err != nil {
			log.Error().Err(err).Msg("Error forwarding result to Flight server")
		}
	}
	return out, nil
}

func (s *Server) forward(ctx context.Context, r *client.Reduction) error {
	rec, err := s.builder.BuildRecordBatch(r)
	if err != nil {
		return err
	}
	defer rec.Release()
	return s.flightClient.DoPut(ctx, s.datasetName, rec)
}

// reduceResponse is the body of a successful /reduce call.
type reduceResponse struct {
	Shape   []int     `json:"shape" cbor:"shape"`
	Values  []float64 `json:"values" cbor:"values"`
	Indices []uint32  `json:"indices,omitempty" cbor:"indices,omitempty"`
}

func isJSON(r *http.Request) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && mt == "application/json"
}

func (s *Server) handleReduce(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleReduce")
	defer span.End()

	start := time.Now()
	code := http.StatusOK
	defer func() {
		requestDuration.WithLabelValues("reduce").Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues("reduce", strconv.Itoa(code)).Inc()
	}()

	if r.Method != http.MethodPost {
		code = http.StatusMethodNotAllowed
		http.Error(w, "Method not allowed", code)
		return
	}

	useJSON := isJSON(r)
	var job Job
	var err error
	if useJSON {
		err = json.NewDecoder(r.Body).Decode(&job)
	} else {
		err = cbor.NewDecoder(r.Body).Decode(&job)
	}
	if err != nil {
		span.RecordError(err)
		code = http.StatusBadRequest
		http.Error(w, fmt.Sprintf("Bad Request (decode): %v", err), code)
		return
	}

	if _, err := s.admit(job.Shape); err != nil {
		code = statusFor(err)
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), code)
		return
	}
	values, err := job.inputValues()
	if err != nil {
		code = http.StatusBadRequest
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), code)
		return
	}

	out, err := s.reduce(ctx, &job, job.Shape, values)
	if err != nil {
		code = statusFor(err)
		log.Warn().Err(err).Int("code", code).Msg("Reduce request failed")
		http.Error(w, err.Error(), code)
		return
	}

	resp := reduceResponse{Shape: out.Shape, Values: out.Values, Indices: out.Indices}
	if useJSON {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
		return
	}
	data, err := cbor.Marshal(resp)
	if err != nil {
		code = http.StatusInternalServerError
		http.Error(w, err.Error(), code)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(data)
}

// jobFromQuery reads the reduction options of /reduce/arrow.
func jobFromQuery(r *http.Request) (*Job, error) {
	q := r.URL.Query()
	axes, err := parseAxes(q.Get("axes"))
	if err != nil {
		return nil, err
	}
	j := &Job{
		DType: q.Get("dtype"),
		Axes:  axes,
		Op:    q.Get("op"),
		Acc:   q.Get("acc"),
	}
	if v := q.Get("indices"); v != "" {
		if j.Indices, err = strconv.ParseBool(v); err != nil {
			return nil, fmt.Errorf("invalid indices flag %q", v)
		}
	}
	return j, nil
}

// parseAxes parses a comma separated axis list such as "0,2".
func parseAxes(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	axes := make([]int, len(parts))
	for i, p := range parts {
		a, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || a < 0 {
			return nil, fmt.Errorf("invalid axis %q", p)
		}
		axes[i] = a
	}
	return axes, nil
}

func (s *Server) handleReduceArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleReduceArrow")
	defer span.End()

	start := time.Now()
	code := http.StatusOK
	defer func() {
		requestDuration.WithLabelValues("reduce_arrow").Observe(time.Since(start).Seconds())
		requestsTotal.WithLabelValues("reduce_arrow", strconv.Itoa(code)).Inc()
	}()

	if r.Method != http.MethodPost {
		code = http.StatusMethodNotAllowed
		http.Error(w, "Method not allowed", code)
		return
	}

	job, err := jobFromQuery(r)
	if err != nil {
		code = http.StatusBadRequest
		http.Error(w, fmt.Sprintf("Bad Request: %v", err), code)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		code = http.StatusBadRequest
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), code)
		return
	}
	defer reader.Release()

	// The response stream carries a single schema, so every batch has to
	// reduce to the same shape.
	var results []*client.Reduction
	for reader.Next() {
		shape, values, err := client.ReadInput(reader.Record())
		if err != nil {
			code = http.StatusBadRequest
			http.Error(w, fmt.Sprintf("Bad Request: %v", err), code)
			return
		}
		out, err := s.reduce(ctx, job, shape, values)
		if err != nil {
			code = statusFor(err)
			log.Warn().Err(err).Int("code", code).Msg("Arrow reduce request failed")
			http.Error(w, err.Error(), code)
			return
		}
		if len(results) > 0 && client.FormatShape(out.Shape) != client.FormatShape(results[0].Shape) {
			code = http.StatusBadRequest
			http.Error(w, "Bad Request: batches reduce to different shapes", code)
			return
		}
		results = append(results, out)
	}
	if err := reader.Err(); err != nil {
		log.Error().Err(err).Msg("Error reading Arrow stream")
		code = http.StatusBadRequest
		http.Error(w, "Stream error", code)
		return
	}
	span.SetAttributes(attribute.Int("batches", len(results)))

	w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
	var writer *ipc.Writer
	for _, res := range results {
		rec, err := s.builder.BuildRecordBatch(res)
		if err != nil {
			log.Error().Err(err).Msg("Failed to build result batch")
			break
		}
		if writer == nil {
			writer = ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			log.Error().Err(err).Msg("Failed to write result batch")
			break
		}
	}
	if writer != nil {
		_ = writer.Close()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
