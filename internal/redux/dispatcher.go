// Package redux dispatches axis reductions of dense device arrays to an
// accelerated reduction primitive.
//
// A Dispatcher is one call-site: it owns an input descriptor, an output
// descriptor and a reduction descriptor for its whole life and reconfigures
// them on every Reduce. Reduce translates an axis mask into the primitive's
// conventions (output described at the input's rank with reduced axes of
// size 1), allocates the output and optional index arrays, sizes and
// acquires the workspace, and runs the primitive once.
package redux

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/23skdu/longbow-redux/internal/device"
)

var tracer = otel.Tracer("longbow-redux/redux")

// Params describes one reduction.
type Params struct {
	// Axes is the set of axes to reduce.
	Axes AxisMask
	Op   device.ReduceOp
	// AccType is the precision used while combining elements.
	AccType device.DType
	// Handle is passed to the primitive untouched.
	Handle device.Handle
	// ReturnIndices requests the flattened source index of every output
	// element (min, max and amax only).
	ReturnIndices bool
}

// Result holds the arrays produced by a successful Reduce. The caller owns
// them and should Release them when done.
type Result struct {
	Output *device.Array
	// Indices is nil unless Params.ReturnIndices was set.
	Indices *device.Array

	WorkspaceBytes int
}

// Release frees the output and index arrays.
func (r *Result) Release() {
	if r == nil {
		return
	}
	if r.Output != nil {
		r.Output.Release()
	}
	if r.Indices != nil {
		r.Indices.Release()
	}
}

// Dispatcher is a reduction call-site. It is not safe for concurrent use:
// overlapping calls are rejected, and concurrent callers should each own a
// Dispatcher (see internal/callsite).
type Dispatcher struct {
	prim   device.ReducePrimitive
	caps   device.Capabilities
	mem    device.Allocator
	arrays device.ArrayAllocator
	log    zerolog.Logger

	input  *TensorDescriptor
	output *TensorDescriptor
	red    *ReductionDescriptor

	busy   atomic.Bool
	closed atomic.Bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger replaces the global zerolog logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.log = l }
}

// New creates a call-site on prim. mem provides workspaces and arrays
// provides output and index arrays.
func New(prim device.ReducePrimitive, mem device.Allocator, arrays device.ArrayAllocator, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		prim:   prim,
		caps:   prim.Capabilities(),
		mem:    mem,
		arrays: arrays,
		log:    log.Logger,
	}
	for _, o := range opts {
		o(d)
	}

	var err error
	if d.input, err = NewTensorDescriptor(prim, "inp"); err != nil {
		return nil, err
	}
	if d.output, err = NewTensorDescriptor(prim, "out"); err != nil {
		d.input.Destroy()
		return nil, err
	}
	if d.red, err = NewReductionDescriptor(prim); err != nil {
		d.input.Destroy()
		d.output.Destroy()
		return nil, err
	}
	return d, nil
}

// NewForBackend creates a call-site using everything from one backend.
func NewForBackend(b device.Backend, opts ...Option) (*Dispatcher, error) {
	return New(b.Primitive(), b, b, opts...)
}

// Close destroys the descriptors. It is idempotent.
func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	d.input.Destroy()
	d.output.Destroy()
	d.red.Destroy()
	return nil
}

// Reduce reduces in over p.Axes. On failure no arrays are returned and
// anything allocated during the call has been released.
func (d *Dispatcher) Reduce(ctx context.Context, in *device.Array, p Params) (res *Result, err error) {
	if in == nil {
		return nil, argumentError("nil input")
	}

	ctx, span := tracer.Start(ctx, "redux.Reduce", trace.WithAttributes(
		attribute.Int("rank", in.Rank()),
		attribute.String("axes", p.Axes.String()),
		attribute.String("op", p.Op.String()),
		attribute.Bool("indices", p.ReturnIndices),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = KindOf(err).String()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			d.log.Warn().Err(err).Str("kind", status).Str("op", p.Op.String()).Msg("Reduction failed")
		}
		reductionsTotal.WithLabelValues(p.Op.String(), status).Inc()
		reductionDuration.WithLabelValues(p.Op.String()).Observe(time.Since(start).Seconds())
	}()

	if d.closed.Load() {
		return nil, argumentError("reduction call-site is closed")
	}
	if !d.busy.CompareAndSwap(false, true) {
		return nil, argumentError("reduction call-site is already in use")
	}
	defer d.busy.Store(false)

	res, err = d.reduce(ctx, in, p)
	if err == nil {
		span.SetAttributes(attribute.Int("workspace_bytes", res.WorkspaceBytes))
	}
	return res, err
}

func (d *Dispatcher) reduce(ctx context.Context, in *device.Array, p Params) (*Result, error) {
	if !in.IsCContiguous() {
		return nil, argumentError("Only contiguous inputs are supported.")
	}
	if in.Rank() > d.caps.MaxRank {
		return nil, argumentError("rank %d exceeds the maximum of %d", in.Rank(), d.caps.MaxRank)
	}
	if err := p.Axes.Validate(in.Rank()); err != nil {
		return nil, argumentError("invalid axis mask %s: %v", p.Axes, err)
	}
	class, ok := d.caps.Precision(in.DType())
	if !ok {
		return nil, argumentError("unsupported dtype %s", in.DType())
	}
	if p.ReturnIndices {
		if n := p.Axes.ReducedCount(in.Shape()); n > d.caps.MaxIndexCount() {
			return nil, argumentError("%d reduced elements do not fit %d-bit indices", n, d.caps.IndexType.Bits())
		}
	}

	if err := d.input.Configure(ViewOf(in)); err != nil {
		return nil, err
	}

	shape := p.Axes.OutputShape(in.Shape())
	out, err := d.arrays.NewArray(ctx, shape, in.DType(), device.COrder)
	if err != nil {
		return nil, allocationError("could not allocate output", err)
	}
	res := &Result{Output: out}

	indexCount := 0
	if p.ReturnIndices {
		idx, err := d.arrays.NewArray(ctx, shape, device.Uint32, device.COrder)
		if err != nil {
			out.Release()
			return nil, allocationError("could not allocate indices", err)
		}
		res.Indices = idx
		indexCount = idx.Size()
	}

	done := false
	defer func() {
		if !done {
			res.Release()
		}
	}()

	if err := d.output.Configure(ReducedView(in, out, p.Axes)); err != nil {
		return nil, err
	}

	mode := device.NoIndices
	if res.Indices != nil {
		mode = device.FlattenedIndices
	}
	if err := d.red.Configure(p.Op, p.AccType, mode); err != nil {
		return nil, err
	}

	alpha := device.ScaleOf(class, 1)
	beta := device.ScaleOf(class, 0)

	wsSize, err := d.prim.WorkspaceSize(p.Handle, d.red.desc, d.input.desc, d.output.desc)
	if err != nil {
		return nil, deviceError("could not get reduce workspace size", err)
	}
	workspaceBytes.Observe(float64(wsSize))

	var ws device.Buffer
	if wsSize != 0 {
		ws, err = d.mem.Alloc(ctx, wsSize)
		if err != nil {
			return nil, allocationError("could not allocate reduce workspace", err)
		}
		defer d.mem.Release(ws)
	}

	d.log.Debug().
		Ints("input", in.Shape()).
		Ints("output", shape).
		Ints("input_strides", d.input.Layout().Strides).
		Ints("output_dims", d.output.Layout().Dims).
		Ints("output_strides", d.output.Layout().Strides).
		Str("axes", p.Axes.String()).
		Str("op", p.Op.String()).
		Str("acc", d.red.Config().AccType.String()).
		Bool("flattened_indices", d.red.Config().Indices == device.FlattenedIndices).
		Int("workspace_bytes", wsSize).
		Msg("Running reduction")

	var indices device.Buffer
	if res.Indices != nil {
		indices = res.Indices.Buffer()
	}
	err = d.prim.Reduce(p.Handle, d.red.desc,
		indices, indexCount,
		ws, wsSize,
		alpha, d.input.desc, in.Buffer(),
		beta, d.output.desc, out.Buffer())
	if err != nil {
		return nil, deviceError("could not run reduction", err)
	}

	res.WorkspaceBytes = wsSize
	done = true
	return res, nil
}
