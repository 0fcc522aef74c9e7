package device

import "fmt"

// ReduceOp is a reduction operator understood by the reduction primitive.
type ReduceOp int

const (
	ReduceAdd ReduceOp = iota
	ReduceMul
	ReduceMin
	ReduceMax
	ReduceAMax
	ReduceAvg
	ReduceNorm1
	ReduceNorm2
	ReduceMulNoZeros
)

var reduceOpNames = [...]string{
	ReduceAdd:        "add",
	ReduceMul:        "mul",
	ReduceMin:        "min",
	ReduceMax:        "max",
	ReduceAMax:       "amax",
	ReduceAvg:        "avg",
	ReduceNorm1:      "norm1",
	ReduceNorm2:      "norm2",
	ReduceMulNoZeros: "mul_no_zeros",
}

func (op ReduceOp) String() string {
	if op >= 0 && int(op) < len(reduceOpNames) {
		return reduceOpNames[op]
	}
	return fmt.Sprintf("ReduceOp(%d)", int(op))
}

// Valid reports whether op is a known operator.
func (op ReduceOp) Valid() bool {
	return op >= 0 && int(op) < len(reduceOpNames)
}

// SupportsIndices reports whether the primitive can report source indices for op.
func (op ReduceOp) SupportsIndices() bool {
	return op == ReduceMin || op == ReduceMax || op == ReduceAMax
}

// IndexMode selects whether the primitive records source indices.
type IndexMode int

const (
	NoIndices IndexMode = iota
	FlattenedIndices
)

// IndexType is the integer encoding of recorded indices.
type IndexType int

const (
	Indices32 IndexType = iota
	Indices64
	Indices16
	Indices8
)

// Bits returns the width of the encoding.
func (t IndexType) Bits() int {
	switch t {
	case Indices64:
		return 64
	case Indices16:
		return 16
	case Indices8:
		return 8
	default:
		return 32
	}
}

// NaNPropagation controls whether a NaN input poisons the reduced value.
type NaNPropagation int

const (
	NotPropagateNaN NaNPropagation = iota
	PropagateNaN
)

// Precision is the class of scaling constants a dtype requires.
type Precision int

const (
	NoPrecision Precision = iota
	SinglePrecision
	DoublePrecision
)

func (p Precision) String() string {
	switch p {
	case SinglePrecision:
		return "single"
	case DoublePrecision:
		return "double"
	default:
		return "none"
	}
}

// TensorLayout is what a tensor descriptor holds: element type plus
// per-axis size and stride, strides counted in elements.
type TensorLayout struct {
	DType   DType
	Dims    []int
	Strides []int
}

// ReduceConfig is what a reduction descriptor holds.
type ReduceConfig struct {
	Op        ReduceOp
	AccType   DType
	NaN       NaNPropagation
	Indices   IndexMode
	IndexType IndexType
}

// Scale is an alpha/beta blending constant typed for one precision class.
// Values are immutable and built per call.
type Scale struct {
	precision Precision
	f32       float32
	f64       float64
}

// ScaleOf builds a scaling constant of the given precision.
func ScaleOf(p Precision, v float64) Scale {
	if p == DoublePrecision {
		return Scale{precision: p, f64: v}
	}
	return Scale{precision: p, f32: float32(v)}
}

func (s Scale) Precision() Precision { return s.precision }
func (s Scale) Float32() float32     { return s.f32 }
func (s Scale) Float64() float64 {
	if s.precision == DoublePrecision {
		return s.f64
	}
	return float64(s.f32)
}

// TensorDesc and ReduceDesc are opaque primitive-owned descriptor handles.
type (
	TensorDesc any
	ReduceDesc any
)

// ReducePrimitive is the accelerated reduction routine of a device. Its
// conventions mirror cuDNN: fixed-rank descriptors, an output described at
// the input's rank with reduced axes of size 1, and a caller-provided
// workspace. Errors carry the primitive's own diagnostic.
type ReducePrimitive interface {
	Name() string
	Capabilities() Capabilities

	NewTensorDesc() (TensorDesc, error)
	SetTensorDesc(d TensorDesc, layout TensorLayout) error
	DestroyTensorDesc(d TensorDesc)

	NewReduceDesc() (ReduceDesc, error)
	SetReduceDesc(d ReduceDesc, cfg ReduceConfig) error
	DestroyReduceDesc(d ReduceDesc)

	// WorkspaceSize returns the scratch bytes Reduce needs for this problem.
	WorkspaceSize(h Handle, r ReduceDesc, x, y TensorDesc) (int, error)

	// Reduce computes y = alpha*reduce(x) + beta*y. indexCount is the number
	// of elements in indices, wsBytes the usable size of workspace.
	Reduce(h Handle, r ReduceDesc,
		indices Buffer, indexCount int,
		workspace Buffer, wsBytes int,
		alpha Scale, x TensorDesc, xData Buffer,
		beta Scale, y TensorDesc, yData Buffer) error
}

// Capabilities describes the fixed constraints of a reduction primitive.
type Capabilities struct {
	// MinRank is the smallest descriptor rank accepted; lower ranks are padded.
	MinRank int
	// MaxRank is the largest descriptor rank accepted.
	MaxRank int
	// IndexType is the only supported index encoding.
	IndexType IndexType
	// Classes maps each supported element type to its scaling precision.
	Classes map[DType]Precision
}

// Precision returns the scaling class of dt, if dt is supported.
func (c Capabilities) Precision(dt DType) (Precision, bool) {
	p, ok := c.Classes[dt]
	return p, ok
}

// MaxIndexCount is the largest reduced extent the index encoding can address.
func (c Capabilities) MaxIndexCount() uint64 {
	bits := c.IndexType.Bits()
	if bits >= 64 {
		return ^uint64(0)
	}
	return 1<<uint(bits) - 1
}

// CUDNNCapabilities is the capability table of cuDNN reductions.
var CUDNNCapabilities = Capabilities{
	MinRank:   3,
	MaxRank:   8,
	IndexType: Indices32,
	Classes: map[DType]Precision{
		Float16: SinglePrecision,
		Float32: SinglePrecision,
		Float64: DoublePrecision,
	},
}
