package device

import (
	"encoding/binary"
	"math"

	"gonum.org/v1/gonum/floats"
)

var _ ReducePrimitive = (*HostReducer)(nil)

// HostReducer is a reference implementation of the reduction primitive that
// follows cuDNN's conventions: descriptors must be configured before use,
// the output is described at the input's rank with reduced axes of size 1,
// indices are flattened offsets within the reduced axes, and errors are
// reported as Status values.
type HostReducer struct {
	caps Capabilities
}

func NewHostReducer() *HostReducer {
	return &HostReducer{caps: CUDNNCapabilities}
}

type hostTensorDesc struct {
	layout TensorLayout
	set    bool
}

type hostReduceDesc struct {
	cfg ReduceConfig
	set bool
}

func (r *HostReducer) Name() string               { return "host-reference" }
func (r *HostReducer) Capabilities() Capabilities { return r.caps }

func (r *HostReducer) NewTensorDesc() (TensorDesc, error) {
	return &hostTensorDesc{}, nil
}

func (r *HostReducer) SetTensorDesc(d TensorDesc, layout TensorLayout) error {
	td, ok := d.(*hostTensorDesc)
	if !ok || td == nil {
		return StatusBadParam
	}
	if _, ok := r.caps.Precision(layout.DType); !ok {
		return StatusBadParam
	}
	n := len(layout.Dims)
	if n < r.caps.MinRank || n != len(layout.Strides) {
		return StatusBadParam
	}
	if n > r.caps.MaxRank {
		return StatusNotSupported
	}
	for i := range layout.Dims {
		if layout.Dims[i] <= 0 || layout.Strides[i] <= 0 {
			return StatusBadParam
		}
	}
	td.layout = TensorLayout{
		DType:   layout.DType,
		Dims:    append([]int(nil), layout.Dims...),
		Strides: append([]int(nil), layout.Strides...),
	}
	td.set = true
	return nil
}

func (r *HostReducer) DestroyTensorDesc(d TensorDesc) {
	if td, ok := d.(*hostTensorDesc); ok && td != nil {
		td.set = false
	}
}

func (r *HostReducer) NewReduceDesc() (ReduceDesc, error) {
	return &hostReduceDesc{}, nil
}

func (r *HostReducer) SetReduceDesc(d ReduceDesc, cfg ReduceConfig) error {
	rd, ok := d.(*hostReduceDesc)
	if !ok || rd == nil {
		return StatusBadParam
	}
	if !cfg.Op.Valid() || !cfg.AccType.IsFloat() {
		return StatusBadParam
	}
	if cfg.NaN != PropagateNaN && cfg.NaN != NotPropagateNaN {
		return StatusBadParam
	}
	if cfg.IndexType != Indices32 {
		return StatusNotSupported
	}
	switch cfg.Indices {
	case NoIndices:
	case FlattenedIndices:
		if !cfg.Op.SupportsIndices() {
			return StatusNotSupported
		}
	default:
		return StatusBadParam
	}
	rd.cfg = cfg
	rd.set = true
	return nil
}

func (r *HostReducer) DestroyReduceDesc(d ReduceDesc) {
	if rd, ok := d.(*hostReduceDesc); ok && rd != nil {
		rd.set = false
	}
}

// reducePlan is the geometry of one reduction.
type reducePlan struct {
	x, y        TensorLayout
	cfg         ReduceConfig
	reducedAxes []int
	reducedDims []int
	count       int // elements combined per output element
	outputs     int
}

func (r *HostReducer) plan(h Handle, rdesc ReduceDesc, xdesc, ydesc TensorDesc) (*reducePlan, error) {
	if _, ok := h.(*HostHandle); !ok {
		return nil, StatusBadParam
	}
	rd, ok := rdesc.(*hostReduceDesc)
	if !ok || rd == nil || !rd.set {
		return nil, StatusBadParam
	}
	xd, ok := xdesc.(*hostTensorDesc)
	if !ok || xd == nil || !xd.set {
		return nil, StatusBadParam
	}
	yd, ok := ydesc.(*hostTensorDesc)
	if !ok || yd == nil || !yd.set {
		return nil, StatusBadParam
	}
	x, y := xd.layout, yd.layout
	if len(x.Dims) != len(y.Dims) || x.DType != y.DType {
		return nil, StatusBadParam
	}

	p := &reducePlan{x: x, y: y, cfg: rd.cfg, count: 1, outputs: 1}
	for i := range x.Dims {
		switch {
		case y.Dims[i] == x.Dims[i]:
			p.outputs *= y.Dims[i]
		case y.Dims[i] == 1:
			p.reducedAxes = append(p.reducedAxes, i)
			p.reducedDims = append(p.reducedDims, x.Dims[i])
			p.count *= x.Dims[i]
		default:
			return nil, StatusBadParam
		}
	}
	return p, nil
}

// workspace returns the scratch bytes needed: one float64 gather slot per
// reduced element, nothing when each output sees a single input.
func (p *reducePlan) workspace() int {
	if p.count <= 1 {
		return 0
	}
	return p.count * 8
}

func (r *HostReducer) WorkspaceSize(h Handle, rd ReduceDesc, x, y TensorDesc) (int, error) {
	p, err := r.plan(h, rd, x, y)
	if err != nil {
		return 0, err
	}
	return p.workspace(), nil
}

// extent returns the bytes spanned by a layout.
func extent(l TensorLayout) int {
	n := 1
	for i, d := range l.Dims {
		n += (d - 1) * l.Strides[i]
	}
	return n * l.DType.Size()
}

func (r *HostReducer) Reduce(h Handle, rdesc ReduceDesc,
	indices Buffer, indexCount int,
	workspace Buffer, wsBytes int,
	alpha Scale, xdesc TensorDesc, xData Buffer,
	beta Scale, ydesc TensorDesc, yData Buffer) error {

	p, err := r.plan(h, rdesc, xdesc, ydesc)
	if err != nil {
		return err
	}
	class, _ := r.caps.Precision(p.x.DType)
	if alpha.Precision() != class || beta.Precision() != class {
		return StatusBadParam
	}

	xb, err := hostBytes(xData)
	if err != nil || len(xb) < extent(p.x) {
		return StatusBadParam
	}
	yb, err := hostBytes(yData)
	if err != nil || len(yb) < extent(p.y) {
		return StatusBadParam
	}

	var ib []byte
	if p.cfg.Indices == FlattenedIndices {
		if indices == nil || indexCount < p.outputs {
			return StatusBadParam
		}
		if ib, err = hostBytes(indices); err != nil || len(ib) < p.outputs*4 {
			return StatusBadParam
		}
	}

	var scratch []float64
	if need := p.workspace(); need > 0 {
		if workspace == nil || wsBytes < need || workspace.Len() < need {
			return StatusBadParam
		}
		ws, ok := workspace.(*hostBuffer)
		if !ok || ws.released {
			return StatusBadParam
		}
		scratch = ws.float64s(p.count)
	} else {
		scratch = make([]float64, 1)
	}

	a, b := alpha.Float64(), beta.Float64()
	xsz, ysz := p.x.DType.Size(), p.y.DType.Size()
	out := 0
	forEachCoord(p.y.Dims, func(oc []int) {
		base := 0
		for i, c := range oc {
			base += c * p.x.Strides[i]
		}
		k := 0
		forEachCoord(p.reducedDims, func(rc []int) {
			off := base
			for j, c := range rc {
				off += c * p.x.Strides[p.reducedAxes[j]]
			}
			scratch[k] = loadElement(xb[off*xsz:], p.x.DType)
			k++
		})

		v, idx := combine(p.cfg, scratch[:k])

		yoff := 0
		for i, c := range oc {
			yoff += c * p.y.Strides[i]
		}
		res := a * v
		// beta == 0 means the previous output is never read.
		if b != 0 {
			res += b * loadElement(yb[yoff*ysz:], p.y.DType)
		}
		storeElement(yb[yoff*ysz:], p.y.DType, res)
		if ib != nil {
			binary.LittleEndian.PutUint32(ib[out*4:], uint32(idx))
		}
		out++
	})
	return nil
}

// combine reduces s (which it may reorder or overwrite) and returns the
// value and the position in s of the element that produced it.
func combine(cfg ReduceConfig, s []float64) (float64, int) {
	if cfg.NaN == PropagateNaN && floats.HasNaN(s) {
		for i, v := range s {
			if math.IsNaN(v) {
				return math.NaN(), i
			}
		}
	}

	var pos []int
	if cfg.NaN == NotPropagateNaN {
		s, pos = dropNaN(s)
		if len(s) == 0 {
			return math.NaN(), 0
		}
	}

	var v float64
	var idx int
	switch cfg.Op {
	case ReduceAdd:
		v = floats.Sum(s)
	case ReduceMul:
		v = floats.Prod(s)
	case ReduceMin:
		idx = floats.MinIdx(s)
		v = s[idx]
	case ReduceMax:
		idx = floats.MaxIdx(s)
		v = s[idx]
	case ReduceAMax:
		for i := range s {
			s[i] = math.Abs(s[i])
		}
		idx = floats.MaxIdx(s)
		v = s[idx]
	case ReduceAvg:
		v = floats.Sum(s) / float64(len(s))
	case ReduceNorm1:
		v = floats.Norm(s, 1)
	case ReduceNorm2:
		v = floats.Norm(s, 2)
	case ReduceMulNoZeros:
		v = 1
		for _, e := range s {
			if e != 0 {
				v *= e
			}
		}
	}
	if pos != nil {
		idx = pos[idx]
	}
	return roundTo(cfg.AccType, v), idx
}

// dropNaN compacts the non-NaN values of s to its front and returns them with
// their original positions.
func dropNaN(s []float64) ([]float64, []int) {
	pos := make([]int, 0, len(s))
	n := 0
	for i, v := range s {
		if math.IsNaN(v) {
			continue
		}
		s[n] = v
		pos = append(pos, i)
		n++
	}
	return s[:n], pos
}
