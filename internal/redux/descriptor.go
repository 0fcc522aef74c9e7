package redux

import (
	"github.com/23skdu/longbow-redux/internal/device"
)

// TensorDescriptor owns one primitive tensor descriptor. It is created once
// per call-site, reconfigured on every call and destroyed at teardown.
type TensorDescriptor struct {
	prim   device.ReducePrimitive
	desc   device.TensorDesc
	name   string
	layout device.TensorLayout
}

// NewTensorDescriptor allocates a descriptor; name shows up in error messages.
func NewTensorDescriptor(prim device.ReducePrimitive, name string) (*TensorDescriptor, error) {
	d, err := prim.NewTensorDesc()
	if err != nil {
		return nil, allocationError("could not allocate tensor descriptor ("+name+")", err)
	}
	return &TensorDescriptor{prim: prim, desc: d, name: name}, nil
}

// Configure points the descriptor at the tensor described by v.
func (t *TensorDescriptor) Configure(v View) error {
	if t.desc == nil {
		return argumentError("tensor descriptor (%s) used after destroy", t.name)
	}
	l, err := v.Layout(t.prim.Capabilities())
	if err != nil {
		return &Error{Kind: KindArgument, Msg: "could not set tensorNd descriptor (" + t.name + ")", Err: err}
	}
	if err := t.prim.SetTensorDesc(t.desc, l); err != nil {
		return deviceError("could not set tensorNd descriptor ("+t.name+")", err)
	}
	t.layout = l
	return nil
}

// Layout returns what the descriptor was last configured with.
func (t *TensorDescriptor) Layout() device.TensorLayout { return t.layout }

func (t *TensorDescriptor) Destroy() {
	if t.desc != nil {
		t.prim.DestroyTensorDesc(t.desc)
		t.desc = nil
	}
}

// ReductionDescriptor owns one primitive reduction descriptor.
type ReductionDescriptor struct {
	prim device.ReducePrimitive
	desc device.ReduceDesc
	cfg  device.ReduceConfig
}

func NewReductionDescriptor(prim device.ReducePrimitive) (*ReductionDescriptor, error) {
	d, err := prim.NewReduceDesc()
	if err != nil {
		return nil, allocationError("could not allocate reduction descriptor (red)", err)
	}
	return &ReductionDescriptor{prim: prim, desc: d}, nil
}

// Configure sets operator, accumulator type and index mode. NaNs always
// propagate and indices use the primitive's only supported encoding.
func (r *ReductionDescriptor) Configure(op device.ReduceOp, acc device.DType, mode device.IndexMode) error {
	if r.desc == nil {
		return argumentError("reduction descriptor used after destroy")
	}
	cfg := device.ReduceConfig{
		Op:        op,
		AccType:   acc,
		NaN:       device.PropagateNaN,
		Indices:   mode,
		IndexType: r.prim.Capabilities().IndexType,
	}
	if err := r.prim.SetReduceDesc(r.desc, cfg); err != nil {
		return deviceError("could not set reduce descriptor", err)
	}
	r.cfg = cfg
	return nil
}

func (r *ReductionDescriptor) Config() device.ReduceConfig { return r.cfg }

func (r *ReductionDescriptor) Destroy() {
	if r.desc != nil {
		r.prim.DestroyReduceDesc(r.desc)
		r.desc = nil
	}
}
