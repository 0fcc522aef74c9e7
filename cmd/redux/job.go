package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/23skdu/longbow-redux/internal/client"
	"github.com/23skdu/longbow-redux/internal/device"
	"github.com/23skdu/longbow-redux/internal/redux"
)

// Job describes one reduction. It is read from YAML job files, from CBOR or
// JSON request bodies, and from Flight command descriptors.
type Job struct {
	Shape  []int     `yaml:"shape" json:"shape,omitempty" cbor:"shape,omitempty"`
	DType  string    `yaml:"dtype" json:"dtype,omitempty" cbor:"dtype,omitempty"`
	Values []float64 `yaml:"values,omitempty" json:"values,omitempty" cbor:"values,omitempty"`
	// Fill generates the input when Values is empty: "ones" (default),
	// "zeros" or "range".
	Fill string `yaml:"fill,omitempty" json:"fill,omitempty" cbor:"fill,omitempty"`

	Axes    []int  `yaml:"axes" json:"axes" cbor:"axes"`
	Op      string `yaml:"op" json:"op" cbor:"op"`
	Acc     string `yaml:"acc,omitempty" json:"acc,omitempty" cbor:"acc,omitempty"`
	Indices bool   `yaml:"indices,omitempty" json:"indices,omitempty" cbor:"indices,omitempty"`
}

// LoadJob reads a YAML job file.
func LoadJob(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job %s: %w", path, err)
	}
	var j Job
	if err := yaml.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse job %s: %w", path, err)
	}
	return &j, nil
}

// plan is a Job with its names resolved.
type plan struct {
	dtype  device.DType
	params redux.Params
}

// resolve parses the operator and type names and builds the axis mask for
// an input of the given rank. An empty dtype means float32; an empty
// accumulator type means the input's type, except float16 which
// accumulates in float32.
func (j *Job) resolve(rank int) (plan, error) {
	var pl plan
	var err error

	pl.dtype = device.Float32
	if j.DType != "" {
		if pl.dtype, err = device.ParseDType(j.DType); err != nil {
			return pl, err
		}
	}

	op := j.Op
	if op == "" {
		op = "sum"
	}
	if pl.params.Op, err = device.ParseReduceOp(op); err != nil {
		return pl, err
	}

	switch {
	case j.Acc != "":
		if pl.params.AccType, err = device.ParseDType(j.Acc); err != nil {
			return pl, err
		}
	case pl.dtype == device.Float16:
		pl.params.AccType = device.Float32
	default:
		pl.params.AccType = pl.dtype
	}

	for _, a := range j.Axes {
		if a < 0 || a >= rank {
			return pl, fmt.Errorf("axis %d out of range for rank %d", a, rank)
		}
	}
	pl.params.Axes = redux.Axes(j.Axes...)
	pl.params.ReturnIndices = j.Indices
	return pl, nil
}

// inputValues returns the explicit values or generates them from Fill.
func (j *Job) inputValues() ([]float64, error) {
	n, err := device.ElemCount(j.Shape)
	if err != nil {
		return nil, fmt.Errorf("invalid shape %v: %w", j.Shape, err)
	}
	if len(j.Values) > 0 {
		if len(j.Values) != n {
			return nil, fmt.Errorf("%d values for shape %v (%d elements)", len(j.Values), j.Shape, n)
		}
		return j.Values, nil
	}

	values := make([]float64, n)
	switch j.Fill {
	case "", "ones":
		for i := range values {
			values[i] = 1
		}
	case "zeros":
	case "range":
		for i := range values {
			values[i] = float64(i)
		}
	default:
		return nil, fmt.Errorf("unknown fill %q", j.Fill)
	}
	return values, nil
}

// execute uploads values as a row-major array of the given shape, reduces
// it with d and copies the result back.
func execute(ctx context.Context, b device.Backend, d *redux.Dispatcher, shape []int, values []float64, pl plan) (*client.Reduction, error) {
	in, err := b.NewArray(ctx, shape, pl.dtype, device.COrder)
	if err != nil {
		return nil, fmt.Errorf("allocate input: %w", err)
	}
	defer in.Release()
	if err := b.Upload(in, values); err != nil {
		return nil, fmt.Errorf("upload input: %w", err)
	}

	p := pl.params
	p.Handle = b.Handle()
	res, err := d.Reduce(ctx, in, p)
	if err != nil {
		return nil, err
	}
	defer res.Release()

	if err := b.Synchronize(); err != nil {
		return nil, fmt.Errorf("synchronize: %w", err)
	}

	out := &client.Reduction{Shape: res.Output.Shape()}
	if out.Values, err = b.Download(res.Output); err != nil {
		return nil, fmt.Errorf("download output: %w", err)
	}
	if res.Indices != nil {
		if out.Indices, err = b.DownloadIndices(res.Indices); err != nil {
			return nil, fmt.Errorf("download indices: %w", err)
		}
	}
	return out, nil
}

// Run executes the job on a fresh call-site of b.
func (j *Job) Run(ctx context.Context, b device.Backend) (*client.Reduction, error) {
	values, err := j.inputValues()
	if err != nil {
		return nil, err
	}
	pl, err := j.resolve(len(j.Shape))
	if err != nil {
		return nil, err
	}
	d, err := redux.NewForBackend(b)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	return execute(ctx, b, d, j.Shape, values, pl)
}
