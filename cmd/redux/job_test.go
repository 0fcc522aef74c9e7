package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-redux/internal/device"
	"github.com/23skdu/longbow-redux/internal/redux"
)

func TestLoadJob(t *testing.T) {
	path := filepath.Join(t.TempDir(), "job.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
shape: [2, 2]
dtype: half
values: [1, 5, 5, 2]
axes: [0, 1]
op: MAX
indices: true
`), 0644))

	job, err := LoadJob(path)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, job.Shape)
	assert.Equal(t, []int{0, 1}, job.Axes)
	assert.True(t, job.Indices)

	pl, err := job.resolve(len(job.Shape))
	require.NoError(t, err)
	assert.Equal(t, device.Float16, pl.dtype)
	assert.Equal(t, device.Float32, pl.params.AccType, "half accumulates in single precision")
	assert.Equal(t, device.ReduceMax, pl.params.Op)
	assert.Equal(t, redux.AllAxes(2), pl.params.Axes)

	out, err := job.Run(context.Background(), device.NewHost())
	require.NoError(t, err)
	assert.Equal(t, []float64{5}, out.Values)
	assert.Equal(t, []uint32{1}, out.Indices)
}

func TestLoadJob_Missing(t *testing.T) {
	_, err := LoadJob(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestJob_InputValues(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		want    []float64
		wantErr bool
	}{
		{"ones", Job{Shape: []int{3}}, []float64{1, 1, 1}, false},
		{"zeros", Job{Shape: []int{2}, Fill: "zeros"}, []float64{0, 0}, false},
		{"range", Job{Shape: []int{2, 2}, Fill: "range"}, []float64{0, 1, 2, 3}, false},
		{"explicit", Job{Shape: []int{2}, Values: []float64{7, 8}}, []float64{7, 8}, false},
		{"scalar", Job{}, []float64{1}, false},
		{"count mismatch", Job{Shape: []int{3}, Values: []float64{1}}, nil, true},
		{"bad fill", Job{Shape: []int{3}, Fill: "noise"}, nil, true},
		{"bad shape", Job{Shape: []int{0}}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.job.inputValues()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestJob_Resolve(t *testing.T) {
	pl, err := (&Job{}).resolve(3)
	require.NoError(t, err)
	assert.Equal(t, device.Float32, pl.dtype)
	assert.Equal(t, device.ReduceAdd, pl.params.Op)
	assert.Equal(t, redux.AxisMask(0), pl.params.Axes)

	pl, err = (&Job{DType: "double", Acc: "float32", Op: "l2", Axes: []int{2}}).resolve(3)
	require.NoError(t, err)
	assert.Equal(t, device.Float64, pl.dtype)
	assert.Equal(t, device.Float32, pl.params.AccType)
	assert.Equal(t, device.ReduceNorm2, pl.params.Op)

	_, err = (&Job{Axes: []int{-1}}).resolve(3)
	assert.Error(t, err)
	_, err = (&Job{DType: "complex"}).resolve(1)
	assert.Error(t, err)
	_, err = (&Job{Acc: "bogus"}).resolve(1)
	assert.Error(t, err)
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"", 0, false},
		{"0", 0, false},
		{"1024", 1024, false},
		{"64K", 64 << 10, false},
		{"512MB", 512 << 20, false},
		{"4gb", 4 << 30, false},
		{"12XB", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		got, err := parseBytes(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseAxes(t *testing.T) {
	axes, err := parseAxes("0, 2")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, axes)

	axes, err = parseAxes("")
	require.NoError(t, err)
	assert.Nil(t, axes)

	_, err = parseAxes("1,-1")
	assert.Error(t, err)
}
