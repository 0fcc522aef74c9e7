package redux

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAxisMask(t *testing.T) {
	m := Axes(0, 2)
	assert.Equal(t, AxisMask(0b101), m)
	assert.True(t, m.Has(0))
	assert.False(t, m.Has(1))
	assert.Equal(t, 2, m.Count())
	assert.Equal(t, "{0,2}", m.String())
	assert.Equal(t, "{}", AxisMask(0).String())
	assert.Equal(t, AxisMask(0b111), AllAxes(3))
	assert.Equal(t, AxisMask(0), AllAxes(0))
}

func TestAxisMask_Validate(t *testing.T) {
	assert.NoError(t, Axes(1).Validate(3))
	assert.NoError(t, AxisMask(0).Validate(0))
	assert.Error(t, Axes(3).Validate(3))
	assert.Error(t, Axes(8).Validate(MaxAxes+4))
	assert.Error(t, Axes(0).Validate(0))
}

func TestAxisMask_Shapes(t *testing.T) {
	shape := []int{4, 3, 5}
	tests := []struct {
		mask    AxisMask
		out     []int
		reduced uint64
	}{
		{0, []int{4, 3, 5}, 1},
		{Axes(1), []int{4, 5}, 3},
		{Axes(0, 2), []int{3}, 20},
		{AllAxes(3), []int{}, 60},
	}
	for _, tt := range tests {
		t.Run(tt.mask.String(), func(t *testing.T) {
			assert.Equal(t, tt.out, tt.mask.OutputShape(shape))
			assert.Equal(t, tt.reduced, tt.mask.ReducedCount(shape))
		})
	}
}
