package client

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// ShapeKey is the schema metadata key holding an array's shape, e.g. "4,5".
const ShapeKey = "shape"

// Reduction is a reduction result copied back to the host.
type Reduction struct {
	Shape   []int
	Values  []float64
	Indices []uint32 // nil when indices were not requested
}

// RecordBatchBuilder creates Arrow RecordBatches from reduction results.
type RecordBatchBuilder struct {
	mem memory.Allocator
}

// NewRecordBatchBuilder creates a new builder.
func NewRecordBatchBuilder(mem memory.Allocator) *RecordBatchBuilder {
	return &RecordBatchBuilder{mem: mem}
}

// FormatShape renders a shape for the ShapeKey metadata.
func FormatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, ",")
}

// ParseShape parses a shape written by FormatShape. The empty string is rank 0.
func ParseShape(s string) ([]int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return []int{}, nil
	}
	parts := strings.Split(s, ",")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid dimension %q in shape %q", p, s)
		}
		shape[i] = d
	}
	return shape, nil
}

// BuildRecordBatch converts a reduction into a RecordBatch with one row per
// output element: a float64 "value" column and, if present, a uint32
// "index" column. The output shape is stored in the schema metadata.
func (b *RecordBatchBuilder) BuildRecordBatch(r *Reduction) (arrow.RecordBatch, error) {
	if r == nil {
		return nil, nil
	}
	if r.Indices != nil && len(r.Indices) != len(r.Values) {
		return nil, fmt.Errorf("%d indices for %d values", len(r.Indices), len(r.Values))
	}

	fields := []arrow.Field{{Name: "value", Type: arrow.PrimitiveTypes.Float64}}
	if r.Indices != nil {
		fields = append(fields, arrow.Field{Name: "index", Type: arrow.PrimitiveTypes.Uint32})
	}
	md := arrow.NewMetadata([]string{ShapeKey}, []string{FormatShape(r.Shape)})
	schema := arrow.NewSchema(fields, &md)

	vb := array.NewFloat64Builder(b.mem)
	defer vb.Release()
	vb.AppendValues(r.Values, nil)

	cols := []arrow.Array{vb.NewArray()}
	if r.Indices != nil {
		ib := array.NewUint32Builder(b.mem)
		defer ib.Release()
		ib.AppendValues(r.Indices, nil)
		cols = append(cols, ib.NewArray())
	}
	defer func() {
		for _, c := range cols {
			c.Release()
		}
	}()

	return array.NewRecordBatch(schema, cols, int64(len(r.Values))), nil
}

// ReadInput extracts the shape and values of an input array from a record
// carrying a float64 "value" column and ShapeKey metadata.
func ReadInput(rec arrow.RecordBatch) ([]int, []float64, error) {
	md := rec.Schema().Metadata()
	i := md.FindKey(ShapeKey)
	if i < 0 {
		return nil, nil, fmt.Errorf("record has no %q metadata", ShapeKey)
	}
	shape, err := ParseShape(md.Values()[i])
	if err != nil {
		return nil, nil, err
	}

	idx := rec.Schema().FieldIndices("value")
	if len(idx) == 0 {
		return nil, nil, fmt.Errorf("record has no \"value\" column")
	}
	col, ok := rec.Column(idx[0]).(*array.Float64)
	if !ok {
		return nil, nil, fmt.Errorf("\"value\" column is %s, want float64", rec.Column(idx[0]).DataType())
	}
	values := make([]float64, col.Len())
	copy(values, col.Float64Values())
	return shape, values, nil
}
