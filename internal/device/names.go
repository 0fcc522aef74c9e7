package device

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

var opAliases = map[string]ReduceOp{
	"add":           ReduceAdd,
	"sum":           ReduceAdd,
	"mul":           ReduceMul,
	"prod":          ReduceMul,
	"min":           ReduceMin,
	"max":           ReduceMax,
	"amax":          ReduceAMax,
	"absmax":        ReduceAMax,
	"avg":           ReduceAvg,
	"mean":          ReduceAvg,
	"norm1":         ReduceNorm1,
	"l1":            ReduceNorm1,
	"norm2":         ReduceNorm2,
	"l2":            ReduceNorm2,
	"mul_no_zeros":  ReduceMulNoZeros,
	"prod_no_zeros": ReduceMulNoZeros,
}

var dtypeAliases = map[string]DType{
	"float16": Float16,
	"half":    Float16,
	"f16":     Float16,
	"float32": Float32,
	"float":   Float32,
	"f32":     Float32,
	"float64": Float64,
	"double":  Float64,
	"f64":     Float64,
	"int8":    Int8,
	"int32":   Int32,
	"int64":   Int64,
	"uint32":  Uint32,
}

func normalizeName(s string) string {
	// Casers are stateful, so each call gets its own.
	return strings.ReplaceAll(cases.Fold().String(strings.TrimSpace(s)), "-", "_")
}

// ParseReduceOp parses an operator name such as "sum", "MAX" or "mean".
func ParseReduceOp(s string) (ReduceOp, error) {
	if op, ok := opAliases[normalizeName(s)]; ok {
		return op, nil
	}
	return 0, fmt.Errorf("unknown reduction operator %q", s)
}

// ParseDType parses an element type name such as "float32" or "Half".
func ParseDType(s string) (DType, error) {
	if dt, ok := dtypeAliases[normalizeName(s)]; ok {
		return dt, nil
	}
	return InvalidDType, fmt.Errorf("unknown dtype %q", s)
}
