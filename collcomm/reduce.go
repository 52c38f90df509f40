package collcomm

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// A ReduceOp is an elementwise binary reduction.
type ReduceOp int

const (
	OpSum ReduceOp = iota
	OpProd
	OpMax
	OpMin
)

var reduceOpNames = []string{"sum", "prod", "max", "min"}

func (r ReduceOp) String() string {
	if r < OpSum || r > OpMin {
		return "invalid"
	}
	return reduceOpNames[r]
}

// UnmarshalText parses an operation name such as "sum".
func (r *ReduceOp) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for i, n := range reduceOpNames {
		if n == name {
			*r = ReduceOp(i)
			return nil
		}
	}
	return ParamInvalidf("unknown reduce op %q", name)
}

// Reduce computes dst[i] = a[i] op b[i] for every element.
//
// The three ranges must have the same size, which must be
// a multiple of the element size. dst may alias a or b
// exactly.
func Reduce(dst, a, b Mem, dt DataType, op ReduceOp) error {
	for _, m := range []Mem{dst, a, b} {
		if err := m.Err(); err != nil {
			return err
		}
	}
	if dst.Size() != a.Size() || dst.Size() != b.Size() {
		return MemoryInvalidf("reduce sizes differ: dst=%d a=%d b=%d", dst.Size(), a.Size(), b.Size())
	}
	if !dt.Valid() {
		return ParamInvalidf("reduce with data type %d", int(dt))
	}
	if op < OpSum || op > OpMin {
		return NotSupportedf("reduce op %d", int(op))
	}
	if dst.Size()%dt.Size() != 0 {
		return ParamInvalidf("reduce size %d is not a multiple of %s", dst.Size(), dt)
	}
	d, x, y := dst.Bytes(), a.Bytes(), b.Bytes()
	le := binary.LittleEndian
	switch dt {
	case Int8:
		kernel(d, x, y, op, 1, func(b []byte) int8 { return int8(b[0]) },
			func(b []byte, v int8) { b[0] = byte(v) })
	case Uint8:
		kernel(d, x, y, op, 1, func(b []byte) uint8 { return b[0] },
			func(b []byte, v uint8) { b[0] = v })
	case Int16:
		kernel(d, x, y, op, 2, func(b []byte) int16 { return int16(le.Uint16(b)) },
			func(b []byte, v int16) { le.PutUint16(b, uint16(v)) })
	case Uint16:
		kernel(d, x, y, op, 2, le.Uint16, le.PutUint16)
	case Int32:
		kernel(d, x, y, op, 4, func(b []byte) int32 { return int32(le.Uint32(b)) },
			func(b []byte, v int32) { le.PutUint32(b, uint32(v)) })
	case Uint32:
		kernel(d, x, y, op, 4, le.Uint32, le.PutUint32)
	case Int64:
		kernel(d, x, y, op, 8, func(b []byte) int64 { return int64(le.Uint64(b)) },
			func(b []byte, v int64) { le.PutUint64(b, uint64(v)) })
	case Uint64:
		kernel(d, x, y, op, 8, le.Uint64, le.PutUint64)
	case Float16:
		kernel(d, x, y, op, 2, func(b []byte) float32 { return float16.Frombits(le.Uint16(b)).Float32() },
			func(b []byte, v float32) { le.PutUint16(b, float16.Fromfloat32(v).Bits()) })
	case BFloat16:
		kernel(d, x, y, op, 2, func(b []byte) float32 { return bfloat16.FromBits(le.Uint16(b)).Float32() },
			func(b []byte, v float32) { le.PutUint16(b, toBFloat16(v).Bits()) })
	case Float32:
		kernel(d, x, y, op, 4, func(b []byte) float32 { return math.Float32frombits(le.Uint32(b)) },
			func(b []byte, v float32) { le.PutUint32(b, math.Float32bits(v)) })
	case Float64:
		kernel(d, x, y, op, 8, func(b []byte) float64 { return math.Float64frombits(le.Uint64(b)) },
			func(b []byte, v float64) { le.PutUint64(b, math.Float64bits(v)) })
	}
	return nil
}

type number interface {
	constraints.Integer | constraints.Float
}

func kernel[T number](dst, a, b []byte, op ReduceOp, width int, load func([]byte) T,
	store func([]byte, T)) {
	for i := 0; i+width <= len(dst); i += width {
		store(dst[i:], combine(load(a[i:]), load(b[i:]), op))
	}
}

func combine[T number](x, y T, op ReduceOp) T {
	switch op {
	case OpProd:
		return x * y
	case OpMax:
		if y > x {
			return y
		}
		return x
	case OpMin:
		if y < x {
			return y
		}
		return x
	}
	return x + y
}
