package collcomm

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/x448/float16"
)

// A DataType identifies the element encoding of a buffer.
//
// All multi-byte types are stored little-endian.
type DataType int

const (
	Int8 DataType = iota
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float16
	BFloat16
	Float32
	Float64
)

var dataTypeNames = []string{
	"int8", "int16", "int32", "int64",
	"uint8", "uint16", "uint32", "uint64",
	"float16", "bfloat16", "float32", "float64",
}

// Size returns the number of bytes in one element.
func (d DataType) Size() uint64 {
	switch d {
	case Int8, Uint8:
		return 1
	case Int16, Uint16, Float16, BFloat16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Int64, Uint64, Float64:
		return 8
	}
	return 0
}

// Valid checks if d is a known type.
func (d DataType) Valid() bool {
	return d >= Int8 && d <= Float64
}

// IsFloat checks if d is a floating-point type.
func (d DataType) IsFloat() bool {
	return d == Float16 || d == BFloat16 || d == Float32 || d == Float64
}

func (d DataType) String() string {
	if !d.Valid() {
		return "invalid"
	}
	return dataTypeNames[d]
}

// UnmarshalText parses a type name such as "float32".
func (d *DataType) UnmarshalText(text []byte) error {
	name := strings.ToLower(strings.TrimSpace(string(text)))
	for i, n := range dataTypeNames {
		if n == name {
			*d = DataType(i)
			return nil
		}
	}
	return ParamInvalidf("unknown data type %q", name)
}

// MarshalText encodes the type name.
func (d DataType) MarshalText() ([]byte, error) {
	if !d.Valid() {
		return nil, ParamInvalidf("unknown data type %d", int(d))
	}
	return []byte(d.String()), nil
}

// Encode converts values to the binary representation of
// a data type, truncating or rounding as the type requires.
func Encode(dt DataType, values []float64) []byte {
	size := int(dt.Size())
	res := make([]byte, size*len(values))
	for i, v := range values {
		putValue(dt, res[i*size:], v)
	}
	return res
}

// Decode converts the binary representation of a data
// type back into float64 values.
func Decode(dt DataType, data []byte) []float64 {
	size := int(dt.Size())
	res := make([]float64, len(data)/size)
	for i := range res {
		res[i] = getValue(dt, data[i*size:])
	}
	return res
}

// EncodeUint64 stores counts exactly in Uint64 form.
func EncodeUint64(values []uint64) []byte {
	res := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(res[8*i:], v)
	}
	return res
}

// DecodeUint64 is the inverse of EncodeUint64.
func DecodeUint64(data []byte) []uint64 {
	res := make([]uint64, len(data)/8)
	for i := range res {
		res[i] = binary.LittleEndian.Uint64(data[8*i:])
	}
	return res
}

func putValue(dt DataType, b []byte, v float64) {
	le := binary.LittleEndian
	switch dt {
	case Int8:
		b[0] = byte(int8(v))
	case Uint8:
		b[0] = byte(v)
	case Int16:
		le.PutUint16(b, uint16(int16(v)))
	case Uint16:
		le.PutUint16(b, uint16(v))
	case Int32:
		le.PutUint32(b, uint32(int32(v)))
	case Uint32:
		le.PutUint32(b, uint32(v))
	case Int64:
		le.PutUint64(b, uint64(int64(v)))
	case Uint64:
		le.PutUint64(b, uint64(v))
	case Float16:
		le.PutUint16(b, float16.Fromfloat32(float32(v)).Bits())
	case BFloat16:
		le.PutUint16(b, toBFloat16(float32(v)).Bits())
	case Float32:
		le.PutUint32(b, math.Float32bits(float32(v)))
	case Float64:
		le.PutUint64(b, math.Float64bits(v))
	}
}

func getValue(dt DataType, b []byte) float64 {
	le := binary.LittleEndian
	switch dt {
	case Int8:
		return float64(int8(b[0]))
	case Uint8:
		return float64(b[0])
	case Int16:
		return float64(int16(le.Uint16(b)))
	case Uint16:
		return float64(le.Uint16(b))
	case Int32:
		return float64(int32(le.Uint32(b)))
	case Uint32:
		return float64(le.Uint32(b))
	case Int64:
		return float64(int64(le.Uint64(b)))
	case Uint64:
		return float64(le.Uint64(b))
	case Float16:
		return float64(float16.Frombits(le.Uint16(b)).Float32())
	case BFloat16:
		return float64(bfloat16.FromBits(le.Uint16(b)).Float32())
	case Float32:
		return float64(math.Float32frombits(le.Uint32(b)))
	case Float64:
		return math.Float64frombits(le.Uint64(b))
	}
	return 0
}

// toBFloat16 rounds a float32 to the nearest bfloat16, ties
// to even. NaNs stay quiet NaNs.
func toBFloat16(f float32) bfloat16.BFloat16 {
	bits := math.Float32bits(f)
	if f != f {
		return bfloat16.FromBits(uint16(bits>>16) | 0x40)
	}
	rounding := uint32(0x7fff) + (bits>>16)&1
	return bfloat16.FromBits(uint16((bits + rounding) >> 16))
}
