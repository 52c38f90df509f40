package collcomm

import "fmt"

// A Buffer is one contiguous allocation of simulated
// device memory.
type Buffer struct {
	name string
	data []byte
}

// NewBuffer allocates a zeroed buffer.
func NewBuffer(name string, size uint64) *Buffer {
	return &Buffer{name: name, data: make([]byte, size)}
}

// NewBufferFrom creates a buffer holding a copy of data.
func NewBufferFrom(name string, data []byte) *Buffer {
	return &Buffer{name: name, data: append([]byte{}, data...)}
}

// Name returns the label given at allocation.
func (b *Buffer) Name() string {
	return b.name
}

// Size returns the allocation size in bytes.
func (b *Buffer) Size() uint64 {
	return uint64(len(b.data))
}

// Mem returns a range covering the whole buffer.
func (b *Buffer) Mem() Mem {
	return Mem{buf: b, size: uint64(len(b.data))}
}

// Mem is a bounds-checked byte range of a Buffer.
//
// The zero Mem refers to no buffer. A Mem produced by an
// out-of-range call to Range carries the error, and every
// operation that consumes it fails with that error.
type Mem struct {
	buf  *Buffer
	off  uint64
	size uint64
	err  error
}

// Range returns a sub-range relative to the start of m.
func (m Mem) Range(offset, size uint64) Mem {
	if m.Err() != nil {
		return m
	}
	if offset > m.size || size > m.size-offset {
		return Mem{err: MemoryInvalidf("range [%d, %d) exceeds %s", offset, offset+size, m)}
	}
	return Mem{buf: m.buf, off: m.off + offset, size: size}
}

// RangeSlice is Range for a Slice.
func (m Mem) RangeSlice(s Slice) Mem {
	return m.Range(s.Offset, s.Size)
}

// Err returns a non-nil error if m cannot be used.
func (m Mem) Err() error {
	if m.err != nil {
		return m.err
	}
	if m.buf == nil {
		return NullResourcef("memory range has no buffer")
	}
	return nil
}

// Buffer returns the underlying allocation.
func (m Mem) Buffer() *Buffer {
	return m.buf
}

// Offset returns the absolute offset of m in its Buffer.
func (m Mem) Offset() uint64 {
	return m.off
}

// Size returns the length of m in bytes.
func (m Mem) Size() uint64 {
	return m.size
}

// Bytes returns the bytes of m, aliasing the Buffer.
// It returns nil if m is not usable.
func (m Mem) Bytes() []byte {
	if m.Err() != nil {
		return nil
	}
	return m.buf.data[m.off : m.off+m.size]
}

// Equal checks if two ranges cover the same bytes.
func (m Mem) Equal(other Mem) bool {
	return m.buf == other.buf && m.off == other.off && m.size == other.size && m.buf != nil
}

// Overlaps checks if two ranges share any byte.
func (m Mem) Overlaps(other Mem) bool {
	if m.buf == nil || m.buf != other.buf {
		return false
	}
	return m.off < other.off+other.size && other.off < m.off+m.size
}

// Contains checks if other lies entirely inside m.
func (m Mem) Contains(other Mem) bool {
	return m.buf != nil && m.buf == other.buf && other.off >= m.off &&
		other.off+other.size <= m.off+m.size
}

func (m Mem) String() string {
	if m.buf == nil {
		return "<nil mem>"
	}
	return fmt.Sprintf("%s[%d:%d]", m.buf.name, m.off, m.off+m.size)
}

// Copy copies src into dst.
//
// The ranges must have equal sizes. Copying a range onto
// itself does nothing.
func Copy(dst, src Mem) error {
	if err := dst.Err(); err != nil {
		return err
	}
	if err := src.Err(); err != nil {
		return err
	}
	if dst.Size() != src.Size() {
		return MemoryInvalidf("copy %s to %s: size mismatch", src, dst)
	}
	if dst.Equal(src) {
		return nil
	}
	copy(dst.Bytes(), src.Bytes())
	return nil
}
