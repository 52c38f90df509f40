package collcomm

import "fmt"

// MinSliceAlign is the byte alignment of every slice
// produced by the partitioning helpers.
const MinSliceAlign = 128

// A Slice is a half-open byte range [Offset, Offset+Size)
// of a buffer.
type Slice struct {
	Offset uint64
	Size   uint64
}

// End returns the first byte after the slice.
func (s Slice) End() uint64 {
	return s.Offset + s.Size
}

func (s Slice) String() string {
	return fmt.Sprintf("[%d, %d)", s.Offset, s.End())
}

// RoundUp rounds v up to a multiple of align.
func RoundUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}
	return (v + align - 1) / align * align
}

// PrepareSliceData splits count elements of unitSize bytes
// into sliceNum slices starting at offset.
//
// Every slice except the last non-empty one is a multiple
// of MinSliceAlign bytes. Slices past the end of the data
// are empty and placed at the end of the range, so the
// table always has sliceNum entries.
func PrepareSliceData(count, unitSize uint64, sliceNum int, offset uint64) ([]Slice, error) {
	if sliceNum <= 0 {
		return nil, ParamInvalidf("slice count %d", sliceNum)
	}
	total := count * unitSize
	per := RoundUp((total+uint64(sliceNum)-1)/uint64(sliceNum), MinSliceAlign)
	slices := make([]Slice, sliceNum)
	residue := total
	for i := range slices {
		if residue == 0 {
			slices[i] = Slice{Offset: total + offset}
			continue
		}
		size := min(per, residue)
		slices[i] = Slice{Offset: total - residue + offset, Size: size}
		residue -= size
	}
	return slices, nil
}

// PrepareSliceMeshStreams splits every rank's slice into
// streamCount aligned pieces. The result is indexed by
// stream, then by rank.
func PrepareSliceMeshStreams(rankSlices []Slice, streamCount int) ([][]Slice, error) {
	if streamCount <= 0 {
		return nil, ParamInvalidf("stream count %d", streamCount)
	}
	res := make([][]Slice, streamCount)
	for i := range res {
		res[i] = make([]Slice, len(rankSlices))
	}
	for rank, rs := range rankSlices {
		per := RoundUp((rs.Size+uint64(streamCount)-1)/uint64(streamCount), MinSliceAlign)
		residue := rs.Size
		for stream := range res {
			if residue == 0 {
				res[stream][rank] = Slice{Offset: rs.Offset}
				continue
			}
			size := min(per, residue)
			res[stream][rank] = Slice{Offset: rs.End() - residue, Size: size}
			residue -= size
		}
	}
	return res, nil
}

// UniformSlices creates n back-to-back slices of the same
// size.
func UniformSlices(size uint64, n int) []Slice {
	res := make([]Slice, n)
	for i := range res {
		res[i] = Slice{Offset: uint64(i) * size, Size: size}
	}
	return res
}

// SumSlices adds up the sizes of num consecutive slices
// starting at index start.
func SumSlices(slices []Slice, start, num int) uint64 {
	var res uint64
	for _, s := range slices[start : start+num] {
		res += s.Size
	}
	return res
}
