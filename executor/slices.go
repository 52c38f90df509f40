package executor

import (
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/transport"
)

// layout is a slice table with k slices per rank.
type layout struct {
	slices []collcomm.Slice
	k      int
}

// rankLayout resolves the slice table of a gather- or
// scatter-like call: Params.Slices if given, otherwise one
// slice of count elements per rank.
func rankLayout(p Params, rankSize int) (layout, error) {
	if len(p.Slices) == 0 {
		size := p.Count * p.DataType.Size()
		slices := collcomm.UniformSlices(size, rankSize)
		for i := range slices {
			slices[i].Offset += p.BaseOffset
		}
		return layout{slices: slices, k: 1}, nil
	}
	if len(p.Slices)%rankSize != 0 {
		return layout{}, collcomm.ParamInvalidf("%d slices for %d ranks", len(p.Slices), rankSize)
	}
	return layout{slices: p.Slices, k: len(p.Slices) / rankSize}, nil
}

// group returns the slices owned by rank r.
func (l layout) group(r int) []collcomm.Slice {
	return l.slices[r*l.k : (r+1)*l.k]
}

// groups returns the slices owned by ranks [lo, hi).
func (l layout) groups(lo, hi int) []collcomm.Slice {
	return l.slices[lo*l.k : hi*l.k]
}

func (l layout) groupSize(r int) uint64 {
	return collcomm.SumSlices(l.slices, r*l.k, l.k)
}

// mems maps slices onto a buffer.
func mems(base collcomm.Mem, slices []collcomm.Slice) []collcomm.Mem {
	res := make([]collcomm.Mem, len(slices))
	for i, s := range slices {
		res[i] = base.RangeSlice(s)
	}
	return res
}

// packedMems maps a group onto a buffer that holds only
// that group. If small is not smaller than full, slices
// keep their offsets; otherwise they are packed from 0.
func packedMems(small, full collcomm.Mem, group []collcomm.Slice) []collcomm.Mem {
	if small.Size() >= full.Size() {
		return mems(small, group)
	}
	res := make([]collcomm.Mem, len(group))
	var offset uint64
	for i, s := range group {
		res[i] = small.Range(offset, s.Size)
		offset += s.Size
	}
	return res
}

// mirror returns the range of scratch that shadows m,
// which must lie inside input.
func mirror(scratch, input, m collcomm.Mem) collcomm.Mem {
	if m.Offset() < input.Offset() {
		return collcomm.Mem{}
	}
	return scratch.Range(m.Offset()-input.Offset(), m.Size())
}

// copyAll copies each src range to the matching dst.
func copyAll(s *transport.Stream, dst, src []collcomm.Mem) error {
	for i := range dst {
		if err := s.Copy(dst[i], src[i]); err != nil {
			return err
		}
	}
	return nil
}

func txInfos(memType transport.MemType, srcs []collcomm.Mem) []transport.TxMemInfo {
	res := make([]transport.TxMemInfo, len(srcs))
	for i, m := range srcs {
		res[i] = transport.TxMemInfo{MemType: memType, Offset: m.Offset(), Src: m}
	}
	return res
}

func rxInfos(memType transport.MemType, dsts []collcomm.Mem) []transport.RxMemInfo {
	res := make([]transport.RxMemInfo, len(dsts))
	for i, m := range dsts {
		res[i] = transport.RxMemInfo{MemType: memType, Offset: m.Offset(), Dst: m}
	}
	return res
}

// reduceItems builds in-place reduce items for ranges of
// input, with receive areas mirrored in scratch.
func reduceItems(p Params, srcs []collcomm.Mem) []ReduceItem {
	res := make([]ReduceItem, len(srcs))
	for i, m := range srcs {
		res[i] = ReduceItem{
			RemoteOffset: m.Offset(),
			Src:          m,
			Dst:          m,
			Temp:         mirror(p.Scratch, p.Input, m),
		}
	}
	return res
}

func (p Params) reducer() Reducer {
	return Reducer{DataType: p.DataType, Op: p.Op, Attr: p.ReduceAttr}
}

func (p Params) sender() Sender {
	return Sender{DataType: p.DataType, Op: p.Op, Attr: p.ReduceAttr}
}
