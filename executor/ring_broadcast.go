package executor

import (
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/transport"
)

// BroadcastRing pipelines the root's buffer around a ring
// in rankSize pieces.
//
// The root reads Input; every rank ends with the data in
// Output.
type BroadcastRing struct {
	Base
}

func NewBroadcastRing() *BroadcastRing {
	return &BroadcastRing{Base: newBase("BroadcastRing")}
}

func (b *BroadcastRing) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := b.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	b.logEntry(rank, rankSize)
	p := b.params
	s := p.Stream
	if p.Root < 0 || p.Root >= rankSize {
		return collcomm.ParamInvalidf("root %d of %d", p.Root, rankSize)
	}
	size := p.Count * b.unitSize()
	if rank == p.Root {
		if err := s.Copy(p.Output.Range(0, size), p.Input.Range(0, size)); err != nil {
			return b.fail(rank, err, "copy root input")
		}
	}
	if rankSize == 1 {
		return nil
	}
	pieces, err := collcomm.PrepareSliceData(p.Count, b.unitSize(), rankSize, 0)
	if err != nil {
		return err
	}
	prev, next := RingNeighbours(rank, rankSize)
	left, err := link(links, prev)
	if err != nil {
		return err
	}
	right, err := link(links, next)
	if err != nil {
		return err
	}

	pos := (rank - p.Root + rankSize) % rankSize
	for i, piece := range pieces {
		if piece.Size == 0 {
			continue
		}
		m := p.Output.RangeSlice(piece)
		if pos > 0 {
			if err := left.TxAck(s); err != nil {
				return err
			}
			if err := ExecuteRxSync(s, left, transport.MemOutput, m); err != nil {
				return b.fail(rank, err, "receive piece %d", i)
			}
		}
		if pos < rankSize-1 {
			if err := right.RxAck(s); err != nil {
				return err
			}
			if err := ExecuteTxSync(s, right, transport.MemOutput, m); err != nil {
				return b.fail(rank, err, "send piece %d", i)
			}
		}
		b.logStep(rank, i, "piece %s", piece)
	}
	if err := right.TxDataSignal(s); err != nil {
		return err
	}
	if err := left.RxDataSignal(s); err != nil {
		return err
	}
	return closingBarrier(p, rank, rankSize, links)
}

// ReduceRing pipelines partial reductions around a ring
// towards the root, starting at the rank after it.
//
// Input is reduced in place on the ranks the data passes
// through; the root writes the result to Output.
type ReduceRing struct {
	Base
}

func NewReduceRing() *ReduceRing {
	return &ReduceRing{Base: newBase("ReduceRing")}
}

func (r *ReduceRing) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := r.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	r.logEntry(rank, rankSize)
	p := r.params
	s := p.Stream
	if p.Root < 0 || p.Root >= rankSize {
		return collcomm.ParamInvalidf("root %d of %d", p.Root, rankSize)
	}
	if rankSize == 1 {
		size := p.Count * r.unitSize()
		return s.Copy(p.Output.Range(0, size), p.Input.Range(0, size))
	}
	pieces, err := collcomm.PrepareSliceData(p.Count, r.unitSize(), rankSize, 0)
	if err != nil {
		return err
	}
	prev, next := RingNeighbours(rank, rankSize)
	left, err := link(links, prev)
	if err != nil {
		return err
	}
	right, err := link(links, next)
	if err != nil {
		return err
	}

	sender, reducer := p.sender(), p.reducer()
	pos := (rank - p.Root - 1 + 2*rankSize) % rankSize
	for i, piece := range pieces {
		if piece.Size == 0 {
			continue
		}
		m := p.Input.RangeSlice(piece)
		if pos > 0 {
			dst := m
			if pos == rankSize-1 {
				dst = p.Output.RangeSlice(piece)
			}
			if err := left.TxAck(s); err != nil {
				return err
			}
			if err := reducer.Run(s, left, m.Offset(), m, dst, mirror(p.Scratch, p.Input, m)); err != nil {
				return r.fail(rank, err, "reduce piece %d", i)
			}
		}
		if pos < rankSize-1 {
			if err := right.RxAck(s); err != nil {
				return err
			}
			if err := sender.Run(s, right, m); err != nil {
				return r.fail(rank, err, "send piece %d", i)
			}
			if err := sender.Finish(s, right); err != nil {
				return err
			}
		}
		r.logStep(rank, i, "piece %s", piece)
	}
	return closingBarrier(p, rank, rankSize, links)
}
