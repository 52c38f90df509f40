package executor

import (
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/transport"
)

// ReduceScatterRing reduces every rank's slices around a
// ring, leaving rank r with the reduction of group r.
//
// Input holds the slices of every rank and is reduced in
// place. Output receives this rank's group, packed from
// offset 0 unless it is as large as Input.
type ReduceScatterRing struct {
	Base
}

func NewReduceScatterRing() *ReduceScatterRing {
	return &ReduceScatterRing{Base: newBase("ReduceScatterRing")}
}

func (r *ReduceScatterRing) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := r.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	r.logEntry(rank, rankSize)
	p := r.params
	s := p.Stream

	if len(p.NICs) > 0 && len(p.NICs) < rankSize {
		return r.runChunks(rank, rankSize, links)
	}

	lay, err := rankLayout(p, rankSize)
	if err != nil {
		return err
	}
	ownIn := mems(p.Input, lay.group(rank))
	ownOut := packedMems(p.Output, p.Input, lay.group(rank))
	if rankSize == 1 {
		return copyAll(s, ownOut, ownIn)
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
	for step := 0; step < rankSize-1; step++ {
		tx := BackwardRank(rank, rankSize, step+1)
		rx := BackwardRank(rank, rankSize, step+2)
		r.logStep(rank, step, "send group %d, reduce group %d", tx, rx)

		if err := left.TxAck(s); err != nil {
			return err
		}
		if err := right.RxAck(s); err != nil {
			return err
		}
		if err := sender.RunBatch(s, right, mems(p.Input, lay.group(tx))); err != nil {
			return r.fail(rank, err, "step %d: send group %d", step, tx)
		}
		items := reduceItems(p, mems(p.Input, lay.group(rx)))
		if step == rankSize-2 {
			for i := range items {
				items[i].Dst = ownOut[i]
			}
		}
		if err := reducer.RunBatch(s, left, items); err != nil {
			return r.fail(rank, err, "step %d: reduce group %d", step, rx)
		}
		if err := sender.Finish(s, right); err != nil {
			return err
		}
	}
	return closingBarrier(p, rank, rankSize, links)
}

// ReduceScatterSlicesPrep lists the chunks each rank
// reduces, in order, when chunk k must end up at rank
// nics[k].
func ReduceScatterSlicesPrep(rankSize int, nics []int) [][]int {
	origins := make([]int, len(nics))
	for k, nic := range nics {
		origins[k] = (nic + 1) % rankSize
	}
	res := make([][]int, rankSize)
	for r := range res {
		for _, c := range ringChunkOrder(r, rankSize, origins) {
			if c.distance > 0 {
				res[r] = append(res[r], c.chunk)
			}
		}
	}
	return res
}

// runChunks reduces Slices[k] into rank NICs[k]. The chunk
// starts at the rank after NICs[k] and picks up one
// contribution per hop.
func (r *ReduceScatterRing) runChunks(rank, rankSize int, links []transport.Link) error {
	p := r.params
	s := p.Stream
	if len(p.Slices) != len(p.NICs) {
		return collcomm.ParamInvalidf("%d slices for %d interface ranks", len(p.Slices), len(p.NICs))
	}
	origins := make([]int, len(p.NICs))
	for k, nic := range p.NICs {
		if nic < 0 || nic >= rankSize {
			return collcomm.ParamInvalidf("interface rank %d of %d", nic, rankSize)
		}
		origins[k] = (nic + 1) % rankSize
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
	for step, c := range ringChunkOrder(rank, rankSize, origins) {
		chunk := p.Input.RangeSlice(p.Slices[c.chunk])
		r.logStep(rank, step, "chunk %d at distance %d", c.chunk, c.distance)
		if c.distance > 0 {
			dst := chunk
			if c.distance == rankSize-1 {
				dst = p.Output.RangeSlice(p.Slices[c.chunk])
			}
			if err := left.TxAck(s); err != nil {
				return err
			}
			err := reducer.Run(s, left, chunk.Offset(), chunk, dst, mirror(p.Scratch, p.Input, chunk))
			if err != nil {
				return r.fail(rank, err, "reduce chunk %d", c.chunk)
			}
		}
		if c.distance < rankSize-1 {
			if err := right.RxAck(s); err != nil {
				return err
			}
			if err := sender.Run(s, right, chunk); err != nil {
				return r.fail(rank, err, "send chunk %d", c.chunk)
			}
			if err := sender.Finish(s, right); err != nil {
				return err
			}
		}
	}
	return closingBarrier(p, rank, rankSize, links)
}
