package executor

import (
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/transport"
)

// GatherRing collects every rank's slices at the root by
// passing them along the ring.
//
// Output on the root holds every group; Input holds this
// rank's group. Ranks in between stage forwarded groups in
// Scratch, which mirrors Output.
type GatherRing struct {
	Base
}

func NewGatherRing() *GatherRing {
	return &GatherRing{Base: newBase("GatherRing")}
}

func (g *GatherRing) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := g.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	g.logEntry(rank, rankSize)
	p := g.params
	s := p.Stream
	if p.Root < 0 || p.Root >= rankSize {
		return collcomm.ParamInvalidf("root %d of %d", p.Root, rankSize)
	}
	lay, err := rankLayout(p, rankSize)
	if err != nil {
		return err
	}
	ownIn := packedMems(p.Input, p.Output, lay.group(rank))
	if rank == p.Root {
		if err := copyAll(s, mems(p.Output, lay.group(rank)), ownIn); err != nil {
			return g.fail(rank, err, "copy own group")
		}
	}
	if rankSize == 1 {
		return nil
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

	// dist is the number of hops from this rank to the root.
	dist := (p.Root - rank + rankSize) % rankSize
	if rank == p.Root {
		for i := 1; i < rankSize; i++ {
			src := BackwardRank(rank, rankSize, i)
			if err := left.TxAck(s); err != nil {
				return err
			}
			dst := rxInfos(transport.MemOutput, mems(p.Output, lay.group(src)))
			if err := left.RxAsyncBatch(s, dst); err != nil {
				return g.fail(rank, err, "receive group %d", src)
			}
		}
		return closingBarrier(p, rank, rankSize, links)
	}

	if err := right.RxAck(s); err != nil {
		return err
	}
	if err := right.TxAsyncBatch(s, txInfos(transport.MemInput, ownIn)); err != nil {
		return g.fail(rank, err, "send own group")
	}
	// Groups of the ranks farther from the root pass through.
	for i := 1; i < rankSize-dist; i++ {
		src := BackwardRank(rank, rankSize, i)
		stage := mems(p.Scratch, lay.group(src))
		if err := left.TxAck(s); err != nil {
			return err
		}
		if err := left.RxAsyncBatch(s, rxInfos(transport.MemOutput, stage)); err != nil {
			return g.fail(rank, err, "receive group %d", src)
		}
		if err := right.RxAck(s); err != nil {
			return err
		}
		if err := right.TxAsyncBatch(s, txInfos(transport.MemOutput, stage)); err != nil {
			return g.fail(rank, err, "forward group %d", src)
		}
		g.logStep(rank, i, "forward group %d", src)
	}
	return closingBarrier(p, rank, rankSize, links)
}

// ScatterRing hands out the root's groups along the ring,
// farthest rank first.
//
// Input on the root holds every group; each rank receives
// its own group in Output, packed from offset 0 unless
// Output is as large as Input. Forwarded groups are staged
// in Scratch, which mirrors Input.
type ScatterRing struct {
	Base
}

func NewScatterRing() *ScatterRing {
	return &ScatterRing{Base: newBase("ScatterRing")}
}

func (sc *ScatterRing) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := sc.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	sc.logEntry(rank, rankSize)
	p := sc.params
	s := p.Stream
	if p.Root < 0 || p.Root >= rankSize {
		return collcomm.ParamInvalidf("root %d of %d", p.Root, rankSize)
	}
	lay, err := rankLayout(p, rankSize)
	if err != nil {
		return err
	}
	ownOut := packedMems(p.Output, p.Input, lay.group(rank))
	if rank == p.Root {
		if err := copyAll(s, ownOut, mems(p.Input, lay.group(rank))); err != nil {
			return sc.fail(rank, err, "copy own group")
		}
	}
	if rankSize == 1 {
		return nil
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

	// dist is the number of hops from the root to this rank.
	dist := (rank - p.Root + rankSize) % rankSize
	if rank == p.Root {
		for d := rankSize - 1; d > 0; d-- {
			dst := ForwardRank(rank, rankSize, d)
			if err := right.RxAck(s); err != nil {
				return err
			}
			src := txInfos(transport.MemInput, mems(p.Input, lay.group(dst)))
			if err := right.TxAsyncBatch(s, src); err != nil {
				return sc.fail(rank, err, "send group %d", dst)
			}
		}
		return closingBarrier(p, rank, rankSize, links)
	}

	for d := rankSize - 1; d > dist; d-- {
		dst := ForwardRank(p.Root, rankSize, d)
		stage := mems(p.Scratch, lay.group(dst))
		if err := left.TxAck(s); err != nil {
			return err
		}
		if err := left.RxAsyncBatch(s, rxInfos(transport.MemInput, stage)); err != nil {
			return sc.fail(rank, err, "receive group %d", dst)
		}
		if err := right.RxAck(s); err != nil {
			return err
		}
		if err := right.TxAsyncBatch(s, txInfos(transport.MemInput, stage)); err != nil {
			return sc.fail(rank, err, "forward group %d", dst)
		}
		sc.logStep(rank, d, "forward group %d", dst)
	}
	if err := left.TxAck(s); err != nil {
		return err
	}
	if err := left.RxAsyncBatch(s, rxInfos(transport.MemOutput, ownOut)); err != nil {
		return sc.fail(rank, err, "receive own group")
	}
	return closingBarrier(p, rank, rankSize, links)
}
