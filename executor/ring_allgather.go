package executor

import (
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/transport"
	"golang.org/x/exp/slices"
)

// AllGatherRing passes every rank's slices around a ring.
//
// Output holds the slices of every rank; Input holds only
// this rank's slices, packed from offset 0, unless it is
// as large as Output.
type AllGatherRing struct {
	Base
}

func NewAllGatherRing() *AllGatherRing {
	return &AllGatherRing{Base: newBase("AllGatherRing")}
}

func (a *AllGatherRing) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := a.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	a.logEntry(rank, rankSize)
	p := a.params
	s := p.Stream

	if len(p.NICs) > 0 && len(p.NICs) < rankSize {
		return a.runChunks(rank, rankSize, links)
	}

	lay, err := rankLayout(p, rankSize)
	if err != nil {
		return err
	}
	own := mems(p.Output, lay.group(rank))
	if err := copyAll(s, own, packedMems(p.Input, p.Output, lay.group(rank))); err != nil {
		return a.fail(rank, err, "copy own slices")
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
	for step := 0; step < rankSize-1; step++ {
		tx := BackwardRank(rank, rankSize, step)
		rx := BackwardRank(rank, rankSize, step+1)
		a.logStep(rank, step, "send group %d, receive group %d", tx, rx)
		if err := ringTransfer(s, left, right, mems(p.Output, lay.group(tx)),
			mems(p.Output, lay.group(rx))); err != nil {
			return a.fail(rank, err, "step %d", step)
		}
	}
	return closingBarrier(p, rank, rankSize, links)
}

// ringTransfer sends txs to the right neighbour while
// receiving rxs from the left one.
func ringTransfer(s *transport.Stream, left, right transport.Link, txs, rxs []collcomm.Mem) error {
	if err := left.TxAck(s); err != nil {
		return err
	}
	if err := right.RxAck(s); err != nil {
		return err
	}
	if err := right.TxAsyncBatch(s, txInfos(transport.MemOutput, txs)); err != nil {
		return err
	}
	if err := left.RxAsyncBatch(s, rxInfos(transport.MemOutput, rxs)); err != nil {
		return err
	}
	if err := left.RxWaitDone(s); err != nil {
		return err
	}
	return right.TxWaitDone(s)
}

// A ringChunk is one unit of a chunked ring schedule: the
// chunk index and the rank's distance from the chunk's
// first rank along the ring.
type ringChunk struct {
	chunk, distance int
}

// ringChunkOrder lists the chunks in the order a rank
// handles them. Ordering by distance first lets every chunk
// move one hop per phase, and all ranks agree on the order
// of transfers over each link.
func ringChunkOrder(rank, rankSize int, origins []int) []ringChunk {
	res := make([]ringChunk, len(origins))
	for k, o := range origins {
		res[k] = ringChunk{chunk: k, distance: (rank - o + rankSize) % rankSize}
	}
	slices.SortFunc(res, func(a, b ringChunk) int {
		if a.distance != b.distance {
			return a.distance - b.distance
		}
		return a.chunk - b.chunk
	})
	return res
}

// AllGatherSlicesPrep lists the chunks each rank receives,
// in the order it receives them, when chunk k starts at
// rank nics[k].
func AllGatherSlicesPrep(rankSize int, nics []int) [][]int {
	res := make([][]int, rankSize)
	for r := range res {
		for _, c := range ringChunkOrder(r, rankSize, nics) {
			if c.distance > 0 {
				res[r] = append(res[r], c.chunk)
			}
		}
	}
	return res
}

// runChunks spreads Slices[k] from rank NICs[k] to every
// other rank.
func (a *AllGatherRing) runChunks(rank, rankSize int, links []transport.Link) error {
	p := a.params
	s := p.Stream
	if len(p.Slices) != len(p.NICs) {
		return collcomm.ParamInvalidf("%d slices for %d interface ranks", len(p.Slices), len(p.NICs))
	}
	for k, nic := range p.NICs {
		if nic < 0 || nic >= rankSize {
			return collcomm.ParamInvalidf("interface rank %d of %d", nic, rankSize)
		}
		if nic == rank {
			err := s.Copy(p.Output.RangeSlice(p.Slices[k]), p.Input.RangeSlice(p.Slices[k]))
			if err != nil {
				return a.fail(rank, err, "copy chunk %d", k)
			}
		}
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
	for step, c := range ringChunkOrder(rank, rankSize, p.NICs) {
		chunk := p.Output.RangeSlice(p.Slices[c.chunk])
		a.logStep(rank, step, "chunk %d at distance %d", c.chunk, c.distance)
		if c.distance > 0 {
			if err := left.TxAck(s); err != nil {
				return err
			}
			if err := ExecuteRxSync(s, left, transport.MemOutput, chunk); err != nil {
				return a.fail(rank, err, "receive chunk %d", c.chunk)
			}
		}
		if c.distance < rankSize-1 {
			if err := right.RxAck(s); err != nil {
				return err
			}
			if err := ExecuteTxSync(s, right, transport.MemOutput, chunk); err != nil {
				return a.fail(rank, err, "send chunk %d", c.chunk)
			}
		}
	}
	return closingBarrier(p, rank, rankSize, links)
}
