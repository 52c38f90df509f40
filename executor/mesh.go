package executor

import (
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/transport"
)

// AllGatherMesh exchanges slices with every peer directly,
// one peer per stream.
//
// Round r (1 <= r < rankSize) exchanges this rank's group
// with rank-r. Rounds run concurrently on the main stream
// and rankSize-2 auxiliary streams.
type AllGatherMesh struct {
	Base
}

func NewAllGatherMesh() *AllGatherMesh {
	return &AllGatherMesh{Base: newBase("AllGatherMesh")}
}

func (a *AllGatherMesh) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := a.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	a.logEntry(rank, rankSize)
	p := a.params
	s := p.Stream
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
	peerLinks := make([]transport.Link, rankSize)
	for round := 1; round < rankSize; round++ {
		peer := BackwardRank(rank, rankSize, round)
		if peerLinks[round], err = link(links, peer); err != nil {
			return err
		}
	}
	err = transport.Parallel(s, rankSize-2, func(st *transport.Stream, idx int) error {
		round := idx + 1
		peer := BackwardRank(rank, rankSize, round)
		l := peerLinks[round]
		a.logStep(rank, round, "exchange with rank %d", peer)
		if err := l.TxAck(st); err != nil {
			return err
		}
		if err := l.RxAck(st); err != nil {
			return err
		}
		if err := l.TxAsyncBatch(st, txInfos(transport.MemOutput, own)); err != nil {
			return a.fail(rank, err, "send to rank %d", peer)
		}
		rxs := rxInfos(transport.MemOutput, mems(p.Output, lay.group(peer)))
		if err := l.RxAsyncBatch(st, rxs); err != nil {
			return a.fail(rank, err, "receive from rank %d", peer)
		}
		if err := l.RxWaitDone(st); err != nil {
			return err
		}
		return l.TxWaitDone(st)
	})
	if err != nil {
		return err
	}
	return closingBarrier(p, rank, rankSize, links)
}

// ReduceScatterMesh reduces every rank's group by talking
// to every peer directly on a single stream.
//
// In round r, this rank sends its contribution to the
// group of rank-r and reduces the contribution of rank+r
// into its own group, in place on Input. The result is
// copied to Output at the end.
type ReduceScatterMesh struct {
	Base
}

func NewReduceScatterMesh() *ReduceScatterMesh {
	return &ReduceScatterMesh{Base: newBase("ReduceScatterMesh")}
}

func (r *ReduceScatterMesh) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := r.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	r.logEntry(rank, rankSize)
	p := r.params
	s := p.Stream
	lay, err := rankLayout(p, rankSize)
	if err != nil {
		return err
	}
	ownIn := mems(p.Input, lay.group(rank))
	ownOut := packedMems(p.Output, p.Input, lay.group(rank))
	sender, reducer := p.sender(), p.reducer()
	for round := 1; round < rankSize; round++ {
		dst := BackwardRank(rank, rankSize, round)
		src := ForwardRank(rank, rankSize, round)
		r.logStep(rank, round, "send group %d, reduce from rank %d", dst, src)
		out, err := link(links, dst)
		if err != nil {
			return err
		}
		in, err := link(links, src)
		if err != nil {
			return err
		}
		if err := in.TxAck(s); err != nil {
			return err
		}
		if err := out.RxAck(s); err != nil {
			return err
		}
		if err := sender.RunBatch(s, out, mems(p.Input, lay.group(dst))); err != nil {
			return r.fail(rank, err, "round %d: send to rank %d", round, dst)
		}
		if err := reducer.RunBatch(s, in, reduceItems(p, ownIn)); err != nil {
			return r.fail(rank, err, "round %d: reduce from rank %d", round, src)
		}
		if err := sender.Finish(s, out); err != nil {
			return err
		}
	}
	if err := copyAll(s, ownOut, ownIn); err != nil {
		return r.fail(rank, err, "copy result")
	}
	return closingBarrier(p, rank, rankSize, links)
}

// BroadcastMesh sends the root's buffer to every peer at
// once, one auxiliary stream per peer.
type BroadcastMesh struct {
	Base
}

func NewBroadcastMesh() *BroadcastMesh {
	return &BroadcastMesh{Base: newBase("BroadcastMesh")}
}

func (b *BroadcastMesh) RunAsync(rank, rankSize int, links []transport.Link) error {
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
	out := p.Output.Range(0, size)
	if rank != p.Root {
		l, err := link(links, p.Root)
		if err != nil {
			return err
		}
		if err := l.TxAck(s); err != nil {
			return err
		}
		if err := ExecuteRxSync(s, l, transport.MemInput, out); err != nil {
			return b.fail(rank, err, "receive from root")
		}
		return closingBarrier(p, rank, rankSize, links)
	}

	in := p.Input.Range(0, size)
	if err := s.Copy(out, in); err != nil {
		return b.fail(rank, err, "copy root input")
	}
	err := rootParallel(s, rank, rankSize, links, func(st *transport.Stream, peer int,
		l transport.Link) error {
		if err := l.RxAck(st); err != nil {
			return err
		}
		if err := ExecuteTxSync(st, l, transport.MemInput, in); err != nil {
			return b.fail(rank, err, "send to rank %d", peer)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return closingBarrier(p, rank, rankSize, links)
}

// GatherMesh has every rank send its group straight to the
// root, which receives from all peers concurrently.
type GatherMesh struct {
	Base
}

func NewGatherMesh() *GatherMesh {
	return &GatherMesh{Base: newBase("GatherMesh")}
}

func (g *GatherMesh) RunAsync(rank, rankSize int, links []transport.Link) error {
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
	if rank != p.Root {
		l, err := link(links, p.Root)
		if err != nil {
			return err
		}
		if err := l.RxAck(s); err != nil {
			return err
		}
		if err := l.TxAsyncBatch(s, txInfos(transport.MemInput, ownIn)); err != nil {
			return g.fail(rank, err, "send to root")
		}
		if err := l.TxWaitDone(s); err != nil {
			return err
		}
		return closingBarrier(p, rank, rankSize, links)
	}

	if err := copyAll(s, mems(p.Output, lay.group(rank)), ownIn); err != nil {
		return g.fail(rank, err, "copy own group")
	}
	err = rootParallel(s, rank, rankSize, links, func(st *transport.Stream, peer int,
		l transport.Link) error {
		if err := l.TxAck(st); err != nil {
			return err
		}
		rxs := rxInfos(transport.MemOutput, mems(p.Output, lay.group(peer)))
		if err := l.RxAsyncBatch(st, rxs); err != nil {
			return g.fail(rank, err, "receive from rank %d", peer)
		}
		return l.RxWaitDone(st)
	})
	if err != nil {
		return err
	}
	return closingBarrier(p, rank, rankSize, links)
}

// ScatterMesh has the root send every peer its group
// directly, from one auxiliary stream per peer.
type ScatterMesh struct {
	Base
}

func NewScatterMesh() *ScatterMesh {
	return &ScatterMesh{Base: newBase("ScatterMesh")}
}

func (sc *ScatterMesh) RunAsync(rank, rankSize int, links []transport.Link) error {
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
	if rank != p.Root {
		l, err := link(links, p.Root)
		if err != nil {
			return err
		}
		if err := l.TxAck(s); err != nil {
			return err
		}
		if err := l.RxAsyncBatch(s, rxInfos(transport.MemOutput, ownOut)); err != nil {
			return sc.fail(rank, err, "receive from root")
		}
		if err := l.RxWaitDone(s); err != nil {
			return err
		}
		return closingBarrier(p, rank, rankSize, links)
	}

	if err := copyAll(s, ownOut, mems(p.Input, lay.group(rank))); err != nil {
		return sc.fail(rank, err, "copy own group")
	}
	err = rootParallel(s, rank, rankSize, links, func(st *transport.Stream, peer int,
		l transport.Link) error {
		if err := l.RxAck(st); err != nil {
			return err
		}
		txs := txInfos(transport.MemInput, mems(p.Input, lay.group(peer)))
		if err := l.TxAsyncBatch(st, txs); err != nil {
			return sc.fail(rank, err, "send to rank %d", peer)
		}
		return l.TxWaitDone(st)
	})
	if err != nil {
		return err
	}
	return closingBarrier(p, rank, rankSize, links)
}

// ReduceMesh has every rank send its buffer to the root,
// which reduces the contributions one by one in rank
// order.
type ReduceMesh struct {
	Base
}

func NewReduceMesh() *ReduceMesh {
	return &ReduceMesh{Base: newBase("ReduceMesh")}
}

func (r *ReduceMesh) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := r.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	r.logEntry(rank, rankSize)
	p := r.params
	s := p.Stream
	if p.Root < 0 || p.Root >= rankSize {
		return collcomm.ParamInvalidf("root %d of %d", p.Root, rankSize)
	}
	size := p.Count * r.unitSize()
	in := p.Input.Range(0, size)
	sender, reducer := p.sender(), p.reducer()
	if rank != p.Root {
		l, err := link(links, p.Root)
		if err != nil {
			return err
		}
		if err := l.RxAck(s); err != nil {
			return err
		}
		if err := sender.Run(s, l, in); err != nil {
			return r.fail(rank, err, "send to root")
		}
		if err := sender.Finish(s, l); err != nil {
			return err
		}
		return closingBarrier(p, rank, rankSize, links)
	}

	temp := mirror(p.Scratch, p.Input, in)
	for peer := 0; peer < rankSize; peer++ {
		if peer == rank {
			continue
		}
		l, err := link(links, peer)
		if err != nil {
			return err
		}
		r.logStep(rank, peer, "reduce from rank %d", peer)
		if err := l.TxAck(s); err != nil {
			return err
		}
		if err := reducer.Run(s, l, in.Offset(), in, in, temp); err != nil {
			return r.fail(rank, err, "reduce from rank %d", peer)
		}
	}
	if err := s.Copy(p.Output.Range(0, size), in); err != nil {
		return r.fail(rank, err, "copy result")
	}
	return closingBarrier(p, rank, rankSize, links)
}

// rootParallel runs f for every peer of the root, each on
// its own stream.
func rootParallel(s *transport.Stream, root, rankSize int, links []transport.Link,
	f func(st *transport.Stream, peer int, l transport.Link) error) error {
	if rankSize == 1 {
		return nil
	}
	peerLinks := make([]transport.Link, rankSize-1)
	for i := range peerLinks {
		l, err := link(links, ForwardRank(root, rankSize, i+1))
		if err != nil {
			return err
		}
		peerLinks[i] = l
	}
	return transport.Parallel(s, rankSize-2, func(st *transport.Stream, idx int) error {
		return f(st, ForwardRank(root, rankSize, idx+1), peerLinks[idx])
	})
}
