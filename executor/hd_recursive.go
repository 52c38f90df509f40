package executor

import (
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/transport"
)

// The recursive halving-doubling algorithms fold a rank
// set of any size into a power-of-two team. The first
// Part1Size ranks form pairs; one rank of each pair is a
// team member and works on behalf of its partner, which
// only talks to that member before and after the team
// steps.

// segmentTeam is the team of rhd members for the given
// root, owning one segment of a BlockSize table each.
func (r RecursiveHDParams) segmentTeam(root int) team {
	return team{
		size: r.BlockSize,
		rank: func(i int) int { return r.memberRank(i, root) },
		span: func(lo, hi int) span { return span{lo, hi} },
	}
}

// rankTeam is the team of rhd members (for root 0), each
// owning the groups of itself and its partner.
func (r RecursiveHDParams) rankTeam() team {
	first := func(i int) int {
		if i < r.Part1Size/2 {
			return 2 * i
		}
		return i + r.Part1Size/2
	}
	return team{
		size: r.BlockSize,
		rank: func(i int) int { return r.memberRank(i, 0) },
		span: func(lo, hi int) span { return span{first(lo), first(hi)} },
	}
}

func recursiveHDAllReducePlan(rank, rankSize int) plan {
	var pl plan
	r := CalcRecursiveHDParams(rankSize)
	all := span{0, r.BlockSize}
	partner := r.partner(rank)
	i := r.member(rank, 0)
	if i < 0 {
		pl.send(partner, all, true)
		pl.recv(partner, all, false)
		return pl
	}
	if partner >= 0 {
		pl.recv(partner, all, true)
	}
	t := r.segmentTeam(0)
	t.halving(&pl, i)
	t.doubling(&pl, i)
	if partner >= 0 {
		pl.send(partner, all, false)
	}
	return pl
}

func recursiveHDReduceScatterPlan(rank, rankSize int) plan {
	var pl plan
	r := CalcRecursiveHDParams(rankSize)
	all := span{0, rankSize}
	partner := r.partner(rank)
	i := r.member(rank, 0)
	if i < 0 {
		pl.send(partner, all, true)
		pl.recv(partner, span{rank, rank + 1}, false)
		return pl
	}
	if partner >= 0 {
		pl.recv(partner, all, true)
	}
	r.rankTeam().halving(&pl, i)
	if partner >= 0 {
		pl.send(partner, span{partner, partner + 1}, false)
	}
	return pl
}

func recursiveHDAllGatherPlan(rank, rankSize int) plan {
	var pl plan
	r := CalcRecursiveHDParams(rankSize)
	all := span{0, rankSize}
	partner := r.partner(rank)
	i := r.member(rank, 0)
	if i < 0 {
		pl.send(partner, span{rank, rank + 1}, false)
		pl.recv(partner, all, false)
		return pl
	}
	if partner >= 0 {
		pl.recv(partner, span{partner, partner + 1}, false)
	}
	r.rankTeam().doubling(&pl, i)
	if partner >= 0 {
		pl.send(partner, all, false)
	}
	return pl
}

func recursiveHDBroadcastPlan(rank, rankSize, root int) plan {
	var pl plan
	r := CalcRecursiveHDParams(rankSize)
	all := span{0, 1}
	partner := r.partner(rank)
	i := r.member(rank, root)
	if i < 0 {
		pl.recv(partner, all, false)
		return pl
	}
	r.segmentTeam(root).bcast(&pl, i, r.member(root, root), all)
	if partner >= 0 {
		pl.send(partner, all, false)
	}
	return pl
}

func recursiveHDReducePlan(rank, rankSize, root int) plan {
	var pl plan
	r := CalcRecursiveHDParams(rankSize)
	all := span{0, 1}
	partner := r.partner(rank)
	i := r.member(rank, root)
	if i < 0 {
		pl.send(partner, all, true)
		return pl
	}
	if partner >= 0 {
		pl.recv(partner, all, true)
	}
	r.segmentTeam(root).reduce(&pl, i, r.member(root, root), all)
	return pl
}

// AllReduceRecursiveHD reduces the whole buffer with
// recursive halving, then gathers it back with recursive
// doubling. Input is reduced in place; the result is
// copied to Output.
type AllReduceRecursiveHD struct {
	Base
}

func NewAllReduceRecursiveHD() *AllReduceRecursiveHD {
	return &AllReduceRecursiveHD{Base: newBase("AllReduceRecursiveHD")}
}

func (a *AllReduceRecursiveHD) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := a.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	a.logEntry(rank, rankSize)
	p := a.params
	r := CalcRecursiveHDParams(rankSize)
	segments, err := collcomm.PrepareSliceData(p.Count, a.unitSize(), r.BlockSize, p.BaseOffset)
	if err != nil {
		return err
	}
	lay := layout{slices: segments, k: 1}
	if err := a.runPlan(rank, links, lay, p.Input, recursiveHDAllReducePlan(rank, rankSize)); err != nil {
		return err
	}
	if err := copyAll(p.Stream, mems(p.Output, segments), mems(p.Input, segments)); err != nil {
		return a.fail(rank, err, "copy result")
	}
	return closingBarrier(p, rank, rankSize, links)
}

// ReduceScatterRecursiveHD is a reduce-scatter built from
// recursive halving among the folded ranks.
//
// Buffers follow ReduceScatterRing.
type ReduceScatterRecursiveHD struct {
	Base
}

func NewReduceScatterRecursiveHD() *ReduceScatterRecursiveHD {
	return &ReduceScatterRecursiveHD{Base: newBase("ReduceScatterRecursiveHD")}
}

func (r *ReduceScatterRecursiveHD) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := r.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	r.logEntry(rank, rankSize)
	return runReduceScatterPlan(&r.Base, rank, rankSize, links,
		recursiveHDReduceScatterPlan(rank, rankSize))
}

// AllGatherRecursiveHD is an allgather built from
// recursive doubling among the folded ranks.
//
// Buffers follow AllGatherRing.
type AllGatherRecursiveHD struct {
	Base
}

func NewAllGatherRecursiveHD() *AllGatherRecursiveHD {
	return &AllGatherRecursiveHD{Base: newBase("AllGatherRecursiveHD")}
}

func (a *AllGatherRecursiveHD) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := a.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	a.logEntry(rank, rankSize)
	return runAllGatherPlan(&a.Base, rank, rankSize, links, recursiveHDAllGatherPlan(rank, rankSize))
}

// BroadcastRecursiveHD broadcasts along a binomial tree
// over the folded ranks, in Round steps, and then hands
// the data to the partners left out of the fold.
type BroadcastRecursiveHD struct {
	Base
}

func NewBroadcastRecursiveHD() *BroadcastRecursiveHD {
	return &BroadcastRecursiveHD{Base: newBase("BroadcastRecursiveHD")}
}

func (b *BroadcastRecursiveHD) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := b.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	b.logEntry(rank, rankSize)
	p := b.params
	if p.Root < 0 || p.Root >= rankSize {
		return collcomm.ParamInvalidf("root %d of %d", p.Root, rankSize)
	}
	return runBroadcastPlan(&b.Base, rank, rankSize, links,
		recursiveHDBroadcastPlan(rank, rankSize, p.Root))
}

// ReduceRecursiveHD folds every contribution into the
// team, then reduces towards the root along a binomial
// tree. Input is reduced in place; the root writes the
// result to Output.
type ReduceRecursiveHD struct {
	Base
}

func NewReduceRecursiveHD() *ReduceRecursiveHD {
	return &ReduceRecursiveHD{Base: newBase("ReduceRecursiveHD")}
}

func (r *ReduceRecursiveHD) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := r.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	r.logEntry(rank, rankSize)
	p := r.params
	if p.Root < 0 || p.Root >= rankSize {
		return collcomm.ParamInvalidf("root %d of %d", p.Root, rankSize)
	}
	size := p.Count * r.unitSize()
	lay := layout{slices: []collcomm.Slice{{Size: size}}, k: 1}
	if err := r.runPlan(rank, links, lay, p.Input, recursiveHDReducePlan(rank, rankSize, p.Root)); err != nil {
		return err
	}
	if rank == p.Root {
		if err := p.Stream.Copy(p.Output.Range(0, size), p.Input.Range(0, size)); err != nil {
			return r.fail(rank, err, "copy result")
		}
	}
	return closingBarrier(p, rank, rankSize, links)
}
