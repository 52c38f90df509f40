package executor

import (
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/transport"
)

// The binary-block algorithms split the ranks into
// power-of-two blocks following the binary representation
// of rankSize, largest block first. Blocks run recursive
// halving or doubling internally. Each rank of a smaller
// block is paired with ratio ranks of the next larger
// block, and data that crosses blocks travels along those
// pairs one block at a time.

// blockNeighbours describes how a rank's block connects to
// the blocks next to it. A zero block means there is none.
type blockNeighbours struct {
	index         int
	mine          block
	local         int
	lower, higher block
}

func binaryBlockNeighbours(rank, rankSize int) blockNeighbours {
	blocks := binaryBlocks(rankSize)
	idx := blockOf(blocks, rank)
	res := blockNeighbours{index: idx, mine: blocks[idx], local: rank - blocks[idx].offset}
	if idx+1 < len(blocks) {
		res.lower = blocks[idx+1]
	}
	if idx > 0 {
		res.higher = blocks[idx-1]
	}
	return res
}

// lowerPeer is the single rank of the next smaller block
// this rank is paired with.
func (b blockNeighbours) lowerPeer() int {
	return b.lower.offset + b.local/b.lowerRatio()
}

func (b blockNeighbours) lowerRatio() int {
	return b.mine.size / b.lower.size
}

// higherPeers are the ranks of the next larger block this
// rank is paired with. The first one is its delegate.
func (b blockNeighbours) higherPeers() []int {
	ratio := b.higher.size / b.mine.size
	res := make([]int, ratio)
	for i := range res {
		res[i] = b.higher.offset + b.local*ratio + i
	}
	return res
}

// isDelegate checks if this rank is the first of the ranks
// paired with its lower peer.
func (b blockNeighbours) isDelegate() bool {
	return b.local%b.lowerRatio() == 0
}

func binaryBlockAllGatherPlan(rank, rankSize int) plan {
	var pl plan
	nb := binaryBlockNeighbours(rank, rankSize)
	blockTeam(nb.mine).doubling(&pl, nb.local)

	// Tails move from the smallest block to the largest.
	if nb.lower.size > 0 {
		pl.recv(nb.lowerPeer(), span{nb.lower.offset, rankSize}, false)
	}
	if nb.higher.size > 0 {
		for _, peer := range nb.higherPeers() {
			pl.send(peer, span{nb.mine.offset, rankSize}, false)
		}
	}

	// Heads move back down from the largest block.
	if nb.higher.size > 0 {
		pl.recv(nb.higherPeers()[0], span{0, nb.mine.offset}, false)
	}
	if nb.lower.size > 0 && nb.isDelegate() {
		pl.send(nb.lowerPeer(), span{0, nb.lower.offset}, false)
	}
	return pl
}

func binaryBlockReduceScatterPlan(rank, rankSize int) plan {
	var pl plan
	nb := binaryBlockNeighbours(rank, rankSize)

	// Contributions to larger blocks move up, smallest
	// block first, collecting at delegates.
	if nb.lower.size > 0 && nb.isDelegate() {
		pl.recv(nb.lowerPeer(), span{0, nb.lower.offset}, true)
	}
	if nb.higher.size > 0 {
		pl.send(nb.higherPeers()[0], span{0, nb.mine.offset}, true)
	}

	// Contributions to smaller blocks move down.
	if nb.higher.size > 0 {
		for _, peer := range nb.higherPeers() {
			pl.recv(peer, span{nb.mine.offset, rankSize}, true)
		}
	}
	if nb.lower.size > 0 {
		pl.send(nb.lowerPeer(), span{nb.lower.offset, rankSize}, true)
	}

	blockTeam(nb.mine).halving(&pl, nb.local)
	return pl
}

func binaryBlockBroadcastPlan(rank, rankSize, root int) plan {
	var pl plan
	all := span{0, 1}
	nb := binaryBlockNeighbours(rank, rankSize)
	rootBlock := blockOf(binaryBlocks(rankSize), root)
	if nb.index == rootBlock {
		blockTeam(nb.mine).bcast(&pl, nb.local, root-nb.mine.offset, all)
	}

	// Up through the larger blocks.
	if nb.index < rootBlock {
		pl.recv(nb.lowerPeer(), all, false)
	}
	if nb.index <= rootBlock && nb.higher.size > 0 {
		for _, peer := range nb.higherPeers() {
			pl.send(peer, all, false)
		}
	}

	// Down through the smaller blocks.
	if nb.index > rootBlock {
		pl.recv(nb.higherPeers()[0], all, false)
	}
	if nb.index >= rootBlock && nb.lower.size > 0 && nb.isDelegate() {
		pl.send(nb.lowerPeer(), all, false)
	}
	return pl
}

// AllGatherBinaryBlock is an allgather for any rank count
// built from recursive doubling inside binary blocks.
//
// Buffers follow AllGatherRing.
type AllGatherBinaryBlock struct {
	Base
}

func NewAllGatherBinaryBlock() *AllGatherBinaryBlock {
	return &AllGatherBinaryBlock{Base: newBase("AllGatherBinaryBlock")}
}

func (a *AllGatherBinaryBlock) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := a.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	a.logEntry(rank, rankSize)
	return runAllGatherPlan(&a.Base, rank, rankSize, links, binaryBlockAllGatherPlan(rank, rankSize))
}

// ReduceScatterBinaryBlock is a reduce-scatter for any rank
// count built from recursive halving inside binary blocks.
//
// Buffers follow ReduceScatterRing.
type ReduceScatterBinaryBlock struct {
	Base
}

func NewReduceScatterBinaryBlock() *ReduceScatterBinaryBlock {
	return &ReduceScatterBinaryBlock{Base: newBase("ReduceScatterBinaryBlock")}
}

func (r *ReduceScatterBinaryBlock) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := r.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	r.logEntry(rank, rankSize)
	return runReduceScatterPlan(&r.Base, rank, rankSize, links,
		binaryBlockReduceScatterPlan(rank, rankSize))
}

// BroadcastBinaryBlock broadcasts the root's buffer with a
// binomial tree inside the root's block, then block by
// block towards both ends.
type BroadcastBinaryBlock struct {
	Base
}

func NewBroadcastBinaryBlock() *BroadcastBinaryBlock {
	return &BroadcastBinaryBlock{Base: newBase("BroadcastBinaryBlock")}
}

func (b *BroadcastBinaryBlock) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := b.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	b.logEntry(rank, rankSize)
	p := b.params
	if p.Root < 0 || p.Root >= rankSize {
		return collcomm.ParamInvalidf("root %d of %d", p.Root, rankSize)
	}
	return runBroadcastPlan(&b.Base, rank, rankSize, links,
		binaryBlockBroadcastPlan(rank, rankSize, p.Root))
}

// AllGatherHalvingDoubling is recursive doubling for a
// power-of-two rank count.
type AllGatherHalvingDoubling struct {
	Base
}

func NewAllGatherHalvingDoubling() *AllGatherHalvingDoubling {
	return &AllGatherHalvingDoubling{Base: newBase("AllGatherHalvingDoubling")}
}

func (a *AllGatherHalvingDoubling) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := a.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	if !IsPowerOfTwo(rankSize) {
		return collcomm.ParamInvalidf("%s: rank count %d is not a power of two", a.name, rankSize)
	}
	a.logEntry(rank, rankSize)
	var pl plan
	blockTeam(block{size: rankSize}).doubling(&pl, rank)
	return runAllGatherPlan(&a.Base, rank, rankSize, links, pl)
}

// ReduceScatterHalvingDoubling is recursive halving for a
// power-of-two rank count.
type ReduceScatterHalvingDoubling struct {
	Base
}

func NewReduceScatterHalvingDoubling() *ReduceScatterHalvingDoubling {
	return &ReduceScatterHalvingDoubling{Base: newBase("ReduceScatterHalvingDoubling")}
}

func (r *ReduceScatterHalvingDoubling) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := r.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	if !IsPowerOfTwo(rankSize) {
		return collcomm.ParamInvalidf("%s: rank count %d is not a power of two", r.name, rankSize)
	}
	r.logEntry(rank, rankSize)
	var pl plan
	blockTeam(block{size: rankSize}).halving(&pl, rank)
	return runReduceScatterPlan(&r.Base, rank, rankSize, links, pl)
}

// runAllGatherPlan copies this rank's group into Output
// and runs pl on Output.
func runAllGatherPlan(b *Base, rank, rankSize int, links []transport.Link, pl plan) error {
	p := b.params
	lay, err := rankLayout(p, rankSize)
	if err != nil {
		return err
	}
	err = copyAll(p.Stream, mems(p.Output, lay.group(rank)), packedMems(p.Input, p.Output,
		lay.group(rank)))
	if err != nil {
		return b.fail(rank, err, "copy own slices")
	}
	if err := b.runPlan(rank, links, lay, p.Output, pl); err != nil {
		return err
	}
	return closingBarrier(p, rank, rankSize, links)
}

// runReduceScatterPlan runs pl in place on Input and
// copies this rank's group to Output.
func runReduceScatterPlan(b *Base, rank, rankSize int, links []transport.Link, pl plan) error {
	p := b.params
	lay, err := rankLayout(p, rankSize)
	if err != nil {
		return err
	}
	if err := b.runPlan(rank, links, lay, p.Input, pl); err != nil {
		return err
	}
	err = copyAll(p.Stream, packedMems(p.Output, p.Input, lay.group(rank)), mems(p.Input,
		lay.group(rank)))
	if err != nil {
		return b.fail(rank, err, "copy result")
	}
	return closingBarrier(p, rank, rankSize, links)
}

// runBroadcastPlan copies the root's buffer into Output
// and runs pl, whose only group is the whole buffer, on
// Output.
func runBroadcastPlan(b *Base, rank, rankSize int, links []transport.Link, pl plan) error {
	p := b.params
	size := p.Count * b.unitSize()
	if rank == p.Root {
		if err := p.Stream.Copy(p.Output.Range(0, size), p.Input.Range(0, size)); err != nil {
			return b.fail(rank, err, "copy root input")
		}
	}
	lay := layout{slices: []collcomm.Slice{{Size: size}}, k: 1}
	if err := b.runPlan(rank, links, lay, p.Output, pl); err != nil {
		return err
	}
	return closingBarrier(p, rank, rankSize, links)
}
