package executor

import (
	"math/bits"

	"golang.org/x/exp/slices"
)

// Log2 returns floor(log2(n)) for n > 0, and 0 otherwise.
func Log2(n int) int {
	if n <= 0 {
		return 0
	}
	return bits.Len(uint(n)) - 1
}

// IsPowerOfTwo checks if n is a positive power of two.
func IsPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// ForwardRank is the rank step places after rank.
func ForwardRank(rank, rankSize, step int) int {
	return (rank + step%rankSize) % rankSize
}

// BackwardRank is the rank step places before rank.
func BackwardRank(rank, rankSize, step int) int {
	return (rank - step%rankSize + rankSize) % rankSize
}

// RingNeighbours returns the ranks on either side of rank.
func RingNeighbours(rank, rankSize int) (prev, next int) {
	return BackwardRank(rank, rankSize, 1), ForwardRank(rank, rankSize, 1)
}

// A block is a power-of-two run of consecutive ranks.
type block struct {
	offset, size int
}

// binaryBlocks splits rankSize into blocks following its
// binary representation, largest first.
func binaryBlocks(rankSize int) []block {
	var res []block
	offset := 0
	for bit := Log2(rankSize); bit >= 0; bit-- {
		if rankSize&(1<<bit) != 0 {
			res = append(res, block{offset: offset, size: 1 << bit})
			offset += 1 << bit
		}
	}
	return res
}

func blockOf(blocks []block, rank int) int {
	for i, b := range blocks {
		if rank < b.offset+b.size {
			return i
		}
	}
	return len(blocks) - 1
}

// BinaryBlockParams locates a rank in the binary-block
// decomposition of the rank set.
//
// Blocks are ordered from largest to smallest. The lower
// block is the next smaller one, the higher block the next
// larger one; either size is 0 if there is no such block.
type BinaryBlockParams struct {
	MyBlockOffset   int
	MyBlockSize     int
	LowerBlockSize  int
	HigherBlockSize int
	StepsInBlock    int
	RankInMyBlock   int
}

// CalcBinaryBlockParams computes the block parameters of
// rank.
func CalcBinaryBlockParams(rank, rankSize int) BinaryBlockParams {
	blocks := binaryBlocks(rankSize)
	idx := blockOf(blocks, rank)
	b := blocks[idx]
	res := BinaryBlockParams{
		MyBlockOffset: b.offset,
		MyBlockSize:   b.size,
		StepsInBlock:  Log2(b.size),
		RankInMyBlock: rank - b.offset,
	}
	if idx+1 < len(blocks) {
		res.LowerBlockSize = blocks[idx+1].size
	}
	if idx > 0 {
		res.HigherBlockSize = blocks[idx-1].size
	}
	return res
}

// BinaryBlockLinkRelation lists every peer the binary-block
// algorithms exchange data with, in increasing order.
func BinaryBlockLinkRelation(rank, rankSize int) []int {
	p := CalcBinaryBlockParams(rank, rankSize)
	peers := map[int]bool{}
	for step := 0; step < p.StepsInBlock; step++ {
		peers[p.MyBlockOffset+(p.RankInMyBlock^(1<<step))] = true
	}
	lowerOffset := p.MyBlockOffset + p.MyBlockSize
	if p.LowerBlockSize > 0 {
		ratio := p.MyBlockSize / p.LowerBlockSize
		peers[lowerOffset+p.RankInMyBlock/ratio] = true
	}
	if p.HigherBlockSize > 0 {
		ratio := p.HigherBlockSize / p.MyBlockSize
		higherOffset := p.MyBlockOffset - p.HigherBlockSize
		for q := 0; q < ratio; q++ {
			peers[higherOffset+p.RankInMyBlock*ratio+q] = true
		}
	}
	return sortedKeys(peers)
}

// RecursiveHDParams describes how recursive halving-
// doubling folds a rank set into a power-of-two block.
//
// The first Part1Size ranks pair up two by two; one rank
// of each pair joins the block, as does every rank past
// Part1Size.
type RecursiveHDParams struct {
	BlockSize int
	Part1Size int
	Round     int
}

// CalcRecursiveHDParams computes the fold of rankSize.
func CalcRecursiveHDParams(rankSize int) RecursiveHDParams {
	round := Log2(rankSize)
	blockSize := 1 << round
	return RecursiveHDParams{
		BlockSize: blockSize,
		Part1Size: (rankSize - blockSize) * 2,
		Round:     round,
	}
}

// oddMembers reports whether the odd ranks of part1 join
// the block, which happens when the root is one of them.
func (r RecursiveHDParams) oddMembers(root int) bool {
	return root < r.Part1Size && root%2 == 1
}

// member maps a rank to its index in the block, or -1 if
// the rank only talks to its pair partner.
func (r RecursiveHDParams) member(rank, root int) int {
	if rank >= r.Part1Size {
		return rank - r.Part1Size/2
	}
	if (rank%2 == 1) == r.oddMembers(root) {
		return rank / 2
	}
	return -1
}

// memberRank is the inverse of member.
func (r RecursiveHDParams) memberRank(idx, root int) int {
	if idx >= r.Part1Size/2 {
		return idx + r.Part1Size/2
	}
	if r.oddMembers(root) {
		return idx*2 + 1
	}
	return idx * 2
}

// partner returns the other rank of a part1 pair, or -1.
func (r RecursiveHDParams) partner(rank int) int {
	if rank >= r.Part1Size {
		return -1
	}
	return rank ^ 1
}

// RecursiveHDLinkRelation lists every peer the recursive
// halving-doubling algorithms exchange data with for the
// given root, in increasing order.
//
// An invalid root is treated as root 0.
func RecursiveHDLinkRelation(rank, rankSize, root int) []int {
	if root < 0 || root >= rankSize {
		root = 0
	}
	r := CalcRecursiveHDParams(rankSize)
	peers := map[int]bool{}
	if p := r.partner(rank); p >= 0 {
		peers[p] = true
	}
	if idx := r.member(rank, root); idx >= 0 {
		for step := 0; step < r.Round; step++ {
			peers[r.memberRank(idx^(1<<step), root)] = true
		}
	}
	return sortedKeys(peers)
}

func sortedKeys(m map[int]bool) []int {
	res := make([]int, 0, len(m))
	for k := range m {
		res = append(res, k)
	}
	slices.Sort(res)
	return res
}
