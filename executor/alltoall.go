package executor

import (
	"strings"

	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/transport"
)

// AllToAllParams describes the blocks of an all-to-all(v),
// in elements of Params.DataType.
//
// Block j of Input, at SendDispls[j], goes to rank j, and
// the block from rank j lands at RecvDispls[j] of Output.
type AllToAllParams struct {
	SendCounts []uint64
	SendDispls []uint64
	RecvCounts []uint64
	RecvDispls []uint64

	// Matrix[i][j] is the number of elements rank i sends
	// to rank j. It is only needed by AllToAllStaged.
	Matrix [][]uint64
}

// UniformAllToAll lays out count elements per rank pair
// back to back in both buffers.
func UniformAllToAll(rankSize int, count uint64) AllToAllParams {
	counts := make([]uint64, rankSize)
	displs := make([]uint64, rankSize)
	matrix := make([][]uint64, rankSize)
	for i := range counts {
		counts[i] = count
		displs[i] = uint64(i) * count
	}
	for i := range matrix {
		matrix[i] = counts
	}
	return AllToAllParams{
		SendCounts: counts,
		SendDispls: displs,
		RecvCounts: counts,
		RecvDispls: displs,
		Matrix:     matrix,
	}
}

func (a AllToAllParams) check(rankSize int) error {
	for _, l := range [][]uint64{a.SendCounts, a.SendDispls, a.RecvCounts, a.RecvDispls} {
		if len(l) != rankSize {
			return collcomm.ParamInvalidf("all-to-all table of %d entries for %d ranks", len(l),
				rankSize)
		}
	}
	return nil
}

func (a AllToAllParams) sendBlock(p Params, peer int) collcomm.Mem {
	unit := p.DataType.Size()
	return p.Input.Range(a.SendDispls[peer]*unit, a.SendCounts[peer]*unit)
}

func (a AllToAllParams) recvBlock(p Params, peer int) collcomm.Mem {
	unit := p.DataType.Size()
	return p.Output.Range(a.RecvDispls[peer]*unit, a.RecvCounts[peer]*unit)
}

// AllToAllMode selects how AllToAllPairwise moves data.
type AllToAllMode int

const (
	// ModeBCopy stages every block through Scratch.
	ModeBCopy AllToAllMode = iota

	// ModeZCopy sends from Input and receives into Output
	// directly.
	ModeZCopy
)

func (m AllToAllMode) String() string {
	if m == ModeZCopy {
		return "zcopy"
	}
	return "bcopy"
}

func (m AllToAllMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *AllToAllMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "bcopy":
		*m = ModeBCopy
	case "zcopy":
		*m = ModeZCopy
	default:
		return collcomm.ParamInvalidf("unknown all-to-all mode %q", text)
	}
	return nil
}

// AllToAllPairwise exchanges blocks with one peer per
// round: in round i, rank sends to rank+i and receives
// from rank-i.
//
// In ModeBCopy, the two halves of Scratch hold the chunk
// being sent and the chunk being received, so every rank
// must use a Scratch of the same size.
type AllToAllPairwise struct {
	Base

	Mode AllToAllMode
}

func NewAllToAllPairwise(mode AllToAllMode) *AllToAllPairwise {
	return &AllToAllPairwise{Base: newBase("AllToAllPairwise"), Mode: mode}
}

func (a *AllToAllPairwise) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := a.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	a.logEntry(rank, rankSize)
	p := a.params
	s := p.Stream
	counts := p.AllToAll
	if err := counts.check(rankSize); err != nil {
		return err
	}
	if counts.SendCounts[rank] != counts.RecvCounts[rank] {
		return collcomm.ParamInvalidf("rank %d sends %d elements to itself but expects %d", rank,
			counts.SendCounts[rank], counts.RecvCounts[rank])
	}
	if err := s.Copy(counts.recvBlock(p, rank), counts.sendBlock(p, rank)); err != nil {
		return a.fail(rank, err, "copy own block")
	}

	var chunk uint64
	if a.Mode == ModeBCopy {
		unit := p.DataType.Size()
		chunk = p.Scratch.Size() / 2 / unit * unit
	}
	for round := 1; round < rankSize; round++ {
		to := ForwardRank(rank, rankSize, round)
		from := BackwardRank(rank, rankSize, round)
		a.logStep(rank, round, "send to %d, receive from %d", to, from)
		out, err := link(links, to)
		if err != nil {
			return err
		}
		in, err := link(links, from)
		if err != nil {
			return err
		}
		src, dst := counts.sendBlock(p, to), counts.recvBlock(p, from)
		if a.Mode == ModeZCopy {
			err = pairwiseZCopy(s, out, in, src, dst)
		} else {
			err = pairwiseBCopy(s, out, in, src, dst, p.Scratch, chunk)
		}
		if err != nil {
			return a.fail(rank, err, "round %d", round)
		}
	}
	return closingBarrier(p, rank, rankSize, links)
}

func pairwiseZCopy(s *transport.Stream, out, in transport.Link, src, dst collcomm.Mem) error {
	if err := in.TxAck(s); err != nil {
		return err
	}
	if err := out.RxAck(s); err != nil {
		return err
	}
	if err := ExecuteTxSync(s, out, transport.MemInput, src); err != nil {
		return err
	}
	if err := ExecuteRxSync(s, in, transport.MemOutput, dst); err != nil {
		return err
	}
	if err := in.TxDataSignal(s); err != nil {
		return err
	}
	return out.RxDataSignal(s)
}

func pairwiseBCopy(s *transport.Stream, out, in transport.Link, src, dst, scratch collcomm.Mem,
	chunk uint64) error {
	if chunk == 0 && (src.Size() > 0 || dst.Size() > 0) {
		return collcomm.ParamInvalidf("scratch of %d bytes is too small to stage blocks",
			scratch.Size())
	}
	sendHalf, recvHalf := scratch.Range(0, chunk), scratch.Range(chunk, chunk)
	sendChunks, recvChunks := numChunks(src.Size(), chunk), numChunks(dst.Size(), chunk)
	for c := 0; c < max(sendChunks, recvChunks); c++ {
		sending, receiving := c < sendChunks, c < recvChunks
		if receiving {
			if err := in.TxAck(s); err != nil {
				return err
			}
		}
		if sending {
			piece := chunkOf(src, c, chunk)
			if err := out.RxAck(s); err != nil {
				return err
			}
			stage := sendHalf.Range(0, piece.Size())
			if err := s.Copy(stage, piece); err != nil {
				return err
			}
			if err := ExecuteTxSync(s, out, transport.MemInput, stage); err != nil {
				return err
			}
		}
		if receiving {
			piece := chunkOf(dst, c, chunk)
			stage := recvHalf.Range(0, piece.Size())
			if err := ExecuteRxSync(s, in, transport.MemOutput, stage); err != nil {
				return err
			}
			if err := s.Copy(piece, stage); err != nil {
				return err
			}
			if err := in.TxDataSignal(s); err != nil {
				return err
			}
		}
		if sending {
			if err := out.RxDataSignal(s); err != nil {
				return err
			}
		}
	}
	return nil
}

func numChunks(size, chunk uint64) int {
	if size == 0 {
		return 0
	}
	return int((size + chunk - 1) / chunk)
}

func chunkOf(m collcomm.Mem, idx int, chunk uint64) collcomm.Mem {
	start := uint64(idx) * chunk
	return m.Range(start, min(chunk, m.Size()-start))
}

// AllToAllStaged runs an all-to-all in two stages on a
// cluster of servers with RanksPerServer ranks each.
//
// In the first stage, every rank hands each local peer the
// blocks bound for ranks with that peer's local index, on
// parallel streams. In the second stage, ranks with the
// same local index exchange what they collected, pairwise
// across servers. Scratch holds the collected blocks.
type AllToAllStaged struct {
	Base

	RanksPerServer int
}

func NewAllToAllStaged(ranksPerServer int) *AllToAllStaged {
	return &AllToAllStaged{Base: newBase("AllToAllStaged"), RanksPerServer: ranksPerServer}
}

// stagedLayout locates the blocks collected by one rank in
// its Scratch buffer.
type stagedLayout struct {
	p          Params
	local      int
	server     int
	perServer  int
	numServers int
	offsets    [][]uint64
}

func newStagedLayout(p Params, rank, perServer, numServers int) (*stagedLayout, error) {
	l := &stagedLayout{
		p:          p,
		local:      rank % perServer,
		server:     rank / perServer,
		perServer:  perServer,
		numServers: numServers,
	}
	unit := p.DataType.Size()
	var offset uint64
	l.offsets = make([][]uint64, perServer)
	for src := range l.offsets {
		l.offsets[src] = make([]uint64, numServers)
		for dst := range l.offsets[src] {
			l.offsets[src][dst] = offset
			offset += l.count(src, dst) * unit
		}
	}
	if offset > p.Scratch.Size() {
		return nil, collcomm.ParamInvalidf("staged all-to-all needs %d bytes of scratch, got %d",
			offset, p.Scratch.Size())
	}
	return l, nil
}

func (l *stagedLayout) rankOf(server, local int) int {
	return server*l.perServer + local
}

// count is the element count local rank srcLocal of this
// server sends to the rank with this rank's local index on
// server dstServer.
func (l *stagedLayout) count(srcLocal, dstServer int) uint64 {
	m := l.p.AllToAll.Matrix
	return m[l.rankOf(l.server, srcLocal)][l.rankOf(dstServer, l.local)]
}

// collected is where the block from srcLocal bound for
// dstServer sits in Scratch.
func (l *stagedLayout) collected(srcLocal, dstServer int) collcomm.Mem {
	unit := l.p.DataType.Size()
	return l.p.Scratch.Range(l.offsets[srcLocal][dstServer], l.count(srcLocal, dstServer)*unit)
}

func (a *AllToAllStaged) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := a.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	a.logEntry(rank, rankSize)
	p := a.params
	s := p.Stream
	d := a.RanksPerServer
	if d <= 0 || rankSize%d != 0 {
		return collcomm.ParamInvalidf("%d ranks do not split into servers of %d", rankSize, d)
	}
	counts := p.AllToAll
	if err := counts.check(rankSize); err != nil {
		return err
	}
	if len(counts.Matrix) != rankSize {
		return collcomm.ParamInvalidf("staged all-to-all needs the full count matrix")
	}
	for _, row := range counts.Matrix {
		if len(row) != rankSize {
			return collcomm.ParamInvalidf("count matrix row of %d entries for %d ranks", len(row),
				rankSize)
		}
	}
	numServers := rankSize / d
	lay, err := newStagedLayout(p, rank, d, numServers)
	if err != nil {
		return err
	}

	// Blocks this rank sends to local peer x in the first
	// stage, and where x keeps them.
	outgoing := func(x int) []collcomm.Mem {
		res := make([]collcomm.Mem, numServers)
		for srv := range res {
			res[srv] = counts.sendBlock(p, lay.rankOf(srv, x))
		}
		return res
	}
	incoming := func(x int) []collcomm.Mem {
		res := make([]collcomm.Mem, numServers)
		for srv := range res {
			res[srv] = lay.collected(x, srv)
		}
		return res
	}

	if err := copyAll(s, incoming(lay.local), outgoing(lay.local)); err != nil {
		return a.fail(rank, err, "collect own blocks")
	}
	peerLinks := make([]transport.Link, d)
	for round := 1; round < d; round++ {
		peer := lay.rankOf(lay.server, (lay.local-round+d)%d)
		if peerLinks[round], err = link(links, peer); err != nil {
			return err
		}
	}
	err = transport.Parallel(s, max(d-2, 0), func(st *transport.Stream, idx int) error {
		round := idx + 1
		if round >= d {
			return nil
		}
		x := (lay.local - round + d) % d
		l := peerLinks[round]
		a.logStep(rank, round, "collect from local rank %d", x)
		if err := l.TxAck(st); err != nil {
			return err
		}
		if err := l.RxAck(st); err != nil {
			return err
		}
		if err := l.TxAsyncBatch(st, txInfos(transport.MemInput, outgoing(x))); err != nil {
			return a.fail(rank, err, "send to local rank %d", x)
		}
		if err := l.RxAsyncBatch(st, rxInfos(transport.MemOutput, incoming(x))); err != nil {
			return a.fail(rank, err, "receive from local rank %d", x)
		}
		return l.RxWaitDone(st)
	})
	if err != nil {
		return err
	}

	// Second stage: blocks bound for this server are final.
	fromServer := func(srv int) []collcomm.Mem {
		res := make([]collcomm.Mem, d)
		for x := range res {
			res[x] = counts.recvBlock(p, lay.rankOf(srv, x))
		}
		return res
	}
	toServer := func(srv int) []collcomm.Mem {
		res := make([]collcomm.Mem, d)
		for x := range res {
			res[x] = lay.collected(x, srv)
		}
		return res
	}
	if err := copyAll(s, fromServer(lay.server), toServer(lay.server)); err != nil {
		return a.fail(rank, err, "copy blocks of own server")
	}
	for round := 1; round < numServers; round++ {
		to := (lay.server + round) % numServers
		from := (lay.server - round + numServers) % numServers
		out, err := link(links, lay.rankOf(to, lay.local))
		if err != nil {
			return err
		}
		in, err := link(links, lay.rankOf(from, lay.local))
		if err != nil {
			return err
		}
		a.logStep(rank, d+round, "send to server %d, receive from server %d", to, from)
		if err := in.TxAck(s); err != nil {
			return err
		}
		if err := out.RxAck(s); err != nil {
			return err
		}
		if err := out.TxAsyncBatch(s, txInfos(transport.MemInput, toServer(to))); err != nil {
			return a.fail(rank, err, "send to server %d", to)
		}
		if err := in.RxAsyncBatch(s, rxInfos(transport.MemOutput, fromServer(from))); err != nil {
			return a.fail(rank, err, "receive from server %d", from)
		}
		if err := in.TxDataSignal(s); err != nil {
			return err
		}
		if err := out.RxDataSignal(s); err != nil {
			return err
		}
	}
	return closingBarrier(p, rank, rankSize, links)
}
