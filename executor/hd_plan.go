package executor

import (
	"fmt"

	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/transport"
)

type opKind int

const (
	opSend opKind = iota
	opRecv
	opExchange
)

// A span is the run [lo, hi) of groups of a layout.
type span struct {
	lo, hi int
}

func (s span) String() string {
	return fmt.Sprintf("[%d,%d)", s.lo, s.hi)
}

// A planOp is one transfer with one peer. Sends read tx,
// receives write rx, and an exchange does both.
type planOp struct {
	kind   opKind
	peer   int
	tx, rx span
	reduce bool
}

func (o planOp) String() string {
	var res string
	switch o.kind {
	case opSend:
		res = fmt.Sprintf("send %s to %d", o.tx, o.peer)
	case opRecv:
		res = fmt.Sprintf("receive %s from %d", o.rx, o.peer)
	default:
		res = fmt.Sprintf("exchange %s for %s with %d", o.tx, o.rx, o.peer)
	}
	if o.reduce {
		res += " (reduce)"
	}
	return res
}

// A plan is the ordered list of transfers one rank makes
// in a halving-doubling style algorithm.
//
// Plans are computed from (rank, rankSize, root) alone, so
// every rank can derive what its peers will do.
type plan []planOp

func (p *plan) send(peer int, tx span, reduce bool) {
	*p = append(*p, planOp{kind: opSend, peer: peer, tx: tx, reduce: reduce})
}

func (p *plan) recv(peer int, rx span, reduce bool) {
	*p = append(*p, planOp{kind: opRecv, peer: peer, rx: rx, reduce: reduce})
}

func (p *plan) exchange(peer int, tx, rx span, reduce bool) {
	*p = append(*p, planOp{kind: opExchange, peer: peer, tx: tx, rx: rx, reduce: reduce})
}

// A team is a power-of-two set of ranks that run recursive
// halving or doubling among themselves.
//
// Member i is rank(i) and owns the groups spanned by
// members [i, i+1); spans of consecutive members must be
// contiguous.
type team struct {
	size int
	rank func(i int) int
	span func(lo, hi int) span
}

// blockTeam is the team of the consecutive ranks of b,
// each owning its own group.
func blockTeam(b block) team {
	return team{
		size: b.size,
		rank: func(i int) int { return b.offset + i },
		span: func(lo, hi int) span { return span{b.offset + lo, b.offset + hi} },
	}
}

// doubling gathers the spans of every member, starting
// from the member's own.
func (t team) doubling(p *plan, i int) {
	for mask := 1; mask < t.size; mask <<= 1 {
		lo := i &^ (mask - 1)
		peerLo := lo ^ mask
		p.exchange(t.rank(i^mask), t.span(lo, lo+mask), t.span(peerLo, peerLo+mask), false)
	}
}

// halving reduce-scatters the spans of the whole team,
// leaving member i with the reduction of its own span.
func (t team) halving(p *plan, i int) {
	lo, hi := 0, t.size
	for mask := t.size / 2; mask >= 1; mask >>= 1 {
		mid := lo + mask
		keep, give := t.span(lo, mid), t.span(mid, hi)
		if i&mask != 0 {
			keep, give = give, keep
			lo = mid
		} else {
			hi = mid
		}
		p.exchange(t.rank(i^mask), give, keep, true)
	}
}

// bcast sends sp from member root to every member along a
// binomial tree.
func (t team) bcast(p *plan, i, root int, sp span) {
	v := i ^ root
	for mask := t.size / 2; mask >= 1; mask >>= 1 {
		switch v % (2 * mask) {
		case 0:
			p.send(t.rank((v|mask)^root), sp, false)
		case mask:
			p.recv(t.rank((v^mask)^root), sp, false)
		}
	}
}

// reduce reduces sp onto member root along a binomial
// tree.
func (t team) reduce(p *plan, i, root int, sp span) {
	v := i ^ root
	for mask := 1; mask < t.size; mask <<= 1 {
		switch v % (2 * mask) {
		case mask:
			p.send(t.rank((v^mask)^root), sp, true)
		case 0:
			p.recv(t.rank((v|mask)^root), sp, true)
		}
	}
}

// runPlan carries out pl on buf, resolving spans through
// lay. Reducing transfers require buf to lie in Input.
func (b *Base) runPlan(rank int, links []transport.Link, lay layout, buf collcomm.Mem,
	pl plan) error {
	p := b.params
	s := p.Stream
	sender, reducer := p.sender(), p.reducer()
	for step, op := range pl {
		l, err := link(links, op.peer)
		if err != nil {
			return err
		}
		b.logStep(rank, step, "%s", op)
		if err := runOp(s, l, p, lay, buf, op, sender, reducer); err != nil {
			return b.fail(rank, err, "step %d: %s", step, op)
		}
	}
	return nil
}

func runOp(s *transport.Stream, l transport.Link, p Params, lay layout, buf collcomm.Mem,
	op planOp, sender Sender, reducer Reducer) error {
	sends, recvs := op.kind != opRecv, op.kind != opSend
	if recvs {
		if err := l.TxAck(s); err != nil {
			return err
		}
	}
	if sends {
		if err := l.RxAck(s); err != nil {
			return err
		}
		txs := mems(buf, lay.groups(op.tx.lo, op.tx.hi))
		if op.reduce {
			if err := sender.RunBatch(s, l, txs); err != nil {
				return err
			}
		} else if err := l.TxAsyncBatch(s, txInfos(transport.MemOutput, txs)); err != nil {
			return err
		}
	}
	if recvs {
		rxs := mems(buf, lay.groups(op.rx.lo, op.rx.hi))
		if op.reduce {
			if err := reducer.RunBatch(s, l, reduceItems(p, rxs)); err != nil {
				return err
			}
		} else {
			if err := l.RxAsyncBatch(s, rxInfos(transport.MemOutput, rxs)); err != nil {
				return err
			}
			if err := l.RxWaitDone(s); err != nil {
				return err
			}
		}
	}
	if sends {
		if op.reduce {
			return sender.Finish(s, l)
		}
		return l.TxWaitDone(s)
	}
	return nil
}
