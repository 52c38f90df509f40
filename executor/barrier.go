package executor

import (
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/transport"
)

// ExecuteBarrier synchronizes a rank with its two ring
// neighbours. pre is the link to the previous rank and aft
// the link to the next one.
func ExecuteBarrier(s *transport.Stream, pre, aft transport.Link) error {
	if pre == nil || aft == nil {
		return collcomm.NullResourcef("barrier without neighbour link")
	}
	if err := pre.TxAck(s); err != nil {
		return err
	}
	if err := aft.RxAck(s); err != nil {
		return err
	}
	if err := aft.TxDataSignal(s); err != nil {
		return err
	}
	return pre.RxDataSignal(s)
}

// ExecuteBarrierSingle synchronizes a rank with one peer.
func ExecuteBarrierSingle(s *transport.Stream, link transport.Link) error {
	return ExecuteBarrier(s, link, link)
}

// ExecuteTxSync sends src and waits for the send to finish.
func ExecuteTxSync(s *transport.Stream, link transport.Link, memType transport.MemType,
	src collcomm.Mem) error {
	if err := link.TxAsync(s, memType, src.Offset(), src); err != nil {
		return err
	}
	return link.TxWaitDone(s)
}

// ExecuteRxSync receives into dst and waits for the data.
func ExecuteRxSync(s *transport.Stream, link transport.Link, memType transport.MemType,
	dst collcomm.Mem) error {
	if err := link.RxAsync(s, memType, dst.Offset(), dst); err != nil {
		return err
	}
	return link.RxWaitDone(s)
}

// CheckConcurrentDirectParameters validates the arguments
// of the concurrent-direct ring variants, which need both
// ring neighbours.
func CheckConcurrentDirectParameters(rank, rankSize int, links []transport.Link) error {
	if rankSize <= 0 || rank < 0 || rank >= rankSize {
		return collcomm.ParamInvalidf("rank %d of %d", rank, rankSize)
	}
	if len(links) < rankSize {
		return collcomm.Internalf("%d links for %d ranks", len(links), rankSize)
	}
	if rankSize == 1 {
		return nil
	}
	prev, next := RingNeighbours(rank, rankSize)
	if _, err := link(links, prev); err != nil {
		return err
	}
	_, err := link(links, next)
	return err
}

// closingBarrier runs the ring barrier if p asks for one.
func closingBarrier(p Params, rank, rankSize int, links []transport.Link) error {
	if !p.Barrier || rankSize == 1 {
		return nil
	}
	prev, next := RingNeighbours(rank, rankSize)
	return ExecuteBarrier(p.Stream, links[prev], links[next])
}
