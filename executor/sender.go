package executor

import (
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/transport"
)

// A Sender is the transmitting half of a Reducer.
type Sender struct {
	DataType collcomm.DataType
	Op       collcomm.ReduceOp
	Attr     ReduceAttr
}

// Run sends src to be reduced by the peer's Reducer.Run.
//
// For inline reduction, src must lie in this rank's input
// window at the offset the peer expects, and must stay
// unchanged until Finish returns.
func (sd Sender) Run(s *transport.Stream, link transport.Link, src collcomm.Mem) error {
	return sd.RunBatch(s, link, []collcomm.Mem{src})
}

// RunBatch sends several ranges for one Reducer.RunBatch.
func (sd Sender) RunBatch(s *transport.Stream, link transport.Link, srcs []collcomm.Mem) error {
	switch pickStrategy(link, sd.Attr) {
	case strategyRDMA, strategyStandardRoCE:
		for _, src := range srcs {
			err := link.TxWithReduce(s, transport.MemInput, src.Offset(), src, sd.DataType, sd.Op)
			if err != nil {
				return err
			}
		}
	case strategyInline:
		for _, src := range srcs {
			if err := src.Err(); err != nil {
				return err
			}
		}
		return link.TxDataSignal(s)
	default:
		txs := make([]transport.TxMemInfo, len(srcs))
		for i, src := range srcs {
			txs[i] = transport.TxMemInfo{MemType: transport.MemInput, Offset: src.Offset(), Src: src}
		}
		return link.TxAsyncBatch(s, txs)
	}
	return nil
}

// Finish waits until the peer has consumed what RunBatch
// sent. It only blocks for inline reduction, where the peer
// reads this rank's memory directly.
//
// Callers that also receive from the same peer should call
// Finish after that receive.
func (sd Sender) Finish(s *transport.Stream, link transport.Link) error {
	if pickStrategy(link, sd.Attr) != strategyInline {
		return nil
	}
	return link.RxDataSignal(s)
}
