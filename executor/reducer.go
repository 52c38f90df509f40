package executor

import (
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/transport"
)

// ReduceAttr enables optional reduction paths.
type ReduceAttr uint

const (
	// AttrInlineReduce lets a receiver read the sender's
	// input window directly and reduce it locally.
	AttrInlineReduce ReduceAttr = 1 << iota

	// AttrRDMAReduce lets the transport reduce into the
	// receiver's memory as data arrives.
	AttrRDMAReduce
)

// reduceStrategy is how one reduce transfer is carried out.
// Sender and receiver must pick the same one, so both use
// pickStrategy on the same link capabilities and attributes.
type reduceStrategy int

const (
	strategyRDMA reduceStrategy = iota
	strategyStandardRoCE
	strategyInline
	strategyFallback
)

func (r reduceStrategy) String() string {
	switch r {
	case strategyRDMA:
		return "rdma"
	case strategyStandardRoCE:
		return "standard-roce"
	case strategyInline:
		return "inline"
	}
	return "fallback"
}

func pickStrategy(link transport.Link, attr ReduceAttr) reduceStrategy {
	switch {
	case link.SupportsTransportWithReduce() && attr&AttrRDMAReduce != 0:
		return strategyRDMA
	case link.SupportsTransportWithReduce() && link.LinkType() == transport.LinkStandardRoCE:
		return strategyStandardRoCE
	case link.SupportsInlineReduce() && attr&AttrInlineReduce != 0:
		return strategyInline
	default:
		return strategyFallback
	}
}

// A ReduceItem is one range of a batched reduce-receive.
//
// The result Src op received is written to Dst. Temp must
// be as large as Src and is used as a receive area.
// RemoteOffset is where the sender's data starts in its
// input window.
type ReduceItem struct {
	RemoteOffset uint64
	Src          collcomm.Mem
	Dst          collcomm.Mem
	Temp         collcomm.Mem
}

// A Reducer receives data from one peer and combines it
// with local data.
type Reducer struct {
	DataType collcomm.DataType
	Op       collcomm.ReduceOp
	Attr     ReduceAttr
}

// Run receives one range from link and leaves
// localDst = localSrc op received.
func (r Reducer) Run(s *transport.Stream, link transport.Link, remoteOffset uint64, localSrc,
	localDst, rcvTemp collcomm.Mem) error {
	return r.RunBatch(s, link, []ReduceItem{{
		RemoteOffset: remoteOffset,
		Src:          localSrc,
		Dst:          localDst,
		Temp:         rcvTemp,
	}})
}

// RunBatch is like Run for several ranges sent by one
// Sender.RunBatch call.
func (r Reducer) RunBatch(s *transport.Stream, link transport.Link, items []ReduceItem) error {
	for _, item := range items {
		if item.Src.Size() != item.Dst.Size() {
			return collcomm.MemoryInvalidf("reduce %s into %s: size mismatch", item.Src, item.Dst)
		}
	}
	switch pickStrategy(link, r.Attr) {
	case strategyRDMA:
		for _, item := range items {
			if err := link.RxAsync(s, transport.MemInput, item.RemoteOffset, item.Src); err != nil {
				return err
			}
			if err := r.ackReceived(s, link); err != nil {
				return err
			}
			if err := s.Copy(item.Dst, item.Src); err != nil {
				return err
			}
		}
	case strategyStandardRoCE:
		for _, item := range items {
			err := link.RxWithReduce(s, transport.MemInput, item.RemoteOffset, item.Temp.Range(0,
				item.Src.Size()), item.Src, item.Dst, r.DataType, r.Op)
			if err != nil {
				return err
			}
		}
	case strategyInline:
		if err := link.RxDataSignal(s); err != nil {
			return err
		}
		window, err := link.RemoteMem(transport.MemInput)
		if err != nil {
			return err
		}
		for _, item := range items {
			remote := window.Range(item.RemoteOffset, item.Src.Size())
			if err := s.Reduce(item.Dst, item.Src, remote, r.DataType, r.Op); err != nil {
				return err
			}
		}
		if err := r.ackReceived(s, link); err != nil {
			return err
		}
		// Release the sender's memory.
		if err := link.TxDataSignal(s); err != nil {
			return err
		}
	default:
		rxs := make([]transport.RxMemInfo, len(items))
		for i, item := range items {
			rxs[i] = transport.RxMemInfo{
				MemType: transport.MemInput,
				Offset:  item.RemoteOffset,
				Dst:     item.Temp.Range(0, item.Src.Size()),
			}
		}
		if err := link.RxAsyncBatch(s, rxs); err != nil {
			return err
		}
		if err := r.ackReceived(s, link); err != nil {
			return err
		}
		for i, item := range items {
			if err := s.Reduce(item.Dst, item.Src, rxs[i].Dst, r.DataType, r.Op); err != nil {
				return err
			}
		}
	}
	return nil
}

func (r Reducer) ackReceived(s *transport.Stream, link transport.Link) error {
	if !link.SupportsDataReceivedAck() {
		return nil
	}
	return link.DataReceivedAck(s)
}
