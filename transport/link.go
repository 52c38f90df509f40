// Package transport defines the rank-to-rank Link contract
// consumed by the collective executors, along with a
// simulated implementation on top of the simulator
// package.
package transport

import "github.com/unixpickle/collexec/collcomm"

// MemType names a memory window a rank exposes to peers.
type MemType int

const (
	MemInput MemType = iota
	MemOutput
)

func (m MemType) String() string {
	if m == MemOutput {
		return "output"
	}
	return "input"
}

// LinkType is the physical class of a Link.
type LinkType int

const (
	LinkHCCS LinkType = iota
	LinkPCIe
	LinkRoCE
	LinkStandardRoCE
)

func (l LinkType) String() string {
	switch l {
	case LinkPCIe:
		return "pcie"
	case LinkRoCE:
		return "roce"
	case LinkStandardRoCE:
		return "standard-roce"
	}
	return "hccs"
}

// IsRoCE checks if the link goes through a RoCE NIC.
func (l LinkType) IsRoCE() bool {
	return l == LinkRoCE || l == LinkStandardRoCE
}

// TxMemInfo is one entry of a batched send.
type TxMemInfo struct {
	MemType MemType
	Offset  uint64
	Src     collcomm.Mem
}

// RxMemInfo is one entry of a batched receive.
type RxMemInfo struct {
	MemType MemType
	Offset  uint64
	Dst     collcomm.Mem
}

// A Link is a channel to exactly one peer rank.
//
// Every blocking call is issued on a Stream, and only
// one Stream may wait on a given kind of message from a
// Link at once. Sends never block.
//
// The offset arguments name the position of a transfer in
// the peer's memory window; they are informational for
// plain transfers.
type Link interface {
	// TxAck tells the peer that this side is ready to
	// receive. RxAck waits for the peer's TxAck.
	TxAck(s *Stream) error
	RxAck(s *Stream) error

	TxAsync(s *Stream, memType MemType, offset uint64, src collcomm.Mem) error
	RxAsync(s *Stream, memType MemType, offset uint64, dst collcomm.Mem) error
	TxAsyncBatch(s *Stream, txs []TxMemInfo) error
	RxAsyncBatch(s *Stream, rxs []RxMemInfo) error

	// TxWithReduce sends src so that the receiver combines
	// it into its destination as part of the receive.
	TxWithReduce(s *Stream, memType MemType, offset uint64, src collcomm.Mem,
		dt collcomm.DataType, op collcomm.ReduceOp) error

	// RxWithReduce receives into rcvTemp and then computes
	// dst = reduceSrc op rcvTemp.
	RxWithReduce(s *Stream, memType MemType, offset uint64, rcvTemp, reduceSrc, dst collcomm.Mem,
		dt collcomm.DataType, op collcomm.ReduceOp) error

	TxDataSignal(s *Stream) error
	RxDataSignal(s *Stream) error

	TxWaitDone(s *Stream) error
	RxWaitDone(s *Stream) error

	// DataReceivedAck notifies the transport that received
	// data has been consumed.
	DataReceivedAck(s *Stream) error

	// RemoteMem returns the peer's window of the given type.
	RemoteMem(memType MemType) (collcomm.Mem, error)
	RemoteRank() int
	LinkType() LinkType

	SupportsTransportWithReduce() bool
	SupportsInlineReduce() bool
	SupportsDataReceivedAck() bool
}

// Capabilities describes what a Link between two ranks
// can do.
type Capabilities struct {
	Type                LinkType
	TransportWithReduce bool
	InlineReduce        bool
	DataReceivedAck     bool
}

// A CapabilityPolicy decides the capabilities of the link
// between two ranks. It must be symmetric.
type CapabilityPolicy func(a, b int) Capabilities

// UniformPolicy gives every link the same capabilities.
func UniformPolicy(c Capabilities) CapabilityPolicy {
	return func(a, b int) Capabilities {
		return c
	}
}
