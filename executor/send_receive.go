package executor

import (
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/transport"
)

// Direction is the side of a point-to-point transfer.
type Direction int

const (
	DirectionSend Direction = iota
	DirectionRecv
)

func (d Direction) String() string {
	if d == DirectionRecv {
		return "recv"
	}
	return "send"
}

// SendReceive moves Count elements between this rank and
// Peer. A sender reads Input and a receiver writes Output.
type SendReceive struct {
	Base

	Peer      int
	Direction Direction
}

func NewSendReceive(peer int, dir Direction) *SendReceive {
	return &SendReceive{Base: newBase("SendReceive"), Peer: peer, Direction: dir}
}

func (sr *SendReceive) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := sr.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	sr.logEntry(rank, rankSize)
	p := sr.params
	s := p.Stream
	if sr.Peer == rank {
		return collcomm.ParamInvalidf("rank %d cannot %s to itself", rank, sr.Direction)
	}
	l, err := link(links, sr.Peer)
	if err != nil {
		return err
	}
	size := p.Count * sr.unitSize()
	if sr.Direction == DirectionSend {
		if err := l.RxAck(s); err != nil {
			return err
		}
		if err := ExecuteTxSync(s, l, transport.MemInput, p.Input.Range(0, size)); err != nil {
			return sr.fail(rank, err, "send to rank %d", sr.Peer)
		}
		return l.RxDataSignal(s)
	}
	if err := l.TxAck(s); err != nil {
		return err
	}
	if err := ExecuteRxSync(s, l, transport.MemOutput, p.Output.Range(0, size)); err != nil {
		return sr.fail(rank, err, "receive from rank %d", sr.Peer)
	}
	return l.TxDataSignal(s)
}
