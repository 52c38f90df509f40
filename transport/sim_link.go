package transport

import (
	"sync"
	"sync/atomic"

	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/simulator"
	"k8s.io/klog/v2"
)

type packetKind int

const (
	kindAck packetKind = iota
	kindData
	kindSignal
	numKinds
)

var packetKindNames = [numKinds]string{"ack", "data", "signal"}

type packet struct {
	kind    packetKind
	seq     int
	memType MemType
	offsets []uint64

	// payload holds a snapshot of each source range.
	payload []collcomm.Mem

	reduce   bool
	dataType collcomm.DataType
	op       collcomm.ReduceOp
}

func (p *packet) size() uint64 {
	var res uint64
	for _, m := range p.payload {
		res += m.Size()
	}
	return res
}

// A pipe carries packets in one direction between two
// ranks. Each packet kind has its own port and sequence
// numbers, so networks that reorder messages still hand
// packets of one kind to the receiver in send order.
type pipe struct {
	src, dst int
	srcPort  *simulator.Port
	ports    [numKinds]*simulator.Port

	lock    sync.Mutex
	sendSeq [numKinds]int
	recvSeq [numKinds]int
	pending [numKinds]map[int]*packet
}

func newPipe(loop *simulator.EventLoop, src, dst int, srcNode, dstNode *simulator.Node) *pipe {
	p := &pipe{src: src, dst: dst, srcPort: srcNode.Port(loop)}
	for i := range p.ports {
		p.ports[i] = dstNode.Port(loop)
		p.pending[i] = map[int]*packet{}
	}
	return p
}

func (p *pipe) send(s *Stream, network simulator.Network, pkt *packet) {
	p.lock.Lock()
	pkt.seq = p.sendSeq[pkt.kind]
	p.sendSeq[pkt.kind]++
	p.lock.Unlock()
	klog.V(5).Infof("%s: %s #%d %d->%d (%d bytes)", s, packetKindNames[pkt.kind], pkt.seq,
		p.src, p.dst, pkt.size())
	network.Send(s.h, &simulator.Message{
		Source:  p.srcPort,
		Dest:    p.ports[pkt.kind],
		Message: pkt,
		Size:    pkt.size(),
	})
}

func (p *pipe) recv(s *Stream, kind packetKind) *packet {
	for {
		p.lock.Lock()
		want := p.recvSeq[kind]
		if pkt, ok := p.pending[kind][want]; ok {
			delete(p.pending[kind], want)
			p.recvSeq[kind]++
			p.lock.Unlock()
			return pkt
		}
		p.lock.Unlock()

		pkt := p.ports[kind].Recv(s.h).Message.(*packet)
		p.lock.Lock()
		p.pending[kind][pkt.seq] = pkt
		p.lock.Unlock()
	}
}

// stray counts packets that arrived but were never
// consumed.
func (p *pipe) stray() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	var res int
	for i, m := range p.pending {
		res += len(m) + p.ports[i].Incoming.Pending()
	}
	return res
}

// LinkStats counts the traffic a SimLink has sent.
type LinkStats struct {
	Acks            int
	Signals         int
	DataPackets     int
	DataBytes       int
	ReducePackets   int
	DataReceivedAck int
}

type linkCounters struct {
	acks, signals, data, bytes, reduces, received atomic.Int64
}

// SimLink is a Link carried over a simulator.Network.
//
// Transfers snapshot their source when sent, and a receive
// copies (or reduces) the snapshot into its destination
// when it arrives.
type SimLink struct {
	local, remote int
	out, in       *pipe
	network       simulator.Network
	caps          Capabilities
	session       *session
	fabric        *Fabric

	counters linkCounters
}

// Stats returns a snapshot of the link's counters.
func (l *SimLink) Stats() LinkStats {
	return LinkStats{
		Acks:            int(l.counters.acks.Load()),
		Signals:         int(l.counters.signals.Load()),
		DataPackets:     int(l.counters.data.Load()),
		DataBytes:       int(l.counters.bytes.Load()),
		ReducePackets:   int(l.counters.reduces.Load()),
		DataReceivedAck: int(l.counters.received.Load()),
	}
}

func (l *SimLink) TxAck(s *Stream) error {
	l.counters.acks.Add(1)
	l.out.send(s, l.network, &packet{kind: kindAck})
	return nil
}

func (l *SimLink) RxAck(s *Stream) error {
	l.in.recv(s, kindAck)
	return nil
}

func (l *SimLink) TxAsync(s *Stream, memType MemType, offset uint64, src collcomm.Mem) error {
	return l.TxAsyncBatch(s, []TxMemInfo{{MemType: memType, Offset: offset, Src: src}})
}

func (l *SimLink) RxAsync(s *Stream, memType MemType, offset uint64, dst collcomm.Mem) error {
	return l.RxAsyncBatch(s, []RxMemInfo{{MemType: memType, Offset: offset, Dst: dst}})
}

func (l *SimLink) TxAsyncBatch(s *Stream, txs []TxMemInfo) error {
	pkt, err := l.dataPacket(txs)
	if err != nil {
		return err
	}
	l.sendData(s, pkt)
	return nil
}

func (l *SimLink) RxAsyncBatch(s *Stream, rxs []RxMemInfo) error {
	for _, rx := range rxs {
		if err := rx.Dst.Err(); err != nil {
			return err
		}
	}
	pkt, err := l.recvData(s, len(rxs), func(i int) uint64 { return rxs[i].Dst.Size() })
	if err != nil {
		return err
	}
	for i, rx := range rxs {
		var err error
		if pkt.reduce {
			err = s.Reduce(rx.Dst, rx.Dst, pkt.payload[i], pkt.dataType, pkt.op)
		} else {
			err = s.Copy(rx.Dst, pkt.payload[i])
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (l *SimLink) TxWithReduce(s *Stream, memType MemType, offset uint64, src collcomm.Mem,
	dt collcomm.DataType, op collcomm.ReduceOp) error {
	if !l.caps.TransportWithReduce {
		return collcomm.NotSupportedf("link %d->%d has no transport reduce", l.local, l.remote)
	}
	pkt, err := l.dataPacket([]TxMemInfo{{MemType: memType, Offset: offset, Src: src}})
	if err != nil {
		return err
	}
	pkt.reduce = true
	pkt.dataType = dt
	pkt.op = op
	l.counters.reduces.Add(1)
	l.sendData(s, pkt)
	return nil
}

func (l *SimLink) RxWithReduce(s *Stream, memType MemType, offset uint64, rcvTemp, reduceSrc,
	dst collcomm.Mem, dt collcomm.DataType, op collcomm.ReduceOp) error {
	if !l.caps.TransportWithReduce {
		return collcomm.NotSupportedf("link %d->%d has no transport reduce", l.local, l.remote)
	}
	for _, m := range []collcomm.Mem{rcvTemp, reduceSrc, dst} {
		if err := m.Err(); err != nil {
			return err
		}
	}
	pkt, err := l.recvData(s, 1, func(int) uint64 { return rcvTemp.Size() })
	if err != nil {
		return err
	}
	if err := collcomm.Copy(rcvTemp, pkt.payload[0]); err != nil {
		return err
	}
	return s.Reduce(dst, reduceSrc, rcvTemp, dt, op)
}

func (l *SimLink) TxDataSignal(s *Stream) error {
	l.counters.signals.Add(1)
	l.out.send(s, l.network, &packet{kind: kindSignal})
	return nil
}

func (l *SimLink) RxDataSignal(s *Stream) error {
	l.in.recv(s, kindSignal)
	return nil
}

// TxWaitDone returns immediately, since a receive only
// completes once its data has arrived.
func (l *SimLink) TxWaitDone(s *Stream) error {
	return nil
}

// RxWaitDone returns immediately, since a receive only
// completes once its data has arrived.
func (l *SimLink) RxWaitDone(s *Stream) error {
	return nil
}

func (l *SimLink) DataReceivedAck(s *Stream) error {
	if !l.caps.DataReceivedAck {
		return collcomm.NotSupportedf("link %d->%d has no data-received ack", l.local, l.remote)
	}
	l.counters.received.Add(1)
	return nil
}

func (l *SimLink) RemoteMem(memType MemType) (collcomm.Mem, error) {
	return l.session.window(l.remote, memType)
}

func (l *SimLink) RemoteRank() int {
	return l.remote
}

func (l *SimLink) LinkType() LinkType {
	return l.caps.Type
}

func (l *SimLink) SupportsTransportWithReduce() bool {
	return l.caps.TransportWithReduce
}

func (l *SimLink) SupportsInlineReduce() bool {
	return l.caps.InlineReduce
}

func (l *SimLink) SupportsDataReceivedAck() bool {
	return l.caps.DataReceivedAck
}

func (l *SimLink) dataPacket(txs []TxMemInfo) (*packet, error) {
	pkt := &packet{kind: kindData}
	for _, tx := range txs {
		if err := tx.Src.Err(); err != nil {
			return nil, err
		}
		pkt.memType = tx.MemType
		pkt.offsets = append(pkt.offsets, tx.Offset)
		snapshot := collcomm.NewBufferFrom(tx.Src.Buffer().Name(), tx.Src.Bytes())
		pkt.payload = append(pkt.payload, snapshot.Mem())
	}
	return pkt, nil
}

func (l *SimLink) sendData(s *Stream, pkt *packet) {
	l.counters.data.Add(1)
	l.counters.bytes.Add(int64(pkt.size()))
	l.out.send(s, l.network, pkt)
}

func (l *SimLink) recvData(s *Stream, segments int, size func(i int) uint64) (*packet, error) {
	pkt := l.in.recv(s, kindData)
	if len(pkt.payload) != segments {
		err := collcomm.Internalf("rank %d expected %d segments from rank %d but got %d",
			l.local, segments, l.remote, len(pkt.payload))
		l.fabric.reportAsync(err)
		return nil, err
	}
	for i, m := range pkt.payload {
		if m.Size() != size(i) {
			err := collcomm.Internalf("rank %d expected %d bytes from rank %d in segment %d but got %s",
				l.local, size(i), l.remote, i, m)
			l.fabric.reportAsync(err)
			return nil, err
		}
	}
	return pkt, nil
}
