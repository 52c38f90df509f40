package coll

import (
	"fmt"

	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/executor"
	"github.com/unixpickle/collexec/transport"
)

// A SendRecvItem is one transfer of a BatchSendRecv.
type SendRecvItem struct {
	Direction executor.Direction
	Peer      int

	// Buf is read by sends and written by receives.
	Buf      collcomm.Mem
	Count    uint64
	DataType collcomm.DataType
}

// Send sends count elements of input to peer, which must
// call Recv with a matching count.
func (c *Communicator) Send(input collcomm.Mem, count uint64, dt collcomm.DataType, peer int) error {
	return c.BatchSendRecv([]SendRecvItem{{
		Direction: executor.DirectionSend,
		Peer:      peer,
		Buf:       input,
		Count:     count,
		DataType:  dt,
	}})
}

// Recv receives count elements from peer into output.
func (c *Communicator) Recv(output collcomm.Mem, count uint64, dt collcomm.DataType, peer int) error {
	return c.BatchSendRecv([]SendRecvItem{{
		Direction: executor.DirectionRecv,
		Peer:      peer,
		Buf:       output,
		Count:     count,
		DataType:  dt,
	}})
}

// BatchSendRecv runs every item on its own stream and
// returns once all of them are done.
//
// Transfers between a pair of ranks are matched in the
// order each side issues them, so sends and receives may
// be freely mixed within and across batches.
func (c *Communicator) BatchSendRecv(items []SendRecvItem) error {
	if len(items) == 0 {
		return nil
	}
	tags := make([]string, len(items))
	for i, it := range items {
		if it.Peer < 0 || it.Peer >= c.Size() || it.Peer == c.rank {
			return collcomm.ParamInvalidf("rank %d cannot %s with rank %d", c.rank, it.Direction, it.Peer)
		}
		if err := checkType(it.DataType); err != nil {
			return err
		}
		tags[i] = c.p2pTag(it)
	}
	return transport.Parallel(c.stream, len(items)-1, func(s *transport.Stream, idx int) error {
		it := items[idx]
		p := executor.Params{Count: it.Count, DataType: it.DataType, Stream: s}
		size := it.Count * it.DataType.Size()
		if it.Direction == executor.DirectionSend {
			p.Input = it.Buf.Range(0, size)
		} else {
			p.Output = it.Buf.Range(0, size)
		}
		group := []int{min(c.rank, it.Peer), max(c.rank, it.Peer)}
		peer := 0
		if group[1] == it.Peer {
			peer = 1
		}
		st := levelStep{name: it.Direction.String(), exec: executor.NewSendReceive(peer, it.Direction),
			params: p}
		return c.runGroup(tags[idx], group, st)
	})
}

// p2pTag names the session of a transfer by its source,
// destination and how many transfers that pair has made
// before.
func (c *Communicator) p2pTag(it SendRecvItem) string {
	src, dst := c.rank, it.Peer
	var seq int
	if it.Direction == executor.DirectionSend {
		seq = c.sendSeq[dst]
		c.sendSeq[dst]++
	} else {
		src, dst = dst, src
		seq = c.recvSeq[src]
		c.recvSeq[src]++
	}
	return fmt.Sprintf("%s/p2p/%d-%d/%d", c.cluster.id, src, dst, seq)
}

// Barrier returns once every rank has entered it. It is an
// allreduce of a single element.
func (c *Communicator) Barrier() error {
	one := c.buffer("barrier", collcomm.Float32.Size())
	return c.AllReduce(one, one, 1, collcomm.Float32, collcomm.OpSum)
}
