package simulator

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
)

// A Node is an endpoint of a virtual network, such as the
// device of one rank.
type Node struct {
	Name string

	// Index is the Node's row and column in the connection
	// matrices of a SwitcherNetwork.
	Index int
}

// NewNodes creates the Nodes of ranks 0 through n-1.
func NewNodes(n int) []*Node {
	res := make([]*Node, n)
	for i := range res {
		res[i] = &Node{Name: fmt.Sprintf("rank%d", i), Index: i}
	}
	return res
}

// Port creates a new Port connected to the Node.
func (n *Node) Port(loop *EventLoop) *Port {
	return &Port{Node: n, Incoming: loop.Stream()}
}

// A Port identifies a point of communication on a Node.
// Data is sent from Ports and received on Ports.
type Port struct {
	// The Node to which the Port is attached.
	Node *Node

	// A stream of *Message objects.
	Incoming *EventStream
}

// Recv receives the next message.
func (p *Port) Recv(h *Handle) *Message {
	return h.Poll(p.Incoming).Message.(*Message)
}

// A Message is a chunk of data sent between nodes over a
// network.
type Message struct {
	Source  *Port
	Dest    *Port
	Message any

	// Size is the payload length in bytes. Control
	// messages have a size of zero and only pay latency.
	Size uint64
}

// A Network represents an abstract way of communicating
// between nodes.
type Network interface {
	// Send message objects from one node to another.
	// The message will arrive on the receiving port's
	// incoming EventStream.
	//
	// This is a non-blocking operation. Passing several
	// messages at once spares the Network from planning
	// its delivery schedule once per message.
	Send(h *Handle, msgs ...*Message)
}

// A RandomNetwork is a network that assigns random delays
// to every message, so messages between the same pair of
// ports may arrive out of order.
type RandomNetwork struct {
	// MaxLatency bounds the random delay.
	// If it is 0, it is treated as 1.
	MaxLatency float64
}

// Send sends the messages with random delays.
func (r RandomNetwork) Send(h *Handle, msgs ...*Message) {
	maxLatency := r.MaxLatency
	if maxLatency == 0 {
		maxLatency = 1
	}
	for _, msg := range msgs {
		h.Schedule(msg.Dest.Incoming, msg, rand.Float64()*maxLatency)
	}
}

// A SwitcherNetwork is a network whose bandwidth is
// divided by a Switcher.
//
// Every message in flight is a flow between two Nodes. A
// flow first pays the network latency and then drains its
// bytes at the rate the Switcher gives its pair of Nodes,
// shared evenly with the other flows of the pair. The
// delivery schedule is replanned whenever a message is
// sent, so a new flow slows down the ones it competes
// with.
type SwitcherNetwork struct {
	lock sync.Mutex

	switcher Switcher
	numNodes int
	latency  float64

	schedule []*phase
}

// NewSwitcherNetwork creates a network over nodes, which
// must have been created by NewNodes.
//
// The latency period counts towards oversubscription, so
// a flow that is still paying latency already takes its
// share of bandwidth.
func NewSwitcherNetwork(switcher Switcher, nodes []*Node, latency float64) *SwitcherNetwork {
	return &SwitcherNetwork{
		switcher: switcher,
		numNodes: len(nodes),
		latency:  latency,
	}
}

// Send sends the messages over the network.
func (s *SwitcherNetwork) Send(h *Handle, msgs ...*Message) {
	s.lock.Lock()
	defer s.lock.Unlock()

	flows := s.interrupt(h)
	for _, msg := range msgs {
		flows = append(flows, &flow{
			msg:     msg,
			src:     msg.Source.Node.Index,
			dst:     msg.Dest.Node.Index,
			latency: s.latency,
			bytes:   float64(msg.Size),
		})
	}
	s.replan(h, flows)
}

// interrupt cancels every pending delivery and returns the
// flows that are still in flight at the current time.
func (s *SwitcherNetwork) interrupt(h *Handle) []*flow {
	now := h.Time()
	var res []*flow
	for _, ph := range s.schedule {
		if now >= ph.end {
			// Its deliveries have fired or are due now.
			continue
		}
		if now >= ph.start {
			for _, f := range ph.flows {
				res = append(res, f.advance(now-ph.start))
			}
		}
		for _, timer := range ph.deliveries {
			h.Cancel(timer)
		}
	}
	return res
}

func (s *SwitcherNetwork) replan(h *Handle, flows []*flow) {
	s.schedule = nil
	start := h.Time()
	for len(flows) > 0 {
		s.assignRates(flows)
		done, rest, eta := earliestFlows(flows)
		ph := &phase{start: start, flows: flows}
		for _, f := range done {
			delay := start - h.Time() + eta
			ph.deliveries = append(ph.deliveries, h.Schedule(f.msg.Dest.Incoming, f.msg, delay))
		}
		ph.end = ph.deliveries[0].Time()
		s.schedule = append(s.schedule, ph)

		for i, f := range rest {
			rest[i] = f.advance(ph.end - start)
		}
		flows = rest
		start = ph.end
	}
}

func (s *SwitcherNetwork) assignRates(flows []*flow) {
	counts := NewConnMat(s.numNodes)
	for _, f := range flows {
		counts.Add(f.src, f.dst, 1)
	}
	rates := counts.Clone()
	s.switcher.SwitchedRates(rates)
	for _, f := range flows {
		f.rate = rates.Get(f.src, f.dst) / counts.Get(f.src, f.dst)
	}
}

// A flow is a message on its way through a
// SwitcherNetwork.
type flow struct {
	msg      *Message
	src, dst int

	// latency and bytes are what is left to pay and to
	// drain.
	latency float64
	bytes   float64
	rate    float64
}

// eta is the time until the flow is delivered at its
// current rate.
func (f *flow) eta() float64 {
	if f.bytes <= 0 {
		return math.Max(0, f.latency)
	}
	return math.Max(0, f.latency+f.bytes/f.rate)
}

// advance returns the flow's state after t more time.
func (f flow) advance(t float64) *flow {
	if t < f.latency {
		f.latency -= t
		return &f
	}
	t -= f.latency
	f.latency = 0
	f.bytes -= f.rate * t
	return &f
}

// A phase is a period in which the set of flows, and so
// every rate, stays fixed. It ends with the delivery of
// its earliest flows.
type phase struct {
	start, end float64
	flows      []*flow
	deliveries []*Timer
}

func earliestFlows(flows []*flow) (done, rest []*flow, eta float64) {
	etas := make([]float64, len(flows))
	for i, f := range flows {
		etas[i] = f.eta()
	}
	eta = etas[0]
	for _, e := range etas {
		eta = math.Min(eta, e)
	}
	for i, f := range flows {
		if etas[i] == eta {
			done = append(done, f)
		} else {
			rest = append(rest, f)
		}
	}
	return done, rest, eta
}
