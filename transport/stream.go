package transport

import (
	"fmt"
	"sync/atomic"

	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/simulator"
)

const (
	// FlopTime is the amount of virtual time it takes to
	// reduce a single element.
	FlopTime = 1e-9

	// CopyTime is the amount of virtual time it takes to
	// copy one byte between local buffers.
	CopyTime = 1e-11
)

// A Stream is a simulated command queue of one rank.
//
// Commands issued on a Stream run in order. Each Stream
// owns a simulator.Handle, so a Stream must only be used
// by the Goroutine it was created for.
type Stream struct {
	h    *simulator.Handle
	rank int
	id   int

	nextID *atomic.Int32
}

// NewStream creates the main stream of a rank.
func NewStream(h *simulator.Handle, rank int) *Stream {
	return &Stream{h: h, rank: rank, nextID: &atomic.Int32{}}
}

// Handle returns the stream's event loop handle.
func (s *Stream) Handle() *simulator.Handle {
	return s.h
}

// Rank returns the rank that owns the stream.
func (s *Stream) Rank() int {
	return s.rank
}

// ID returns the stream's index within its rank. The main
// stream has ID 0.
func (s *Stream) ID() int {
	return s.id
}

// Time returns the current virtual time.
func (s *Stream) Time() float64 {
	return s.h.Time()
}

// String is the name of the stream's Handle, or the rank
// and stream ID if the Handle has no name.
func (s *Stream) String() string {
	if name := s.h.Name(); name != "" {
		return name
	}
	return fmt.Sprintf("rank%d/stream%d", s.rank, s.id)
}

// Fork starts f on a new auxiliary stream of the same
// rank, named after s. The new stream runs concurrently
// with s.
func (s *Stream) Fork(f func(aux *Stream)) {
	id := int(s.nextID.Add(1))
	parent := s.h.Name()
	if parent == "" {
		parent = fmt.Sprintf("rank%d", s.rank)
	}
	s.h.Go(fmt.Sprintf("%s/stream%d", parent, id), func(h *simulator.Handle) {
		f(&Stream{h: h, rank: s.rank, id: id, nextID: s.nextID})
	})
}

// Copy copies src to dst and charges the copy time.
func (s *Stream) Copy(dst, src collcomm.Mem) error {
	if err := collcomm.Copy(dst, src); err != nil {
		return err
	}
	if !dst.Equal(src) {
		s.h.Sleep(CopyTime * float64(dst.Size()))
	}
	return nil
}

// Reduce computes dst = a op b and charges the compute
// time.
func (s *Stream) Reduce(dst, a, b collcomm.Mem, dt collcomm.DataType, op collcomm.ReduceOp) error {
	if err := collcomm.Reduce(dst, a, b, dt, op); err != nil {
		return err
	}
	s.h.Sleep(FlopTime * float64(dst.Size()/dt.Size()))
	return nil
}
