package transport

import (
	"sync/atomic"

	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/simulator"
)

type fence struct {
	events *simulator.EventStream
	posts  atomic.Int32
	waits  atomic.Int32
}

// FencePost is the producer half of a fence.
type FencePost struct {
	f *fence
}

// Post marks the fence as reached on stream s.
func (p FencePost) Post(s *Stream) {
	p.f.posts.Add(1)
	s.h.Schedule(p.f.events, struct{}{}, 0)
}

// FenceWait is the consumer half of a fence.
type FenceWait struct {
	f *fence
}

// Wait blocks stream s until the matching Post.
func (w FenceWait) Wait(s *Stream) {
	s.h.Poll(w.f.events)
	w.f.waits.Add(1)
}

// A Scope owns a set of fences and checks, when it is
// closed, that every fence was posted and waited exactly
// once.
type Scope struct {
	loop   *simulator.EventLoop
	fences []*fence
}

// NewScope creates a scope for fences used by the
// streams of one rank.
func NewScope(s *Stream) *Scope {
	return &Scope{loop: s.h.EventLoop}
}

// Fence creates a single-producer single-consumer fence.
func (sc *Scope) Fence() (FencePost, FenceWait) {
	f := &fence{events: sc.loop.Stream()}
	sc.fences = append(sc.fences, f)
	return FencePost{f}, FenceWait{f}
}

// Close reports any fence that was not used exactly once
// on each side.
func (sc *Scope) Close() error {
	for i, f := range sc.fences {
		if p, w := f.posts.Load(), f.waits.Load(); p != 1 || w != 1 {
			return collcomm.Internalf("fence %d posted %d times and waited %d times", i, p, w)
		}
	}
	return nil
}

// Parallel runs body on main (with index 0) and on n
// auxiliary streams (with indices 1 through n).
//
// Each auxiliary stream starts after a fence posted by
// main, and main waits for a fence from every auxiliary
// stream before returning. The first error by index is
// returned.
func (sc *Scope) Parallel(main *Stream, n int, body func(s *Stream, idx int) error) error {
	errs := make([]error, n+1)
	dones := make([]FenceWait, n)
	for i := 1; i <= n; i++ {
		startPost, startWait := sc.Fence()
		donePost, doneWait := sc.Fence()
		dones[i-1] = doneWait
		idx := i
		main.Fork(func(aux *Stream) {
			startWait.Wait(aux)
			errs[idx] = body(aux, idx)
			donePost.Post(aux)
		})
		startPost.Post(main)
	}
	errs[0] = body(main, 0)
	for _, done := range dones {
		done.Wait(main)
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Parallel is Scope.Parallel on a fresh scope that is
// closed before returning.
func Parallel(main *Stream, n int, body func(s *Stream, idx int) error) error {
	sc := NewScope(main)
	if err := sc.Parallel(main, n, body); err != nil {
		return err
	}
	return sc.Close()
}
