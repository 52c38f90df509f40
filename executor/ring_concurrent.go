package executor

import (
	"github.com/unixpickle/collexec/transport"
)

// AllGatherRingConcurrentDirect is AllGatherRing with an
// auxiliary stream that copies each received group from
// Output into the caller's buffer Params.User while the
// ring moves on. The last group is received into User
// directly.
type AllGatherRingConcurrentDirect struct {
	Base
}

func NewAllGatherRingConcurrentDirect() *AllGatherRingConcurrentDirect {
	return &AllGatherRingConcurrentDirect{Base: newBase("AllGatherRingConcurrentDirect")}
}

func (a *AllGatherRingConcurrentDirect) RunAsync(rank, rankSize int, links []transport.Link) error {
	if err := a.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	if err := CheckConcurrentDirectParameters(rank, rankSize, links); err != nil {
		return err
	}
	a.logEntry(rank, rankSize)
	p := a.params
	s := p.Stream
	lay, err := rankLayout(p, rankSize)
	if err != nil {
		return err
	}
	ownIn := packedMems(p.Input, p.Output, lay.group(rank))
	if err := copyAll(s, mems(p.Output, lay.group(rank)), ownIn); err != nil {
		return a.fail(rank, err, "copy own group")
	}
	if err := copyAll(s, mems(p.User, lay.group(rank)), ownIn); err != nil {
		return a.fail(rank, err, "copy own group to user buffer")
	}
	if rankSize == 1 {
		return nil
	}
	prev, next := RingNeighbours(rank, rankSize)
	left, right := links[prev], links[next]

	scope := transport.NewScope(s)
	numCopies := rankSize - 2
	posts := make([]transport.FencePost, numCopies)
	waits := make([]transport.FenceWait, numCopies)
	for i := range posts {
		posts[i], waits[i] = scope.Fence()
	}
	donePost, doneWait := scope.Fence()
	var auxErr error
	s.Fork(func(aux *transport.Stream) {
		for i, wait := range waits {
			wait.Wait(aux)
			group := lay.group(BackwardRank(rank, rankSize, i+1))
			if err := copyAll(aux, mems(p.User, group), mems(p.Output, group)); err != nil && auxErr == nil {
				auxErr = err
			}
		}
		donePost.Post(aux)
	})

	posted := 0
	runErr := func() error {
		for step := 0; step < rankSize-1; step++ {
			tx := BackwardRank(rank, rankSize, step)
			rx := BackwardRank(rank, rankSize, step+1)
			dst := p.Output
			if step == rankSize-2 {
				dst = p.User
			}
			a.logStep(rank, step, "send group %d, receive group %d", tx, rx)
			if err := ringTransfer(s, left, right, mems(p.Output, lay.group(tx)),
				mems(dst, lay.group(rx))); err != nil {
				return a.fail(rank, err, "step %d", step)
			}
			if step < numCopies {
				posts[step].Post(s)
				posted++
			}
		}
		return nil
	}()
	// Release the auxiliary stream even if the ring failed.
	for ; posted < numCopies; posted++ {
		posts[posted].Post(s)
	}
	doneWait.Wait(s)
	if runErr != nil {
		return runErr
	}
	if auxErr != nil {
		return a.fail(rank, auxErr, "copy to user buffer")
	}
	if err := scope.Close(); err != nil {
		return err
	}
	return closingBarrier(p, rank, rankSize, links)
}

// ReduceScatterRingConcurrentDirect is ReduceScatterRing
// fed from the caller's full input Params.User. An
// auxiliary stream copies groups from User into Input in
// the order the ring consumes them, and the final
// reduction is written straight to Output.
type ReduceScatterRingConcurrentDirect struct {
	Base
}

func NewReduceScatterRingConcurrentDirect() *ReduceScatterRingConcurrentDirect {
	return &ReduceScatterRingConcurrentDirect{Base: newBase("ReduceScatterRingConcurrentDirect")}
}

func (r *ReduceScatterRingConcurrentDirect) RunAsync(rank, rankSize int,
	links []transport.Link) error {
	if err := r.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	if err := CheckConcurrentDirectParameters(rank, rankSize, links); err != nil {
		return err
	}
	r.logEntry(rank, rankSize)
	p := r.params
	s := p.Stream
	lay, err := rankLayout(p, rankSize)
	if err != nil {
		return err
	}
	ownOut := packedMems(p.Output, p.User, lay.group(rank))
	if rankSize == 1 {
		return copyAll(s, ownOut, mems(p.User, lay.group(rank)))
	}
	prev, next := RingNeighbours(rank, rankSize)
	left, right := links[prev], links[next]

	// Fence i covers the group of rank-(i+1).
	scope := transport.NewScope(s)
	posts := make([]transport.FencePost, rankSize)
	waits := make([]transport.FenceWait, rankSize)
	for i := range posts {
		posts[i], waits[i] = scope.Fence()
	}
	copyErrs := make([]error, rankSize)
	s.Fork(func(aux *transport.Stream) {
		for i, post := range posts {
			group := lay.group(BackwardRank(rank, rankSize, i+1))
			copyErrs[i] = copyAll(aux, mems(p.Input, group), mems(p.User, group))
			post.Post(aux)
		}
	})

	waited := 0
	wait := func() error {
		waits[waited].Wait(s)
		waited++
		return copyErrs[waited-1]
	}
	sender, reducer := p.sender(), p.reducer()
	runErr := func() error {
		if err := wait(); err != nil {
			return r.fail(rank, err, "copy from user buffer")
		}
		for step := 0; step < rankSize-1; step++ {
			tx := BackwardRank(rank, rankSize, step+1)
			rx := BackwardRank(rank, rankSize, step+2)
			if err := wait(); err != nil {
				return r.fail(rank, err, "copy from user buffer")
			}
			r.logStep(rank, step, "send group %d, reduce group %d", tx, rx)
			if err := left.TxAck(s); err != nil {
				return err
			}
			if err := right.RxAck(s); err != nil {
				return err
			}
			if err := sender.RunBatch(s, right, mems(p.Input, lay.group(tx))); err != nil {
				return r.fail(rank, err, "step %d: send group %d", step, tx)
			}
			items := reduceItems(p, mems(p.Input, lay.group(rx)))
			if step == rankSize-2 {
				for i := range items {
					items[i].Dst = ownOut[i]
				}
			}
			if err := reducer.RunBatch(s, left, items); err != nil {
				return r.fail(rank, err, "step %d: reduce group %d", step, rx)
			}
			if err := sender.Finish(s, right); err != nil {
				return err
			}
		}
		return nil
	}()
	for waited < rankSize {
		wait()
	}
	if runErr != nil {
		return runErr
	}
	if err := scope.Close(); err != nil {
		return err
	}
	return closingBarrier(p, rank, rankSize, links)
}
