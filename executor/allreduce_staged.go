package executor

import (
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/transport"
)

// StagedAllReduce composes a reduce-scatter and an
// allgather of the same topology into an allreduce.
//
// The buffer is split into one aligned slice per rank.
// The reduce-scatter stage runs in place on Input, and the
// allgather stage gathers the reduced slices into Output.
type StagedAllReduce struct {
	Base

	reduceScatter Executor
	allGather     Executor
}

func newStagedAllReduce(name string, rs, ag Executor) *StagedAllReduce {
	return &StagedAllReduce{Base: newBase(name), reduceScatter: rs, allGather: ag}
}

// NewAllReduceRing creates a ring allreduce.
func NewAllReduceRing() *StagedAllReduce {
	return newStagedAllReduce("AllReduceRing", NewReduceScatterRing(), NewAllGatherRing())
}

// NewAllReduceMesh creates a mesh allreduce.
func NewAllReduceMesh() *StagedAllReduce {
	return newStagedAllReduce("AllReduceMesh", NewReduceScatterMesh(), NewAllGatherMesh())
}

// NewAllReduceBinaryBlock creates a binary-block
// halving-doubling allreduce.
func NewAllReduceBinaryBlock() *StagedAllReduce {
	return newStagedAllReduce("AllReduceBinaryBlock", NewReduceScatterBinaryBlock(),
		NewAllGatherBinaryBlock())
}

func (a *StagedAllReduce) RunAsync(rank, rankSize int, links []transport.Link) error {
	for _, stage := range []Stage{StagePrepare, StageReduceScatter, StageAllGather} {
		if err := a.RunAsyncStaged(rank, rankSize, links, stage); err != nil {
			return err
		}
	}
	return nil
}

func (a *StagedAllReduce) RunAsyncStaged(rank, rankSize int, links []transport.Link,
	stage Stage) error {
	if err := a.checkRun(rank, rankSize, links); err != nil {
		return err
	}
	p := a.params
	slices := p.Slices
	if len(slices) == 0 {
		var err error
		slices, err = collcomm.PrepareSliceData(p.Count, a.unitSize(), rankSize, p.BaseOffset)
		if err != nil {
			return err
		}
	}
	if len(slices)%rankSize != 0 {
		return collcomm.ParamInvalidf("%s: %d slices for %d ranks", a.name, len(slices), rankSize)
	}

	sub := p
	sub.Slices = slices
	sub.NICs = nil
	sub.Count = 0
	switch stage {
	case StagePrepare:
		a.logEntry(rank, rankSize)
		return nil
	case StageReduceScatter:
		sub.Output = p.Input
		sub.Barrier = false
		return a.runStage(a.reduceScatter, sub, stage, rank, rankSize, links)
	case StageAllGather:
		return a.runStage(a.allGather, sub, stage, rank, rankSize, links)
	}
	return collcomm.ParamInvalidf("%s: unknown stage %d", a.name, stage)
}

func (a *StagedAllReduce) runStage(e Executor, p Params, stage Stage, rank, rankSize int,
	links []transport.Link) error {
	if pr, ok := e.(interface{ RegisterProfiler(int, int, int) }); ok {
		pr.RegisterProfiler(a.profile.PlaneID, int(stage), a.profile.Step)
	}
	if err := e.Prepare(p); err != nil {
		return err
	}
	if err := e.RunAsync(rank, rankSize, links); err != nil {
		return a.fail(rank, err, "%s stage", stage)
	}
	return nil
}
