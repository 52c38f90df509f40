package coll

import (
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/executor"
	"golang.org/x/exp/slices"
)

// A StrategyTable picks the algorithm family that runs each
// collective at each level.
//
// Gather, scatter and all-to-all run on all ranks at once,
// so only their Level0 entries are used.
type StrategyTable map[executor.Collective]map[Level]executor.Kind

// DefaultStrategy favors full-mesh exchanges inside a
// server, rings across servers and halving-doubling across
// pods.
func DefaultStrategy() StrategyTable {
	hierarchy := func(l0, l1, l2 executor.Kind) map[Level]executor.Kind {
		return map[Level]executor.Kind{Level0: l0, Level1: l1, Level2: l2}
	}
	return StrategyTable{
		executor.AllGather:     hierarchy(executor.KindMesh, executor.KindRing, executor.KindRecursiveHD),
		executor.ReduceScatter: hierarchy(executor.KindMesh, executor.KindRing, executor.KindRecursiveHD),
		executor.AllReduce:     hierarchy(executor.KindMesh, executor.KindRing, executor.KindRecursiveHD),
		executor.Broadcast: hierarchy(executor.KindMesh, executor.KindBinaryBlockHD,
			executor.KindRecursiveHD),
		executor.Reduce:   hierarchy(executor.KindMesh, executor.KindRing, executor.KindRecursiveHD),
		executor.Gather:   {Level0: executor.KindRing},
		executor.Scatter:  {Level0: executor.KindRing},
		executor.AllToAll: {Level0: executor.KindPairwiseA2A},
	}
}

// Kind looks up the family of c at level l, falling back
// to DefaultStrategy for missing entries.
func (s StrategyTable) Kind(c executor.Collective, l Level) executor.Kind {
	if k, ok := s[c][l]; ok {
		return k
	}
	return DefaultStrategy()[c][l]
}

// flat reports whether c runs on all ranks at once.
func flat(c executor.Collective) bool {
	return c == executor.Gather || c == executor.Scatter || c == executor.AllToAll
}

// requirements lists the executors a family must provide to
// run c at level l.
func requirements(c executor.Collective, l Level) []executor.Collective {
	switch {
	case c == executor.AllReduce && l < Level2:
		return []executor.Collective{executor.ReduceScatter, executor.AllGather}
	case c == executor.Broadcast && l == Level0:
		return []executor.Collective{executor.Scatter, executor.AllGather}
	case c == executor.Reduce && l == Level0:
		return []executor.Collective{executor.ReduceScatter, executor.Gather}
	}
	return []executor.Collective{c}
}

// Validate checks that every entry names a family able to
// run its collective at its level.
func (s StrategyTable) Validate() error {
	collectives := make([]executor.Collective, 0, len(s))
	for c := range s {
		collectives = append(collectives, c)
	}
	slices.Sort(collectives)
	for _, c := range collectives {
		for l, kind := range s[c] {
			if l < 0 || l >= numLevels {
				return collcomm.ParamInvalidf("strategy for %s at %s", c, l)
			}
			if flat(c) && l != Level0 {
				return collcomm.ParamInvalidf("%s runs on all ranks and takes no %s strategy", c, l)
			}
			for _, req := range requirements(c, l) {
				if !executor.Supported(kind, req) {
					return collcomm.NotSupportedf("%s at %s needs a %s algorithm, which %s lacks",
						c, l, req, kind)
				}
			}
		}
	}
	return nil
}

// executor creates the executor that runs step at level l
// of collective c.
func (s StrategyTable) executor(c executor.Collective, l Level, step executor.Collective,
	o executor.Options) (executor.Executor, error) {
	return executor.New(s.Kind(c, l), step, o)
}
