package executor

import (
	"strings"

	"github.com/unixpickle/collexec/collcomm"
)

// Kind is an algorithm family.
type Kind int

const (
	KindRing Kind = iota
	KindMesh
	KindBinaryBlockHD
	KindRecursiveHD
	KindPairwiseA2A
	KindStagedA2A
)

var kindNames = []string{"ring", "mesh", "binary-block", "recursive-hd", "pairwise", "staged"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

func (k Kind) MarshalText() ([]byte, error) {
	if k < 0 || int(k) >= len(kindNames) {
		return nil, collcomm.ParamInvalidf("unknown algorithm kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for i, n := range kindNames {
		if n == name {
			*k = Kind(i)
			return nil
		}
	}
	return collcomm.ParamInvalidf("unknown algorithm kind %q", text)
}

// Collective is a collective operation an executor can
// implement.
type Collective int

const (
	AllGather Collective = iota
	ReduceScatter
	AllReduce
	Broadcast
	Reduce
	Gather
	Scatter
	AllToAll
)

var collectiveNames = []string{"allgather", "reducescatter", "allreduce", "broadcast", "reduce",
	"gather", "scatter", "alltoall"}

// Collectives lists every Collective.
func Collectives() []Collective {
	res := make([]Collective, len(collectiveNames))
	for i := range res {
		res[i] = Collective(i)
	}
	return res
}

func (c Collective) String() string {
	if c < 0 || int(c) >= len(collectiveNames) {
		return "unknown"
	}
	return collectiveNames[c]
}

func (c Collective) MarshalText() ([]byte, error) {
	if c < 0 || int(c) >= len(collectiveNames) {
		return nil, collcomm.ParamInvalidf("unknown collective %d", int(c))
	}
	return []byte(c.String()), nil
}

func (c *Collective) UnmarshalText(text []byte) error {
	name := strings.ReplaceAll(strings.ToLower(string(text)), "_", "")
	for i, n := range collectiveNames {
		if n == name {
			*c = Collective(i)
			return nil
		}
	}
	return collcomm.ParamInvalidf("unknown collective %q", text)
}

// Options tune the executors created by New.
type Options struct {
	// ConcurrentDirect selects the ring allgather and
	// reduce-scatter that stage through Params.User.
	ConcurrentDirect bool

	// Mode is the copy mode of pairwise all-to-all.
	Mode AllToAllMode

	// RanksPerServer is the server size of staged
	// all-to-all.
	RanksPerServer int
}

var constructors = map[Kind]map[Collective]func(o Options) Executor{
	KindRing: {
		AllGather: func(o Options) Executor {
			if o.ConcurrentDirect {
				return NewAllGatherRingConcurrentDirect()
			}
			return NewAllGatherRing()
		},
		ReduceScatter: func(o Options) Executor {
			if o.ConcurrentDirect {
				return NewReduceScatterRingConcurrentDirect()
			}
			return NewReduceScatterRing()
		},
		AllReduce: func(Options) Executor { return NewAllReduceRing() },
		Broadcast: func(Options) Executor { return NewBroadcastRing() },
		Reduce:    func(Options) Executor { return NewReduceRing() },
		Gather:    func(Options) Executor { return NewGatherRing() },
		Scatter:   func(Options) Executor { return NewScatterRing() },
	},
	KindMesh: {
		AllGather:     func(Options) Executor { return NewAllGatherMesh() },
		ReduceScatter: func(Options) Executor { return NewReduceScatterMesh() },
		AllReduce:     func(Options) Executor { return NewAllReduceMesh() },
		Broadcast:     func(Options) Executor { return NewBroadcastMesh() },
		Reduce:        func(Options) Executor { return NewReduceMesh() },
		Gather:        func(Options) Executor { return NewGatherMesh() },
		Scatter:       func(Options) Executor { return NewScatterMesh() },
	},
	KindBinaryBlockHD: {
		AllGather:     func(Options) Executor { return NewAllGatherBinaryBlock() },
		ReduceScatter: func(Options) Executor { return NewReduceScatterBinaryBlock() },
		AllReduce:     func(Options) Executor { return NewAllReduceBinaryBlock() },
		Broadcast:     func(Options) Executor { return NewBroadcastBinaryBlock() },
	},
	KindRecursiveHD: {
		AllGather:     func(Options) Executor { return NewAllGatherRecursiveHD() },
		ReduceScatter: func(Options) Executor { return NewReduceScatterRecursiveHD() },
		AllReduce:     func(Options) Executor { return NewAllReduceRecursiveHD() },
		Broadcast:     func(Options) Executor { return NewBroadcastRecursiveHD() },
		Reduce:        func(Options) Executor { return NewReduceRecursiveHD() },
	},
	KindPairwiseA2A: {
		AllToAll: func(o Options) Executor { return NewAllToAllPairwise(o.Mode) },
	},
	KindStagedA2A: {
		AllToAll: func(o Options) Executor { return NewAllToAllStaged(o.RanksPerServer) },
	},
}

// Supported checks if kind implements c.
func Supported(kind Kind, c Collective) bool {
	_, ok := constructors[kind][c]
	return ok
}

// New creates the executor of kind for c.
func New(kind Kind, c Collective, o Options) (Executor, error) {
	f, ok := constructors[kind][c]
	if !ok {
		return nil, collcomm.NotSupportedf("%s has no %s algorithm", kind, c)
	}
	return f(o), nil
}
