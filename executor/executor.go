// Package executor implements the algorithm layer of the
// engine: one Executor per (topology, collective) pair,
// each of which moves and reduces a rank's slices over the
// Links it is handed.
package executor

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/transport"
	"k8s.io/klog/v2"
)

// Params binds an Executor to the buffers and shape of one
// operation.
//
// Reductions run in place on Input, using Scratch as a
// receive area that mirrors Input byte for byte.
type Params struct {
	Input   collcomm.Mem
	Output  collcomm.Mem
	Scratch collcomm.Mem

	// Count is the number of elements each rank contributes
	// (gather-like operations) or the total element count
	// (broadcast, reduce and allreduce).
	Count    uint64
	DataType collcomm.DataType
	Op       collcomm.ReduceOp
	Root     int

	Stream *transport.Stream

	// Slices optionally overrides the default partitioning.
	// It must hold k slices per rank, with rank r owning
	// Slices[r*k : r*k+k].
	Slices []collcomm.Slice

	// BaseOffset is added to the offsets of computed
	// slice tables.
	BaseOffset uint64

	// NICs lists the ranks that own a network interface.
	// A non-empty list smaller than the rank count selects
	// the chunked ring variants.
	NICs []int

	// Barrier appends a closing barrier with the ring
	// neighbours.
	Barrier bool

	ReduceAttr ReduceAttr

	// User is the caller's buffer for the concurrent-direct
	// ring variants: the full output of an allgather, or the
	// full input of a reduce-scatter.
	User collcomm.Mem

	// AllToAll holds the block tables of the all-to-all
	// executors.
	AllToAll AllToAllParams
}

// An Executor runs one collective algorithm on one rank.
//
// Prepare binds the parameters; RunAsync may then be called
// any number of times, and never changes what Prepare
// stored.
type Executor interface {
	Prepare(p Params) error
	RunAsync(rank, rankSize int, links []transport.Link) error
}

// Stage selects one phase of a StagedExecutor.
type Stage int

const (
	StagePrepare Stage = iota
	StageReduceScatter
	StageAllGather
)

func (s Stage) String() string {
	switch s {
	case StageReduceScatter:
		return "reduce-scatter"
	case StageAllGather:
		return "allgather"
	}
	return "prepare"
}

// A StagedExecutor can run its phases separately, so that
// the caller can interleave work from other levels.
type StagedExecutor interface {
	Executor
	RunAsyncStaged(rank, rankSize int, links []transport.Link, stage Stage) error
}

// Profile holds the telemetry tags attached to log lines.
type Profile struct {
	PlaneID int
	Stage   int
	Step    int
}

// Base carries the state every executor shares.
type Base struct {
	name    string
	params  Params
	profile Profile
}

func newBase(name string) Base {
	return Base{name: name}
}

// Name returns the algorithm name used in logs.
func (b *Base) Name() string {
	return b.name
}

// Prepare stores the parameters of the next operation.
func (b *Base) Prepare(p Params) error {
	if p.Stream == nil {
		return collcomm.NullResourcef("%s: no stream", b.name)
	}
	b.params = p
	return nil
}

// Params returns what Prepare stored.
func (b *Base) Params() Params {
	return b.params
}

// RunAsync does nothing.
func (b *Base) RunAsync(rank, rankSize int, links []transport.Link) error {
	return nil
}

// RegisterProfiler tags subsequent log lines.
func (b *Base) RegisterProfiler(planeID, stage, step int) {
	b.profile = Profile{PlaneID: planeID, Stage: stage, Step: step}
}

// Profile returns the tags set by RegisterProfiler.
func (b *Base) Profile() Profile {
	return b.profile
}

func (b *Base) unitSize() uint64 {
	return b.params.DataType.Size()
}

func (b *Base) logEntry(rank, rankSize int) {
	if klog.V(2).Enabled() {
		klog.Infof("%s: rank %d/%d count=%d dtype=%s plane=%d stage=%d step=%d", b.name, rank,
			rankSize, b.params.Count, b.params.DataType, b.profile.PlaneID, b.profile.Stage,
			b.profile.Step)
	}
}

func (b *Base) logStep(rank, step int, format string, args ...any) {
	if klog.V(4).Enabled() {
		klog.Infof("%s: rank %d step %d: %s", b.name, rank, step, fmt.Sprintf(format, args...))
	}
}

// fail adds context to err and logs it.
func (b *Base) fail(rank int, err error, format string, args ...any) error {
	err = errors.WithMessagef(err, format, args...)
	klog.Errorf("%s: rank %d: %v", b.name, rank, err)
	return err
}

// checkRun validates the common arguments of RunAsync.
func (b *Base) checkRun(rank, rankSize int, links []transport.Link) error {
	if b.params.Stream == nil {
		return collcomm.NullResourcef("%s: not prepared", b.name)
	}
	if rankSize <= 0 || rank < 0 || rank >= rankSize {
		return collcomm.ParamInvalidf("%s: rank %d of %d", b.name, rank, rankSize)
	}
	if len(links) < rankSize {
		return collcomm.Internalf("%s: %d links for %d ranks", b.name, len(links), rankSize)
	}
	if !b.params.DataType.Valid() {
		return collcomm.ParamInvalidf("%s: data type %s", b.name, b.params.DataType)
	}
	return nil
}

// link returns the link to peer or a null-resource error.
func link(links []transport.Link, peer int) (transport.Link, error) {
	if peer < 0 || peer >= len(links) || links[peer] == nil {
		return nil, collcomm.NullResourcef("no link to rank %d", peer)
	}
	return links[peer], nil
}

