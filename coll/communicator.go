package coll

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/executor"
	"github.com/unixpickle/collexec/simulator"
	"github.com/unixpickle/collexec/transport"
	"golang.org/x/exp/slices"
	"k8s.io/klog/v2"
)

// A Communicator is one rank's handle on a Cluster.
//
// Every rank must call the collectives in the same order,
// with matching arguments. Each call stages the caller's
// input in work buffers owned by the Communicator and only
// writes the caller's output once every level succeeded.
type Communicator struct {
	cluster *Cluster
	rank    int
	stream  *transport.Stream

	ops     int
	sendSeq map[int]int
	recvSeq map[int]int
	work    map[string]*collcomm.Buffer
}

func newCommunicator(c *Cluster, h *simulator.Handle, rank int) *Communicator {
	return &Communicator{
		cluster: c,
		rank:    rank,
		stream:  transport.NewStream(h, rank),
		sendSeq: map[int]int{},
		recvSeq: map[int]int{},
		work:    map[string]*collcomm.Buffer{},
	}
}

// Rank is this rank's index in the cluster.
func (c *Communicator) Rank() int {
	return c.rank
}

// Size is the number of ranks in the cluster.
func (c *Communicator) Size() int {
	return c.cluster.Size()
}

// Topology is the cluster's topology.
func (c *Communicator) Topology() Topology {
	return c.cluster.config.Topology
}

// Stream is the rank's main stream.
func (c *Communicator) Stream() *transport.Stream {
	return c.stream
}

// Buffer allocates a buffer owned by this rank, filled with
// the given values.
func (c *Communicator) Buffer(dt collcomm.DataType, values []float64) collcomm.Mem {
	return collcomm.NewBufferFrom(fmt.Sprintf("rank%d/user", c.rank), collcomm.Encode(dt, values)).Mem()
}

// op starts a collective call and returns the tag of its
// sessions.
func (c *Communicator) op(name string) string {
	c.ops++
	tag := fmt.Sprintf("%s/%d/%s", c.cluster.id, c.ops, name)
	klog.V(2).Infof("rank %d: start %s", c.rank, tag)
	return tag
}

// buffer returns a work buffer of exactly size bytes. The
// allocation behind it is reused across calls.
func (c *Communicator) buffer(name string, size uint64) collcomm.Mem {
	b, ok := c.work[name]
	if !ok || b.Size() < size {
		b = collcomm.NewBuffer(fmt.Sprintf("rank%d/%s", c.rank, name), size)
		c.work[name] = b
	}
	return b.Mem().Range(0, size)
}

// stage copies size bytes of the caller's buffer into the
// work buffer with the given name.
func (c *Communicator) stage(name string, src collcomm.Mem, size uint64) (collcomm.Mem, error) {
	work := c.buffer(name, size)
	if err := c.stream.Copy(work, src.Range(0, size)); err != nil {
		return collcomm.Mem{}, errors.WithMessagef(err, "stage %s", name)
	}
	return work, nil
}

// deliver copies a finished result to the caller.
func (c *Communicator) deliver(dst, work collcomm.Mem) error {
	if err := c.stream.Copy(dst.Range(0, work.Size()), work); err != nil {
		return errors.WithMessage(err, "deliver result")
	}
	return nil
}

// levelStep is one executor run over the groups of a level.
type levelStep struct {
	name   string
	level  Level
	exec   executor.Executor
	params executor.Params
}

// levelExecutor creates the executor that runs step at
// level l of col, with the concurrent-direct ring variants
// at Level0 when the config asks for them.
func (c *Communicator) levelExecutor(col executor.Collective, l Level,
	step executor.Collective) (executor.Executor, error) {
	o := c.cluster.options
	o.ConcurrentDirect = l == Level0 && c.cluster.config.direct(col)
	return c.cluster.config.Strategy.executor(col, l, step, o)
}

// runLevel runs a step over rank's group at the step's
// level.
func (c *Communicator) runLevel(tag string, st levelStep) error {
	group := c.Topology().Group(c.rank, st.level)
	return c.runGroup(fmt.Sprintf("%s/%s/%s", tag, st.name, st.level), group, st)
}

// runGroup runs a step over an explicit list of ranks.
// Every rank of the group must run the same step with the
// same session tag.
func (c *Communicator) runGroup(tag string, group []int, st levelStep) error {
	local := slices.Index(group, c.rank)
	if local < 0 {
		return collcomm.Internalf("rank %d is not in group %v", c.rank, group)
	}
	p := st.params
	if p.Stream == nil {
		p.Stream = c.stream
	}
	p.ReduceAttr = c.cluster.attr
	p.Barrier = c.cluster.config.Ring.Barrier
	if pr, ok := st.exec.(interface{ RegisterProfiler(planeID, stage, step int) }); ok {
		pr.RegisterProfiler(int(st.level), c.ops, local)
	}
	if err := st.exec.Prepare(p); err != nil {
		return err
	}

	session := fmt.Sprintf("%s/%d", tag, group[0])
	windows := transport.Windows{}
	if b := p.Input.Buffer(); b != nil {
		windows[transport.MemInput] = b
	}
	if b := p.Output.Buffer(); b != nil {
		windows[transport.MemOutput] = b
	}
	links, err := c.cluster.fabric.Connect(session, c.rank, group, windows)
	if err != nil {
		return err
	}
	defer c.cluster.fabric.Release(session, c.rank)

	groupLinks := make([]transport.Link, len(group))
	for i, r := range group {
		groupLinks[i] = links[r]
	}
	if err := st.exec.RunAsync(local, len(group), groupLinks); err != nil {
		return errors.WithMessagef(err, "%s at %s over %d ranks", st.name, st.level, len(group))
	}
	return nil
}

// world lists every rank of the cluster.
func (c *Communicator) world() []int {
	res := make([]int, c.Size())
	for i := range res {
		res[i] = i
	}
	return res
}

func (c *Communicator) checkRoot(root int) error {
	if root < 0 || root >= c.Size() {
		return collcomm.ParamInvalidf("root %d of %d ranks", root, c.Size())
	}
	return nil
}

func checkType(dt collcomm.DataType) error {
	if !dt.Valid() {
		return collcomm.ParamInvalidf("data type %s", dt)
	}
	return nil
}
