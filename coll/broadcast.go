package coll

import (
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/executor"
)

// Broadcast copies count elements of the root's input to
// every rank's output.
//
// The root's server first scatters the data, one slice per
// device. Each slice is then broadcast across the servers
// of the root's pod and across pods, and every server
// finally gathers its slices back together.
func (c *Communicator) Broadcast(input, output collcomm.Mem, count uint64, dt collcomm.DataType,
	root int) error {
	if err := checkType(dt); err != nil {
		return err
	}
	if err := c.checkRoot(root); err != nil {
		return err
	}
	tag := c.op("broadcast")
	unit := dt.Size()
	size := count * unit
	work := c.buffer("work", size)
	scratch := c.buffer("scratch", size)
	if c.rank == root {
		if err := c.stream.Copy(work, input.Range(0, size)); err != nil {
			return err
		}
	}
	topo := c.Topology()
	rootPod, rootServer, rootDev := topo.Coords(root)
	pod, server, dev := topo.Coords(c.rank)
	slices, err := collcomm.PrepareSliceData(count, unit, topo.LevelSize(Level0), 0)
	if err != nil {
		return err
	}
	mine := slices[dev]
	strategy := c.cluster.config.Strategy
	options := c.cluster.options
	base := executor.Params{Input: work, Output: work, Scratch: scratch, DataType: dt}

	if pod == rootPod && server == rootServer {
		e, err := strategy.executor(executor.Broadcast, Level0, executor.Scatter, options)
		if err != nil {
			return err
		}
		p := base
		p.Slices = slices
		p.Root = rootDev
		if err := c.runLevel(tag, levelStep{name: "scatter", level: Level0, exec: e, params: p}); err != nil {
			return err
		}
	}

	// Upper levels broadcast this rank's slice in place.
	slice := executor.Params{
		Input:    work.RangeSlice(mine),
		Output:   work.RangeSlice(mine),
		Scratch:  scratch.RangeSlice(mine),
		Count:    mine.Size / unit,
		DataType: dt,
	}
	if pod == rootPod {
		e, err := strategy.executor(executor.Broadcast, Level1, executor.Broadcast, options)
		if err != nil {
			return err
		}
		p := slice
		p.Root = rootServer
		if err := c.runLevel(tag, levelStep{name: "broadcast", level: Level1, exec: e, params: p}); err != nil {
			return err
		}
	}
	e, err := strategy.executor(executor.Broadcast, Level2, executor.Broadcast, options)
	if err != nil {
		return err
	}
	p := slice
	p.Root = rootPod
	if err := c.runLevel(tag, levelStep{name: "broadcast", level: Level2, exec: e, params: p}); err != nil {
		return err
	}

	e, err = strategy.executor(executor.Broadcast, Level0, executor.AllGather, options)
	if err != nil {
		return err
	}
	p = base
	p.Slices = slices
	if err := c.runLevel(tag, levelStep{name: "allgather", level: Level0, exec: e, params: p}); err != nil {
		return err
	}
	return c.deliver(output, work)
}

// Reduce reduces count elements of every rank's input into
// the root's output. Other ranks' outputs are left alone.
//
// Each server reduce-scatters its data, the slices are
// reduced towards the root's server across servers and
// pods, and the root's server gathers them at the root.
func (c *Communicator) Reduce(input, output collcomm.Mem, count uint64, dt collcomm.DataType,
	op collcomm.ReduceOp, root int) error {
	if err := checkType(dt); err != nil {
		return err
	}
	if err := c.checkRoot(root); err != nil {
		return err
	}
	tag := c.op("reduce")
	unit := dt.Size()
	size := count * unit
	work, err := c.stage("work", input, size)
	if err != nil {
		return err
	}
	scratch := c.buffer("scratch", size)
	topo := c.Topology()
	rootPod, rootServer, rootDev := topo.Coords(root)
	pod, server, dev := topo.Coords(c.rank)
	slices, err := collcomm.PrepareSliceData(count, unit, topo.LevelSize(Level0), 0)
	if err != nil {
		return err
	}
	mine := slices[dev]
	strategy := c.cluster.config.Strategy
	options := c.cluster.options
	base := executor.Params{Input: work, Output: work, Scratch: scratch, DataType: dt, Op: op}

	e, err := strategy.executor(executor.Reduce, Level0, executor.ReduceScatter, options)
	if err != nil {
		return err
	}
	p := base
	p.Slices = slices
	if err := c.runLevel(tag, levelStep{name: "reduce-scatter", level: Level0, exec: e, params: p}); err != nil {
		return err
	}

	slice := executor.Params{
		Input:    work.RangeSlice(mine),
		Output:   work.RangeSlice(mine),
		Scratch:  scratch.RangeSlice(mine),
		Count:    mine.Size / unit,
		DataType: dt,
		Op:       op,
	}
	e, err = strategy.executor(executor.Reduce, Level1, executor.Reduce, options)
	if err != nil {
		return err
	}
	p = slice
	p.Root = rootServer
	if err := c.runLevel(tag, levelStep{name: "reduce", level: Level1, exec: e, params: p}); err != nil {
		return err
	}
	if server == rootServer {
		e, err := strategy.executor(executor.Reduce, Level2, executor.Reduce, options)
		if err != nil {
			return err
		}
		p := slice
		p.Root = rootPod
		if err := c.runLevel(tag, levelStep{name: "reduce", level: Level2, exec: e, params: p}); err != nil {
			return err
		}
	}

	if pod != rootPod || server != rootServer {
		return nil
	}
	e, err = strategy.executor(executor.Reduce, Level0, executor.Gather, options)
	if err != nil {
		return err
	}
	p = base
	p.Slices = slices
	p.Root = rootDev
	if err := c.runLevel(tag, levelStep{name: "gather", level: Level0, exec: e, params: p}); err != nil {
		return err
	}
	if c.rank != root {
		return nil
	}
	return c.deliver(output, work)
}
