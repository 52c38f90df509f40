package coll

import (
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/executor"
)

// AllReduce reduces count elements of every rank's input
// and writes the result to every rank's output.
//
// The data is reduce-scattered inside each server, then
// across the servers of a pod, allreduced across pods, and
// gathered back in reverse order. Each level works on the
// part of the buffer the level above handed it.
//
// With fewer NICs than devices per server, the Level0 ring
// reduces one chunk into each NIC device and only those
// devices take part in Level1 and Level2.
func (c *Communicator) AllReduce(input, output collcomm.Mem, count uint64, dt collcomm.DataType,
	op collcomm.ReduceOp) error {
	if err := checkType(dt); err != nil {
		return err
	}
	tag := c.op("allreduce")
	unit := dt.Size()
	size := count * unit
	cfg := c.cluster.config
	direct := cfg.direct(executor.AllReduce)
	work := c.buffer("work", size)
	if !direct {
		var err error
		if work, err = c.stage("work", input, size); err != nil {
			return err
		}
	}
	base := executor.Params{
		Input:    work,
		Output:   work,
		Scratch:  c.buffer("scratch", size),
		DataType: dt,
		Op:       op,
	}
	topo := c.Topology()
	nics := cfg.nicChunks()

	region := collcomm.Slice{Size: size}
	var tables [Level2][]collcomm.Slice
	uplink := true
	for _, l := range []Level{Level0, Level1} {
		parts := topo.LevelSize(l)
		p := base
		if l == Level0 {
			if nics > 0 {
				parts = nics
				p.NICs = nicRanks(nics)
			}
			if direct {
				p.User = input.Range(0, size)
			}
		}
		slices, err := collcomm.PrepareSliceData(region.Size/unit, unit, parts, region.Offset)
		if err != nil {
			return err
		}
		tables[l] = slices
		p.Slices = slices
		e, err := c.levelExecutor(executor.AllReduce, l, executor.ReduceScatter)
		if err != nil {
			return err
		}
		if err := c.runLevel(tag, levelStep{name: "reduce-scatter", level: l, exec: e, params: p}); err != nil {
			return err
		}
		idx := topo.LevelRank(c.rank, l)
		if idx >= len(slices) {
			// Devices without a NIC hold no chunk.
			uplink = false
			break
		}
		region = slices[idx]
	}

	if uplink {
		e, err := c.levelExecutor(executor.AllReduce, Level2, executor.AllReduce)
		if err != nil {
			return err
		}
		p := base
		p.Count = region.Size / unit
		p.BaseOffset = region.Offset
		if err := c.runLevel(tag, levelStep{name: "allreduce", level: Level2, exec: e, params: p}); err != nil {
			return err
		}
		e, err = c.levelExecutor(executor.AllReduce, Level1, executor.AllGather)
		if err != nil {
			return err
		}
		p = base
		p.Slices = tables[Level1]
		if err := c.runLevel(tag, levelStep{name: "allgather", level: Level1, exec: e, params: p}); err != nil {
			return err
		}
	}

	e, err := c.levelExecutor(executor.AllReduce, Level0, executor.AllGather)
	if err != nil {
		return err
	}
	p := base
	p.Slices = tables[Level0]
	if nics > 0 {
		p.NICs = nicRanks(nics)
	}
	if direct {
		p.User = output.Range(0, size)
	}
	if err := c.runLevel(tag, levelStep{name: "allgather", level: Level0, exec: e, params: p}); err != nil {
		return err
	}
	if direct {
		return nil
	}
	return c.deliver(output, work)
}

// nicRanks lists the Level0 ranks of the first n devices.
func nicRanks(n int) []int {
	res := make([]int, n)
	for i := range res {
		res[i] = i
	}
	return res
}

// ReduceScatter reduces count elements per rank and leaves
// block r of the reduced data on rank r. Input holds one
// block of count elements per rank.
//
// Each level reduce-scatters the blocks its members are
// responsible for, so that after the top level every rank
// holds its own block.
func (c *Communicator) ReduceScatter(input, output collcomm.Mem, count uint64, dt collcomm.DataType,
	op collcomm.ReduceOp) error {
	if err := checkType(dt); err != nil {
		return err
	}
	tag := c.op("reduce-scatter")
	block := count * dt.Size()
	size := block * uint64(c.Size())
	direct := c.cluster.config.direct(executor.ReduceScatter)
	work := c.buffer("work", size)
	if !direct {
		var err error
		if work, err = c.stage("work", input, size); err != nil {
			return err
		}
	}
	base := executor.Params{
		Input:    work,
		Output:   work,
		Scratch:  c.buffer("scratch", size),
		DataType: dt,
		Op:       op,
	}
	for _, l := range Levels() {
		e, err := c.levelExecutor(executor.ReduceScatter, l, executor.ReduceScatter)
		if err != nil {
			return err
		}
		p := base
		p.Slices = c.Topology().blockTable(c.rank, l, block)
		if l == Level0 && direct {
			p.User = input.Range(0, size)
		}
		if err := c.runLevel(tag, levelStep{name: "reduce-scatter", level: l, exec: e, params: p}); err != nil {
			return err
		}
	}
	return c.deliver(output, work.Range(uint64(c.rank)*block, block))
}

// AllGather concatenates count elements from every rank, in
// rank order, into every rank's output.
func (c *Communicator) AllGather(input, output collcomm.Mem, count uint64, dt collcomm.DataType) error {
	if err := checkType(dt); err != nil {
		return err
	}
	tag := c.op("allgather")
	block := count * dt.Size()
	size := block * uint64(c.Size())
	direct := c.cluster.config.direct(executor.AllGather)
	work := c.buffer("work", size)
	if err := c.stream.Copy(work.Range(uint64(c.rank)*block, block), input.Range(0, block)); err != nil {
		return err
	}
	base := executor.Params{
		Input:    work,
		Output:   work,
		Scratch:  c.buffer("scratch", size),
		DataType: dt,
	}
	levels := Levels()
	for i := len(levels) - 1; i >= 0; i-- {
		l := levels[i]
		e, err := c.levelExecutor(executor.AllGather, l, executor.AllGather)
		if err != nil {
			return err
		}
		p := base
		p.Slices = c.Topology().blockTable(c.rank, l, block)
		if l == Level0 && direct {
			p.User = output.Range(0, size)
		}
		if err := c.runLevel(tag, levelStep{name: "allgather", level: l, exec: e, params: p}); err != nil {
			return err
		}
	}
	if direct {
		return nil
	}
	return c.deliver(output, work)
}
