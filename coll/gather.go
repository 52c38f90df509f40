package coll

import (
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/executor"
)

// Gather concatenates count elements from every rank, in
// rank order, into the root's output.
func (c *Communicator) Gather(input, output collcomm.Mem, count uint64, dt collcomm.DataType,
	root int) error {
	if err := checkType(dt); err != nil {
		return err
	}
	if err := c.checkRoot(root); err != nil {
		return err
	}
	tag := c.op("gather")
	block := count * dt.Size()
	size := block * uint64(c.Size())
	in, err := c.stage("work", input, block)
	if err != nil {
		return err
	}
	out := c.buffer("out", size)
	e, err := c.cluster.config.Strategy.executor(executor.Gather, Level0, executor.Gather, c.cluster.options)
	if err != nil {
		return err
	}
	st := levelStep{
		name: "gather",
		exec: e,
		params: executor.Params{
			Input:    in,
			Output:   out,
			Scratch:  c.buffer("scratch", size),
			Count:    count,
			DataType: dt,
			Root:     root,
		},
	}
	if err := c.runGroup(tag, c.world(), st); err != nil {
		return err
	}
	if c.rank != root {
		return nil
	}
	return c.deliver(output, out)
}

// Scatter hands block r of the root's input, count
// elements long, to rank r.
func (c *Communicator) Scatter(input, output collcomm.Mem, count uint64, dt collcomm.DataType,
	root int) error {
	if err := checkType(dt); err != nil {
		return err
	}
	if err := c.checkRoot(root); err != nil {
		return err
	}
	tag := c.op("scatter")
	block := count * dt.Size()
	size := block * uint64(c.Size())
	in := c.buffer("work", size)
	if c.rank == root {
		if err := c.stream.Copy(in, input.Range(0, size)); err != nil {
			return err
		}
	}
	out := c.buffer("out", block)
	e, err := c.cluster.config.Strategy.executor(executor.Scatter, Level0, executor.Scatter, c.cluster.options)
	if err != nil {
		return err
	}
	st := levelStep{
		name: "scatter",
		exec: e,
		params: executor.Params{
			Input:    in,
			Output:   out,
			Scratch:  c.buffer("scratch", size),
			Count:    count,
			DataType: dt,
			Root:     root,
		},
	}
	if err := c.runGroup(tag, c.world(), st); err != nil {
		return err
	}
	return c.deliver(output, out)
}
