package coll

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/executor"
)

// alltoallScratch is the staging area of buffered-copy
// all-to-all. Every rank uses the same size, since both
// sides of a pair cut blocks into chunks of half of it.
const alltoallScratch = 1 << 16

// AllToAll sends count elements to every rank: block j of
// input goes to rank j, and the block from rank j lands at
// block j of output.
func (c *Communicator) AllToAll(input, output collcomm.Mem, count uint64, dt collcomm.DataType) error {
	a := executor.UniformAllToAll(c.Size(), count)
	return c.AllToAllV(input, output, dt, a.SendCounts, a.SendDispls, a.RecvCounts, a.RecvDispls)
}

// AllToAllV is AllToAll with per-rank counts and
// displacements, in elements.
//
// The staged algorithm needs every rank's send counts, so
// it first gathers them from all ranks and checks them
// against the receive counts.
func (c *Communicator) AllToAllV(input, output collcomm.Mem, dt collcomm.DataType, sendCounts,
	sendDispls, recvCounts, recvDispls []uint64) error {
	if err := checkType(dt); err != nil {
		return err
	}
	n := c.Size()
	a := executor.AllToAllParams{
		SendCounts: sendCounts,
		SendDispls: sendDispls,
		RecvCounts: recvCounts,
		RecvDispls: recvDispls,
	}
	for _, l := range [][]uint64{sendCounts, sendDispls, recvCounts, recvDispls} {
		if len(l) != n {
			return collcomm.ParamInvalidf("all-to-all table of %d entries for %d ranks", len(l), n)
		}
	}
	tag := c.op("alltoall")
	kind := c.cluster.config.Strategy.Kind(executor.AllToAll, Level0)
	if kind == executor.KindStagedA2A {
		matrix, err := c.countMatrix(tag, sendCounts, recvCounts)
		if err != nil {
			return err
		}
		a.Matrix = matrix
	}

	unit := dt.Size()
	in, err := c.stage("work", input, extent(sendCounts, sendDispls)*unit)
	if err != nil {
		return err
	}
	out := c.buffer("out", extent(recvCounts, recvDispls)*unit)
	scratchSize := uint64(alltoallScratch)
	if a.Matrix != nil {
		var total uint64
		for _, row := range a.Matrix {
			for _, count := range row {
				total += count
			}
		}
		scratchSize = max(scratchSize, total*unit)
	}
	e, err := executor.New(kind, executor.AllToAll, c.cluster.options)
	if err != nil {
		return err
	}
	st := levelStep{
		name: "alltoall",
		exec: e,
		params: executor.Params{
			Input:    in,
			Output:   out,
			Scratch:  c.buffer("scratch", scratchSize),
			DataType: dt,
			AllToAll: a,
		},
	}
	if err := c.runGroup(tag, c.world(), st); err != nil {
		return err
	}
	return c.deliver(output, out)
}

// countMatrix gathers the send and receive counts of every
// rank. Every rank checks the whole table, so a mismatch
// fails the call on all ranks alike.
func (c *Communicator) countMatrix(tag string, sendCounts, recvCounts []uint64) ([][]uint64, error) {
	n := c.Size()
	values := append(append(make([]uint64, 0, 2*n), sendCounts[:n]...), recvCounts[:n]...)
	in := collcomm.NewBufferFrom("counts", collcomm.EncodeUint64(values)).Mem()
	out := c.buffer("counts", uint64(2*n*n)*collcomm.Uint64.Size())
	st := levelStep{
		name: "counts",
		exec: executor.NewAllGatherRing(),
		params: executor.Params{
			Input:    in,
			Output:   out,
			Count:    uint64(2 * n),
			DataType: collcomm.Uint64,
		},
	}
	if err := c.runGroup(tag+"/counts", c.world(), st); err != nil {
		return nil, errors.WithMessage(err, "exchange all-to-all counts")
	}
	return countTable(n, collcomm.DecodeUint64(out.Bytes()))
}

// countTable splits the gathered counts into the send
// matrix and checks every rank's receive counts against
// it. Row i holds the 2n counts of rank i, sends first.
func countTable(n int, all []uint64) ([][]uint64, error) {
	if len(all) != 2*n*n {
		return nil, collcomm.Internalf("%d counts for %d ranks", len(all), n)
	}
	matrix := make([][]uint64, n)
	for i := range matrix {
		matrix[i] = all[2*n*i : 2*n*i+n]
	}
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			if recv := all[2*n*j+n+i]; recv != matrix[i][j] {
				return nil, collcomm.ParamInvalidf("rank %d expects %d elements from rank %d, which sends %d",
					j, recv, i, matrix[i][j])
			}
		}
	}
	return matrix, nil
}

// extent is the number of elements a block table spans.
func extent(counts, displs []uint64) uint64 {
	var res uint64
	for i, count := range counts {
		res = max(res, displs[i]+count)
	}
	return res
}
