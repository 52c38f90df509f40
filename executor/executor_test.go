package executor

import (
	"fmt"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/simulator"
	"github.com/unixpickle/collexec/transport"
)

// testBuffers are the buffers of one rank in a test run.
type testBuffers struct {
	Input, Output, Scratch, User *collcomm.Buffer
}

func (b testBuffers) params(p Params) Params {
	p.Input = b.Input.Mem()
	p.Output = b.Output.Mem()
	if b.Scratch != nil {
		p.Scratch = b.Scratch.Mem()
	}
	if b.User != nil {
		p.User = b.User.Mem()
	}
	return p
}

type testRun struct {
	ranks   int
	caps    transport.Capabilities
	network simulator.Network
}

// run executes one executor per rank on a fresh fabric and
// returns the error of every rank.
func (tr testRun) run(t *testing.T, newExec func() Executor, bufs []testBuffers,
	params func(rank int) Params) []error {
	return tr.runEach(t, func(int) Executor { return newExec() }, bufs, params)
}

// runEach is like run, but builds each rank's executor from
// the rank index.
func (tr testRun) runEach(t *testing.T, newExec func(rank int) Executor, bufs []testBuffers,
	params func(rank int) Params) []error {
	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(tr.ranks)
	network := tr.network
	if network == nil {
		network = simulator.RandomNetwork{}
	}
	fabric := transport.NewFabric(loop, network, nodes, transport.UniformPolicy(tr.caps))
	members := make([]int, tr.ranks)
	for i := range members {
		members[i] = i
	}
	errs := make([]error, tr.ranks)
	for rank := 0; rank < tr.ranks; rank++ {
		loop.Go(fmt.Sprintf("rank%d", rank), func(h *simulator.Handle) {
			p := bufs[rank].params(params(rank))
			p.Stream = transport.NewStream(h, rank)
			e := newExec(rank)
			if errs[rank] = e.Prepare(p); errs[rank] != nil {
				return
			}
			windows := transport.Windows{
				transport.MemInput:  bufs[rank].Input,
				transport.MemOutput: bufs[rank].Output,
			}
			links, err := fabric.Connect("test", rank, members, windows)
			if err != nil {
				errs[rank] = err
				return
			}
			errs[rank] = e.RunAsync(rank, tr.ranks, links)
			fabric.Release("test", rank)
		})
	}
	require.NoError(t, loop.Run())
	require.NoError(t, fabric.AsyncError())
	return errs
}

func requireNoErrors(t *testing.T, errs []error) {
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

// testValue is the element i of rank's data. Values are
// small integers so that sums are exact in every type.
func testValue(rank, i int) float64 {
	return float64((rank*7+i*3)%23 - 11)
}

func encodeValues(dt collcomm.DataType, n int, f func(i int) float64) []byte {
	values := make([]float64, n)
	for i := range values {
		values[i] = f(i)
	}
	return collcomm.Encode(dt, values)
}

func decodeBuffer(dt collcomm.DataType, b *collcomm.Buffer) []float64 {
	return collcomm.Decode(dt, b.Mem().Bytes())
}

var testRankCounts = []int{1, 2, 3, 4, 5, 7, 8}

type executorCase struct {
	name  string
	build func() Executor
}

func testAllGather(t *testing.T, rankCounts []int, cases []executorCase) {
	const count = 37
	dt := collcomm.Int32
	for _, c := range cases {
		for _, n := range rankCounts {
			t.Run(fmt.Sprintf("%s/Ranks=%d", c.name, n), func(t *testing.T) {
				bufs := make([]testBuffers, n)
				for r := range bufs {
					bufs[r] = testBuffers{
						Input: collcomm.NewBufferFrom("in", encodeValues(dt, count, func(i int) float64 {
							return testValue(r, i)
						})),
						Output: collcomm.NewBuffer("out", uint64(n*count)*dt.Size()),
					}
				}
				errs := testRun{ranks: n}.run(t, c.build, bufs, func(int) Params {
					return Params{Count: count, DataType: dt}
				})
				requireNoErrors(t, errs)
				for r := range bufs {
					actual := decodeBuffer(dt, bufs[r].Output)
					for src := 0; src < n; src++ {
						for i := 0; i < count; i++ {
							require.Equal(t, testValue(src, i), actual[src*count+i],
								"rank %d: element %d of rank %d", r, i, src)
						}
					}
				}
			})
		}
	}
}

func testReduceScatter(t *testing.T, cases []executorCase) {
	const count = 29
	for _, dt := range []collcomm.DataType{collcomm.Int32, collcomm.Float32} {
		for _, c := range cases {
			for _, n := range testRankCounts {
				t.Run(fmt.Sprintf("%s/%s/Ranks=%d", c.name, dt, n), func(t *testing.T) {
					total := n * count
					bufs := make([]testBuffers, n)
					for r := range bufs {
						bufs[r] = testBuffers{
							Input: collcomm.NewBufferFrom("in", encodeValues(dt, total, func(i int) float64 {
								return testValue(r, i)
							})),
							Output:  collcomm.NewBuffer("out", count*dt.Size()),
							Scratch: collcomm.NewBuffer("scratch", uint64(total)*dt.Size()),
						}
					}
					errs := testRun{ranks: n}.run(t, c.build, bufs, func(int) Params {
						return Params{Count: count, DataType: dt, Op: collcomm.OpSum}
					})
					requireNoErrors(t, errs)
					for r := range bufs {
						actual := decodeBuffer(dt, bufs[r].Output)
						for i := 0; i < count; i++ {
							var expected float64
							for src := 0; src < n; src++ {
								expected += testValue(src, r*count+i)
							}
							require.Equal(t, expected, actual[i], "rank %d element %d", r, i)
						}
					}
				})
			}
		}
	}
}

// allReduceCase runs an allreduce of count elements and
// checks every rank's output.
func allReduceCase(t *testing.T, tr testRun, newExec func() Executor, count int,
	attr ReduceAttr) {
	dt := collcomm.Int32
	bufs := make([]testBuffers, tr.ranks)
	for r := range bufs {
		bufs[r] = testBuffers{
			Input: collcomm.NewBufferFrom("in", encodeValues(dt, count, func(i int) float64 {
				return testValue(r, i)
			})),
			Output:  collcomm.NewBuffer("out", uint64(count)*dt.Size()),
			Scratch: collcomm.NewBuffer("scratch", uint64(count)*dt.Size()),
		}
	}
	errs := tr.run(t, newExec, bufs, func(int) Params {
		return Params{Count: uint64(count), DataType: dt, Op: collcomm.OpSum, ReduceAttr: attr}
	})
	requireNoErrors(t, errs)
	for r := range bufs {
		actual := decodeBuffer(dt, bufs[r].Output)
		for i := 0; i < count; i++ {
			var expected float64
			for src := 0; src < tr.ranks; src++ {
				expected += testValue(src, i)
			}
			require.Equal(t, expected, actual[i], "rank %d element %d", r, i)
		}
	}
}

func testAllReduce(t *testing.T, cases []executorCase) {
	for _, c := range cases {
		for _, n := range testRankCounts {
			for _, count := range []int{0, 1, 300} {
				t.Run(fmt.Sprintf("%s/Ranks=%d/Count=%d", c.name, n, count), func(t *testing.T) {
					allReduceCase(t, testRun{ranks: n}, c.build, count, 0)
				})
			}
		}
	}
}

func testBroadcast(t *testing.T, cases []executorCase) {
	const count = 250
	dt := collcomm.Float64
	for _, c := range cases {
		for _, n := range testRankCounts {
			for root := 0; root < n; root++ {
				t.Run(fmt.Sprintf("%s/Ranks=%d/Root=%d", c.name, n, root), func(t *testing.T) {
					bufs := make([]testBuffers, n)
					for r := range bufs {
						bufs[r] = testBuffers{
							Input: collcomm.NewBufferFrom("in", encodeValues(dt, count, func(i int) float64 {
								return testValue(r, i)
							})),
							Output: collcomm.NewBuffer("out", count*dt.Size()),
						}
					}
					errs := testRun{ranks: n}.run(t, c.build, bufs, func(int) Params {
						return Params{Count: count, DataType: dt, Root: root}
					})
					requireNoErrors(t, errs)
					expected := decodeBuffer(dt, bufs[root].Input)
					for r := range bufs {
						require.Equal(t, expected, decodeBuffer(dt, bufs[r].Output), "rank %d", r)
					}
				})
			}
		}
	}
}

func testReduce(t *testing.T, cases []executorCase) {
	const count = 77
	dt := collcomm.Int64
	for _, c := range cases {
		for _, n := range testRankCounts {
			for root := 0; root < n; root++ {
				t.Run(fmt.Sprintf("%s/Ranks=%d/Root=%d", c.name, n, root), func(t *testing.T) {
					bufs := make([]testBuffers, n)
					for r := range bufs {
						bufs[r] = testBuffers{
							Input: collcomm.NewBufferFrom("in", encodeValues(dt, count, func(i int) float64 {
								return testValue(r, i)
							})),
							Output:  collcomm.NewBuffer("out", count*dt.Size()),
							Scratch: collcomm.NewBuffer("scratch", count*dt.Size()),
						}
					}
					errs := testRun{ranks: n}.run(t, c.build, bufs, func(int) Params {
						return Params{Count: count, DataType: dt, Op: collcomm.OpSum, Root: root}
					})
					requireNoErrors(t, errs)
					actual := decodeBuffer(dt, bufs[root].Output)
					for i := 0; i < count; i++ {
						var expected float64
						for src := 0; src < n; src++ {
							expected += testValue(src, i)
						}
						require.Equal(t, expected, actual[i], "element %d", i)
					}
				})
			}
		}
	}
}

func testGatherScatter(t *testing.T, gather, scatter []executorCase) {
	const count = 19
	dt := collcomm.Uint16
	for _, c := range gather {
		for _, n := range testRankCounts {
			for root := 0; root < n; root++ {
				t.Run(fmt.Sprintf("%s/Ranks=%d/Root=%d", c.name, n, root), func(t *testing.T) {
					bufs := make([]testBuffers, n)
					for r := range bufs {
						bufs[r] = testBuffers{
							Input: collcomm.NewBufferFrom("in", encodeValues(dt, count, func(i int) float64 {
								return float64(r*count + i)
							})),
							Output:  collcomm.NewBuffer("out", uint64(n*count)*dt.Size()),
							Scratch: collcomm.NewBuffer("scratch", uint64(n*count)*dt.Size()),
						}
					}
					errs := testRun{ranks: n}.run(t, c.build, bufs, func(int) Params {
						return Params{Count: count, DataType: dt, Root: root}
					})
					requireNoErrors(t, errs)
					actual := decodeBuffer(dt, bufs[root].Output)
					for i, x := range actual {
						require.Equal(t, float64(i), x, "element %d", i)
					}
				})
			}
		}
	}
	for _, c := range scatter {
		for _, n := range testRankCounts {
			for root := 0; root < n; root++ {
				t.Run(fmt.Sprintf("%s/Ranks=%d/Root=%d", c.name, n, root), func(t *testing.T) {
					bufs := make([]testBuffers, n)
					for r := range bufs {
						bufs[r] = testBuffers{
							Input: collcomm.NewBufferFrom("in", encodeValues(dt, n*count, func(i int) float64 {
								return float64(i)
							})),
							Output:  collcomm.NewBuffer("out", count*dt.Size()),
							Scratch: collcomm.NewBuffer("scratch", uint64(n*count)*dt.Size()),
						}
					}
					errs := testRun{ranks: n}.run(t, c.build, bufs, func(int) Params {
						return Params{Count: count, DataType: dt, Root: root}
					})
					requireNoErrors(t, errs)
					for r := range bufs {
						for i, x := range decodeBuffer(dt, bufs[r].Output) {
							require.Equal(t, float64(r*count+i), x, "rank %d element %d", r, i)
						}
					}
				})
			}
		}
	}
}

func TestAllGather(t *testing.T) {
	testAllGather(t, testRankCounts, []executorCase{
		{"Ring", func() Executor { return NewAllGatherRing() }},
		{"Mesh", func() Executor { return NewAllGatherMesh() }},
		{"BinaryBlock", func() Executor { return NewAllGatherBinaryBlock() }},
		{"RecursiveHD", func() Executor { return NewAllGatherRecursiveHD() }},
	})
}

func TestReduceScatter(t *testing.T) {
	testReduceScatter(t, []executorCase{
		{"Ring", func() Executor { return NewReduceScatterRing() }},
		{"Mesh", func() Executor { return NewReduceScatterMesh() }},
		{"BinaryBlock", func() Executor { return NewReduceScatterBinaryBlock() }},
		{"RecursiveHD", func() Executor { return NewReduceScatterRecursiveHD() }},
	})
}

func TestAllReduce(t *testing.T) {
	testAllReduce(t, []executorCase{
		{"Ring", func() Executor { return NewAllReduceRing() }},
		{"Mesh", func() Executor { return NewAllReduceMesh() }},
		{"BinaryBlock", func() Executor { return NewAllReduceBinaryBlock() }},
		{"RecursiveHD", func() Executor { return NewAllReduceRecursiveHD() }},
	})
}

func TestBroadcast(t *testing.T) {
	testBroadcast(t, []executorCase{
		{"Ring", func() Executor { return NewBroadcastRing() }},
		{"Mesh", func() Executor { return NewBroadcastMesh() }},
		{"BinaryBlock", func() Executor { return NewBroadcastBinaryBlock() }},
		{"RecursiveHD", func() Executor { return NewBroadcastRecursiveHD() }},
	})
}

func TestReduce(t *testing.T) {
	testReduce(t, []executorCase{
		{"Ring", func() Executor { return NewReduceRing() }},
		{"Mesh", func() Executor { return NewReduceMesh() }},
		{"RecursiveHD", func() Executor { return NewReduceRecursiveHD() }},
	})
}

func TestGatherScatter(t *testing.T) {
	testGatherScatter(t,
		[]executorCase{
			{"GatherRing", func() Executor { return NewGatherRing() }},
			{"GatherMesh", func() Executor { return NewGatherMesh() }},
		},
		[]executorCase{
			{"ScatterRing", func() Executor { return NewScatterRing() }},
			{"ScatterMesh", func() Executor { return NewScatterMesh() }},
		})
}

func TestHalvingDoubling(t *testing.T) {
	ag := func() Executor { return NewAllGatherHalvingDoubling() }
	rs := func() Executor { return NewReduceScatterHalvingDoubling() }
	testAllGather(t, []int{1, 2, 4, 8}, []executorCase{{"AllGather", ag}})

	bufs := make([]testBuffers, 3)
	for r := range bufs {
		bufs[r] = testBuffers{Input: collcomm.NewBuffer("in", 12), Output: collcomm.NewBuffer("out", 12)}
	}
	errs := testRun{ranks: 3}.run(t, rs, bufs, func(int) Params {
		return Params{Count: 1, DataType: collcomm.Float32}
	})
	for _, err := range errs {
		require.ErrorIs(t, err, collcomm.ErrParamInvalid)
	}
}

// TestAllGatherRingRankIDs gathers the rank ids of four
// ranks with a ring.
func TestAllGatherRingRankIDs(t *testing.T) {
	testRankIDs(t, 4, KindRing)
}

// TestAllGatherBinaryBlockRankIDs gathers the rank ids of
// three ranks, which form blocks of two and one.
func TestAllGatherBinaryBlockRankIDs(t *testing.T) {
	testRankIDs(t, 3, KindBinaryBlockHD)
}

func testRankIDs(t *testing.T, n int, kind Kind) {
	dt := collcomm.Int32
	bufs := make([]testBuffers, n)
	for r := range bufs {
		bufs[r] = testBuffers{
			Input:  collcomm.NewBufferFrom("in", collcomm.Encode(dt, []float64{float64(r)})),
			Output: collcomm.NewBuffer("out", uint64(n)*dt.Size()),
		}
	}
	newExec := func() Executor {
		return must.M1(New(kind, AllGather, Options{}))
	}
	errs := testRun{ranks: n}.run(t, newExec, bufs, func(int) Params {
		return Params{Count: 1, DataType: dt}
	})
	requireNoErrors(t, errs)
	expected := make([]float64, n)
	for i := range expected {
		expected[i] = float64(i)
	}
	for r := range bufs {
		assert.Equal(t, expected, decodeBuffer(dt, bufs[r].Output), "rank %d", r)
	}
}

func TestReduceStrategies(t *testing.T) {
	strategies := []struct {
		name string
		caps transport.Capabilities
		attr ReduceAttr
	}{
		{"Fallback", transport.Capabilities{}, 0},
		{"FallbackAck", transport.Capabilities{DataReceivedAck: true}, 0},
		{"Inline", transport.Capabilities{InlineReduce: true, DataReceivedAck: true}, AttrInlineReduce},
		{"StandardRoCE", transport.Capabilities{Type: transport.LinkStandardRoCE,
			TransportWithReduce: true}, 0},
		{"RDMA", transport.Capabilities{Type: transport.LinkRoCE, TransportWithReduce: true,
			DataReceivedAck: true}, AttrRDMAReduce},
	}
	cases := []executorCase{
		{"Ring", func() Executor { return NewAllReduceRing() }},
		{"Mesh", func() Executor { return NewAllReduceMesh() }},
		{"BinaryBlock", func() Executor { return NewAllReduceBinaryBlock() }},
		{"RecursiveHD", func() Executor { return NewAllReduceRecursiveHD() }},
	}
	for _, st := range strategies {
		for _, c := range cases {
			for _, n := range []int{2, 5, 8} {
				t.Run(fmt.Sprintf("%s/%s/Ranks=%d", st.name, c.name, n), func(t *testing.T) {
					tr := testRun{ranks: n, caps: st.caps, network: simulator.RandomNetwork{MaxLatency: 5}}
					allReduceCase(t, tr, c.build, 513, st.attr)
				})
			}
		}
	}
}

func TestPickStrategy(t *testing.T) {
	loop := simulator.NewEventLoop()
	fabric := transport.NewFabric(loop, simulator.RandomNetwork{}, simulator.NewNodes(2),
		func(a, b int) transport.Capabilities {
			return transport.Capabilities{Type: transport.LinkStandardRoCE, TransportWithReduce: true,
				InlineReduce: true}
		})
	links := must.M1(fabric.Connect("x", 0, []int{0, 1}, nil))
	assert.Equal(t, strategyRDMA, pickStrategy(links[1], AttrRDMAReduce|AttrInlineReduce))
	assert.Equal(t, strategyStandardRoCE, pickStrategy(links[1], AttrInlineReduce))

	fabric = transport.NewFabric(loop, simulator.RandomNetwork{}, simulator.NewNodes(2),
		transport.UniformPolicy(transport.Capabilities{InlineReduce: true}))
	links = must.M1(fabric.Connect("x", 0, []int{0, 1}, nil))
	assert.Equal(t, strategyInline, pickStrategy(links[1], AttrInlineReduce))
	assert.Equal(t, strategyFallback, pickStrategy(links[1], AttrRDMAReduce))
}

func TestRankSizeOne(t *testing.T) {
	dt := collcomm.Float32
	input := collcomm.NewBufferFrom("in", collcomm.Encode(dt, []float64{1, 2, 3}))
	output := collcomm.NewBuffer("out", 12)
	errs := testRun{ranks: 1}.run(t, func() Executor { return NewAllReduceRing() },
		[]testBuffers{{Input: input, Output: output, Scratch: collcomm.NewBuffer("s", 12)}},
		func(int) Params { return Params{Count: 3, DataType: dt, Op: collcomm.OpSum} })
	requireNoErrors(t, errs)
	assert.Equal(t, []float64{1, 2, 3}, decodeBuffer(dt, output))

	// Aliased buffers are left alone.
	errs = testRun{ranks: 1}.run(t, func() Executor { return NewAllGatherRing() },
		[]testBuffers{{Input: input, Output: input}},
		func(int) Params { return Params{Count: 3, DataType: dt} })
	requireNoErrors(t, errs)
	assert.Equal(t, []float64{1, 2, 3}, decodeBuffer(dt, input))
}

func TestChunkedRing(t *testing.T) {
	const n = 5
	dt := collcomm.Int32
	nics := []int{0, 3}
	slices := must.M1(collcomm.PrepareSliceData(100, dt.Size(), len(nics), 0))
	size := 100 * dt.Size()

	t.Run("AllGather", func(t *testing.T) {
		bufs := make([]testBuffers, n)
		for r := range bufs {
			bufs[r] = testBuffers{
				Input: collcomm.NewBufferFrom("in", encodeValues(dt, 100, func(i int) float64 {
					return testValue(r, i)
				})),
				Output: collcomm.NewBuffer("out", size),
			}
		}
		errs := testRun{ranks: n}.run(t, func() Executor { return NewAllGatherRing() }, bufs,
			func(int) Params { return Params{DataType: dt, Slices: slices, NICs: nics} })
		requireNoErrors(t, errs)
		for r := range bufs {
			actual := decodeBuffer(dt, bufs[r].Output)
			for k, s := range slices {
				for i := s.Offset / dt.Size(); i < s.End()/dt.Size(); i++ {
					require.Equal(t, testValue(nics[k], int(i)), actual[i], "rank %d element %d", r, i)
				}
			}
		}
	})

	t.Run("ReduceScatter", func(t *testing.T) {
		bufs := make([]testBuffers, n)
		for r := range bufs {
			bufs[r] = testBuffers{
				Input: collcomm.NewBufferFrom("in", encodeValues(dt, 100, func(i int) float64 {
					return testValue(r, i)
				})),
				Output:  collcomm.NewBuffer("out", size),
				Scratch: collcomm.NewBuffer("scratch", size),
			}
		}
		errs := testRun{ranks: n}.run(t, func() Executor { return NewReduceScatterRing() }, bufs,
			func(int) Params {
				return Params{DataType: dt, Op: collcomm.OpSum, Slices: slices, NICs: nics}
			})
		requireNoErrors(t, errs)
		for k, s := range slices {
			actual := decodeBuffer(dt, bufs[nics[k]].Output)
			for i := s.Offset / dt.Size(); i < s.End()/dt.Size(); i++ {
				var expected float64
				for src := 0; src < n; src++ {
					expected += testValue(src, int(i))
				}
				require.Equal(t, expected, actual[i], "chunk %d element %d", k, i)
			}
		}
	})

	assert.Equal(t, [][]int{{1}, {0, 1}, {0, 1}, {0}, {1, 0}}, AllGatherSlicesPrep(n, nics))
}

func TestConcurrentDirect(t *testing.T) {
	const count = 41
	dt := collcomm.Int32
	for _, n := range []int{1, 2, 3, 6} {
		t.Run(fmt.Sprintf("AllGather/Ranks=%d", n), func(t *testing.T) {
			bufs := make([]testBuffers, n)
			for r := range bufs {
				bufs[r] = testBuffers{
					Input: collcomm.NewBufferFrom("in", encodeValues(dt, count, func(i int) float64 {
						return testValue(r, i)
					})),
					Output: collcomm.NewBuffer("out", uint64(n*count)*dt.Size()),
					User:   collcomm.NewBuffer("user", uint64(n*count)*dt.Size()),
				}
			}
			errs := testRun{ranks: n}.run(t, func() Executor { return NewAllGatherRingConcurrentDirect() },
				bufs, func(int) Params { return Params{Count: count, DataType: dt} })
			requireNoErrors(t, errs)
			for r := range bufs {
				actual := decodeBuffer(dt, bufs[r].User)
				for src := 0; src < n; src++ {
					for i := 0; i < count; i++ {
						require.Equal(t, testValue(src, i), actual[src*count+i])
					}
				}
			}
		})
		t.Run(fmt.Sprintf("ReduceScatter/Ranks=%d", n), func(t *testing.T) {
			total := n * count
			bufs := make([]testBuffers, n)
			for r := range bufs {
				bufs[r] = testBuffers{
					Input:   collcomm.NewBuffer("in", uint64(total)*dt.Size()),
					Output:  collcomm.NewBuffer("out", count*dt.Size()),
					Scratch: collcomm.NewBuffer("scratch", uint64(total)*dt.Size()),
					User: collcomm.NewBufferFrom("user", encodeValues(dt, total, func(i int) float64 {
						return testValue(r, i)
					})),
				}
			}
			errs := testRun{ranks: n}.run(t, func() Executor {
				return NewReduceScatterRingConcurrentDirect()
			}, bufs, func(int) Params { return Params{Count: count, DataType: dt, Op: collcomm.OpSum} })
			requireNoErrors(t, errs)
			for r := range bufs {
				actual := decodeBuffer(dt, bufs[r].Output)
				for i := 0; i < count; i++ {
					var expected float64
					for src := 0; src < n; src++ {
						expected += testValue(src, r*count+i)
					}
					require.Equal(t, expected, actual[i], "rank %d element %d", r, i)
				}
			}
		})
	}
}

func TestAllToAll(t *testing.T) {
	dt := collcomm.Int16
	// Rank i sends (i+j)%3 elements to rank j.
	countOf := func(i, j int) uint64 { return uint64((i + j) % 3) }
	valueOf := func(i, j, k int) float64 { return float64(i*100 + j*10 + k) }
	for _, n := range []int{1, 2, 4, 6} {
		matrix := make([][]uint64, n)
		for i := range matrix {
			matrix[i] = make([]uint64, n)
			for j := range matrix[i] {
				matrix[i][j] = countOf(i, j)
			}
		}
		tables := make([]AllToAllParams, n)
		bufs := func() []testBuffers {
			res := make([]testBuffers, n)
			for r := range res {
				a := AllToAllParams{Matrix: matrix}
				var sendTotal, recvTotal uint64
				var data []float64
				for j := 0; j < n; j++ {
					a.SendCounts = append(a.SendCounts, countOf(r, j))
					a.SendDispls = append(a.SendDispls, sendTotal)
					a.RecvCounts = append(a.RecvCounts, countOf(j, r))
					a.RecvDispls = append(a.RecvDispls, recvTotal)
					for k := 0; k < int(countOf(r, j)); k++ {
						data = append(data, valueOf(r, j, k))
					}
					sendTotal += countOf(r, j)
					recvTotal += countOf(j, r)
				}
				tables[r] = a
				res[r] = testBuffers{
					Input:   collcomm.NewBufferFrom("in", collcomm.Encode(dt, data)),
					Output:  collcomm.NewBuffer("out", recvTotal*dt.Size()),
					Scratch: collcomm.NewBuffer("scratch", 8),
				}
			}
			return res
		}
		check := func(t *testing.T, bufs []testBuffers) []byte {
			var all []byte
			for r := range bufs {
				actual := decodeBuffer(dt, bufs[r].Output)
				for j := 0; j < n; j++ {
					for k := 0; k < int(countOf(j, r)); k++ {
						require.Equal(t, valueOf(j, r, k), actual[int(tables[r].RecvDispls[j])+k])
					}
				}
				all = append(all, bufs[r].Output.Mem().Bytes()...)
			}
			return all
		}

		var results [][]byte
		for _, mode := range []AllToAllMode{ModeBCopy, ModeZCopy} {
			t.Run(fmt.Sprintf("Pairwise/%s/Ranks=%d", mode, n), func(t *testing.T) {
				b := bufs()
				errs := testRun{ranks: n}.run(t, func() Executor { return NewAllToAllPairwise(mode) }, b,
					func(rank int) Params { return Params{DataType: dt, AllToAll: tables[rank]} })
				requireNoErrors(t, errs)
				results = append(results, check(t, b))
			})
		}
		require.Len(t, results, 2)
		require.Equal(t, results[0], results[1])

		if n%2 == 0 {
			t.Run(fmt.Sprintf("Staged/Ranks=%d", n), func(t *testing.T) {
				b := bufs()
				for r := range b {
					b[r].Scratch = collcomm.NewBuffer("scratch", 1024)
				}
				errs := testRun{ranks: n}.run(t, func() Executor { return NewAllToAllStaged(2) }, b,
					func(rank int) Params { return Params{DataType: dt, AllToAll: tables[rank]} })
				requireNoErrors(t, errs)
				check(t, b)
			})
		}
	}
}

func TestSendReceive(t *testing.T) {
	dt := collcomm.Float32
	for sender := 0; sender < 2; sender++ {
		t.Run(fmt.Sprintf("Sender=%d", sender), func(t *testing.T) {
			receiver := 1 - sender
			bufs := make([]testBuffers, 2)
			bufs[sender] = testBuffers{
				Input:  collcomm.NewBufferFrom("in", collcomm.Encode(dt, []float64{1, 2})),
				Output: collcomm.NewBuffer("out", 8),
			}
			bufs[receiver] = testBuffers{Input: collcomm.NewBuffer("in", 8), Output: collcomm.NewBuffer("out", 8)}
			execs := make([]Executor, 2)
			execs[sender] = NewSendReceive(receiver, DirectionSend)
			execs[receiver] = NewSendReceive(sender, DirectionRecv)
			errs := testRun{ranks: 2}.runEach(t, func(rank int) Executor { return execs[rank] }, bufs,
				func(int) Params { return Params{Count: 2, DataType: dt} })
			requireNoErrors(t, errs)
			assert.Equal(t, []float64{1, 2}, decodeBuffer(dt, bufs[receiver].Output))
		})
	}

	// A rank cannot address itself.
	errs := testRun{ranks: 2}.runEach(t, func(rank int) Executor {
		return NewSendReceive(rank, DirectionSend)
	}, []testBuffers{
		{Input: collcomm.NewBuffer("in", 8), Output: collcomm.NewBuffer("out", 8)},
		{Input: collcomm.NewBuffer("in", 8), Output: collcomm.NewBuffer("out", 8)},
	}, func(int) Params { return Params{Count: 2, DataType: dt} })
	for rank, err := range errs {
		require.ErrorIs(t, err, collcomm.ErrParamInvalid, "rank %d", rank)
	}
}

func TestRegistry(t *testing.T) {
	for _, c := range Collectives() {
		assert.True(t, Supported(KindRing, c) == (c != AllToAll), "ring %s", c)
		assert.True(t, Supported(KindMesh, c) == (c != AllToAll), "mesh %s", c)
	}
	assert.False(t, Supported(KindBinaryBlockHD, Gather))
	assert.True(t, Supported(KindRecursiveHD, Reduce))
	_, err := New(KindPairwiseA2A, AllReduce, Options{})
	require.ErrorIs(t, err, collcomm.ErrNotSupported)

	e := must.M1(New(KindRing, AllGather, Options{ConcurrentDirect: true}))
	assert.IsType(t, &AllGatherRingConcurrentDirect{}, e)

	var k Kind
	require.NoError(t, k.UnmarshalText([]byte("Binary-Block")))
	assert.Equal(t, KindBinaryBlockHD, k)
	require.ErrorIs(t, k.UnmarshalText([]byte("tree")), collcomm.ErrParamInvalid)
	var c Collective
	require.NoError(t, c.UnmarshalText([]byte("reduce_scatter")))
	assert.Equal(t, ReduceScatter, c)
	text := must.M1(AllToAll.MarshalText())
	assert.Equal(t, "alltoall", string(text))
}

func TestBaseErrors(t *testing.T) {
	e := NewAllGatherRing()
	require.ErrorIs(t, e.Prepare(Params{}), collcomm.ErrNullResource)
	require.ErrorIs(t, e.RunAsync(0, 1, make([]transport.Link, 1)), collcomm.ErrNullResource)

	loop := simulator.NewEventLoop()
	loop.Go("rank0", func(h *simulator.Handle) {
		s := transport.NewStream(h, 0)
		assert.NoError(t, e.Prepare(Params{Stream: s, DataType: collcomm.Float32}))
		assert.ErrorIs(t, e.RunAsync(2, 2, make([]transport.Link, 2)), collcomm.ErrParamInvalid)
		assert.ErrorIs(t, e.RunAsync(0, 3, make([]transport.Link, 2)), collcomm.ErrInternal)

		bad := NewAllGatherRing()
		assert.NoError(t, bad.Prepare(Params{Stream: s, DataType: collcomm.DataType(99)}))
		assert.ErrorIs(t, bad.RunAsync(0, 1, make([]transport.Link, 1)), collcomm.ErrParamInvalid)
	})
	require.NoError(t, loop.Run())
}
