package coll

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/executor"
)

func strategyConfigs(topo Topology) map[string]Config {
	res := map[string]Config{}

	all := func(kind executor.Kind) map[Level]executor.Kind {
		return map[Level]executor.Kind{Level0: kind, Level1: kind, Level2: kind}
	}
	cfg := DefaultConfig(topo)
	cfg.Strategy = StrategyTable{}
	for _, c := range []executor.Collective{executor.AllGather, executor.ReduceScatter,
		executor.AllReduce, executor.Broadcast, executor.Reduce} {
		cfg.Strategy[c] = all(executor.KindRing)
	}
	res["Ring"] = cfg

	cfg = DefaultConfig(topo)
	cfg.Strategy = StrategyTable{executor.Reduce: all(executor.KindMesh)}
	for _, c := range []executor.Collective{executor.AllGather, executor.ReduceScatter,
		executor.AllReduce} {
		cfg.Strategy[c] = all(executor.KindBinaryBlockHD)
	}
	cfg.Strategy[executor.Broadcast] = map[Level]executor.Kind{
		Level1: executor.KindBinaryBlockHD,
		Level2: executor.KindBinaryBlockHD,
	}
	res["BinaryBlock"] = cfg

	cfg = DefaultConfig(topo)
	cfg.Links.InlineReduce = true
	cfg.ReduceAttr = []string{"inline"}
	res["Inline"] = cfg

	cfg = DefaultConfig(topo)
	cfg.Links.TransportWithReduce = true
	cfg.ReduceAttr = []string{"rdma", "inline"}
	res["RDMA"] = cfg

	cfg = DefaultConfig(topo)
	cfg.Links.TransportWithReduce = true
	cfg.Links.StandardRoCE = true
	cfg.Links.DataReceivedAck = false
	res["StandardRoCE"] = cfg

	cfg = DefaultConfig(topo)
	cfg.ConnectWorkers = 1
	res["SerialConnect"] = cfg

	cfg = DefaultConfig(topo)
	for _, c := range []executor.Collective{executor.AllGather, executor.ReduceScatter,
		executor.AllReduce} {
		cfg.Strategy[c][Level0] = executor.KindRing
	}
	cfg.Ring.ConcurrentDirect = true
	res["ConcurrentDirect"] = cfg

	cfg = DefaultConfig(topo)
	cfg.Ring.Barrier = true
	res["Barrier"] = cfg

	cfg = DefaultConfig(topo)
	cfg.Strategy[executor.AllReduce][Level0] = executor.KindRing
	cfg.Links.NICsPerServer = topo.RanksPerServer - 1
	res["NICs"] = cfg

	return res
}

func TestStrategies(t *testing.T) {
	for _, topo := range []Topology{
		FlatTopology(3),
		{RanksPerServer: 2, ServersPerPod: 3, Pods: 1},
		{RanksPerServer: 3, ServersPerPod: 2, Pods: 3},
	} {
		for name, cfg := range strategyConfigs(topo) {
			t.Run(fmt.Sprintf("Ranks=%d,%s", topo.Size(), name), func(t *testing.T) {
				const count = 211
				n := topo.Size()
				root := n - 2
				vectors := randomVectors(n, count*n)
				allReduced := make([][]float64, n)
				scattered := make([][]float64, n)
				gathered := make([][]float64, n)
				broadcast := make([][]float64, n)
				var reduced []float64
				runRanks(t, cfg, func(c *Communicator) error {
					r := c.Rank()
					in := c.Buffer(collcomm.Float64, vectors[r])
					out := c.Buffer(collcomm.Float64, make([]float64, count*n))
					if err := c.AllReduce(in, out, count*uint64(n), collcomm.Float64, collcomm.OpSum); err != nil {
						return err
					}
					allReduced[r] = decode(out)
					part := c.Buffer(collcomm.Float64, make([]float64, count))
					if err := c.ReduceScatter(in, part, count, collcomm.Float64, collcomm.OpSum); err != nil {
						return err
					}
					scattered[r] = decode(part)
					if err := c.AllGather(part, out, count, collcomm.Float64); err != nil {
						return err
					}
					gathered[r] = decode(out)
					if err := c.Broadcast(in, out, count*uint64(n), collcomm.Float64, root); err != nil {
						return err
					}
					broadcast[r] = decode(out)
					if err := c.Reduce(in, out, count*uint64(n), collcomm.Float64, collcomm.OpSum, root); err != nil {
						return err
					}
					if r == root {
						reduced = decode(out)
					}
					return nil
				})
				sum := sumVectors(vectors)
				for r := 0; r < n; r++ {
					verifyClose(t, sum, allReduced[r], "allreduce rank", r)
					verifyClose(t, sum[r*count:(r+1)*count], scattered[r], "reduce-scatter rank", r)
					verifyClose(t, sum, gathered[r], "allgather rank", r)
					require.Equal(t, vectors[root], broadcast[r], "broadcast rank %d", r)
				}
				verifyClose(t, sum, reduced, "reduce")
			})
		}
	}
}

func TestReduceOps(t *testing.T) {
	topo := Topology{RanksPerServer: 2, ServersPerPod: 2, Pods: 2}
	n := topo.Size()
	for _, op := range []collcomm.ReduceOp{collcomm.OpSum, collcomm.OpProd, collcomm.OpMax,
		collcomm.OpMin} {
		t.Run(op.String(), func(t *testing.T) {
			results := make([][]float64, n)
			runRanks(t, DefaultConfig(topo), func(c *Communicator) error {
				values := []float64{float64(c.Rank() + 1), float64(-c.Rank()), 2}
				in := c.Buffer(collcomm.Int32, values)
				out := c.Buffer(collcomm.Int32, make([]float64, 3))
				if err := c.AllReduce(in, out, 3, collcomm.Int32, op); err != nil {
					return err
				}
				results[c.Rank()] = collcomm.Decode(collcomm.Int32, out.Bytes())
				return nil
			})
			var expected []float64
			switch op {
			case collcomm.OpSum:
				expected = []float64{36, -28, 16}
			case collcomm.OpProd:
				expected = []float64{40320, 0, 256}
			case collcomm.OpMax:
				expected = []float64{8, 0, 2}
			case collcomm.OpMin:
				expected = []float64{1, -7, 2}
			}
			for r, res := range results {
				require.Equal(t, expected, res, "rank %d", r)
			}
		})
	}
}

func TestInvalidArguments(t *testing.T) {
	runRanks(t, DefaultConfig(FlatTopology(2)), func(c *Communicator) error {
		buf := c.Buffer(collcomm.Float32, make([]float64, 4))
		require.ErrorIs(t, c.Broadcast(buf, buf, 4, collcomm.Float32, 2), collcomm.ErrParamInvalid)
		require.ErrorIs(t, c.Reduce(buf, buf, 4, collcomm.Float32, collcomm.OpSum, -1),
			collcomm.ErrParamInvalid)
		require.ErrorIs(t, c.Send(buf, 4, collcomm.Float32, c.Rank()), collcomm.ErrParamInvalid)
		require.ErrorIs(t, c.AllToAllV(buf, buf, collcomm.Float32, []uint64{1}, []uint64{0},
			[]uint64{1}, []uint64{0}), collcomm.ErrParamInvalid)
		require.ErrorIs(t, c.AllReduce(buf, buf, 4, collcomm.DataType(-1), collcomm.OpSum),
			collcomm.ErrParamInvalid)
		return nil
	})
}
