// Command collbench prints a markdown table of the simulated
// time each algorithm family takes to run a collective.
package main

import (
	"flag"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/unixpickle/collexec/coll"
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/executor"
	"github.com/unixpickle/essentials"
	"k8s.io/klog/v2"
)

// A Variant is a named strategy applied to every level a
// collective runs on.
type Variant struct {
	Name     string
	Strategy func(c executor.Collective) coll.StrategyTable
}

func uniform(kind executor.Kind) func(c executor.Collective) coll.StrategyTable {
	return func(c executor.Collective) coll.StrategyTable {
		levels := map[coll.Level]executor.Kind{coll.Level0: kind}
		switch c {
		case executor.Gather, executor.Scatter, executor.AllToAll:
		default:
			levels[coll.Level1] = kind
			levels[coll.Level2] = kind
		}
		return coll.StrategyTable{c: levels}
	}
}

func main() {
	var configPath string
	var collectiveName string
	var sizesArg string
	klog.InitFlags(nil)
	flag.StringVar(&configPath, "config", "", "YAML cluster config to use for network settings")
	flag.StringVar(&collectiveName, "collective", "allreduce", "collective to benchmark")
	flag.StringVar(&sizesArg, "sizes", "4KiB,1MiB", "comma-separated message sizes")
	flag.Parse()
	defer klog.Flush()

	var collective executor.Collective
	essentials.Must(collective.UnmarshalText([]byte(collectiveName)))

	base := coll.DefaultConfig(coll.FlatTopology(1))
	if configPath != "" {
		var err error
		base, err = coll.LoadConfig(configPath)
		essentials.Must(err)
	}

	var sizes []uint64
	for _, s := range strings.Split(sizesArg, ",") {
		size, err := humanize.ParseBytes(strings.TrimSpace(s))
		essentials.Must(err)
		sizes = append(sizes, size)
	}

	variants := []Variant{
		{Name: "Default", Strategy: func(executor.Collective) coll.StrategyTable {
			return coll.DefaultStrategy()
		}},
		{Name: "Ring", Strategy: uniform(executor.KindRing)},
		{Name: "Mesh", Strategy: uniform(executor.KindMesh)},
		{Name: "BinaryBlock", Strategy: uniform(executor.KindBinaryBlockHD)},
		{Name: "RecursiveHD", Strategy: uniform(executor.KindRecursiveHD)},
		{Name: "Pairwise", Strategy: uniform(executor.KindPairwiseA2A)},
		{Name: "Staged", Strategy: uniform(executor.KindStagedA2A)},
	}
	topologies := []coll.Topology{
		coll.FlatTopology(8),
		{RanksPerServer: 8, ServersPerPod: 4, Pods: 1},
		{RanksPerServer: 8, ServersPerPod: 4, Pods: 4},
		{RanksPerServer: 4, ServersPerPod: 3, Pods: 3},
	}

	// Markdown table header.
	fmt.Print("| Topology | Size ")
	for _, v := range variants {
		fmt.Printf("| %s ", v.Name)
	}
	fmt.Println("|")
	for i := 0; i < 2+len(variants); i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	// Markdown table body.
	for _, topo := range topologies {
		for _, size := range sizes {
			fmt.Printf("| %dx%dx%d | %s ", topo.Pods, topo.ServersPerPod, topo.RanksPerServer,
				humanize.IBytes(size))
			for _, v := range variants {
				cfg := base
				cfg.Topology = topo
				cfg.Strategy = v.Strategy(collective)
				if err := cfg.Validate(); err != nil {
					klog.V(1).Infof("skip %s for %s: %v", v.Name, collective, err)
					fmt.Print("| - ")
					continue
				}
				t, err := runCollective(cfg, collective, size)
				if err != nil {
					klog.Errorf("%s with %s on %d ranks: %v", collective, v.Name, topo.Size(), err)
					fmt.Print("| error ")
					continue
				}
				fmt.Printf("| %f ", t)
			}
			fmt.Println("|")
		}
	}
}

// runCollective runs one collective of about size bytes per
// rank and returns the simulated time it took.
func runCollective(cfg coll.Config, c executor.Collective, size uint64) (float64, error) {
	cluster, err := coll.NewCluster(cfg)
	if err != nil {
		return 0, err
	}
	n := cluster.Size()
	dt := collcomm.Float32
	count := essentials.MaxInt(1, int(size/dt.Size()/uint64(n))) * n
	errs := make([]error, n)
	cluster.Spawn(func(comm *coll.Communicator) {
		in := comm.Buffer(dt, make([]float64, count))
		out := comm.Buffer(dt, make([]float64, count))
		block := uint64(count / n)
		var err error
		switch c {
		case executor.AllReduce:
			err = comm.AllReduce(in, out, uint64(count), dt, collcomm.OpSum)
		case executor.ReduceScatter:
			err = comm.ReduceScatter(in, out, block, dt, collcomm.OpSum)
		case executor.AllGather:
			err = comm.AllGather(in, out, block, dt)
		case executor.Broadcast:
			err = comm.Broadcast(in, out, uint64(count), dt, 0)
		case executor.Reduce:
			err = comm.Reduce(in, out, uint64(count), dt, collcomm.OpSum, 0)
		case executor.Gather:
			err = comm.Gather(in, out, block, dt, 0)
		case executor.Scatter:
			err = comm.Scatter(in, out, block, dt, 0)
		case executor.AllToAll:
			err = comm.AllToAll(in, out, block, dt)
		}
		errs[comm.Rank()] = err
	})
	if err := cluster.Run(); err != nil {
		return 0, err
	}
	for _, err := range errs {
		if err != nil {
			return 0, err
		}
	}
	return cluster.Time(), nil
}
