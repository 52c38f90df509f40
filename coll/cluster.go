package coll

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/unixpickle/collexec/executor"
	"github.com/unixpickle/collexec/simulator"
	"github.com/unixpickle/collexec/transport"
	"k8s.io/klog/v2"
)

// A Cluster is a simulated set of ranks connected by a
// fabric, on which Communicators run collectives.
type Cluster struct {
	id      uuid.UUID
	config  Config
	attr    executor.ReduceAttr
	options executor.Options

	loop   *simulator.EventLoop
	fabric *transport.Fabric
}

// NewCluster validates the configuration and creates the
// simulated fabric.
func NewCluster(cfg Config) (*Cluster, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	attr, err := cfg.reduceAttr()
	if err != nil {
		return nil, err
	}
	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(cfg.Topology.Size())
	fabric := transport.NewFabric(loop, cfg.network(nodes), nodes, cfg.capabilities())
	if cfg.ConnectWorkers > 0 {
		fabric.SetWorkers(cfg.ConnectWorkers)
	}
	c := &Cluster{
		id:     uuid.New(),
		config: cfg,
		attr:   attr,
		options: executor.Options{
			Mode:           cfg.AllToAllMode,
			RanksPerServer: cfg.Topology.RanksPerServer,
		},
		loop:   loop,
		fabric: fabric,
	}
	klog.V(1).Infof("cluster %s: %d pods x %d servers x %d ranks", c.id, cfg.Topology.Pods,
		cfg.Topology.ServersPerPod, cfg.Topology.RanksPerServer)
	return c, nil
}

// ID identifies the cluster in session tags and logs.
func (c *Cluster) ID() uuid.UUID {
	return c.id
}

// Size is the number of ranks.
func (c *Cluster) Size() int {
	return c.config.Topology.Size()
}

func (c *Cluster) Config() Config {
	return c.config
}

// Loop returns the event loop that drives the cluster.
func (c *Cluster) Loop() *simulator.EventLoop {
	return c.loop
}

// Spawn creates a Communicator for every rank and calls f
// for each one in its own Goroutine.
//
// Spawned functions run once the event loop is run.
func (c *Cluster) Spawn(f func(comm *Communicator)) {
	for rank := 0; rank < c.Size(); rank++ {
		c.loop.Go(fmt.Sprintf("rank%d", rank), func(h *simulator.Handle) {
			f(newCommunicator(c, h, rank))
		})
	}
}

// Run runs the event loop until every spawned Goroutine has
// returned, then reports any asynchronous transport error.
func (c *Cluster) Run() error {
	if err := c.loop.Run(); err != nil {
		return err
	}
	return c.fabric.AsyncError()
}

// Time is the current simulated time.
func (c *Cluster) Time() float64 {
	return c.loop.Time()
}
