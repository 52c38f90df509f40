package coll

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/executor"
	"github.com/unixpickle/collexec/simulator"
	"github.com/unixpickle/collexec/transport"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// NetworkConfig describes the simulated interconnect.
//
// Rates are in bytes per unit of simulated time. Each is
// the rate of one rank's port on the corresponding tier,
// shared by the peers the rank talks to over that tier.
type NetworkConfig struct {
	// Random replaces the switched network by one with
	// random per-message delays of at most Latency.
	Random bool `yaml:"random"`

	Latency         float64 `yaml:"latency"`
	IntraServerRate float64 `yaml:"intraServerRate"`
	InterServerRate float64 `yaml:"interServerRate"`
	InterPodRate    float64 `yaml:"interPodRate"`
}

// LinkConfig holds the capabilities of the links between
// ranks. TransportWithReduce and StandardRoCE only apply to
// links that leave a server.
type LinkConfig struct {
	TransportWithReduce bool `yaml:"transportWithReduce"`
	InlineReduce        bool `yaml:"inlineReduce"`
	DataReceivedAck     bool `yaml:"dataReceivedAck"`
	StandardRoCE        bool `yaml:"standardRoCE"`

	// NICsPerServer is the number of devices per server that
	// own a network interface, counting from device 0. When it
	// is below RanksPerServer, an allreduce with a ring at
	// Level0 reduces into these devices only and the others
	// sit out Level1 and Level2. Zero means every device.
	NICsPerServer int `yaml:"nicsPerServer"`
}

// RingConfig holds options of the ring executors.
type RingConfig struct {
	// ConcurrentDirect runs the Level0 ring steps of allgather,
	// reduce-scatter and allreduce with the concurrent-direct
	// variants, which read the caller's input and write the
	// caller's output through an auxiliary stream instead of
	// staging whole buffers. A failure in the final allgather
	// step may leave the caller's output partly written.
	ConcurrentDirect bool `yaml:"concurrentDirect"`

	// Barrier closes every executor step with a barrier
	// between ring neighbours.
	Barrier bool `yaml:"barrier"`
}

// Config is the full description of a simulated cluster.
type Config struct {
	Topology Topology      `yaml:"topology"`
	Network  NetworkConfig `yaml:"network"`
	Links    LinkConfig    `yaml:"links"`
	Strategy StrategyTable `yaml:"strategy"`
	Ring     RingConfig    `yaml:"ring"`

	// ReduceAttr lists the optional reduction paths to
	// enable: "inline" and "rdma".
	ReduceAttr []string `yaml:"reduceAttr"`

	AllToAllMode executor.AllToAllMode `yaml:"alltoallMode"`

	// ConnectWorkers bounds the links brought up in
	// parallel. Zero keeps the fabric's default.
	ConnectWorkers int `yaml:"connectWorkers"`
}

// DefaultConfig creates a configuration for the topology
// with default rates and strategies.
func DefaultConfig(t Topology) Config {
	return Config{
		Topology: t,
		Network: NetworkConfig{
			Latency:         1e-5,
			IntraServerRate: 1e10,
			InterServerRate: 2.5e9,
			InterPodRate:    1e9,
		},
		Links:    LinkConfig{DataReceivedAck: true},
		Strategy: DefaultStrategy(),
	}
}

// ParseConfig decodes a YAML configuration on top of the
// defaults and validates it.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig(FlatTopology(1))
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(collcomm.ErrParamInvalid, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "load config")
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, errors.WithMessagef(err, "load config %s", path)
	}
	return cfg, nil
}

// Validate checks the configuration and warns about
// settings that cannot take effect.
func (c Config) Validate() error {
	if err := c.Topology.Validate(); err != nil {
		return err
	}
	if err := c.Strategy.Validate(); err != nil {
		return err
	}
	attr, err := c.reduceAttr()
	if err != nil {
		return err
	}
	if attr&executor.AttrRDMAReduce != 0 && !c.Links.TransportWithReduce {
		klog.Warningf("rdma reduce requested without transport-with-reduce links; falling back")
	}
	if attr&executor.AttrInlineReduce != 0 && !c.Links.InlineReduce {
		klog.Warningf("inline reduce requested without inline-reduce links; falling back")
	}
	if nics := c.Links.NICsPerServer; nics < 0 || nics > c.Topology.RanksPerServer {
		return collcomm.ParamInvalidf("%d NICs for %d ranks per server", nics,
			c.Topology.RanksPerServer)
	}
	if c.nicChunks() > 0 && c.Ring.ConcurrentDirect {
		return collcomm.ParamInvalidf("concurrent-direct rings cannot be combined with %d NICs per server",
			c.Links.NICsPerServer)
	}
	if n := c.Links.NICsPerServer; n > 0 && n < c.Topology.RanksPerServer && c.nicChunks() == 0 {
		klog.Warningf("%d NICs per server need a ring allreduce at %s; ignoring", n, Level0)
	}
	if !c.Network.Random {
		for _, r := range []float64{c.Network.IntraServerRate, c.Network.InterServerRate,
			c.Network.InterPodRate} {
			if r <= 0 {
				return collcomm.ParamInvalidf("network rate %g", r)
			}
		}
	}
	return nil
}

// nicChunks is the number of Level0 chunks an allreduce
// splits its buffer into, or zero when every device takes
// part in every level.
func (c Config) nicChunks() int {
	n := c.Links.NICsPerServer
	if n <= 0 || n >= c.Topology.RanksPerServer ||
		c.Strategy.Kind(executor.AllReduce, Level0) != executor.KindRing {
		return 0
	}
	return n
}

// direct reports whether the Level0 ring steps of the
// collective use the concurrent-direct variants.
func (c Config) direct(col executor.Collective) bool {
	switch col {
	case executor.AllGather, executor.ReduceScatter, executor.AllReduce:
		return c.Ring.ConcurrentDirect && c.Strategy.Kind(col, Level0) == executor.KindRing
	}
	return false
}

func (c Config) reduceAttr() (executor.ReduceAttr, error) {
	var res executor.ReduceAttr
	for _, name := range c.ReduceAttr {
		switch strings.ToLower(name) {
		case "inline":
			res |= executor.AttrInlineReduce
		case "rdma":
			res |= executor.AttrRDMAReduce
		default:
			return 0, collcomm.ParamInvalidf("unknown reduce attribute %q", name)
		}
	}
	return res, nil
}

// capabilities gives links inside a server the HCCS type
// and links between servers a RoCE type.
func (c Config) capabilities() transport.CapabilityPolicy {
	return func(a, b int) transport.Capabilities {
		caps := transport.Capabilities{
			Type:            transport.LinkHCCS,
			InlineReduce:    c.Links.InlineReduce,
			DataReceivedAck: c.Links.DataReceivedAck,
		}
		if c.Topology.Tier(a, b) != Level0 {
			caps.Type = transport.LinkRoCE
			if c.Links.StandardRoCE {
				caps.Type = transport.LinkStandardRoCE
			}
			caps.TransportWithReduce = c.Links.TransportWithReduce
		}
		return caps
	}
}

func (c Config) network(nodes []*simulator.Node) simulator.Network {
	if c.Network.Random {
		return simulator.RandomNetwork{MaxLatency: c.Network.Latency}
	}
	tier := func(src, dst int) int {
		return int(c.Topology.Tier(src, dst))
	}
	switcher := simulator.NewTieredSwitcher(tier, c.Network.IntraServerRate, c.Network.InterServerRate,
		c.Network.InterPodRate)
	return simulator.NewSwitcherNetwork(switcher, nodes, c.Network.Latency)
}
