// Package coll runs the public collectives of the engine on
// a hierarchy of ranks, delegating every level to an
// executor picked from a strategy table.
package coll

import (
	"strings"

	"github.com/unixpickle/collexec/collcomm"
)

// Level is a tier of the rank hierarchy.
type Level int

const (
	// Level0 groups the ranks of one server.
	Level0 Level = iota

	// Level1 groups the ranks with the same device index
	// across the servers of one pod.
	Level1

	// Level2 groups the ranks with the same server and
	// device index across pods.
	Level2

	numLevels
)

var levelNames = [numLevels]string{"level0", "level1", "level2"}

// Levels lists every level, lowest first.
func Levels() []Level {
	return []Level{Level0, Level1, Level2}
}

func (l Level) String() string {
	if l < 0 || l >= numLevels {
		return "unknown"
	}
	return levelNames[l]
}

func (l Level) MarshalText() ([]byte, error) {
	if l < 0 || l >= numLevels {
		return nil, collcomm.ParamInvalidf("unknown level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	name := strings.ToLower(string(text))
	for i, n := range levelNames {
		if n == name {
			*l = Level(i)
			return nil
		}
	}
	return collcomm.ParamInvalidf("unknown level %q", text)
}

// Topology describes a cluster of Pods pods, each holding
// ServersPerPod servers of RanksPerServer ranks.
//
// Ranks are numbered pod by pod, then server by server:
// rank = pod*ServersPerPod*RanksPerServer +
// server*RanksPerServer + device.
type Topology struct {
	RanksPerServer int `yaml:"ranksPerServer"`
	ServersPerPod  int `yaml:"serversPerPod"`
	Pods           int `yaml:"pods"`
}

// FlatTopology puts n ranks on a single server.
func FlatTopology(n int) Topology {
	return Topology{RanksPerServer: n, ServersPerPod: 1, Pods: 1}
}

// Validate checks that every dimension is positive.
func (t Topology) Validate() error {
	if t.RanksPerServer <= 0 || t.ServersPerPod <= 0 || t.Pods <= 0 {
		return collcomm.ParamInvalidf("topology %d x %d x %d", t.Pods, t.ServersPerPod,
			t.RanksPerServer)
	}
	return nil
}

// Size is the total number of ranks.
func (t Topology) Size() int {
	return t.RanksPerServer * t.ServersPerPod * t.Pods
}

// Coords splits a rank into its pod, server and device
// indices.
func (t Topology) Coords(rank int) (pod, server, dev int) {
	dev = rank % t.RanksPerServer
	server = rank / t.RanksPerServer % t.ServersPerPod
	pod = rank / (t.RanksPerServer * t.ServersPerPod)
	return
}

// Rank is the inverse of Coords.
func (t Topology) Rank(pod, server, dev int) int {
	return (pod*t.ServersPerPod+server)*t.RanksPerServer + dev
}

// LevelSize is the number of ranks in each group of level
// l.
func (t Topology) LevelSize(l Level) int {
	switch l {
	case Level0:
		return t.RanksPerServer
	case Level1:
		return t.ServersPerPod
	}
	return t.Pods
}

// LevelRank is the index of rank within its level-l group.
func (t Topology) LevelRank(rank int, l Level) int {
	pod, server, dev := t.Coords(rank)
	switch l {
	case Level0:
		return dev
	case Level1:
		return server
	}
	return pod
}

// Group lists the ranks of rank's level-l group, ordered by
// level rank.
func (t Topology) Group(rank int, l Level) []int {
	pod, server, dev := t.Coords(rank)
	res := make([]int, t.LevelSize(l))
	for i := range res {
		switch l {
		case Level0:
			res[i] = t.Rank(pod, server, i)
		case Level1:
			res[i] = t.Rank(pod, i, dev)
		default:
			res[i] = t.Rank(i, server, dev)
		}
	}
	return res
}

// Tier is the highest level crossed by a link between two
// ranks.
func (t Topology) Tier(a, b int) Level {
	podA, serverA, _ := t.Coords(a)
	podB, serverB, _ := t.Coords(b)
	switch {
	case podA != podB:
		return Level2
	case serverA != serverB:
		return Level1
	}
	return Level0
}

// owners lists, for each member of rank's level-l group,
// the ranks whose blocks that member is responsible for
// after the levels below l have been reduce-scattered.
//
// A member m owns the ranks whose level-l index is m and
// whose lower-level indices match rank's. Lists are in
// increasing rank order, so every member of the group
// derives the same table.
func (t Topology) owners(rank int, l Level) [][]int {
	res := make([][]int, t.LevelSize(l))
	for g := 0; g < t.Size(); g++ {
		match := true
		for j := Level0; j < l; j++ {
			if t.LevelRank(g, j) != t.LevelRank(rank, j) {
				match = false
				break
			}
		}
		if match {
			m := t.LevelRank(g, l)
			res[m] = append(res[m], g)
		}
	}
	return res
}

// blockTable turns owners into the slice table of an
// executor, where the block of rank g is blockSize bytes at
// g*blockSize.
func (t Topology) blockTable(rank int, l Level, blockSize uint64) []collcomm.Slice {
	var res []collcomm.Slice
	for _, ranks := range t.owners(rank, l) {
		for _, g := range ranks {
			res = append(res, collcomm.Slice{Offset: uint64(g) * blockSize, Size: blockSize})
		}
	}
	return res
}
