package transport

import (
	"runtime"
	"sync"

	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/simulator"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Windows are the buffers a rank exposes to its peers for
// the duration of one operation.
type Windows map[MemType]*collcomm.Buffer

// A Fabric creates Links between the ranks of a simulated
// cluster.
//
// Links are grouped into sessions identified by a tag.
// Every rank that takes part in an operation connects to
// the session with the same tag and member list, and gets
// fresh links whose message streams are not shared with
// any other operation.
type Fabric struct {
	loop    *simulator.EventLoop
	network simulator.Network
	nodes   []*simulator.Node
	policy  CapabilityPolicy
	workers int

	lock     sync.Mutex
	sessions map[string]*session
	asyncErr error
}

// NewFabric creates a fabric where rank i lives on
// nodes[i].
func NewFabric(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	policy CapabilityPolicy) *Fabric {
	if policy == nil {
		policy = UniformPolicy(Capabilities{})
	}
	return &Fabric{
		loop:     loop,
		network:  network,
		nodes:    nodes,
		policy:   policy,
		workers:  runtime.GOMAXPROCS(0),
		sessions: map[string]*session{},
	}
}

// SetWorkers limits how many links are brought up in
// parallel by one Connect call.
func (f *Fabric) SetWorkers(n int) {
	f.workers = max(n, 1)
}

// Size returns the number of ranks in the fabric.
func (f *Fabric) Size() int {
	return len(f.nodes)
}

// Connect joins the session named tag and returns links
// from rank to every other member, indexed by global rank.
// Entries for rank itself and for non-members are nil.
//
// The windows are registered so that peers can read them
// with Link.RemoteMem.
func (f *Fabric) Connect(tag string, rank int, members []int, windows Windows) ([]Link, error) {
	sess, err := f.session(tag, members)
	if err != nil {
		return nil, err
	}
	if !sess.isMember(rank) {
		return nil, collcomm.NotFoundf("rank %d is not a member of session %s", rank, tag)
	}
	sess.register(rank, windows)

	links := make([]Link, len(f.nodes))
	var g errgroup.Group
	g.SetLimit(f.workers)
	for _, peer := range members {
		if peer == rank {
			continue
		}
		g.Go(func() error {
			links[peer] = &SimLink{
				local:   rank,
				remote:  peer,
				out:     sess.pipe(rank, peer),
				in:      sess.pipe(peer, rank),
				network: f.network,
				caps:    f.policy(rank, peer),
				session: sess,
				fabric:  f,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	klog.V(4).Infof("rank %d connected to session %s with %d members", rank, tag, len(members))
	return links, nil
}

// Release leaves the session named tag. Once every member
// has released it, the session is discarded, and packets
// that were delivered but never received are reported as
// an asynchronous error.
func (f *Fabric) Release(tag string, rank int) {
	f.lock.Lock()
	defer f.lock.Unlock()
	sess, ok := f.sessions[tag]
	if !ok {
		return
	}
	sess.released[rank] = true
	if len(sess.released) < len(sess.members) {
		return
	}
	delete(f.sessions, tag)
	for _, p := range sess.pipes {
		if n := p.stray(); n > 0 {
			f.setAsync(collcomm.Internalf("session %s: %d unconsumed packets from rank %d to rank %d",
				tag, n, p.src, p.dst))
		}
	}
}

// AsyncError returns the first error that was detected
// outside of the synchronous call path, if any.
func (f *Fabric) AsyncError() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.asyncErr
}

func (f *Fabric) reportAsync(err error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.setAsync(err)
}

func (f *Fabric) setAsync(err error) {
	if f.asyncErr == nil {
		klog.Errorf("fabric: %v", err)
		f.asyncErr = err
	}
}

func (f *Fabric) session(tag string, members []int) (*session, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	if sess, ok := f.sessions[tag]; ok {
		if !slices.Equal(sess.members, members) {
			return nil, collcomm.ParamInvalidf("session %s joined with members %v and %v", tag,
				sess.members, members)
		}
		return sess, nil
	}
	for _, m := range members {
		if m < 0 || m >= len(f.nodes) {
			return nil, collcomm.ParamInvalidf("session %s: member %d out of range", tag, m)
		}
	}
	sess := &session{
		fabric:   f,
		members:  append([]int{}, members...),
		pipes:    map[[2]int]*pipe{},
		windows:  map[int]Windows{},
		released: map[int]bool{},
	}
	f.sessions[tag] = sess
	return sess, nil
}

type session struct {
	fabric  *Fabric
	members []int

	lock     sync.Mutex
	pipes    map[[2]int]*pipe
	windows  map[int]Windows
	released map[int]bool
}

func (s *session) isMember(rank int) bool {
	return slices.Contains(s.members, rank)
}

func (s *session) register(rank int, w Windows) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.windows[rank] = w
}

func (s *session) window(rank int, memType MemType) (collcomm.Mem, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	buf := s.windows[rank][memType]
	if buf == nil {
		return collcomm.Mem{}, collcomm.NotFoundf("rank %d has no %s window", rank, memType)
	}
	return buf.Mem(), nil
}

func (s *session) pipe(src, dst int) *pipe {
	s.lock.Lock()
	defer s.lock.Unlock()
	key := [2]int{src, dst}
	if p, ok := s.pipes[key]; ok {
		return p
	}
	f := s.fabric
	p := newPipe(f.loop, src, dst, f.nodes[src], f.nodes[dst])
	s.pipes[key] = p
	return p
}
