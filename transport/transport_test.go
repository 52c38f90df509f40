package transport

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unixpickle/collexec/collcomm"
	"github.com/unixpickle/collexec/simulator"
)

// runRanks starts one main stream per rank, connects every
// rank to a single session, and runs f on each of them.
func runRanks(t *testing.T, n int, network simulator.Network, caps Capabilities,
	windows func(rank int) Windows, f func(s *Stream, links []Link) error) (*Fabric, []error) {
	loop := simulator.NewEventLoop()
	nodes := simulator.NewNodes(n)
	if network == nil {
		network = simulator.RandomNetwork{}
	}
	fabric := NewFabric(loop, network, nodes, UniformPolicy(caps))
	members := make([]int, n)
	for i := range members {
		members[i] = i
	}
	errs := make([]error, n)
	for rank := 0; rank < n; rank++ {
		loop.Go(fmt.Sprintf("rank%d", rank), func(h *simulator.Handle) {
			var w Windows
			if windows != nil {
				w = windows(rank)
			}
			links, err := fabric.Connect("test", rank, members, w)
			if err != nil {
				errs[rank] = err
				return
			}
			errs[rank] = f(NewStream(h, rank), links)
			fabric.Release("test", rank)
		})
	}
	require.NoError(t, loop.Run())
	return fabric, errs
}

func TestSimLinkOrdering(t *testing.T) {
	const numPackets = 50
	received := make([][]byte, numPackets)
	fabric, errs := runRanks(t, 2, simulator.RandomNetwork{MaxLatency: 10}, Capabilities{}, nil,
		func(s *Stream, links []Link) error {
			if s.Rank() == 0 {
				for i := 0; i < numPackets; i++ {
					src := collcomm.NewBufferFrom("src", []byte{byte(i), byte(i + 1)}).Mem()
					if err := links[1].TxAsync(s, MemInput, 0, src); err != nil {
						return err
					}
					if err := links[1].TxDataSignal(s); err != nil {
						return err
					}
				}
				return nil
			}
			for i := 0; i < numPackets; i++ {
				dst := collcomm.NewBuffer("dst", 2)
				if err := links[0].RxAsync(s, MemInput, 0, dst.Mem()); err != nil {
					return err
				}
				if err := links[0].RxDataSignal(s); err != nil {
					return err
				}
				received[i] = dst.Mem().Bytes()
			}
			return nil
		})
	for _, err := range errs {
		require.NoError(t, err)
	}
	for i, b := range received {
		assert.Equal(t, []byte{byte(i), byte(i + 1)}, b, "packet %d", i)
	}
	require.NoError(t, fabric.AsyncError())
}

func TestSimLinkSnapshot(t *testing.T) {
	var result []byte
	_, errs := runRanks(t, 2, nil, Capabilities{}, nil, func(s *Stream, links []Link) error {
		if s.Rank() == 0 {
			buf := collcomm.NewBufferFrom("src", []byte{1, 2, 3, 4})
			if err := links[1].TxAsync(s, MemInput, 0, buf.Mem()); err != nil {
				return err
			}
			// The data was captured by the send.
			copy(buf.Mem().Bytes(), []byte{9, 9, 9, 9})
			return nil
		}
		dst := collcomm.NewBuffer("dst", 4)
		if err := links[0].RxAsync(s, MemInput, 0, dst.Mem()); err != nil {
			return err
		}
		result = dst.Mem().Bytes()
		return nil
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, []byte{1, 2, 3, 4}, result)
}

func TestSimLinkSizeMismatch(t *testing.T) {
	fabric, errs := runRanks(t, 2, nil, Capabilities{}, nil, func(s *Stream, links []Link) error {
		if s.Rank() == 0 {
			src := collcomm.NewBuffer("src", 8).Mem()
			return links[1].TxAsync(s, MemInput, 0, src)
		}
		return links[0].RxAsync(s, MemInput, 0, collcomm.NewBuffer("dst", 4).Mem())
	})
	require.NoError(t, errs[0])
	require.ErrorIs(t, errs[1], collcomm.ErrInternal)
	require.Contains(t, errs[1].Error(), "src[0:8]", "the snapshot keeps the source buffer's name")
	require.ErrorIs(t, fabric.AsyncError(), collcomm.ErrInternal)
}

func TestSimLinkBatch(t *testing.T) {
	results := make([][]byte, 2)
	fabric, errs := runRanks(t, 2, nil, Capabilities{}, nil, func(s *Stream, links []Link) error {
		if s.Rank() == 0 {
			src := collcomm.NewBufferFrom("src", []byte{1, 2, 3, 4, 5}).Mem()
			return links[1].TxAsyncBatch(s, []TxMemInfo{
				{MemType: MemOutput, Offset: 0, Src: src.Range(0, 2)},
				{MemType: MemOutput, Offset: 2, Src: src.Range(2, 3)},
			})
		}
		a, b := collcomm.NewBuffer("a", 2), collcomm.NewBuffer("b", 3)
		err := links[0].RxAsyncBatch(s, []RxMemInfo{
			{MemType: MemOutput, Offset: 0, Dst: a.Mem()},
			{MemType: MemOutput, Offset: 2, Dst: b.Mem()},
		})
		results[0], results[1] = a.Mem().Bytes(), b.Mem().Bytes()
		return err
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, []byte{1, 2}, results[0])
	assert.Equal(t, []byte{3, 4, 5}, results[1])
	require.NoError(t, fabric.AsyncError())
	assert.Empty(t, fabric.sessions)
}

func TestSimLinkTransportReduce(t *testing.T) {
	dt := collcomm.Int32
	caps := Capabilities{Type: LinkStandardRoCE, TransportWithReduce: true, DataReceivedAck: true}
	var onArrival, withTemp []float64
	var senderStats LinkStats
	_, errs := runRanks(t, 2, nil, caps, nil, func(s *Stream, links []Link) error {
		if s.Rank() == 0 {
			src := collcomm.NewBufferFrom("src", collcomm.Encode(dt, []float64{1, 2, 3})).Mem()
			if err := links[1].TxWithReduce(s, MemInput, 0, src, dt, collcomm.OpSum); err != nil {
				return err
			}
			if err := links[1].TxWithReduce(s, MemInput, 0, src, dt, collcomm.OpMax); err != nil {
				return err
			}
			senderStats = links[1].(*SimLink).Stats()
			return nil
		}
		local := collcomm.NewBufferFrom("local", collcomm.Encode(dt, []float64{10, 20, 30})).Mem()
		if err := links[0].RxAsync(s, MemInput, 0, local); err != nil {
			return err
		}
		if err := links[0].DataReceivedAck(s); err != nil {
			return err
		}
		onArrival = collcomm.Decode(dt, local.Bytes())

		tmp := collcomm.NewBuffer("tmp", 12).Mem()
		reduceSrc := collcomm.NewBufferFrom("src", collcomm.Encode(dt, []float64{0, 5, 1})).Mem()
		dst := collcomm.NewBuffer("dst", 12).Mem()
		if err := links[0].RxWithReduce(s, MemInput, 0, tmp, reduceSrc, dst, dt,
			collcomm.OpMax); err != nil {
			return err
		}
		withTemp = collcomm.Decode(dt, dst.Bytes())
		return nil
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, []float64{11, 22, 33}, onArrival)
	assert.Equal(t, []float64{1, 5, 3}, withTemp)
	assert.Equal(t, 2, senderStats.ReducePackets)
	assert.Equal(t, 2, senderStats.DataPackets)
	assert.Equal(t, 24, senderStats.DataBytes)
}

func TestSimLinkUnsupported(t *testing.T) {
	_, errs := runRanks(t, 2, nil, Capabilities{}, nil, func(s *Stream, links []Link) error {
		peer := links[1-s.Rank()]
		m := collcomm.NewBuffer("m", 4).Mem()
		if err := peer.TxWithReduce(s, MemInput, 0, m, collcomm.Float32, collcomm.OpSum); err == nil {
			return fmt.Errorf("expected transport reduce to fail")
		}
		return peer.DataReceivedAck(s)
	})
	for _, err := range errs {
		require.ErrorIs(t, err, collcomm.ErrNotSupported)
	}
}

func TestSimLinkRemoteMem(t *testing.T) {
	inputs := []*collcomm.Buffer{
		collcomm.NewBufferFrom("in0", []byte{1, 2}),
		collcomm.NewBufferFrom("in1", []byte{3, 4}),
	}
	results := make([][]byte, 2)
	_, errs := runRanks(t, 2, nil, Capabilities{InlineReduce: true},
		func(rank int) Windows {
			return Windows{MemInput: inputs[rank]}
		},
		func(s *Stream, links []Link) error {
			peer := links[1-s.Rank()]
			if _, err := peer.RemoteMem(MemOutput); err == nil {
				return fmt.Errorf("expected missing output window")
			} else if !assert.ErrorIs(t, err, collcomm.ErrNotFound) {
				return err
			}
			// Wait until the peer has registered its windows.
			if err := peer.TxAck(s); err != nil {
				return err
			}
			if err := peer.RxAck(s); err != nil {
				return err
			}
			mem, err := peer.RemoteMem(MemInput)
			if err != nil {
				return err
			}
			results[s.Rank()] = append([]byte{}, mem.Bytes()...)
			return nil
		})
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, []byte{3, 4}, results[0])
	assert.Equal(t, []byte{1, 2}, results[1])
}

func TestFabricStrayPackets(t *testing.T) {
	fabric, errs := runRanks(t, 2, nil, Capabilities{}, nil, func(s *Stream, links []Link) error {
		if s.Rank() == 0 {
			if err := links[1].TxAck(s); err != nil {
				return err
			}
			return links[1].TxAck(s)
		}
		if err := links[0].RxAck(s); err != nil {
			return err
		}
		// Let the second ack arrive without receiving it.
		s.Handle().Sleep(10)
		return nil
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	require.ErrorIs(t, fabric.AsyncError(), collcomm.ErrInternal)
}

func TestFabricSessions(t *testing.T) {
	loop := simulator.NewEventLoop()
	fabric := NewFabric(loop, simulator.RandomNetwork{}, simulator.NewNodes(4), nil)
	assert.Equal(t, 4, fabric.Size())

	_, err := fabric.Connect("a", 0, []int{0, 5}, nil)
	require.ErrorIs(t, err, collcomm.ErrParamInvalid)

	links, err := fabric.Connect("b", 1, []int{1, 3}, nil)
	require.NoError(t, err)
	require.Len(t, links, 4)
	assert.Nil(t, links[0])
	assert.Nil(t, links[1])
	assert.Nil(t, links[2])
	require.NotNil(t, links[3])
	assert.Equal(t, 3, links[3].RemoteRank())
	assert.Equal(t, LinkHCCS, links[3].LinkType())

	_, err = fabric.Connect("b", 3, []int{1, 2}, nil)
	require.ErrorIs(t, err, collcomm.ErrParamInvalid)
	_, err = fabric.Connect("b", 2, []int{1, 3}, nil)
	require.ErrorIs(t, err, collcomm.ErrNotFound)

	// Two ranks of one session share the pipes between them.
	other, err := fabric.Connect("b", 3, []int{1, 3}, nil)
	require.NoError(t, err)
	assert.Same(t, links[3].(*SimLink).out, other[1].(*SimLink).in)
	fabric.Release("b", 1)
	fabric.Release("b", 3)
	require.NoError(t, fabric.AsyncError())
}

func TestParallel(t *testing.T) {
	loop := simulator.NewEventLoop()
	var finish float64
	ran := make([]bool, 4)
	loop.Go("rank0", func(h *simulator.Handle) {
		s := NewStream(h, 0)
		err := Parallel(s, 3, func(s *Stream, idx int) error {
			ran[idx] = true
			assert.Equal(t, idx, s.ID())
			s.Handle().Sleep(float64(idx))
			return nil
		})
		assert.NoError(t, err)
		finish = s.Time()
	})
	require.NoError(t, loop.Run())
	assert.Equal(t, []bool{true, true, true, true}, ran)
	assert.Equal(t, 3.0, finish)
}

func TestParallelError(t *testing.T) {
	loop := simulator.NewEventLoop()
	var err error
	loop.Go("rank0", func(h *simulator.Handle) {
		err = Parallel(NewStream(h, 0), 2, func(s *Stream, idx int) error {
			if idx == 2 {
				return collcomm.Internalf("stream %d", idx)
			}
			return nil
		})
	})
	require.NoError(t, loop.Run())
	require.ErrorIs(t, err, collcomm.ErrInternal)
}

func TestScopeImbalance(t *testing.T) {
	loop := simulator.NewEventLoop()
	var err error
	loop.Go("rank0", func(h *simulator.Handle) {
		s := NewStream(h, 0)
		sc := NewScope(s)
		post, _ := sc.Fence()
		post.Post(s)
		err = sc.Close()
	})
	require.NoError(t, loop.Run())
	require.ErrorIs(t, err, collcomm.ErrInternal)
}

func TestFenceOrdering(t *testing.T) {
	loop := simulator.NewEventLoop()
	var order []int
	loop.Go("rank0", func(h *simulator.Handle) {
		s := NewStream(h, 0)
		sc := NewScope(s)
		post, wait := sc.Fence()
		donePost, doneWait := sc.Fence()
		s.Fork(func(aux *Stream) {
			assert.Equal(t, "rank0/stream1", aux.String())
			wait.Wait(aux)
			order = append(order, aux.ID())
			donePost.Post(aux)
		})
		s.Handle().Sleep(5)
		order = append(order, s.ID())
		post.Post(s)
		doneWait.Wait(s)
		assert.NoError(t, sc.Close())
	})
	require.NoError(t, loop.Run())
	assert.Equal(t, []int{0, 1}, order)
}

func TestStreamCopyAndReduce(t *testing.T) {
	loop := simulator.NewEventLoop()
	loop.Go("", func(h *simulator.Handle) {
		s := NewStream(h, 2)
		assert.Equal(t, "rank2/stream0", s.String())

		buf := collcomm.NewBufferFrom("buf", collcomm.Encode(collcomm.Float32, []float64{1, 2}))
		assert.NoError(t, s.Copy(buf.Mem(), buf.Mem()))
		assert.Equal(t, 0.0, s.Time())

		dst := collcomm.NewBuffer("dst", 8)
		assert.NoError(t, s.Reduce(dst.Mem(), buf.Mem(), buf.Mem(), collcomm.Float32, collcomm.OpSum))
		assert.Equal(t, []float64{2, 4}, collcomm.Decode(collcomm.Float32, dst.Mem().Bytes()))
		assert.InDelta(t, 2*FlopTime, s.Time(), 1e-15)
	})
	require.NoError(t, loop.Run())
}
