package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xaionaro-go/msdk/display/softdisplay"
	"github.com/xaionaro-go/msdk/hw"
	"github.com/xaionaro-go/msdk/hw/hwsim"
)

func newTestAggregator(t *testing.T, opts AggregatorOptions) (context.Context, *Aggregator, *hwsim.Engine, *softdisplay.Display) {
	ctx := context.Background()
	engine := hwsim.New(hwsim.DefaultConfig())
	disp := softdisplay.New()
	agg := NewAggregator(ctx, engine, disp, opts)
	t.Cleanup(func() { _ = agg.Close(ctx) })
	return ctx, agg, engine, disp
}

func testRequest(count uint16) hw.FrameAllocRequest {
	return hw.FrameAllocRequest{
		Info:              hw.FrameInfo{FourCC: hw.FourCCNV12, Width: 64, Height: 48, CropW: 64, CropH: 48},
		Type:              hw.MemTypeDecoderTarget | hw.MemTypeFromDecode | hw.MemTypeExternalFrame,
		NumFrameMin:       count,
		NumFrameSuggested: count,
	}
}

func TestTaskSessionOwnership(t *testing.T) {
	ctx, agg, engine, _ := newTestAggregator(t, AggregatorOptions{})

	owner, err := New(ctx, agg, TypeDecoder)
	require.NoError(t, err)
	require.True(t, owner.IsSessionOwner())

	var sharers []*Task
	for _, typ := range []Type{TypeVPPIn, TypeEncoder} {
		sharer, err := NewWithSession(ctx, agg, owner.Session(), typ)
		require.NoError(t, err)
		require.False(t, sharer.IsSessionOwner())
		require.Same(t, owner.Session(), sharer.Session())
		sharers = append(sharers, sharer)
	}
	require.Len(t, agg.Tasks(ctx), 3)
	require.Same(t, sharers[1], agg.GetLastTask(ctx))

	for _, sharer := range sharers {
		require.NoError(t, sharer.Close(ctx))
	}
	require.Zero(t, engine.CloseCount.Load())

	require.NoError(t, owner.Close(ctx))
	require.NoError(t, owner.Close(ctx))
	require.Equal(t, uint64(1), engine.CloseCount.Load())
	require.True(t, owner.IsClosed())
	require.Empty(t, agg.Tasks(ctx))
}

func TestTaskSessionOutlivesOwner(t *testing.T) {
	ctx, agg, engine, disp := newTestAggregator(t, AggregatorOptions{})

	owner, err := New(ctx, agg, TypeDecoder)
	require.NoError(t, err)
	req := testRequest(2)
	_, st := owner.Alloc(ctx, &req)
	require.Equal(t, hw.StatusOK, st)

	sharer, err := NewWithSession(ctx, agg, owner.Session(), TypeEncoder)
	require.NoError(t, err)
	require.NoError(t, sharer.AdoptResponse(ctx, owner))
	require.Equal(t, 2, agg.SessionUsers(ctx, owner.Session()))

	require.NoError(t, owner.Close(ctx))
	require.True(t, owner.IsClosed())
	session := sharer.Session().(*hwsim.Session)
	require.False(t, session.IsClosed(ctx))
	require.Zero(t, engine.CloseCount.Load())
	require.Equal(t, 1, agg.SessionUsers(ctx, session))
	require.Zero(t, disp.LiveBuffers(ctx))

	require.NoError(t, sharer.Close(ctx))
	require.True(t, session.IsClosed(ctx))
	require.Equal(t, uint64(1), engine.CloseCount.Load())
	require.Zero(t, agg.SessionUsers(ctx, session))
}

func TestTaskForeignSessionNotClosed(t *testing.T) {
	ctx, agg, engine, _ := newTestAggregator(t, AggregatorOptions{})
	session, err := engine.Open(ctx, hw.ImplementationAuto)
	require.NoError(t, err)

	tk, err := NewWithSession(ctx, agg, session, TypeVPPIn)
	require.NoError(t, err)
	require.NoError(t, tk.Close(ctx))
	require.False(t, session.(*hwsim.Session).IsClosed(ctx))
	require.Equal(t, hw.StatusOK, session.Close(ctx))
}

func TestTaskAllocIdempotent(t *testing.T) {
	ctx, agg, _, disp := newTestAggregator(t, AggregatorOptions{})
	tk, err := New(ctx, agg, TypeDecoder)
	require.NoError(t, err)

	req := testRequest(3)
	first, st := tk.Alloc(ctx, &req)
	require.Equal(t, hw.StatusOK, st)
	require.Len(t, first.MemIDs, 3)
	require.Equal(t, 3, disp.LiveBuffers(ctx))

	other := testRequest(5)
	second, st := tk.Alloc(ctx, &other)
	require.Equal(t, hw.StatusOK, st)
	require.Equal(t, first, second)
	require.Equal(t, 3, disp.LiveBuffers(ctx))

	// the session releasing the buffers does not drop the cached response
	require.Equal(t, hw.StatusOK, tk.Free(ctx, &first))
	third, st := tk.Alloc(ctx, &req)
	require.Equal(t, hw.StatusOK, st)
	require.Equal(t, first, third)

	handle, st := tk.GetHandle(ctx, first.MemIDs[0])
	require.Equal(t, hw.StatusOK, st)
	require.NotZero(t, handle)

	var data hw.FrameData
	require.Equal(t, hw.StatusOK, tk.Lock(ctx, first.MemIDs[0], &data))
	require.Len(t, data.Planes, 2)
	require.Equal(t, hw.StatusErrLockMemory, tk.Lock(ctx, first.MemIDs[0], &data))
	require.Equal(t, hw.StatusOK, tk.Unlock(ctx, first.MemIDs[0], &data))
	require.Nil(t, data.Planes)
	require.Equal(t, hw.StatusErrInvalidHandle, tk.Unlock(ctx, first.MemIDs[0], &data))

	require.NoError(t, tk.Close(ctx))
	require.Zero(t, disp.LiveBuffers(ctx))
}

func TestTaskAllocFailure(t *testing.T) {
	ctx, agg, _, disp := newTestAggregator(t, AggregatorOptions{})
	tk, err := New(ctx, agg, TypeDecoder)
	require.NoError(t, err)

	disp.FailAllocations.Store(true)
	req := testRequest(2)
	_, st := tk.Alloc(ctx, &req)
	require.Equal(t, hw.StatusErrMemoryAlloc, st)
	_, ok := tk.Response(ctx)
	require.False(t, ok)

	system := req
	system.Type = hw.MemTypeSystemMemory
	_, st = tk.Alloc(ctx, &system)
	require.Equal(t, hw.StatusErrUnsupported, st)
}

func TestTaskBorrower(t *testing.T) {
	ctx, agg, _, disp := newTestAggregator(t, AggregatorOptions{})
	peer, err := New(ctx, agg, TypeDecoder)
	require.NoError(t, err)
	borrower, err := NewWithSession(ctx, agg, peer.Session(), TypeVPPIn)
	require.NoError(t, err)

	require.NoError(t, borrower.AdoptResponse(ctx, peer))
	require.True(t, borrower.IsBorrower())
	require.Error(t, peer.AdoptResponse(ctx, borrower))
	require.Error(t, peer.AdoptResponse(ctx, peer))

	req := testRequest(2)
	resp, st := borrower.Alloc(ctx, &req)
	require.Equal(t, hw.StatusOK, st)
	peerResp, ok := peer.Response(ctx)
	require.True(t, ok)
	require.Equal(t, peerResp, resp)

	require.Equal(t, hw.StatusOK, borrower.Free(ctx, &resp))
	require.NoError(t, borrower.Close(ctx))
	require.Equal(t, 2, disp.LiveBuffers(ctx))

	require.NoError(t, peer.Close(ctx))
	require.Zero(t, disp.LiveBuffers(ctx))
}

func TestTaskAddType(t *testing.T) {
	ctx, agg, _, _ := newTestAggregator(t, AggregatorOptions{})
	tk, err := New(ctx, agg, TypeDecoder)
	require.NoError(t, err)

	tk.AddType(TypeVPPIn)
	tk.AddType(TypeEncoder)
	tk.AddType(TypeVPPIn)
	require.Equal(t, TypeDecoder|TypeVPPIn|TypeEncoder, tk.Type())
	require.True(t, tk.HasType(TypeDecoder|TypeEncoder))
	require.False(t, tk.HasType(TypeVPPOut))
	require.Equal(t, "decoder|vpp_in|encoder", tk.Type().String())
	require.Equal(t, hw.MemTypeFromDecode|hw.MemTypeFromVPPIn|hw.MemTypeFromEncode, tk.Type().MemType())
}

func TestTaskBuffersInUse(t *testing.T) {
	ctx, agg, _, disp := newTestAggregator(t, AggregatorOptions{})
	tk, err := New(ctx, agg, TypeDecoder)
	require.NoError(t, err)

	_, err = tk.AcquireMemID(ctx)
	require.ErrorIs(t, err, ErrNoRequest)

	tk.SetRequest(ctx, testRequest(3))
	mid, err := tk.AcquireMemID(ctx)
	require.NoError(t, err)
	total, acquired, idle := tk.BufferStats(ctx)
	require.Equal(t, []int{3, 1, 2}, []int{total, acquired, idle})
	require.NotNil(t, tk.Buffer(mid))

	require.NoError(t, tk.Close(ctx))
	require.Equal(t, 1, disp.LiveBuffers(ctx))

	_, err = tk.AcquireMemID(ctx)
	require.ErrorIs(t, err, ErrClosed)

	tk.ReleaseMemID(ctx, mid)
	require.Zero(t, disp.LiveBuffers(ctx))
}

func TestAggregatorCurrentTask(t *testing.T) {
	ctx, agg, _, _ := newTestAggregator(t, AggregatorOptions{})
	tk, err := New(ctx, agg, TypeDecoder)
	require.NoError(t, err)
	require.NoError(t, tk.UseVideoMemory(ctx))
	require.True(t, tk.IsVideoMemory())

	require.Nil(t, agg.GetCurrentTask())
	agg.Do(ctx, tk, func() {
		require.Same(t, tk, agg.GetCurrentTask())
	})
	require.Nil(t, agg.GetCurrentTask())

	par := &hw.VideoParam{
		CodecID:   hw.CodecIDAVC,
		IOPattern: hw.IOPatternOutVideoMemory,
		FrameInfo: testRequest(1).Info,
	}

	var st hw.Status
	agg.Do(ctx, tk, func() {
		st = tk.Session().Decode().Init(ctx, par)
	})
	require.Equal(t, hw.StatusOK, st)
	_, ok := tk.Response(ctx)
	require.True(t, ok)

	// an allocator callback with no current task is a bug
	require.Panics(t, func() {
		allocator := agg.allocator()
		req := testRequest(1)
		allocator.Alloc(ctx, &req)
	})
}

func TestAggregatorJoinSessions(t *testing.T) {
	ctx, agg, engine, _ := newTestAggregator(t, AggregatorOptions{JoinSessions: true})
	first, err := New(ctx, agg, TypeDecoder)
	require.NoError(t, err)
	second, err := New(ctx, agg, TypeEncoder)
	require.NoError(t, err)

	require.True(t, second.SessionRef().(OwnedSession).Joined)
	require.False(t, first.SessionRef().(OwnedSession).Joined)
	parent := first.Session().(*hwsim.Session)
	require.Equal(t, uint64(1), parent.JoinCount.Load())

	require.NoError(t, agg.Close(ctx))
	require.Equal(t, uint64(1), second.Session().(*hwsim.Session).DisjoinCount.Load())
	require.Equal(t, uint64(2), engine.CloseCount.Load())
	require.True(t, parent.IsClosed(ctx))
}
