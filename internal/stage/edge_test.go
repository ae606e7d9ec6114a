package stage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEdge_SendRecv_FIFO(t *testing.T) {
	e := NewEdge[int](4, PolicyBlock, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, e.Send(ctx, i))
	}
	for i := 0; i < 4; i++ {
		v, err := e.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, v)
	}
}

func TestEdge_PolicyBlock_BlocksUntilRoom(t *testing.T) {
	e := NewEdge[int](1, PolicyBlock, nil)
	ctx := context.Background()
	require.NoError(t, e.Send(ctx, 1))

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, e.Send(ctx, 2))
	}()

	select {
	case <-done:
		t.Fatal("Send should have blocked while the edge was full")
	case <-time.After(20 * time.Millisecond):
	}

	v, err := e.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send did not unblock after Recv made room")
	}
}

func TestEdge_PolicyBlock_HonorsCancellation(t *testing.T) {
	e := NewEdge[int](1, PolicyBlock, nil)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Send(context.Background(), 1))

	errCh := make(chan error, 1)
	go func() { errCh <- e.Send(ctx, 2) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Send did not observe cancellation")
	}
}

func TestEdge_PolicyDropNewest_DiscardsIncomingWhenFull(t *testing.T) {
	var drops int
	e := NewEdge[int](1, PolicyDropNewest, func() { drops++ })
	ctx := context.Background()

	require.NoError(t, e.Send(ctx, 1))
	require.NoError(t, e.Send(ctx, 2)) // dropped

	v, err := e.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v, "the queued item must be the first one sent")
	assert.Equal(t, 1, drops)
}

func TestEdge_PolicyDropOldest_EvictsHeadToMakeRoom(t *testing.T) {
	var drops int
	e := NewEdge[int](1, PolicyDropOldest, func() { drops++ })
	ctx := context.Background()

	require.NoError(t, e.Send(ctx, 1))
	require.NoError(t, e.Send(ctx, 2)) // evicts 1, keeps 2

	v, err := e.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, v, "the newest item must survive drop-oldest")
	assert.Equal(t, 1, drops)
}

func TestEdge_Drain_DiscardsQueuedItems(t *testing.T) {
	e := NewEdge[int](4, PolicyBlock, nil)
	ctx := context.Background()
	require.NoError(t, e.Send(ctx, 1))
	require.NoError(t, e.Send(ctx, 2))

	var drained []int
	e.Drain(func(v int) { drained = append(drained, v) })

	assert.ElementsMatch(t, []int{1, 2}, drained)
	assert.Equal(t, 0, e.Len())
}

func TestParsePolicy(t *testing.T) {
	cases := []struct {
		in   string
		want DropPolicy
		ok   bool
	}{
		{"", PolicyBlock, true},
		{"block", PolicyBlock, true},
		{"drop_oldest", PolicyDropOldest, true},
		{"drop_newest", PolicyDropNewest, true},
		{"bogus", PolicyBlock, false},
	}
	for _, c := range cases {
		got, ok := ParsePolicy(c.in)
		assert.Equal(t, c.want, got, c.in)
		assert.Equal(t, c.ok, ok, c.in)
	}
}
