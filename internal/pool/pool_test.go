package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"elata.dev/eegd/internal/packet"
)

func TestPool_TryAcquire_ExhaustsAtCount(t *testing.T) {
	p := New[packet.RawI32](8, 3)

	var bufs [][]packet.RawI32
	for i := 0; i < 3; i++ {
		buf, err := p.TryAcquire()
		require.NoError(t, err)
		bufs = append(bufs, buf)
	}

	_, err := p.TryAcquire()
	assert.ErrorIs(t, err, ErrPoolExhausted)

	p.Release(bufs[0])
	buf, err := p.TryAcquire()
	require.NoError(t, err)
	assert.Len(t, buf, 8)
}

func TestPool_Acquire_TimesOutWhenDrained(t *testing.T) {
	p := New[packet.RawI32](4, 1)
	buf, err := p.TryAcquire()
	require.NoError(t, err)
	defer p.Release(buf)

	_, err = p.Acquire(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPool_Acquire_UnblocksOnRelease(t *testing.T) {
	p := New[packet.RawI32](4, 1)
	buf, err := p.TryAcquire()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := p.Acquire(context.Background(), time.Second)
		assert.NoError(t, err)
	}()

	time.Sleep(10 * time.Millisecond)
	p.Release(buf)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Acquire did not unblock after Release")
	}
}

// TestPool_NeverExceedsCount is a property check (§8): under concurrent
// acquire/release churn, buffers in circulation never exceed the pool's
// configured count.
func TestPool_NeverExceedsCount(t *testing.T) {
	const count = 16
	p := New[packet.RawI32](4, count)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				buf, err := p.TryAcquire()
				if err != nil {
					continue
				}
				if p.InUse() > count {
					t.Errorf("pool in-use %d exceeds count %d", p.InUse(), count)
				}
				p.Release(buf)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, p.InUse())
}

func TestPool_Release_DropsBufferWhenFull(t *testing.T) {
	p := New[packet.RawI32](2, 1)
	extra := make([]packet.RawI32, 2)
	assert.NotPanics(t, func() { p.Release(extra) })
	assert.Equal(t, 0, p.InUse())
}

func TestPool_CapacityAndBufferLen(t *testing.T) {
	p := New[packet.Voltage](12, 5)
	assert.Equal(t, 5, p.Capacity())
	assert.Equal(t, 12, p.BufferLen())
}
