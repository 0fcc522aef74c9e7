package callsite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-redux/internal/device"
	"github.com/23skdu/longbow-redux/internal/redux"
)

func hostFactory(h *device.Host) Factory {
	return func() (*redux.Dispatcher, error) {
		return redux.NewForBackend(h)
	}
}

func TestPool_Reuse(t *testing.T) {
	p := NewPool(2, hostFactory(device.NewHost()))
	defer p.Close()
	ctx := context.Background()

	d1, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(d1)
	assert.Equal(t, 1, p.Size())

	d2, err := p.Acquire(ctx)
	require.NoError(t, err)
	assert.Same(t, d1, d2)
	assert.Equal(t, 1, p.Created())
	p.Release(d2)
}

func TestPool_Bounded(t *testing.T) {
	p := NewPool(1, hostFactory(device.NewHost()))
	defer p.Close()

	d, err := p.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	p.Release(d)
	d, err = p.Acquire(context.Background())
	require.NoError(t, err)
	p.Release(d)
}

func TestPool_ConcurrentReductions(t *testing.T) {
	h := device.NewHost()
	p := NewPool(4, hostFactory(h))
	defer p.Close()
	ctx := context.Background()

	in, err := h.NewArray(ctx, []int{8, 16}, device.Float32, device.COrder)
	require.NoError(t, err)
	defer in.Release()
	values := make([]float64, 128)
	for i := range values {
		values[i] = 1
	}
	require.NoError(t, h.Upload(in, values))

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := p.Acquire(ctx)
			if err != nil {
				errs <- err
				return
			}
			defer p.Release(d)

			res, err := d.Reduce(ctx, in, redux.Params{
				Axes:    redux.Axes(1),
				Op:      device.ReduceAdd,
				AccType: device.Float32,
				Handle:  h.Handle(),
			})
			if err != nil {
				errs <- err
				return
			}
			defer res.Release()
			got, err := h.Download(res.Output)
			if err != nil {
				errs <- err
				return
			}
			for _, v := range got {
				if v != 16 {
					errs <- errors.New("wrong sum")
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.LessOrEqual(t, p.Created(), 4)
}

func TestPool_FactoryError(t *testing.T) {
	boom := errors.New("boom")
	p := NewPool(1, func() (*redux.Dispatcher, error) { return nil, boom })
	defer p.Close()

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, boom)

	// The slot was given back.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestPool_Close(t *testing.T) {
	h := device.NewHost()
	p := NewPool(2, hostFactory(h))
	ctx := context.Background()

	idle, err := p.Acquire(ctx)
	require.NoError(t, err)
	busy, err := p.Acquire(ctx)
	require.NoError(t, err)
	p.Release(idle)

	require.NoError(t, p.Close())
	assert.Equal(t, 0, p.Size())

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Returned after Close: torn down rather than kept.
	p.Release(busy)
	assert.Equal(t, 0, p.Size())

	in, err := h.NewArray(ctx, []int{2}, device.Float32, device.COrder)
	require.NoError(t, err)
	defer in.Release()
	_, err = busy.Reduce(ctx, in, redux.Params{Axes: redux.Axes(0), AccType: device.Float32, Handle: h.Handle()})
	assert.ErrorIs(t, err, redux.ErrArgument)
}
