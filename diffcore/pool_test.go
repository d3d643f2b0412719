package diffcore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsInFlightQueriesPerSide(t *testing.T) {
	pool := NewPool(context.Background(), 2)

	var inFlight, peak int64
	var mu sync.Mutex
	for i := 0; i < 20; i++ {
		pool.Go(func(ctx context.Context) error {
			release, err := pool.AcquireChecksum(ctx, "left")
			if err != nil {
				return err
			}
			defer release()

			n := atomic.AddInt64(&inFlight, 1)
			mu.Lock()
			if n > peak {
				peak = n
			}
			mu.Unlock()
			atomic.AddInt64(&inFlight, -1)
			return nil
		})
	}
	require.NoError(t, pool.Wait())
	assert.LessOrEqual(t, peak, int64(2))
}

func TestPoolFetchAcquiresBothSides(t *testing.T) {
	pool := NewPool(context.Background(), 1)
	release, err := pool.AcquireFetch(context.Background())
	require.NoError(t, err)

	// Both slots are held: a checksum acquire on either side must not
	// proceed until the fetch releases.
	acquired := make(chan struct{})
	go func() {
		r, err := pool.AcquireChecksum(context.Background(), "right")
		if err == nil {
			r()
		}
		close(acquired)
	}()

	time.Sleep(10 * time.Millisecond)
	select {
	case <-acquired:
		t.Fatal("checksum slot acquired while fetch held both sides")
	default:
	}
	release()
	<-acquired
}

func TestPoolFetchCancellation(t *testing.T) {
	pool := NewPool(context.Background(), 1)
	release, err := pool.AcquireFetch(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = pool.AcquireFetch(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
