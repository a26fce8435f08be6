package future

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_FirstResolveWins(t *testing.T) {
	f := New[string]()

	assert.False(t, f.Resolved())
	_, ok := f.Value()
	assert.False(t, ok)

	assert.True(t, f.Resolve("first"))
	assert.False(t, f.Resolve("second"))

	v, ok := f.Value()
	require.True(t, ok)
	assert.Equal(t, "first", v)
}

func TestFuture_WaitersSeeSameValue(t *testing.T) {
	type payload struct{ n int }
	f := New[*payload]()
	p := &payload{n: 7}

	var wg sync.WaitGroup
	results := make([]*payload, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := f.Wait(context.Background())
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	f.Resolve(p)
	wg.Wait()

	for _, r := range results {
		assert.Same(t, p, r)
	}
}

func TestFuture_WaitHonoursContext(t *testing.T) {
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFuture_ConcurrentResolve(t *testing.T) {
	f := New[int]()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if f.Resolve(i) {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
	<-f.Done()
}
