package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewNaivePoolZeroSized(t *testing.T) {
	_, err := NewNaivePool(0)
	require.ErrorIs(t, err, ErrZeroSizedPool)
}

func TestNewSharedQueuePoolZeroSized(t *testing.T) {
	_, err := NewSharedQueuePool(0)
	require.ErrorIs(t, err, ErrZeroSizedPool)
}

func TestNaivePoolRunsAllJobs(t *testing.T) {
	p, err := NewNaivePool(4)
	require.NoError(t, err)

	var n atomic.Int64
	const jobs = 100
	for i := 0; i < jobs; i++ {
		p.Spawn(func() { n.Add(1) })
	}
	p.Wait()

	require.EqualValues(t, jobs, n.Load())
}

func TestNaivePoolJobPanicDoesNotStopOthers(t *testing.T) {
	p, err := NewNaivePool(4)
	require.NoError(t, err)

	p.Spawn(func() { panic("boom") })

	var ran atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	p.Spawn(func() {
		defer wg.Done()
		ran.Store(true)
	})
	wg.Wait()
	p.Wait()

	require.True(t, ran.Load())
}

func TestSharedQueuePoolRunsAllJobs(t *testing.T) {
	p, err := NewSharedQueuePool(4)
	require.NoError(t, err)
	defer p.Close()

	var n atomic.Int64
	var wg sync.WaitGroup
	const jobs = 200
	wg.Add(jobs)
	for i := 0; i < jobs; i++ {
		p.Spawn(func() {
			defer wg.Done()
			n.Add(1)
		})
	}
	wg.Wait()

	require.EqualValues(t, jobs, n.Load())
}

func TestSharedQueuePoolJobPanicDoesNotStopWorker(t *testing.T) {
	p, err := NewSharedQueuePool(1)
	require.NoError(t, err)
	defer p.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	p.Spawn(func() { panic("boom") })

	var ran atomic.Bool
	p.Spawn(func() {
		defer wg.Done()
		ran.Store(true)
	})

	waitWithTimeout(t, &wg, time.Second)
	require.True(t, ran.Load())
}

func TestSharedQueuePoolSpawnDoesNotBlockForJobCompletion(t *testing.T) {
	p, err := NewSharedQueuePool(1)
	require.NoError(t, err)
	defer p.Close()

	block := make(chan struct{})
	p.Spawn(func() { <-block })

	done := make(chan struct{})
	go func() {
		p.Spawn(func() {})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Spawn blocked waiting for an unrelated job to finish")
	}
	close(block)
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, d time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatal("timed out waiting for jobs to complete")
	}
}
