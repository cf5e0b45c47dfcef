// SPDX-License-Identifier: MIT

package gpu

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireRelease(t *testing.T) {
	r := NewRegistry(2, zerolog.Nop())

	dev, err := r.Acquire("job-a")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Free())

	r.Release("job-a")
	assert.Equal(t, 2, r.Free())

	// Released device is reusable.
	dev2, err := r.Acquire("job-b")
	require.NoError(t, err)
	assert.Contains(t, []int{0, 1}, dev2)
	_ = dev
}

func TestAcquireExhaustion(t *testing.T) {
	r := NewRegistry(1, zerolog.Nop())

	_, err := r.Acquire("job-a")
	require.NoError(t, err)

	_, err = r.Acquire("job-b")
	assert.ErrorIs(t, err, ErrNoFreeSlot)

	r.Release("job-a")
	_, err = r.Acquire("job-b")
	assert.NoError(t, err)
}

func TestAcquireIdempotentPerJob(t *testing.T) {
	r := NewRegistry(2, zerolog.Nop())

	dev1, err := r.Acquire("job-a")
	require.NoError(t, err)
	dev2, err := r.Acquire("job-a")
	require.NoError(t, err)

	assert.Equal(t, dev1, dev2, "a job holds at most one slot")
	assert.Equal(t, 1, r.Free())
}

func TestReleaseUnheldIsNoop(t *testing.T) {
	r := NewRegistry(1, zerolog.Nop())
	r.Release("never-acquired")
	assert.Equal(t, 1, r.Free())
}

func TestSnapshotIsCopy(t *testing.T) {
	r := NewRegistry(1, zerolog.Nop())
	_, err := r.Acquire("job-a")
	require.NoError(t, err)

	snap := r.Snapshot()
	snap[0].JobID = "tampered"

	fresh := r.Snapshot()
	assert.Equal(t, "job-a", fresh[0].JobID)
}

func TestConcurrentAcquireNeverOversubscribes(t *testing.T) {
	const devices = 4
	r := NewRegistry(devices, zerolog.Nop())

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := map[int]string{}

	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			jobID := string(rune('a' + n))
			dev, err := r.Acquire(jobID)
			if err != nil {
				return
			}
			mu.Lock()
			prev, taken := granted[dev]
			granted[dev] = jobID
			mu.Unlock()
			assert.False(t, taken, "device %d granted to both %s and %s", dev, prev, jobID)
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, len(granted), devices)
	assert.Zero(t, r.Free())
}
