package lock

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpinLock(t *testing.T) {
	var lk SpinLock
	lk.Lock()
	require.False(t, lk.TryLock())
	lk.Unlock()
	require.True(t, lk.TryLock())
	lk.Unlock()
}

func TestAcquireMutualExclusion(t *testing.T) {
	const nWorker, nIter = 8, 2000
	for _, alg := range []Algorithm{TAS, TTAS, CAS} {
		t.Run(alg.String(), func(t *testing.T) {
			var word uint32
			counter := 0
			var wg sync.WaitGroup
			wg.Add(nWorker)
			for i := 0; i < nWorker; i++ {
				go func() {
					defer wg.Done()
					for j := 0; j < nIter; j++ {
						Acquire(alg, &word)
						counter++
						Release(&word)
					}
				}()
			}
			wg.Wait()
			require.Equal(t, nWorker*nIter, counter)
			require.Equal(t, uint32(0), word)
		})
	}
}

func BenchmarkSpinLock(b *testing.B) {
	var lk SpinLock
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			lk.Lock()
			lk.Unlock()
		}
	})
}

func BenchmarkAcquire(b *testing.B) {
	for _, alg := range []Algorithm{TAS, TTAS, CAS} {
		b.Run(alg.String(), func(b *testing.B) {
			var word uint32
			b.RunParallel(func(pb *testing.PB) {
				for pb.Next() {
					Acquire(alg, &word)
					Release(&word)
				}
			})
		})
	}
}
