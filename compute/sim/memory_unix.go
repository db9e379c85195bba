//go:build unix

package sim

import (
	"golang.org/x/sys/unix"

	util_math "github.com/tezrry/gpulock/util/math"
)

// allocHostMemory maps anonymous pages outside the Go heap, the way a driver
// hands out host-visible device memory.
func allocHostMemory(size uint64) ([]byte, error) {
	n := util_math.AlignUp(size, uint64(unix.Getpagesize()))
	data, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, err
	}
	return data[:size], nil
}

// freeHostMemory takes the slice allocHostMemory returned; its capacity
// spans the whole mapping.
func freeHostMemory(data []byte) error {
	if cap(data) == 0 {
		return nil
	}
	return unix.Munmap(data[:cap(data)])
}
