//go:build !unix

package sim

func allocHostMemory(size uint64) ([]byte, error) {
	return make([]byte, size), nil
}

func freeHostMemory([]byte) error {
	return nil
}
