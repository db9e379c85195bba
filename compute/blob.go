package compute

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/tezrry/gpulock/pkg/errors"
)

// SPIRVMagic is the first word of every kernel binary.
const SPIRVMagic uint32 = 0x07230203

const spirvHeaderWords = 5

// Blob is an externally compiled kernel binary. Its contents are opaque
// beyond the module header.
type Blob struct {
	Source string
	Words  []uint32
}

// BlobFromWords wraps an in-memory kernel.
func BlobFromWords(words []uint32) (Blob, error) {
	if err := checkHeader(words); err != nil {
		return Blob{}, err
	}
	return Blob{Source: "memory", Words: words}, nil
}

// BlobFromFile reads a kernel binary written in either byte order.
func BlobFromFile(path string) (Blob, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Blob{}, fmt.Errorf("%w: %w", errors.ErrInvalidKernelBlob, err)
	}
	words, err := DecodeBlob(data)
	if err != nil {
		return Blob{}, fmt.Errorf("%s: %w", path, err)
	}
	return Blob{Source: path, Words: words}, nil
}

// DecodeBlob converts a kernel file image to words, detecting the byte order
// from the magic number.
func DecodeBlob(data []byte) ([]uint32, error) {
	if len(data) == 0 || len(data)%WordSize != 0 {
		return nil, fmt.Errorf("%w: size %d is not a positive multiple of %d", errors.ErrInvalidKernelBlob, len(data), WordSize)
	}

	var order binary.ByteOrder = binary.LittleEndian
	if binary.BigEndian.Uint32(data) == SPIRVMagic {
		order = binary.BigEndian
	}

	words := make([]uint32, len(data)/WordSize)
	for i := range words {
		words[i] = order.Uint32(data[i*WordSize:])
	}
	if err := checkHeader(words); err != nil {
		return nil, err
	}
	return words, nil
}

// EncodeBlob is the little-endian file image of words.
func EncodeBlob(words []uint32) []byte {
	data := make([]byte, len(words)*WordSize)
	for i, w := range words {
		binary.LittleEndian.PutUint32(data[i*WordSize:], w)
	}
	return data
}

func checkHeader(words []uint32) error {
	if len(words) < spirvHeaderWords {
		return fmt.Errorf("%w: %d words is shorter than the module header", errors.ErrInvalidKernelBlob, len(words))
	}
	if words[0] != SPIRVMagic {
		return fmt.Errorf("%w: bad magic %#08x", errors.ErrInvalidKernelBlob, words[0])
	}
	return nil
}
