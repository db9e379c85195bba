package math

// IsPowerOfTwo reports whether given integer is a power of two.
func IsPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// CeilToPowerOfTwo returns the least power of two integer value greater than
// or equal to n.
func CeilToPowerOfTwo(n uint64) uint64 {
	if n <= 2 {
		return n
	}
	n--
	n = formatBits(n)
	n++
	return n
}

// AlignUp rounds n up to the next multiple of align, which must be a power of two.
func AlignUp(n, align uint64) uint64 {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

// MinU32 returns the smaller of a and b.
func MinU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func formatBits(n uint64) uint64 {
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n
}
