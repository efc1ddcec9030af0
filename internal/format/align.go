package format

// AlignUp returns n rounded up to the next multiple of align.
// align must be a power of two.
//
// Example:
//
//	AlignUp(1, 4096)    = 4096
//	AlignUp(4096, 4096) = 4096
//	AlignUp(4097, 4096) = 8192
func AlignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// AlignDown returns n rounded down to a multiple of align.
// align must be a power of two.
func AlignDown(n, align uint64) uint64 {
	return n &^ (align - 1)
}

// IsAligned reports whether n is a multiple of align (a power of two).
func IsAligned(n, align uint64) bool {
	return n&(align-1) == 0
}

// IsPowerOfTwo reports whether n is a non-zero power of two.
func IsPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}

// NextPageBoundary returns the first PageSize-aligned address strictly
// greater than addr.
//
// Example:
//
//	NextPageBoundary(0)    = 4096
//	NextPageBoundary(100)  = 4096
//	NextPageBoundary(4096) = 8192
func NextPageBoundary(addr uint64) uint64 {
	return AlignDown(addr, PageSize) + PageSize
}

// BlocksFor returns the number of blockSize blocks needed to hold n bytes.
func BlocksFor(n, blockSize uint64) uint64 {
	return (n + blockSize - 1) / blockSize
}
