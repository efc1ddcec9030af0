package alloc

import "errors"

var (
	// ErrOutOfSpace indicates that no slab had a fitting run and the device could not fit another slab.
	ErrOutOfSpace = errors.New("alloc: out of space")

	// ErrAllocationTooLarge indicates a request larger than one slab. Allocations never span slabs.
	ErrAllocationTooLarge = errors.New("alloc: allocation larger than a slab")

	// ErrZeroSize indicates a zero-byte request.
	ErrZeroSize = errors.New("alloc: zero-size allocation")

	// ErrBadHandle indicates a nil handle or one owned by another allocator.
	ErrBadHandle = errors.New("alloc: bad handle")

	// ErrDoubleFree indicates a release or retain of a handle whose blocks were already freed.
	ErrDoubleFree = errors.New("alloc: handle already released")

	// ErrBadOptions indicates an invalid slab/block geometry.
	ErrBadOptions = errors.New("alloc: bad options")
)
