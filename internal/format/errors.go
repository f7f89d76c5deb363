package format

import "errors"

var (
	// ErrTruncated indicates the buffer lacked the bytes required for a node header.
	ErrTruncated = errors.New("format: truncated buffer")
	// ErrMisaligned indicates a node offset or size is not a multiple of Granule.
	ErrMisaligned = errors.New("format: misaligned node")
	// ErrBadSize indicates a node header carries a size below MinNodeSize.
	ErrBadSize = errors.New("format: bad node size")
)
