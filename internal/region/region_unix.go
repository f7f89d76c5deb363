//go:build unix

package region

import (
	"errors"

	"golang.org/x/sys/unix"
)

// maxRegion keeps node sizes encodable in the 31-bit size field.
const maxRegion = 1<<31 - PageSize

func mapAnon(length int) ([]byte, bool, error) {
	data, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func unmapAnon(data []byte) error {
	if data == nil {
		return nil
	}
	err := unix.Munmap(data)
	if errors.Is(err, unix.EINVAL) {
		// Treat double-unmap as no-op for callers.
		return nil
	}
	return err
}
