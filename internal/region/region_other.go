//go:build !unix

package region

const maxRegion = 1<<31 - PageSize

// mapAnon falls back to the Go heap when anonymous mappings are not available.
func mapAnon(length int) ([]byte, bool, error) {
	return make([]byte, length), false, nil
}

func unmapAnon([]byte) error {
	return nil
}
