package format

// Alignment utilities for arena nodes.
// Every node starts on a Granule boundary and has a size that is a multiple of Granule.

// Align8 returns n aligned up to the next 8-byte boundary.
//
// Example:
//
//	Align8(1)  = 8
//	Align8(8)  = 8
//	Align8(9)  = 16
func Align8(n int) int {
	return (n + GranuleMask) & ^GranuleMask
}

// AlignDown8 returns n rounded down to the previous 8-byte boundary.
func AlignDown8(n int) int {
	return n & ^GranuleMask
}

// IsAligned8 reports whether n sits on a granule boundary.
func IsAligned8(n int) bool {
	return n&GranuleMask == 0
}
