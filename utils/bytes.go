// Package utils holds small byte-slice helpers shared by tests and payload
// assembly.
package utils

// JoinBytes concatenates the given byte slices into a single new slice.
//
// Parameters:
//   - s: One or more byte slices to concatenate
//
// Returns:
//   - A new byte slice containing all input slices in order
func JoinBytes(s ...[]byte) []byte {
	n := 0
	for _, v := range s {
		n += len(v)
	}

	b, i := make([]byte, n), 0
	for _, v := range s {
		i += copy(b[i:], v)
	}

	return b
}

// RepeatBytes builds a slice of count copies of p laid end to end. Useful
// for constructing large test payloads from a short pattern.
//
// Parameters:
//   - p: The pattern to repeat
//   - count: How many copies to lay down; values below one yield an empty slice
//
// Returns:
//   - A new byte slice of length len(p)*count
func RepeatBytes(p []byte, count int) []byte {
	if count < 1 || len(p) == 0 {
		return []byte{}
	}

	b := make([]byte, 0, len(p)*count)
	for i := 0; i < count; i++ {
		b = append(b, p...)
	}

	return b
}
