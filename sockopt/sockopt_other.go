//go:build !unix

package sockopt

// apply is a no-op on platforms without the raw setsockopt surface this
// package targets; binds proceed with the runtime defaults.
func apply(fd uintptr, network string, opts Options) error {
	return nil
}
