//go:build !unix && !windows

package server

// setSocketOptions is a no-op where SO_REUSEADDR is unavailable
func setSocketOptions(fd uintptr) error {
	return nil
}
