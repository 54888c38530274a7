//go:build !linux

package uthread

// osThreadID is not available on this platform.
func osThreadID() int {
	return 0
}
