//go:build linux

package uthread

import (
	"golang.org/x/sys/unix"
)

// osThreadID returns the kernel thread id of the calling OS thread.
func osThreadID() int {
	return unix.Gettid()
}
