// Package goroutineid exposes the numeric identity of the calling goroutine.
//
// It exists to key per-OS-thread bindings: a scheduler goroutine is locked to
// its OS thread, so its goroutine id stands in for the thread's identity.
package goroutineid

import (
	"bytes"
	"runtime"
)

var header = []byte("goroutine ")

// Get returns the current goroutine's ID, parsed from the runtime stack
// header ("goroutine N [...]"). Returns 0 if parsing fails.
func Get() uint64 {
	var buf [64]byte
	return parse(buf[:runtime.Stack(buf[:], false)])
}

// parse extracts N from a stack trace starting "goroutine N ".
func parse(trace []byte) uint64 {
	digits, ok := bytes.CutPrefix(trace, header)
	if !ok {
		return 0
	}
	var id uint64
	for _, c := range digits {
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint64(c-'0')
	}
	return id
}
