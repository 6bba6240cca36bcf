//go:build !linux

package platform

import "runtime"

// ThreadID returns an id for the calling thread. Without a portable thread
// id the goroutine id stands in; it identifies the thread as long as the
// goroutine stays locked to it.
func ThreadID() int {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	return int(parseGID(buf[:n]))
}

// parseGID extracts the goroutine id from "goroutine 123 [running]:...".
func parseGID(buf []byte) int64 {
	const prefix = "goroutine "
	if len(buf) < len(prefix) || string(buf[:len(prefix)]) != prefix {
		return 0
	}
	var gid int64
	for _, c := range buf[len(prefix):] {
		if c < '0' || c > '9' {
			break
		}
		gid = gid*10 + int64(c-'0')
	}
	return gid
}
