// Package goroutineid reads the numeric id of the calling goroutine.
//
// The runtime does not expose the id, so it is parsed from the header of
// runtime.Stack. It is used to detect re-entry into an event loop and is
// not meant for anything else.
package goroutineid

import (
	"bytes"
	"runtime"
	"sync"
)

var header = []byte("goroutine ")

var bufs = sync.Pool{
	New: func() any {
		b := make([]byte, 64)
		return &b
	},
}

// Get returns the id of the calling goroutine, or 0 if it cannot be parsed.
func Get() int64 {
	bp := bufs.Get().(*[]byte)
	defer bufs.Put(bp)
	// only the first line is needed; a short buffer truncates the rest
	n := runtime.Stack(*bp, false)
	return parse((*bp)[:n])
}

// parse extracts the id from a stack header such as
// "goroutine 18 [running]:". It does not allocate.
func parse(stack []byte) int64 {
	i := bytes.Index(stack, header)
	if i < 0 {
		return 0
	}
	var id int64
	digits := 0
	for _, b := range stack[i+len(header):] {
		if b < '0' || b > '9' {
			break
		}
		id = id*10 + int64(b-'0')
		digits++
	}
	if digits == 0 {
		return 0
	}
	return id
}
