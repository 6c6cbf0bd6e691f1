//go:build windows

package bridgehook

import (
	"golang.org/x/sys/windows"
)

// threadID identifies the calling OS thread; the dispatcher runs locked to
// the thread that entered the bridge, so this keys the per-thread save
// stacks.
func threadID() uint64 {
	return uint64(windows.GetCurrentThreadId())
}
