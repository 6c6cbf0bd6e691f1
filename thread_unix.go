//go:build !windows

package bridgehook

/*
#include <pthread.h>

static unsigned long long bridgehook_thread_id(void) {
	return (unsigned long long)pthread_self();
}
*/
import "C"

// threadID identifies the calling OS thread; the dispatcher runs locked to
// the thread that entered the bridge, so this keys the per-thread save
// stacks.
func threadID() uint64 {
	return uint64(C.bridgehook_thread_id())
}
