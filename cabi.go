package bridgehook

/*
extern unsigned char bridgehookOnEntry(void*);
extern void* bridgehookOnExit(void*);

static void* bridgehook_entry_addr(void) { return (void*)&bridgehookOnEntry; }
static void* bridgehook_exit_addr(void)  { return (void*)&bridgehookOnExit; }
*/
import "C"

// dispatcherEntryAddr is the C-ABI address of the pre dispatcher, baked into
// every pre bridge.
func dispatcherEntryAddr() uintptr {
	return uintptr(C.bridgehook_entry_addr())
}

// dispatcherExitAddr is the C-ABI address of the post dispatcher.
func dispatcherExitAddr() uintptr {
	return uintptr(C.bridgehook_exit_addr())
}
