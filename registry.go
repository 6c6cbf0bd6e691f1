package bridgehook

import (
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// hookRegistry is the process-wide mapping from hooked address (or vtable
// slot address) to its active hook record. Registration is the
// serialization point: at most one active hook exists per address.
type hookRegistry struct {
	mu    sync.RWMutex
	hooks map[uintptr]*Hook

	registered atomic.Int64
}

var (
	registryOnce sync.Once
	registryInst *hookRegistry
)

// registry returns the singleton, initialized lazily under a one-shot guard.
func registry() *hookRegistry {
	registryOnce.Do(func() {
		registryInst = &hookRegistry{hooks: make(map[uintptr]*Hook)}
	})
	return registryInst
}

func (r *hookRegistry) register(addr uintptr, h *Hook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hooks[addr]; ok {
		return errors.Wrapf(ErrAlreadyHooked, "address 0x%x", addr)
	}
	r.hooks[addr] = h
	r.registered.Inc()
	log().Debug("hook registered", zap.Uintptr("addr", addr))
	return nil
}

func (r *hookRegistry) deregister(addr uintptr) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.hooks[addr]; !ok {
		return errors.Wrapf(ErrNotHooked, "address 0x%x", addr)
	}
	delete(r.hooks, addr)
	r.registered.Dec()
	log().Debug("hook deregistered", zap.Uintptr("addr", addr))
	return nil
}

// lookup takes the shared lock; it is the dispatcher's path.
func (r *hookRegistry) lookup(addr uintptr) (*Hook, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hooks[addr]
	return h, ok
}

// ActiveHooks reports how many hooks are currently registered.
func ActiveHooks() int {
	return int(registry().registered.Load())
}
