// Package symbol resolves kernel function addresses by name.
//
// There is no public name-to-address lookup available to the tracer, so the
// resolver borrows one from the probe machinery: an Oracle briefly attaches a
// probe to the name, which makes the kernel locate and bind the symbol, reads
// the bound address back and detaches again.
package symbol

import (
	"errors"
	"fmt"
	"sync"

	"github.com/mxcrafts/opentrack/pkg/logger"
)

// ErrNotFound is returned when a symbol cannot be resolved.
var ErrNotFound = errors.New("symbol not found")

// Oracle resolves one name by attaching a throwaway probe to it.
type Oracle interface {
	Probe(name string) (uint64, error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(name string) (uint64, error)

func (f OracleFunc) Probe(name string) (uint64, error) {
	return f(name)
}

// Resolver memoises oracle answers. Kernel text addresses do not move while
// the system is up, so one probe per distinct name is enough. The cache is
// private to the Resolver.
type Resolver struct {
	oracle Oracle

	mu    sync.Mutex
	cache map[string]uint64
}

func NewResolver(oracle Oracle) *Resolver {
	return &Resolver{
		oracle: oracle,
		cache:  make(map[string]uint64),
	}
}

// Resolve returns the runtime address of name.
func (r *Resolver) Resolve(name string) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if addr, ok := r.cache[name]; ok {
		return addr, nil
	}

	addr, err := r.oracle.Probe(name)
	if err != nil {
		return 0, fmt.Errorf("resolving %s: %w: %v", name, ErrNotFound, err)
	}
	if addr == 0 {
		return 0, fmt.Errorf("resolving %s: %w: zero address", name, ErrNotFound)
	}

	r.cache[name] = addr
	logger.Global.Debug("Resolved symbol",
		"symbol", name,
		"addr", fmt.Sprintf("%#x", addr))
	return addr, nil
}

// Forget drops the cached address of name.
func (r *Resolver) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, name)
}

// Cached returns a copy of every resolved address.
func (r *Resolver) Cached() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]uint64, len(r.cache))
	for k, v := range r.cache {
		out[k] = v
	}
	return out
}
