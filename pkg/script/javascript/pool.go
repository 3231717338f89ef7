package javascript

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dop251/goja"
)

// vmPool manages reusable sandboxed runtimes.
type vmPool struct {
	pool          chan *pooledVM
	strict        bool
	maxSize       int32
	maxReuseCount int
	currentSize   int32
	totalCreated  int64

	mu     sync.Mutex
	closed bool
}

type pooledVM struct {
	vm         *goja.Runtime
	reuseCount int
}

func newVMPool(minSize, maxSize, maxReuseCount int, strict bool) (*vmPool, error) {
	if maxSize <= 0 {
		maxSize = 8
	}
	if minSize > maxSize {
		minSize = maxSize
	}
	if maxReuseCount <= 0 {
		maxReuseCount = 1000
	}

	p := &vmPool{
		pool:          make(chan *pooledVM, maxSize),
		strict:        strict,
		maxSize:       int32(maxSize),
		maxReuseCount: maxReuseCount,
	}
	for i := 0; i < minSize; i++ {
		vm, err := p.createVM()
		if err != nil {
			return nil, fmt.Errorf("failed to create initial VM: %w", err)
		}
		p.pool <- vm
	}
	return p, nil
}

// acquire returns an idle runtime, creates one below capacity, or waits.
func (p *vmPool) acquire(ctx context.Context) (*pooledVM, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("pool is closed")
	}

	select {
	case vm, ok := <-p.pool:
		if !ok {
			return nil, fmt.Errorf("pool is closed")
		}
		return p.recycle(vm)
	default:
	}

	if atomic.AddInt32(&p.currentSize, 1) <= p.maxSize {
		vm, err := p.newRuntime()
		if err != nil {
			atomic.AddInt32(&p.currentSize, -1)
			return nil, err
		}
		return vm, nil
	}
	atomic.AddInt32(&p.currentSize, -1)

	select {
	case vm, ok := <-p.pool:
		if !ok {
			return nil, fmt.Errorf("pool is closed")
		}
		return p.recycle(vm)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *vmPool) recycle(vm *pooledVM) (*pooledVM, error) {
	vm.reuseCount++
	if vm.reuseCount < p.maxReuseCount {
		return vm, nil
	}
	// worn out, replace in place so the pool size is unchanged
	return p.newRuntime()
}

// release resets the runtime and returns it to the pool.
func (p *vmPool) release(vm *pooledVM) {
	vm.vm.ClearInterrupt()
	if err := resetGlobals(vm.vm); err != nil {
		replacement, createErr := p.newRuntime()
		if createErr != nil {
			atomic.AddInt32(&p.currentSize, -1)
			return
		}
		vm = replacement
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		atomic.AddInt32(&p.currentSize, -1)
		return
	}
	select {
	case p.pool <- vm:
	default:
		atomic.AddInt32(&p.currentSize, -1)
	}
}

func (p *vmPool) createVM() (*pooledVM, error) {
	vm, err := p.newRuntime()
	if err != nil {
		return nil, err
	}
	atomic.AddInt32(&p.currentSize, 1)
	return vm, nil
}

func (p *vmPool) newRuntime() (*pooledVM, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := applySandbox(vm, p.strict); err != nil {
		return nil, fmt.Errorf("failed to create secure context: %w", err)
	}
	atomic.AddInt64(&p.totalCreated, 1)
	return &pooledVM{vm: vm}, nil
}

func (p *vmPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.pool)
	for range p.pool {
		atomic.AddInt32(&p.currentSize, -1)
	}
}

// PoolStats contains pool statistics
type PoolStats struct {
	CurrentSize  int   `json:"current_size"`
	MaxSize      int   `json:"max_size"`
	TotalCreated int64 `json:"total_created"`
	Available    int   `json:"available"`
}

func (p *vmPool) stats() PoolStats {
	return PoolStats{
		CurrentSize:  int(atomic.LoadInt32(&p.currentSize)),
		MaxSize:      int(p.maxSize),
		TotalCreated: atomic.LoadInt64(&p.totalCreated),
		Available:    len(p.pool),
	}
}
