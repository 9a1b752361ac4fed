// Package memory pools tensor storage per device so that per-iteration
// buffers (collated batches, activations) are reused instead of
// reallocated.
package memory

import (
	"fmt"
	"sync"

	"github.com/tsawler/go-ctdet/tensor"
)

// BufferPool holds released float32 buffers of one capacity tier.
type BufferPool struct {
	buffers    chan []float32 // available buffers
	maxSize    int            // pool size limit
	bufferSize int            // capacity of every buffer in this pool
	allocated  int            // buffers handed out and not yet dropped
	mutex      sync.RWMutex   // protects allocated
}

// NewBufferPool creates a pool of at most maxSize buffers of bufferSize
// elements.
func NewBufferPool(bufferSize int, maxSize int) *BufferPool {
	return &BufferPool{
		buffers:    make(chan []float32, maxSize),
		maxSize:    maxSize,
		bufferSize: bufferSize,
	}
}

// Get retrieves a buffer from the pool or allocates a new one. The
// returned slice has length bufferSize and undefined contents.
func (bp *BufferPool) Get() []float32 {
	select {
	case buf := <-bp.buffers:
		return buf
	default:
		bp.mutex.Lock()
		bp.allocated++
		bp.mutex.Unlock()
		return make([]float32, bp.bufferSize)
	}
}

// Return puts a buffer back into the pool, dropping it when the pool is
// full.
func (bp *BufferPool) Return(buf []float32) {
	if cap(buf) < bp.bufferSize {
		return
	}
	select {
	case bp.buffers <- buf[:bp.bufferSize]:
	default:
		bp.mutex.Lock()
		bp.allocated--
		bp.mutex.Unlock()
	}
}

// drain drops every idle buffer.
func (bp *BufferPool) drain() int {
	n := 0
	for {
		select {
		case <-bp.buffers:
			n++
		default:
			bp.mutex.Lock()
			bp.allocated -= n
			bp.mutex.Unlock()
			return n
		}
	}
}

// Stats returns pool statistics
func (bp *BufferPool) Stats() (available int, allocated int, maxSize int) {
	bp.mutex.RLock()
	defer bp.mutex.RUnlock()
	return len(bp.buffers), bp.allocated, bp.maxSize
}

// PoolKey represents a key for the buffer pool map
type PoolKey struct {
	Size   int
	Device tensor.Device
}

func (k PoolKey) String() string {
	return fmt.Sprintf("%s/%d", k.Device, k.Size)
}

// Manager routes buffer requests to size-tiered pools per device.
type Manager struct {
	pools      map[PoolKey]*BufferPool
	poolsMutex sync.RWMutex

	// pool size tiers in elements
	poolSizes []int
}

// Default tiers in float32 elements: 1K up to 16M.
var defaultPoolSizes = []int{
	1 << 10, 1 << 12, 1 << 14, 1 << 16, 1 << 18, 1 << 20, 1 << 22, 1 << 24,
}

// NewManager creates a manager with the default tiers.
func NewManager() *Manager {
	return &Manager{
		pools:     make(map[PoolKey]*BufferPool),
		poolSizes: defaultPoolSizes,
	}
}

// Get returns a zeroed buffer of exactly n elements for device.
func (m *Manager) Get(n int, device tensor.Device) []float32 {
	if n <= 0 {
		return nil
	}
	size, ok := m.findPoolSize(n)
	if !ok {
		return make([]float32, n)
	}
	buf := m.getOrCreatePool(PoolKey{Size: size, Device: device}).Get()[:n]
	clear(buf)
	return buf
}

// Put hands buf back to the pool it came from. Buffers that do not match
// a tier are left to the garbage collector.
func (m *Manager) Put(buf []float32, device tensor.Device) {
	if !m.isTier(cap(buf)) {
		return
	}
	key := PoolKey{Size: cap(buf), Device: device}

	m.poolsMutex.RLock()
	pool, exists := m.pools[key]
	m.poolsMutex.RUnlock()

	if exists {
		pool.Return(buf[:cap(buf)])
	}
}

// NewTensor wraps a pooled buffer as a zeroed Float32 tensor.
func (m *Manager) NewTensor(shape []int, device tensor.Device) (*tensor.Tensor, error) {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return tensor.NewTensor(shape, tensor.Float32, device, m.Get(n, device))
}

// Release returns the storage of Float32 tensors to their pools. The
// tensors must not be used afterwards.
func (m *Manager) Release(ts ...*tensor.Tensor) {
	for _, t := range ts {
		if t == nil || t.DType != tensor.Float32 {
			continue
		}
		m.Put(t.Data.([]float32), t.Device)
		t.Data = []float32(nil)
	}
}

// EmptyCache drops every idle buffer held for device and returns how many
// were released.
func (m *Manager) EmptyCache(device tensor.Device) int {
	m.poolsMutex.RLock()
	defer m.poolsMutex.RUnlock()

	n := 0
	for key, pool := range m.pools {
		if key.Device == device {
			n += pool.drain()
		}
	}
	return n
}

// findPoolSize finds the smallest tier that can hold n elements. It
// reports false when n exceeds the largest tier.
func (m *Manager) findPoolSize(n int) (int, bool) {
	for _, poolSize := range m.poolSizes {
		if poolSize >= n {
			return poolSize, true
		}
	}
	return 0, false
}

func (m *Manager) isTier(size int) bool {
	for _, poolSize := range m.poolSizes {
		if poolSize == size {
			return true
		}
	}
	return false
}

func (m *Manager) getOrCreatePool(key PoolKey) *BufferPool {
	m.poolsMutex.RLock()
	pool, exists := m.pools[key]
	m.poolsMutex.RUnlock()

	if exists {
		return pool
	}

	m.poolsMutex.Lock()
	defer m.poolsMutex.Unlock()

	// Double-check after acquiring write lock
	if pool, exists := m.pools[key]; exists {
		return pool
	}

	pool = NewBufferPool(key.Size, calculateMaxPoolSize(key.Size))
	m.pools[key] = pool
	return pool
}

// calculateMaxPoolSize determines the maximum number of idle buffers kept
// per tier. Smaller buffers get larger pools.
func calculateMaxPoolSize(bufferSize int) int {
	switch {
	case bufferSize <= 1<<12:
		return 100
	case bufferSize <= 1<<16:
		return 50
	case bufferSize <= 1<<20:
		return 20
	case bufferSize <= 1<<22:
		return 10
	default:
		return 5
	}
}

// Stats returns per-pool statistics
func (m *Manager) Stats() map[PoolKey]string {
	m.poolsMutex.RLock()
	defer m.poolsMutex.RUnlock()

	stats := make(map[PoolKey]string)
	for key, pool := range m.pools {
		available, allocated, maxSize := pool.Stats()
		stats[key] = fmt.Sprintf("available=%d, allocated=%d, max=%d",
			available, allocated, maxSize)
	}
	return stats
}

var (
	defaultManager     *Manager
	defaultManagerOnce sync.Once
)

// Default returns the process-wide manager.
func Default() *Manager {
	defaultManagerOnce.Do(func() {
		defaultManager = NewManager()
	})
	return defaultManager
}
