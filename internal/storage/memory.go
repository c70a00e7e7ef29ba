// =============================================================================
// IN-MEMORY STORAGE - Testing/Demo Implementation
// =============================================================================
//
// Keeps every pair in a map. Nothing survives the process, so an acceptor
// backed by MemoryStorage only "survives" a restart when the same
// MemoryStorage value is handed to the restarted acceptor (which is exactly
// what the crash-restart tests do).
//
// Byte slices are copied on the way in and on the way out: callers reuse
// their buffers.
//
// Fault injection: SetFailPuts makes every Put fail until cleared, which lets
// tests check that acceptors never reply without a durable write.
//
// =============================================================================

package storage

import "sync"

type MemoryStorage struct {
	data     map[string][]byte
	failPuts bool
	puts     int
	closed   bool
	mu       sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (m *MemoryStorage) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.failPuts {
		return ErrPutFailed
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	m.data[key] = buf
	m.puts++
	return nil
}

func (m *MemoryStorage) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	result := make([]byte, len(v))
	copy(result, v)
	return result, nil
}

func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Reopen undoes Close while keeping the data, simulating a process restart
// over the same disk.
func (m *MemoryStorage) Reopen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
}

// SetFailPuts makes subsequent Puts fail (true) or succeed (false).
func (m *MemoryStorage) SetFailPuts(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPuts = fail
}

// Puts reports how many Puts succeeded.
func (m *MemoryStorage) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// Keys returns the number of stored keys.
func (m *MemoryStorage) Keys() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

func (m *MemoryStorage) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string][]byte)
	m.puts = 0
	m.failPuts = false
}

// PutFunc and GetFunc expose the store through the client callback shapes.
func (m *MemoryStorage) PutFunc() PutFunc {
	return func(key string, value []byte) bool { return m.Put(key, value) == nil }
}

func (m *MemoryStorage) GetFunc() GetFunc {
	return func(key string) ([]byte, bool) {
		v, err := m.Get(key)
		return v, err == nil
	}
}
