// =============================================================================
// STORAGE ADAPTER - Durable Key/Value State for Acceptors
// =============================================================================
//
// Acceptors persist one record per log slot (promised ballot, accepted ballot,
// accepted value, decided flag). The protocol only needs two operations:
//
//   Put(key, value)  - returns only once the pair is durable
//   Get(key)         - returns the last value Put under key
//
// Backends:
//   - MemoryStorage: tests and the in-process demo (not durable)
//   - BoltStorage:   single-file bbolt database, fsync on every commit
//   - Callbacks:     user-supplied Put/Get functions from the client API
//
// =============================================================================
// INVARIANT THIS FILE MUST UPHOLD
// =============================================================================
//
// After Put returns nil the pair survives a crash of the calling process.
// Acceptors reply to proposers only after Put returned nil, so a backend that
// acknowledges early can make two different values look chosen.
//
// =============================================================================

package storage

import (
	"errors"
	"fmt"

	logging "github.com/op/go-logging"
)

var log = logging.MustGetLogger("storage")

var (
	// ErrNotFound is returned by Get when nothing was ever Put under the key.
	ErrNotFound = errors.New("storage: key not found")
	// ErrPutFailed is returned when a backend could not make a pair durable.
	ErrPutFailed = errors.New("storage: put failed")
	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("storage: closed")
)

// Storage is the durable key/value contract used by the Acceptor.
type Storage interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Close() error
}

// PutFunc stores (key, value) and returns false when it cannot do so with the
// required stability (disk full, I/O error).
type PutFunc func(key string, value []byte) bool

// GetFunc returns the value stored under key, or false when there is none.
type GetFunc func(key string) ([]byte, bool)

type callbacks struct {
	put PutFunc
	get GetFunc
}

// Callbacks adapts user-supplied Put/Get functions to Storage. A false result
// from get is reported as ErrNotFound; a false result from put as ErrPutFailed.
func Callbacks(put PutFunc, get GetFunc) Storage {
	return &callbacks{put: put, get: get}
}

func (c *callbacks) Put(key string, value []byte) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	if !c.put(key, buf) {
		log.Warningf("put %q rejected by storage callback", key)
		return fmt.Errorf("%w: %s", ErrPutFailed, key)
	}
	return nil
}

func (c *callbacks) Get(key string) ([]byte, error) {
	v, ok := c.get(key)
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (c *callbacks) Close() error { return nil }
