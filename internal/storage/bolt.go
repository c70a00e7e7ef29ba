package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketName = []byte("consent")

// BoltStorage keeps acceptor state in a single bbolt file. Every Put is its
// own read-write transaction, and bbolt fsyncs the file before Update returns.
type BoltStorage struct {
	db   *bolt.DB
	path string
}

// OpenBolt opens (or creates) the database at path.
func OpenBolt(path string) (*BoltStorage, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create %s: %w", dir, err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init bucket: %w", err)
	}
	log.Infof("opened bolt storage at %s", path)
	return &BoltStorage{db: db, path: path}, nil
}

func (b *BoltStorage) Put(key string, value []byte) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), value)
	})
	if err != nil {
		log.Warningf("bolt put %q: %v", key, err)
		return fmt.Errorf("%w: %s: %v", ErrPutFailed, key, err)
	}
	return nil
}

func (b *BoltStorage) Get(key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// v is only valid inside the transaction.
		out = make([]byte, len(v))
		copy(out, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltStorage) Close() error {
	return b.db.Close()
}

func (b *BoltStorage) Path() string { return b.path }
