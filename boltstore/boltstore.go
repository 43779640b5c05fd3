// Package boltstore adapts go.etcd.io/bbolt to the same core.Store
// capability set core.DB offers through core.AsStore (Get/Set/Remove/Clone/Close, the
// same error taxonomy), so cmd/kvsd-server can select it as an
// alternative backend without the server or wire layers caring which
// storage engine they're actually talking to. Correctness of Get/Set/
// Remove is delegated entirely to bbolt; this package only adapts its
// shape.
package boltstore

import (
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/brineholt/kvsd/core"
)

// sentinelName marks a directory as belonging to this backend, so a
// server resolving an engine at startup never opens the log-structured
// engine on top of a bbolt directory by mistake.
const sentinelName = "bolt.cfg"

// coreSentinelName is core's own sentinel file name, duplicated here for
// the same reason core/file.go duplicates this package's name: neither
// package imports the other's internals, so the one constant both must
// agree on is kept in both places.
const coreSentinelName = "kvs"

const dbFileName = "bolt.db"

var bucketName = []byte("kv")

// DB is a handle onto a bbolt-backed store. Clone returns a shallow copy
// sharing the same *bolt.DB; bbolt's DB is already safe for concurrent
// transactional use, so no additional synchronization is needed to give
// every worker-pool slot its own handle the way core.DB's reader cache
// does for the log-structured engine.
type DB struct {
	bolt   *bolt.DB
	dir    string
	isRoot bool
}

// Open opens (creating if necessary) a bbolt-backed store rooted at dir.
// It fails with core.ErrForeignSentinel if dir already carries the
// log-structured engine's sentinel file, the same cross-engine check
// core.Open performs in the other direction.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %q: %w", dir, err)
	}

	if _, err := os.Stat(filepath.Join(dir, coreSentinelName)); err == nil {
		return nil, core.ErrForeignSentinel
	}

	if err := ensureSentinel(dir); err != nil {
		return nil, fmt.Errorf("ensure sentinel: %w", err)
	}

	bdb, err := bolt.Open(filepath.Join(dir, dbFileName), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	if err := bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketName)
		return err
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("create bucket: %w", err)
	}

	return &DB{bolt: bdb, dir: dir, isRoot: true}, nil
}

func ensureSentinel(dir string) error {
	f, err := os.OpenFile(filepath.Join(dir, sentinelName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}

// Get returns the value stored for key, or core.ErrKeyNotFound.
func (db *DB) Get(key string) (string, error) {
	var val string
	var found bool

	err := db.bolt.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketName).Get([]byte(key))
		if v != nil {
			found = true
			val = string(v)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", core.ErrKeyNotFound
	}
	return val, nil
}

// Set stores val for key, overwriting any previous value.
func (db *DB) Set(key, val string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketName).Put([]byte(key), []byte(val))
	})
}

// Remove deletes key, returning core.ErrRemoveNonexistKey if it has no
// live value, matching core.DB's error taxonomy.
func (db *DB) Remove(key string) error {
	return db.bolt.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b.Get([]byte(key)) == nil {
			return core.ErrRemoveNonexistKey
		}
		return b.Delete([]byte(key))
	})
}

// Clone returns a handle sharing the same underlying *bolt.DB.
func (db *DB) Clone() core.Store {
	return &DB{bolt: db.bolt, dir: db.dir}
}

// Close closes the underlying bbolt database, but only if db is the
// handle Open returned. A cloned handle's Close is a no-op: bbolt has no
// per-handle state to release the way core.DB's reader cache does, and
// closing the shared *bolt.DB out from under other handles sharing it
// would break them.
func (db *DB) Close() error {
	if !db.isRoot {
		return nil
	}
	return db.bolt.Close()
}
