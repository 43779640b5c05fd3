package core

// Store is the capability set a server needs from a storage backend:
// enough to service Get/Set/Rm requests and to hand each worker-pool slot
// its own handle. *DB (wrapped by AsStore) and *boltstore.DB implement it, so
// cmd/kvsd-server can pick an engine at startup without the rest of the
// server caring which one it got.
type Store interface {
	Get(key string) (string, error)
	Set(key, val string) error
	Remove(key string) error
	Clone() Store
	Close() error
}

// storeHandle adapts *DB's Clone (which returns *DB) to the Store
// interface's Clone (which must return Store).
type storeHandle struct{ *DB }

func (h storeHandle) Clone() Store { return storeHandle{h.DB.Clone()} }

// AsStore wraps db so it satisfies Store.
func AsStore(db *DB) Store { return storeHandle{db} }
