// Package kvstore wraps go.etcd.io/bbolt as the embedded, transactional,
// disk-backed ordered key-value store the engine builds on. It exposes a
// narrow contract: open-or-create an environment, open a named store
// within it, begin a reader or a writer, get/put/delete, commit.
package kvstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Error wraps a failure from the underlying store. The engine treats any
// Error as a per-request failure, never a panic.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("kvstore: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

var (
	environments   = map[string]*Environment{}
	environmentsMu sync.Mutex
)

// Environment is the on-disk root of the KV store, one per filesystem path.
// Open is a process-singleton per path, mirroring the way the original
// Rkv::Manager deduplicated handles by path.
type Environment struct {
	path string
	db   *bolt.DB
}

// Open returns the Environment rooted at path, creating the directory tree
// and the backing file if necessary. A second Open of the same path within
// this process returns the same *Environment.
func Open(path string) (*Environment, error) {
	environmentsMu.Lock()
	defer environmentsMu.Unlock()

	if env, ok := environments[path]; ok {
		return env, nil
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, &Error{Op: "mkdir", Err: err}
	}

	dbPath := filepath.Join(path, "idb.db")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, &Error{Op: "open", Err: err}
	}

	env := &Environment{path: path, db: db}
	environments[path] = env
	return env, nil
}

// Close closes the underlying file and forgets the singleton so a later
// Open of the same path creates a fresh handle.
func (e *Environment) Close() error {
	environmentsMu.Lock()
	delete(environments, e.path)
	environmentsMu.Unlock()

	if err := e.db.Close(); err != nil {
		return &Error{Op: "close", Err: err}
	}
	return nil
}

// OpenStore ensures a bucket named by descriptor exists, returning once
// it's ready to be read from or written into.
func (e *Environment) OpenStore(descriptor string) error {
	err := e.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(descriptor))
		return err
	})
	if err != nil {
		return &Error{Op: "open-store", Err: err}
	}
	return nil
}

// Reader is a read-only snapshot transaction.
type Reader struct {
	tx *bolt.Tx
}

// BeginReader starts a snapshot read transaction. Multiple readers may be
// active concurrently with each other and with at most one writer (bbolt's
// MVCC guarantee), satisfying invariant I4.
func (e *Environment) BeginReader() (*Reader, error) {
	tx, err := e.db.Begin(false)
	if err != nil {
		return nil, &Error{Op: "begin-reader", Err: err}
	}
	return &Reader{tx: tx}, nil
}

// Get returns the value for key in the named store, or (nil, false) if the
// key is absent. Absence is not an error.
func (r *Reader) Get(store, key []byte) ([]byte, bool, error) {
	b := r.tx.Bucket(store)
	if b == nil {
		return nil, false, &Error{Op: "get", Err: fmt.Errorf("store %q not opened", store)}
	}
	v := b.Get(key)
	if v == nil {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Rollback releases the reader. Readers never mutate, so this just frees
// the bbolt snapshot.
func (r *Reader) Rollback() error {
	return r.tx.Rollback()
}

// Writer is an exclusive read-write transaction. Acquiring one blocks
// until any other writer on this Environment commits or rolls back
// (invariant I3).
type Writer struct {
	tx *bolt.Tx
}

// BeginWriter starts the (sole) writable transaction for this environment.
func (e *Environment) BeginWriter() (*Writer, error) {
	tx, err := e.db.Begin(true)
	if err != nil {
		return nil, &Error{Op: "begin-writer", Err: err}
	}
	return &Writer{tx: tx}, nil
}

// Get reads against the writer's own in-progress view.
func (w *Writer) Get(store, key []byte) ([]byte, bool, error) {
	b := w.tx.Bucket(store)
	if b == nil {
		return nil, false, &Error{Op: "get", Err: fmt.Errorf("store %q not opened", store)}
	}
	v := b.Get(key)
	if v == nil {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// Put writes key->value unconditionally, overwriting any existing value.
func (w *Writer) Put(store, key, value []byte) error {
	b := w.tx.Bucket(store)
	if b == nil {
		return &Error{Op: "put", Err: fmt.Errorf("store %q not opened", store)}
	}
	if err := b.Put(key, value); err != nil {
		return &Error{Op: "put", Err: err}
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (w *Writer) Delete(store, key []byte) error {
	b := w.tx.Bucket(store)
	if b == nil {
		return &Error{Op: "delete", Err: fmt.Errorf("store %q not opened", store)}
	}
	if err := b.Delete(key); err != nil {
		return &Error{Op: "delete", Err: err}
	}
	return nil
}

// Commit durably applies all writes made through this Writer. Failure here
// is fatal to the whole batch; callers must not
// panic on it — the engine logs it and counts the batch as failed.
func (w *Writer) Commit() error {
	if err := w.tx.Commit(); err != nil {
		return &Error{Op: "commit", Err: err}
	}
	return nil
}

// Rollback discards all writes made through this Writer without applying
// them.
func (w *Writer) Rollback() error {
	if err := w.tx.Rollback(); errors.Is(err, bolt.ErrTxClosed) {
		return nil
	} else if err != nil {
		return &Error{Op: "rollback", Err: err}
	}
	return nil
}
