package objectstore

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

var errSideNotFound = errors.New("object store: side metadata not found")

// sideTable is the generic prefix-keyed Badger record the teacher's
// BadgerStore exposed for arbitrary entities, narrowed here to the
// object store's own ref-count/algorithm bookkeeping. It is
// deliberately not the store of record for anything relational — see
// internal/metastore for versions, branches, and tags.
type sideTable struct {
	db     *badger.DB
	prefix string
}

func newSideTable(db *badger.DB) *sideTable {
	return &sideTable{db: db, prefix: "obj"}
}

func (t *sideTable) key(hash string) []byte {
	return []byte(fmt.Sprintf("%s:%s", t.prefix, hash))
}

func (t *sideTable) put(m meta) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return t.db.Update(func(txn *badger.Txn) error {
		return txn.Set(t.key(m.Hash), data)
	})
}

func (t *sideTable) get(hash string) (meta, error) {
	var m meta
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(t.key(hash))
		if err == badger.ErrKeyNotFound {
			return errSideNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &m)
		})
	})
	return m, err
}

func (t *sideTable) delete(hash string) error {
	return t.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(t.key(hash))
	})
}

func (t *sideTable) incrementRefCount(hash string) error {
	m, err := t.get(hash)
	if err != nil {
		return err
	}
	m.RefCount++
	return t.put(m)
}

// decrementRefCount reports the resulting count so GC can decide
// whether to actually unlink the blob.
func (t *sideTable) decrementRefCount(hash string) (uint32, error) {
	m, err := t.get(hash)
	if err != nil {
		return 0, err
	}
	if m.RefCount > 0 {
		m.RefCount--
	}
	if err := t.put(m); err != nil {
		return 0, err
	}
	return m.RefCount, nil
}
