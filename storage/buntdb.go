package storage

import (
	"fmt"
	"sync"

	"github.com/tidwall/buntdb"
)

// BuntDBProvider implements Provider on top of an embedded BuntDB database.
// Pass ":memory:" (or an empty path) for a volatile in-memory store.
type BuntDBProvider struct {
	db   *buntdb.DB
	path string
	mu   sync.Mutex
	inTx bool
}

func NewBuntDBProvider(path string) *BuntDBProvider {
	return &BuntDBProvider{path: path}
}

func (b *BuntDBProvider) Initialize() error {
	path := b.path
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return fmt.Errorf("opening buntdb: %w", err)
	}
	b.db = db

	for _, prefix := range []string{KeyPrefixExchange, KeyPrefixQueue, KeyPrefixBinding, KeyPrefixMessage} {
		if err := b.db.CreateIndex("idx_"+prefix, prefix+"*", buntdb.IndexString); err != nil && err != buntdb.ErrIndexExists {
			b.db.Close()
			return fmt.Errorf("creating index for %s: %w", prefix, err)
		}
	}
	return nil
}

func (b *BuntDBProvider) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *BuntDBProvider) Set(key string, value []byte) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(key, string(value), nil)
		return err
	})
}

func (b *BuntDBProvider) Get(key string) ([]byte, error) {
	var value string
	err := b.db.View(func(tx *buntdb.Tx) error {
		v, err := tx.Get(key)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	if err == buntdb.ErrNotFound {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

func (b *BuntDBProvider) Delete(key string) error {
	return b.db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

func (b *BuntDBProvider) Keys(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			keys = append(keys, key)
			return true
		})
	})
	return keys, err
}

func (b *BuntDBProvider) BeginTx() (Transaction, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inTx {
		return nil, ErrTxAlreadyOpen
	}
	b.inTx = true
	return &buntDBTransaction{provider: b, writes: map[string][]byte{}, deletes: map[string]bool{}}, nil
}

type buntDBTransaction struct {
	provider *BuntDBProvider
	writes   map[string][]byte
	deletes  map[string]bool
}

func (tx *buntDBTransaction) Set(key string, value []byte) error {
	delete(tx.deletes, key)
	tx.writes[key] = value
	return nil
}

func (tx *buntDBTransaction) Delete(key string) error {
	delete(tx.writes, key)
	tx.deletes[key] = true
	return nil
}

func (tx *buntDBTransaction) Commit() error {
	err := tx.provider.db.Update(func(btx *buntdb.Tx) error {
		for key, value := range tx.writes {
			if _, _, err := btx.Set(key, string(value), nil); err != nil {
				return err
			}
		}
		for key := range tx.deletes {
			if _, err := btx.Delete(key); err != nil && err != buntdb.ErrNotFound {
				return err
			}
		}
		return nil
	})
	tx.provider.mu.Lock()
	tx.provider.inTx = false
	tx.provider.mu.Unlock()
	return err
}

func (tx *buntDBTransaction) Rollback() error {
	tx.provider.mu.Lock()
	tx.provider.inTx = false
	tx.provider.mu.Unlock()
	return nil
}
