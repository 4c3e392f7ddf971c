// Copyright (c) 2026 The keel developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// store is the single source of truth for account and session bytes. All
// mutation happens inside one Badger read-write transaction; an error from
// the transaction body rolls everything back.
package store

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"

	"github.com/keelproject/keel/wire"
)

var ErrNotFound = errors.New("not found")

// Store persists one account blob per local address, one session blob per
// (local, remote) pair, and the durable stream offset.
type Store struct {
	db  *badger.DB
	log *logrus.Entry
}

// Open opens (creating if necessary) the store at path.
func Open(path string, log *logrus.Logger) (*Store, error) {
	if log == nil {
		log = logrus.New()
	}
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("could not open store %v: %w", path, err)
	}
	return &Store{
		db:  db,
		log: log.WithField("component", "store"),
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func accountKey(as wire.Address) []byte {
	return []byte("account/" + as.String())
}

func sessionKey(as, with wire.Address) []byte {
	return []byte("session/" + as.String() + "/" + with.String())
}

func offsetKey(as wire.Address) []byte {
	return []byte("offset/" + as.String())
}

// Tx is a handle onto one transaction.
type Tx struct {
	txn *badger.Txn
}

// Tx runs fn inside a single read-write transaction.
func (s *Store) Tx(fn func(tx *Tx) error) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return fn(&Tx{txn: txn})
	})
}

// View runs fn inside a read-only transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		return fn(&Tx{txn: txn})
	})
}

func (t *Tx) get(key []byte) ([]byte, error) {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// Account returns the sealed account blob for a local address.
func (t *Tx) Account(as wire.Address) ([]byte, error) {
	return t.get(accountKey(as))
}

// SetAccount stores the sealed account blob for a local address.
func (t *Tx) SetAccount(as wire.Address, blob []byte) error {
	return t.txn.Set(accountKey(as), blob)
}

// Session returns the sealed session blob for a (local, remote) pair.
func (t *Tx) Session(as, with wire.Address) ([]byte, error) {
	return t.get(sessionKey(as, with))
}

// SetSession stores the sealed session blob for a (local, remote) pair.
func (t *Tx) SetSession(as, with wire.Address, blob []byte) error {
	return t.txn.Set(sessionKey(as, with), blob)
}

// DeleteSession removes a session blob.
func (t *Tx) DeleteSession(as, with wire.Address) error {
	return t.txn.Delete(sessionKey(as, with))
}

// Offset returns the durable stream offset, zero if none was recorded.
func (t *Tx) Offset(as wire.Address) (uint64, error) {
	b, err := t.get(offsetKey(as))
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if len(b) != 8 {
		return 0, fmt.Errorf("corrupt offset for %v", as)
	}
	var off uint64
	for i := 0; i < 8; i++ {
		off = off<<8 | uint64(b[i])
	}
	return off, nil
}

// SetOffset records the durable stream offset.
func (t *Tx) SetOffset(as wire.Address, off uint64) error {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(off)
		off >>= 8
	}
	return t.txn.Set(offsetKey(as), b)
}

// Offset is a convenience wrapper around a read-only transaction.
func (s *Store) Offset(as wire.Address) (uint64, error) {
	var off uint64
	err := s.View(func(tx *Tx) error {
		var err error
		off, err = tx.Offset(as)
		return err
	})
	return off, err
}

// SetOffset is a convenience wrapper around a read-write transaction.
func (s *Store) SetOffset(as wire.Address, off uint64) error {
	return s.Tx(func(tx *Tx) error {
		return tx.SetOffset(as, off)
	})
}
