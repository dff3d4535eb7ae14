// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package kvstore implements the store contracts on top of walletdb, using
// the bolt-backed "bdb" driver. One database file holds all per-wallet
// buckets so the wallet unit is persisted as a whole.
package kvstore

import (
	"bytes"
	"encoding/binary"
	"io"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcwallet/walletdb"
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"

	"github.com/descwallet/descwallet/store"
)

var (
	addrBucketKey  = []byte("addresses")
	txBucketKey    = []byte("transactions")
	blobBucketKey  = []byte("rawtx")
	stateBucketKey = []byte("walletstate")

	stateBlobKey = []byte("unit")
)

const defaultDBTimeout = 10 * time.Second

// DB is a walletdb-backed implementation of store.WalletStore.
type DB struct {
	db walletdb.DB
}

// A compile time check to ensure DB implements the WalletStore interface.
var _ store.WalletStore = (*DB)(nil)

// Open creates or opens the wallet database at dbPath.
func Open(dbPath string) (*DB, error) {
	db, err := walletdb.Create(
		"bdb", dbPath, true, defaultDBTimeout, false,
	)
	if err != nil {
		return nil, err
	}

	// Make sure all top level buckets exist so readers never have to
	// special-case a fresh database.
	err = walletdb.Update(db, func(tx walletdb.ReadWriteTx) error {
		for _, key := range [][]byte{
			addrBucketKey, txBucketKey, blobBucketKey,
			stateBucketKey,
		} {
			if tx.ReadWriteBucket(key) != nil {
				continue
			}
			if _, err := tx.CreateTopLevelBucket(key); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &DB{db: db}, nil
}

// Addresses returns the address cache table.
func (d *DB) Addresses() store.Table {
	return &table{db: d.db, bucket: addrBucketKey}
}

// Transactions returns the transaction cache table.
func (d *DB) Transactions() store.Table {
	return &table{db: d.db, bucket: txBucketKey}
}

// TxBlobs returns the content-addressed raw transaction store.
func (d *DB) TxBlobs() store.TxBlobStore {
	return &blobStore{db: d.db}
}

// State returns the wallet unit state store.
func (d *DB) State() store.StateStore {
	return &stateStore{db: d.db}
}

// Close closes the underlying database.
func (d *DB) Close() error {
	return d.db.Close()
}

// table implements store.Table on a single top level bucket. Rows are keyed
// by a big-endian row index so iteration preserves insertion order.
type table struct {
	db     walletdb.DB
	bucket []byte
}

func (t *table) ReadAll() ([][]string, error) {
	var rows [][]string
	err := walletdb.View(t.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(t.bucket)
		if ns == nil {
			return nil
		}

		return ns.ForEach(func(_, v []byte) error {
			row, err := decodeRow(v)
			if err != nil {
				return err
			}
			rows = append(rows, row)

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return rows, nil
}

func (t *table) WriteAll(rows [][]string) error {
	return walletdb.Update(t.db, func(tx walletdb.ReadWriteTx) error {
		// Recreate the bucket so deleted rows don't linger.
		err := tx.DeleteTopLevelBucket(t.bucket)
		if err != nil && err != walletdb.ErrBucketNotFound {
			return err
		}
		ns, err := tx.CreateTopLevelBucket(t.bucket)
		if err != nil {
			return err
		}

		var key [8]byte
		for i, row := range rows {
			binary.BigEndian.PutUint64(key[:], uint64(i))
			if err := ns.Put(key[:], encodeRow(row)); err != nil {
				return err
			}
		}

		return nil
	})
}

// encodeRow serializes a row as a sequence of uvarint length prefixed
// fields. Fields may contain arbitrary bytes, including separators.
func encodeRow(row []string) []byte {
	var buf bytes.Buffer
	var scratch [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(scratch[:], uint64(len(row)))
	buf.Write(scratch[:n])
	for _, field := range row {
		n := binary.PutUvarint(scratch[:], uint64(len(field)))
		buf.Write(scratch[:n])
		buf.WriteString(field)
	}

	return buf.Bytes()
}

func decodeRow(data []byte) ([]string, error) {
	r := bytes.NewReader(data)
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}

	row := make([]string, 0, count)
	for i := uint64(0); i < count; i++ {
		fieldLen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, err
		}
		field := make([]byte, fieldLen)
		if fieldLen > 0 {
			if _, err := io.ReadFull(r, field); err != nil {
				return nil, err
			}
		}
		row = append(row, string(field))
	}

	return row, nil
}

// blobStore implements store.TxBlobStore. Raw transactions are write-once,
// keyed by txid.
type blobStore struct {
	db walletdb.DB
}

func (b *blobStore) PutTx(txid chainhash.Hash, raw []byte) error {
	return walletdb.Update(b.db, func(tx walletdb.ReadWriteTx) error {
		ns := tx.ReadWriteBucket(blobBucketKey)

		existing := ns.Get(txid[:])
		if existing != nil {
			if !bytes.Equal(existing, raw) {
				return store.ErrBlobMismatch
			}

			return nil
		}

		return ns.Put(txid[:], raw)
	})
}

func (b *blobStore) FetchTx(txid chainhash.Hash) ([]byte, error) {
	var raw []byte
	err := walletdb.View(b.db, func(tx walletdb.ReadTx) error {
		ns := tx.ReadBucket(blobBucketKey)

		v := ns.Get(txid[:])
		if v == nil {
			return store.ErrBlobNotFound
		}
		raw = make([]byte, len(v))
		copy(raw, v)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return raw, nil
}

// stateStore implements store.StateStore on a single key.
type stateStore struct {
	db walletdb.DB
}

func (s *stateStore) Save(blob []byte) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		return tx.ReadWriteBucket(stateBucketKey).Put(
			stateBlobKey, blob,
		)
	})
}

func (s *stateStore) Load() ([]byte, error) {
	var blob []byte
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		v := tx.ReadBucket(stateBucketKey).Get(stateBlobKey)
		if v == nil {
			return store.ErrNoState
		}
		blob = make([]byte, len(v))
		copy(blob, v)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return blob, nil
}
