// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package sqlstore implements the store contracts on a sqlite database via
// the cgo-free modernc driver. It is wire compatible with the kvstore
// backend at the contract level and is selected through the root binary's
// --db flag.
package sqlstore

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	_ "modernc.org/sqlite"

	"github.com/descwallet/descwallet/store"
)

// schema holds the full DDL. Rows for the tabular stores are kept as JSON
// arrays; the caches own the column layout, the store only promises
// ordered, atomic replacement.
const schema = `
CREATE TABLE IF NOT EXISTS table_rows (
	table_name TEXT NOT NULL,
	row_idx INTEGER NOT NULL,
	row_data TEXT NOT NULL,
	PRIMARY KEY (table_name, row_idx)
);
CREATE TABLE IF NOT EXISTS tx_blobs (
	txid BLOB PRIMARY KEY,
	raw BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS wallet_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	blob BLOB NOT NULL
);
`

// DB is a sqlite-backed implementation of store.WalletStore.
type DB struct {
	db *sql.DB
}

var _ store.WalletStore = (*DB)(nil)

// Open creates or opens the sqlite database at dbPath and applies the
// schema.
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// A wallet store is single-writer. Serialize access at the driver
	// level so concurrent readers never observe a partial WriteAll.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to apply schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Addresses returns the address cache table.
func (d *DB) Addresses() store.Table {
	return &table{db: d.db, name: "addresses"}
}

// Transactions returns the transaction cache table.
func (d *DB) Transactions() store.Table {
	return &table{db: d.db, name: "transactions"}
}

// TxBlobs returns the content-addressed raw transaction store.
func (d *DB) TxBlobs() store.TxBlobStore {
	return &blobStore{db: d.db}
}

// State returns the wallet unit state store.
func (d *DB) State() store.StateStore {
	return &stateStore{db: d.db}
}

// Close closes the underlying database handle.
func (d *DB) Close() error {
	return d.db.Close()
}

type table struct {
	db   *sql.DB
	name string
}

func (t *table) ReadAll() ([][]string, error) {
	rows, err := t.db.Query(
		`SELECT row_data FROM table_rows WHERE table_name = ? `+
			`ORDER BY row_idx`, t.name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result [][]string
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}

		var row []string
		if err := json.Unmarshal([]byte(data), &row); err != nil {
			return nil, err
		}
		result = append(result, row)
	}

	return result, rows.Err()
}

func (t *table) WriteAll(tableRows [][]string) error {
	tx, err := t.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`DELETE FROM table_rows WHERE table_name = ?`, t.name,
	)
	if err != nil {
		return err
	}

	for i, row := range tableRows {
		data, err := json.Marshal(row)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`INSERT INTO table_rows (table_name, row_idx, `+
				`row_data) VALUES (?, ?, ?)`,
			t.name, i, string(data),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

type blobStore struct {
	db *sql.DB
}

func (b *blobStore) PutTx(txid chainhash.Hash, raw []byte) error {
	var existing []byte
	err := b.db.QueryRow(
		`SELECT raw FROM tx_blobs WHERE txid = ?`, txid[:],
	).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err = b.db.Exec(
			`INSERT INTO tx_blobs (txid, raw) VALUES (?, ?)`,
			txid[:], raw,
		)
		return err

	case err != nil:
		return err

	case !bytes.Equal(existing, raw):
		return store.ErrBlobMismatch

	default:
		return nil
	}
}

func (b *blobStore) FetchTx(txid chainhash.Hash) ([]byte, error) {
	var raw []byte
	err := b.db.QueryRow(
		`SELECT raw FROM tx_blobs WHERE txid = ?`, txid[:],
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, store.ErrBlobNotFound
	}
	if err != nil {
		return nil, err
	}

	return raw, nil
}

type stateStore struct {
	db *sql.DB
}

func (s *stateStore) Save(blob []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO wallet_state (id, blob) VALUES (1, ?) `+
			`ON CONFLICT (id) DO UPDATE SET blob = excluded.blob`,
		blob,
	)
	return err
}

func (s *stateStore) Load() ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(
		`SELECT blob FROM wallet_state WHERE id = 1`,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, store.ErrNoState
	}
	if err != nil {
		return nil, err
	}

	return blob, nil
}
