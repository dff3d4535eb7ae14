// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package store defines the persistence contracts consumed by the wallet
// engine. The engine never touches files or database handles directly; it
// talks to a tabular row store for the address and transaction caches, a
// content-addressed blob store for raw transactions, and a single-blob
// state store for the wallet unit (pending PSBTs and the frozen set).
package store

import (
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var (
	// ErrNoState is returned by StateStore.Load when no wallet state has
	// been persisted yet. Callers treat this as a cold start.
	ErrNoState = errors.New("no persisted wallet state")

	// ErrBlobNotFound is returned when a raw transaction is not present
	// in the blob store.
	ErrBlobNotFound = errors.New("transaction blob not found")

	// ErrBlobMismatch is returned when a Put would overwrite an existing
	// blob with different bytes. Raw transactions are content-addressed
	// by txid, so this always indicates corrupted input.
	ErrBlobMismatch = errors.New("transaction blob mismatch for txid")
)

// Table is a row-oriented store used for the address and transaction
// caches. Rows are opaque string tuples; the cache owns the column layout.
// WriteAll replaces the full table atomically, which matches the caches'
// persist-after-every-mutation discipline.
type Table interface {
	// ReadAll returns every persisted row. A store that has never been
	// written returns an empty slice and no error.
	ReadAll() ([][]string, error)

	// WriteAll atomically replaces the table contents with rows.
	WriteAll(rows [][]string) error
}

// TxBlobStore persists raw transaction bytes, content-addressed by txid.
// Entries are write-once: a second Put for the same txid with different
// bytes must fail rather than overwrite.
type TxBlobStore interface {
	// PutTx stores raw under txid. Storing identical bytes twice is a
	// no-op.
	PutTx(txid chainhash.Hash, raw []byte) error

	// FetchTx returns the raw bytes for txid, or ErrBlobNotFound.
	FetchTx(txid chainhash.Hash) ([]byte, error)
}

// StateStore persists the wallet orchestrator's unit-of-work blob.
type StateStore interface {
	// Save atomically replaces the wallet state blob.
	Save(blob []byte) error

	// Load returns the persisted blob, or ErrNoState.
	Load() ([]byte, error)
}

// WalletStore bundles the per-wallet persistence surface handed to the
// orchestrator at construction time.
type WalletStore interface {
	Addresses() Table
	Transactions() Table
	TxBlobs() TxBlobStore
	State() StateStore

	// Close releases any underlying resources.
	Close() error
}
