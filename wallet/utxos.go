// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/descwallet/descwallet/txcache"
)

// Utxo is one entry of the derived UTXO view.  The view is never
// persisted, it is rebuilt from the node, the transaction cache and the
// lock state on every call.
type Utxo struct {
	// OutPoint identifies the output.
	OutPoint wire.OutPoint

	// Address is the output's address.
	Address string

	// Amount is the output value.
	Amount btcutil.Amount

	// Confirmations is the depth of the funding transaction.
	Confirmations int32

	// Category is the funding transaction's classification.
	Category txcache.Category

	// Timestamp is the funding transaction's time.
	Timestamp time.Time

	// Locked reports an RPC level lock, held for a pending spend.
	// RPC locks are node process scoped and vanish on node restart.
	Locked bool

	// Frozen reports membership in the wallet's persisted frozen set.
	Frozen bool
}

// Spendable reports whether the output may fund a new transaction.
func (u *Utxo) Spendable() bool {
	return !u.Locked && !u.Frozen &&
		u.Category != txcache.CategoryImmature
}

// Utxos rebuilds the UTXO view.  With includeLocked unset, locked and
// frozen outputs are filtered out.
func (w *Wallet) Utxos(includeLocked bool) ([]Utxo, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	utxos, err := w.listUnspent()
	if err != nil {
		return nil, err
	}
	if includeLocked {
		return utxos, nil
	}

	return fn.Filter(utxos, func(u Utxo) bool {
		return !u.Locked && !u.Frozen
	}), nil
}

// listUnspent queries the node for every unspent output, temporarily
// lifting the node's manual locks so locked outputs appear too, and
// joins each output to its funding transaction in the cache.  Callers
// hold the wallet mutex.
func (w *Wallet) listUnspent() ([]Utxo, error) {
	locked, err := w.cfg.Client.ListLockedUnspent()
	if err != nil {
		return nil, err
	}

	if len(locked) > 0 {
		err := w.cfg.Client.LockUnspent(true, locked)
		if err != nil {
			return nil, err
		}
		// The locks must come back whatever happens below.
		defer func() {
			err := w.cfg.Client.LockUnspent(false, locked)
			if err != nil {
				log.Errorf("Unable to re-apply %d output "+
					"locks: %v", len(locked), err)
			}
		}()
	}

	lockedSet := make(map[wire.OutPoint]struct{}, len(locked))
	for _, op := range locked {
		lockedSet[op] = struct{}{}
	}

	unspent, err := w.cfg.Client.ListUnspent(0)
	if err != nil {
		return nil, err
	}

	utxos := make([]Utxo, 0, len(unspent))
	for _, u := range unspent {
		utxo := Utxo{
			OutPoint:      u.OutPoint,
			Address:       u.Address,
			Amount:        u.Amount,
			Confirmations: u.Confirmations,
		}

		rec, ok := w.txs.Lookup(u.OutPoint.Hash)
		if !ok {
			// The cache unexpectedly lacks the funding
			// transaction.  Heal it with a targeted
			// reconciliation rather than failing the view.
			healed, err := w.txs.ReconcileOne(u.OutPoint.Hash)
			if err != nil {
				log.Warnf("Unable to backfill tx %v for "+
					"utxo view: %v", u.OutPoint.Hash, err)
			} else {
				rec, ok = healed, true
			}
		}
		if ok {
			utxo.Category = rec.Category
			utxo.Timestamp = rec.Timestamp
		}

		_, utxo.Locked = lockedSet[u.OutPoint]
		_, utxo.Frozen = w.frozen[u.OutPoint.String()]

		utxos = append(utxos, utxo)
	}

	return utxos, nil
}

// ToggleFreeze flips the frozen state of each outpoint by membership:
// frozen outputs thaw and unlock, everything else freezes and locks.
// The frozen set persists with the wallet state while the mirrored RPC
// lock is per node process.
func (w *Wallet) ToggleFreeze(outPoints []wire.OutPoint) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, op := range outPoints {
		key := op.String()
		if _, ok := w.frozen[key]; ok {
			err := w.cfg.Client.LockUnspent(
				true, []wire.OutPoint{op},
			)
			if err != nil {
				return err
			}
			delete(w.frozen, key)
		} else {
			err := w.cfg.Client.LockUnspent(
				false, []wire.OutPoint{op},
			)
			if err != nil {
				return err
			}
			w.frozen[key] = struct{}{}
		}
	}

	return w.saveState()
}

// Balance summarizes the wallet's funds.
type Balance struct {
	// Confirmed is the value of confirmed spendable outputs.
	Confirmed btcutil.Amount

	// Unconfirmed is the value of mempool outputs.
	Unconfirmed btcutil.Amount

	// Immature is the value of coinbase outputs younger than the
	// maturity window.
	Immature btcutil.Amount

	// Available is what a new spend may consume: confirmed plus
	// unconfirmed, minus frozen, locked and immature outputs.
	Available btcutil.Amount
}

// Balance rebuilds the UTXO view and summarizes it.
func (w *Wallet) Balance() (*Balance, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.balanceLocked()
}

// balanceLocked computes the balance summary.  Callers hold the wallet
// mutex.
func (w *Wallet) balanceLocked() (*Balance, error) {
	utxos, err := w.listUnspent()
	if err != nil {
		return nil, err
	}

	var bal Balance
	for _, utxo := range utxos {
		switch {
		case utxo.Category == txcache.CategoryImmature:
			bal.Immature += utxo.Amount
		case utxo.Confirmations > 0:
			bal.Confirmed += utxo.Amount
		default:
			bal.Unconfirmed += utxo.Amount
		}

		if utxo.Spendable() {
			bal.Available += utxo.Amount
		}
	}
	return &bal, nil
}
