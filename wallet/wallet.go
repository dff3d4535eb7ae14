// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package wallet ties one descriptor, one address cache, one
// transaction cache and the pending spend tracker into a single wallet
// with a serialized read-modify-persist cycle per operation.
package wallet

import (
	"bytes"
	"sync"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"

	"github.com/descwallet/descwallet/addrcache"
	"github.com/descwallet/descwallet/chain"
	"github.com/descwallet/descwallet/descriptor"
	"github.com/descwallet/descwallet/store"
	"github.com/descwallet/descwallet/txcache"
)

// DefaultSyncInterval is the background reconciliation interval used
// when the config does not override it.
const DefaultSyncInterval = 30 * time.Second

// Config assembles a wallet's collaborators.
type Config struct {
	// Params identifies the chain.
	Params *chaincfg.Params

	// Descriptor is the wallet's output descriptor.
	Descriptor *descriptor.Descriptor

	// Client is the backing node.
	Client chain.Client

	// Store provides the wallet's persistence collaborators.
	Store store.WalletStore

	// SyncTicker drives the background reconciliation loop.  Tests
	// inject a force ticker; when nil a wall clock ticker with
	// SyncInterval is used.
	SyncTicker ticker.Ticker

	// SyncInterval overrides DefaultSyncInterval when non zero.
	SyncInterval time.Duration
}

// Wallet is the single owner of one wallet's caches and pending state.
// Every mutating operation serializes on the wallet mutex around its
// whole read-modify-persist cycle.
type Wallet struct {
	cfg Config

	mu    sync.Mutex
	addrs *addrcache.Cache
	txs   *txcache.Cache

	// pending tracks in flight partially signed spends by txid.
	pending map[chainhash.Hash]*PendingTx

	// frozen is the persisted set of user frozen outpoints, keyed by
	// the outpoint's string form.
	frozen map[string]struct{}

	// reconciling guards against overlapping reconciliation passes.
	// A re-entrant call is a no-op, not queued.
	reconciling atomic.Bool

	syncTicker ticker.Ticker

	started atomic.Bool
	quit    chan struct{}
	wg      sync.WaitGroup
}

// New assembles a wallet from its collaborators and loads persisted
// state.  An unreadable state blob degrades to a cold start, it never
// fails construction.
func New(cfg Config) (*Wallet, error) {
	addrs := addrcache.New(
		cfg.Descriptor, cfg.Client, cfg.Store.Addresses(),
	)
	txs := txcache.New(
		cfg.Params, cfg.Client, addrs, cfg.Store.Transactions(),
		cfg.Store.TxBlobs(),
	)

	syncTicker := cfg.SyncTicker
	if syncTicker == nil {
		interval := cfg.SyncInterval
		if interval == 0 {
			interval = DefaultSyncInterval
		}
		syncTicker = ticker.New(interval)
	}

	w := &Wallet{
		cfg:        cfg,
		addrs:      addrs,
		txs:        txs,
		pending:    make(map[chainhash.Hash]*PendingTx),
		frozen:     make(map[string]struct{}),
		syncTicker: syncTicker,
		quit:       make(chan struct{}),
	}

	blob, err := cfg.Store.State().Load()
	switch {
	case err == store.ErrNoState:
		// First run.
	case err != nil:
		log.Warnf("Wallet state unreadable, starting cold: %v", err)
	default:
		frozen, pending, err := decodeState(blob)
		if err != nil {
			log.Warnf("Wallet state corrupt, starting cold: %v",
				err)
		} else {
			w.frozen = frozen
			w.pending = pending
		}
	}

	return w, nil
}

// Start primes the keypool and kicks off the background sync loop.
func (w *Wallet) Start() error {
	if !w.started.CompareAndSwap(false, true) {
		return nil
	}

	w.mu.Lock()
	for _, change := range []bool{false, true} {
		err := w.addrs.EnsureAhead(
			change, w.addrs.MaxUsedIndex(change),
		)
		if err != nil {
			w.mu.Unlock()
			w.started.Store(false)
			return err
		}
	}

	// Node-side locks do not survive a node restart, so the locks
	// backing persisted pending spends are re-asserted on every start.
	if err := w.relockPending(); err != nil {
		w.mu.Unlock()
		w.started.Store(false)
		return err
	}
	w.mu.Unlock()

	w.syncTicker.Resume()
	w.wg.Add(1)
	go w.syncLoop()

	return nil
}

// relockPending locks every input of every pending spend at the node.
// Inputs shared by replacement candidates are only submitted once.
// The caller must hold the wallet mutex.
func (w *Wallet) relockPending() error {
	seen := make(map[wire.OutPoint]struct{})
	var inputs []wire.OutPoint
	for _, entry := range w.pending {
		for _, op := range entry.Inputs {
			if _, ok := seen[op]; ok {
				continue
			}
			seen[op] = struct{}{}
			inputs = append(inputs, op)
		}
	}
	if len(inputs) == 0 {
		return nil
	}

	return w.cfg.Client.LockUnspent(false, inputs)
}

// Stop shuts down the background loop and the persistence layer.
func (w *Wallet) Stop() error {
	if !w.started.CompareAndSwap(true, false) {
		return ErrStopped
	}

	close(w.quit)
	w.syncTicker.Stop()
	w.wg.Wait()

	return w.cfg.Store.Close()
}

// syncLoop runs reconciliation on every tick until shutdown.
func (w *Wallet) syncLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.syncTicker.Ticks():
			if _, err := w.Reconcile(); err != nil {
				log.Errorf("Background reconciliation "+
					"failed: %v", err)
			}

		case <-w.quit:
			return
		}
	}
}

// Reconcile runs one reconciliation pass: transaction cache update,
// then eviction of pending spends whose inputs a confirmed transaction
// consumed.  A pass already in progress makes the call a no-op.
func (w *Wallet) Reconcile() (*txcache.ReconcileResult, error) {
	if !w.reconciling.CompareAndSwap(false, true) {
		log.Debugf("Reconciliation already in progress, skipping")
		return nil, nil
	}
	defer w.reconciling.Store(false)

	w.mu.Lock()
	defer w.mu.Unlock()

	result, err := w.txs.Reconcile()
	if err != nil {
		return nil, err
	}

	if len(result.ConfirmedSpends) > 0 {
		if err := w.evictConflicting(result.ConfirmedSpends); err != nil {
			return nil, err
		}
	}

	return result, nil
}

// DeleteConflicting computes the outpoints consumed by the given raw
// transactions and evicts every pending spend whose inputs intersect
// them.
func (w *Wallet) DeleteConflicting(spentByRawTxs [][]byte) error {
	spent, err := txcache.SpentOutpoints(spentByRawTxs)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.evictConflicting(spent)
}

// evictConflicting removes every pending transaction with an input in
// the spent set and releases its locks.  The spend may have been made
// by another instrument entirely; the pending entry's own txid never
// needs to appear on chain.  Callers hold the wallet mutex.
func (w *Wallet) evictConflicting(spent []wire.OutPoint) error {
	spentSet := make(map[wire.OutPoint]struct{}, len(spent))
	for _, op := range spent {
		spentSet[op] = struct{}{}
	}

	evicted := false
	for txid, entry := range w.pending {
		conflicting := false
		for _, op := range entry.Inputs {
			if _, ok := spentSet[op]; ok {
				conflicting = true
				break
			}
		}
		if !conflicting {
			continue
		}

		log.Infof("Evicting pending transaction %v: inputs spent "+
			"by a confirmed transaction", txid)
		delete(w.pending, txid)
		w.unlockExclusive(entry)
		evicted = true
	}

	if !evicted {
		return nil
	}
	return w.saveState()
}

// unlockExclusive releases the entry's input locks, keeping any
// outpoint another still-pending entry holds.  Lock release never
// fails the calling operation; the node lock set is ephemeral and
// self-corrects on node restart.  Callers hold the wallet mutex and
// must already have removed the entry from the pending set.
func (w *Wallet) unlockExclusive(entry *PendingTx) {
	stillHeld := make(map[wire.OutPoint]struct{})
	for _, other := range w.pending {
		for _, op := range other.Inputs {
			stillHeld[op] = struct{}{}
		}
	}

	var toUnlock []wire.OutPoint
	for _, op := range entry.Inputs {
		if _, ok := stillHeld[op]; !ok {
			toUnlock = append(toUnlock, op)
		}
	}
	if len(toUnlock) == 0 {
		return
	}

	if err := w.cfg.Client.LockUnspent(true, toUnlock); err != nil {
		log.Warnf("Unable to release %d output locks: %v",
			len(toUnlock), err)
	}
}

// saveState persists the wallet unit: the frozen set and the pending
// transactions.  Callers hold the wallet mutex.
func (w *Wallet) saveState() error {
	blob, err := encodeState(w.frozen, w.pending)
	if err != nil {
		return err
	}
	return w.cfg.Store.State().Save(blob)
}

// NewAddress hands out the next unused address on the requested branch.
func (w *Wallet) NewAddress(change bool) (addrcache.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addrs.NextAddress(change)
}

// Addresses lists every cached address record.
func (w *Wallet) Addresses() []addrcache.Address {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addrs.Addresses()
}

// SetLabel assigns a label to an address.
func (w *Wallet) SetLabel(address, label string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addrs.SetLabel(address, label)
}

// ReserveAddress associates an address with an external correlation
// tag.
func (w *Wallet) ReserveAddress(address, tag, label string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addrs.Reserve(address, tag, label)
}

// ReleaseAddress frees a reserved address.
func (w *Wallet) ReleaseAddress(address string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.addrs.Release(address)
}

// Transactions lists every cached transaction record, newest first.
func (w *Wallet) Transactions() []*txcache.TxRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.txs.All()
}

// GetTransaction returns one cached transaction, falling back to the
// node when the cache cannot answer authoritatively.
func (w *Wallet) GetTransaction(txid chainhash.Hash,
	confirmations *int32) (*txcache.TxRecord, error) {

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.txs.Get(txid, confirmations)
}

// PendingTxs returns copies of every tracked pending transaction,
// oldest first.
func (w *Wallet) PendingTxs() []*PendingTx {
	w.mu.Lock()
	defer w.mu.Unlock()

	result := make([]*PendingTx, 0, len(w.pending))
	for _, entry := range w.pending {
		cp := *entry
		result = append(result, &cp)
	}
	sortPending(result)
	return result
}

// sortPending orders entries by creation time, txid as tie break.
func sortPending(entries []*PendingTx) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0; j-- {
			a, b := entries[j-1], entries[j]
			if a.Created.Before(b.Created) {
				break
			}
			if a.Created.Equal(b.Created) &&
				bytes.Compare(a.TxID[:], b.TxID[:]) <= 0 {

				break
			}
			entries[j-1], entries[j] = b, a
		}
	}
}

// DeletePending drops a pending transaction and releases its locks.
func (w *Wallet) DeletePending(txid chainhash.Hash) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.pending[txid]
	if !ok {
		return ErrUnknownPendingTx
	}

	delete(w.pending, txid)
	w.unlockExclusive(entry)
	return w.saveState()
}

// SignatureStatus reports per device signing progress for a pending
// transaction.
func (w *Wallet) SignatureStatus(txid chainhash.Hash) ([]DeviceStatus,
	error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.pending[txid]
	if !ok {
		return nil, ErrUnknownPendingTx
	}
	packet, err := entry.Packet()
	if err != nil {
		return nil, err
	}

	return signatureStatus(packet, w.cfg.Descriptor.Keys()), nil
}

// UpdatePending merges a signed packet into the tracked pending
// transaction and persists the result.
func (w *Wallet) UpdatePending(txid chainhash.Hash,
	signedRaw []byte) (*PendingTx, error) {

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.updatePendingLocked(txid, signedRaw)
}

func (w *Wallet) updatePendingLocked(txid chainhash.Hash,
	signedRaw []byte) (*PendingTx, error) {

	entry, ok := w.pending[txid]
	if !ok {
		return nil, ErrUnknownPendingTx
	}

	signed, err := psbt.NewFromRawBytes(bytes.NewReader(signedRaw), false)
	if err != nil {
		return nil, err
	}
	packet, err := entry.Packet()
	if err != nil {
		return nil, err
	}
	if err := mergePackets(packet, signed); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, err
	}
	entry.Raw = buf.Bytes()

	if err := w.saveState(); err != nil {
		return nil, err
	}

	cp := *entry
	return &cp, nil
}

// SignWith runs a signer over a pending transaction and merges its
// partial signatures back in.
func (w *Wallet) SignWith(txid chainhash.Hash, signer Signer,
	passphrase string) (*PendingTx, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.pending[txid]
	if !ok {
		return nil, ErrUnknownPendingTx
	}
	packet, err := entry.Packet()
	if err != nil {
		return nil, err
	}

	result, err := signer.Sign(packet, passphrase)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := result.Packet.Serialize(&buf); err != nil {
		return nil, err
	}
	return w.updatePendingLocked(txid, buf.Bytes())
}
