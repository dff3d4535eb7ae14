// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package txcache implements the persistent transaction cache of a
// descriptor wallet and the reconciliation algorithm that keeps it
// synchronized with the backing node: paged listing, batched detail
// fetch, wallet side classification and conflict detection for pending
// spend eviction.
package txcache

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightninglabs/neutrino/cache"
	"github.com/lightninglabs/neutrino/cache/lru"
	"golang.org/x/sync/errgroup"

	"github.com/descwallet/descwallet/addrcache"
	"github.com/descwallet/descwallet/chain"
	"github.com/descwallet/descwallet/store"
)

const (
	// listTxPageSize bounds one listtransactions page.
	listTxPageSize = 100

	// detailFetchParallelism bounds concurrent gettransaction calls
	// during a reconciliation pass.
	detailFetchParallelism = 8

	// coinbaseMaturity is the number of confirmations a coinbase
	// output needs before it is spendable.
	coinbaseMaturity = 100

	// rawCacheCapacity is the byte budget of the in memory raw
	// transaction cache fronting the blob store.
	rawCacheCapacity = 4 * 1024 * 1024
)

// cachedRaw wraps serialized transaction bytes for the LRU cache.
type cachedRaw struct {
	raw []byte
}

// Size returns the memory footprint of the entry.
//
// NOTE: part of the cache.Value interface.
func (c *cachedRaw) Size() (uint64, error) {
	return uint64(len(c.raw)), nil
}

// ReconcileResult is the outcome of one reconciliation pass.
type ReconcileResult struct {
	// Updated lists the records created or changed by the pass.
	Updated []*TxRecord

	// ConfirmedSpends lists every outpoint consumed by a transaction
	// that now carries a non zero confirmation count.  The wallet
	// evicts pending spends whose inputs intersect it.
	ConfirmedSpends []wire.OutPoint
}

// Cache is the transaction cache of one wallet.  It is not safe for
// concurrent use; the owning wallet serializes access to it.
type Cache struct {
	params *chaincfg.Params
	client chain.Client
	addrs  *addrcache.Cache
	table  store.Table
	blobs  store.TxBlobStore

	recs map[chainhash.Hash]*TxRecord
	raws *lru.Cache[chainhash.Hash, *cachedRaw]
}

// New loads the transaction cache from its row store.  A read failure
// is treated as an absent cache and the wallet starts cold.
func New(params *chaincfg.Params, client chain.Client,
	addrs *addrcache.Cache, table store.Table,
	blobs store.TxBlobStore) *Cache {

	c := &Cache{
		params: params,
		client: client,
		addrs:  addrs,
		table:  table,
		blobs:  blobs,
		recs:   make(map[chainhash.Hash]*TxRecord),
		raws:   lru.NewCache[chainhash.Hash, *cachedRaw](rawCacheCapacity),
	}

	rows, err := table.ReadAll()
	if err != nil {
		log.Warnf("Transaction cache unreadable, starting cold: %v",
			err)
		return c
	}
	for _, row := range rows {
		rec, err := decodeRecordRow(row)
		if err != nil {
			log.Warnf("Transaction cache corrupt, starting "+
				"cold: %v", err)
			c.recs = make(map[chainhash.Hash]*TxRecord)
			break
		}
		c.recs[rec.TxID] = rec
	}

	return c
}

// Lookup returns a copy of the cached record for a txid.
func (c *Cache) Lookup(txid chainhash.Hash) (*TxRecord, bool) {
	rec, ok := c.recs[txid]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

// All returns copies of every cached record, newest first.
func (c *Cache) All() []*TxRecord {
	result := make([]*TxRecord, 0, len(c.recs))
	for _, rec := range c.recs {
		cp := *rec
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Timestamp.After(result[j].Timestamp)
		}
		return bytes.Compare(result[i].TxID[:],
			result[j].TxID[:]) < 0
	})
	return result
}

// Reconcile runs one full reconciliation pass against the node.  The
// pass is all or nothing: any node failure mid pass discards the in
// memory delta and leaves the previously persisted cache intact.
func (c *Cache) Reconcile() (*ReconcileResult, error) {
	tip, err := c.client.BestBlockHeight()
	if err != nil {
		return nil, cacheError(ErrNode,
			"unable to query tip height", err)
	}

	interesting, err := c.collectInteresting()
	if err != nil {
		return nil, err
	}
	if len(interesting) == 0 {
		log.Tracef("Reconciliation pass found nothing new")
		return &ReconcileResult{}, nil
	}

	details, decoded, err := c.fetchDetails(interesting)
	if err != nil {
		return nil, err
	}

	// Store raw payloads first.  The blob store is content addressed
	// and write once, so a refetch that disagrees with cached bytes
	// surfaces here as an integrity failure.
	for txid, detail := range details {
		err := c.blobs.PutTx(txid, detail.Raw)
		switch {
		case errors.Is(err, store.ErrBlobMismatch):
			return nil, cacheError(ErrIntegrity, fmt.Sprintf(
				"node reported different bytes for %v", txid),
				err)
		case err != nil:
			return nil, cacheError(ErrStorage, fmt.Sprintf(
				"unable to store raw tx %v", txid), err)
		}
		_, _ = c.raws.Put(txid, &cachedRaw{raw: detail.Raw})
	}

	// The keypool must be extended and persisted before
	// classification so internal/external judgments see every
	// address the pass touches.
	if err := c.markAndExtend(decoded); err != nil {
		return nil, err
	}

	delta := make(map[chainhash.Hash]*TxRecord, len(details))
	for txid, detail := range details {
		rec, err := c.buildRecord(detail, decoded[txid], details,
			decoded, tip)
		if err != nil {
			return nil, err
		}
		delta[txid] = rec
	}

	result := &ReconcileResult{
		Updated: make([]*TxRecord, 0, len(delta)),
	}
	for txid, rec := range delta {
		if rec.Confirmed() {
			for _, txIn := range decoded[txid].TxIn {
				result.ConfirmedSpends = append(
					result.ConfirmedSpends,
					txIn.PreviousOutPoint,
				)
			}
		}
	}

	// Apply the delta and persist as one batch only now that the
	// whole pass succeeded.
	for txid, rec := range delta {
		c.recs[txid] = rec
		result.Updated = append(result.Updated, rec)
	}
	sort.Slice(result.Updated, func(i, j int) bool {
		return bytes.Compare(result.Updated[i].TxID[:],
			result.Updated[j].TxID[:]) < 0
	})
	if err := c.persist(); err != nil {
		return nil, err
	}

	log.Debugf("Reconciled %d transactions, %d confirmed spends",
		len(result.Updated), len(result.ConfirmedSpends))

	return result, nil
}

// collectInteresting pages through the node's recent transaction list
// and returns the set of txids worth refetching.  Paging stops at a
// short page or at a page with nothing interesting in it; unconfirmed
// self transfers are always rechecked because the node's summary list
// omits consolidation type self transfers inconsistently.
func (c *Cache) collectInteresting() (map[chainhash.Hash]struct{}, error) {
	interesting := make(map[chainhash.Hash]struct{})

	skip := 0
	for {
		page, err := c.client.ListTransactions(listTxPageSize, skip)
		if err != nil {
			return nil, cacheError(ErrNode, fmt.Sprintf(
				"unable to list transactions at offset %d",
				skip), err)
		}

		pageInteresting := false
		for i := range page {
			if c.summaryInteresting(&page[i]) {
				interesting[page[i].TxID] = struct{}{}
				pageInteresting = true
			}
		}

		if len(page) < listTxPageSize || !pageInteresting {
			break
		}
		skip += len(page)
	}

	for txid, rec := range c.recs {
		if rec.SelfTransfer && !rec.Confirmed() {
			interesting[txid] = struct{}{}
		}
	}

	return interesting, nil
}

// summaryInteresting reports whether a listing entry warrants a full
// refetch: an unknown txid, a known txid whose block hash or conflict
// set changed, or an unconfirmed self transfer.
func (c *Cache) summaryInteresting(sum *chain.TxSummary) bool {
	rec, ok := c.recs[sum.TxID]
	if !ok {
		return true
	}

	switch {
	case rec.BlockHash == nil && sum.BlockHash != nil:
		return true
	case rec.BlockHash != nil && sum.BlockHash == nil:
		return true
	case rec.BlockHash != nil && sum.BlockHash != nil &&
		*rec.BlockHash != *sum.BlockHash:

		return true
	}

	if !sameConflicts(rec.Conflicts, sum.Conflicts) {
		return true
	}

	return rec.SelfTransfer && !rec.Confirmed()
}

// sameConflicts compares two conflict sets by membership.
func sameConflicts(a, b []chainhash.Hash) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[chainhash.Hash]struct{}, len(a))
	for _, hash := range a {
		set[hash] = struct{}{}
	}
	for _, hash := range b {
		if _, ok := set[hash]; !ok {
			return false
		}
	}
	return true
}

// fetchDetails fetches full details for every interesting txid as one
// bounded concurrent batch and decodes the raw payloads.
func (c *Cache) fetchDetails(txids map[chainhash.Hash]struct{}) (
	map[chainhash.Hash]*chain.TxDetail,
	map[chainhash.Hash]*wire.MsgTx, error) {

	var mu sync.Mutex
	details := make(map[chainhash.Hash]*chain.TxDetail, len(txids))

	var g errgroup.Group
	g.SetLimit(detailFetchParallelism)
	for txid := range txids {
		txid := txid
		g.Go(func() error {
			detail, err := c.client.GetTransaction(&txid)
			if err != nil {
				return err
			}
			mu.Lock()
			details[txid] = detail
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, cacheError(ErrNode,
			"unable to fetch transaction details", err)
	}

	decoded := make(map[chainhash.Hash]*wire.MsgTx, len(details))
	for txid, detail := range details {
		tx := wire.NewMsgTx(wire.TxVersion)
		err := tx.Deserialize(bytes.NewReader(detail.Raw))
		if err != nil {
			return nil, nil, cacheError(ErrDecode, fmt.Sprintf(
				"unable to decode tx %v", txid), err)
		}
		decoded[txid] = tx
	}

	return details, decoded, nil
}

// markAndExtend marks every touched wallet address used and keeps the
// keypool boundary a full gap ahead of the highest used index.  It
// iterates to a fixed point because extending the keypool can pull
// addresses the pass touches into the wallet.
func (c *Cache) markAndExtend(
	decoded map[chainhash.Hash]*wire.MsgTx) error {

	for {
		var used []string
		for _, tx := range decoded {
			for _, txOut := range tx.TxOut {
				addrStr := c.scriptAddress(txOut.PkScript)
				if addrStr == "" {
					continue
				}
				rec, ok := c.addrs.Get(addrStr)
				if ok && !rec.External() && !rec.Used {
					used = append(used, addrStr)
				}
			}
		}
		if len(used) > 0 {
			if err := c.addrs.MarkUsed(used); err != nil {
				return err
			}
		}

		extended := false
		for _, change := range []bool{false, true} {
			before := c.addrs.Boundary(change)
			err := c.addrs.EnsureAhead(
				change, c.addrs.MaxUsedIndex(change),
			)
			if err != nil {
				return err
			}
			if c.addrs.Boundary(change) != before {
				extended = true
			}
		}

		if len(used) == 0 && !extended {
			return nil
		}
	}
}

// buildRecord classifies one fetched transaction into a cache record.
func (c *Cache) buildRecord(detail *chain.TxDetail, tx *wire.MsgTx,
	details map[chainhash.Hash]*chain.TxDetail,
	decoded map[chainhash.Hash]*wire.MsgTx, tip int32) (*TxRecord,
	error) {

	height := detail.BlockHeight
	if height < 0 && detail.Confirmations > 0 {
		// Old nodes omit blockheight; recover it from the
		// confirmation count.
		height = tip - detail.Confirmations + 1
	}

	outputs := make([]OutputInfo, 0, len(tx.TxOut))
	allOutputsMine := true
	for vout, txOut := range tx.TxOut {
		addrStr := c.scriptAddress(txOut.PkScript)
		mine := addrStr != "" && c.addrs.IsMine(addrStr)
		if !mine {
			allOutputsMine = false

			// Counterparty addresses get a bare external record
			// so labels can be attached to them later.
			if addrStr != "" {
				_, err := c.addrs.GetOrCreate(addrStr)
				if err != nil {
					return nil, err
				}
			}
		}
		outputs = append(outputs, OutputInfo{
			Vout:    uint32(vout),
			Address: addrStr,
			Amount:  btcutil.Amount(txOut.Value),
			Mine:    mine,
			Change:  mine && c.addrs.IsChange(addrStr),
		})
	}

	coinbase := detail.Generated || isCoinbase(tx)

	allInputsInternal := true
	if !coinbase {
		for _, txIn := range tx.TxIn {
			internal, err := c.inputInternal(
				txIn.PreviousOutPoint, details, decoded,
			)
			if err != nil {
				return nil, err
			}
			if !internal {
				allInputsInternal = false
				break
			}
		}
	}

	var category Category
	selfTransfer := false
	switch {
	case coinbase && detail.Confirmations < coinbaseMaturity:
		category = CategoryImmature
	case coinbase:
		category = CategoryGenerate
	case allInputsInternal && allOutputsMine:
		category = CategorySelfTransfer
		selfTransfer = true
	case allInputsInternal:
		category = CategorySend
	default:
		category = CategoryReceive
	}

	weight := blockchain.GetTransactionWeight(btcutil.NewTx(tx))
	vsize := int32((weight + blockchain.WitnessScaleFactor - 1) /
		blockchain.WitnessScaleFactor)

	return &TxRecord{
		TxID:         detail.TxID,
		BlockHash:    detail.BlockHash,
		BlockHeight:  height,
		Timestamp:    detail.Time,
		Replaceable:  detail.Replaceable,
		Conflicts:    detail.Conflicts,
		Category:     category,
		SelfTransfer: selfTransfer,
		Fee:          detail.Fee,
		VSize:        vsize,
		Outputs:      outputs,
	}, nil
}

// inputInternal resolves whether the output consumed by an input
// belongs to this wallet.  The funding transaction is looked up in the
// current batch, the raw caches, and finally the node; a node that does
// not know the transaction marks the input external.
func (c *Cache) inputInternal(op wire.OutPoint,
	details map[chainhash.Hash]*chain.TxDetail,
	decoded map[chainhash.Hash]*wire.MsgTx) (bool, error) {

	var fundingTx *wire.MsgTx
	if tx, ok := decoded[op.Hash]; ok {
		fundingTx = tx
	} else if raw, err := c.rawFromCaches(op.Hash); err == nil {
		tx := wire.NewMsgTx(wire.TxVersion)
		err := tx.Deserialize(bytes.NewReader(raw))
		if err != nil {
			return false, cacheError(ErrDecode, fmt.Sprintf(
				"unable to decode cached tx %v", op.Hash), err)
		}
		fundingTx = tx
	} else {
		detail, err := c.client.GetTransaction(&op.Hash)
		switch {
		case errors.Is(err, chain.ErrNodeUnreachable):
			return false, cacheError(ErrNode, fmt.Sprintf(
				"unable to resolve input %v", op), err)
		case err != nil:
			// Not a wallet transaction: external input.
			return false, nil
		}

		tx := wire.NewMsgTx(wire.TxVersion)
		err = tx.Deserialize(bytes.NewReader(detail.Raw))
		if err != nil {
			return false, cacheError(ErrDecode, fmt.Sprintf(
				"unable to decode tx %v", op.Hash), err)
		}
		fundingTx = tx
	}

	if op.Index >= uint32(len(fundingTx.TxOut)) {
		return false, cacheError(ErrDecode, fmt.Sprintf(
			"input %v references missing output", op), nil)
	}

	addrStr := c.scriptAddress(fundingTx.TxOut[op.Index].PkScript)
	return addrStr != "" && c.addrs.IsMine(addrStr), nil
}

// rawFromCaches returns raw bytes from the LRU or the blob store,
// without a node round trip.
func (c *Cache) rawFromCaches(txid chainhash.Hash) ([]byte, error) {
	if entry, err := c.raws.Get(txid); err == nil {
		return entry.raw, nil
	} else if !errors.Is(err, cache.ErrElementNotFound) {
		return nil, err
	}

	raw, err := c.blobs.FetchTx(txid)
	if err != nil {
		return nil, err
	}
	_, _ = c.raws.Put(txid, &cachedRaw{raw: raw})
	return raw, nil
}

// RawTx returns the serialized transaction for a txid, hitting the
// node only when neither the LRU nor the blob store holds it.
func (c *Cache) RawTx(txid chainhash.Hash) ([]byte, error) {
	raw, err := c.rawFromCaches(txid)
	if err == nil {
		return raw, nil
	}

	detail, err := c.client.GetTransaction(&txid)
	if err != nil {
		return nil, cacheError(ErrNotFound, fmt.Sprintf(
			"transaction %v not found", txid), err)
	}
	err = c.blobs.PutTx(txid, detail.Raw)
	if errors.Is(err, store.ErrBlobMismatch) {
		return nil, cacheError(ErrIntegrity, fmt.Sprintf(
			"node reported different bytes for %v", txid), err)
	}
	_, _ = c.raws.Put(txid, &cachedRaw{raw: detail.Raw})
	return detail.Raw, nil
}

// Get returns the record for a txid.  The cache answers directly when
// it holds the record and the caller supplied a confirmation hint;
// otherwise a targeted reconciliation of just that transaction runs.
func (c *Cache) Get(txid chainhash.Hash, confirmations *int32) (
	*TxRecord, error) {

	if rec, ok := c.recs[txid]; ok && confirmations != nil {
		cp := *rec
		return &cp, nil
	}

	return c.ReconcileOne(txid)
}

// ReconcileOne fetches, classifies and persists a single transaction.
// Used as the self healing path when a join finds a transaction the
// cache unexpectedly lacks.
func (c *Cache) ReconcileOne(txid chainhash.Hash) (*TxRecord, error) {
	tip, err := c.client.BestBlockHeight()
	if err != nil {
		return nil, cacheError(ErrNode,
			"unable to query tip height", err)
	}

	detail, err := c.client.GetTransaction(&txid)
	switch {
	case errors.Is(err, chain.ErrNodeUnreachable):
		return nil, cacheError(ErrNode, fmt.Sprintf(
			"unable to fetch %v", txid), err)
	case err != nil:
		return nil, cacheError(ErrNotFound, fmt.Sprintf(
			"transaction %v not found", txid), err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(detail.Raw)); err != nil {
		return nil, cacheError(ErrDecode, fmt.Sprintf(
			"unable to decode tx %v", txid), err)
	}

	err = c.blobs.PutTx(txid, detail.Raw)
	switch {
	case errors.Is(err, store.ErrBlobMismatch):
		return nil, cacheError(ErrIntegrity, fmt.Sprintf(
			"node reported different bytes for %v", txid), err)
	case err != nil:
		return nil, cacheError(ErrStorage, fmt.Sprintf(
			"unable to store raw tx %v", txid), err)
	}
	_, _ = c.raws.Put(txid, &cachedRaw{raw: detail.Raw})

	decoded := map[chainhash.Hash]*wire.MsgTx{txid: tx}
	if err := c.markAndExtend(decoded); err != nil {
		return nil, err
	}

	details := map[chainhash.Hash]*chain.TxDetail{txid: detail}
	rec, err := c.buildRecord(detail, tx, details, decoded, tip)
	if err != nil {
		return nil, err
	}

	c.recs[txid] = rec
	if err := c.persist(); err != nil {
		return nil, err
	}

	cp := *rec
	return &cp, nil
}

// SpentOutpoints decodes raw transactions and returns every outpoint
// they consume.  Used to evict pending spends conflicting with now
// confirmed transactions.
func SpentOutpoints(raws [][]byte) ([]wire.OutPoint, error) {
	var spent []wire.OutPoint
	for _, raw := range raws {
		tx := wire.NewMsgTx(wire.TxVersion)
		if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, cacheError(ErrDecode,
				"unable to decode raw tx", err)
		}
		for _, txIn := range tx.TxIn {
			spent = append(spent, txIn.PreviousOutPoint)
		}
	}
	return spent, nil
}

// scriptAddress extracts the single address of a standard output
// script, or "" when the script has none.
func (c *Cache) scriptAddress(pkScript []byte) string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(pkScript,
		c.params)
	if err != nil || len(addrs) != 1 {
		return ""
	}
	return addrs[0].EncodeAddress()
}

// isCoinbase reports whether the transaction spends the null previous
// outpoint.
func isCoinbase(tx *wire.MsgTx) bool {
	if len(tx.TxIn) != 1 {
		return false
	}
	prev := tx.TxIn[0].PreviousOutPoint
	return prev.Hash == chainhash.Hash{} &&
		prev.Index == wire.MaxPrevOutIndex
}

// persist writes the whole cache back as one batch, ordered by txid so
// identical state produces identical bytes.
func (c *Cache) persist() error {
	txids := make([]chainhash.Hash, 0, len(c.recs))
	for txid := range c.recs {
		txids = append(txids, txid)
	}
	sort.Slice(txids, func(i, j int) bool {
		return bytes.Compare(txids[i][:], txids[j][:]) < 0
	})

	rows := make([][]string, 0, len(txids))
	for _, txid := range txids {
		rows = append(rows, c.recs[txid].encodeRow())
	}
	if err := c.table.WriteAll(rows); err != nil {
		return cacheError(ErrStorage,
			"unable to persist transaction cache", err)
	}
	return nil
}
