// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txcache

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/descwallet/descwallet/addrcache"
	"github.com/descwallet/descwallet/chain"
	"github.com/descwallet/descwallet/descriptor"
	"github.com/descwallet/descwallet/store"
)

var (
	// seed is the master seed used throughout the tests.
	seed = []byte{
		0x2a, 0x64, 0xdf, 0x08, 0x5e, 0xef, 0xed, 0xd8, 0xbf,
		0xdb, 0xb3, 0x31, 0x76, 0xb5, 0xba, 0x2e, 0x62, 0xe8,
		0xbe, 0x8b, 0x56, 0xc8, 0x83, 0x77, 0x95, 0x59, 0x8b,
		0xb6, 0xc4, 0x40, 0xc0, 0x64,
	}

	testParams = &chaincfg.RegressionNetParams

	// testTime is the fixed node timestamp used so repeated passes
	// yield identical records.
	testTime = time.Unix(1700000000, 0)

	errNotWalletTx = errors.New("invalid or non-wallet transaction id")
)

// testDescriptor builds a wpkh descriptor over an xpub derived from the
// fixed test seed.
func testDescriptor(t *testing.T) *descriptor.Descriptor {
	t.Helper()

	master, err := hdkeychain.NewMaster(seed, testParams)
	require.NoError(t, err)
	xpub, err := master.Neuter()
	require.NoError(t, err)

	descStr := fmt.Sprintf(
		"wpkh([a1b2c3d4/84h/1h/0h]%s/<0;1>/*)", xpub.String(),
	)
	desc, err := descriptor.Parse(descStr, testParams)
	require.NoError(t, err)

	return desc
}

// mockTable is an in memory store.Table.
type mockTable struct {
	rows   [][]string
	writes int
}

func (m *mockTable) ReadAll() ([][]string, error) {
	return m.rows, nil
}

func (m *mockTable) WriteAll(rows [][]string) error {
	m.rows = rows
	m.writes++
	return nil
}

// mockBlobs is an in memory write once blob store.
type mockBlobs struct {
	blobs map[chainhash.Hash][]byte
}

func newMockBlobs() *mockBlobs {
	return &mockBlobs{blobs: make(map[chainhash.Hash][]byte)}
}

func (m *mockBlobs) PutTx(txid chainhash.Hash, raw []byte) error {
	if existing, ok := m.blobs[txid]; ok {
		if !bytes.Equal(existing, raw) {
			return store.ErrBlobMismatch
		}
		return nil
	}
	m.blobs[txid] = raw
	return nil
}

func (m *mockBlobs) FetchTx(txid chainhash.Hash) ([]byte, error) {
	raw, ok := m.blobs[txid]
	if !ok {
		return nil, store.ErrBlobNotFound
	}
	return raw, nil
}

// mockNode implements chain.Client over a scripted transaction listing.
type mockNode struct {
	t *testing.T

	tip     int32
	listing []chain.TxSummary
	txs     map[chainhash.Hash]*chain.TxDetail
	imports []chain.ImportRequest

	// getErr, when set, fails every GetTransaction call.
	getErr error
}

func newMockNode(t *testing.T) *mockNode {
	return &mockNode{
		t:   t,
		tip: 200,
		txs: make(map[chainhash.Hash]*chain.TxDetail),
	}
}

// addTx registers a transaction as known to the node's wallet and, when
// listed is set, present in its recent transaction listing.
func (m *mockNode) addTx(tx *wire.MsgTx, confs int32, listed bool) {
	txid := tx.TxHash()
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		m.t.Fatalf("serialize: %v", err)
	}

	detail := &chain.TxDetail{
		TxID:          txid,
		Raw:           buf.Bytes(),
		Confirmations: confs,
		BlockHeight:   -1,
		Time:          testTime,
	}
	if confs > 0 {
		hash := chainhash.DoubleHashH(txid[:])
		detail.BlockHash = &hash
		detail.BlockHeight = m.tip - confs + 1
	}
	m.txs[txid] = detail

	if listed {
		m.listing = append([]chain.TxSummary{{
			TxID:      txid,
			BlockHash: detail.BlockHash,
			Time:      testTime,
		}}, m.listing...)
	}
}

func (m *mockNode) BestBlockHeight() (int32, error) {
	return m.tip, nil
}

func (m *mockNode) ListTransactions(count, skip int) ([]chain.TxSummary,
	error) {

	if skip >= len(m.listing) {
		return nil, nil
	}
	end := skip + count
	if end > len(m.listing) {
		end = len(m.listing)
	}
	return m.listing[skip:end], nil
}

func (m *mockNode) GetTransaction(txid *chainhash.Hash) (*chain.TxDetail,
	error) {

	if m.getErr != nil {
		return nil, m.getErr
	}
	detail, ok := m.txs[*txid]
	if !ok {
		return nil, errNotWalletTx
	}
	cp := *detail
	return &cp, nil
}

func (m *mockNode) GetAddressInfo(address string) (*chain.AddressInfo,
	error) {

	return &chain.AddressInfo{Mine: true}, nil
}

func (m *mockNode) ListUnspent(minConf int32) ([]chain.Unspent, error) {
	return nil, nil
}

func (m *mockNode) ListLockedUnspent() ([]wire.OutPoint, error) {
	return nil, nil
}

func (m *mockNode) LockUnspent(unlock bool,
	outPoints []wire.OutPoint) error {

	return nil
}

func (m *mockNode) ImportDescriptors(reqs []chain.ImportRequest) error {
	m.imports = append(m.imports, reqs...)
	return nil
}

func (m *mockNode) FundPsbt(req *chain.FundPsbtRequest) (
	*chain.FundedPsbt, error) {

	m.t.Fatal("unexpected FundPsbt call")
	return nil, nil
}

func (m *mockNode) FinalizePsbt(psbtB64 string) (*chain.FinalizedPsbt,
	error) {

	m.t.Fatal("unexpected FinalizePsbt call")
	return nil, nil
}

func (m *mockNode) SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash,
	error) {

	m.t.Fatal("unexpected SendRawTransaction call")
	return nil, nil
}

// testHarness bundles a cache over fresh mocks.
type testHarness struct {
	desc  *descriptor.Descriptor
	node  *mockNode
	addrs *addrcache.Cache
	table *mockTable
	blobs *mockBlobs
	cache *Cache
}

func newTestHarness(t *testing.T) *testHarness {
	desc := testDescriptor(t)
	node := newMockNode(t)
	addrs := addrcache.New(desc, node, &mockTable{})
	table := &mockTable{}
	blobs := newMockBlobs()
	return &testHarness{
		desc:  desc,
		node:  node,
		addrs: addrs,
		table: table,
		blobs: blobs,
		cache: New(testParams, node, addrs, table, blobs),
	}
}

// payTo builds an output paying the derivation at (branch, index).
func (h *testHarness) payTo(t *testing.T, branch, index uint32,
	amount btcutil.Amount) *wire.TxOut {

	t.Helper()
	derived, err := h.desc.Derive(branch, index)
	require.NoError(t, err)
	return wire.NewTxOut(int64(amount), derived.PkScript)
}

// externalOut builds an output paying a script no wallet owns.
func externalOut(amount btcutil.Amount) *wire.TxOut {
	script := []byte{
		0x00, 0x14,
		0xde, 0xad, 0xbe, 0xef, 0xde, 0xad, 0xbe, 0xef,
		0xde, 0xad, 0xbe, 0xef, 0xde, 0xad, 0xbe, 0xef,
		0xde, 0xad, 0xbe, 0xef,
	}
	return wire.NewTxOut(int64(amount), script)
}

// makeTx assembles a transaction from previous outpoints and outputs.
func makeTx(prevs []wire.OutPoint, outs ...*wire.TxOut) *wire.MsgTx {
	tx := wire.NewMsgTx(wire.TxVersion)
	if len(prevs) == 0 {
		// A synthetic external funding input.
		prevs = []wire.OutPoint{{
			Hash:  chainhash.HashH([]byte("external funding")),
			Index: 0,
		}}
	}
	for _, prev := range prevs {
		tx.AddTxIn(wire.NewTxIn(&prev, nil, nil))
	}
	for _, out := range outs {
		tx.AddTxOut(out)
	}
	return tx
}
