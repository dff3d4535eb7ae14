// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"

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
	rows [][]string
}

func (m *mockTable) ReadAll() ([][]string, error) {
	return m.rows, nil
}

func (m *mockTable) WriteAll(rows [][]string) error {
	m.rows = rows
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

// mockState is an in memory store.StateStore.
type mockState struct {
	blob  []byte
	saves int
}

func (m *mockState) Save(blob []byte) error {
	m.blob = blob
	m.saves++
	return nil
}

func (m *mockState) Load() ([]byte, error) {
	if m.blob == nil {
		return nil, store.ErrNoState
	}
	return m.blob, nil
}

// mockStore bundles the in memory persistence surface.
type mockStore struct {
	addrs  *mockTable
	txs    *mockTable
	blobs  *mockBlobs
	state  *mockState
	closed bool
}

func newMockStore() *mockStore {
	return &mockStore{
		addrs: &mockTable{},
		txs:   &mockTable{},
		blobs: newMockBlobs(),
		state: &mockState{},
	}
}

func (m *mockStore) Addresses() store.Table     { return m.addrs }
func (m *mockStore) Transactions() store.Table  { return m.txs }
func (m *mockStore) TxBlobs() store.TxBlobStore { return m.blobs }
func (m *mockStore) State() store.StateStore    { return m.state }

func (m *mockStore) Close() error {
	m.closed = true
	return nil
}

// mockNode implements chain.Client over scripted wallet state.
type mockNode struct {
	t *testing.T

	tip     int32
	listing []chain.TxSummary
	txs     map[chainhash.Hash]*chain.TxDetail
	unspent []chain.Unspent
	locked  map[wire.OutPoint]struct{}

	fundCalls        int
	finalizeComplete bool
	broadcast        []*wire.MsgTx
	sendErr          error
	lockErr          error
}

func newMockNode(t *testing.T) *mockNode {
	return &mockNode{
		t:      t,
		tip:    200,
		txs:    make(map[chainhash.Hash]*chain.TxDetail),
		locked: make(map[wire.OutPoint]struct{}),
	}
}

// addTx registers a transaction as known to the node's wallet and, when
// listed is set, present in its recent transaction listing.
func (m *mockNode) addTx(tx *wire.MsgTx, confs int32, listed,
	replaceable bool) {

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
		Replaceable:   replaceable,
	}
	if confs > 0 {
		hash := chainhash.DoubleHashH(txid[:])
		detail.BlockHash = &hash
		detail.BlockHeight = m.tip - confs + 1
	}
	m.txs[txid] = detail

	if listed {
		m.listing = append([]chain.TxSummary{{
			TxID:        txid,
			BlockHash:   detail.BlockHash,
			Time:        testTime,
			Replaceable: replaceable,
		}}, m.listing...)
	}
}

// addUtxo registers a confirmed output as part of the node's unspent
// set, backed by a real funding transaction.
func (m *mockNode) addUtxo(tx *wire.MsgTx, vout uint32, address string,
	confs int32) wire.OutPoint {

	m.addTx(tx, confs, true, false)
	op := wire.OutPoint{Hash: tx.TxHash(), Index: vout}
	m.unspent = append(m.unspent, chain.Unspent{
		OutPoint:      op,
		Address:       address,
		Amount:        btcutil.Amount(tx.TxOut[vout].Value),
		Confirmations: confs,
		Safe:          true,
	})
	return op
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
	var result []chain.Unspent
	for _, u := range m.unspent {
		if _, ok := m.locked[u.OutPoint]; ok {
			continue
		}
		if u.Confirmations >= minConf {
			result = append(result, u)
		}
	}
	return result, nil
}

func (m *mockNode) ListLockedUnspent() ([]wire.OutPoint, error) {
	var result []wire.OutPoint
	for op := range m.locked {
		result = append(result, op)
	}
	return result, nil
}

func (m *mockNode) LockUnspent(unlock bool,
	outPoints []wire.OutPoint) error {

	if !unlock && m.lockErr != nil {
		return m.lockErr
	}
	for _, op := range outPoints {
		if unlock {
			delete(m.locked, op)
		} else {
			m.locked[op] = struct{}{}
		}
	}
	return nil
}

func (m *mockNode) ImportDescriptors(reqs []chain.ImportRequest) error {
	return nil
}

// FundPsbt mimics the node's funding behavior: spendable outputs are
// selected in listing order, the fee is sized with the same estimator
// the wallet uses and change always goes to the requested address.
func (m *mockNode) FundPsbt(req *chain.FundPsbtRequest) (
	*chain.FundedPsbt, error) {

	m.fundCalls++

	tx := wire.NewMsgTx(wire.TxVersion)
	var outTotal btcutil.Amount
	for _, out := range req.Outputs {
		addr, err := btcutil.DecodeAddress(out.Address, testParams)
		if err != nil {
			return nil, err
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(wire.NewTxOut(int64(out.Amount), pkScript))
		outTotal += out.Amount
	}

	selected := make(map[wire.OutPoint]struct{})
	var inTotal btcutil.Amount
	addInput := func(op wire.OutPoint, value btcutil.Amount) {
		if _, ok := selected[op]; ok {
			return
		}
		selected[op] = struct{}{}
		inTotal += value
		txIn := wire.NewTxIn(&op, nil, nil)
		if req.Replaceable {
			txIn.Sequence = wire.MaxTxInSequenceNum - 2
		}
		tx.AddTxIn(txIn)
	}

	for _, op := range req.Inputs {
		detail, ok := m.txs[op.Hash]
		if !ok {
			return nil, errNotWalletTx
		}
		var prev wire.MsgTx
		if err := prev.Deserialize(bytes.NewReader(detail.Raw)); err != nil {
			return nil, err
		}
		addInput(op, btcutil.Amount(prev.TxOut[op.Index].Value))
	}

	changeAddr, err := btcutil.DecodeAddress(
		req.ChangeAddress, testParams,
	)
	if err != nil {
		return nil, err
	}
	changeScript, err := txscript.PayToAddrScript(changeAddr)
	if err != nil {
		return nil, err
	}
	changeOut := wire.NewTxOut(0, changeScript)

	fee := func() btcutil.Amount {
		outs := append(
			append([]*wire.TxOut{}, tx.TxOut...), changeOut,
		)
		size := txsizes.EstimateVirtualSize(
			0, 0, len(tx.TxIn), 0, outs, 0,
		)
		return txrules.FeeForSerializeSize(req.FeeRate, size)
	}

	for inTotal < outTotal+fee() {
		progressed := false
		for _, u := range m.unspent {
			if _, ok := m.locked[u.OutPoint]; ok {
				continue
			}
			if _, ok := selected[u.OutPoint]; ok {
				continue
			}
			addInput(u.OutPoint, u.Amount)
			progressed = true
			break
		}
		if !progressed {
			return nil, chain.ErrInsufficientNodeFunds
		}
	}

	finalFee := fee()
	change := inTotal - outTotal - finalFee
	changePos := int32(-1)
	if change > 0 {
		changeOut.Value = int64(change)
		tx.AddTxOut(changeOut)
		changePos = int32(len(tx.TxOut) - 1)
	} else {
		finalFee = inTotal - outTotal
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, err
	}

	return &chain.FundedPsbt{
		Psbt:           base64.StdEncoding.EncodeToString(buf.Bytes()),
		Fee:            finalFee,
		ChangePosition: changePos,
	}, nil
}

// FinalizePsbt pretends the packet finalizes when the harness says so,
// extracting the unsigned transaction as the "signed" result.
func (m *mockNode) FinalizePsbt(psbtB64 string) (*chain.FinalizedPsbt,
	error) {

	packet, err := psbt.NewFromRawBytes(
		strings.NewReader(psbtB64), true,
	)
	if err != nil {
		return nil, err
	}

	if !m.finalizeComplete {
		return &chain.FinalizedPsbt{
			Complete: false,
			Psbt:     psbtB64,
		}, nil
	}

	var buf bytes.Buffer
	if err := packet.UnsignedTx.Serialize(&buf); err != nil {
		return nil, err
	}
	return &chain.FinalizedPsbt{
		Complete: true,
		RawTx:    buf.Bytes(),
	}, nil
}

func (m *mockNode) SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash,
	error) {

	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.broadcast = append(m.broadcast, tx)
	m.addTx(tx, 0, true, false)
	hash := tx.TxHash()
	return &hash, nil
}

// testHarness bundles a wallet over fresh mocks.
type testHarness struct {
	desc   *descriptor.Descriptor
	node   *mockNode
	store  *mockStore
	ticker *ticker.Force
	wallet *Wallet
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	desc := testDescriptor(t)
	node := newMockNode(t)
	st := newMockStore()
	force := ticker.NewForce(time.Hour)

	w, err := New(Config{
		Params:     testParams,
		Descriptor: desc,
		Client:     node,
		Store:      st,
		SyncTicker: force,
	})
	require.NoError(t, err)

	return &testHarness{
		desc:   desc,
		node:   node,
		store:  st,
		ticker: force,
		wallet: w,
	}
}

// fundWallet gives the wallet one confirmed output of the given amount
// on a fresh receive address and reconciles so the cache knows about
// it.
func (h *testHarness) fundWallet(t *testing.T,
	amount btcutil.Amount) wire.OutPoint {

	t.Helper()

	addr, err := h.wallet.NewAddress(false)
	require.NoError(t, err)

	script, err := h.wallet.scriptForAddress(addr.Address)
	require.NoError(t, err)

	funding := wire.NewMsgTx(wire.TxVersion)
	prevOut := wire.OutPoint{Index: uint32(len(h.node.txs))}
	funding.AddTxIn(wire.NewTxIn(&prevOut, nil, nil))
	funding.AddTxOut(wire.NewTxOut(int64(amount), script))

	op := h.node.addUtxo(funding, 0, addr.Address, 10)

	_, err = h.wallet.Reconcile()
	require.NoError(t, err)

	return op
}

// externalScript derives a script the wallet does not own.
func externalScript(t *testing.T) ([]byte, string) {
	t.Helper()

	master, err := hdkeychain.NewMaster(
		bytes.Repeat([]byte{0x77}, 32), testParams,
	)
	require.NoError(t, err)
	child, err := master.Derive(7)
	require.NoError(t, err)
	eckey, err := child.ECPubKey()
	require.NoError(t, err)

	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(eckey.SerializeCompressed()), testParams,
	)
	require.NoError(t, err)
	script, err := txscript.PayToAddrScript(addr)
	require.NoError(t, err)

	return script, addr.EncodeAddress()
}
