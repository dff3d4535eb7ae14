// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/ticker"
	"github.com/stretchr/testify/require"
)

// TestBalanceBuckets asserts balances land in the right buckets for
// confirmed, unconfirmed and frozen outputs.
func TestBalanceBuckets(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	op1 := h.fundWallet(t, btcutil.Amount(50_000_000))
	h.fundWallet(t, btcutil.Amount(30_000_000))

	bal, err := h.wallet.Balance()
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(80_000_000), bal.Confirmed)
	require.Equal(t, btcutil.Amount(80_000_000), bal.Available)
	require.Zero(t, bal.Unconfirmed)
	require.Zero(t, bal.Immature)

	require.NoError(t, h.wallet.ToggleFreeze([]wire.OutPoint{op1}))
	bal, err = h.wallet.Balance()
	require.NoError(t, err)
	require.Equal(t, btcutil.Amount(80_000_000), bal.Confirmed)
	require.Equal(t, btcutil.Amount(30_000_000), bal.Available)
}

// TestToggleFreeze asserts freezing mirrors to the node lock set,
// persists, and unfreezing restores both.
func TestToggleFreeze(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	op := h.fundWallet(t, btcutil.Amount(50_000_000))

	require.NoError(t, h.wallet.ToggleFreeze([]wire.OutPoint{op}))
	require.Contains(t, h.node.locked, op)
	require.Positive(t, h.store.state.saves)

	utxos, err := h.wallet.Utxos(true)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.True(t, utxos[0].Frozen)
	require.False(t, utxos[0].Spendable())

	// Toggling again thaws.
	require.NoError(t, h.wallet.ToggleFreeze([]wire.OutPoint{op}))
	require.NotContains(t, h.node.locked, op)

	utxos, err = h.wallet.Utxos(true)
	require.NoError(t, err)
	require.Len(t, utxos, 1)
	require.False(t, utxos[0].Frozen)
	require.True(t, utxos[0].Spendable())
}

// TestReconcileReentrant asserts a pass already in flight turns the
// call into a no-op instead of queueing behind the mutex.
func TestReconcileReentrant(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	h.wallet.reconciling.Store(true)

	result, err := h.wallet.Reconcile()
	require.NoError(t, err)
	require.Nil(t, result)
}

// TestReconcileEvictsConflicting asserts a confirmed transaction that
// consumes a pending spend's input evicts the pending entry and
// releases its lock.
func TestReconcileEvictsConflicting(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	op := h.fundWallet(t, btcutil.Amount(100_000_000))

	_, destAddr := externalScript(t)
	_, err := h.wallet.CreatePsbt(&CreateRequest{
		Outputs: []Output{{
			Address: destAddr,
			Amount:  btcutil.Amount(20_000_000),
		}},
		SubtractFeeFrom: -1,
		FeeRate:         10_000,
		Coins:           []wire.OutPoint{op},
	})
	require.NoError(t, err)
	require.Contains(t, h.node.locked, op)

	// Another instrument spends the same output and confirms.
	destScript, _ := externalScript(t)
	conflict := wire.NewMsgTx(wire.TxVersion)
	conflict.AddTxIn(wire.NewTxIn(&op, nil, nil))
	conflict.AddTxOut(wire.NewTxOut(99_990_000, destScript))
	h.node.addTx(conflict, 1, true, false)

	_, err = h.wallet.Reconcile()
	require.NoError(t, err)

	require.Empty(t, h.wallet.PendingTxs())
	require.NotContains(t, h.node.locked, op)
}

// TestDeleteConflicting asserts the explicit eviction entry point
// removes pending entries whose inputs a raw transaction consumes.
func TestDeleteConflicting(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	op := h.fundWallet(t, btcutil.Amount(100_000_000))

	_, destAddr := externalScript(t)
	_, err := h.wallet.CreatePsbt(&CreateRequest{
		Outputs: []Output{{
			Address: destAddr,
			Amount:  btcutil.Amount(20_000_000),
		}},
		SubtractFeeFrom: -1,
		FeeRate:         10_000,
		Coins:           []wire.OutPoint{op},
	})
	require.NoError(t, err)
	require.Len(t, h.wallet.PendingTxs(), 1)

	destScript, _ := externalScript(t)
	spender := wire.NewMsgTx(wire.TxVersion)
	spender.AddTxIn(wire.NewTxIn(&op, nil, nil))
	spender.AddTxOut(wire.NewTxOut(99_000_000, destScript))
	var buf bytes.Buffer
	require.NoError(t, spender.Serialize(&buf))

	require.NoError(t, h.wallet.DeleteConflicting([][]byte{buf.Bytes()}))
	require.Empty(t, h.wallet.PendingTxs())
	require.NotContains(t, h.node.locked, op)
}

// TestDeletePendingLockConservation asserts deleting one of two pending
// spends that share an input keeps the input locked until the last
// holder goes away.
func TestDeletePendingLockConservation(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	tx, op := spendSetup(t, h)
	txid := tx.TxHash()

	first, err := h.wallet.Bump(txid, 5_000)
	require.NoError(t, err)
	second, err := h.wallet.Bump(txid, 6_000)
	require.NoError(t, err)
	require.NotEqual(t, first.Pending.TxID, second.Pending.TxID)
	require.Len(t, h.wallet.PendingTxs(), 2)

	require.NoError(t, h.wallet.DeletePending(first.Pending.TxID))
	require.Contains(t, h.node.locked, op)

	require.NoError(t, h.wallet.DeletePending(second.Pending.TxID))
	require.NotContains(t, h.node.locked, op)
}

// TestStateRoundTrip asserts pending transactions and frozen outpoints
// survive a wallet restart over the same store.
func TestStateRoundTrip(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	op1 := h.fundWallet(t, btcutil.Amount(50_000_000))
	op2 := h.fundWallet(t, btcutil.Amount(70_000_000))

	_, destAddr := externalScript(t)
	result, err := h.wallet.CreatePsbt(&CreateRequest{
		Outputs: []Output{{
			Address: destAddr,
			Amount:  btcutil.Amount(10_000_000),
		}},
		SubtractFeeFrom: -1,
		FeeRate:         10_000,
		Coins:           []wire.OutPoint{op1},
	})
	require.NoError(t, err)
	require.NoError(t, h.wallet.ToggleFreeze([]wire.OutPoint{op2}))

	restarted, err := New(Config{
		Params:     testParams,
		Descriptor: h.desc,
		Client:     h.node,
		Store:      h.store,
		SyncTicker: ticker.NewForce(time.Hour),
	})
	require.NoError(t, err)

	pending := restarted.PendingTxs()
	require.Len(t, pending, 1)
	require.Equal(t, result.Pending.TxID, pending[0].TxID)
	require.Equal(t, result.Pending.Inputs, pending[0].Inputs)
	require.Equal(t, result.Pending.Raw, pending[0].Raw)
	require.Equal(t, result.Pending.Threshold, pending[0].Threshold)

	utxos, err := restarted.Utxos(true)
	require.NoError(t, err)
	for _, utxo := range utxos {
		if utxo.OutPoint == op2 {
			require.True(t, utxo.Frozen)
		}
	}
}

// TestStartRelocksPending asserts the node-side locks backing persisted
// pending spends are re-asserted on start.  The node holds locks in
// process memory only, so a restart silently drops them.
func TestStartRelocksPending(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	op := h.fundWallet(t, btcutil.Amount(50_000_000))

	_, destAddr := externalScript(t)
	result, err := h.wallet.CreatePsbt(&CreateRequest{
		Outputs: []Output{{
			Address: destAddr,
			Amount:  btcutil.Amount(10_000_000),
		}},
		SubtractFeeFrom: -1,
		FeeRate:         10_000,
		Coins:           []wire.OutPoint{op},
	})
	require.NoError(t, err)
	require.Contains(t, h.node.locked, op)

	// The node restarts and forgets its locks.
	h.node.locked = make(map[wire.OutPoint]struct{})

	restarted, err := New(Config{
		Params:     testParams,
		Descriptor: h.desc,
		Client:     h.node,
		Store:      h.store,
		SyncTicker: ticker.NewForce(time.Hour),
	})
	require.NoError(t, err)

	// A node that cannot lock fails the start, and a later retry is
	// allowed.
	h.node.lockErr = errors.New("node restarting")
	require.Error(t, restarted.Start())

	h.node.lockErr = nil
	require.NoError(t, restarted.Start())
	for _, in := range result.Pending.Inputs {
		require.Contains(t, h.node.locked, in)
	}
	require.NoError(t, restarted.Stop())
}

// TestCreatePsbtLockFailure asserts a failed input lock call fails the
// build and leaves neither a pending entry nor persisted state behind.
func TestCreatePsbtLockFailure(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	op := h.fundWallet(t, btcutil.Amount(50_000_000))
	saves := h.store.state.saves

	_, destAddr := externalScript(t)
	req := &CreateRequest{
		Outputs: []Output{{
			Address: destAddr,
			Amount:  btcutil.Amount(10_000_000),
		}},
		SubtractFeeFrom: -1,
		FeeRate:         10_000,
		Coins:           []wire.OutPoint{op},
	}

	h.node.lockErr = errors.New("lock rpc unavailable")
	_, err := h.wallet.CreatePsbt(req)
	require.Error(t, err)
	require.Empty(t, h.wallet.PendingTxs())
	require.Equal(t, saves, h.store.state.saves)

	h.node.lockErr = nil
	_, err = h.wallet.CreatePsbt(req)
	require.NoError(t, err)
	require.Len(t, h.wallet.PendingTxs(), 1)
}

// TestCorruptStateStartsCold asserts an unreadable state blob degrades
// to a cold start instead of failing construction.
func TestCorruptStateStartsCold(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	h.store.state.blob = []byte("not a state blob")

	w, err := New(Config{
		Params:     testParams,
		Descriptor: h.desc,
		Client:     h.node,
		Store:      h.store,
		SyncTicker: ticker.NewForce(time.Hour),
	})
	require.NoError(t, err)
	require.Empty(t, w.PendingTxs())
}

// TestBackgroundSync asserts the ticker loop drives reconciliation and
// Stop shuts it down cleanly.
func TestBackgroundSync(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	addr, err := h.wallet.NewAddress(false)
	require.NoError(t, err)
	script, err := h.wallet.scriptForAddress(addr.Address)
	require.NoError(t, err)

	funding := wire.NewMsgTx(wire.TxVersion)
	funding.AddTxIn(wire.NewTxIn(&wire.OutPoint{Index: 7}, nil, nil))
	funding.AddTxOut(wire.NewTxOut(25_000_000, script))
	h.node.addUtxo(funding, 0, addr.Address, 3)

	require.Empty(t, h.wallet.Transactions())
	require.NoError(t, h.wallet.Start())

	h.ticker.Force <- time.Now()
	require.Eventually(t, func() bool {
		return len(h.wallet.Transactions()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.wallet.Stop())
	require.True(t, h.store.closed)
	require.ErrorIs(t, h.wallet.Stop(), ErrStopped)
}

// signPending signs every input of a tracked packet with the key
// material behind the test descriptor.
func (h *testHarness) signPending(t *testing.T, raw []byte) []byte {
	t.Helper()

	packet, err := psbt.NewFromRawBytes(bytes.NewReader(raw), false)
	require.NoError(t, err)

	master, err := hdkeychain.NewMaster(seed, testParams)
	require.NoError(t, err)

	for i := range packet.Inputs {
		in := &packet.Inputs[i]
		require.NotEmpty(t, in.Bip32Derivation)
		deriv := in.Bip32Derivation[0]

		path := deriv.Bip32Path
		require.GreaterOrEqual(t, len(path), 2)
		child := master
		for _, step := range path[len(path)-2:] {
			child, err = child.Derive(step)
			require.NoError(t, err)
		}
		priv, err := child.ECPrivKey()
		require.NoError(t, err)
		require.Equal(t, deriv.PubKey,
			priv.PubKey().SerializeCompressed())

		require.NotNil(t, in.WitnessUtxo)
		digest := chainhash.DoubleHashB(in.WitnessUtxo.PkScript)
		sig := ecdsa.Sign(priv, digest)
		in.PartialSigs = append(in.PartialSigs, &psbt.PartialSig{
			PubKey: deriv.PubKey,
			Signature: append(
				sig.Serialize(), byte(txscript.SigHashAll),
			),
		})
	}

	var buf bytes.Buffer
	require.NoError(t, packet.Serialize(&buf))
	return buf.Bytes()
}

// TestSignatureStatus tracks per device progress across a merge of
// signed packet bytes.
func TestSignatureStatus(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	op := h.fundWallet(t, btcutil.Amount(100_000_000))

	_, destAddr := externalScript(t)
	result, err := h.wallet.CreatePsbt(&CreateRequest{
		Outputs: []Output{{
			Address: destAddr,
			Amount:  btcutil.Amount(20_000_000),
		}},
		SubtractFeeFrom: -1,
		FeeRate:         10_000,
		Coins:           []wire.OutPoint{op},
	})
	require.NoError(t, err)

	status, err := h.wallet.SignatureStatus(result.Pending.TxID)
	require.NoError(t, err)
	require.Len(t, status, 1)
	require.Equal(t, [4]byte{0xa1, 0xb2, 0xc3, 0xd4},
		status[0].Fingerprint)
	require.False(t, status[0].Signed)

	signed := h.signPending(t, result.Pending.Raw)
	_, err = h.wallet.UpdatePending(result.Pending.TxID, signed)
	require.NoError(t, err)

	status, err = h.wallet.SignatureStatus(result.Pending.TxID)
	require.NoError(t, err)
	require.True(t, status[0].Signed)
}

// TestUpdatePendingMismatch asserts a signed packet for a different
// transaction is rejected.
func TestUpdatePendingMismatch(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)
	op1 := h.fundWallet(t, btcutil.Amount(50_000_000))
	op2 := h.fundWallet(t, btcutil.Amount(60_000_000))

	_, destAddr := externalScript(t)
	mk := func(op wire.OutPoint, amount btcutil.Amount) *PendingTx {
		result, err := h.wallet.CreatePsbt(&CreateRequest{
			Outputs: []Output{{
				Address: destAddr,
				Amount:  amount,
			}},
			SubtractFeeFrom: -1,
			FeeRate:         10_000,
			Coins:           []wire.OutPoint{op},
		})
		require.NoError(t, err)
		return result.Pending
	}

	first := mk(op1, btcutil.Amount(10_000_000))
	second := mk(op2, btcutil.Amount(11_000_000))

	_, err := h.wallet.UpdatePending(first.TxID, second.Raw)
	require.ErrorIs(t, err, ErrPsbtMismatch)
}

// TestAddressLifecycle exercises the pass-through address operations.
func TestAddressLifecycle(t *testing.T) {
	t.Parallel()

	h := newTestHarness(t)

	addr, err := h.wallet.NewAddress(false)
	require.NoError(t, err)
	require.False(t, addr.Change)

	require.NoError(t, h.wallet.SetLabel(addr.Address, "rent"))
	require.NoError(t, h.wallet.ReserveAddress(
		addr.Address, "invoice-7", "deposit",
	))

	// A reserved address is skipped by the next handout.
	next, err := h.wallet.NewAddress(false)
	require.NoError(t, err)
	require.NotEqual(t, addr.Address, next.Address)

	require.NoError(t, h.wallet.ReleaseAddress(addr.Address))
	again, err := h.wallet.NewAddress(false)
	require.NoError(t, err)
	require.Equal(t, addr.Address, again.Address)
}
