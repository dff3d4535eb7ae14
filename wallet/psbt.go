// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txrules"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/descwallet/descwallet/chain"
	"github.com/descwallet/descwallet/descriptor"
	"github.com/descwallet/descwallet/txcache"
)

// rbfSequence signals BIP125 replaceability on every input.
const rbfSequence = wire.MaxTxInSequenceNum - 2

// Output is one requested destination of a new spend.
type Output struct {
	// Address is the destination address.
	Address string

	// Amount is the value to send.
	Amount btcutil.Amount
}

// CreateRequest describes a new spend.
type CreateRequest struct {
	// Outputs are the destinations.
	Outputs []Output

	// SubtractFeeFrom, when non negative, names the output index the
	// fee is deducted from.
	SubtractFeeFrom int

	// FeeRate is the requested rate in sat/kvB.  Zero selects the
	// default relay rate.
	FeeRate btcutil.Amount

	// Coins pins the inputs to spend.  Empty delegates coin selection
	// to the node.
	Coins []wire.OutPoint

	// RBF signals BIP125 replaceability.
	RBF bool

	// EstimateOnly computes the fee without tracking the transaction
	// or locking its inputs.
	EstimateOnly bool
}

// CreateResult is the outcome of a spend construction.
type CreateResult struct {
	// Pending is the tracked transaction, nil for estimates.
	Pending *PendingTx

	// Fee is the absolute fee.
	Fee btcutil.Amount

	// FeeRate is the effective rate in sat/kvB against the estimated
	// signed size, zero when no estimate applies.
	FeeRate btcutil.Amount

	// ChangePosition is the change output index, -1 when the
	// transaction has no change output.
	ChangePosition int32
}

// CreatePsbt constructs an unsigned transaction, wraps it in a PSBT,
// locks the consumed outputs and tracks it for signing.  The balance is
// checked before any node funding call, so an over budget request fails
// without touching the node.
func (w *Wallet) CreatePsbt(req *CreateRequest) (*CreateResult, error) {
	if len(req.Outputs) == 0 {
		return nil, ErrNoOutputs
	}
	if req.SubtractFeeFrom >= len(req.Outputs) {
		return nil, fmt.Errorf("subtract-fee output %d out of range",
			req.SubtractFeeFrom)
	}

	feeRate := req.FeeRate
	if feeRate == 0 {
		feeRate = txrules.DefaultRelayFeePerKb
	}

	txOuts := make([]*wire.TxOut, 0, len(req.Outputs))
	var total btcutil.Amount
	for i, out := range req.Outputs {
		addr, err := btcutil.DecodeAddress(out.Address, w.cfg.Params)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w",
				out.Address, err)
		}
		pkScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, err
		}

		txOut := wire.NewTxOut(int64(out.Amount), pkScript)
		if i != req.SubtractFeeFrom {
			err := txrules.CheckOutput(
				txOut, txrules.DefaultRelayFeePerKb,
			)
			if err != nil {
				return nil, err
			}
		}

		txOuts = append(txOuts, txOut)
		total += out.Amount
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	bal, err := w.balanceLocked()
	if err != nil {
		return nil, err
	}
	if total > bal.Available {
		return nil, ErrInsufficientFunds
	}

	change, err := w.addrs.NextAddress(true)
	if err != nil {
		return nil, err
	}

	var (
		packet    *psbt.Packet
		fee       btcutil.Amount
		changePos int32
	)
	if len(req.Coins) > 0 && req.SubtractFeeFrom < 0 {
		packet, fee, changePos, err = w.buildLocalPsbt(
			req, feeRate, txOuts, change.Address,
		)
	} else {
		packet, fee, changePos, err = w.fundViaNode(
			req, feeRate, change.Address,
		)
	}
	if err != nil {
		return nil, err
	}

	if err := w.decoratePacket(packet); err != nil {
		return nil, err
	}

	result := &CreateResult{
		Fee:            fee,
		ChangePosition: changePos,
	}
	if est := w.estimateVSize(packet); est > 0 {
		result.FeeRate = fee * 1000 / btcutil.Amount(est)
	}

	if req.EstimateOnly {
		return result, nil
	}

	pending, err := w.trackPacket(packet, changePos, change.Address)
	if err != nil {
		return nil, err
	}
	result.Pending = pending

	return result, nil
}

// buildLocalPsbt constructs the transaction locally from pinned coins,
// without a node funding round trip.
func (w *Wallet) buildLocalPsbt(req *CreateRequest, feeRate btcutil.Amount,
	txOuts []*wire.TxOut, changeAddress string) (*psbt.Packet,
	btcutil.Amount, int32, error) {

	type pinnedCoin struct {
		op    wire.OutPoint
		txOut *wire.TxOut
	}

	coins := make([]pinnedCoin, 0, len(req.Coins))
	for _, op := range req.Coins {
		raw, err := w.txs.RawTx(op.Hash)
		if err != nil {
			return nil, 0, 0, err
		}
		var prev wire.MsgTx
		if err := prev.Deserialize(bytes.NewReader(raw)); err != nil {
			return nil, 0, 0, err
		}
		if op.Index >= uint32(len(prev.TxOut)) {
			return nil, 0, 0, fmt.Errorf("outpoint %v does not "+
				"exist", op)
		}
		coins = append(coins, pinnedCoin{
			op:    op,
			txOut: prev.TxOut[op.Index],
		})
	}

	// The coin set is fixed, so the source hands out everything it has
	// regardless of the target.
	inputSource := func(btcutil.Amount) (btcutil.Amount, []*wire.TxIn,
		[]btcutil.Amount, [][]byte, error) {

		var (
			total   btcutil.Amount
			inputs  = make([]*wire.TxIn, 0, len(coins))
			values  = make([]btcutil.Amount, 0, len(coins))
			scripts = make([][]byte, 0, len(coins))
		)
		for i := range coins {
			coin := &coins[i]
			total += btcutil.Amount(coin.txOut.Value)
			inputs = append(
				inputs, wire.NewTxIn(&coin.op, nil, nil),
			)
			values = append(
				values, btcutil.Amount(coin.txOut.Value),
			)
			scripts = append(scripts, coin.txOut.PkScript)
		}
		return total, inputs, values, scripts, nil
	}

	changeScript, err := w.scriptForAddress(changeAddress)
	if err != nil {
		return nil, 0, 0, err
	}
	changeSource := &txauthor.ChangeSource{
		ScriptSize: len(changeScript),
		NewScript: func() ([]byte, error) {
			return changeScript, nil
		},
	}

	authored, err := txauthor.NewUnsignedTransaction(
		txOuts, feeRate, inputSource, changeSource,
	)
	if err != nil {
		var srcErr txauthor.InputSourceError
		if errors.As(err, &srcErr) {
			return nil, 0, 0, ErrInsufficientFunds
		}
		return nil, 0, 0, err
	}

	if req.RBF {
		for _, txIn := range authored.Tx.TxIn {
			txIn.Sequence = rbfSequence
		}
	}

	packet, err := psbt.NewFromUnsignedTx(authored.Tx)
	if err != nil {
		return nil, 0, 0, err
	}

	fee := authored.TotalInput
	for _, txOut := range authored.Tx.TxOut {
		fee -= btcutil.Amount(txOut.Value)
	}

	return packet, fee, int32(authored.ChangeIndex), nil
}

// fundViaNode delegates coin selection and funding to the node.  The
// node sizes fees against its own worst case estimate, so for single
// sig descriptors one correction pass re-funds at an adjusted rate when
// the realized rate drifts from the request.
func (w *Wallet) fundViaNode(req *CreateRequest, feeRate btcutil.Amount,
	changeAddress string) (*psbt.Packet, btcutil.Amount, int32, error) {

	outputs := make([]chain.Output, len(req.Outputs))
	for i, out := range req.Outputs {
		outputs[i] = chain.Output{
			Address: out.Address,
			Amount:  out.Amount,
		}
	}
	fund := &chain.FundPsbtRequest{
		Inputs:                req.Coins,
		Outputs:               outputs,
		FeeRate:               feeRate,
		SubtractFeeFromOutput: req.SubtractFeeFrom,
		ChangeAddress:         changeAddress,
		Replaceable:           req.RBF,
		IncludeUnsafe:         true,
	}

	funded, err := w.cfg.Client.FundPsbt(fund)
	if err != nil {
		if errors.Is(err, chain.ErrInsufficientNodeFunds) {
			return nil, 0, 0, ErrInsufficientFunds
		}
		return nil, 0, 0, err
	}
	packet, err := psbt.NewFromRawBytes(
		strings.NewReader(funded.Psbt), true,
	)
	if err != nil {
		return nil, 0, 0, err
	}

	if est := w.estimateVSize(packet); est > 0 {
		actual := funded.Fee * 1000 / btcutil.Amount(est)
		if actual > 0 && deviates(actual, feeRate) {
			corrected := feeRate * feeRate / actual
			if corrected > 0 && corrected != fund.FeeRate {
				fund.FeeRate = corrected
				refunded, err := w.cfg.Client.FundPsbt(fund)
				if err == nil {
					repacket, perr := psbt.NewFromRawBytes(
						strings.NewReader(refunded.Psbt),
						true,
					)
					if perr == nil {
						funded = refunded
						packet = repacket
					}
				} else {
					log.Debugf("Fee correction pass "+
						"failed, keeping first "+
						"funding: %v", err)
				}
			}
		}
	}

	return packet, funded.Fee, funded.ChangePosition, nil
}

// deviates reports whether the realized rate drifts more than 2% from
// the requested one.
func deviates(actual, requested btcutil.Amount) bool {
	diff := actual - requested
	if diff < 0 {
		diff = -diff
	}
	return diff*50 > requested
}

// estimateVSize returns a worst case signed virtual size for the
// packet, or zero when no flat per input estimate applies to the
// descriptor's script type.
func (w *Wallet) estimateVSize(packet *psbt.Packet) int {
	n := len(packet.UnsignedTx.TxIn)
	txOuts := packet.UnsignedTx.TxOut

	switch w.cfg.Descriptor.ScriptType() {
	case descriptor.ScriptP2PKH:
		return txsizes.EstimateVirtualSize(n, 0, 0, 0, txOuts, 0)
	case descriptor.ScriptP2WPKH:
		return txsizes.EstimateVirtualSize(0, 0, n, 0, txOuts, 0)
	case descriptor.ScriptNestedP2WPKH:
		return txsizes.EstimateVirtualSize(0, 0, 0, n, txOuts, 0)
	default:
		return 0
	}
}

// scriptForAddress derives the output script of an address string.
func (w *Wallet) scriptForAddress(address string) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, w.cfg.Params)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}

// decoratePacket fills per input UTXO, script and derivation fields for
// every input the wallet owns, leaving fields the node already set in
// place.
func (w *Wallet) decoratePacket(packet *psbt.Packet) error {
	for i := range packet.Inputs {
		pin := &packet.Inputs[i]
		op := packet.UnsignedTx.TxIn[i].PreviousOutPoint

		prevOut := pin.WitnessUtxo
		var prevTx *wire.MsgTx
		if prevOut == nil && pin.NonWitnessUtxo != nil {
			prevTx = pin.NonWitnessUtxo
			if op.Index >= uint32(len(prevTx.TxOut)) {
				return fmt.Errorf("outpoint %v does not "+
					"exist", op)
			}
			prevOut = prevTx.TxOut[op.Index]
		}
		if prevOut == nil {
			raw, err := w.txs.RawTx(op.Hash)
			if err != nil {
				return err
			}
			prevTx = new(wire.MsgTx)
			err = prevTx.Deserialize(bytes.NewReader(raw))
			if err != nil {
				return err
			}
			if op.Index >= uint32(len(prevTx.TxOut)) {
				return fmt.Errorf("outpoint %v does not "+
					"exist", op)
			}
			prevOut = prevTx.TxOut[op.Index]
		}

		address := w.scriptAddress(prevOut.PkScript)
		rec, ok := w.addrs.Get(address)
		if !ok || rec.Index < 0 {
			continue
		}
		branch := uint32(0)
		if rec.Change {
			branch = 1
		}
		derived, err := w.cfg.Descriptor.Derive(
			branch, uint32(rec.Index),
		)
		if err != nil {
			return err
		}

		switch w.cfg.Descriptor.ScriptType() {
		case descriptor.ScriptP2PKH, descriptor.ScriptP2SH:
			if pin.NonWitnessUtxo == nil && prevTx != nil {
				pin.NonWitnessUtxo = prevTx
			}
		default:
			if pin.WitnessUtxo == nil {
				pin.WitnessUtxo = prevOut
			}
		}
		if pin.RedeemScript == nil {
			pin.RedeemScript = derived.RedeemScript
		}
		if pin.WitnessScript == nil {
			pin.WitnessScript = derived.WitnessScript
		}
		if len(pin.Bip32Derivation) == 0 {
			for _, origin := range derived.Origins {
				pin.Bip32Derivation = append(
					pin.Bip32Derivation,
					&psbt.Bip32Derivation{
						PubKey: origin.PubKey,
						MasterKeyFingerprint: binary.LittleEndian.Uint32(
							origin.Fingerprint[:],
						),
						Bip32Path: origin.Path,
					},
				)
			}
		}
	}

	return nil
}

// scriptAddress renders an output script as an address string, empty
// when the script has no address form.
func (w *Wallet) scriptAddress(pkScript []byte) string {
	_, addrs, _, err := txscript.ExtractPkScriptAddrs(
		pkScript, w.cfg.Params,
	)
	if err != nil || len(addrs) != 1 {
		return ""
	}
	return addrs[0].EncodeAddress()
}

// trackPacket locks the packet's inputs, reserves its change address
// and registers the pending entry.  Callers hold the wallet mutex.
func (w *Wallet) trackPacket(packet *psbt.Packet, changePos int32,
	changeAddress string) (*PendingTx, error) {

	txid := packet.UnsignedTx.TxHash()

	inputs := fn.Map(packet.UnsignedTx.TxIn, func(in *wire.TxIn) wire.OutPoint {
		return in.PreviousOutPoint
	})

	var buf bytes.Buffer
	if err := packet.Serialize(&buf); err != nil {
		return nil, err
	}

	entry := &PendingTx{
		TxID:      txid,
		Created:   time.Now().UTC().Truncate(time.Second),
		Threshold: uint32(w.cfg.Descriptor.Threshold()),
		Inputs:    inputs,
		Raw:       buf.Bytes(),
	}

	// A pending spend is only tracked with its inputs locked.  A
	// failed lock call leaves no trace behind.
	if err := w.cfg.Client.LockUnspent(false, inputs); err != nil {
		return nil, fmt.Errorf("unable to lock %d inputs of %v: %w",
			len(inputs), txid, err)
	}

	if changePos >= 0 {
		err := w.addrs.Reserve(
			changeAddress, "spend:"+txid.String(), "",
		)
		if err != nil {
			log.Debugf("Unable to reserve change address %v: %v",
				changeAddress, err)
		}
	}

	w.pending[txid] = entry
	if err := w.saveState(); err != nil {
		delete(w.pending, txid)
		w.unlockExclusive(entry)
		return nil, err
	}

	cp := *entry
	return &cp, nil
}

// Bump replaces an unconfirmed replaceable transaction with a higher
// fee copy, absorbing the increase from its change output.
func (w *Wallet) Bump(txid chainhash.Hash,
	feeRate btcutil.Amount) (*CreateResult, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	rec, raw, err := w.replaceableTx(txid)
	if err != nil {
		return nil, err
	}

	newFee := txrules.FeeForSerializeSize(feeRate, int(rec.VSize))
	delta := newFee - rec.Fee
	minDelta := txrules.FeeForSerializeSize(
		txrules.DefaultRelayFeePerKb, int(rec.VSize),
	)
	if delta < minDelta {
		return nil, ErrFeeDeltaTooSmall
	}

	changeVout := int32(-1)
	for _, out := range rec.Outputs {
		if out.Change {
			changeVout = int32(out.Vout)
			break
		}
	}
	if changeVout < 0 {
		return nil, ErrNoChangeOutput
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	if int(changeVout) >= len(tx.TxOut) {
		return nil, ErrNoChangeOutput
	}
	changeOut := tx.TxOut[changeVout]
	newValue := changeOut.Value - int64(delta)

	switch {
	case newValue <= 0 && len(tx.TxOut) == 1:
		return nil, ErrNoChangeOutput

	case newValue <= 0 || txrules.IsDustOutput(
		wire.NewTxOut(newValue, changeOut.PkScript),
		txrules.DefaultRelayFeePerKb,
	):
		// The change cannot absorb the increase, drop it and let
		// the remainder go to fees.
		tx.TxOut = append(
			tx.TxOut[:changeVout], tx.TxOut[changeVout+1:]...,
		)
		newFee = rec.Fee + btcutil.Amount(changeOut.Value)

	default:
		changeOut.Value = newValue
	}

	return w.replaceTx(&tx, txid, newFee)
}

// Cancel replaces an unconfirmed replaceable transaction with one that
// redirects the whole input value, minus the bumped fee, back to the
// wallet's own next address.
func (w *Wallet) Cancel(txid chainhash.Hash,
	feeRate btcutil.Amount) (*CreateResult, error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	rec, raw, err := w.replaceableTx(txid)
	if err != nil {
		return nil, err
	}

	newFee := txrules.FeeForSerializeSize(feeRate, int(rec.VSize))
	delta := newFee - rec.Fee
	minDelta := txrules.FeeForSerializeSize(
		txrules.DefaultRelayFeePerKb, int(rec.VSize),
	)
	if delta < minDelta {
		return nil, ErrFeeDeltaTooSmall
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	var inputTotal btcutil.Amount
	for _, txOut := range tx.TxOut {
		inputTotal += btcutil.Amount(txOut.Value)
	}
	inputTotal += rec.Fee

	redirect, err := w.addrs.NextAddress(false)
	if err != nil {
		return nil, err
	}
	redirectScript, err := w.scriptForAddress(redirect.Address)
	if err != nil {
		return nil, err
	}

	value := inputTotal - newFee
	redirectOut := wire.NewTxOut(int64(value), redirectScript)
	if value <= 0 || txrules.IsDustOutput(
		redirectOut, txrules.DefaultRelayFeePerKb,
	) {
		return nil, ErrInsufficientFunds
	}
	tx.TxOut = []*wire.TxOut{redirectOut}

	return w.replaceTx(&tx, txid, newFee)
}

// replaceableTx loads an unconfirmed replaceable wallet transaction and
// its raw bytes.  Callers hold the wallet mutex.
func (w *Wallet) replaceableTx(txid chainhash.Hash) (*txcache.TxRecord,
	[]byte, error) {

	rec, ok := w.txs.Lookup(txid)
	if !ok {
		return nil, nil, ErrUnknownTx
	}
	if rec.BlockHeight >= 0 || !rec.Replaceable {
		return nil, nil, ErrNotReplaceable
	}

	raw, err := w.txs.RawTx(txid)
	if err != nil {
		return nil, nil, err
	}
	return rec, raw, nil
}

// replaceTx wraps a modified transaction in a fresh packet, evicts the
// pending entry of the transaction it replaces and tracks the new one.
// The replacement keeps the original inputs, so their locks carry over.
// Callers hold the wallet mutex.
func (w *Wallet) replaceTx(tx *wire.MsgTx, replaces chainhash.Hash,
	fee btcutil.Amount) (*CreateResult, error) {

	for _, txIn := range tx.TxIn {
		txIn.Sequence = rbfSequence
		txIn.SignatureScript = nil
		txIn.Witness = nil
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return nil, err
	}
	if err := w.decoratePacket(packet); err != nil {
		return nil, err
	}

	// The replacement spends the same inputs, so the old entry's
	// locks transfer instead of being released.
	delete(w.pending, replaces)

	pending, err := w.trackPending(packet)
	if err != nil {
		return nil, err
	}

	result := &CreateResult{
		Pending:        pending,
		Fee:            fee,
		ChangePosition: -1,
	}
	if est := w.estimateVSize(packet); est > 0 {
		result.FeeRate = fee * 1000 / btcutil.Amount(est)
	}
	return result, nil
}

// trackPending registers a packet without change reservation, used for
// replacements whose change already belongs to the wallet.  Callers
// hold the wallet mutex.
func (w *Wallet) trackPending(packet *psbt.Packet) (*PendingTx, error) {
	return w.trackPacket(packet, -1, "")
}

// BroadcastPending finalizes a fully signed pending transaction through
// the node and broadcasts it.
func (w *Wallet) BroadcastPending(txid chainhash.Hash) (*chainhash.Hash,
	error) {

	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.pending[txid]
	if !ok {
		return nil, ErrUnknownPendingTx
	}

	b64 := base64.StdEncoding.EncodeToString(entry.Raw)
	finalized, err := w.cfg.Client.FinalizePsbt(b64)
	if err != nil {
		return nil, err
	}
	if !finalized.Complete {
		return nil, ErrPsbtIncomplete
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(finalized.RawTx)); err != nil {
		return nil, err
	}
	hash, err := w.cfg.Client.SendRawTransaction(&tx)
	if err != nil {
		return nil, err
	}

	delete(w.pending, txid)
	w.unlockExclusive(entry)
	if err := w.saveState(); err != nil {
		return nil, err
	}

	// Pull the broadcast transaction into the cache right away so the
	// caller sees it without waiting for the next sync tick.
	if _, err := w.txs.ReconcileOne(*hash); err != nil {
		log.Debugf("Unable to cache broadcast transaction %v: %v",
			hash, err)
	}

	return hash, nil
}
