// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/tlv"

	"github.com/descwallet/descwallet/descriptor"
)

// TLV types of one serialized pending transaction.
const (
	typePendingTxID      tlv.Type = 1
	typePendingCreated   tlv.Type = 2
	typePendingThreshold tlv.Type = 3
	typePendingInputs    tlv.Type = 4
	typePendingPacket    tlv.Type = 5
	typePendingFinalized tlv.Type = 6
)

// TLV types of the wallet state blob.
const (
	typeStateFrozen  tlv.Type = 1
	typeStatePending tlv.Type = 2
)

// maxStateBlobPart bounds one length prefixed part of the state blob.
const maxStateBlobPart = 16 * 1024 * 1024

// PendingTx is one tracked partially signed spend.  Its inputs stay
// RPC locked for the whole lifetime of the entry so no second unsigned
// spend can consume them.
type PendingTx struct {
	// TxID is the txid of the unsigned transaction.
	TxID chainhash.Hash

	// Created is the construction time.
	Created time.Time

	// Threshold is the number of signatures required per input.
	Threshold uint32

	// Inputs are the locked outpoints the transaction consumes.
	Inputs []wire.OutPoint

	// Raw is the serialized packet.  It is the authoritative payload:
	// unknown proprietary key-value pairs round-trip through it
	// untouched.
	Raw []byte

	// FinalizedRaw is the network serialized transaction once the
	// packet finalized, nil before that.
	FinalizedRaw []byte
}

// Packet parses the stored packet.
func (p *PendingTx) Packet() (*psbt.Packet, error) {
	return psbt.NewFromRawBytes(bytes.NewReader(p.Raw), false)
}

// encode serializes the entry as one TLV stream.
func (p *PendingTx) encode(w *bytes.Buffer) error {
	txid := [32]byte(p.TxID)
	created := uint64(p.Created.Unix())

	var inputs bytes.Buffer
	for _, op := range p.Inputs {
		if _, err := inputs.Write(op.Hash[:]); err != nil {
			return err
		}
		err := binary.Write(&inputs, binary.BigEndian, op.Index)
		if err != nil {
			return err
		}
	}
	inputBytes := inputs.Bytes()

	records := []tlv.Record{
		tlv.MakePrimitiveRecord(typePendingTxID, &txid),
		tlv.MakePrimitiveRecord(typePendingCreated, &created),
		tlv.MakePrimitiveRecord(typePendingThreshold, &p.Threshold),
		tlv.MakePrimitiveRecord(typePendingInputs, &inputBytes),
		tlv.MakePrimitiveRecord(typePendingPacket, &p.Raw),
	}
	if len(p.FinalizedRaw) > 0 {
		records = append(records, tlv.MakePrimitiveRecord(
			typePendingFinalized, &p.FinalizedRaw,
		))
	}

	stream, err := tlv.NewStream(records...)
	if err != nil {
		return err
	}
	return stream.Encode(w)
}

// decodePendingTx parses one TLV stream back into an entry.
func decodePendingTx(r *bytes.Reader) (*PendingTx, error) {
	var (
		txid       [32]byte
		created    uint64
		threshold  uint32
		inputBytes []byte
		raw        []byte
		finalized  []byte
	)
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typePendingTxID, &txid),
		tlv.MakePrimitiveRecord(typePendingCreated, &created),
		tlv.MakePrimitiveRecord(typePendingThreshold, &threshold),
		tlv.MakePrimitiveRecord(typePendingInputs, &inputBytes),
		tlv.MakePrimitiveRecord(typePendingPacket, &raw),
		tlv.MakePrimitiveRecord(typePendingFinalized, &finalized),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Decode(r); err != nil {
		return nil, err
	}

	if len(inputBytes)%36 != 0 {
		return nil, fmt.Errorf("malformed pending input list: %d "+
			"bytes", len(inputBytes))
	}
	inputs := make([]wire.OutPoint, 0, len(inputBytes)/36)
	for off := 0; off < len(inputBytes); off += 36 {
		var op wire.OutPoint
		copy(op.Hash[:], inputBytes[off:off+32])
		op.Index = binary.BigEndian.Uint32(inputBytes[off+32 : off+36])
		inputs = append(inputs, op)
	}

	return &PendingTx{
		TxID:         chainhash.Hash(txid),
		Created:      time.Unix(int64(created), 0).UTC(),
		Threshold:    threshold,
		Inputs:       inputs,
		Raw:          raw,
		FinalizedRaw: finalized,
	}, nil
}

// encodeState serializes the wallet unit: the frozen set and every
// pending transaction, in deterministic order.
func encodeState(frozen map[string]struct{},
	pending map[chainhash.Hash]*PendingTx) ([]byte, error) {

	frozenKeys := make([]string, 0, len(frozen))
	for key := range frozen {
		frozenKeys = append(frozenKeys, key)
	}
	sort.Strings(frozenKeys)

	var frozenBuf bytes.Buffer
	for _, key := range frozenKeys {
		err := wire.WriteVarString(&frozenBuf, 0, key)
		if err != nil {
			return nil, err
		}
	}
	frozenBytes := frozenBuf.Bytes()

	txids := make([]chainhash.Hash, 0, len(pending))
	for txid := range pending {
		txids = append(txids, txid)
	}
	sort.Slice(txids, func(i, j int) bool {
		return bytes.Compare(txids[i][:], txids[j][:]) < 0
	})

	var pendingBuf bytes.Buffer
	err := wire.WriteVarInt(&pendingBuf, 0, uint64(len(txids)))
	if err != nil {
		return nil, err
	}
	for _, txid := range txids {
		var entry bytes.Buffer
		if err := pending[txid].encode(&entry); err != nil {
			return nil, err
		}
		err := wire.WriteVarBytes(&pendingBuf, 0, entry.Bytes())
		if err != nil {
			return nil, err
		}
	}
	pendingBytes := pendingBuf.Bytes()

	var buf bytes.Buffer
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeStateFrozen, &frozenBytes),
		tlv.MakePrimitiveRecord(typeStatePending, &pendingBytes),
	)
	if err != nil {
		return nil, err
	}
	if err := stream.Encode(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeState parses a wallet state blob.
func decodeState(blob []byte) (map[string]struct{},
	map[chainhash.Hash]*PendingTx, error) {

	var frozenBytes, pendingBytes []byte
	stream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(typeStateFrozen, &frozenBytes),
		tlv.MakePrimitiveRecord(typeStatePending, &pendingBytes),
	)
	if err != nil {
		return nil, nil, err
	}
	if err := stream.Decode(bytes.NewReader(blob)); err != nil {
		return nil, nil, err
	}

	frozen := make(map[string]struct{})
	frozenReader := bytes.NewReader(frozenBytes)
	for frozenReader.Len() > 0 {
		key, err := wire.ReadVarString(frozenReader, 0)
		if err != nil {
			return nil, nil, err
		}
		frozen[key] = struct{}{}
	}

	pending := make(map[chainhash.Hash]*PendingTx)
	if len(pendingBytes) == 0 {
		return frozen, pending, nil
	}
	pendingReader := bytes.NewReader(pendingBytes)
	count, err := wire.ReadVarInt(pendingReader, 0)
	if err != nil {
		return nil, nil, err
	}
	for i := uint64(0); i < count; i++ {
		entryBytes, err := wire.ReadVarBytes(
			pendingReader, 0, maxStateBlobPart, "pending",
		)
		if err != nil {
			return nil, nil, err
		}
		entry, err := decodePendingTx(bytes.NewReader(entryBytes))
		if err != nil {
			return nil, nil, err
		}
		pending[entry.TxID] = entry
	}

	return frozen, pending, nil
}

// DeviceStatus reports one signing key's progress on a pending
// transaction.
type DeviceStatus struct {
	// Fingerprint is the key's master fingerprint.
	Fingerprint [4]byte

	// Signed reports whether the key contributed a partial signature
	// on every input.  Partial completion per input does not count.
	Signed bool
}

// signatureStatus derives per device signing progress from the merged
// packet.  A device is matched to inputs through the BIP32 derivation
// fingerprints the packet carries.
func signatureStatus(packet *psbt.Packet,
	keys []*descriptor.Key) []DeviceStatus {

	status := make([]DeviceStatus, 0, len(keys))
	for _, key := range keys {
		fp := binary.LittleEndian.Uint32(key.Fingerprint[:])

		signed := len(packet.Inputs) > 0
		for _, in := range packet.Inputs {
			if !inputSignedBy(&in, fp) {
				signed = false
				break
			}
		}

		status = append(status, DeviceStatus{
			Fingerprint: key.Fingerprint,
			Signed:      signed,
		})
	}
	return status
}

// inputSignedBy reports whether the input carries a partial signature
// from a pubkey the given master fingerprint derived.
func inputSignedBy(in *psbt.PInput, fingerprint uint32) bool {
	for _, deriv := range in.Bip32Derivation {
		if deriv.MasterKeyFingerprint != fingerprint {
			continue
		}
		for _, sig := range in.PartialSigs {
			if bytes.Equal(sig.PubKey, deriv.PubKey) {
				return true
			}
		}
	}
	return false
}

// mergePackets folds the partial signatures, derivations and unknown
// key-value pairs of src into dst.  Fields already present in dst are
// left alone; nothing is ever dropped.
func mergePackets(dst, src *psbt.Packet) error {
	if dst.UnsignedTx.TxHash() != src.UnsignedTx.TxHash() {
		return ErrPsbtMismatch
	}

	for i := range src.Inputs {
		dstIn := &dst.Inputs[i]
		srcIn := &src.Inputs[i]

		for _, sig := range srcIn.PartialSigs {
			if !hasPartialSig(dstIn, sig.PubKey) {
				dstIn.PartialSigs = append(
					dstIn.PartialSigs, sig,
				)
			}
		}
		for _, deriv := range srcIn.Bip32Derivation {
			if !hasDerivation(dstIn, deriv.PubKey) {
				dstIn.Bip32Derivation = append(
					dstIn.Bip32Derivation, deriv,
				)
			}
		}
		if dstIn.WitnessUtxo == nil {
			dstIn.WitnessUtxo = srcIn.WitnessUtxo
		}
		if dstIn.NonWitnessUtxo == nil {
			dstIn.NonWitnessUtxo = srcIn.NonWitnessUtxo
		}
		if dstIn.WitnessScript == nil {
			dstIn.WitnessScript = srcIn.WitnessScript
		}
		if dstIn.RedeemScript == nil {
			dstIn.RedeemScript = srcIn.RedeemScript
		}
		if dstIn.FinalScriptSig == nil {
			dstIn.FinalScriptSig = srcIn.FinalScriptSig
		}
		if dstIn.FinalScriptWitness == nil {
			dstIn.FinalScriptWitness = srcIn.FinalScriptWitness
		}
		for _, unknown := range srcIn.Unknowns {
			if !hasUnknown(dstIn.Unknowns, unknown.Key) {
				dstIn.Unknowns = append(
					dstIn.Unknowns, unknown,
				)
			}
		}
	}

	for _, unknown := range src.Unknowns {
		if !hasUnknown(dst.Unknowns, unknown.Key) {
			dst.Unknowns = append(dst.Unknowns, unknown)
		}
	}

	return nil
}

func hasPartialSig(in *psbt.PInput, pubKey []byte) bool {
	for _, sig := range in.PartialSigs {
		if bytes.Equal(sig.PubKey, pubKey) {
			return true
		}
	}
	return false
}

func hasDerivation(in *psbt.PInput, pubKey []byte) bool {
	for _, deriv := range in.Bip32Derivation {
		if bytes.Equal(deriv.PubKey, pubKey) {
			return true
		}
	}
	return false
}

func hasUnknown(unknowns []*psbt.Unknown, key []byte) bool {
	for _, unknown := range unknowns {
		if bytes.Equal(unknown.Key, key) {
			return true
		}
	}
	return false
}
