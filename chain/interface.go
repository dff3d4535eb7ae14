// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package chain defines the contract between the wallet engine and the
// backing full node, along with a JSON-RPC implementation for bitcoind.
// The engine treats the node as an untrusted, eventually consistent data
// source: transport, retry and timeout policy live with the
// implementation, never in the engine.
package chain

import (
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// TxSummary is one entry of the node's recent transaction listing. The
// category reported by the node is advisory only; the engine recomputes
// classification itself.
type TxSummary struct {
	// TxID is the transaction id.
	TxID chainhash.Hash

	// Address is the wallet address the entry refers to, may be empty.
	Address string

	// Category is the node's own classification, untrusted.
	Category string

	// Amount is the signed amount the node attributes to this entry.
	Amount btcutil.Amount

	// Confirmations is the depth of the containing block, zero for
	// mempool transactions and negative for conflicted ones.
	Confirmations int32

	// BlockHash is the containing block, nil while unconfirmed.
	BlockHash *chainhash.Hash

	// Time is the node's timestamp for the transaction.
	Time time.Time

	// Replaceable reports whether the node considers the transaction
	// BIP125 replaceable.
	Replaceable bool

	// Conflicts lists wallet transactions spending the same inputs.
	Conflicts []chainhash.Hash
}

// TxDetail is the full per-transaction result of a detail fetch.
type TxDetail struct {
	// TxID is the transaction id.
	TxID chainhash.Hash

	// Raw is the serialized transaction.
	Raw []byte

	// Confirmations is the confirmation count at fetch time.
	Confirmations int32

	// BlockHash is the containing block, nil while unconfirmed.
	BlockHash *chainhash.Hash

	// BlockHeight is the height of the containing block. A value of -1
	// means the node did not report it; the engine normalizes it from
	// Confirmations and the current tip.
	BlockHeight int32

	// Fee is the absolute fee when the node knows it (send side only),
	// else zero.
	Fee btcutil.Amount

	// Time is the node's timestamp for the transaction.
	Time time.Time

	// Replaceable reports whether the transaction signals BIP125.
	Replaceable bool

	// Conflicts lists wallet transactions spending the same inputs.
	Conflicts []chainhash.Hash

	// Generated reports whether this is a coinbase transaction.
	Generated bool
}

// AddressInfo is the node's view of a single address.
type AddressInfo struct {
	// Mine reports whether the node wallet watches the address.
	Mine bool

	// Label is the node side label, empty when unset.
	Label string
}

// Unspent is one node reported unspent output.
type Unspent struct {
	// OutPoint identifies the output.
	OutPoint wire.OutPoint

	// Address is the output's address.
	Address string

	// Amount is the output value.
	Amount btcutil.Amount

	// Confirmations is the depth of the funding transaction.
	Confirmations int32

	// Safe reports whether the node considers the output safe to
	// spend.
	Safe bool
}

// ImportRequest describes one ranged descriptor import.
type ImportRequest struct {
	// Descriptor is the single branch, ranged descriptor with
	// checksum.
	Descriptor string

	// RangeStart and RangeEnd bound the derivation indices to import,
	// both inclusive.
	RangeStart, RangeEnd uint32

	// Internal marks the change branch.
	Internal bool

	// Active asks the node to treat the descriptor as an active
	// keypool source.
	Active bool
}

// Output is one destination of a funded PSBT request.
type Output struct {
	// Address is the destination address.
	Address string

	// Amount is the value to send.
	Amount btcutil.Amount
}

// FundPsbtRequest describes a funded PSBT construction call. Coin
// selection beyond the pinned inputs is the node's job.
type FundPsbtRequest struct {
	// Inputs pins outputs that must be spent. May be empty.
	Inputs []wire.OutPoint

	// Outputs lists the destinations.
	Outputs []Output

	// FeeRate is the requested fee rate in sat/kvB.
	FeeRate btcutil.Amount

	// SubtractFeeFromOutput, when non negative, names the output index
	// the fee is deducted from.
	SubtractFeeFromOutput int

	// ChangeAddress receives any change.
	ChangeAddress string

	// Replaceable signals BIP125 on the result.
	Replaceable bool

	// IncludeUnsafe permits spending unconfirmed, non change inputs.
	IncludeUnsafe bool
}

// FundedPsbt is the node's funded construction result.
type FundedPsbt struct {
	// Psbt is the base64 encoded packet.
	Psbt string

	// Fee is the absolute fee of the funded transaction.
	Fee btcutil.Amount

	// ChangePosition is the change output index, -1 when no change
	// output was added.
	ChangePosition int32
}

// FinalizedPsbt is the result of asking the node to finalize a packet.
type FinalizedPsbt struct {
	// Complete reports whether every input is fully signed.
	Complete bool

	// RawTx is the extracted network serialized transaction, only set
	// when Complete.
	RawTx []byte

	// Psbt is the (possibly still incomplete) packet, base64 encoded.
	Psbt string
}

// Client is the node RPC surface the wallet engine consumes. Every call
// is a blocking network round trip; a failed call must leave engine
// state untouched, which the engine guarantees by applying results only
// after the call returns.
type Client interface {
	// BestBlockHeight returns the node's current tip height.
	BestBlockHeight() (int32, error)

	// ListTransactions returns up to count recent wallet transactions,
	// skipping the newest skip entries. Entries within a page are
	// ordered oldest first, matching the node's convention.
	ListTransactions(count, skip int) ([]TxSummary, error)

	// GetTransaction fetches full detail for one wallet transaction.
	GetTransaction(txid *chainhash.Hash) (*TxDetail, error)

	// GetAddressInfo returns the node's view of one address.
	GetAddressInfo(address string) (*AddressInfo, error)

	// ListUnspent lists unspent outputs with at least minConf
	// confirmations, including watch-only outputs.
	ListUnspent(minConf int32) ([]Unspent, error)

	// ListLockedUnspent returns the node's manually locked outputs.
	ListLockedUnspent() ([]wire.OutPoint, error)

	// LockUnspent locks (unlock=false) or unlocks (unlock=true) the
	// given outputs. Locks are node process scoped and shared across
	// every wallet instance talking to the node.
	LockUnspent(unlock bool, outPoints []wire.OutPoint) error

	// ImportDescriptors imports ranged descriptors so the node can
	// recognize payments to future derivation indices.
	ImportDescriptors(reqs []ImportRequest) error

	// FundPsbt asks the node to build and fund a PSBT.
	FundPsbt(req *FundPsbtRequest) (*FundedPsbt, error)

	// FinalizePsbt finalizes a fully signed packet and extracts the
	// network serialized transaction.
	FinalizePsbt(psbtB64 string) (*FinalizedPsbt, error)

	// SendRawTransaction broadcasts a transaction.
	SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash, error)
}
