// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import "errors"

var (
	// ErrNoOutputs is returned when a spend is requested with an empty
	// destination list.
	ErrNoOutputs = errors.New("transaction has no outputs")

	// ErrInsufficientFunds is returned when the requested total
	// exceeds the wallet's available balance.  The check runs before
	// any node funding call.
	ErrInsufficientFunds = errors.New("insufficient funds available")

	// ErrUnknownPendingTx is returned when the txid does not match a
	// tracked pending transaction.
	ErrUnknownPendingTx = errors.New("unknown pending transaction")

	// ErrUnknownTx is returned when the txid is not a wallet
	// transaction.
	ErrUnknownTx = errors.New("unknown wallet transaction")

	// ErrNotReplaceable is returned when a fee bump is requested for a
	// confirmed transaction or one that does not signal replacement.
	ErrNotReplaceable = errors.New("transaction is not replaceable")

	// ErrNoChangeOutput is returned when a fee bump finds no change
	// output whose value could absorb the fee increase.
	ErrNoChangeOutput = errors.New("transaction has no change output " +
		"to adjust")

	// ErrFeeDeltaTooSmall is returned when the fee difference of a
	// replacement stays below the minimum relay increment.
	ErrFeeDeltaTooSmall = errors.New("fee difference too small")

	// ErrPsbtIncomplete is returned when finalization is requested for
	// a packet that is missing signatures.
	ErrPsbtIncomplete = errors.New("psbt is not fully signed")

	// ErrPsbtMismatch is returned when a signed packet does not match
	// the pending transaction it is submitted for.
	ErrPsbtMismatch = errors.New("psbt does not match pending " +
		"transaction")

	// ErrStopped is returned on operations against a wallet that was
	// shut down.
	ErrStopped = errors.New("wallet is stopped")
)
