// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wallet

import (
	"github.com/btcsuite/btcd/btcutil/psbt"
)

// SignResult is the outcome of one signer pass over a packet.
type SignResult struct {
	// Packet is the packet with the signer's partial signatures
	// merged in.
	Packet *psbt.Packet

	// Complete reports whether the signer considers every input fully
	// signed.
	Complete bool
}

// Signer is the capability every signing device kind satisfies:
// hardware wallets, hot keys, QR based air gapped devices and SD card
// exchange all implement the same contract behind their transport
// specifics.
type Signer interface {
	// Sign adds the device's partial signatures to the packet.  The
	// passphrase may be empty for devices that do not use one.
	Sign(packet *psbt.Packet, passphrase string) (*SignResult, error)

	// ExportForTransport serializes the packet in whatever container
	// the device's transport needs, such as a file image for SD card
	// exchange or an animated QR payload.
	ExportForTransport(packet *psbt.Packet) ([]byte, error)
}
