// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netparams

import "github.com/btcsuite/btcd/chaincfg"

// Params groups the chain parameters of one network with the default
// port its bitcoind listens for RPC on.
type Params struct {
	*chaincfg.Params
	RPCPort string
}

// MainNetParams contains parameters for running against a main network
// bitcoind.
var MainNetParams = Params{
	Params:  &chaincfg.MainNetParams,
	RPCPort: "8332",
}

// TestNet3Params contains parameters for running against a test network
// (version 3) bitcoind.
var TestNet3Params = Params{
	Params:  &chaincfg.TestNet3Params,
	RPCPort: "18332",
}

// TestNet4Params contains parameters for running against a test network
// (version 4) bitcoind.
var TestNet4Params = Params{
	Params:  &TestNet4ChainParams,
	RPCPort: "48332",
}

// SigNetParams contains parameters for running against a default signet
// bitcoind.
var SigNetParams = Params{
	Params:  &chaincfg.SigNetParams,
	RPCPort: "38332",
}

// RegressionNetParams contains parameters for running against a
// regression test bitcoind.
var RegressionNetParams = Params{
	Params:  &chaincfg.RegressionNetParams,
	RPCPort: "18443",
}

// SimNetParams contains parameters for the simulation test network.
var SimNetParams = Params{
	Params:  &chaincfg.SimNetParams,
	RPCPort: "18554",
}
