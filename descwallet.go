// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/descwallet/descwallet/chain"
	"github.com/descwallet/descwallet/descriptor"
	"github.com/descwallet/descwallet/store"
	"github.com/descwallet/descwallet/store/kvstore"
	"github.com/descwallet/descwallet/store/sqlstore"
	"github.com/descwallet/descwallet/wallet"
)

var cfg *config

func main() {
	// Work around defer not working after os.Exit.
	if err := walletMain(); err != nil {
		os.Exit(1)
	}
}

// walletMain is a work-around main function that is required since
// deferred functions (such as log rotator shutdown) are not called with
// calls to os.Exit.  Instead, main runs this function and checks for a
// non-nil error, at which point any defers have already run, and if the
// error is non-nil, the program can be exited with an error exit
// status.
func walletMain() error {
	// Load configuration and parse command line.  This function also
	// initializes logging and configures it accordingly.
	tcfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = tcfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version %s", version())

	desc, err := descriptor.Parse(cfg.Descriptor, activeNet.Params)
	if err != nil {
		log.Errorf("Invalid wallet descriptor: %v", err)
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		log.Errorf("Unable to open wallet store: %v", err)
		return err
	}

	// Address the node's watch-only wallet when one is named, per the
	// bitcoind multiwallet endpoint convention.
	host := cfg.RPCConnect
	if cfg.RPCWallet != "" {
		host += "/wallet/" + cfg.RPCWallet
	}
	client, err := chain.NewBitcoindClient(
		host, cfg.RPCUser, cfg.RPCPassword,
	)
	if err != nil {
		log.Errorf("Unable to create node RPC client: %v", err)
		db.Close()
		return err
	}

	w, err := wallet.New(wallet.Config{
		Params:       activeNet.Params,
		Descriptor:   desc,
		Client:       client,
		Store:        db,
		SyncInterval: cfg.SyncInterval,
	})
	if err != nil {
		log.Errorf("Unable to open wallet: %v", err)
		client.Shutdown()
		db.Close()
		return err
	}

	if err := w.Start(); err != nil {
		log.Errorf("Unable to start wallet: %v", err)
		client.Shutdown()
		db.Close()
		return err
	}
	log.Infof("Wallet started on %s, reconciling every %v",
		activeNet.Name, cfg.SyncInterval)

	addInterruptHandler(func() {
		// Stop tears down the sync loop and closes the store.
		if err := w.Stop(); err != nil {
			log.Errorf("Error stopping wallet: %v", err)
		}
		client.Shutdown()
	})

	<-interruptHandlersDone
	log.Info("Shutdown complete")
	return nil
}

// openStore opens the persistence backend selected by the config,
// creating the data directory when missing.
func openStore(cfg *config) (store.WalletStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, err
	}

	switch cfg.DBBackend {
	case "kv":
		return kvstore.Open(filepath.Join(cfg.DataDir, "wallet.db"))
	case "sqlite":
		return sqlstore.Open(
			filepath.Join(cfg.DataDir, "wallet.sqlite"),
		)
	}
	return nil, fmt.Errorf("unknown dbbackend %q", cfg.DBBackend)
}
