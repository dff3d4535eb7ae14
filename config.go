// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	flags "github.com/jessevdk/go-flags"

	"github.com/descwallet/descwallet/netparams"
)

const (
	defaultConfigFilename = "descwallet.conf"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "descwallet.log"
	defaultLogLevel       = "info"
	defaultDBBackend      = "kv"
	defaultSyncInterval   = 30 * time.Second
)

var (
	descwalletHomeDir = btcutil.AppDataDir("descwallet", false)
	defaultConfigFile = filepath.Join(
		descwalletHomeDir, defaultConfigFilename,
	)
	defaultDataDir = descwalletHomeDir
	defaultLogDir  = filepath.Join(descwalletHomeDir, defaultLogDirname)

	activeNet = &netparams.MainNetParams
)

// config defines the configuration options for descwallet.
//
// See loadConfig for details on the configuration load process.
type config struct {
	// General application behavior
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store wallet data"`
	LogDir      string `long:"logdir" description:"Directory to log output"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}"`

	// Wallet definition
	Descriptor   string        `long:"descriptor" description:"Output descriptor of the wallet, multipath <0;1> form"`
	DBBackend    string        `long:"dbbackend" description:"Persistence backend {kv, sqlite}"`
	SyncInterval time.Duration `long:"syncinterval" description:"Background reconciliation interval"`

	// Network selection
	TestNet3 bool `long:"testnet" description:"Use the test network (version 3)"`
	TestNet4 bool `long:"testnet4" description:"Use the test network (version 4)"`
	SigNet   bool `long:"signet" description:"Use the signet test network"`
	RegTest  bool `long:"regtest" description:"Use the regression test network"`
	SimNet   bool `long:"simnet" description:"Use the simulation test network"`

	// Backing node RPC
	RPCConnect  string `short:"c" long:"rpcconnect" description:"Hostname/IP and port of bitcoind RPC server to connect to"`
	RPCUser     string `short:"u" long:"rpcuser" description:"Username for bitcoind RPC authentication"`
	RPCPassword string `short:"P" long:"rpcpass" default-mask:"-" description:"Password for bitcoind RPC authentication"`
	RPCWallet   string `long:"rpcwallet" description:"Name of the watch-only bitcoind wallet to address"`
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(descwalletHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace", "debug", "info", "warn", "error", "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems
// for logging purposes.
func supportedSubsystems() []string {
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and
// set the levels accordingly.  An appropriate error is returned if
// anything is invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimiters, treat it
	// as the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") &&
		!strings.Contains(debugLevel, "=") {

		if !validLogLevel(debugLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", debugLevel)
		}
		setLogLevels(debugLevel)
		return nil
	}

	// Split the specified string into subsystem/level pairs and set
	// the levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			return fmt.Errorf("the specified debug level contains "+
				"an invalid subsystem/level pair [%v]",
				logLevelPair)
		}

		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		if _, exists := subsystemLoggers[subsysID]; !exists {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems %v", subsysID,
				supportedSubsystems())
		}
		if !validLogLevel(logLevel) {
			return fmt.Errorf("the specified debug level [%v] is "+
				"invalid", logLevel)
		}
		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified
//     options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, []string, error) {
	cfg := config{
		ConfigFile:   defaultConfigFile,
		DataDir:      defaultDataDir,
		LogDir:       defaultLogDir,
		DebugLevel:   defaultLogLevel,
		DBBackend:    defaultDBBackend,
		SyncInterval: defaultSyncInterval,
	}

	// Pre-parse the command line options to see if an alternative
	// config file was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, nil, err
	}

	if preCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, version())
		os.Exit(0)
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	configFile := cleanAndExpandPath(preCfg.ConfigFile)
	err = flags.NewIniParser(parser).ParseFile(configFile)
	if err != nil {
		if _, ok := err.(*os.PathError); !ok {
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
		// A missing config file is fine unless one was named
		// explicitly.
		if preCfg.ConfigFile != defaultConfigFile {
			return nil, nil, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, nil, err
	}

	// Multiple networks can't be selected simultaneously.
	numNets := 0
	if cfg.TestNet3 {
		activeNet = &netparams.TestNet3Params
		numNets++
	}
	if cfg.TestNet4 {
		activeNet = &netparams.TestNet4Params
		numNets++
	}
	if cfg.SigNet {
		activeNet = &netparams.SigNetParams
		numNets++
	}
	if cfg.RegTest {
		activeNet = &netparams.RegressionNetParams
		numNets++
	}
	if cfg.SimNet {
		activeNet = &netparams.SimNetParams
		numNets++
	}
	if numNets > 1 {
		str := "%s: the testnet, testnet4, signet, regtest and " +
			"simnet params can't be used together -- choose one"
		err := fmt.Errorf(str, "loadConfig")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	if cfg.Descriptor == "" {
		err := fmt.Errorf("%s: a wallet descriptor is required",
			"loadConfig")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	switch cfg.DBBackend {
	case "kv", "sqlite":
	default:
		err := fmt.Errorf("%s: unknown dbbackend %q -- supported "+
			"backends are kv and sqlite", "loadConfig",
			cfg.DBBackend)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Append the network name to the data and log directories so they
	// are network specific.
	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.DataDir = filepath.Join(cfg.DataDir, activeNet.Name)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.LogDir = filepath.Join(cfg.LogDir, activeNet.Name)

	// Initialize log rotation.  After it is initialized, messages
	// sent to the logging subsystems are written to the log file.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", "loadConfig", err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	// Default the node RPC endpoint to localhost on the network's
	// well known port.
	if cfg.RPCConnect == "" {
		cfg.RPCConnect = net.JoinHostPort(
			"localhost", activeNet.RPCPort,
		)
	} else if _, _, err := net.SplitHostPort(cfg.RPCConnect); err != nil {
		cfg.RPCConnect = net.JoinHostPort(
			cfg.RPCConnect, activeNet.RPCPort,
		)
	}

	if cfg.RPCUser == "" || cfg.RPCPassword == "" {
		err := fmt.Errorf("%s: rpcuser and rpcpass are required",
			"loadConfig")
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}

	return &cfg, remainingArgs, nil
}
