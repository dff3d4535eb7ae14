// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrcache

import (
	"errors"
	"fmt"
	"testing"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/descwallet/descwallet/chain"
	"github.com/descwallet/descwallet/descriptor"
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

// mockTable is an in memory store.Table that records write counts and
// can fail reads on demand.
type mockTable struct {
	rows    [][]string
	readErr error
	writes  int
}

func (m *mockTable) ReadAll() ([][]string, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	return m.rows, nil
}

func (m *mockTable) WriteAll(rows [][]string) error {
	m.rows = rows
	m.writes++
	return nil
}

// mockClient implements chain.Client for the subset of calls the
// address cache makes.  Everything else fails the test.
type mockClient struct {
	t *testing.T

	imports   []chain.ImportRequest
	importErr error

	// labels is the node's label index, consulted by GetAddressInfo.
	labels    map[string]string
	infoCalls int
}

func newMockClient(t *testing.T) *mockClient {
	return &mockClient{t: t, labels: make(map[string]string)}
}

func (m *mockClient) ImportDescriptors(reqs []chain.ImportRequest) error {
	if m.importErr != nil {
		return m.importErr
	}
	m.imports = append(m.imports, reqs...)
	return nil
}

func (m *mockClient) GetAddressInfo(address string) (*chain.AddressInfo,
	error) {

	m.infoCalls++
	return &chain.AddressInfo{
		Mine:  true,
		Label: m.labels[address],
	}, nil
}

func (m *mockClient) BestBlockHeight() (int32, error) {
	m.t.Fatal("unexpected BestBlockHeight call")
	return 0, nil
}

func (m *mockClient) ListTransactions(count, skip int) ([]chain.TxSummary,
	error) {

	m.t.Fatal("unexpected ListTransactions call")
	return nil, nil
}

func (m *mockClient) GetTransaction(txid *chainhash.Hash) (*chain.TxDetail,
	error) {

	m.t.Fatal("unexpected GetTransaction call")
	return nil, nil
}

func (m *mockClient) ListUnspent(minConf int32) ([]chain.Unspent, error) {
	m.t.Fatal("unexpected ListUnspent call")
	return nil, nil
}

func (m *mockClient) ListLockedUnspent() ([]wire.OutPoint, error) {
	m.t.Fatal("unexpected ListLockedUnspent call")
	return nil, nil
}

func (m *mockClient) LockUnspent(unlock bool,
	outPoints []wire.OutPoint) error {

	m.t.Fatal("unexpected LockUnspent call")
	return nil
}

func (m *mockClient) FundPsbt(req *chain.FundPsbtRequest) (
	*chain.FundedPsbt, error) {

	m.t.Fatal("unexpected FundPsbt call")
	return nil, nil
}

func (m *mockClient) FinalizePsbt(psbtB64 string) (*chain.FinalizedPsbt,
	error) {

	m.t.Fatal("unexpected FinalizePsbt call")
	return nil, nil
}

func (m *mockClient) SendRawTransaction(tx *wire.MsgTx) (*chainhash.Hash,
	error) {

	m.t.Fatal("unexpected SendRawTransaction call")
	return nil, nil
}

var errMockRead = errors.New("mock read failure")
