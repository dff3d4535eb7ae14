// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chain

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
)

var (
	// ErrNodeUnreachable wraps transport level failures so callers can
	// distinguish them from node reported errors.
	ErrNodeUnreachable = errors.New("node unreachable")

	// ErrInsufficientNodeFunds is returned when the node cannot fund a
	// PSBT with the requested amount.
	ErrInsufficientNodeFunds = errors.New("node reports insufficient " +
		"funds")
)

// BitcoindClient implements Client over the bitcoind wallet JSON-RPC
// interface. Calls that have no typed rpcclient wrapper go through
// RawRequest.
type BitcoindClient struct {
	client *rpcclient.Client
}

// A compile time check to ensure BitcoindClient implements Client.
var _ Client = (*BitcoindClient)(nil)

// NewBitcoindClient connects a new client in HTTP POST mode.
func NewBitcoindClient(host, user, pass string) (*BitcoindClient, error) {
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         host,
		User:         user,
		Pass:         pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, err
	}

	return &BitcoindClient{client: client}, nil
}

// Shutdown tears down the underlying RPC client.
func (c *BitcoindClient) Shutdown() {
	c.client.Shutdown()
}

// call invokes a raw RPC method, marshaling each parameter and
// unmarshaling the result into result when non nil.
func (c *BitcoindClient) call(method string, result interface{},
	params ...interface{}) error {

	rawParams := make([]json.RawMessage, 0, len(params))
	for _, param := range params {
		raw, err := json.Marshal(param)
		if err != nil {
			return err
		}
		rawParams = append(rawParams, raw)
	}

	resp, err := c.client.RawRequest(method, rawParams)
	if err != nil {
		return mapRPCErr(method, err)
	}
	if result == nil {
		return nil
	}

	return json.Unmarshal(resp, result)
}

// mapRPCErr translates node reported errors into the package's error
// taxonomy. Transport failures come back without an RPC error code and
// map to ErrNodeUnreachable.
func mapRPCErr(method string, err error) error {
	var rpcErr *btcjson.RPCError
	if !errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %s: %v", ErrNodeUnreachable, method,
			err)
	}

	// -4 is bitcoind's wallet error code, used among other things for
	// insufficient funds during funded PSBT construction.
	if rpcErr.Code == btcjson.ErrRPCWallet {
		return fmt.Errorf("%w: %s", ErrInsufficientNodeFunds,
			rpcErr.Message)
	}

	return fmt.Errorf("%s: %w", method, err)
}

// BestBlockHeight returns the node's current tip height.
func (c *BitcoindClient) BestBlockHeight() (int32, error) {
	count, err := c.client.GetBlockCount()
	if err != nil {
		return 0, mapRPCErr("getblockcount", err)
	}

	return int32(count), nil
}

// listTransactionsItem mirrors one bitcoind listtransactions entry.
type listTransactionsItem struct {
	Address         string   `json:"address"`
	Category        string   `json:"category"`
	Amount          float64  `json:"amount"`
	Confirmations   int32    `json:"confirmations"`
	BlockHash       string   `json:"blockhash"`
	TxID            string   `json:"txid"`
	Time            int64    `json:"time"`
	WalletConflicts []string `json:"walletconflicts"`
	Replaceable     string   `json:"bip125-replaceable"`
}

// ListTransactions returns up to count recent wallet transactions,
// skipping the newest skip entries.
func (c *BitcoindClient) ListTransactions(count, skip int) ([]TxSummary,
	error) {

	var items []listTransactionsItem
	err := c.call(
		"listtransactions", &items, "*", count, skip, true,
	)
	if err != nil {
		return nil, err
	}

	summaries := make([]TxSummary, 0, len(items))
	for _, item := range items {
		summary, err := item.toSummary()
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, *summary)
	}

	return summaries, nil
}

func (item *listTransactionsItem) toSummary() (*TxSummary, error) {
	txid, err := chainhash.NewHashFromStr(item.TxID)
	if err != nil {
		return nil, err
	}
	amount, err := btcutil.NewAmount(item.Amount)
	if err != nil {
		return nil, err
	}

	summary := &TxSummary{
		TxID:          *txid,
		Address:       item.Address,
		Category:      item.Category,
		Amount:        amount,
		Confirmations: item.Confirmations,
		Time:          time.Unix(item.Time, 0),
		Replaceable:   item.Replaceable == "yes",
	}
	if item.BlockHash != "" {
		hash, err := chainhash.NewHashFromStr(item.BlockHash)
		if err != nil {
			return nil, err
		}
		summary.BlockHash = hash
	}
	for _, conflict := range item.WalletConflicts {
		hash, err := chainhash.NewHashFromStr(conflict)
		if err != nil {
			return nil, err
		}
		summary.Conflicts = append(summary.Conflicts, *hash)
	}

	return summary, nil
}

// getTransactionResult mirrors a bitcoind gettransaction response.
type getTransactionResult struct {
	TxID            string   `json:"txid"`
	Hex             string   `json:"hex"`
	Confirmations   int32    `json:"confirmations"`
	BlockHash       string   `json:"blockhash"`
	BlockHeight     *int32   `json:"blockheight"`
	Fee             *float64 `json:"fee"`
	Time            int64    `json:"time"`
	WalletConflicts []string `json:"walletconflicts"`
	Replaceable     string   `json:"bip125-replaceable"`
	Generated       bool     `json:"generated"`
}

// GetTransaction fetches full detail for one wallet transaction.
func (c *BitcoindClient) GetTransaction(txid *chainhash.Hash) (*TxDetail,
	error) {

	var res getTransactionResult
	err := c.call("gettransaction", &res, txid.String(), true)
	if err != nil {
		return nil, err
	}

	raw, err := hex.DecodeString(res.Hex)
	if err != nil {
		return nil, err
	}

	detail := &TxDetail{
		TxID:          *txid,
		Raw:           raw,
		Confirmations: res.Confirmations,
		BlockHeight:   -1,
		Time:          time.Unix(res.Time, 0),
		Replaceable:   res.Replaceable == "yes",
		Generated:     res.Generated,
	}
	if res.BlockHash != "" {
		hash, err := chainhash.NewHashFromStr(res.BlockHash)
		if err != nil {
			return nil, err
		}
		detail.BlockHash = hash
	}
	if res.BlockHeight != nil {
		detail.BlockHeight = *res.BlockHeight
	}
	if res.Fee != nil {
		// The node reports the fee as a negative BTC value.
		fee, err := btcutil.NewAmount(-*res.Fee)
		if err != nil {
			return nil, err
		}
		detail.Fee = fee
	}
	for _, conflict := range res.WalletConflicts {
		hash, err := chainhash.NewHashFromStr(conflict)
		if err != nil {
			return nil, err
		}
		detail.Conflicts = append(detail.Conflicts, *hash)
	}

	return detail, nil
}

// GetAddressInfo returns the node's view of one address.
func (c *BitcoindClient) GetAddressInfo(address string) (*AddressInfo,
	error) {

	var res struct {
		IsMine      bool     `json:"ismine"`
		IsWatchOnly bool     `json:"iswatchonly"`
		Labels      []string `json:"labels"`
	}
	if err := c.call("getaddressinfo", &res, address); err != nil {
		return nil, err
	}

	info := &AddressInfo{Mine: res.IsMine || res.IsWatchOnly}
	if len(res.Labels) > 0 {
		info.Label = res.Labels[0]
	}

	return info, nil
}

// listUnspentResult mirrors one bitcoind listunspent entry.
type listUnspentResult struct {
	TxID          string  `json:"txid"`
	Vout          uint32  `json:"vout"`
	Address       string  `json:"address"`
	Amount        float64 `json:"amount"`
	Confirmations int32   `json:"confirmations"`
	Safe          bool    `json:"safe"`
}

// ListUnspent lists unspent outputs with at least minConf confirmations.
func (c *BitcoindClient) ListUnspent(minConf int32) ([]Unspent, error) {
	var items []listUnspentResult
	err := c.call("listunspent", &items, minConf)
	if err != nil {
		return nil, err
	}

	unspent := make([]Unspent, 0, len(items))
	for _, item := range items {
		txid, err := chainhash.NewHashFromStr(item.TxID)
		if err != nil {
			return nil, err
		}
		amount, err := btcutil.NewAmount(item.Amount)
		if err != nil {
			return nil, err
		}
		unspent = append(unspent, Unspent{
			OutPoint:      wire.OutPoint{Hash: *txid, Index: item.Vout},
			Address:       item.Address,
			Amount:        amount,
			Confirmations: item.Confirmations,
			Safe:          item.Safe,
		})
	}

	return unspent, nil
}

// ListLockedUnspent returns the node's manually locked outputs.
func (c *BitcoindClient) ListLockedUnspent() ([]wire.OutPoint, error) {
	var items []struct {
		TxID string `json:"txid"`
		Vout uint32 `json:"vout"`
	}
	if err := c.call("listlockunspent", &items); err != nil {
		return nil, err
	}

	outPoints := make([]wire.OutPoint, 0, len(items))
	for _, item := range items {
		txid, err := chainhash.NewHashFromStr(item.TxID)
		if err != nil {
			return nil, err
		}
		outPoints = append(outPoints, wire.OutPoint{
			Hash: *txid, Index: item.Vout,
		})
	}

	return outPoints, nil
}

// LockUnspent locks or unlocks the given outputs on the node.
func (c *BitcoindClient) LockUnspent(unlock bool,
	outPoints []wire.OutPoint) error {

	type lockParam struct {
		TxID string `json:"txid"`
		Vout uint32 `json:"vout"`
	}
	params := make([]lockParam, 0, len(outPoints))
	for _, op := range outPoints {
		params = append(params, lockParam{
			TxID: op.Hash.String(), Vout: op.Index,
		})
	}

	return c.call("lockunspent", nil, unlock, params)
}

// ImportDescriptors imports ranged descriptors for future derivation
// indices. A partially failed import surfaces the first node reported
// error.
func (c *BitcoindClient) ImportDescriptors(reqs []ImportRequest) error {
	type importParam struct {
		Desc      string    `json:"desc"`
		Range     [2]uint32 `json:"range"`
		Timestamp string    `json:"timestamp"`
		Internal  bool      `json:"internal"`
		Active    bool      `json:"active"`
	}
	params := make([]importParam, 0, len(reqs))
	for _, req := range reqs {
		params = append(params, importParam{
			Desc:      req.Descriptor,
			Range:     [2]uint32{req.RangeStart, req.RangeEnd},
			Timestamp: "now",
			Internal:  req.Internal,
			Active:    req.Active,
		})
	}

	var results []struct {
		Success bool `json:"success"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	err := c.call("importdescriptors", &results, params)
	if err != nil {
		return err
	}

	log.Debugf("Imported %d descriptor ranges", len(reqs))

	for i, result := range results {
		if result.Success {
			continue
		}
		msg := "unknown error"
		if result.Error != nil {
			msg = result.Error.Message
		}
		return fmt.Errorf("descriptor import %d failed: %s", i, msg)
	}

	return nil
}

// FundPsbt asks the node to build and fund a PSBT via
// walletcreatefundedpsbt.
func (c *BitcoindClient) FundPsbt(req *FundPsbtRequest) (*FundedPsbt,
	error) {

	type inputParam struct {
		TxID string `json:"txid"`
		Vout uint32 `json:"vout"`
	}
	inputs := make([]inputParam, 0, len(req.Inputs))
	for _, op := range req.Inputs {
		inputs = append(inputs, inputParam{
			TxID: op.Hash.String(), Vout: op.Index,
		})
	}

	outputs := make([]map[string]float64, 0, len(req.Outputs))
	for _, out := range req.Outputs {
		outputs = append(outputs, map[string]float64{
			out.Address: out.Amount.ToBTC(),
		})
	}

	options := map[string]interface{}{
		"replaceable":     req.Replaceable,
		"includeWatching": true,
		// The node wants sat/vB while the engine computes sat/kvB.
		"fee_rate": float64(req.FeeRate) / 1000,
	}
	if req.ChangeAddress != "" {
		options["changeAddress"] = req.ChangeAddress
	}
	if req.SubtractFeeFromOutput >= 0 {
		options["subtractFeeFromOutputs"] = []int{
			req.SubtractFeeFromOutput,
		}
	}
	if req.IncludeUnsafe {
		options["include_unsafe"] = true
	}

	var res struct {
		Psbt      string  `json:"psbt"`
		Fee       float64 `json:"fee"`
		ChangePos int32   `json:"changepos"`
	}
	err := c.call(
		"walletcreatefundedpsbt", &res, inputs, outputs, 0, options,
	)
	if err != nil {
		return nil, err
	}

	fee, err := btcutil.NewAmount(res.Fee)
	if err != nil {
		return nil, err
	}

	return &FundedPsbt{
		Psbt:           res.Psbt,
		Fee:            fee,
		ChangePosition: res.ChangePos,
	}, nil
}

// FinalizePsbt finalizes a fully signed packet on the node.
func (c *BitcoindClient) FinalizePsbt(psbtB64 string) (*FinalizedPsbt,
	error) {

	var res struct {
		Psbt     string `json:"psbt"`
		Hex      string `json:"hex"`
		Complete bool   `json:"complete"`
	}
	if err := c.call("finalizepsbt", &res, psbtB64); err != nil {
		return nil, err
	}

	finalized := &FinalizedPsbt{
		Complete: res.Complete,
		Psbt:     res.Psbt,
	}
	if res.Hex != "" {
		raw, err := hex.DecodeString(res.Hex)
		if err != nil {
			return nil, err
		}
		finalized.RawTx = raw
	}

	return finalized, nil
}

// SendRawTransaction broadcasts a transaction.
func (c *BitcoindClient) SendRawTransaction(tx *wire.MsgTx) (
	*chainhash.Hash, error) {

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, err
	}

	var txidStr string
	err := c.call(
		"sendrawtransaction", &txidStr,
		hex.EncodeToString(buf.Bytes()),
	)
	if err != nil {
		return nil, err
	}

	log.Infof("Broadcast transaction %v", txidStr)

	return chainhash.NewHashFromStr(txidStr)
}
