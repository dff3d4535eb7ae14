// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txcache

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Category is the wallet side classification of a cached transaction.
// The node's own category strings are advisory only and recomputed
// here.
type Category uint8

const (
	// CategorySend is a transaction spending only wallet inputs with
	// at least one external output.
	CategorySend Category = iota

	// CategoryReceive is a transaction with at least one external
	// input paying a wallet address.
	CategoryReceive

	// CategorySelfTransfer is a transaction whose inputs and outputs
	// are all wallet owned.
	CategorySelfTransfer

	// CategoryGenerate is a mature coinbase transaction.
	CategoryGenerate

	// CategoryImmature is a coinbase transaction younger than the
	// maturity window.
	CategoryImmature
)

var categoryStrings = map[Category]string{
	CategorySend:         "send",
	CategoryReceive:      "receive",
	CategorySelfTransfer: "selftransfer",
	CategoryGenerate:     "generate",
	CategoryImmature:     "immature",
}

// String returns the category's canonical name.
func (c Category) String() string {
	if s, ok := categoryStrings[c]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", uint8(c))
}

func parseCategory(s string) (Category, error) {
	for c, str := range categoryStrings {
		if str == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown category %q", s)
}

// OutputInfo describes one output of a cached transaction.
type OutputInfo struct {
	// Vout is the output index.
	Vout uint32

	// Address is the output's address, empty for non standard
	// scripts.
	Address string

	// Amount is the output value.
	Amount btcutil.Amount

	// Mine reports whether the output pays a wallet address.
	Mine bool

	// Change reports whether the output pays the wallet's change
	// branch.
	Change bool
}

// TxRecord is one cached wallet transaction.  Raw bytes live in the
// content addressed blob store, keyed by txid; the record never changes
// them, only confirmation metadata and classification are updated in
// place.
type TxRecord struct {
	// TxID is the transaction id.
	TxID chainhash.Hash

	// BlockHash is the containing block, nil while unconfirmed.
	BlockHash *chainhash.Hash

	// BlockHeight is the containing block height, -1 while
	// unconfirmed.
	BlockHeight int32

	// Timestamp is the node's time for the transaction.
	Timestamp time.Time

	// Replaceable reports whether the transaction signals BIP125.
	Replaceable bool

	// Conflicts lists wallet transactions spending the same inputs.
	Conflicts []chainhash.Hash

	// Category is the wallet side classification.
	Category Category

	// SelfTransfer reports whether every input and output is wallet
	// owned.
	SelfTransfer bool

	// Fee is the absolute fee when known (wallet funded the inputs),
	// else zero.
	Fee btcutil.Amount

	// VSize is the transaction's virtual size.
	VSize int32

	// Outputs are all outputs of the transaction, wallet judgments
	// attached.
	Outputs []OutputInfo
}

// Confirmed reports whether the record has a known block height.
func (r *TxRecord) Confirmed() bool {
	return r.BlockHeight >= 0
}

// Destinations returns the externally visible destination list:
// change outputs are suppressed, except that a self transfer whose
// outputs are all change keeps exactly one visible.
func (r *TxRecord) Destinations() []OutputInfo {
	visible := make([]OutputInfo, 0, len(r.Outputs))
	switch r.Category {
	case CategorySend:
		for _, out := range r.Outputs {
			if !out.Mine {
				visible = append(visible, out)
			}
		}

	case CategoryReceive, CategoryGenerate, CategoryImmature:
		for _, out := range r.Outputs {
			if out.Mine && !out.Change {
				visible = append(visible, out)
			}
		}

	case CategorySelfTransfer:
		for _, out := range r.Outputs {
			if !out.Change {
				visible = append(visible, out)
			}
		}
		// Pure consolidation to the change path: keep the first
		// output visible rather than showing an empty transaction.
		if len(visible) == 0 && len(r.Outputs) > 0 {
			visible = append(visible, r.Outputs[0])
		}
	}
	return visible
}

// encodeRow serializes the record as one row of the tabular store.  Raw
// bytes are not part of the row, they live in the blob store.
func (r *TxRecord) encodeRow() []string {
	blockHash := ""
	if r.BlockHash != nil {
		blockHash = r.BlockHash.String()
	}

	conflicts := make([]string, 0, len(r.Conflicts))
	for _, hash := range r.Conflicts {
		conflicts = append(conflicts, hash.String())
	}

	outputs := make([]string, 0, len(r.Outputs))
	for _, out := range r.Outputs {
		outputs = append(outputs, strings.Join([]string{
			strconv.FormatUint(uint64(out.Vout), 10),
			out.Address,
			strconv.FormatInt(int64(out.Amount), 10),
			strconv.FormatBool(out.Mine),
			strconv.FormatBool(out.Change),
		}, ","))
	}

	return []string{
		r.TxID.String(),
		blockHash,
		strconv.FormatInt(int64(r.BlockHeight), 10),
		strconv.FormatInt(r.Timestamp.Unix(), 10),
		strconv.FormatBool(r.Replaceable),
		strings.Join(conflicts, ";"),
		r.Category.String(),
		strconv.FormatBool(r.SelfTransfer),
		strconv.FormatInt(int64(r.Fee), 10),
		strconv.FormatInt(int64(r.VSize), 10),
		strings.Join(outputs, "|"),
	}
}

// decodeRecordRow parses a record from one row of the tabular store.
func decodeRecordRow(row []string) (*TxRecord, error) {
	if len(row) != 11 {
		return nil, fmt.Errorf("transaction row has %d fields, "+
			"want 11", len(row))
	}

	txid, err := chainhash.NewHashFromStr(row[0])
	if err != nil {
		return nil, fmt.Errorf("bad txid %q: %w", row[0], err)
	}
	rec := &TxRecord{TxID: *txid}

	if row[1] != "" {
		hash, err := chainhash.NewHashFromStr(row[1])
		if err != nil {
			return nil, fmt.Errorf("bad block hash %q: %w",
				row[1], err)
		}
		rec.BlockHash = hash
	}

	height, err := strconv.ParseInt(row[2], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("bad block height %q: %w", row[2], err)
	}
	rec.BlockHeight = int32(height)

	unix, err := strconv.ParseInt(row[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp %q: %w", row[3], err)
	}
	rec.Timestamp = time.Unix(unix, 0)

	rec.Replaceable, err = strconv.ParseBool(row[4])
	if err != nil {
		return nil, fmt.Errorf("bad rbf flag %q: %w", row[4], err)
	}

	if row[5] != "" {
		for _, s := range strings.Split(row[5], ";") {
			hash, err := chainhash.NewHashFromStr(s)
			if err != nil {
				return nil, fmt.Errorf("bad conflict %q: %w",
					s, err)
			}
			rec.Conflicts = append(rec.Conflicts, *hash)
		}
	}

	rec.Category, err = parseCategory(row[6])
	if err != nil {
		return nil, err
	}

	rec.SelfTransfer, err = strconv.ParseBool(row[7])
	if err != nil {
		return nil, fmt.Errorf("bad self transfer flag %q: %w",
			row[7], err)
	}

	fee, err := strconv.ParseInt(row[8], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad fee %q: %w", row[8], err)
	}
	rec.Fee = btcutil.Amount(fee)

	vsize, err := strconv.ParseInt(row[9], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("bad vsize %q: %w", row[9], err)
	}
	rec.VSize = int32(vsize)

	if row[10] != "" {
		for _, s := range strings.Split(row[10], "|") {
			out, err := decodeOutput(s)
			if err != nil {
				return nil, err
			}
			rec.Outputs = append(rec.Outputs, out)
		}
	}

	return rec, nil
}

func decodeOutput(s string) (OutputInfo, error) {
	fields := strings.Split(s, ",")
	if len(fields) != 5 {
		return OutputInfo{}, fmt.Errorf("output %q has %d fields, "+
			"want 5", s, len(fields))
	}

	vout, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return OutputInfo{}, fmt.Errorf("bad vout %q: %w",
			fields[0], err)
	}
	amount, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return OutputInfo{}, fmt.Errorf("bad amount %q: %w",
			fields[2], err)
	}
	mine, err := strconv.ParseBool(fields[3])
	if err != nil {
		return OutputInfo{}, fmt.Errorf("bad mine flag %q: %w",
			fields[3], err)
	}
	change, err := strconv.ParseBool(fields[4])
	if err != nil {
		return OutputInfo{}, fmt.Errorf("bad change flag %q: %w",
			fields[4], err)
	}

	return OutputInfo{
		Vout:    uint32(vout),
		Address: fields[1],
		Amount:  btcutil.Amount(amount),
		Mine:    mine,
		Change:  change,
	}, nil
}
