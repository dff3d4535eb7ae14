// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrcache

import (
	"fmt"
	"strconv"
)

// ExternalIndex is the derivation index recorded for addresses that do
// not belong to this wallet but are referenced by one of its
// transactions, such as a counterparty or co-signer address.
const ExternalIndex int32 = -1

// Address is one cached address record.  Records are owned exclusively
// by the Cache and mutated only through its setters.
type Address struct {
	// Address is the encoded address string.
	Address string

	// Index is the derivation index, or ExternalIndex for addresses
	// the wallet did not derive.
	Index int32

	// Change reports whether the address lies on the change branch.
	// Meaningless for external addresses.
	Change bool

	// Label is the user assigned label, empty when unset.
	Label string

	// Used reports whether the address has ever received funds.  Once
	// set it is never cleared except by a full cache rebuild.
	Used bool

	// Reservation is an external correlation tag, empty when the
	// address is not reserved.
	Reservation string
}

// External reports whether the record describes an address the wallet
// did not derive.
func (a *Address) External() bool {
	return a.Index < 0
}

// DisplayLabel returns the label to show for the address, falling back
// to a derivation based default when no label is set.
func (a *Address) DisplayLabel() string {
	if a.Label != "" {
		return a.Label
	}
	if a.External() {
		return a.Address
	}
	if a.Change {
		return fmt.Sprintf("Change #%d", a.Index)
	}
	return fmt.Sprintf("Address #%d", a.Index)
}

// Reserved reports whether the address carries a reservation tag.
func (a *Address) Reserved() bool {
	return a.Reservation != ""
}

// encodeRow serializes the record as one row of the tabular store.
func (a *Address) encodeRow() []string {
	return []string{
		a.Address,
		strconv.FormatInt(int64(a.Index), 10),
		strconv.FormatBool(a.Change),
		a.Label,
		strconv.FormatBool(a.Used),
		a.Reservation,
	}
}

// decodeRow parses a record from one row of the tabular store.
func decodeRow(row []string) (*Address, error) {
	if len(row) != 6 {
		return nil, fmt.Errorf("address row has %d fields, want 6",
			len(row))
	}

	index, err := strconv.ParseInt(row[1], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("bad derivation index %q: %w",
			row[1], err)
	}
	change, err := strconv.ParseBool(row[2])
	if err != nil {
		return nil, fmt.Errorf("bad change flag %q: %w", row[2], err)
	}
	used, err := strconv.ParseBool(row[4])
	if err != nil {
		return nil, fmt.Errorf("bad used flag %q: %w", row[4], err)
	}

	return &Address{
		Address:     row[0],
		Index:       int32(index),
		Change:      change,
		Label:       row[3],
		Used:        used,
		Reservation: row[5],
	}, nil
}
