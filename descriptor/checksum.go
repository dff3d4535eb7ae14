// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import "strings"

// Descriptor checksums as specified by BIP-0380. The node refuses ranged
// descriptor imports without a valid checksum, so the engine computes them
// locally instead of round-tripping through getdescriptorinfo.

const (
	// inputCharset is the set of characters a descriptor body may
	// contain, in symbol-value order.
	inputCharset = "0123456789()[],'/*abcdefgh@:$%{}IJKLMNOPQRSTUVWXYZ" +
		"&+-.;<=>?!^_|~ijklmnopqrstuvwxyzABCDEFGH`#\"\\ "

	// checksumCharset is the bech32 character set used for the checksum
	// itself.
	checksumCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
)

var checksumGenerator = [5]uint64{
	0xf5dee51989, 0xa9fdca3312, 0x1bab10e32d, 0x3706b1677a, 0x644d626ffd,
}

// polymod updates the BCH checksum state with one 5 bit symbol.
func polymod(chk uint64, value uint64) uint64 {
	top := chk >> 35
	chk = (chk&0x7ffffffff)<<5 ^ value
	for i := 0; i < 5; i++ {
		if (top>>uint(i))&1 != 0 {
			chk ^= checksumGenerator[i]
		}
	}

	return chk
}

// expand maps the descriptor body onto checksum symbols. The low 5 bits of
// each character feed the checksum directly, the high bits are packed three
// characters at a time into an extra symbol.
func expand(s string) ([]uint64, bool) {
	var symbols []uint64
	var groups []uint64
	for _, c := range s {
		pos := strings.IndexRune(inputCharset, c)
		if pos < 0 {
			return nil, false
		}
		symbols = append(symbols, uint64(pos&31))
		groups = append(groups, uint64(pos>>5))
		if len(groups) == 3 {
			symbols = append(
				symbols, groups[0]*9+groups[1]*3+groups[2],
			)
			groups = groups[:0]
		}
	}
	switch len(groups) {
	case 1:
		symbols = append(symbols, groups[0])
	case 2:
		symbols = append(symbols, groups[0]*3+groups[1])
	}

	return symbols, true
}

// Checksum computes the 8 character checksum for a descriptor body (without
// the "#" separator).
func Checksum(desc string) (string, error) {
	symbols, ok := expand(desc)
	if !ok {
		return "", parseError("invalid character in descriptor %q",
			desc)
	}

	chk := uint64(1)
	for _, sym := range symbols {
		chk = polymod(chk, sym)
	}
	for i := 0; i < 8; i++ {
		chk = polymod(chk, 0)
	}
	chk ^= 1

	var sb strings.Builder
	for i := 0; i < 8; i++ {
		sb.WriteByte(checksumCharset[(chk>>(5*(7-uint(i))))&31])
	}

	return sb.String(), nil
}

// AppendChecksum returns desc with its checksum suffix attached.
func AppendChecksum(desc string) (string, error) {
	sum, err := Checksum(desc)
	if err != nil {
		return "", err
	}

	return desc + "#" + sum, nil
}

// splitChecksum splits a descriptor into body and optional checksum and
// verifies the checksum when present.
func splitChecksum(desc string) (string, error) {
	idx := strings.LastIndex(desc, "#")
	if idx < 0 {
		return desc, nil
	}

	body, sum := desc[:idx], desc[idx+1:]
	want, err := Checksum(body)
	if err != nil {
		return "", err
	}
	if sum != want {
		return "", ErrChecksum
	}

	return body, nil
}
