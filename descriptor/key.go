// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
)

// hardenedKeyStart is the index at which hardened derivation begins.
const hardenedKeyStart = hdkeychain.HardenedKeyStart

// Key is one extended public key of a descriptor, together with its origin
// metadata. Keys are created once from user supplied text and are immutable
// afterwards. Two keys are considered equal when their original input
// strings match, regardless of derived fields.
type Key struct {
	// Original is the exact text the key was parsed from.
	Original string

	// Fingerprint is the BIP32 fingerprint of the origin master key. If
	// the key carried no origin information, it is the fingerprint of
	// the xpub itself.
	Fingerprint [4]byte

	// DerivationPath is the origin path from the master key to the xpub,
	// hardened components offset by hardenedKeyStart.
	DerivationPath []uint32

	// XPub is the parsed extended public key.
	XPub *hdkeychain.ExtendedKey
}

// ParseKey parses a descriptor key expression of the form
// [fingerprint/path]xpub. The origin bracket is optional.
func ParseKey(s string, params *chaincfg.Params) (*Key, error) {
	key := &Key{Original: s}

	rest := s
	if strings.HasPrefix(rest, "[") {
		end := strings.Index(rest, "]")
		if end < 0 {
			return nil, parseError("unterminated key origin in %q", s)
		}
		origin := rest[1:end]
		rest = rest[end+1:]

		parts := strings.Split(origin, "/")
		fp, err := parseFingerprint(parts[0])
		if err != nil {
			return nil, err
		}
		key.Fingerprint = fp

		path, err := ParsePath(parts[1:])
		if err != nil {
			return nil, err
		}
		key.DerivationPath = path
	}

	xpub, err := hdkeychain.NewKeyFromString(rest)
	if err != nil {
		return nil, parseError("invalid extended key %q: %v", rest, err)
	}
	if xpub.IsPrivate() {
		return nil, ErrPrivateKey
	}
	if !xpub.IsForNet(params) {
		return nil, parseError("extended key %q is for the wrong "+
			"network", rest)
	}
	key.XPub = xpub

	// Without origin data the xpub is its own origin.
	if len(s) > 0 && s[0] != '[' {
		pub, err := xpub.ECPubKey()
		if err != nil {
			return nil, err
		}
		copy(key.Fingerprint[:], btcutil.Hash160(
			pub.SerializeCompressed(),
		)[:4])
	}

	return key, nil
}

// Equal reports whether two keys were created from the same input.
func (k *Key) Equal(other *Key) bool {
	return other != nil && k.Original == other.Original
}

// OriginString renders the key origin as it appears inside a descriptor,
// e.g. "aabbccdd/84h/0h/0h".
func (k *Key) OriginString() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%x", k.Fingerprint[:])
	for _, step := range k.DerivationPath {
		if step >= hardenedKeyStart {
			fmt.Fprintf(&sb, "/%dh", step-hardenedKeyStart)
		} else {
			fmt.Fprintf(&sb, "/%d", step)
		}
	}

	return sb.String()
}

// Purpose returns the BIP43 purpose of the origin path, or 0 when the key
// has no origin information.
func (k *Key) Purpose() uint32 {
	if len(k.DerivationPath) == 0 {
		return 0
	}
	p := k.DerivationPath[0]
	if p >= hardenedKeyStart {
		p -= hardenedKeyStart
	}

	return p
}

// parseFingerprint decodes an 8 hex digit master key fingerprint.
func parseFingerprint(s string) ([4]byte, error) {
	var fp [4]byte
	if len(s) != 8 {
		return fp, parseError("invalid fingerprint %q", s)
	}
	for i := 0; i < 4; i++ {
		b, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return fp, parseError("invalid fingerprint %q", s)
		}
		fp[i] = byte(b)
	}

	return fp, nil
}

// ParsePath parses derivation path components, accepting h, H and ' as
// hardened markers.
func ParsePath(components []string) ([]uint32, error) {
	path := make([]uint32, 0, len(components))
	for _, comp := range components {
		if comp == "" {
			return nil, parseError("empty path component")
		}

		hardened := false
		last := comp[len(comp)-1]
		if last == 'h' || last == 'H' || last == '\'' {
			hardened = true
			comp = comp[:len(comp)-1]
		}

		idx, err := strconv.ParseUint(comp, 10, 32)
		if err != nil || idx >= hardenedKeyStart {
			return nil, parseError("invalid path component %q", comp)
		}
		if hardened {
			idx += hardenedKeyStart
		}
		path = append(path, uint32(idx))
	}

	return path, nil
}
