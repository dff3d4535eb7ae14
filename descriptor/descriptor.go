// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package descriptor implements a deterministic output script engine on top
// of standard output descriptors. A descriptor derives exactly two branches
// of scripts (receive and change) from one or more extended public keys,
// optionally behind an m-of-n multisig. Derivation is a pure function of
// (descriptor, branch, index) and performs no I/O.
package descriptor

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// ScriptType identifies the output script family a descriptor derives.
type ScriptType uint8

const (
	// ScriptP2PKH is a legacy pay-to-pubkey-hash descriptor, pkh(KEY).
	ScriptP2PKH ScriptType = iota

	// ScriptP2WPKH is a native segwit single sig descriptor, wpkh(KEY).
	ScriptP2WPKH

	// ScriptNestedP2WPKH is segwit nested in P2SH, sh(wpkh(KEY)).
	ScriptNestedP2WPKH

	// ScriptP2SH is a bare P2SH multisig descriptor, sh(multi(...)).
	ScriptP2SH

	// ScriptP2WSH is a native segwit multisig descriptor,
	// wsh(multi(...)) or wsh(sortedmulti(...)).
	ScriptP2WSH

	// ScriptNestedP2WSH is segwit multisig nested in P2SH,
	// sh(wsh(multi(...))).
	ScriptNestedP2WSH
)

// String returns the descriptor function name for the script type.
func (s ScriptType) String() string {
	switch s {
	case ScriptP2PKH:
		return "pkh"
	case ScriptP2WPKH:
		return "wpkh"
	case ScriptNestedP2WPKH:
		return "sh(wpkh)"
	case ScriptP2SH:
		return "sh"
	case ScriptP2WSH:
		return "wsh"
	case ScriptNestedP2WSH:
		return "sh(wsh)"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// KeyOrigin describes the full derivation of one public key inside a
// derived script, as needed for PSBT BIP32 derivation fields.
type KeyOrigin struct {
	// PubKey is the compressed public key.
	PubKey []byte

	// Fingerprint is the master key fingerprint of the source key.
	Fingerprint [4]byte

	// Path is the full derivation path from the master key, including
	// the branch and index steps.
	Path []uint32
}

// DerivedScript is the result of deriving a descriptor at one
// (branch, index) position.
type DerivedScript struct {
	// Branch is the derivation branch, 0 for receive, 1 for change.
	Branch uint32

	// Index is the derivation index within the branch.
	Index uint32

	// Address is the encoded address for the script.
	Address btcutil.Address

	// PkScript is the output script.
	PkScript []byte

	// RedeemScript is the P2SH redeem script, nil unless nested.
	RedeemScript []byte

	// WitnessScript is the witness script, nil for single sig and
	// legacy descriptors.
	WitnessScript []byte

	// Origins holds the per-key derivation info, in script key order.
	Origins []KeyOrigin
}

// Descriptor is an immutable output script template. Construct with Parse.
type Descriptor struct {
	body       string
	scriptType ScriptType
	keys       []*Key
	threshold  int
	sorted     bool

	// suffix is the per-key derivation tail shared by all keys: zero or
	// more fixed steps, then the two branch values, then the wildcard.
	fixedSteps []uint32
	branches   [2]uint32

	params *chaincfg.Params
}

// Parse parses a descriptor string. The descriptor must contain a two
// alternative branch element (`<r;c>` or `{r,c}`) followed by a wildcard in
// every key expression; a trailing checksum is verified when present.
func Parse(desc string, params *chaincfg.Params) (*Descriptor, error) {
	body, err := splitChecksum(strings.TrimSpace(desc))
	if err != nil {
		return nil, err
	}

	d := &Descriptor{body: body, params: params, threshold: 1}

	inner := body
	nested := false
	switch {
	case strings.HasPrefix(inner, "sh(") && strings.HasSuffix(inner, ")"):
		inner = inner[3 : len(inner)-1]
		nested = true
	}

	switch {
	case strings.HasPrefix(inner, "wpkh(") && strings.HasSuffix(inner, ")"):
		inner = inner[5 : len(inner)-1]
		if nested {
			d.scriptType = ScriptNestedP2WPKH
		} else {
			d.scriptType = ScriptP2WPKH
		}
		return d.parseSingleKey(inner)

	case strings.HasPrefix(inner, "pkh(") && strings.HasSuffix(inner, ")"):
		if nested {
			return nil, parseError("sh(pkh(...)) is not supported")
		}
		d.scriptType = ScriptP2PKH
		return d.parseSingleKey(inner[4 : len(inner)-1])

	case strings.HasPrefix(inner, "wsh(") && strings.HasSuffix(inner, ")"):
		inner = inner[4 : len(inner)-1]
		if nested {
			d.scriptType = ScriptNestedP2WSH
		} else {
			d.scriptType = ScriptP2WSH
		}
		return d.parseMulti(inner)

	case strings.HasPrefix(inner, "multi(") ||
		strings.HasPrefix(inner, "sortedmulti("):
		if !nested {
			return nil, parseError("bare multisig requires sh(...)")
		}
		d.scriptType = ScriptP2SH
		return d.parseMulti(inner)

	default:
		return nil, parseError("unsupported descriptor %q", desc)
	}
}

// parseSingleKey finishes parsing a single sig descriptor.
func (d *Descriptor) parseSingleKey(keyExpr string) (*Descriptor, error) {
	key, fixed, branches, err := parseKeyExpr(keyExpr, d.params)
	if err != nil {
		return nil, err
	}
	d.keys = []*Key{key}
	d.fixedSteps = fixed
	d.branches = branches

	return d, nil
}

// parseMulti finishes parsing a multi(...) or sortedmulti(...) expression.
func (d *Descriptor) parseMulti(expr string) (*Descriptor, error) {
	switch {
	case strings.HasPrefix(expr, "sortedmulti(") &&
		strings.HasSuffix(expr, ")"):
		d.sorted = true
		expr = expr[12 : len(expr)-1]

	case strings.HasPrefix(expr, "multi(") && strings.HasSuffix(expr, ")"):
		expr = expr[6 : len(expr)-1]

	default:
		return nil, parseError("unsupported script expression %q", expr)
	}

	parts := splitTopLevel(expr)
	if len(parts) < 2 {
		return nil, parseError("multisig needs a threshold and at " +
			"least one key")
	}

	threshold, err := strconv.Atoi(parts[0])
	if err != nil || threshold < 1 || threshold > len(parts)-1 {
		return nil, parseError("invalid multisig threshold %q",
			parts[0])
	}
	d.threshold = threshold

	haveSuffix := false
	for _, keyExpr := range parts[1:] {
		key, fixed, branches, err := parseKeyExpr(keyExpr, d.params)
		if err != nil {
			return nil, err
		}

		for _, existing := range d.keys {
			if existing.XPub.String() == key.XPub.String() {
				return nil, ErrDuplicateKey
			}
		}

		// All keys must agree on the derivation tail, otherwise the
		// two branch invariant has no single meaning.
		if haveSuffix {
			if !equalSteps(fixed, d.fixedSteps) ||
				branches != d.branches {

				return nil, parseError("keys disagree on " +
					"branch derivation")
			}
		} else {
			d.fixedSteps = fixed
			d.branches = branches
			haveSuffix = true
		}

		d.keys = append(d.keys, key)
	}

	return d, nil
}

// String returns the descriptor body with its checksum.
func (d *Descriptor) String() string {
	withSum, err := AppendChecksum(d.body)
	if err != nil {
		return d.body
	}

	return withSum
}

// Keys returns the descriptor's keys in source order.
func (d *Descriptor) Keys() []*Key {
	return d.keys
}

// Threshold returns the number of signatures required to spend, 1 for
// single sig descriptors.
func (d *Descriptor) Threshold() int {
	return d.threshold
}

// ScriptType returns the descriptor's output script family.
func (d *Descriptor) ScriptType() ScriptType {
	return d.scriptType
}

// Multisig reports whether the descriptor derives multisig scripts.
func (d *Descriptor) Multisig() bool {
	return len(d.keys) > 1
}

// Derive derives the output script at (branch, index). Branch 0 is receive,
// branch 1 is change. The result is deterministic: the same triple yields
// byte identical scripts forever.
func (d *Descriptor) Derive(branch, index uint32) (*DerivedScript, error) {
	if branch > 1 {
		return nil, fmt.Errorf("branch must be 0 or 1, got %d", branch)
	}

	origins := make([]KeyOrigin, 0, len(d.keys))
	for _, key := range d.keys {
		xpub := key.XPub
		steps := make([]uint32, 0, len(d.fixedSteps)+2)
		steps = append(steps, d.fixedSteps...)
		steps = append(steps, d.branches[branch], index)

		var err error
		for _, step := range steps {
			xpub, err = xpub.Derive(step)
			if err != nil {
				return nil, fmt.Errorf("unable to derive "+
					"step %d: %w", step, err)
			}
		}

		pub, err := xpub.ECPubKey()
		if err != nil {
			return nil, err
		}

		fullPath := make(
			[]uint32, 0, len(key.DerivationPath)+len(steps),
		)
		fullPath = append(fullPath, key.DerivationPath...)
		fullPath = append(fullPath, steps...)

		origins = append(origins, KeyOrigin{
			PubKey:      pub.SerializeCompressed(),
			Fingerprint: key.Fingerprint,
			Path:        fullPath,
		})
	}

	// Sorted multisig orders keys by their derived compressed pubkey
	// bytes. The order depends on the index, so it is recomputed on
	// every derivation.
	if d.sorted {
		sort.SliceStable(origins, func(i, j int) bool {
			return bytes.Compare(
				origins[i].PubKey, origins[j].PubKey,
			) < 0
		})
	}

	script := &DerivedScript{
		Branch:  branch,
		Index:   index,
		Origins: origins,
	}
	if err := d.buildScripts(script); err != nil {
		return nil, err
	}

	return script, nil
}

// OwnsScript reports whether pkScript matches the derivation at the given
// (branch, index). Ownership at an unknown index is a higher layer concern;
// this engine only answers for positions it is told about.
func (d *Descriptor) OwnsScript(pkScript []byte, branch,
	index uint32) (bool, error) {

	derived, err := d.Derive(branch, index)
	if err != nil {
		return false, err
	}

	return bytes.Equal(derived.PkScript, pkScript), nil
}

// ForNodeImport renders a single branch, ranged descriptor suitable for the
// node's descriptor import call, checksum included.
func (d *Descriptor) ForNodeImport(branch uint32) (string, error) {
	if branch > 1 {
		return "", fmt.Errorf("branch must be 0 or 1, got %d", branch)
	}

	var suffix strings.Builder
	for _, step := range d.fixedSteps {
		fmt.Fprintf(&suffix, "/%d", step)
	}
	fmt.Fprintf(&suffix, "/%d/*", d.branches[branch])

	keyText := func(k *Key) string {
		return "[" + k.OriginString() + "]" + k.XPub.String() +
			suffix.String()
	}

	var body string
	switch d.scriptType {
	case ScriptP2PKH:
		body = "pkh(" + keyText(d.keys[0]) + ")"
	case ScriptP2WPKH:
		body = "wpkh(" + keyText(d.keys[0]) + ")"
	case ScriptNestedP2WPKH:
		body = "sh(wpkh(" + keyText(d.keys[0]) + "))"
	case ScriptP2SH, ScriptP2WSH, ScriptNestedP2WSH:
		fn := "multi"
		if d.sorted {
			fn = "sortedmulti"
		}
		keys := make([]string, len(d.keys))
		for i, k := range d.keys {
			keys[i] = keyText(k)
		}
		ms := fmt.Sprintf("%s(%d,%s)", fn, d.threshold,
			strings.Join(keys, ","))
		switch d.scriptType {
		case ScriptP2SH:
			body = "sh(" + ms + ")"
		case ScriptP2WSH:
			body = "wsh(" + ms + ")"
		case ScriptNestedP2WSH:
			body = "sh(wsh(" + ms + "))"
		}
	}

	return AppendChecksum(body)
}

// buildScripts fills in the address and script fields for the derived key
// material.
func (d *Descriptor) buildScripts(s *DerivedScript) error {
	var (
		addr btcutil.Address
		err  error
	)

	switch d.scriptType {
	case ScriptP2PKH:
		addr, err = btcutil.NewAddressPubKeyHash(
			btcutil.Hash160(s.Origins[0].PubKey), d.params,
		)
		if err != nil {
			return err
		}

	case ScriptP2WPKH:
		addr, err = btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(s.Origins[0].PubKey), d.params,
		)
		if err != nil {
			return err
		}

	case ScriptNestedP2WPKH:
		witnessAddr, err := btcutil.NewAddressWitnessPubKeyHash(
			btcutil.Hash160(s.Origins[0].PubKey), d.params,
		)
		if err != nil {
			return err
		}
		redeem, err := txscript.PayToAddrScript(witnessAddr)
		if err != nil {
			return err
		}
		s.RedeemScript = redeem
		addr, err = btcutil.NewAddressScriptHash(redeem, d.params)
		if err != nil {
			return err
		}

	case ScriptP2SH:
		redeem, err := multisigScript(d.threshold, s.Origins)
		if err != nil {
			return err
		}
		s.RedeemScript = redeem
		addr, err = btcutil.NewAddressScriptHash(redeem, d.params)
		if err != nil {
			return err
		}

	case ScriptP2WSH:
		witness, err := multisigScript(d.threshold, s.Origins)
		if err != nil {
			return err
		}
		s.WitnessScript = witness
		scriptHash := sha256.Sum256(witness)
		addr, err = btcutil.NewAddressWitnessScriptHash(
			scriptHash[:], d.params,
		)
		if err != nil {
			return err
		}

	case ScriptNestedP2WSH:
		witness, err := multisigScript(d.threshold, s.Origins)
		if err != nil {
			return err
		}
		s.WitnessScript = witness
		scriptHash := sha256.Sum256(witness)
		witnessAddr, err := btcutil.NewAddressWitnessScriptHash(
			scriptHash[:], d.params,
		)
		if err != nil {
			return err
		}
		redeem, err := txscript.PayToAddrScript(witnessAddr)
		if err != nil {
			return err
		}
		s.RedeemScript = redeem
		addr, err = btcutil.NewAddressScriptHash(redeem, d.params)
		if err != nil {
			return err
		}

	default:
		return fmt.Errorf("unhandled script type %v", d.scriptType)
	}

	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return err
	}
	s.Address = addr
	s.PkScript = pkScript

	return nil
}

// multisigScript builds an m-of-n OP_CHECKMULTISIG script over the derived
// keys in their current order.
func multisigScript(threshold int, origins []KeyOrigin) ([]byte, error) {
	builder := txscript.NewScriptBuilder()
	builder.AddInt64(int64(threshold))
	for _, origin := range origins {
		builder.AddData(origin.PubKey)
	}
	builder.AddInt64(int64(len(origins)))
	builder.AddOp(txscript.OP_CHECKMULTISIG)

	return builder.Script()
}

// parseKeyExpr parses a key expression including its derivation tail:
// [origin]xpub/fixed/<r;c>/*. Both the angle bracket and {r,c} brace
// syntax are accepted for the branch element.
func parseKeyExpr(expr string, params *chaincfg.Params) (*Key, []uint32,
	[2]uint32, error) {

	var branches [2]uint32

	keyEnd := len(expr)
	if idx := strings.Index(keyExprTail(expr), "/"); idx >= 0 {
		keyEnd = len(expr) - len(keyExprTail(expr)) + idx
	}

	key, err := ParseKey(expr[:keyEnd], params)
	if err != nil {
		return nil, nil, branches, err
	}

	tail := expr[keyEnd:]
	if tail == "" {
		return nil, nil, branches, ErrBranchCount
	}

	var (
		fixed      []uint32
		haveBranch bool
		haveWild   bool
	)
	for _, comp := range strings.Split(strings.TrimPrefix(tail, "/"), "/") {
		switch {
		case comp == "*":
			if !haveBranch {
				return nil, nil, branches, ErrBranchCount
			}
			if haveWild {
				return nil, nil, branches, parseError(
					"multiple wildcards in %q", expr)
			}
			haveWild = true

		case strings.HasPrefix(comp, "<") || strings.HasPrefix(comp, "{"):
			if haveBranch {
				return nil, nil, branches, ErrBranchCount
			}
			b, err := parseBranches(comp)
			if err != nil {
				return nil, nil, branches, err
			}
			branches = b
			haveBranch = true

		default:
			if haveBranch {
				return nil, nil, branches, parseError(
					"path step after branch element in %q",
					expr)
			}
			steps, err := ParsePath([]string{comp})
			if err != nil {
				return nil, nil, branches, err
			}
			if steps[0] >= hardenedKeyStart {
				return nil, nil, branches, parseError(
					"hardened step %q after xpub", comp)
			}
			fixed = append(fixed, steps[0])
		}
	}

	if !haveBranch || !haveWild {
		return nil, nil, branches, ErrBranchCount
	}

	return key, fixed, branches, nil
}

// parseBranches parses a two alternative branch element, <r;c> or {r,c}.
func parseBranches(comp string) ([2]uint32, error) {
	var branches [2]uint32

	var inner, sep string
	switch {
	case strings.HasPrefix(comp, "<") && strings.HasSuffix(comp, ">"):
		inner, sep = comp[1:len(comp)-1], ";"
	case strings.HasPrefix(comp, "{") && strings.HasSuffix(comp, "}"):
		inner, sep = comp[1:len(comp)-1], ","
	default:
		return branches, parseError("invalid branch element %q", comp)
	}

	parts := strings.Split(inner, sep)
	if len(parts) != 2 {
		return branches, ErrBranchCount
	}
	for i, part := range parts {
		val, err := strconv.ParseUint(part, 10, 32)
		if err != nil || uint32(val) >= hardenedKeyStart {
			return branches, parseError("invalid branch value %q",
				part)
		}
		branches[i] = uint32(val)
	}

	return branches, nil
}

// splitTopLevel splits a comma separated argument list, ignoring commas
// nested inside parentheses, origin brackets, branch elements or braces.
func splitTopLevel(expr string) []string {
	var parts []string
	depth := 0
	start := 0
	for i, c := range expr {
		switch c {
		case '(', '[', '<', '{':
			depth++
		case ')', ']', '>', '}':
			depth--
		case ',':
			if depth == 0 {
				parts = append(parts, expr[start:i])
				start = i + 1
			}
		}
	}

	return append(parts, expr[start:])
}

// keyExprTail returns the part of a key expression after the origin
// bracket, so path separators inside the origin are not mistaken for the
// derivation tail.
func keyExprTail(expr string) string {
	if strings.HasPrefix(expr, "[") {
		if end := strings.Index(expr, "]"); end >= 0 {
			return expr[end+1:]
		}
	}

	return expr
}

// equalSteps reports whether two fixed step lists match.
func equalSteps(a, b []uint32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
