// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package descriptor

import (
	"errors"
	"fmt"
)

var (
	// ErrParse is the base error for any malformed descriptor or key
	// expression. Use errors.Is to test for it; the wrapped message
	// carries the detail.
	ErrParse = errors.New("malformed descriptor")

	// ErrBranchCount is returned when a descriptor does not derive
	// exactly two branches (receive and change).
	ErrBranchCount = errors.New("descriptor must have exactly two " +
		"branches")

	// ErrPrivateKey is returned when a descriptor contains a private
	// extended key. The engine is watch-only and never accepts secret
	// material.
	ErrPrivateKey = errors.New("descriptor contains a private key")

	// ErrDuplicateKey is returned when the same xpub appears more than
	// once in a multisig descriptor.
	ErrDuplicateKey = errors.New("duplicate key in descriptor")

	// ErrChecksum is returned when a descriptor carries a checksum that
	// does not match its body.
	ErrChecksum = errors.New("descriptor checksum mismatch")
)

// parseError wraps ErrParse with a formatted detail message.
func parseError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrParse, fmt.Sprintf(format, args...))
}
