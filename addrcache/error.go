// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package addrcache

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific CacheError.
const (
	// ErrStorage indicates a generic error with the underlying row
	// store.  When this error code is set, the Err field of the
	// CacheError will be set to the underlying error returned from the
	// store.
	ErrStorage ErrorCode = iota

	// ErrNode indicates that a node round trip required by the
	// operation failed.  The Err field carries the underlying error.
	ErrNode

	// ErrDerivation indicates that deriving an address from the
	// wallet's descriptor failed.
	ErrDerivation

	// ErrUnknownAddress indicates that the requested address is not
	// present in the cache.
	ErrUnknownAddress

	// ErrExternalAddress indicates that the operation is only valid
	// for addresses the wallet derived itself.
	ErrExternalAddress

	// ErrAlreadyReserved indicates that the address already carries a
	// reservation tag.
	ErrAlreadyReserved
)

// Map of ErrorCode values back to their constant names for pretty
// printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrStorage:         "ErrStorage",
	ErrNode:            "ErrNode",
	ErrDerivation:      "ErrDerivation",
	ErrUnknownAddress:  "ErrUnknownAddress",
	ErrExternalAddress: "ErrExternalAddress",
	ErrAlreadyReserved: "ErrAlreadyReserved",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// CacheError provides a single type for errors that can happen during
// address cache operation.
type CacheError struct {
	ErrorCode   ErrorCode // Describes the kind of error
	Description string    // Human readable description of the issue
	Err         error     // Underlying error
}

// Error satisfies the error interface and prints human-readable errors.
func (e CacheError) Error() string {
	if e.Err != nil {
		return e.Description + ": " + e.Err.Error()
	}
	return e.Description
}

// Unwrap returns the underlying error, if any.
func (e CacheError) Unwrap() error {
	return e.Err
}

// cacheError creates a CacheError given a set of arguments.
func cacheError(c ErrorCode, desc string, err error) CacheError {
	return CacheError{ErrorCode: c, Description: desc, Err: err}
}

// IsError returns whether the error is a CacheError with a matching
// error code.
func IsError(err error, code ErrorCode) bool {
	e, ok := err.(CacheError)
	return ok && e.ErrorCode == code
}
