// Copyright (c) 2025 The descwallet developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package txcache

import "fmt"

// ErrorCode identifies a kind of error.
type ErrorCode int

// These constants are used to identify a specific CacheError.
const (
	// ErrStorage indicates a generic error with the underlying row or
	// blob store.
	ErrStorage ErrorCode = iota

	// ErrNode indicates a node round trip failed mid pass.  The pass
	// aborts and the previously persisted cache stays intact.
	ErrNode

	// ErrDecode indicates that cached or node supplied transaction
	// bytes failed to deserialize.
	ErrDecode

	// ErrIntegrity indicates the node reported different bytes for a
	// txid than the cache holds.  This is fatal to the operation and
	// must propagate, it signals a buggy or malicious node.
	ErrIntegrity

	// ErrNotFound indicates the requested transaction is neither
	// cached nor known to the node.
	ErrNotFound
)

// Map of ErrorCode values back to their constant names for pretty
// printing.
var errorCodeStrings = map[ErrorCode]string{
	ErrStorage:   "ErrStorage",
	ErrNode:      "ErrNode",
	ErrDecode:    "ErrDecode",
	ErrIntegrity: "ErrIntegrity",
	ErrNotFound:  "ErrNotFound",
}

// String returns the ErrorCode as a human-readable name.
func (e ErrorCode) String() string {
	if s := errorCodeStrings[e]; s != "" {
		return s
	}
	return fmt.Sprintf("Unknown ErrorCode (%d)", int(e))
}

// CacheError provides a single type for errors that can happen during
// transaction cache operation.
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
