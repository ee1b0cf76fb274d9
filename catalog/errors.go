package catalog

import (
	"errors"
	"fmt"

	"github.com/chn0318/catalogstore/sharedlog"
)

// ErrUninitialized is returned by queries that need a bootstrapped catalog.
var ErrUninitialized = errors.New("catalog: uninitialized")

// FenceError means this handle lost its authority over the catalog: another
// writer advanced the log or opened a newer epoch. The handle must be
// abandoned; reopen or terminate.
type FenceError struct {
	Reason string

	// mismatch is set when the fence was a lost compare-and-append.
	mismatch *sharedlog.UpperMismatch
}

func (e *FenceError) Error() string { return "catalog fenced: " + e.Reason }

func (e *FenceError) Unwrap() error {
	if e.mismatch == nil {
		return nil
	}
	return e.mismatch
}

func fenceErrorf(format string, args ...any) error {
	return &FenceError{Reason: fmt.Sprintf(format, args...)}
}

// NotWritableError is returned for mutations of a read-only catalog, or for
// non-writable opens of an uninitialized catalog.
type NotWritableError struct {
	Reason string
}

func (e *NotWritableError) Error() string { return "catalog not writable: " + e.Reason }

// IncompatibleVersionError is returned when the upgrade shard records a
// deployed version that cannot tolerate data written by this binary.
type IncompatibleVersionError struct {
	Found   string
	Catalog string
}

func (e *IncompatibleVersionError) Error() string {
	return fmt.Sprintf("incompatible log version: catalog upgrade shard records %s, this binary is %s", e.Found, e.Catalog)
}

// IsFence reports whether err is a *FenceError.
func IsFence(err error) bool {
	var fe *FenceError
	return errors.As(err, &fe)
}
