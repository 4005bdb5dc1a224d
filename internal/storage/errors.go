package storage

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested key does not exist in the
// tenant's namespace.
type ErrNotFound struct {
	Tenant string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("key not found: %s (tenant %s)", e.Key, e.Tenant)
}

// ErrChecksumMismatch is returned when a stored entry's bytes no longer
// match its recorded checksum. Treated as fatal for the read.
type ErrChecksumMismatch struct {
	Tenant   string
	Key      string
	Expected string
	Actual   string
}

func (e *ErrChecksumMismatch) Error() string {
	return fmt.Sprintf("checksum mismatch for %s (tenant %s): stored %s, computed %s",
		e.Key, e.Tenant, e.Expected, e.Actual)
}

// IsNotFound reports whether err is (or wraps) an ErrNotFound.
func IsNotFound(err error) bool {
	var nf *ErrNotFound
	return errors.As(err, &nf)
}

// IsChecksumMismatch reports whether err is (or wraps) an
// ErrChecksumMismatch.
func IsChecksumMismatch(err error) bool {
	var cm *ErrChecksumMismatch
	return errors.As(err, &cm)
}
