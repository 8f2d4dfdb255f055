// Package lfserr classifies the error taxonomy the log-structured file
// system core surfaces to its callers: recoverable conditions the caller
// can act on (OutOfSpace, Corruption, Transient) and unrecoverable internal
// self-check failures, which panic rather than return.
package lfserr

import "github.com/pkg/errors"

// Sentinel errors. Use errors.Cause (or errors.Is against these values) to
// recover the class after a call site has wrapped one with errors.Wrap.
var (
	// ErrOutOfSpace is returned when no free segment can be produced even
	// after an emergency cleaner run.
	ErrOutOfSpace = errors.New("lfs: out of space")

	// ErrCorruption marks an on-disk value that failed a validity check
	// (bad SSB magic/checksum, an address past the end of the device, an
	// indirect index or imap slot out of range) or a request the on-disk
	// format cannot hold. The cleaner logs and skips an inode slot it
	// cannot decode; every other path returns this value to its caller
	// and abandons the operation.
	ErrCorruption = errors.New("lfs: corruption detected")

	// ErrTransient wraps a failure from the underlying buffer-cache
	// device. No core state is mutated before this is returned.
	ErrTransient = errors.New("lfs: transient I/O failure")
)

// OutOfSpace wraps ErrOutOfSpace with call-site context.
func OutOfSpace(format string, args ...interface{}) error {
	return errors.Wrapf(ErrOutOfSpace, format, args...)
}

// Corruption wraps ErrCorruption with call-site context.
func Corruption(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorruption, format, args...)
}

// Transient wraps ErrTransient with call-site context.
func Transient(err error, format string, args ...interface{}) error {
	return errors.Wrapf(ErrTransient, format+": %v", append(args, err)...)
}

// Is reports whether err ultimately wraps sentinel (by value equality of
// errors.Cause(err)).
func Is(err, sentinel error) bool {
	return errors.Cause(err) == sentinel
}

// InvariantViolation panics; it marks a self-check failure (recursive
// allocator lock, flushing buffer already in use) where continuing would
// leave process state unsound.
func InvariantViolation(format string, args ...interface{}) {
	panic(errors.Errorf("lfs: invariant violation: "+format, args...))
}
