// Package errs defines the typed error taxonomy shared by every layer of a
// tree: callers distinguish failure classes with errors.Is against these
// sentinels rather than parsing messages.
package errs

import "errors"

var (
	// ErrCorrupt means data read back failed an integrity check: a bad AEAD
	// tag, a Blake3 mismatch, or a malformed header. Never retried as-is.
	ErrCorrupt = errors.New("infinitree: corrupt data")

	// ErrNotFound means the requested object, chunk, or commit does not exist.
	ErrNotFound = errors.New("infinitree: not found")

	// ErrTransport means a backend I/O operation failed for reasons unrelated
	// to the data itself (network, timeout, disk full mid-write). Safe to retry.
	ErrTransport = errors.New("infinitree: transport error")

	// ErrCapacity means a bounded resource (queue, cache tier, dedup index) is full.
	ErrCapacity = errors.New("infinitree: capacity exceeded")

	// ErrAuth means key material could not be obtained or verified: a failed
	// KMS unwrap, a bad passphrase, a denied credential.
	ErrAuth = errors.New("infinitree: authentication failed")

	// ErrConflict means an optimistic write lost a race, typically a root
	// object compare-and-swap that observed a parent mismatch.
	ErrConflict = errors.New("infinitree: conflict")
)
