package crypto

import "context"

// KeyManager abstracts external Key Management Systems (KMS) that wrap and unwrap
// a tree's MasterKey, so a tree can be opened without ever typing a passphrase
// into the process: the KMS holds the wrapping key, infinitree holds only the
// wrapped envelope alongside the tree.
//
// Implementations must never expose plaintext master keys and must ensure that all
// cryptographic operations happen within the KMS (for example via KMIP, AWS KMS, Vault Transit, etc).
//
// Current implementations:
//   - KMIP (v0.5): implemented against github.com/ovh/kmip-go
//
// Planned implementations (v1.0):
//   - AWS KMS: deferred due to cloud provider access requirements for testing
//   - HashiCorp Vault Transit: deferred due to Enterprise license requirements
type KeyManager interface {
	// Provider returns a short identifier (e.g. "kmip") used for diagnostics and audit events.
	Provider() string

	// WrapKey encrypts the provided plaintext MasterKey and returns an envelope
	// suitable for persisting alongside the tree's root object.
	WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error)

	// UnwrapKey decrypts the ciphertext contained in the given envelope and returns the plaintext MasterKey.
	UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error)

	// ActiveKeyVersion returns the version identifier of the primary wrapping key.
	ActiveKeyVersion(ctx context.Context) (int, error)

	// HealthCheck verifies that the KMS is accessible and operational.
	// Returns an error if the KMS is unavailable or unhealthy.
	// This should be a lightweight operation that doesn't perform actual encryption/decryption.
	HealthCheck(ctx context.Context) error

	// Close releases any underlying resources.
	Close(ctx context.Context) error
}

// KeyEnvelope captures the information required to unwrap a DEK.
type KeyEnvelope struct {
	KeyID      string
	KeyVersion int
	Provider   string
	Ciphertext []byte
}

// KeyVersionField is the root-chunk metadata key recording which wrapping
// key version protected the tree's MasterKey envelope.
const KeyVersionField = "key_manager_version"
