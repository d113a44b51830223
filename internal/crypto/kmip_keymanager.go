package crypto

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/ovh/kmip-go"
	"github.com/ovh/kmip-go/payloads"
)

// KMIPKeyReference names one wrapping key known to the KMIP server, by the
// UniqueIdentifier the server uses to locate it.
type KMIPKeyReference struct {
	ID      string
	Version int
}

// CosmianKMIPOptions configures a CosmianKMIPManager.
type CosmianKMIPOptions struct {
	Endpoint  string
	Keys      []KMIPKeyReference
	TLSConfig *tls.Config
	Timeout   time.Duration
	Provider  string

	// DualReadWindow is how many versions older than the active one
	// UnwrapKey still tries when an envelope carries no KeyID (the
	// fallback path exercised during key rotation, spec §4.13).
	DualReadWindow int
}

// CosmianKMIPManager is a KeyManager backed by a KMIP 1.x server (grounded
// on the teacher's keymanager_test.go, which exercises Encrypt/Decrypt/Get
// against a Cosmian-compatible KMIP mock): the tree's MasterKey is wrapped
// and unwrapped entirely inside the KMS via the Encrypt/Decrypt operations,
// so infinitree itself never derives or stores a wrapping key.
type CosmianKMIPManager struct {
	client   *kmip.Client
	provider string
	timeout  time.Duration

	mu             sync.RWMutex
	keys           []KMIPKeyReference // ordered newest (active) first
	dualReadWindow int
}

// NewCosmianKMIPManager dials the KMIP server named by opts.Endpoint and
// returns a KeyManager wrapping/unwrapping through it.
func NewCosmianKMIPManager(opts CosmianKMIPOptions) (*CosmianKMIPManager, error) {
	if len(opts.Keys) == 0 {
		return nil, fmt.Errorf("kmip: at least one wrapping key reference is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	provider := opts.Provider
	if provider == "" {
		provider = "kmip"
	}

	client, err := kmip.Dial(opts.Endpoint, kmip.WithTLSConfig(opts.TLSConfig), kmip.WithTimeout(timeout))
	if err != nil {
		return nil, fmt.Errorf("kmip: dial %s: %w", opts.Endpoint, err)
	}

	keys := append([]KMIPKeyReference(nil), opts.Keys...)
	return &CosmianKMIPManager{
		client:         client,
		provider:       provider,
		timeout:        timeout,
		keys:           keys,
		dualReadWindow: opts.DualReadWindow,
	}, nil
}

// Provider returns the configured provider label.
func (m *CosmianKMIPManager) Provider() string { return m.provider }

func (m *CosmianKMIPManager) activeKey() KMIPKeyReference {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.keys[0]
}

// WrapKey encrypts plaintext under the active wrapping key via the KMIP
// Encrypt operation.
func (m *CosmianKMIPManager) WrapKey(ctx context.Context, plaintext []byte, metadata map[string]string) (*KeyEnvelope, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	active := m.activeKey()
	req := &payloads.EncryptRequestPayload{
		UniqueIdentifier: active.ID,
		Data:             plaintext,
	}
	resp, err := kmip.Execute[*payloads.EncryptRequestPayload, *payloads.EncryptResponsePayload](ctx, m.client, kmip.OperationEncrypt, req)
	if err != nil {
		return nil, fmt.Errorf("kmip: encrypt: %w", err)
	}

	return &KeyEnvelope{
		KeyID:      active.ID,
		KeyVersion: active.Version,
		Provider:   m.provider,
		Ciphertext: resp.Data,
	}, nil
}

// UnwrapKey decrypts envelope.Ciphertext via the KMIP Decrypt operation.
// When envelope.KeyID is empty (an envelope written before the active key
// was known, or deliberately cleared to force version lookup) it tries
// each key within the configured DualReadWindow of the active version,
// newest first, so a tree can still be opened mid-rotation.
func (m *CosmianKMIPManager) UnwrapKey(ctx context.Context, envelope *KeyEnvelope, metadata map[string]string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	candidates := m.candidateKeys(envelope)
	var lastErr error
	for _, k := range candidates {
		req := &payloads.DecryptRequestPayload{
			UniqueIdentifier: k.ID,
			Data:             envelope.Ciphertext,
		}
		resp, err := kmip.Execute[*payloads.DecryptRequestPayload, *payloads.DecryptResponsePayload](ctx, m.client, kmip.OperationDecrypt, req)
		if err != nil {
			lastErr = err
			continue
		}
		return resp.Data, nil
	}
	return nil, fmt.Errorf("kmip: decrypt: no candidate key succeeded: %w", lastErr)
}

// candidateKeys returns the keys UnwrapKey should try, in order.
func (m *CosmianKMIPManager) candidateKeys(envelope *KeyEnvelope) []KMIPKeyReference {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if envelope.KeyID != "" {
		for _, k := range m.keys {
			if k.ID == envelope.KeyID {
				return []KMIPKeyReference{k}
			}
		}
		// Named key isn't in our local table (e.g. rotated out); try it
		// directly anyway, the KMIP server is the source of truth.
		return []KMIPKeyReference{{ID: envelope.KeyID, Version: envelope.KeyVersion}}
	}

	window := m.dualReadWindow
	if window < 0 || window >= len(m.keys) {
		window = len(m.keys) - 1
	}
	return m.keys[:window+1]
}

// ActiveKeyVersion returns the version of the newest configured key.
func (m *CosmianKMIPManager) ActiveKeyVersion(ctx context.Context) (int, error) {
	return m.activeKey().Version, nil
}

// HealthCheck issues a lightweight KMIP Get against the active key to
// confirm the server is reachable and the key still resolves.
func (m *CosmianKMIPManager) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	req := &payloads.GetRequestPayload{UniqueIdentifier: m.activeKey().ID}
	_, err := kmip.Execute[*payloads.GetRequestPayload, *payloads.GetResponsePayload](ctx, m.client, kmip.OperationGet, req)
	if err != nil {
		return fmt.Errorf("kmip: health check: %w", err)
	}
	return nil
}

// Close releases the underlying KMIP connection.
func (m *CosmianKMIPManager) Close(ctx context.Context) error {
	return m.client.Close()
}
