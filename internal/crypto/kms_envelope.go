package crypto

import (
	"context"
	"encoding/json"
	"fmt"

	"lukechampine.com/blake3"
)

// kmsEnvelopeDomain keys the Blake3 derivation for KMSEnvelopeObjectID. It
// is a fixed, public label: the object it names is not secret, only the
// KeyManager's access to it is.
var kmsEnvelopeDomain = []byte("infinitree/kms-envelope/v1")

// KMSEnvelopeObjectID returns the deterministic backend object ID under
// which a tree opened via a KeyManager stores its wrapped MasterKey
// envelope. It is derived the same way RootObjectID is (Blake3 keyed over
// a fixed domain string), so two trees opened against the same backend
// path never collide, but the ID itself carries no secret material.
func KMSEnvelopeObjectID(rootID string) string {
	h := blake3.New(32, kmsEnvelopeDomain)
	_, _ = h.Write([]byte(rootID))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// kmsEnvelopeWire is the JSON-serialized form of a KeyEnvelope persisted at
// KMSEnvelopeObjectID. It is stored as plain JSON rather than through the
// pool's versioned chunk format: the envelope is already ciphertext, and
// the only party that can turn it back into a MasterKey is the KMS named
// by Provider.
type kmsEnvelopeWire struct {
	KeyID      string `json:"key_id"`
	KeyVersion int    `json:"key_version"`
	Provider   string `json:"provider"`
	Ciphertext []byte `json:"ciphertext"`
}

// MarshalKeyEnvelope serializes a KeyEnvelope for storage.
func MarshalKeyEnvelope(env *KeyEnvelope) ([]byte, error) {
	return json.Marshal(kmsEnvelopeWire{
		KeyID:      env.KeyID,
		KeyVersion: env.KeyVersion,
		Provider:   env.Provider,
		Ciphertext: env.Ciphertext,
	})
}

// UnmarshalKeyEnvelope parses bytes previously produced by MarshalKeyEnvelope.
func UnmarshalKeyEnvelope(data []byte) (*KeyEnvelope, error) {
	var w kmsEnvelopeWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("crypto: unmarshal key envelope: %w", err)
	}
	return &KeyEnvelope{
		KeyID:      w.KeyID,
		KeyVersion: w.KeyVersion,
		Provider:   w.Provider,
		Ciphertext: w.Ciphertext,
	}, nil
}

// EstablishMasterKey returns the tree's MasterKey via km, creating and
// wrapping a fresh one when envelopeData is nil (first open), or unwrapping
// the existing envelope otherwise.
func EstablishMasterKey(ctx context.Context, km KeyManager, envelopeData []byte) (master *MasterKey, envelope *KeyEnvelope, fresh bool, err error) {
	if envelopeData == nil {
		master, err = NewMasterKey()
		if err != nil {
			return nil, nil, false, fmt.Errorf("crypto: generate master key: %w", err)
		}
		envelope, err = km.WrapKey(ctx, master.Bytes(), map[string]string{KeyVersionField: km.Provider()})
		if err != nil {
			return nil, nil, false, fmt.Errorf("crypto: wrap master key: %w", err)
		}
		return master, envelope, true, nil
	}

	envelope, err = UnmarshalKeyEnvelope(envelopeData)
	if err != nil {
		return nil, nil, false, err
	}
	plaintext, err := km.UnwrapKey(ctx, envelope, map[string]string{KeyVersionField: km.Provider()})
	if err != nil {
		return nil, nil, false, fmt.Errorf("crypto: unwrap master key: %w", err)
	}
	master, err = MasterKeyFromBytes(plaintext)
	if err != nil {
		return nil, nil, false, err
	}
	return master, envelope, false, nil
}
