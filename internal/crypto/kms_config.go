package crypto

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/infinitree/infinitree/internal/config"
)

// NewKeyManagerFromConfig builds the KeyManager named by cfg.Provider. It
// is the single place config.KMSConfig's plain fields turn into a concrete
// crypto.KeyManager, keeping internal/config free of a crypto import.
func NewKeyManagerFromConfig(cfg config.KMSConfig) (KeyManager, error) {
	if !cfg.Enabled {
		return nil, nil
	}

	switch cfg.Provider {
	case "", "kmip":
		var tlsCfg *tls.Config
		if cfg.CACertPath != "" {
			pem, err := os.ReadFile(cfg.CACertPath)
			if err != nil {
				return nil, fmt.Errorf("crypto: read kms ca cert: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return nil, fmt.Errorf("crypto: no certificates parsed from %s", cfg.CACertPath)
			}
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: pool}
		}

		keys := make([]KMIPKeyReference, 0, len(cfg.Keys))
		for _, k := range cfg.Keys {
			keys = append(keys, KMIPKeyReference{ID: k.ID, Version: k.Version})
		}

		return NewCosmianKMIPManager(CosmianKMIPOptions{
			Endpoint:       cfg.Endpoint,
			Keys:           keys,
			TLSConfig:      tlsCfg,
			Timeout:        cfg.Timeout,
			Provider:       "kmip",
			DualReadWindow: cfg.DualReadWindow,
		})
	default:
		return nil, fmt.Errorf("crypto: unknown kms provider %q", cfg.Provider)
	}
}
