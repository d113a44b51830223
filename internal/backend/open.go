package backend

import (
	"fmt"

	"github.com/infinitree/infinitree/internal/backend/fs"
	"github.com/infinitree/infinitree/internal/backend/s3"
	"github.com/infinitree/infinitree/internal/config"
)

// Open constructs the RootBackend named by cfg.Kind.
func Open(cfg *config.BackendConfig) (RootBackend, error) {
	switch cfg.Kind {
	case "", "fs":
		b, err := fs.New(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("open fs backend: %w", err)
		}
		return b, nil
	case "s3":
		b, err := s3.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("open s3 backend: %w", err)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}
