package crypto

import (
	"runtime"

	"github.com/infinitree/infinitree/internal/config"
	"golang.org/x/sys/cpu"
)

// HasChaCha20Poly1305Acceleration reports whether this CPU has the
// instruction-set support golang.org/x/crypto/chacha20poly1305 needs to
// pick its assembly fast path instead of the generic Go implementation:
// AVX2+BMI2 on amd64 (its asmGo build tag), or NEON on arm64, which is
// always present. Unlike the teacher's AES-NI check, this actually
// describes the cipher the chunk codec uses (§4.1).
func HasChaCha20Poly1305Acceleration() bool {
	switch runtime.GOARCH {
	case "amd64":
		return cpu.X86.HasAVX2 && cpu.X86.HasBMI2
	case "arm64":
		return true // NEON is baseline on arm64; no runtime feature flag needed
	default:
		return false
	}
}

// IsHardwareAccelerationEnabled reports whether the CPU supports the
// chunk codec's assembly fast path AND it hasn't been disabled in config.
func IsHardwareAccelerationEnabled(cfg config.HardwareConfig) bool {
	if !HasChaCha20Poly1305Acceleration() {
		return false
	}
	switch runtime.GOARCH {
	case "amd64":
		return cfg.EnableAESNI // config field predates the ChaCha20 rename; same on/off switch
	case "arm64":
		return cfg.EnableARMv8AES
	default:
		return false
	}
}

// GetHardwareAccelerationInfo returns diagnostic information about the
// chunk codec's hardware acceleration status.
func GetHardwareAccelerationInfo(cfg *config.HardwareConfig) map[string]interface{} {
	info := map[string]interface{}{
		"chacha20poly1305_hardware_support": HasChaCha20Poly1305Acceleration(),
		"architecture":                      runtime.GOARCH,
		"goos":                              runtime.GOOS,
		"go_version":                        runtime.Version(),
	}

	if cfg != nil {
		info["aes_ni_enabled"] = cfg.EnableAESNI
		info["armv8_aes_enabled"] = cfg.EnableARMv8AES
		info["hardware_acceleration_active"] = IsHardwareAccelerationEnabled(*cfg)
	}

	return info
}
