package crypto

import (
	"runtime"
	"testing"

	"github.com/infinitree/infinitree/internal/config"
)

func TestHasChaCha20Poly1305Acceleration(t *testing.T) {
	// This test just verifies the function works and returns a boolean.
	// We can't easily mock cpu features, so we just ensure it doesn't panic.
	_ = HasChaCha20Poly1305Acceleration()
}

func TestIsHardwareAccelerationEnabled(t *testing.T) {
	cfg := config.HardwareConfig{
		EnableAESNI:    true,
		EnableARMv8AES: true,
	}

	// Result depends on hardware support, which we can't easily mock without
	// an interface. But we can test logic: with both flags on,
	// IsHardwareAccelerationEnabled should match HasChaCha20Poly1305Acceleration.
	expected := HasChaCha20Poly1305Acceleration()
	if IsHardwareAccelerationEnabled(cfg) != expected {
		t.Errorf("IsHardwareAccelerationEnabled(true) = %v, want %v (HasChaCha20Poly1305Acceleration)", IsHardwareAccelerationEnabled(cfg), expected)
	}

	if HasChaCha20Poly1305Acceleration() {
		disabledCfg := config.HardwareConfig{
			EnableAESNI:    false,
			EnableARMv8AES: false,
		}
		if IsHardwareAccelerationEnabled(disabledCfg) {
			if runtime.GOARCH == "amd64" || runtime.GOARCH == "arm64" {
				t.Errorf("IsHardwareAccelerationEnabled(false) = true, want false")
			}
		}
	}
}

func TestGetHardwareAccelerationInfo(t *testing.T) {
	info := GetHardwareAccelerationInfo(nil)

	requiredFields := []string{"chacha20poly1305_hardware_support", "architecture", "goos", "go_version"}
	for _, field := range requiredFields {
		if _, ok := info[field]; !ok {
			t.Errorf("GetHardwareAccelerationInfo(nil) missing field: %s", field)
		}
	}

	cfg := &config.HardwareConfig{
		EnableAESNI:    true,
		EnableARMv8AES: true,
	}
	infoWithCfg := GetHardwareAccelerationInfo(cfg)
	if _, ok := infoWithCfg["aes_ni_enabled"]; !ok {
		t.Errorf("GetHardwareAccelerationInfo(cfg) missing aes_ni_enabled")
	}
	if _, ok := infoWithCfg["hardware_acceleration_active"]; !ok {
		t.Errorf("GetHardwareAccelerationInfo(cfg) missing hardware_acceleration_active")
	}
}
