package fusionconfig

import (
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if got := cfg.GetImuGravity(); got != 9.80511 {
		t.Errorf("GetImuGravity() = %v, want 9.80511", got)
	}
	if got := cfg.GetReseedInterval(); got != 100 {
		t.Errorf("GetReseedInterval() = %v, want 100", got)
	}
	if got := cfg.GetNominalImuPeriod(); got != 2*time.Millisecond {
		t.Errorf("GetNominalImuPeriod() = %v, want 2ms", got)
	}
	if got := cfg.GetTrailingWindow(); got != time.Second {
		t.Errorf("GetTrailingWindow() = %v, want 1s", got)
	}
	if got := cfg.GetMaxSpeedMps(); got != 30.0 {
		t.Errorf("GetMaxSpeedMps() = %v, want 30", got)
	}
	if got := cfg.GetMaxBiasNorm(); got != 1.0 {
		t.Errorf("GetMaxBiasNorm() = %v, want 1", got)
	}
}

func TestEmptyConfigFallsBackToDefaults(t *testing.T) {
	cfg := EmptyConfig()

	if got, want := cfg.GetImuGravity(), DefaultConfig().GetImuGravity(); got != want {
		t.Errorf("EmptyConfig().GetImuGravity() = %v, want %v", got, want)
	}
	if got, want := cfg.GetLidarFrame(), "lidar_link"; got != want {
		t.Errorf("GetLidarFrame() = %q, want %q", got, want)
	}
}

func TestLoadConfigJSONPartialOverride(t *testing.T) {
	cfg, err := LoadConfigJSON([]byte(`{"reseed_interval": 50}`))
	if err != nil {
		t.Fatalf("LoadConfigJSON: %v", err)
	}
	if got := cfg.GetReseedInterval(); got != 50 {
		t.Errorf("GetReseedInterval() = %v, want 50", got)
	}
	// Fields not present in the override keep their defaults.
	if got := cfg.GetImuGravity(); got != 9.80511 {
		t.Errorf("GetImuGravity() = %v, want default 9.80511", got)
	}
}

func TestLoadConfigJSONRejectsInvalid(t *testing.T) {
	if _, err := LoadConfigJSON([]byte(`{"imu_gravity": -1}`)); err == nil {
		t.Error("expected error for negative imu_gravity")
	}
	if _, err := LoadConfigJSON([]byte(`{"reseed_interval": 0}`)); err == nil {
		t.Error("expected error for reseed_interval < 1")
	}
	if _, err := LoadConfigJSON([]byte(`{"trailing_window": "not-a-duration"}`)); err == nil {
		t.Error("expected error for invalid trailing_window")
	}
}
