// Package fusionconfig loads the tunable parameters of the IMU-LiDAR
// fusion core (spec.md §6), following the same JSON-tagged
// pointer-field-with-getters pattern the teacher's tuning config uses
// (internal/config/tuning.go in the original velocity.report tree): every
// field is a pointer so a partial JSON override leaves the rest at their
// defaults, and every field has a Get* accessor that supplies the default
// when the pointer is nil.
package fusionconfig

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"time"
)

//go:embed defaults.json
var defaultsJSON []byte

// Config holds every tunable parameter enumerated in spec.md §6.
type Config struct {
	ImuGravity  *float64 `json:"imu_gravity,omitempty"`
	ImuAccNoise *float64 `json:"imu_acc_noise,omitempty"`
	ImuGyrNoise *float64 `json:"imu_gyr_noise,omitempty"`
	ImuAccBiasN *float64 `json:"imu_acc_bias_n,omitempty"`
	ImuGyrBiasN *float64 `json:"imu_gyr_bias_n,omitempty"`

	ExtTransX *float64 `json:"ext_trans_x,omitempty"`
	ExtTransY *float64 `json:"ext_trans_y,omitempty"`
	ExtTransZ *float64 `json:"ext_trans_z,omitempty"`

	LidarFrame    *string `json:"lidar_frame,omitempty"`
	BaselinkFrame *string `json:"baselink_frame,omitempty"`
	OdometryFrame *string `json:"odometry_frame,omitempty"`
	MapFrame      *string `json:"map_frame,omitempty"`

	ReseedInterval   *int     `json:"reseed_interval,omitempty"`
	NominalImuPeriod *string  `json:"nominal_imu_period,omitempty"` // duration string, e.g. "2ms"
	PathSampling     *string  `json:"path_sampling,omitempty"`      // duration string, e.g. "100ms"
	TrailingWindow   *string  `json:"trailing_window,omitempty"`    // duration string, e.g. "1s"
	MaxSpeedMps      *float64 `json:"max_speed_mps,omitempty"`
	MaxBiasNorm      *float64 `json:"max_bias_norm,omitempty"`
}

// EmptyConfig returns a Config with every field nil; every Get* method then
// returns its default value.
func EmptyConfig() *Config { return &Config{} }

// DefaultConfig returns the canonical defaults embedded in this module at
// build time (defaults.json), grounded on the teacher's
// //go:embed static/* usage in main.go — there is no sibling config/
// directory this module can assume exists at an unknown relative depth, so
// the defaults travel with the binary instead of being path-walked at
// runtime.
func DefaultConfig() *Config {
	cfg, err := parse(defaultsJSON)
	if err != nil {
		panic("fusionconfig: embedded defaults.json is invalid: " + err.Error())
	}
	return cfg
}

// LoadConfigJSON parses overrides from JSON data and validates them. Fields
// omitted from the data stay nil, and their Get* methods return the
// built-in default (the same values as defaults.json).
func LoadConfigJSON(data []byte) (*Config, error) {
	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	cfg := EmptyConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("fusionconfig: parse: %w", err)
	}
	return cfg, nil
}

// Validate checks that any set fields are within sane ranges.
func (c *Config) Validate() error {
	if c.ImuGravity != nil && *c.ImuGravity <= 0 {
		return fmt.Errorf("fusionconfig: imu_gravity must be positive, got %f", *c.ImuGravity)
	}
	if c.ReseedInterval != nil && *c.ReseedInterval < 1 {
		return fmt.Errorf("fusionconfig: reseed_interval must be >= 1, got %d", *c.ReseedInterval)
	}
	for name, v := range map[string]*string{
		"nominal_imu_period": c.NominalImuPeriod,
		"path_sampling":      c.PathSampling,
		"trailing_window":    c.TrailingWindow,
	} {
		if v != nil {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("fusionconfig: invalid %s %q: %w", name, *v, err)
			}
		}
	}
	return nil
}

func (c *Config) GetImuGravity() float64 {
	if c.ImuGravity == nil {
		return 9.80511
	}
	return *c.ImuGravity
}

func (c *Config) GetImuAccNoise() float64 {
	if c.ImuAccNoise == nil {
		return 3.9939570888238808e-03
	}
	return *c.ImuAccNoise
}

func (c *Config) GetImuGyrNoise() float64 {
	if c.ImuGyrNoise == nil {
		return 1.5636343949698187e-03
	}
	return *c.ImuGyrNoise
}

func (c *Config) GetImuAccBiasN() float64 {
	if c.ImuAccBiasN == nil {
		return 6.4356659353532566e-05
	}
	return *c.ImuAccBiasN
}

func (c *Config) GetImuGyrBiasN() float64 {
	if c.ImuGyrBiasN == nil {
		return 3.5640318696367613e-05
	}
	return *c.ImuGyrBiasN
}

func (c *Config) GetExtTransX() float64 {
	if c.ExtTransX == nil {
		return 0
	}
	return *c.ExtTransX
}

func (c *Config) GetExtTransY() float64 {
	if c.ExtTransY == nil {
		return 0
	}
	return *c.ExtTransY
}

func (c *Config) GetExtTransZ() float64 {
	if c.ExtTransZ == nil {
		return 0
	}
	return *c.ExtTransZ
}

func (c *Config) GetLidarFrame() string {
	if c.LidarFrame == nil {
		return "lidar_link"
	}
	return *c.LidarFrame
}

func (c *Config) GetBaselinkFrame() string {
	if c.BaselinkFrame == nil {
		return "base_link"
	}
	return *c.BaselinkFrame
}

func (c *Config) GetOdometryFrame() string {
	if c.OdometryFrame == nil {
		return "odom"
	}
	return *c.OdometryFrame
}

func (c *Config) GetMapFrame() string {
	if c.MapFrame == nil {
		return "map"
	}
	return *c.MapFrame
}

func (c *Config) GetReseedInterval() int {
	if c.ReseedInterval == nil {
		return 100
	}
	return *c.ReseedInterval
}

func (c *Config) GetNominalImuPeriod() time.Duration {
	if c.NominalImuPeriod == nil {
		return time.Second / 500
	}
	d, err := time.ParseDuration(*c.NominalImuPeriod)
	if err != nil {
		return time.Second / 500
	}
	return d
}

func (c *Config) GetPathSampling() time.Duration {
	if c.PathSampling == nil {
		return 100 * time.Millisecond
	}
	d, err := time.ParseDuration(*c.PathSampling)
	if err != nil {
		return 100 * time.Millisecond
	}
	return d
}

func (c *Config) GetTrailingWindow() time.Duration {
	if c.TrailingWindow == nil {
		return time.Second
	}
	d, err := time.ParseDuration(*c.TrailingWindow)
	if err != nil {
		return time.Second
	}
	return d
}

func (c *Config) GetMaxSpeedMps() float64 {
	if c.MaxSpeedMps == nil {
		return 30.0
	}
	return *c.MaxSpeedMps
}

func (c *Config) GetMaxBiasNorm() float64 {
	if c.MaxBiasNorm == nil {
		return 1.0
	}
	return *c.MaxBiasNorm
}
