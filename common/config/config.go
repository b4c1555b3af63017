package config

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Machine configuration, loaded once at startup and immutable afterwards.
// The motion core never re-reads configuration at runtime.

type SerialConfig struct {
	Port          string  `toml:"port"`
	Baud          int     `toml:"baud"`
	McuFreq       float64 `toml:"mcu_freq"`
	ReceiveWindow int     `toml:"receive_window"`
}

type StepperConfig struct {
	Name         string  `toml:"name"`
	StepDistance float64 `toml:"step_distance"`
	InvertDir    bool    `toml:"invert_dir"`
	MaxError     float64 `toml:"max_error"` // seconds of allowed step timing slop
	Kinematics   string  `toml:"kinematics"`
	Axis         string  `toml:"axis"`       // cartesian: x/y/z, corexy: +/-, polar: r/a
	ArmLength    float64 `toml:"arm_length"` // delta
	TowerX       float64 `toml:"tower_x"`    // delta
	TowerY       float64 `toml:"tower_y"`    // delta
	AnchorX      float64 `toml:"anchor_x"`   // winch
	AnchorY      float64 `toml:"anchor_y"`   // winch
	AnchorZ      float64 `toml:"anchor_z"`   // winch
	// Extruder pressure advance coefficient and smoothing window
	PressureAdvance float64 `toml:"pressure_advance"`
	SmoothTime      float64 `toml:"smooth_time"`
}

type PlannerConfig struct {
	MaxVelocity      float64 `toml:"max_velocity"`
	MaxAccel         float64 `toml:"max_accel"`
	SmoothedAccel    float64 `toml:"smoothed_accel"`
	AccelOrder       int     `toml:"accel_order"`
	Jerk             float64 `toml:"jerk"`
	MinJerkLimitTime float64 `toml:"min_jerk_limit_time"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	Logfile    string `toml:"logfile"`
	MaxSize    int    `toml:"max_size"`
	MaxBackups int    `toml:"max_backups"`
	MaxAge     int    `toml:"max_age"`
}

type Config struct {
	Serial   SerialConfig    `toml:"serial"`
	Planner  PlannerConfig   `toml:"planner"`
	Steppers []StepperConfig `toml:"stepper"`
	Log      LogConfig       `toml:"log"`
}

const (
	DefaultBaud    = 250000
	DefaultMcuFreq = 16000000.
	// Default allowed step timing error (25us, matches the reference MCU).
	DefaultMaxError = 0.000025
)

func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Serial.Baud == 0 {
		cfg.Serial.Baud = DefaultBaud
	}
	if cfg.Serial.McuFreq == 0 {
		cfg.Serial.McuFreq = DefaultMcuFreq
	}
	if cfg.Planner.AccelOrder == 0 {
		cfg.Planner.AccelOrder = 2
	}
	if cfg.Planner.SmoothedAccel == 0 {
		cfg.Planner.SmoothedAccel = cfg.Planner.MaxAccel * 0.5
	}
	for i := range cfg.Steppers {
		if cfg.Steppers[i].MaxError == 0 {
			cfg.Steppers[i].MaxError = DefaultMaxError
		}
	}
}

func (cfg *Config) Validate() error {
	if cfg.Serial.Port == "" {
		return fmt.Errorf("serial.port is required")
	}
	if cfg.Planner.MaxVelocity <= 0 || cfg.Planner.MaxAccel <= 0 {
		return fmt.Errorf("planner.max_velocity and planner.max_accel must be positive")
	}
	switch cfg.Planner.AccelOrder {
	case 2, 4, 6:
	default:
		return fmt.Errorf("planner.accel_order must be 2, 4 or 6 (got %d)",
			cfg.Planner.AccelOrder)
	}
	for i := range cfg.Steppers {
		s := &cfg.Steppers[i]
		if s.Name == "" {
			return fmt.Errorf("stepper %d: name is required", i)
		}
		if s.StepDistance <= 0 {
			return fmt.Errorf("stepper %s: step_distance must be positive", s.Name)
		}
		switch s.Kinematics {
		case "cartesian", "corexy", "delta", "polar", "winch", "extruder":
		default:
			return fmt.Errorf("stepper %s: unknown kinematics %q", s.Name, s.Kinematics)
		}
		if s.Kinematics == "delta" && s.ArmLength <= 0 {
			return fmt.Errorf("stepper %s: arm_length must be positive", s.Name)
		}
	}
	return nil
}
