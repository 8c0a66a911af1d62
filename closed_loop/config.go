package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"balancer-core/closed_loop/attitude"
	"balancer-core/closed_loop/autotune"
	control "balancer-core/closed_loop/balance_control"
	"balancer-core/closed_loop/motorbus"
	"balancer-core/closed_loop/telemetry"
	"balancer-core/utils"
)

// Config is the whole robot configuration. A YAML file only needs to name the
// fields it changes; everything else keeps the compiled-in default.
type Config struct {
	Loop       LoopConfig      `yaml:"loop"`
	Bus        BusConfig       `yaml:"bus"`
	IMU        IMUConfig       `yaml:"imu"`
	Estimator  attitude.Config `yaml:"estimator"`
	Controller control.Config  `yaml:"controller"`
	AutoTune   autotune.Config `yaml:"autotune"`
	Telemetry  TelemetryConfig `yaml:"telemetry"`
}

type LoopConfig struct {
	Period         time.Duration `yaml:"period"`
	MaxDt          time.Duration `yaml:"max_dt"`          // dt fed to the estimator is capped after a stall
	TelemetryEvery int           `yaml:"telemetry_every"` // ticks between A/T lines
	MotorEvery     int           `yaml:"motor_every"`     // telemetry rounds between M lines
	PollEvery      int           `yaml:"poll_every"`      // ticks between parameter reads while idle
	StatsEvery     int           `yaml:"stats_every"`     // ticks between loop statistics log lines
}

type BusConfig struct {
	Transport string             `yaml:"transport"` // socketcan | slcan
	Interface string             `yaml:"interface"`
	Serial    utils.SerialConfig `yaml:"serial"`
	Queues    utils.QueueConfig  `yaml:"queues"`
	Protocol  motorbus.Config    `yaml:"protocol"`
}

type IMUConfig struct {
	Source  string        `yaml:"source"` // serial | iio
	Port    string        `yaml:"port"`
	Baud    int           `yaml:"baud"`
	IIOPath string        `yaml:"iio_path"` // empty: first device with accel and gyro channels
	Timeout time.Duration `yaml:"timeout"`  // no sample for this long while driving latches Fallen
}

type TelemetryConfig struct {
	Listen          string               `yaml:"listen"`
	Path            string               `yaml:"path"`
	MQTT            telemetry.MQTTConfig `yaml:"mqtt"`
	RobotWeightG    int                  `yaml:"robot_weight_g"`
	WheelDiameterMM int                  `yaml:"wheel_diameter_mm"`
}

func DefaultConfig() Config {
	return Config{
		Loop: LoopConfig{
			Period:         2 * time.Millisecond,
			MaxDt:          20 * time.Millisecond,
			TelemetryEvery: 25,
			MotorEvery:     4,
			PollEvery:      50,
			StatsEvery:     5000,
		},
		Bus: BusConfig{
			Transport: "socketcan",
			Interface: "can0",
			Serial: utils.SerialConfig{
				Port:     "/dev/ttyACM0",
				BaudRate: 115200,
				Bitrate:  1000000,
			},
			Queues:   utils.DefaultQueueConfig(),
			Protocol: motorbus.DefaultConfig(),
		},
		IMU: IMUConfig{
			Source:  "serial",
			Port:    "/dev/ttyUSB0",
			Baud:    115200,
			Timeout: 50 * time.Millisecond,
		},
		Estimator:  attitude.DefaultConfig(),
		Controller: control.DefaultConfig(),
		AutoTune:   autotune.DefaultConfig(),
		Telemetry: TelemetryConfig{
			Listen:          ":8080",
			Path:            "/ws",
			MQTT:            telemetry.DefaultMQTTConfig(),
			RobotWeightG:    830,
			WheelDiameterMM: 85,
		},
	}
}

// LoadConfig decodes path over the defaults. An empty path returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if c.Loop.Period <= 0 {
		errs = append(errs, fmt.Errorf("loop.period must be > 0, got %v", c.Loop.Period))
	}
	if c.Loop.MaxDt < c.Loop.Period {
		errs = append(errs, fmt.Errorf("loop.max_dt %v below loop.period %v", c.Loop.MaxDt, c.Loop.Period))
	}
	if c.Loop.TelemetryEvery <= 0 || c.Loop.MotorEvery <= 0 || c.Loop.PollEvery <= 0 || c.Loop.StatsEvery <= 0 {
		errs = append(errs, errors.New("loop: tick dividers must be > 0"))
	}

	switch c.Bus.Transport {
	case "socketcan":
		if c.Bus.Interface == "" {
			errs = append(errs, errors.New("bus.interface is required for socketcan"))
		}
	case "slcan":
		if c.Bus.Serial.Port == "" || c.Bus.Serial.BaudRate <= 0 {
			errs = append(errs, errors.New("bus.serial needs a port and baud_rate for slcan"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus.transport %q", c.Bus.Transport))
	}
	if err := c.Bus.Protocol.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("bus.protocol: %w", err))
	}

	switch c.IMU.Source {
	case "serial":
		if c.IMU.Port == "" || c.IMU.Baud <= 0 {
			errs = append(errs, errors.New("imu: serial source needs a port and baud"))
		}
	case "iio":
	default:
		errs = append(errs, fmt.Errorf("unknown imu.source %q", c.IMU.Source))
	}
	if c.IMU.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("imu.timeout must be > 0, got %v", c.IMU.Timeout))
	}

	if err := c.Estimator.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("estimator: %w", err))
	}
	if err := c.Controller.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("controller: %w", err))
	}
	if err := c.AutoTune.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("autotune: %w", err))
	}

	if c.Telemetry.Listen == "" || c.Telemetry.Path == "" {
		errs = append(errs, errors.New("telemetry: listen and path are required"))
	}
	if c.Telemetry.MQTT.Enabled && c.Telemetry.MQTT.Broker == "" {
		errs = append(errs, errors.New("telemetry.mqtt.broker is required when enabled"))
	}

	return errors.Join(errs...)
}
