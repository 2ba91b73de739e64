// Package config loads the service configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"road-service/internal/cluster"
	"road-service/internal/detection"
	"road-service/internal/vision"
)

// Config is the complete service configuration.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Detection DetectionConfig `yaml:"detection"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Session   SessionConfig   `yaml:"session"`
	Redis     RedisConfig     `yaml:"redis"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Vision    VisionConfig    `yaml:"vision"`
}

type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

type DetectionConfig struct {
	MinSpeedKmh       float64       `yaml:"min_speed_kmh"`
	Cooldown          time.Duration `yaml:"cooldown"`
	Window            time.Duration `yaml:"window"`
	MinWindowSamples  int           `yaml:"min_window_samples"`
	ConfirmAfter      time.Duration `yaml:"confirm_after"`
	ArmTimeout        time.Duration `yaml:"arm_timeout"`
	ConfirmConfidence float64       `yaml:"confirm_confidence"`
	Strict            bool          `yaml:"strict"`
}

type ClusterConfig struct {
	RadiusMeters float64       `yaml:"radius_meters"`
	Interval     time.Duration `yaml:"interval"`
}

type SessionConfig struct {
	SampleQueue int `yaml:"sample_queue"`
}

// RedisConfig configures the live mirror. An empty Addr disables it.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	EventTTL    time.Duration `yaml:"event_ttl"`
	RecentLimit int64         `yaml:"recent_limit"`
}

// ArchiveConfig configures the end-of-session SQLite archive. An empty Path disables it.
type ArchiveConfig struct {
	Path string `yaml:"path"`
}

// VisionConfig configures photo verification. An empty Endpoint disables it.
type VisionConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	Timeout          time.Duration `yaml:"timeout"`
	Workers          int           `yaml:"workers"`
	QueueSize        int           `yaml:"queue_size"`
	AcceptConfidence float64       `yaml:"accept_confidence"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	d := detection.DefaultConfig()
	return Config{
		Server: ServerConfig{
			ListenAddr:   ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  30 * time.Second,
		},
		Detection: DetectionConfig{
			MinSpeedKmh:       d.MinSpeedKmh,
			Cooldown:          d.Cooldown,
			Window:            d.Window,
			MinWindowSamples:  d.MinWindowSamples,
			ConfirmAfter:      d.ConfirmAfter,
			ArmTimeout:        d.ArmTimeout,
			ConfirmConfidence: d.ConfirmConfidence,
		},
		Cluster: ClusterConfig{
			RadiusMeters: cluster.DefaultRadiusMeters,
			Interval:     30 * time.Second,
		},
		Session: SessionConfig{
			SampleQueue: 10000,
		},
		Redis: RedisConfig{
			EventTTL:    24 * time.Hour,
			RecentLimit: 1000,
		},
		Vision: VisionConfig{
			Timeout:          5 * time.Second,
			Workers:          2,
			QueueSize:        256,
			AcceptConfidence: vision.DefaultAcceptConfidence,
		},
	}
}

// Load reads path (optional) over the defaults and then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	if port := getenv("PORT"); port != "" {
		c.Server.ListenAddr = ":" + port
	}
	if addr := getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if v := getenv("ROAD_SERVICE_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid ROAD_SERVICE_DEBUG %q: %w", v, err)
		}
		c.Debug = debug
	}
	return nil
}

// DetectionEngineConfig converts the detection section. Debug mode forces strict input checks.
func (c Config) DetectionEngineConfig() detection.Config {
	return detection.Config{
		MinSpeedKmh:       c.Detection.MinSpeedKmh,
		Cooldown:          c.Detection.Cooldown,
		Window:            c.Detection.Window,
		MinWindowSamples:  c.Detection.MinWindowSamples,
		ConfirmAfter:      c.Detection.ConfirmAfter,
		ArmTimeout:        c.Detection.ArmTimeout,
		ConfirmConfidence: c.Detection.ConfirmConfidence,
		Strict:            c.Detection.Strict || c.Debug,
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if err := c.DetectionEngineConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Cluster.RadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("cluster radius must be positive, got %v", c.Cluster.RadiusMeters))
	}
	if c.Cluster.Interval < 0 {
		errs = append(errs, fmt.Errorf("cluster interval must not be negative, got %s", c.Cluster.Interval))
	}
	if c.Session.SampleQueue < 1 {
		errs = append(errs, fmt.Errorf("session sample queue must be at least 1, got %d", c.Session.SampleQueue))
	}
	if c.Vision.AcceptConfidence < 0 || c.Vision.AcceptConfidence > 1 {
		errs = append(errs, fmt.Errorf("vision accept confidence must be in [0,1], got %v", c.Vision.AcceptConfidence))
	}
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server listen address is required"))
	}
	return errors.Join(errs...)
}
