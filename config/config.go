package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the overall application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Sensor     SensorConfig     `yaml:"sensor"`
	Modem      ModemConfig      `yaml:"modem"`
	Display    DisplayConfig    `yaml:"display"`
	Button     ButtonConfig     `yaml:"button"`
	Attendance AttendanceConfig `yaml:"attendance"`
	Push       PushConfig       `yaml:"push"`
	WorkerPool WorkerPoolConfig `yaml:"worker_pool"`
}

// WorkerPoolConfig holds the configuration for the dashboard push worker pool.
type WorkerPoolConfig struct {
	Size int `yaml:"size"`
}

// PushConfig holds the VAPID keys for web push notifications. Push is disabled
// when either key is empty.
type PushConfig struct {
	PublicKey  string `yaml:"vapid_public_key"`
	PrivateKey string `yaml:"vapid_private_key"`
	Subject    string `yaml:"subject"`
	TTL        int    `yaml:"ttl"`
}

// Enabled reports whether both VAPID keys are configured.
func (p PushConfig) Enabled() bool {
	return p.PublicKey != "" && p.PrivateKey != ""
}

// ServerConfig holds the server-related configuration.
type ServerConfig struct {
	Port            int     `yaml:"port"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	DeviceRateLimit float64 `yaml:"device_rate_limit_per_sec"`
	CacheTTLSeconds int     `yaml:"cache_ttl_seconds"`
}

// DatabaseConfig holds the database connection configuration.
type DatabaseConfig struct {
	Driver                 string `yaml:"driver"` // sqlite or postgres
	DSN                    string `yaml:"dsn"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
	LogSQL                 bool   `yaml:"log_sql"`
}

// SensorConfig describes the fingerprint module line and polling policy.
type SensorConfig struct {
	Port                 string        `yaml:"port"`
	Baud                 int           `yaml:"baud"`
	ReadTimeoutMillis    int           `yaml:"read_timeout_ms"`
	Password             uint32        `yaml:"password"`
	MaxSlots             int           `yaml:"max_slots"`
	PollIntervalMillis   int           `yaml:"poll_interval_ms"`
	CaptureTimeoutSecond int           `yaml:"capture_timeout_seconds"`
	ImagingRetries       int           `yaml:"imaging_retries"`
	ReadTimeout          time.Duration `yaml:"-"`
	PollInterval         time.Duration `yaml:"-"`
	CaptureTimeout       time.Duration `yaml:"-"`
}

// ModemConfig describes the GSM modem line.
type ModemConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Port              string        `yaml:"port"`
	Baud              int           `yaml:"baud"`
	ReadTimeoutMillis int           `yaml:"read_timeout_ms"`
	StepDelayMillis   int           `yaml:"step_delay_ms"`
	ReadTimeout       time.Duration `yaml:"-"`
	StepDelay         time.Duration `yaml:"-"`
}

// DisplayConfig describes the I2C character display.
type DisplayConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Bus               string        `yaml:"bus"`
	Address           uint16        `yaml:"address"`
	Rows              int           `yaml:"rows"`
	Cols              int           `yaml:"cols"`
	MessageHoldMillis int           `yaml:"message_hold_ms"`
	MessageHold       time.Duration `yaml:"-"`
}

// ButtonConfig describes the optional physical scan button.
type ButtonConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Pin            string        `yaml:"pin"`
	DebounceMillis int           `yaml:"debounce_ms"`
	Debounce       time.Duration `yaml:"-"`
}

// AttendanceConfig holds session rules.
type AttendanceConfig struct {
	Timezone      string `yaml:"timezone"`
	DefaultCourse string `yaml:"default_course"`
}

// Load reads the configuration from the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.RateLimitPerSec <= 0 {
		cfg.Server.RateLimitPerSec = 10
	}
	if cfg.Server.DeviceRateLimit <= 0 {
		cfg.Server.DeviceRateLimit = 1
	}
	if cfg.Server.CacheTTLSeconds <= 0 {
		cfg.Server.CacheTTLSeconds = 30
	}

	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.DSN == "" && cfg.Database.Driver == "sqlite" {
		cfg.Database.DSN = "attendance.db"
	}

	if cfg.Sensor.Port == "" {
		cfg.Sensor.Port = "/dev/ttyAMA0"
	}
	if cfg.Sensor.Baud <= 0 {
		cfg.Sensor.Baud = 57600
	}
	if cfg.Sensor.ReadTimeoutMillis <= 0 {
		cfg.Sensor.ReadTimeoutMillis = 1000
	}
	if cfg.Sensor.MaxSlots <= 0 {
		cfg.Sensor.MaxSlots = 162
	}
	if cfg.Sensor.PollIntervalMillis <= 0 {
		cfg.Sensor.PollIntervalMillis = 100
	}
	if cfg.Sensor.CaptureTimeoutSecond <= 0 {
		cfg.Sensor.CaptureTimeoutSecond = 30
	}
	if cfg.Sensor.ImagingRetries < 0 {
		cfg.Sensor.ImagingRetries = 0
	}
	cfg.Sensor.ReadTimeout = time.Duration(cfg.Sensor.ReadTimeoutMillis) * time.Millisecond
	cfg.Sensor.PollInterval = time.Duration(cfg.Sensor.PollIntervalMillis) * time.Millisecond
	cfg.Sensor.CaptureTimeout = time.Duration(cfg.Sensor.CaptureTimeoutSecond) * time.Second

	if cfg.Modem.Port == "" {
		cfg.Modem.Port = "/dev/ttyUSB0"
	}
	if cfg.Modem.Baud <= 0 {
		cfg.Modem.Baud = 9600
	}
	if cfg.Modem.ReadTimeoutMillis <= 0 {
		cfg.Modem.ReadTimeoutMillis = 1000
	}
	if cfg.Modem.StepDelayMillis <= 0 {
		cfg.Modem.StepDelayMillis = 500
	}
	cfg.Modem.ReadTimeout = time.Duration(cfg.Modem.ReadTimeoutMillis) * time.Millisecond
	cfg.Modem.StepDelay = time.Duration(cfg.Modem.StepDelayMillis) * time.Millisecond

	if cfg.Display.Address == 0 {
		cfg.Display.Address = 0x27
	}
	if cfg.Display.Rows <= 0 {
		cfg.Display.Rows = 2
	}
	if cfg.Display.Cols <= 0 {
		cfg.Display.Cols = 16
	}
	if cfg.Display.MessageHoldMillis < 0 {
		cfg.Display.MessageHoldMillis = 0
	}
	cfg.Display.MessageHold = time.Duration(cfg.Display.MessageHoldMillis) * time.Millisecond

	if cfg.Button.Pin == "" {
		cfg.Button.Pin = "GPIO17"
	}
	if cfg.Button.DebounceMillis <= 0 {
		cfg.Button.DebounceMillis = 200
	}
	cfg.Button.Debounce = time.Duration(cfg.Button.DebounceMillis) * time.Millisecond

	if cfg.Attendance.Timezone == "" {
		cfg.Attendance.Timezone = "Local"
	}

	if cfg.Push.TTL <= 0 {
		cfg.Push.TTL = 3600
	}

	if cfg.WorkerPool.Size <= 0 {
		log.Printf("worker_pool.size is not set or invalid; defaulting to 1")
		cfg.WorkerPool.Size = 1
	}
}
