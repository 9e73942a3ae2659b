package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	HTTP     HTTPConfig
	Database DatabaseConfig
	Log      LogConfig
	Relay    RelayConfig
	Barrier  BarrierConfig
	Sync     SyncConfig
	Storage  StorageConfig
	Realtime RealtimeConfig
}

type HTTPConfig struct {
	Addr           string
	JWTSecret      string
	AllowedOrigins []string
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string
	DSN    string
}

type LogConfig struct {
	Level  string
	Format string
}

type RelayConfig struct {
	// Mode selects the actuation backend: "gpio" or "web".
	Mode string
	GPIO GPIOConfig
	Web  WebRelayConfig
}

type GPIOConfig struct {
	Chip     string
	Pins     map[int]int
	Simulate bool
}

type WebRelayConfig struct {
	Host      string
	Port      int
	Username  string
	Password  string
	PulseTime time.Duration
	Timeout   time.Duration
}

type BarrierConfig struct {
	PulseDuration time.Duration
}

type SyncConfig struct {
	Interval       time.Duration
	InitialDelay   time.Duration
	StopTimeout    time.Duration
	RequestTimeout time.Duration
	SiteID         int64
	QueueBatch     int
	RecordLimit    int
}

type StorageConfig struct {
	ImagesDir string
	S3        S3Config
}

type S3Config struct {
	Enabled      bool
	Endpoint     string
	Bucket       string
	AccessKey    string
	SecretKey    string
	Region       string
	Prefix       string
	PublicDomain string
	UseSSL       bool
	Timeout      time.Duration
}

type RealtimeConfig struct {
	StatsInterval time.Duration
	QueueSize     int
	ClientBuffer  int
}

// DefaultRelayPins maps relay channels 1..8 to BCM line offsets.
var DefaultRelayPins = map[int]int{
	1: 5,
	2: 6,
	3: 13,
	4: 16,
	5: 19,
	6: 20,
	7: 21,
	8: 26,
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.jwt_secret", "")
	v.SetDefault("http.allowed_origins", []string{"*"})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "/var/lib/gate-controller/gate.db")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("relay.mode", "gpio")
	v.SetDefault("relay.gpio.chip", "gpiochip0")
	v.SetDefault("relay.gpio.simulate", false)
	v.SetDefault("relay.web.host", "192.168.1.166")
	v.SetDefault("relay.web.port", 80)
	v.SetDefault("relay.web.username", "admin")
	v.SetDefault("relay.web.password", "12345678")
	v.SetDefault("relay.web.pulse_time", "1s")
	v.SetDefault("relay.web.timeout", "5s")

	v.SetDefault("barrier.pulse_duration", "1s")

	v.SetDefault("sync.interval", "300s")
	v.SetDefault("sync.initial_delay", "10s")
	v.SetDefault("sync.stop_timeout", "5s")
	v.SetDefault("sync.request_timeout", "30s")
	v.SetDefault("sync.site_id", 0)
	v.SetDefault("sync.queue_batch", 20)
	v.SetDefault("sync.record_limit", 5000)

	v.SetDefault("storage.images_dir", "/var/lib/gate-controller/images")
	v.SetDefault("storage.s3.enabled", false)
	v.SetDefault("storage.s3.region", "ap-southeast-1")
	v.SetDefault("storage.s3.prefix", "anpr")
	v.SetDefault("storage.s3.use_ssl", true)
	v.SetDefault("storage.s3.timeout", "30s")

	v.SetDefault("realtime.stats_interval", "30s")
	v.SetDefault("realtime.queue_size", 256)
	v.SetDefault("realtime.client_buffer", 64)
}

// Load reads configuration from the optional file at path, GATE_* environment
// variables and built-in defaults, in increasing order of precedence for env.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		HTTP: HTTPConfig{
			Addr:           v.GetString("http.addr"),
			JWTSecret:      v.GetString("http.jwt_secret"),
			AllowedOrigins: v.GetStringSlice("http.allowed_origins"),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(v.GetString("database.driver")),
			DSN:    v.GetString("database.dsn"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Relay: RelayConfig{
			Mode: strings.ToLower(v.GetString("relay.mode")),
			GPIO: GPIOConfig{
				Chip:     v.GetString("relay.gpio.chip"),
				Pins:     relayPins(v),
				Simulate: v.GetBool("relay.gpio.simulate"),
			},
			Web: WebRelayConfig{
				Host:      v.GetString("relay.web.host"),
				Port:      v.GetInt("relay.web.port"),
				Username:  v.GetString("relay.web.username"),
				Password:  v.GetString("relay.web.password"),
				PulseTime: v.GetDuration("relay.web.pulse_time"),
				Timeout:   v.GetDuration("relay.web.timeout"),
			},
		},
		Barrier: BarrierConfig{
			PulseDuration: v.GetDuration("barrier.pulse_duration"),
		},
		Sync: SyncConfig{
			Interval:       v.GetDuration("sync.interval"),
			InitialDelay:   v.GetDuration("sync.initial_delay"),
			StopTimeout:    v.GetDuration("sync.stop_timeout"),
			RequestTimeout: v.GetDuration("sync.request_timeout"),
			SiteID:         v.GetInt64("sync.site_id"),
			QueueBatch:     v.GetInt("sync.queue_batch"),
			RecordLimit:    v.GetInt("sync.record_limit"),
		},
		Storage: StorageConfig{
			ImagesDir: v.GetString("storage.images_dir"),
			S3: S3Config{
				Enabled:      v.GetBool("storage.s3.enabled"),
				Endpoint:     v.GetString("storage.s3.endpoint"),
				Bucket:       v.GetString("storage.s3.bucket"),
				AccessKey:    v.GetString("storage.s3.access_key"),
				SecretKey:    v.GetString("storage.s3.secret_key"),
				Region:       v.GetString("storage.s3.region"),
				Prefix:       v.GetString("storage.s3.prefix"),
				PublicDomain: v.GetString("storage.s3.public_domain"),
				UseSSL:       v.GetBool("storage.s3.use_ssl"),
				Timeout:      v.GetDuration("storage.s3.timeout"),
			},
		},
		Realtime: RealtimeConfig{
			StatsInterval: v.GetDuration("realtime.stats_interval"),
			QueueSize:     v.GetInt("realtime.queue_size"),
			ClientBuffer:  v.GetInt("realtime.client_buffer"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// relayPins reads relay.gpio.pins as a channel->line map, falling back to
// DefaultRelayPins when the key is absent.
func relayPins(v *viper.Viper) map[int]int {
	pins := make(map[int]int, len(DefaultRelayPins))
	raw := v.GetStringMap("relay.gpio.pins")
	if len(raw) == 0 {
		for ch, pin := range DefaultRelayPins {
			pins[ch] = pin
		}
		return pins
	}
	for key := range raw {
		var ch int
		if _, err := fmt.Sscanf(key, "%d", &ch); err != nil {
			continue
		}
		pins[ch] = v.GetInt("relay.gpio.pins." + key)
	}
	return pins
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Relay.Mode {
	case "gpio", "web":
	default:
		return fmt.Errorf("unsupported relay mode %q", c.Relay.Mode)
	}
	for ch := range c.Relay.GPIO.Pins {
		if ch < 1 || ch > 8 {
			return fmt.Errorf("relay pin mapping for channel %d out of range 1..8", ch)
		}
	}
	if c.Barrier.PulseDuration <= 0 {
		return fmt.Errorf("barrier.pulse_duration must be positive")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Storage.S3.Enabled && (c.Storage.S3.Bucket == "" || c.Storage.S3.AccessKey == "" || c.Storage.S3.SecretKey == "") {
		return fmt.Errorf("storage.s3 requires bucket, access_key and secret_key when enabled")
	}
	return nil
}
