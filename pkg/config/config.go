package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

const (
	TransportTCP       = "tcp"
	TransportUnix      = "unix"
	TransportWebSocket = "websocket"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
}

type ServerConfig struct {
	Address       string `yaml:"address"`
	Transport     string `yaml:"transport"`
	Codec         string `yaml:"codec"`
	MaxConcurrent int    `yaml:"max_concurrent"`
	MaxQueued     int    `yaml:"max_queued"`
	Debug         bool   `yaml:"debug"`
	CertFile      string `yaml:"cert_file"`
	KeyFile       string `yaml:"key_file"`
	// TickInterval paces the demo server's push messages; zero disables them
	TickInterval Duration `yaml:"tick_interval"`
}

type ClientConfig struct {
	Address           string   `yaml:"address"`
	Transport         string   `yaml:"transport"`
	Codec             string   `yaml:"codec"`
	KeepAlive         bool     `yaml:"keep_alive"`
	KeepAliveInterval Duration `yaml:"keep_alive_interval"`
	RetryInterval     Duration `yaml:"retry_interval"`
	DisableRetry      bool     `yaml:"disable_retry"`
	CallTimeout       Duration `yaml:"call_timeout"`
	DialTimeout       Duration `yaml:"dial_timeout"`
}

type Duration struct{ time.Duration }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dd, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dd
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Address:       "127.0.0.1:7400",
			Transport:     TransportTCP,
			Codec:         "msgpack",
			MaxConcurrent: 10,
			MaxQueued:     10,
			TickInterval:  Duration{5 * time.Second},
		},
		Client: ClientConfig{
			Address:           "127.0.0.1:7400",
			Transport:         TransportTCP,
			Codec:             "msgpack",
			KeepAliveInterval: Duration{10 * time.Second},
			RetryInterval:     Duration{time.Second},
			CallTimeout:       Duration{30 * time.Second},
			DialTimeout:       Duration{10 * time.Second},
		},
	}
}

// Load reads the YAML file at path over the defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("unable to parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	var result *multierror.Error

	if err := validTransport(c.Server.Transport); err != nil {
		result = multierror.Append(result, fmt.Errorf("server: %w", err))
	}
	if err := validCodec(c.Server.Codec); err != nil {
		result = multierror.Append(result, fmt.Errorf("server: %w", err))
	}
	if c.Server.MaxConcurrent < 0 || c.Server.MaxQueued < 0 {
		result = multierror.Append(result, errors.New("server: pool sizes must not be negative"))
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		result = multierror.Append(result, errors.New("server: cert_file and key_file must be set together"))
	}

	if err := validTransport(c.Client.Transport); err != nil {
		result = multierror.Append(result, fmt.Errorf("client: %w", err))
	}
	if err := validCodec(c.Client.Codec); err != nil {
		result = multierror.Append(result, fmt.Errorf("client: %w", err))
	}
	if c.Client.KeepAliveInterval.Duration < 0 || c.Client.RetryInterval.Duration < 0 {
		result = multierror.Append(result, errors.New("client: intervals must not be negative"))
	}
	if c.Client.CallTimeout.Duration <= 0 {
		result = multierror.Append(result, errors.New("client: call_timeout must be positive"))
	}
	if c.Client.DialTimeout.Duration < 0 {
		result = multierror.Append(result, errors.New("client: dial_timeout must not be negative"))
	}

	return result.ErrorOrNil()
}

func validTransport(t string) error {
	switch t {
	case TransportTCP, TransportUnix, TransportWebSocket:
		return nil
	}
	return fmt.Errorf("unknown transport %q", t)
}

func validCodec(c string) error {
	switch c {
	case "", "msgpack", "json":
		return nil
	}
	return fmt.Errorf("unknown codec %q", c)
}
