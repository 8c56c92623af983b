// Package config loads the process configuration of replicate-server.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportWebTransport = "webtransport"
	TransportQUIC         = "quic"
)

type Config struct {
	// Port to listen on. 0 picks a free port.
	Port int `yaml:"port"`
	// Subject alt names of the self-signed certificate. The first one is
	// used in server URLs.
	SubjectAltNames []string `yaml:"subject_alt_names"`
	Transport       string   `yaml:"transport"`
	Codec           string   `yaml:"codec"`

	TickInterval        time.Duration `yaml:"tick_interval"`
	CertRefreshInterval time.Duration `yaml:"cert_refresh_interval"`

	// Database is the path of the sqlite instance registry. Empty keeps
	// instances in memory only.
	Database string `yaml:"database"`
	// RequireAuth rejects connections without a valid DID bearer token.
	RequireAuth bool   `yaml:"require_auth"`
	LogLevel    string `yaml:"log_level"`
}

func Default() Config {
	return Config{
		Port:                1337,
		SubjectAltNames:     []string{"localhost", "127.0.0.1"},
		Transport:           TransportWebTransport,
		Codec:               "json",
		TickInterval:        100 * time.Millisecond,
		CertRefreshInterval: 24 * time.Hour,
		LogLevel:            "info",
	}
}

// Load reads path on top of Default. Unknown fields are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if len(c.SubjectAltNames) == 0 {
		errs = append(errs, errors.New("at least one subject alt name is required"))
	}
	switch c.Transport {
	case TransportWebTransport, TransportQUIC:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	switch c.Codec {
	case "json", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("unknown codec %q", c.Codec))
	}
	if c.TickInterval <= 0 {
		errs = append(errs, errors.New("tick_interval must be positive"))
	}
	if c.CertRefreshInterval <= 0 {
		errs = append(errs, errors.New("cert_refresh_interval must be positive"))
	}
	return errors.Join(errs...)
}
