// Package config loads the charge point node configuration.
//
// Values are layered: built-in defaults, then a TOML file, then environment
// variables prefixed with OCPPCP (e.g. OCPPCP_CP_ID, OCPPCP_EXCHANGE_DEFAULT_ACTION).
// Command-line flags are applied on top by the caller.
package config

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
)

const EnvPrefix = "OCPPCP"

// Security profiles of the OCPP 1.6 security whitepaper.
const (
	NoSecurityProfile = iota
	BasicSecurityProfile
	BasicSecurityWithTLSProfile
)

var _ encoding.TextMarshaler = (*Duration)(nil)
var _ encoding.TextUnmarshaler = (*Duration)(nil)

// Duration is a time.Duration written as "120s" in TOML and the environment.
type Duration time.Duration

func (dur *Duration) UnmarshalText(text []byte) error {
	d, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*dur = Duration(d)
	return nil
}

func (dur Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(dur).String()), nil
}

type ChargePoint struct {
	ID               string
	CentralSystemURL string `split_words:"true"`
	SecurityProfile  int    `split_words:"true"`
	Password         string
	// HandshakeTimeout bounds the websocket opening handshake.
	HandshakeTimeout Duration `split_words:"true"`
	// ReconnectMax caps the backoff between reconnect attempts.
	ReconnectMax Duration `split_words:"true"`
}

type Exchange struct {
	DefaultAction string `split_words:"true"`
	// DefaultPayload is JSON text sent when a call request carries no payload.
	DefaultPayload    string   `split_words:"true"`
	CompletionTimeout Duration `split_words:"true"`
	// OutboundCapacity bounds the outbound correlation table, 0 is unbounded.
	OutboundCapacity int `split_words:"true"`
	// SettledMemory is how many answered or expired inbound ids are kept to
	// report a repeated completion as already settled.
	SettledMemory int `split_words:"true"`
}

type Dispatch struct {
	HandlerTimeout Duration `split_words:"true"`
	RateLimit      float64  `split_words:"true"`
	RateBurst      int      `split_words:"true"`
}

type Control struct {
	Port int
}

type Store struct {
	Path           string
	AuditRetention Duration `split_words:"true"`
}

type Log struct {
	Level      string
	File       string
	MaxSizeMB  int `split_words:"true"`
	MaxBackups int `split_words:"true"`
}

type Config struct {
	ChargePoint ChargePoint `envconfig:"CP"`
	Exchange    Exchange
	Dispatch    Dispatch
	Control     Control
	Store       Store
	Log         Log
}

func Default() *Config {
	return &Config{
		ChargePoint: ChargePoint{
			ID:               "CP_1",
			CentralSystemURL: "ws://localhost:8887",
			SecurityProfile:  NoSecurityProfile,
			HandshakeTimeout: Duration(5 * time.Second),
			ReconnectMax:     Duration(time.Minute),
		},
		Exchange: Exchange{
			DefaultAction:     "",
			DefaultPayload:    "",
			CompletionTimeout: Duration(120 * time.Second),
			SettledMemory:     4096,
		},
		Dispatch: Dispatch{
			HandlerTimeout: Duration(30 * time.Second),
			RateLimit:      20,
			RateBurst:      40,
		},
		Control: Control{
			Port: 8081,
		},
		Store: Store{
			Path:           "./data",
			AuditRetention: Duration(7 * 24 * time.Hour),
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
	}
}

// FromFile loads config from path over the defaults. A missing file leaves the
// defaults in place; environment overrides apply either way.
func FromFile(path string) (*Config, error) {
	path, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	switch {
	case os.IsNotExist(err):
		return FromReader(strings.NewReader(""))
	case err != nil:
		return nil, err
	}
	defer file.Close() //nolint:errcheck // read only
	return FromReader(file)
}

// FromReader loads config from a TOML reader over the defaults, then applies
// environment overrides.
func FromReader(reader io.Reader) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeReader(reader, cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("processing env vars overrides: %w", err)
	}
	return cfg, nil
}

// Validate checks the values the node cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.ChargePoint.ID == "" {
		errs = append(errs, errors.New("charge point id is required"))
	}
	u, err := url.Parse(c.ChargePoint.CentralSystemURL)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("central system url: %w", err))
	case u.Scheme != "ws" && u.Scheme != "wss":
		errs = append(errs, fmt.Errorf("central system url must be ws:// or wss://, got %q", c.ChargePoint.CentralSystemURL))
	}
	if c.ChargePoint.SecurityProfile < NoSecurityProfile || c.ChargePoint.SecurityProfile > BasicSecurityWithTLSProfile {
		errs = append(errs, fmt.Errorf("unknown security profile %d", c.ChargePoint.SecurityProfile))
	}
	if c.Exchange.DefaultPayload != "" && !json.Valid([]byte(c.Exchange.DefaultPayload)) {
		errs = append(errs, errors.New("default payload is not valid JSON"))
	}
	if c.Exchange.OutboundCapacity < 0 {
		errs = append(errs, errors.New("outbound capacity must not be negative"))
	}
	if c.Exchange.SettledMemory < 0 {
		errs = append(errs, errors.New("settled memory must not be negative"))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Endpoint is the websocket URL of this charge point on the central system.
func (c *Config) Endpoint() string {
	return strings.TrimRight(c.ChargePoint.CentralSystemURL, "/") + "/" + c.ChargePoint.ID
}

// DefaultPayloadJSON returns the default payload, nil when none is configured.
func (c *Config) DefaultPayloadJSON() json.RawMessage {
	if c.Exchange.DefaultPayload == "" {
		return nil
	}
	return json.RawMessage(c.Exchange.DefaultPayload)
}
