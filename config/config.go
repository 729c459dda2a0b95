package config

import (
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Structs

// Config holds all information parsed from
// supplied config file.
type Config struct {
	Relay    Relay
	Storage  Storage
	Client   Client
	Presence Presence
}

// Duration lets TOML files state durations
// like "300ms" or "15s".
type Duration struct {
	time.Duration
}

// Relay describes the configuration of the server
// side: where it listens, how it authenticates and
// how often documents are snapshotted.
type Relay struct {
	Name             string
	ListenAddr       string
	PrometheusAddr   string
	CertLoc          string
	KeyLoc           string
	AllowedOrigins   []string
	AllowCreate      bool
	SnapshotEvery    int
	IdleTimeout      Duration
	HandshakeTimeout Duration
	ReadTimeout      Duration
	PeerQueueSize    int
	AuthAdapter      string
	AuthFile         *AuthFile
	AuthJWT          *AuthJWT
	AuthPostgres     *AuthPostgres
	Redis            *Redis
}

// Storage selects where relays persist snapshots.
type Storage struct {
	Adapter    string
	BoltPath   string
	SQLitePath string
}

// Client configures the terminal client and the
// transport sessions it opens.
type Client struct {
	RelayURL          string
	RootCertLoc       string
	HeartbeatInterval Duration
	PongTimeout       Duration
	BackoffBase       Duration
	BackoffCap        Duration
	MaxAttempts       int
	CausalBufferLimit int
}

// Presence configures expiry of presence entries.
type Presence struct {
	TTL       Duration
	IdleAfter Duration
}

// AuthPostgres defines parameters for connecting
// to a Postgres database holding session tokens.
type AuthPostgres struct {
	IP       string
	Port     uint16
	Database string
	User     string
	UseTLS   bool
}

// AuthFile provides information on verifying tokens
// taken from a designated token text file.
type AuthFile struct {
	File      string
	Separator string
}

// AuthJWT configures verification of signed tokens.
// The signing secret is read from the environment.
type AuthJWT struct {
	Issuer   string
	Audience string
}

// Redis points relays at a shared Redis used to pass
// presence between relay processes.
type Redis struct {
	Addr    string
	DB      int
	Channel string
}

// Functions

// UnmarshalText parses durations for the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {

	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", text)
	}
	d.Duration = parsed

	return nil
}

// MarshalText is the inverse of UnmarshalText.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used for
// everything the config file leaves out.
func Default() *Config {

	return &Config{
		Relay: Relay{
			Name:             "relay-1",
			ListenAddr:       "127.0.0.1:7070",
			SnapshotEvery:    500,
			IdleTimeout:      Duration{5 * time.Minute},
			HandshakeTimeout: Duration{10 * time.Second},
			ReadTimeout:      Duration{30 * time.Second},
			PeerQueueSize:    512,
			AuthAdapter:      "AuthFile",
		},
		Storage: Storage{
			Adapter: "memory",
		},
		Client: Client{
			RelayURL:          "ws://127.0.0.1:7070/ws",
			HeartbeatInterval: Duration{15 * time.Second},
			PongTimeout:       Duration{10 * time.Second},
			BackoffBase:       Duration{300 * time.Millisecond},
			BackoffCap:        Duration{5 * time.Second},
			MaxAttempts:       10,
			CausalBufferLimit: 1024,
		},
		Presence: Presence{
			TTL:       Duration{30 * time.Second},
			IdleAfter: Duration{10 * time.Second},
		},
	}
}

// LoadConfig takes in the path to the main config file
// in TOML syntax and places the values from the file on
// top of the defaults. Relative paths in the file are
// resolved against the directory the file lives in.
func LoadConfig(configFile string) (*Config, error) {

	conf := Default()

	// Parse values from TOML file into struct.
	_, err := toml.DecodeFile(configFile, conf)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read in TOML config file at '%s'", configFile)
	}

	base, err := filepath.Abs(filepath.Dir(configFile))
	if err != nil {
		return nil, errors.Wrap(err, "could not get absolute path of config directory")
	}

	resolve := func(path *string) {
		if *path != "" && !filepath.IsAbs(*path) {
			*path = filepath.Join(base, *path)
		}
	}

	resolve(&conf.Relay.CertLoc)
	resolve(&conf.Relay.KeyLoc)
	resolve(&conf.Client.RootCertLoc)
	resolve(&conf.Storage.BoltPath)
	resolve(&conf.Storage.SQLitePath)

	if conf.Relay.AuthFile != nil {
		resolve(&conf.Relay.AuthFile.File)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}

	return conf, nil
}

// validate rejects combinations the relay or
// client could not start with.
func (c *Config) validate() error {

	switch c.Relay.AuthAdapter {
	case "AuthFile":
		if c.Relay.AuthFile == nil || c.Relay.AuthFile.File == "" {
			return errors.New("auth adapter AuthFile needs an [Relay.AuthFile] section with a file")
		}
	case "AuthJWT":
		if c.Relay.AuthJWT == nil {
			c.Relay.AuthJWT = &AuthJWT{}
		}
	case "AuthPostgres":
		if c.Relay.AuthPostgres == nil {
			return errors.New("auth adapter AuthPostgres needs an [Relay.AuthPostgres] section")
		}
	default:
		return errors.Errorf("unknown auth adapter '%s'", c.Relay.AuthAdapter)
	}

	switch c.Storage.Adapter {
	case "memory":
	case "bolt":
		if c.Storage.BoltPath == "" {
			return errors.New("storage adapter bolt needs BoltPath")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return errors.New("storage adapter sqlite needs SQLitePath")
		}
	default:
		return errors.Errorf("unknown storage adapter '%s'", c.Storage.Adapter)
	}

	if c.Relay.SnapshotEvery <= 0 {
		return errors.New("SnapshotEvery has to be positive")
	}

	if c.Presence.IdleAfter.Duration > c.Presence.TTL.Duration {
		return errors.New("presence IdleAfter must not exceed TTL")
	}

	return nil
}
