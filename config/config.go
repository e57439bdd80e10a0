// Package config reads the TOML configuration of lotteryd.
package config

import (
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dedis/ledgerlot/beacon"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// Duration is a time.Duration written as "2s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Beacon configures the randomness beacon.
type Beacon struct {
	Nodes         int
	Threshold     int
	Interval      Duration
	Confirmations uint64
	// Secret is an optional hex scalar fixing the group key.
	Secret string
}

// Minter configures the ticket minter.
type Minter struct {
	// Seed is an optional hex private scalar of the minter key.
	Seed string
}

// Account is a bank account opened on the first start of the daemon.
type Account struct {
	Owner   string
	Balance uint64
}

// Config is the content of lotteryd.toml.
type Config struct {
	DBPath       string
	Listen       string
	SlotDuration Duration
	// Epoch is the start of slot 0. Zero means the time of the first start,
	// kept in the database.
	Epoch    time.Time
	Beacon   Beacon
	Minter   Minter
	Accounts []Account
}

// Default returns a configuration with every default applied.
func Default() *Config {
	c := &Config{}
	c.SetDefaults()
	return c
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	c := &Config{}
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return nil, xerrors.Errorf("couldn't decode %s: %v", path, err)
	}
	return finish(c, md)
}

// Parse reads and validates a configuration from a string.
func Parse(data string) (*Config, error) {
	c := &Config{}
	md, err := toml.Decode(data, c)
	if err != nil {
		return nil, xerrors.Errorf("couldn't decode configuration: %v", err)
	}
	return finish(c, md)
}

func finish(c *Config, md toml.MetaData) (*Config, error) {
	for _, k := range md.Undecoded() {
		log.Warn("unknown configuration key", k.String())
	}
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// SetDefaults fills the zero fields.
func (c *Config) SetDefaults() {
	if c.DBPath == "" {
		c.DBPath = "lottery.db"
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.SlotDuration.Duration == 0 {
		c.SlotDuration.Duration = time.Second
	}
	if c.Beacon.Nodes == 0 {
		c.Beacon.Nodes = 5
	}
	if c.Beacon.Threshold == 0 {
		c.Beacon.Threshold = beacon.DefaultThreshold(c.Beacon.Nodes)
	}
	if c.Beacon.Interval.Duration == 0 {
		c.Beacon.Interval.Duration = 2 * time.Second
	}
	if c.Beacon.Confirmations == 0 {
		c.Beacon.Confirmations = 2
	}
}

// Validate rejects inconsistent values.
func (c *Config) Validate() error {
	if c.SlotDuration.Duration < 0 {
		return xerrors.New("slot duration must be positive")
	}
	if c.Beacon.Nodes < 1 {
		return xerrors.Errorf("beacon needs at least one node, got %d", c.Beacon.Nodes)
	}
	if c.Beacon.Threshold < 1 || c.Beacon.Threshold > c.Beacon.Nodes {
		return xerrors.Errorf("threshold %d out of range for %d nodes",
			c.Beacon.Threshold, c.Beacon.Nodes)
	}
	if c.Beacon.Interval.Duration < 0 {
		return xerrors.New("beacon interval must be positive")
	}
	for _, a := range c.Accounts {
		if a.Owner == "" {
			return xerrors.New("account without owner")
		}
	}
	return nil
}
