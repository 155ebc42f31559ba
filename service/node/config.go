package node

import (
	"fmt"
	"time"

	"github.com/juju/loggo"

	"github.com/ironpeak/tinybit/internal/dandelion"
	"github.com/ironpeak/tinybit/internal/mempool"
)

// TransportPreference selects which transport(s) the Manager dials and
// listens on.
type TransportPreference int

const (
	TcpOnly TransportPreference = iota
	OverlayOnly
	Hybrid
)

// Config is everything the CLI layer supplies to build a running node.
type Config struct {
	DataDir             string
	ListenAddr          string
	MaxPeers            int
	PerIPLimit          int
	TransportPreference TransportPreference
	FluffProbability    float64
	StemTimeoutMs       uint64
	MaxStemHops         int
	MempoolMaxBytes     int64
	MempoolTTLSec       uint64
	BanDurationSec      uint64
	StorageSizeCeiling  uint64
	BlockSanity         bool
	LogLevel            string
}

const defaultPerIPLimit = 3

// DefaultConfig returns usable defaults for everything but DataDir and
// ListenAddr, which callers must still fill in.
func DefaultConfig() *Config {
	return &Config{
		MaxPeers:            125,
		PerIPLimit:          defaultPerIPLimit,
		TransportPreference: Hybrid,
		FluffProbability:    0.1,
		StemTimeoutMs:       10_000,
		MaxStemHops:         10,
		MempoolMaxBytes:     300 * 1024 * 1024,
		MempoolTTLSec:       14 * 24 * 60 * 60,
		BanDurationSec:      24 * 60 * 60,
		StorageSizeCeiling:  0,
		LogLevel:            "info",
	}
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.MaxPeers <= 0 {
		return fmt.Errorf("max_peers must be positive")
	}
	if c.PerIPLimit <= 0 {
		return fmt.Errorf("per_ip_limit must be positive")
	}
	if err := dandelion.ValidateProbability(c.FluffProbability); err != nil {
		return err
	}
	return nil
}

func (c *Config) mempoolConfig() mempool.Config {
	return mempool.Config{
		MaxBytes: c.MempoolMaxBytes,
		TTL:      time.Duration(c.MempoolTTLSec) * time.Second,
	}
}

func (c *Config) dandelionConfig() dandelion.Config {
	cfg := dandelion.DefaultConfig()
	cfg.FluffProbability = c.FluffProbability
	cfg.StemTimeout = time.Duration(c.StemTimeoutMs) * time.Millisecond
	cfg.MaxStemHops = c.MaxStemHops
	return cfg
}

func (c *Config) banDuration() time.Duration {
	return time.Duration(c.BanDurationSec) * time.Second
}

var log = loggo.GetLogger("node")
