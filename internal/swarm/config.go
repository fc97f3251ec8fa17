package swarm

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const (
	DefaultCacheSize   = 64
	DefaultCacheTTL    = 2 * time.Minute
	DefaultPeerTimeout = 4 * time.Second
	DefaultOfferCount  = 5

	// degradedAfter is the number of consecutive origin fallbacks that mark a
	// membership degraded.
	degradedAfter = 3
)

// Config is the static P2P configuration, loaded once at startup.
type Config struct {
	IsP2PEnabled   bool     `json:"isP2PEnabled"`
	STUNServerURLs []string `json:"stunServersUrls"`
	TrackerURLs    []string `json:"webTorrentServerTrackerUrls"`

	CacheSize   int           `json:"cacheSize,omitempty"`
	CacheTTL    time.Duration `json:"-"`
	PeerTimeout time.Duration `json:"-"`
	OfferCount  int           `json:"offerCount,omitempty"`
}

// fileConfig mirrors Config with durations in milliseconds.
type fileConfig struct {
	Config
	CacheTTLMs    int64 `json:"cacheTtlMs,omitempty"`
	PeerTimeoutMs int64 `json:"peerTimeoutMs,omitempty"`
}

// LoadConfig reads a JSON P2P configuration file.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read p2p config: %w", err)
	}
	var fc fileConfig
	if err := json.Unmarshal(b, &fc); err != nil {
		return Config{}, fmt.Errorf("parse p2p config %s: %w", path, err)
	}
	cfg := fc.Config
	cfg.CacheTTL = time.Duration(fc.CacheTTLMs) * time.Millisecond
	cfg.PeerTimeout = time.Duration(fc.PeerTimeoutMs) * time.Millisecond
	return cfg.withDefaults(), nil
}

func (c Config) withDefaults() Config {
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = DefaultPeerTimeout
	}
	if c.OfferCount <= 0 {
		c.OfferCount = DefaultOfferCount
	}
	return c
}
