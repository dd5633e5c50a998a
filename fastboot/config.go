package fastboot

import (
	"fmt"

	"github.com/ardnew/fastbootd/pkg"
)

// Default protocol limits.
const (
	// DefaultMaxDownloadSize bounds the download and upload buffers (256 MiB).
	DefaultMaxDownloadSize int64 = 0x10000000

	// DefaultMaxCommandLength bounds one command record.
	DefaultMaxCommandLength = 4096

	// DefaultChunkSize is the transport granularity of raw data phases.
	DefaultChunkSize = 64 * 1024

	// DefaultMaxResponseLength bounds one response record, prefix included.
	DefaultMaxResponseLength = 256

	// MaxTransferSize is the largest size a DATA record can announce.
	MaxTransferSize int64 = 0xFFFFFFFF
)

// Config holds the per-session protocol limits.
type Config struct {
	// MaxDownloadSize is the largest transfer a host may declare, in bytes.
	MaxDownloadSize int64

	// MaxCommandLength is the largest accepted command record, in bytes.
	MaxCommandLength int

	// ChunkSize is the largest single Read or Write issued during a data phase.
	ChunkSize int

	// MaxResponseLength is the wire length cap of one response record,
	// including the 4-byte prefix.
	MaxResponseLength int
}

// DefaultConfig returns the default protocol limits.
func DefaultConfig() Config {
	return Config{
		MaxDownloadSize:   DefaultMaxDownloadSize,
		MaxCommandLength:  DefaultMaxCommandLength,
		ChunkSize:         DefaultChunkSize,
		MaxResponseLength: DefaultMaxResponseLength,
	}
}

// Validate reports whether the limits can run a session.
func (c Config) Validate() error {
	switch {
	case c.MaxDownloadSize <= 0 || c.MaxDownloadSize > MaxTransferSize:
		return fmt.Errorf("%w: max download size %d", pkg.ErrInvalidParameter, c.MaxDownloadSize)
	case c.MaxCommandLength <= 0:
		return fmt.Errorf("%w: max command length %d", pkg.ErrInvalidParameter, c.MaxCommandLength)
	case c.ChunkSize <= 0:
		return fmt.Errorf("%w: chunk size %d", pkg.ErrInvalidParameter, c.ChunkSize)
	case c.MaxResponseLength < DataRecordSize:
		return fmt.Errorf("%w: max response length %d below %d", pkg.ErrInvalidParameter,
			c.MaxResponseLength, DataRecordSize)
	}
	return nil
}

// Option is a functional option for configuring a Session or Server.
type Option func(*Config)

// WithConfig replaces all limits at once.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		*c = cfg
	}
}

// WithMaxDownloadSize sets the largest transfer a host may declare.
//
// Example:
//
//	s, err := fastboot.NewSession(conn, table, fastboot.WithMaxDownloadSize(64<<20))
func WithMaxDownloadSize(size int64) Option {
	return func(c *Config) {
		c.MaxDownloadSize = size
	}
}

// WithMaxCommandLength sets the largest accepted command record.
func WithMaxCommandLength(length int) Option {
	return func(c *Config) {
		c.MaxCommandLength = length
	}
}

// WithChunkSize sets the data phase I/O granularity.
func WithChunkSize(size int) Option {
	return func(c *Config) {
		c.ChunkSize = size
	}
}

// WithMaxResponseLength sets the wire length cap of response records.
func WithMaxResponseLength(length int) Option {
	return func(c *Config) {
		c.MaxResponseLength = length
	}
}

// NewConfig applies opts to the default limits and validates the result.
func NewConfig(opts ...Option) (Config, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
