package tsreader

import (
	"errors"
	"time"

	"github.com/rjboer/GoAScope/internal/connectionmgr"
)

// Defaults applied by New for zero Config fields.
const (
	DefaultBlockSize         = 64
	DefaultMaxPacketsPerPoll = 4096
	DefaultHighWater         = 64
	DefaultPoolSize          = 1024
)

// Config is everything a Reader needs, passed by value at construction.
type Config struct {
	// Endpoint is the server address, host:port.
	Endpoint string
	// Network defaults to "tcp".
	Network string

	// BlockSize supplies N, the pulses per batch. It is called once per
	// Poll. Nil or non-positive results fall back to DefaultBlockSize.
	BlockSize func() int

	// DebugLevel 2 enables per-packet trace logging.
	DebugLevel int

	// Simultaneous queues every pulse in one combined queue; raw channel 0
	// is H and raw channel 1 is V.
	Simultaneous bool
	// FollowTransmitMode switches to the combined queue while the latest
	// processing packet reports a simultaneous H/V transmit mode.
	FollowTransmitMode bool

	// FilterRadarID drops pulses whose radar id differs from RadarID.
	FilterRadarID bool
	RadarID       int32

	MaxPacketsPerPoll int
	HighWater         int
	PoolSize          int

	ConnectTimeout time.Duration
	PeekWait       time.Duration
	ReadTimeout    time.Duration

	// Dialer overrides the plain TCP dialer (SSH tunnel, capture replay).
	Dialer connectionmgr.Dialer
	// TimeNow overrides the clock used for the retry interval.
	TimeNow func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Network == "" {
		c.Network = "tcp"
	}
	if c.MaxPacketsPerPoll <= 0 {
		c.MaxPacketsPerPoll = DefaultMaxPacketsPerPoll
	}
	if c.HighWater == 0 {
		c.HighWater = DefaultHighWater
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = connectionmgr.DefaultConnectTimeout
	}
	if c.PeekWait <= 0 {
		c.PeekWait = connectionmgr.DefaultPeekWait
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = connectionmgr.DefaultReadTimeout
	}
	if c.TimeNow == nil {
		c.TimeNow = time.Now
	}
	return c
}

func (c Config) validate() error {
	if c.Endpoint == "" {
		return errors.New("tsreader: endpoint is required")
	}
	return nil
}

// FixedBlockSize returns a BlockSize provider that always yields n.
func FixedBlockSize(n int) func() int {
	return func() int { return n }
}
