// Package connectionmgr owns the transport to the time-series server: the
// connection state machine with its retry floor, and the packet framer that
// reads IWRF packets from the connected stream.
package connectionmgr

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/bassosimone/safeconn"
	"github.com/cenkalti/backoff"

	"github.com/rjboer/GoAScope/internal/logging"
)

// State is the connection lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// MinRetryInterval is the floor between two connection attempts.
const MinRetryInterval = time.Second

// DefaultConnectTimeout bounds a single dial.
const DefaultConnectTimeout = 500 * time.Millisecond

// Dialer opens the transport. *net.Dialer, SSHDialer and the replay dialer
// all satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Stats counts connection attempts. Diagnostic only.
type Stats struct {
	Attempts    uint64
	Connects    uint64
	Failures    uint64
	Disconnects uint64
}

type Manager struct {
	Address        string
	Network        string
	ConnectTimeout time.Duration
	Dialer         Dialer
	Logger         logging.Logger

	// TimeNow is swapped by tests to step through retry intervals.
	TimeNow func() time.Time

	retry       backoff.BackOff
	state       State
	conn        net.Conn
	attempted   bool
	lastAttempt time.Time
	generation  uint64
	stats       Stats
}

// ---------- Construction / lifecycle ----------

func New(addr string, logger logging.Logger) *Manager {
	return &Manager{
		Address:        addr,
		Network:        "tcp",
		ConnectTimeout: DefaultConnectTimeout,
		Dialer:         &net.Dialer{},
		Logger:         logging.OrDefault(logger).With(logging.Field{Key: "subsystem", Value: "connectionmgr"}),
		TimeNow:        time.Now,
		retry:          backoff.NewConstantBackOff(MinRetryInterval),
	}
}

// SetRetryPolicy replaces the retry schedule. Intervals shorter than
// MinRetryInterval are raised to it.
func (m *Manager) SetRetryPolicy(b backoff.BackOff) {
	if b == nil {
		b = backoff.NewConstantBackOff(MinRetryInterval)
	}
	m.retry = b
}

// State reports the current lifecycle state.
func (m *Manager) State() State { return m.state }

// Conn returns the open transport, or nil when not connected.
func (m *Manager) Conn() net.Conn { return m.conn }

// Generation increases by one on every successful connect. Consumers compare
// it to notice that the stream restarted.
func (m *Manager) Generation() uint64 { return m.generation }

// Stats returns a copy of the attempt counters.
func (m *Manager) Stats() Stats { return m.stats }

// EnsureConnected is a no-op while connected. Otherwise it dials at most once
// per retry interval and reports whether the manager is connected on return.
// A failed dial is logged and not retried within the same call.
func (m *Manager) EnsureConnected(ctx context.Context) bool {
	if m.state == StateConnected && m.conn != nil {
		return true
	}
	now := m.TimeNow()
	if m.attempted && now.Sub(m.lastAttempt) < m.nextInterval() {
		return false
	}
	m.attempted = true
	m.lastAttempt = now
	m.stats.Attempts++
	m.state = StateConnecting

	dialCtx := ctx
	if m.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, m.ConnectTimeout)
		defer cancel()
	}
	conn, err := m.Dialer.DialContext(dialCtx, m.Network, m.Address)
	if err != nil {
		m.state = StateDisconnected
		m.stats.Failures++
		m.Logger.Warn("connect failed",
			logging.Field{Key: "addr", Value: m.Address},
			logging.Field{Key: "err", Value: err},
			logging.Field{Key: "errClass", Value: classify(err)},
			logging.Field{Key: "attempt", Value: m.stats.Attempts})
		return false
	}

	m.conn = conn
	m.state = StateConnected
	m.generation++
	m.stats.Connects++
	m.retry.Reset()
	m.Logger.Info("connected",
		logging.Field{Key: "addr", Value: m.Address},
		logging.Field{Key: "localAddr", Value: safeconn.LocalAddr(conn)},
		logging.Field{Key: "remoteAddr", Value: safeconn.RemoteAddr(conn)},
		logging.Field{Key: "generation", Value: m.generation})
	return true
}

func classify(err error) string {
	if err == nil {
		return ""
	}
	return errclass.New(err)
}

func (m *Manager) nextInterval() time.Duration {
	d := m.retry.NextBackOff()
	if d == backoff.Stop || d < MinRetryInterval {
		return MinRetryInterval
	}
	return d
}

// Disconnect closes the transport after a read failure or desync and returns
// to Disconnected. The next EnsureConnected starts a new attempt, subject to
// the retry interval measured from the last attempt.
func (m *Manager) Disconnect(reason error) {
	if m.conn == nil {
		m.state = StateDisconnected
		return
	}
	_ = m.conn.Close()
	m.conn = nil
	m.state = StateDisconnected
	m.stats.Disconnects++
	m.Logger.Warn("disconnected",
		logging.Field{Key: "addr", Value: m.Address},
		logging.Field{Key: "err", Value: reason},
		logging.Field{Key: "errClass", Value: classify(reason)})
}

// SetConn installs an already open transport (tests, pre-built tunnels).
func (m *Manager) SetConn(conn net.Conn) {
	if m.conn != nil && m.conn != conn {
		_ = m.conn.Close()
	}
	m.conn = conn
	if conn == nil {
		m.state = StateDisconnected
		return
	}
	m.state = StateConnected
	m.generation++
	m.stats.Connects++
}

// Close shuts the transport synchronously.
func (m *Manager) Close() error {
	m.state = StateDisconnected
	if m.conn == nil {
		return nil
	}
	err := m.conn.Close()
	m.conn = nil
	if err != nil {
		return fmt.Errorf("close %s: %w", m.Address, err)
	}
	return nil
}
