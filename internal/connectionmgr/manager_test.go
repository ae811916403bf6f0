package connectionmgr

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/cenkalti/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoAScope/internal/logging"
	"github.com/rjboer/GoAScope/internal/testutil"
)

type dialScript struct {
	dials int
	errs  []error
	conns []net.Conn
}

func (s *dialScript) dialer() *netstub.FuncDialer {
	return &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			i := s.dials
			s.dials++
			if i < len(s.errs) && s.errs[i] != nil {
				return nil, s.errs[i]
			}
			if i < len(s.conns) {
				return s.conns[i], nil
			}
			return testutil.NewScriptConn(), nil
		},
	}
}

func newTestManager(script *dialScript) (*Manager, *testutil.ManualClock, *logging.Recorder) {
	rec := logging.NewRecorder()
	clock := testutil.NewManualClock()
	m := New("radar:10000", rec)
	m.Dialer = script.dialer()
	m.TimeNow = clock.Now
	return m, clock, rec
}

func TestEnsureConnectedNoopWhenConnected(t *testing.T) {
	script := &dialScript{}
	m, _, _ := newTestManager(script)

	require.True(t, m.EnsureConnected(context.Background()))
	require.True(t, m.EnsureConnected(context.Background()))
	assert.Equal(t, 1, script.dials)
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, uint64(1), m.Generation())
}

func TestEnsureConnectedRetryFloor(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	script := &dialScript{errs: []error{refused, refused, nil}}
	m, clock, rec := newTestManager(script)
	ctx := context.Background()

	assert.False(t, m.EnsureConnected(ctx))
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 1, script.dials)

	// Within the interval: no new attempt.
	clock.Advance(999 * time.Millisecond)
	assert.False(t, m.EnsureConnected(ctx))
	assert.Equal(t, 1, script.dials)

	clock.Advance(time.Millisecond)
	assert.False(t, m.EnsureConnected(ctx))
	assert.Equal(t, 2, script.dials)

	clock.Advance(time.Second)
	assert.True(t, m.EnsureConnected(ctx))
	assert.Equal(t, 3, script.dials)

	st := m.Stats()
	assert.Equal(t, uint64(3), st.Attempts)
	assert.Equal(t, uint64(2), st.Failures)
	assert.Equal(t, uint64(1), st.Connects)

	assert.Equal(t, 2, rec.Count(logging.Warn, "connect failed"))
	for _, e := range rec.Entries() {
		if e.Msg == "connect failed" {
			class, ok := e.Field("errClass")
			assert.True(t, ok)
			assert.NotEmpty(t, class)
		}
	}
}

func TestRetryPolicyBelowFloorIsRaised(t *testing.T) {
	script := &dialScript{errs: []error{errors.New("refused"), errors.New("refused")}}
	m, clock, _ := newTestManager(script)
	m.SetRetryPolicy(backoff.NewConstantBackOff(10 * time.Millisecond))
	ctx := context.Background()

	m.EnsureConnected(ctx)
	clock.Advance(500 * time.Millisecond)
	m.EnsureConnected(ctx)
	assert.Equal(t, 1, script.dials)

	clock.Advance(500 * time.Millisecond)
	m.EnsureConnected(ctx)
	assert.Equal(t, 2, script.dials)
}

func TestRetryPolicyLongerIntervalHonoured(t *testing.T) {
	script := &dialScript{errs: []error{errors.New("refused")}}
	m, clock, _ := newTestManager(script)
	m.SetRetryPolicy(backoff.NewConstantBackOff(3 * time.Second))
	ctx := context.Background()

	m.EnsureConnected(ctx)
	clock.Advance(2 * time.Second)
	m.EnsureConnected(ctx)
	assert.Equal(t, 1, script.dials)
	clock.Advance(time.Second)
	assert.True(t, m.EnsureConnected(ctx))
	assert.Equal(t, 2, script.dials)
}

func TestDisconnectClosesAndAllowsReconnect(t *testing.T) {
	first := testutil.NewScriptConn()
	script := &dialScript{conns: []net.Conn{first}}
	m, clock, rec := newTestManager(script)
	ctx := context.Background()

	require.True(t, m.EnsureConnected(ctx))
	m.Disconnect(errors.New("read failed"))
	assert.True(t, first.Closed())
	assert.Equal(t, StateDisconnected, m.State())
	assert.Nil(t, m.Conn())
	assert.Equal(t, 1, rec.Count(logging.Warn, "disconnected"))

	clock.Advance(MinRetryInterval)
	require.True(t, m.EnsureConnected(ctx))
	assert.Equal(t, 2, script.dials)
	assert.Equal(t, uint64(2), m.Generation())
	assert.Equal(t, uint64(1), m.Stats().Disconnects)
}

func TestDialUsesConnectTimeout(t *testing.T) {
	var deadline time.Time
	m := New("radar:10000", nil)
	m.Dialer = &netstub.FuncDialer{
		DialContextFunc: func(ctx context.Context, network, address string) (net.Conn, error) {
			deadline, _ = ctx.Deadline()
			return nil, context.DeadlineExceeded
		},
	}
	start := time.Now()
	assert.False(t, m.EnsureConnected(context.Background()))
	require.False(t, deadline.IsZero())
	assert.WithinDuration(t, start.Add(DefaultConnectTimeout), deadline, 250*time.Millisecond)
}

func TestSetConnAndClose(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	m := New("pipe", nil)
	m.SetConn(a)
	assert.Equal(t, StateConnected, m.State())
	assert.True(t, m.EnsureConnected(context.Background()))

	require.NoError(t, m.Close())
	assert.Equal(t, StateDisconnected, m.State())
	_, err := a.Write([]byte{1})
	assert.Error(t, err)
}
