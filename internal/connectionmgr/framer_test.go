package connectionmgr

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoAScope/internal/iwrf"
	"github.com/rjboer/GoAScope/internal/testutil"
)

func newTestFramer(conn *testutil.ScriptConn) *Framer {
	f := NewFramer()
	f.Reset(conn)
	return f
}

func pulsePacket(t *testing.T, seq int64, gates int) []byte {
	t.Helper()
	ch := make([]complex64, gates)
	for i := range ch {
		ch[i] = complex(float32(i), float32(-i))
	}
	b, err := iwrf.EncodePulse(iwrf.PulseHeader{SeqNum: seq, HVFlag: 1}, [][]complex64{ch})
	require.NoError(t, err)
	return b
}

func TestFramerEmptyStreamIsTimeout(t *testing.T) {
	f := newTestFramer(testutil.NewScriptConn())
	_, err := f.ReadPacket()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, uint64(1), f.Stats().Timeouts)
}

func TestFramerReadsBackToBackPackets(t *testing.T) {
	stream := testutil.Concat(iwrf.EncodeSync(), pulsePacket(t, 1, 10), iwrf.EncodeProcessing(iwrf.Processing{PrtSec: 0.001}))
	f := newTestFramer(testutil.NewScriptConn(stream))

	want := []int32{iwrf.IDSync, iwrf.IDPulseHeader, iwrf.IDProcessing}
	for _, id := range want {
		pkt, err := f.ReadPacket()
		require.NoError(t, err)
		assert.Equal(t, id, pkt.ID)
		assert.Equal(t, int(pkt.Length), len(pkt.Payload))
	}
	_, err := f.ReadPacket()
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, uint64(3), f.Stats().Packets)
	assert.Equal(t, uint64(len(stream)), f.Stats().Bytes)
}

func TestFramerPartialHeaderKeptBuffered(t *testing.T) {
	pkt := pulsePacket(t, 7, 16)
	conn := testutil.NewScriptConn(pkt[:5])
	f := newTestFramer(conn)

	_, err := f.ReadPacket()
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 5, f.Buffered())

	conn.Feed(pkt[5:])
	got, err := f.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, pkt, got.Payload)
}

func TestFramerPartialBodyConsumesNothing(t *testing.T) {
	pkt := pulsePacket(t, 8, 64)
	conn := testutil.NewScriptConn(pkt[:100])
	f := newTestFramer(conn)

	_, err := f.ReadPacket()
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 100, f.Buffered())
	assert.False(t, conn.Closed())

	conn.Feed(pkt[100:], iwrf.EncodeSync())
	got, err := f.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, pkt, got.Payload)

	got, err = f.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, iwrf.IDSync, got.ID)
}

func TestFramerDesyncClosesTransport(t *testing.T) {
	garbage := iwrf.EncodeRaw(0x12345678, make([]byte, 8))
	conn := testutil.NewScriptConn(testutil.Concat(garbage, iwrf.EncodeSync()))
	f := newTestFramer(conn)

	_, err := f.ReadPacket()
	var de *DesyncError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, int32(0x12345678), de.Header.ID)
	assert.True(t, conn.Closed())
	assert.Equal(t, uint64(1), f.Stats().Desyncs)

	// No byte scanning: the framer stays detached until Reset.
	_, err = f.ReadPacket()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestFramerBadLengthForKnownID(t *testing.T) {
	bad := iwrf.EncodeSync()
	bad[4] = 20 // sync must be exactly 16 bytes
	conn := testutil.NewScriptConn(bad)
	f := newTestFramer(conn)

	_, err := f.ReadPacket()
	var de *DesyncError
	require.True(t, errors.As(err, &de))
	assert.True(t, conn.Closed())
}

func TestFramerReadErrorIsNotTimeout(t *testing.T) {
	conn := testutil.NewScriptConn()
	conn.SetEOF()
	f := newTestFramer(conn)

	_, err := f.ReadPacket()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, io.EOF)
}

func TestFramerSkippableUnknownID(t *testing.T) {
	unknown := iwrf.EncodeRaw(0x77770042, []byte{1, 2, 3, 4})
	f := newTestFramer(testutil.NewScriptConn(unknown))

	pkt, err := f.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, iwrf.KindUnknown, pkt.Kind())
	assert.Len(t, pkt.Payload, 12)
}

func TestFramerResetDropsBufferedBytes(t *testing.T) {
	pkt := pulsePacket(t, 1, 4)
	f := newTestFramer(testutil.NewScriptConn(pkt[:3]))
	_, err := f.ReadPacket()
	require.ErrorIs(t, err, ErrTimeout)

	f.Reset(testutil.NewScriptConn(iwrf.EncodeSync()))
	assert.Zero(t, f.Buffered())
	got, err := f.ReadPacket()
	require.NoError(t, err)
	assert.Equal(t, iwrf.IDSync, got.ID)
}
