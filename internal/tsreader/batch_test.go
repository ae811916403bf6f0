package tsreader

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/GoAScope/internal/iwrf"
)

func TestBuildBatchesPadsToMaxGates(t *testing.T) {
	hq := []iwrf.Pulse{
		makePulse(1, true, 50, 1),
		makePulse(2, true, 100, 1),
		makePulse(3, true, 75, 1),
	}
	batches := buildBatches(ModeHOnly, hq, nil, 3, NewBufferPool(8))
	require.Len(t, batches, 1)

	b := batches[0]
	assert.Equal(t, OutChannel0, b.ChannelID)
	assert.Equal(t, 100, b.Gates)
	require.Len(t, b.IQ, 3)
	for i, p := range hq {
		require.Len(t, b.IQ[i], 100)
		if diff := cmp.Diff(p.IQ[0], b.IQ[i][:p.Gates]); diff != "" {
			t.Fatalf("pulse %d not left aligned (-want +got):\n%s", i, diff)
		}
		for g := p.Gates; g < 100; g++ {
			assert.Zero(t, b.IQ[i][g], "pulse %d gate %d", i, g)
		}
	}
}

func TestBuildBatchesUsesFirstNPulses(t *testing.T) {
	hq := []iwrf.Pulse{makePulse(1, true, 4, 1), makePulse(2, true, 4, 1), makePulse(3, true, 40, 1)}
	batches := buildBatches(ModeHOnly, hq, nil, 2, NewBufferPool(0))
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].IQ, 2)
	assert.Equal(t, 4, batches[0].Gates)
}

func TestBuildBatchesHOnlyMapping(t *testing.T) {
	hq := []iwrf.Pulse{makePulse(1, true, 8, 2), makePulse(2, true, 8, 2)}
	hq[0].Burst = []complex64{1, 2, 3}
	hq[1].Burst = []complex64{4, 5, 6, 7, 8}
	hq[0].SampleRateHz = 1250

	batches := buildBatches(ModeHOnly, hq, nil, 2, NewBufferPool(0))
	require.Len(t, batches, 3)
	got := map[int]Batch{}
	for _, b := range batches {
		got[b.ChannelID] = b
		assert.Equal(t, 1250.0, b.SampleRateHz)
		assert.Equal(t, ModeHOnly, b.Mode)
	}
	assert.Equal(t, sample(2, 0, 5), got[OutChannel0].IQ[1][5])
	assert.Equal(t, sample(1, 1, 7), got[OutChannel1].IQ[0][7])

	burst := got[OutChannel2]
	assert.Equal(t, 5, burst.Gates)
	assert.Equal(t, []complex64{1, 2, 3, 0, 0}, burst.IQ[0])
	assert.Equal(t, []complex64{4, 5, 6, 7, 8}, burst.IQ[1])
	_, has3 := got[OutChannel3]
	assert.False(t, has3)
}

func TestBuildBatchesVOnlyBurstOnChannel3(t *testing.T) {
	vq := []iwrf.Pulse{makePulse(1, false, 8, 1)}
	vq[0].Burst = []complex64{9}
	batches := buildBatches(ModeVOnly, nil, vq, 1, NewBufferPool(0))

	ids := []int{}
	for _, b := range batches {
		ids = append(ids, b.ChannelID)
	}
	assert.Equal(t, []int{OutChannel0, OutChannel3}, ids)
}

func TestBuildBatchesAlternatingMapping(t *testing.T) {
	var hq, vq []iwrf.Pulse
	for i := 0; i < 4; i++ {
		hq = append(hq, makePulse(int64(2*i), true, 6, 2))
		vq = append(vq, makePulse(int64(2*i+1), false, 10, 2))
	}
	vq[0].SampleRateHz = 500

	batches := buildBatches(ModeAlternating, hq, vq, 4, NewBufferPool(0))
	require.Len(t, batches, 4)
	got := map[int]Batch{}
	for _, b := range batches {
		got[b.ChannelID] = b
		assert.Equal(t, 10, b.Gates)
	}

	// out0 = H raw0, out1 = V raw0, out2 = V raw1, out3 = H raw1
	assert.Equal(t, sample(0, 0, 3), got[OutChannel0].IQ[0][3])
	assert.Equal(t, sample(1, 0, 3), got[OutChannel1].IQ[0][3])
	assert.Equal(t, sample(3, 1, 9), got[OutChannel2].IQ[1][9])
	assert.Equal(t, sample(6, 1, 2), got[OutChannel3].IQ[3][2])
	assert.Zero(t, got[OutChannel3].IQ[3][8], "H pulses are padded to the V gate count")

	assert.Equal(t, 1000.0, got[OutChannel0].SampleRateHz)
	assert.Equal(t, 500.0, got[OutChannel1].SampleRateHz)
}

func TestBuildBatchesSkipsIncompleteCells(t *testing.T) {
	hq := []iwrf.Pulse{makePulse(1, true, 8, 2), makePulse(2, true, 8, 1)}
	hq[0].Burst = []complex64{1}
	batches := buildBatches(ModeHOnly, hq, nil, 2, NewBufferPool(0))
	require.Len(t, batches, 1)
	assert.Equal(t, OutChannel0, batches[0].ChannelID)
}

func TestBuildBatchesNotReady(t *testing.T) {
	assert.Nil(t, buildBatches(ModeNotReady, []iwrf.Pulse{makePulse(1, true, 1, 1)}, nil, 1, NewBufferPool(0)))
}
