package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCallTagStable(t *testing.T) {
	a := CallTag("call-123")
	b := CallTag("call-123")
	assert.Equal(t, a, b)
	assert.Len(t, a, 8)
	assert.NotEqual(t, a, CallTag("call-124"))
	assert.Equal(t, "--------", CallTag(""))
}

func TestFormatBytesFixedWidth(t *testing.T) {
	for _, b := range []float64{0, 99, 100, 1536, 99 * 1024, 5 << 30} {
		assert.Len(t, formatBytes(b), 8, "value %v", b)
	}
	assert.Equal(t, " 1.5 KiB", formatBytes(1536))
}

func TestStatsCounters(t *testing.T) {
	Stats.Reset()
	Stats.AddSent(10)
	Stats.AddSent(5)
	Stats.AddRecv(7)
	Stats.AddDecodeError()

	assert.EqualValues(t, 2, Stats.PacketsSent.Load())
	assert.EqualValues(t, 15, Stats.BytesSent.Load())
	assert.EqualValues(t, 1, Stats.PacketsRecv.Load())
	assert.EqualValues(t, 7, Stats.BytesRecv.Load())
	assert.EqualValues(t, 1, Stats.DecodeErrors.Load())

	Stats.Reset()
	assert.Zero(t, Stats.BytesSent.Load())
}
