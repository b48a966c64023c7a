package format

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBytes(t *testing.T) {
	tests := []struct {
		in   uint64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{1048576, "1.00 MB"},
		{3 * 1024 * 1024 * 1024, "3.00 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Bytes(tt.in))
	}
}

func TestSpeed(t *testing.T) {
	assert.Equal(t, "0 B/s", Speed(0))
	assert.Equal(t, "0 B/s", Speed(-5))
	assert.Equal(t, "1.00 MB/s", Speed(1048576))
}

func TestDuration(t *testing.T) {
	assert.Equal(t, "500ms", Duration(500*time.Millisecond))
	assert.Equal(t, "45s", Duration(45*time.Second))
	assert.Equal(t, "2m5s", Duration(125*time.Second))
	assert.Equal(t, "1h1m5s", Duration(3665*time.Second))
}

func TestLatency(t *testing.T) {
	assert.Equal(t, "0ms", Latency(0))
	assert.Equal(t, "250µs", Latency(250*time.Microsecond))
	assert.Equal(t, "42ms", Latency(42*time.Millisecond))
	assert.Equal(t, "1.50s", Latency(1500*time.Millisecond))
}
