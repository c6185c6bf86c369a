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
		{1536, "1.5 KB"},
		{5 * 1024 * 1024, "5.0 MB"},
		{3 * 1024 * 1024 * 1024, "3.0 GB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Bytes(tt.in), "Bytes(%d)", tt.in)
	}
}

func TestCount(t *testing.T) {
	assert.Equal(t, "0", Count(0))
	assert.Equal(t, "999", Count(999))
	assert.Equal(t, "1,234,567", Count(1234567))
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, "0%", Percentage(3, 0))
	assert.Equal(t, "12.5%", Percentage(1, 8))
	assert.Equal(t, "100.0%", Percentage(4, 4))
}

func TestRate(t *testing.T) {
	assert.Equal(t, "24.0/s", Rate(120, 5*time.Second))
	assert.Equal(t, "0.0/s", Rate(10, 0))
}

func TestSince(t *testing.T) {
	assert.Equal(t, "never", Since(time.Time{}))
	assert.Equal(t, "1m30s", Since(time.Now().Add(-90*time.Second)))
}
