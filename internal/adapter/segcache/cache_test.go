package segcache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutExistsThenHeader(t *testing.T) {
	c, err := New(16)
	require.NoError(t, err)

	c.PutExists("<s1@x>", true)
	meta, ok := c.Get("<s1@x>")
	require.True(t, ok)
	assert.True(t, meta.Exists)
	assert.False(t, meta.HasSize())

	c.PutHeader("<s1@x>", 768_000, 1_536_000)
	meta, ok = c.Get("<s1@x>")
	require.True(t, ok)
	assert.True(t, meta.Exists)
	assert.Equal(t, int64(768_000), meta.PartSize)
	assert.Equal(t, int64(1_536_000), meta.PartOffset)
}

func TestExistsUpdateKeepsKnownSize(t *testing.T) {
	c, err := New(16)
	require.NoError(t, err)

	c.PutHeader("<s@x>", 1000, 0)
	c.PutExists("<s@x>", true)

	meta, ok := c.Get("<s@x>")
	require.True(t, ok)
	assert.Equal(t, int64(1000), meta.PartSize)
}

func TestMissingSegmentRecorded(t *testing.T) {
	c, err := New(16)
	require.NoError(t, err)

	c.PutExists("<gone@x>", false)
	meta, ok := c.Get("<gone@x>")
	require.True(t, ok)
	assert.False(t, meta.Exists)
}

func TestLRUEviction(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		c.PutExists(fmt.Sprintf("<s%d@x>", i), true)
	}
	assert.Equal(t, 8, c.Len())

	_, ok := c.Get("<s0@x>")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = c.Get("<s19@x>")
	assert.True(t, ok)
}

func TestDefaultSize(t *testing.T) {
	c, err := New(0)
	require.NoError(t, err)
	c.PutExists("<s@x>", true)
	assert.Equal(t, 1, c.Len())
	c.Purge()
	assert.Equal(t, 0, c.Len())
}
