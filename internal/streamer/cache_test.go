package streamer

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestTimestampCache_GetSet(t *testing.T) {
	c := NewTimestampCache(time.Hour)
	id := uuid.New()

	_, ok := c.Get(id)
	assert.False(t, ok)

	ts := time.Now().Truncate(time.Second)
	c.Set(id, ts)

	got, ok := c.Get(id)
	assert.True(t, ok)
	assert.Equal(t, ts, got)
	assert.Equal(t, 1, c.Len())
}

func TestTimestampCache_ClearsAfterInterval(t *testing.T) {
	c := NewTimestampCache(10 * time.Millisecond)
	id := uuid.New()
	c.Set(id, time.Now())

	time.Sleep(25 * time.Millisecond)

	_, ok := c.Get(id)
	assert.False(t, ok, "whole cache drops once the interval elapses")
	assert.Equal(t, 0, c.Len())
}
