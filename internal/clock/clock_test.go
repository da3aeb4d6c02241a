package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestMockClock_AfterFiresOnAdvance(t *testing.T) {
	c := NewMockClock(epoch)
	ch := c.After(time.Minute)

	c.Advance(30 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before deadline")
	default:
	}
	assert.Equal(t, 1, c.Waiters())

	c.Advance(30 * time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, epoch.Add(time.Minute), got)
	default:
		t.Fatal("did not fire at deadline")
	}
	assert.Equal(t, 0, c.Waiters())
}

func TestMockClock_AfterNonPositiveFiresImmediately(t *testing.T) {
	c := NewMockClock(epoch)
	select {
	case got := <-c.After(0):
		assert.Equal(t, epoch, got)
	default:
		t.Fatal("expected immediate fire")
	}
}

func TestMockClock_SinceAndSet(t *testing.T) {
	c := NewMockClock(epoch)
	ch := c.After(time.Hour)

	c.Set(epoch.Add(2 * time.Hour))
	assert.Equal(t, 2*time.Hour, c.Since(epoch))
	require.Len(t, ch, 1)

	c.Set(epoch)
	assert.Equal(t, epoch, c.Now())
}

func TestMockClock_BlockUntil(t *testing.T) {
	c := NewMockClock(epoch)

	assert.False(t, c.BlockUntil(1, 10*time.Millisecond))

	go func() {
		time.Sleep(5 * time.Millisecond)
		c.After(time.Second)
	}()
	assert.True(t, c.BlockUntil(1, time.Second))
}

func TestRealClock(t *testing.T) {
	c := NewRealClock()
	start := c.Now()
	<-c.After(time.Millisecond)
	assert.GreaterOrEqual(t, c.Since(start), time.Millisecond)
}
