package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/smallbiznis/metergate/internal/clock"
)

func TestSWR_MissLoadsSynchronously(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	c := NewSWRCache[string](time.Minute, 10*time.Minute, clk)

	calls := 0
	value, found, err := c.SWR(context.Background(), "k", func(context.Context) (string, bool, error) {
		calls++
		return "v1", true, nil
	})
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", value)
	assert.Equal(t, 1, calls)
}

func TestSWR_FreshHitSkipsLoader(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	c := NewSWRCache[string](time.Minute, 10*time.Minute, clk)
	c.Set("k", "v1")

	value, found, err := c.SWR(context.Background(), "k", func(context.Context) (string, bool, error) {
		t.Fatal("loader must not run for a fresh entry")
		return "", false, nil
	})
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", value)
}

func TestSWR_StaleServedWhileRefreshing(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	c := NewSWRCache[string](time.Minute, 10*time.Minute, clk)
	c.Set("k", "v1")
	clk.Advance(2 * time.Minute)

	refreshed := make(chan struct{})
	value, found, err := c.SWR(context.Background(), "k", func(context.Context) (string, bool, error) {
		defer close(refreshed)
		return "v2", true, nil
	})
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", value, "stale value served immediately")

	select {
	case <-refreshed:
	case <-time.After(2 * time.Second):
		t.Fatal("background refresh never ran")
	}

	// Allow the refreshed entry to land, then read it back.
	assert.Eventually(t, func() bool {
		value, _, ok := c.Get("k")
		return ok && value == "v2"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSWR_HardExpiryBlocksOnReload(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	c := NewSWRCache[string](time.Minute, 10*time.Minute, clk)
	c.Set("k", "v1")
	clk.Advance(11 * time.Minute)

	value, found, err := c.SWR(context.Background(), "k", func(context.Context) (string, bool, error) {
		return "v2", true, nil
	})
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v2", value)
}

func TestSWR_NegativeEntry(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	c := NewSWRCache[string](time.Minute, 10*time.Minute, clk)

	calls := 0
	_, found, err := c.SWR(context.Background(), "k", func(context.Context) (string, bool, error) {
		calls++
		return "", false, nil
	})
	assert.NoError(t, err)
	assert.False(t, found)

	// Confirmed absence is cached; repeated probes stay local.
	_, found, err = c.SWR(context.Background(), "k", func(context.Context) (string, bool, error) {
		calls++
		return "", false, nil
	})
	assert.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, 1, calls)
}

func TestSWR_StampedeGuard(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	c := NewSWRCache[string](time.Minute, 10*time.Minute, clk)

	var calls atomic.Int32
	release := make(chan struct{})
	loader := func(context.Context) (string, bool, error) {
		calls.Add(1)
		<-release
		return "v1", true, nil
	}

	const readers = 10
	var wg sync.WaitGroup
	wg.Add(readers)
	for i := 0; i < readers; i++ {
		go func() {
			defer wg.Done()
			value, found, err := c.SWR(context.Background(), "k", loader)
			assert.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, "v1", value)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, calls.Load(), int32(2), "concurrent misses coalesce into one load")
}

func TestSWR_LastKnownGoodOnRefreshFailure(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	c := NewSWRCache[string](time.Minute, 10*time.Minute, clk)
	c.Set("k", "v1")
	clk.Advance(11 * time.Minute)

	value, found, err := c.SWR(context.Background(), "k", func(context.Context) (string, bool, error) {
		return "", false, errors.New("store down")
	})
	assert.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "v1", value, "stale beats unavailable")
}

func TestSWR_RemovePattern(t *testing.T) {
	clk := clock.NewFakeClock(time.Now())
	c := NewSWRCache[string](time.Minute, 10*time.Minute, clk)
	c.Set(Key("1", "api_calls"), "a")
	c.Set(Key("1", "seats"), "b")
	c.Set(Key("12", "api_calls"), "c")

	c.Remove(Key("1") + "|*")

	_, _, ok := c.Get(Key("1", "api_calls"))
	assert.False(t, ok)
	_, _, ok = c.Get(Key("1", "seats"))
	assert.False(t, ok)
	_, _, ok = c.Get(Key("12", "api_calls"))
	assert.True(t, ok, "prefix match is per key segment")
}

func TestTTLCache_Expiry(t *testing.T) {
	c := NewTTLCache[string, int]()
	c.Set("k", 7, 20*time.Millisecond)

	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}
