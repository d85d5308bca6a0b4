package pool

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedPoolSingleInstanceConsumed(t *testing.T) {
	p := newKeyedPool(t, noSweep(8))
	stmt := newRes(1)

	require.NoError(t, p.TryPut("SQL1", stmt, 0, 0))

	got, ok := p.Get("SQL1")
	require.True(t, ok)
	assert.Same(t, stmt, got)

	_, ok = p.Get("SQL1")
	assert.False(t, ok, "the only instance is checked out")

	assert.Equal(t, 1, p.Size())
	assert.Equal(t, int64(1), p.HitCount())
	assert.Equal(t, int64(1), p.MissCount())
}

func TestKeyedPoolKeysAreIsolated(t *testing.T) {
	p := newKeyedPool(t, noSweep(8))
	a1, a2, b1 := newRes(1), newRes(2), newRes(3)
	require.NoError(t, p.TryPut("a", a1, 0, 0))
	require.NoError(t, p.TryPut("a", a2, 0, 0))
	require.NoError(t, p.TryPut("b", b1, 0, 0))

	assert.Equal(t, 2, p.KeySize("a"))
	assert.Equal(t, 1, p.KeySize("b"))
	assert.Equal(t, 0, p.KeySize("c"))

	keys := p.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"a", "b"}, keys)

	_, ok := p.Get("c")
	assert.False(t, ok)

	got, ok := p.Get("b")
	require.True(t, ok)
	assert.Same(t, b1, got)
	assert.Equal(t, []string{"a"}, p.Keys())

	got, ok = p.Get("a")
	require.True(t, ok)
	assert.Same(t, a2, got)
}

func TestKeyedPoolCheckInReturnsToOwnKey(t *testing.T) {
	p := newKeyedPool(t, noSweep(8))
	r := newRes(1)
	require.NoError(t, p.TryPut("a", r, 0, 0))

	got, ok := p.Get("a")
	require.True(t, ok)
	require.NoError(t, p.TryPut("b", got, 0, 0))

	assert.Equal(t, 1, p.KeySize("a"), "a checked-out resource keeps its key")
	assert.Equal(t, 0, p.KeySize("b"))
}

func TestKeyedPoolCapacitySpansKeys(t *testing.T) {
	p := newKeyedPool(t, noSweep(2))
	require.NoError(t, p.TryPut("a", newRes(1), 0, 0))
	require.NoError(t, p.TryPut("b", newRes(2), 0, 0))
	assert.ErrorIs(t, p.TryPut("c", newRes(3), 0, 0), ErrPoolFull)
}

func TestKeyedPoolAutoBalanceByAccessCount(t *testing.T) {
	cfg := noSweep(3)
	cfg.Policy = AccessCount
	cfg.AutoBalance = true
	cfg.BalanceFactor = 0
	p := newKeyedPool(t, cfg)

	a, b, c := newRes(1), newRes(2), newRes(3)
	require.NoError(t, p.TryPut("a", a, 0, 0))
	require.NoError(t, p.TryPut("b", b, 0, 0))
	require.NoError(t, p.TryPut("c", c, 0, 0))

	use := func(key string) {
		v, ok := p.Get(key)
		require.True(t, ok)
		require.NoError(t, p.TryPut(key, v, 0, 0))
	}
	use("a")
	use("a")
	use("c")

	require.NoError(t, p.TryPut("d", newRes(4), 0, 0))

	assert.Equal(t, int32(1), b.destroyCount(), "the unused statement goes first")
	assert.Zero(t, a.destroyCount())
	assert.Zero(t, c.destroyCount())
	assert.Equal(t, 3, p.Size())
	assert.Equal(t, int64(1), p.EvictionCount())
}

func TestKeyedPoolAutoBalanceByExpiration(t *testing.T) {
	clock := newFakeClock()
	cfg := noSweep(2)
	cfg.Policy = Expiration
	cfg.AutoBalance = true
	p := newKeyedPool(t, cfg, WithClock(clock.Now))

	soon, later := newRes(1), newRes(2)
	require.NoError(t, p.TryPut("x", later, time.Hour, 0))
	require.NoError(t, p.TryPut("x", soon, time.Minute, 0))

	require.NoError(t, p.TryPut("y", newRes(3), 0, 0))

	assert.Equal(t, int32(1), soon.destroyCount())
	assert.Zero(t, later.destroyCount())
}

func TestKeyedPoolTakeByKey(t *testing.T) {
	p := newKeyedPool(t, noSweep(4))

	got := make(chan *res, 1)
	go func() {
		v, err := p.Take(context.Background(), "wanted")
		if err == nil {
			got <- v
		}
		close(got)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, p.TryPut("other", newRes(1), 0, 0))
	want := newRes(2)
	require.NoError(t, p.Put(context.Background(), "wanted", want, 0, 0))

	select {
	case v := <-got:
		assert.Same(t, want, v)
	case <-time.After(2 * time.Second):
		t.Fatal("Take was not woken")
	}
	assert.Equal(t, 1, p.KeySize("other"))
}

func TestKeyedPoolAtomicallyGetOrPut(t *testing.T) {
	p := newKeyedPool(t, noSweep(4))
	created := 0

	getOrCreate := func(key string) *res {
		var v *res
		p.Atomically(func(tx *Tx[string, *res]) {
			var ok bool
			if v, ok = tx.Get(key); ok {
				return
			}
			created++
			v = newRes(created)
			require.NoError(t, tx.TryPut(key, v, 0, 0))
			v, ok = tx.Get(key)
			require.True(t, ok)
		})
		return v
	}

	first := getOrCreate("q")
	require.NoError(t, p.TryPut("q", first, 0, 0))
	second := getOrCreate("q")

	assert.Same(t, first, second)
	assert.Equal(t, 1, created)
	assert.Equal(t, int64(2), p.HitCount())
	assert.Equal(t, int64(1), p.MissCount())
}

func TestKeyedPoolDestroyMayReenterPool(t *testing.T) {
	clock := newFakeClock()
	p := newKeyedPool(t, noSweep(4), WithClock(clock.Now))

	other := newRes(2)
	require.NoError(t, p.TryPut("other", other, 0, 0))

	var removed bool
	stale := newRes(1)
	stale.onDestroy = func() {
		// Would deadlock if Destroy ran under the pool lock.
		_, removed = p.Remove("other")
	}
	require.NoError(t, p.TryPut("k", stale, 0, time.Second))
	clock.Advance(2 * time.Second)

	p.Atomically(func(tx *Tx[string, *res]) {
		_, ok := tx.Get("k")
		assert.False(t, ok)
	})

	assert.Equal(t, int32(1), stale.destroyCount())
	assert.True(t, removed)
	assert.True(t, p.IsEmpty())
}

func TestKeyedPoolConcurrentKeys(t *testing.T) {
	const workers = 8
	p := newKeyedPool(t, noSweep(0))
	keys := []string{"a", "b", "c"}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 300; i++ {
				key := keys[(w+i)%len(keys)]
				v, ok := p.Get(key)
				if !ok {
					v = newRes(i)
				}
				_ = p.TryPut(key, v, 0, 0)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, int64(workers*300), p.HitCount()+p.MissCount())
	assert.LessOrEqual(t, p.Size(), workers*len(keys))
	total := 0
	for _, k := range keys {
		total += p.KeySize(k)
	}
	assert.Equal(t, p.Size(), total, "every resource is idle again")
}
