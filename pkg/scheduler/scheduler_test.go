package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleRunsPeriodically(t *testing.T) {
	s := New(Config{MaxWorkers: 1}, nil)
	defer s.Close()

	var runs int32
	cancel := s.Schedule("tick", 10*time.Millisecond, func() { atomic.AddInt32(&runs, 1) })
	defer cancel()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, s.Len())
}

func TestCancelStopsTask(t *testing.T) {
	s := New(Config{MaxWorkers: 2}, nil)
	defer s.Close()

	var runs int32
	cancel := s.Schedule("tick", 5*time.Millisecond, func() { atomic.AddInt32(&runs, 1) })
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 1 },
		time.Second, time.Millisecond)

	cancel()
	cancel()
	assert.Equal(t, 0, s.Len())

	time.Sleep(20 * time.Millisecond)
	after := atomic.LoadInt32(&runs)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&runs))
}

func TestWorkersAreBounded(t *testing.T) {
	s := New(Config{MaxWorkers: 2}, nil)
	defer s.Close()

	var current, peak int32
	var mu sync.Mutex
	work := func() {
		n := atomic.AddInt32(&current, 1)
		mu.Lock()
		if n > peak {
			peak = n
		}
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&current, -1)
	}

	var total int32
	for i := 0; i < 16; i++ {
		s.Schedule("sweep", time.Millisecond, func() {
			work()
			atomic.AddInt32(&total, 1)
		})
	}

	require.Eventually(t, func() bool { return atomic.LoadInt32(&total) >= 48 },
		2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int32(2))
}

func TestFixedDelayDoesNotOverlap(t *testing.T) {
	s := New(Config{MaxWorkers: 4}, nil)
	defer s.Close()

	var inFlight, overlaps, runs int32
	s.Schedule("slow", time.Millisecond, func() {
		if atomic.AddInt32(&inFlight, 1) > 1 {
			atomic.AddInt32(&overlaps, 1)
		}
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		atomic.AddInt32(&runs, 1)
	})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 3 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&overlaps))
}

func TestPanicIsRecovered(t *testing.T) {
	s := New(Config{MaxWorkers: 1}, nil)
	defer s.Close()

	var runs int32
	s.Schedule("bad", 2*time.Millisecond, func() {
		atomic.AddInt32(&runs, 1)
		panic("sweep failed")
	})

	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 2 },
		time.Second, time.Millisecond)
}

func TestDispatcherRestartsAfterIdle(t *testing.T) {
	s := New(Config{MaxWorkers: 1}, nil)
	defer s.Close()

	var first int32
	cancel := s.Schedule("a", time.Millisecond, func() { atomic.AddInt32(&first, 1) })
	require.Eventually(t, func() bool { return atomic.LoadInt32(&first) >= 1 },
		time.Second, time.Millisecond)
	cancel()

	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.running
	}, time.Second, time.Millisecond)

	var second int32
	s.Schedule("b", time.Millisecond, func() { atomic.AddInt32(&second, 1) })
	require.Eventually(t, func() bool { return atomic.LoadInt32(&second) >= 1 },
		time.Second, time.Millisecond)
}

func TestCloseStopsEverything(t *testing.T) {
	s := New(Config{}, nil)

	var runs int32
	s.Schedule("tick", time.Millisecond, func() { atomic.AddInt32(&runs, 1) })
	require.Eventually(t, func() bool { return atomic.LoadInt32(&runs) >= 1 },
		time.Second, time.Millisecond)

	s.Close()
	s.Close()
	after := atomic.LoadInt32(&runs)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, atomic.LoadInt32(&runs))

	noop := s.Schedule("late", time.Millisecond, func() { t.Error("must not run") })
	noop()
	assert.Equal(t, 0, s.Len())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, Config{MaxWorkers: 0}.Validate())
	assert.Error(t, Config{MaxWorkers: -1}.Validate())
}

func TestDefaultIsSingleton(t *testing.T) {
	assert.Same(t, Default(), Default())
}
