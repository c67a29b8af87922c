package timer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleFires(t *testing.T) {
	svc := NewService()
	done := make(chan struct{})
	svc.Schedule(5*time.Millisecond, func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestCancelBeforeFire(t *testing.T) {
	svc := NewService()
	var fired atomic.Bool
	h := svc.Schedule(100*time.Millisecond, func() { fired.Store(true) })

	require.True(t, h.Cancel())
	time.Sleep(200 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestCancelAfterFire(t *testing.T) {
	svc := NewService()
	done := make(chan struct{})
	h := svc.Schedule(time.Millisecond, func() { close(done) })

	<-done
	assert.False(t, h.Cancel())
}

// A true Cancel must guarantee the callback never runs, even when the cancel
// lands right as the timer expires.
func TestCancelRace(t *testing.T) {
	svc := NewService()
	for i := 0; i < 200; i++ {
		var fired atomic.Bool
		var wg sync.WaitGroup
		h := svc.Schedule(time.Microsecond, func() { fired.Store(true) })

		wg.Add(1)
		var won bool
		go func() {
			defer wg.Done()
			won = h.Cancel()
		}()
		wg.Wait()
		time.Sleep(time.Millisecond)

		if won {
			assert.False(t, fired.Load(), "cancelled timer fired anyway")
		}
	}
}

func TestEveryTicks(t *testing.T) {
	svc := NewService()
	var ticks atomic.Int32
	h := svc.Every(10*time.Millisecond, func() { ticks.Add(1) })

	time.Sleep(100 * time.Millisecond)
	h.Cancel()
	n := ticks.Load()
	assert.Greater(t, n, int32(2))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, n, ticks.Load(), "ticker kept firing after cancel")
}

func TestManualAdvanceOrder(t *testing.T) {
	m := NewManual(time.Unix(1000, 0))
	var order []string
	m.Schedule(3*time.Second, func() { order = append(order, "late") })
	m.Schedule(time.Second, func() { order = append(order, "early") })

	m.Advance(5 * time.Second)
	assert.Equal(t, []string{"early", "late"}, order)
	assert.Equal(t, time.Unix(1005, 0), m.Now())
}

func TestManualCancel(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	fired := false
	h := m.Schedule(time.Second, func() { fired = true })

	require.True(t, h.Cancel())
	m.Advance(2 * time.Second)
	assert.False(t, fired)
	assert.False(t, h.Cancel(), "second cancel of a one-shot must report loss")
}

func TestManualEvery(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	count := 0
	h := m.Every(10*time.Second, func() { count++ })

	m.Advance(35 * time.Second)
	assert.Equal(t, 3, count)

	h.Cancel()
	m.Advance(time.Minute)
	assert.Equal(t, 3, count)
}

func TestManualCallbackSchedules(t *testing.T) {
	m := NewManual(time.Unix(0, 0))
	var hits []int64
	m.Schedule(time.Second, func() {
		hits = append(hits, m.Now().Unix())
		m.Schedule(time.Second, func() { hits = append(hits, m.Now().Unix()) })
	})

	m.Advance(10 * time.Second)
	assert.Equal(t, []int64{1, 2}, hits)
}
