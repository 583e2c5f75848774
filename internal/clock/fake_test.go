package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeClock_AfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	fired := 0
	c.AfterFunc(100*time.Millisecond, func() { fired++ })

	c.Advance(99 * time.Millisecond)
	if fired != 0 {
		t.Fatalf("timer fired early: %d", fired)
	}

	c.Advance(1 * time.Millisecond)
	if fired != 1 {
		t.Fatalf("expected 1 fire, got %d", fired)
	}

	c.Advance(time.Second)
	if fired != 1 {
		t.Errorf("one-shot timer fired again: %d", fired)
	}
}

func TestFakeClock_Stop(t *testing.T) {
	c := Fake(epoch)
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })

	if !timer.Stop() {
		t.Error("Stop() on pending timer should return true")
	}
	if timer.Stop() {
		t.Error("second Stop() should return false")
	}

	c.Advance(2 * time.Second)
	if fired {
		t.Error("stopped timer fired")
	}
	if c.PendingTimers() != 0 {
		t.Errorf("expected no pending timers, got %d", c.PendingTimers())
	}
}

func TestFakeClock_CallbackSchedulesWithinWindow(t *testing.T) {
	c := Fake(epoch)
	var order []time.Duration

	c.AfterFunc(100*time.Millisecond, func() {
		order = append(order, c.Now().Sub(epoch))
		c.AfterFunc(100*time.Millisecond, func() {
			order = append(order, c.Now().Sub(epoch))
		})
	})

	c.Advance(250 * time.Millisecond)

	if len(order) != 2 {
		t.Fatalf("expected both callbacks, got %v", order)
	}
	if order[0] != 100*time.Millisecond || order[1] != 200*time.Millisecond {
		t.Errorf("callbacks fired at %v, want [100ms 200ms]", order)
	}
	if c.Now() != epoch.Add(250*time.Millisecond) {
		t.Errorf("Now() = %v after advance", c.Now())
	}
}

func TestFakeClock_Ticker(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Second)
	defer ticker.Stop()

	c.Advance(time.Second)

	select {
	case tick := <-ticker.C:
		if tick != epoch.Add(time.Second) {
			t.Errorf("tick at %v", tick)
		}
	default:
		t.Fatal("expected a tick")
	}

	select {
	case <-ticker.C:
		t.Fatal("unexpected second tick")
	default:
	}
}
