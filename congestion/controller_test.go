package congestion

import (
	"testing"
	"time"
)

func TestWindowNeverFallsBelowFloor(t *testing.T) {
	c := New(100, 4, true)
	for i := 0; i < 20; i++ {
		c.OnLoss()
	}
	if got := c.Window(); got != MinWindow {
		t.Fatalf("window %d, want floor %d", got, MinWindow)
	}
}

func TestWindowNonDecreasingWithoutLoss(t *testing.T) {
	c := New(100, 4, true)
	prev := c.Window()
	for i := 0; i < 100; i++ {
		c.OnDelivery(10 * time.Millisecond)
		if got := c.Window(); got < prev {
			t.Fatalf("window decreased from %d to %d without loss", prev, got)
		} else {
			prev = got
		}
	}
	if prev <= 4 {
		t.Fatalf("window never grew: %d", prev)
	}
}

func TestWindowNonIncreasingUnderSustainedLoss(t *testing.T) {
	c := New(100, 64, true)
	prev := c.Window()
	for i := 0; i < 10; i++ {
		c.OnLoss()
		got := c.Window()
		if got > prev {
			t.Fatalf("window increased from %d to %d under loss", prev, got)
		}
		prev = got
	}
}

func TestLossHalvesWindow(t *testing.T) {
	c := New(100, 64, true)
	c.OnLoss()
	if got := c.Window(); got != 32 {
		t.Fatalf("window %d after loss, want 32", got)
	}
}

func TestAdditiveIncreaseNeedsFullCleanWindow(t *testing.T) {
	c := New(100, 4, true)
	for i := 0; i < 3; i++ {
		c.OnDelivery(time.Millisecond)
	}
	if got := c.Window(); got != 4 {
		t.Fatalf("window %d after partial window, want 4", got)
	}
	c.OnDelivery(time.Millisecond)
	if got := c.Window(); got != 5 {
		t.Fatalf("window %d after clean window, want 5", got)
	}
}

func TestNonAdaptiveStaysFixed(t *testing.T) {
	c := New(500, 8, false)
	for i := 0; i < 50; i++ {
		c.OnDelivery(time.Millisecond)
		c.OnLoss()
		c.ObservePressure(1000)
	}
	if got := c.Window(); got != 8 {
		t.Fatalf("window %d changed in fixed mode, want 8", got)
	}
	if got := c.Rate(); got != 500 {
		t.Fatalf("rate %d changed in fixed mode, want 500", got)
	}
}

func TestHighPressureThrottlesRate(t *testing.T) {
	c := New(1000, 10, true)
	c.ObservePressure(100)
	if got := c.Rate(); got != 900 {
		t.Fatalf("rate %d after high pressure, want 900", got)
	}
	if got := c.Pressure(); got != 100 {
		t.Fatalf("pressure %d, want 100", got)
	}
}

func TestZeroPressureRelaxesRate(t *testing.T) {
	c := New(1000, 10, true)
	c.ObservePressure(0)
	if got := c.Rate(); got != 1100 {
		t.Fatalf("rate %d after zero pressure, want 1100", got)
	}
}

func TestRateClamped(t *testing.T) {
	c := New(MaxRate, 10, true)
	for i := 0; i < 10; i++ {
		c.ObservePressure(0)
	}
	if got := c.Rate(); got != MaxRate {
		t.Fatalf("rate %d exceeds max %d", got, MaxRate)
	}

	c = New(MinRate, 1, true)
	for i := 0; i < 10; i++ {
		c.ObservePressure(100)
	}
	if got := c.Rate(); got != MinRate {
		t.Fatalf("rate %d below min %d", got, MinRate)
	}
}

func TestRetransmitTimeoutTracksRTT(t *testing.T) {
	c := New(100, 10, true)
	if got := c.RetransmitTimeout(); got != defaultRetransmitTimeout {
		t.Fatalf("initial timeout %v, want %v", got, defaultRetransmitTimeout)
	}

	for i := 0; i < 20; i++ {
		c.OnDelivery(80 * time.Millisecond)
	}
	rto := c.RetransmitTimeout()
	if rto < 80*time.Millisecond || rto > maxRetransmitTimeout {
		t.Fatalf("timeout %v outside expected range", rto)
	}
}

func TestSendIntervalMatchesRate(t *testing.T) {
	c := New(100, 10, false)
	if got := c.SendInterval(); got != 10*time.Millisecond {
		t.Fatalf("interval %v, want 10ms", got)
	}
}
