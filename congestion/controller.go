// Package congestion maintains the exposure rate and congestion window for
// one transfer: additive increase after each clean window of deliveries,
// multiplicative decrease on loss, and receiver-driven rate throttling from
// pull-pressure feedback.
package congestion

import (
	"sync"
	"time"
)

const (
	// MinWindow is the congestion window floor.
	MinWindow = 1
	// DefaultWindow is the conservative starting window.
	DefaultWindow = 10
	// DefaultRate is the starting exposure rate in datagrams per second.
	DefaultRate = 100
	// MinRate and MaxRate clamp the exposure rate.
	MinRate = 10
	MaxRate = 10000

	// RTT smoothing factors.
	rttAlpha = 0.125
	rttBeta  = 0.25

	minRetransmitTimeout = 50 * time.Millisecond
	maxRetransmitTimeout = 3 * time.Second
	// defaultRetransmitTimeout applies before the first RTT sample.
	defaultRetransmitTimeout = 200 * time.Millisecond
)

// Controller adapts one Surface's exposure rate and congestion window. All
// methods are safe for concurrent use; the stats monitor may read while the
// I/O loop feeds samples.
type Controller struct {
	mu sync.Mutex

	adaptive bool
	window   uint32
	rate     uint32

	cleanDeliveries uint32
	pressure        uint32

	smoothedRTT time.Duration
	rttVar      time.Duration
}

// New returns a controller starting at the given rate and window. Zero
// values select the defaults. When adaptive is false the rate and window
// stay fixed at their starting values.
func New(rate, window uint32, adaptive bool) *Controller {
	if rate == 0 {
		rate = DefaultRate
	}
	if window == 0 {
		window = DefaultWindow
	}
	if window < MinWindow {
		window = MinWindow
	}
	return &Controller{
		adaptive: adaptive,
		window:   window,
		rate:     clampRate(rate),
	}
}

// Window returns the current congestion window, never below MinWindow.
func (c *Controller) Window() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window
}

// Rate returns the current exposure rate in datagrams per second.
func (c *Controller) Rate() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

// Pressure returns the last observed pull-pressure value.
func (c *Controller) Pressure() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pressure
}

// OnDelivery records one successfully delivered chunk and its round-trip
// sample. After a full window of deliveries without loss the window grows
// by one.
func (c *Controller) OnDelivery(rtt time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rtt > 0 {
		if c.smoothedRTT == 0 {
			c.smoothedRTT = rtt
			c.rttVar = rtt / 2
		} else {
			diff := c.smoothedRTT - rtt
			if diff < 0 {
				diff = -diff
			}
			c.rttVar = time.Duration((1-rttBeta)*float64(c.rttVar) + rttBeta*float64(diff))
			c.smoothedRTT = time.Duration((1-rttAlpha)*float64(c.smoothedRTT) + rttAlpha*float64(rtt))
		}
	}

	if !c.adaptive {
		return
	}
	c.cleanDeliveries++
	if c.cleanDeliveries >= c.window {
		c.window++
		c.cleanDeliveries = 0
	}
}

// OnLoss records a detected loss (timeout or explicit retransmission
// request): the window halves with a floor of MinWindow.
func (c *Controller) OnLoss() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.adaptive {
		return
	}
	c.cleanDeliveries = 0
	c.window /= 2
	if c.window < MinWindow {
		c.window = MinWindow
	}
}

// ObservePressure feeds a puller's backlog report into the exposer's rate.
// High pressure (backlog beyond the window) throttles the rate down ten
// percent; zero pressure relaxes it up ten percent.
func (c *Controller) ObservePressure(pressure uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pressure = pressure
	if !c.adaptive {
		return
	}
	switch {
	case pressure > c.window:
		c.rate = clampRate(c.rate * 9 / 10)
	case pressure == 0:
		c.rate = clampRate(c.rate * 11 / 10)
	}
}

// RetransmitTimeout returns the per-chunk loss deadline derived from the
// smoothed round-trip estimate, bounded to sane limits.
func (c *Controller) RetransmitTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.smoothedRTT == 0 {
		return defaultRetransmitTimeout
	}
	rto := c.smoothedRTT + 4*c.rttVar
	if rto < minRetransmitTimeout {
		rto = minRetransmitTimeout
	}
	if rto > maxRetransmitTimeout {
		rto = maxRetransmitTimeout
	}
	return rto
}

// SendInterval returns the pacing delay between datagrams at the current
// exposure rate.
func (c *Controller) SendInterval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Second / time.Duration(c.rate)
}

func clampRate(rate uint32) uint32 {
	if rate < MinRate {
		return MinRate
	}
	if rate > MaxRate {
		return MaxRate
	}
	return rate
}
