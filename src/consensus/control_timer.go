package consensus

import (
	"time"
)

type timerFactory func() <-chan time.Time

// ControlTimer is the single logical timer driving a consensus engine. The
// factory decides the next interval (keepalive cadence for a leader, a
// random election interval otherwise); every relevant protocol event
// cancels and rearms it through Reset.
type ControlTimer struct {
	timerFactory timerFactory
	tickCh       chan struct{}      //sends a signal to listening process
	resetCh      chan struct{}      //receives instruction to rearm the timer
	shutdownCh   chan struct{}      //receives instruction to exit Run loop
}

// NewControlTimer ...
func NewControlTimer(factory timerFactory) *ControlTimer {
	return &ControlTimer{
		timerFactory: factory,
		tickCh:       make(chan struct{}),
		resetCh:      make(chan struct{}, 1),
		shutdownCh:   make(chan struct{}),
	}
}

// Run fires ticks until shutdown. Each firing rearms the timer through the
// factory, as does every Reset.
func (c *ControlTimer) Run() {
	timer := c.timerFactory()
	for {
		select {
		case <-timer:
			select {
			case c.tickCh <- struct{}{}:
			case <-c.shutdownCh:
				return
			}
			timer = c.timerFactory()
		case <-c.resetCh:
			timer = c.timerFactory()
		case <-c.shutdownCh:
			return
		}
	}
}

// Reset cancels the pending interval and rearms. It never blocks; a reset
// racing a tick is redundant because the tick rearms anyway.
func (c *ControlTimer) Reset() {
	select {
	case c.resetCh <- struct{}{}:
	default:
	}
}

// Shutdown exits the Run loop.
func (c *ControlTimer) Shutdown() {
	close(c.shutdownCh)
}
