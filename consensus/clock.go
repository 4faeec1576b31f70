package consensus

import "time"

// Clock abstracts time for the engine so tests can drive election and round
// timeouts deterministically instead of sleeping.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the minimal ticker surface the engine needs.
type Ticker interface {
	Ch() <-chan time.Time
	Stop()
}

type systemClock struct{}

// NewSystemClock returns a Clock backed by the wall clock.
func NewSystemClock() Clock {
	return systemClock{}
}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{ticker: time.NewTicker(d)}
}

type systemTicker struct {
	ticker *time.Ticker
}

func (t *systemTicker) Ch() <-chan time.Time { return t.ticker.C }
func (t *systemTicker) Stop()                { t.ticker.Stop() }
