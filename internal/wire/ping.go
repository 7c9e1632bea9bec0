package wire

import "time"

// Pinger emits liveness pings on a fixed interval, derived from
// config.PingInterval (spec.md §4.A: "every ping_interval =
// transfer_idle_lifetime / 2").
type Pinger struct {
	interval time.Duration
	ticker   *time.Ticker
}

// NewPinger creates a Pinger firing every interval; interval must be > 0.
func NewPinger(interval time.Duration) *Pinger {
	return &Pinger{interval: interval, ticker: time.NewTicker(interval)}
}

// C returns the channel to select on for ping ticks.
func (p *Pinger) C() <-chan time.Time {
	return p.ticker.C
}

// Stop releases the underlying ticker.
func (p *Pinger) Stop() {
	p.ticker.Stop()
}

// PingMessage and PongMessage are the transparent liveness frames; they
// carry no payload beyond their type tag.
func PingMessage() Message { return Message{Type: TypePing} }
func PongMessage() Message { return Message{Type: TypePong} }
