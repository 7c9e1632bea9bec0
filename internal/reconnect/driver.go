// Package reconnect owns the retry loop for an active outgoing transfer:
// bounded exponential backoff, protocol version negotiation (probe v5,
// fall back to v2), and handing a fresh channel back to the transfer's
// existing state on success (spec.md §4.H). It is grounded on the
// teacher's transport.RetryManager (exponential backoff with jitter and a
// circuit breaker keyed by identifier), generalized from a generic
// per-identifier breaker to one driver instance per transfer, since the
// spec requires the transfer id and file states to survive verbatim
// across reconnects rather than just tracking a failure count.
package reconnect

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/deb2000-sudo/dropshift/internal/config"
	"github.com/deb2000-sudo/dropshift/internal/wire"
	"github.com/deb2000-sudo/dropshift/internal/xerr"
)

// ProtocolVersion is the negotiated wire version for a reconnect attempt.
type ProtocolVersion int

const (
	VersionV5 ProtocolVersion = 5
	VersionV2 ProtocolVersion = 2
)

const baseBackoff = 200 * time.Millisecond

// Driver retries dialing one peer address until it succeeds, the context
// is cancelled, or connection_retries attempts are exhausted (spec.md
// §4.H).
type Driver struct {
	addr string
	cfg  *config.Config

	attempt int
}

// NewDriver creates a reconnection driver for addr using cfg's retry
// bounds.
func NewDriver(addr string, cfg *config.Config) *Driver {
	return &Driver{addr: addr, cfg: cfg}
}

// ProbeFunc attempts a v5 handshake over conn's channel and reports
// whether the peer accepted it; a false result (without error) means the
// caller should fall back to v2 on the same channel.
type ProbeFunc func(ctx context.Context, ch *wire.Channel) (bool, error)

// Reconnect retries dialing until probe succeeds (returns a channel and
// its negotiated version) or connection_retries is exhausted, returning
// xerr.ErrConnectionLost in the latter case (surfaced by the caller as
// TransferFailed per spec.md §7).
func (d *Driver) Reconnect(ctx context.Context, probe ProbeFunc) (*wire.Channel, ProtocolVersion, error) {
	maxAttempts := d.cfg.ConnectionRetries
	maxBackoff := d.cfg.ConnectionMaxRetryInterval()

	for d.attempt < maxAttempts {
		d.attempt++

		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(d.backoff(maxBackoff)):
		}

		ch, err := wire.Dial(d.addr, 10*time.Second)
		if err != nil {
			continue
		}

		ok, err := probe(ctx, ch)
		if err != nil {
			_ = ch.Close()
			continue
		}
		if ok {
			d.attempt = 0
			return ch, VersionV5, nil
		}
		d.attempt = 0
		return ch, VersionV2, nil
	}

	return nil, 0, fmt.Errorf("reconnect: %w", xerr.ErrConnectionLost)
}

// backoff returns this attempt's wait duration: base * 2^(attempt-1),
// capped at maxBackoff, with +/-10% jitter (spec.md §4.H: "Backoff starts
// at 200 ms and doubles, capped at connection_max_retry_interval / 10").
func (d *Driver) backoff(maxBackoff time.Duration) time.Duration {
	n := d.attempt
	if n <= 0 {
		n = 1
	}
	raw := float64(baseBackoff) * math.Pow(2, float64(n-1))
	if raw > float64(maxBackoff) {
		raw = float64(maxBackoff)
	}
	jitter := raw * 0.1 * (rand.Float64()*2 - 1)
	raw += jitter
	if raw < float64(baseBackoff) {
		raw = float64(baseBackoff)
	}
	return time.Duration(raw)
}

// Attempt returns the number of reconnect attempts made so far in the
// current retry sequence.
func (d *Driver) Attempt() int { return d.attempt }

// Reset clears the attempt counter, used after a reconnect succeeds and
// then later drops again so the new sequence starts fresh.
func (d *Driver) Reset() { d.attempt = 0 }
