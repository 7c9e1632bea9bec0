package reconnect

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/deb2000-sudo/dropshift/internal/config"
	"github.com/deb2000-sudo/dropshift/internal/wire"
	"github.com/deb2000-sudo/dropshift/internal/xerr"
)

func newTestConfig() *config.Config {
	cfg := &config.Config{
		ConnectionRetries:               3,
		ConnectionMaxRetryIntervalMs:    1000,
		TransferIdleLifetimeMs:          60000,
	}
	cfg.Normalize()
	return cfg
}

func TestReconnectExhaustsAttemptsAgainstDeadAddress(t *testing.T) {
	cfg := newTestConfig()
	cfg.ConnectionRetries = 2
	d := NewDriver("127.0.0.1:1", cfg) // reserved, nothing listens there

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := d.Reconnect(ctx, func(ctx context.Context, ch *wire.Channel) (bool, error) {
		return true, nil
	})
	if !errors.Is(err, xerr.ErrConnectionLost) {
		t.Fatalf("expected ErrConnectionLost, got %v", err)
	}
}

func TestReconnectSucceedsAndNegotiatesV5(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	cfg := newTestConfig()
	d := NewDriver(ln.Addr().String(), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, version, err := d.Reconnect(ctx, func(ctx context.Context, ch *wire.Channel) (bool, error) {
		return true, nil
	})
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	defer ch.Close()
	if version != VersionV5 {
		t.Fatalf("expected v5, got %d", version)
	}
	if d.Attempt() != 0 {
		t.Fatalf("expected attempt counter reset after success, got %d", d.Attempt())
	}
}

func TestReconnectFallsBackToV2(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	cfg := newTestConfig()
	d := NewDriver(ln.Addr().String(), cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, version, err := d.Reconnect(ctx, func(ctx context.Context, ch *wire.Channel) (bool, error) {
		return false, nil
	})
	if err != nil {
		t.Fatalf("Reconnect: %v", err)
	}
	if version != VersionV2 {
		t.Fatalf("expected fallback to v2, got %d", version)
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cfg := newTestConfig()
	cfg.ConnectionMaxRetryIntervalMs = 20000 // max backoff = 2s
	cfg.Normalize()
	d := NewDriver("unused", cfg)

	d.attempt = 1
	b1 := d.backoff(cfg.ConnectionMaxRetryInterval())
	d.attempt = 5
	b5 := d.backoff(cfg.ConnectionMaxRetryInterval())

	if b5 < b1 {
		t.Fatalf("expected later attempt backoff >= earlier, got b1=%v b5=%v", b1, b5)
	}
	cap := cfg.ConnectionMaxRetryInterval()
	if b5 > cap+cap/5 {
		t.Fatalf("expected backoff to respect cap %v, got %v", cap, b5)
	}
}
