package imap

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
)

// IdleConfig tunes the single-connection IDLE / fake-idle cycle of
// spec §4.13 and §5. There is one connection per engine (one account),
// so unlike a connection pool there is nothing here to key by account.
type IdleConfig struct {
	// IdleTimeout bounds how long a single IDLE command stays open
	// before it is closed and the cycle restarts (spec: up to 60s).
	IdleTimeout time.Duration

	// FakeIdleInitial is the fake-idle sleep used when IDLE is
	// unsupported and the connection has seen activity recently.
	FakeIdleInitial time.Duration

	// FakeIdleMax is the fake-idle sleep used once the connection has
	// gone FakeIdleEscalateAfter without activity.
	FakeIdleMax time.Duration

	// FakeIdleEscalateAfter is how long without activity before
	// fake-idle escalates from FakeIdleInitial to FakeIdleMax.
	FakeIdleEscalateAfter time.Duration

	// HealthCheckEnabled runs a NOOP before entering IDLE to catch a
	// dead connection before blocking in it.
	HealthCheckEnabled bool
}

// DefaultIdleConfig returns the cycle timing spec §4.13 describes.
func DefaultIdleConfig() IdleConfig {
	return IdleConfig{
		IdleTimeout:           60 * time.Second,
		FakeIdleInitial:       5 * time.Second,
		FakeIdleMax:           60 * time.Second,
		FakeIdleEscalateAfter: 3 * time.Minute,
		HealthCheckEnabled:    true,
	}
}

// Idle runs one IDLE (or fake-idle) cycle on the already connected and
// folder-selected client, per spec §4.13: "if capability present,
// issue IDLE for up to 60s per cycle, then break and loop. If
// unavailable, fake idle sleeps 5s initially, escalating to 60s after
// 3 minutes of inactivity."
//
// It returns when the cycle's own timeout elapses, ctx is cancelled,
// or wake fires — the thread-safe interrupt of spec §5, closing the
// live IDLE command (if any) so the interrupt takes effect
// immediately rather than waiting out the timer.
//
// quietSince is when the caller last observed new mail; it governs
// fake-idle escalation only and has no bearing on IDLE mode.
func (c *Client) Idle(ctx context.Context, wake <-chan struct{}, cfg IdleConfig, quietSince time.Time) error {
	if c.client == nil {
		return fmt.Errorf("not connected")
	}
	if !c.HasCap(imap.CapIdle) {
		return c.fakeIdle(ctx, wake, cfg, quietSince)
	}

	if cfg.HealthCheckEnabled {
		if err := c.client.Noop().Wait(); err != nil {
			return fmt.Errorf("idle: health check: %w", err)
		}
	}

	idleCmd, err := c.client.Idle()
	if err != nil {
		return fmt.Errorf("idle: start: %w", err)
	}

	timer := time.NewTimer(cfg.IdleTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		idleCmd.Close()
		return ctx.Err()
	case <-wake:
		idleCmd.Close()
		return nil
	case <-timer.C:
		return idleCmd.Close()
	}
}

// fakeIdle sleeps instead of issuing IDLE, for servers that don't
// advertise the capability, per spec §4.13.
func (c *Client) fakeIdle(ctx context.Context, wake <-chan struct{}, cfg IdleConfig, quietSince time.Time) error {
	sleep := cfg.FakeIdleInitial
	if !quietSince.IsZero() && time.Since(quietSince) >= cfg.FakeIdleEscalateAfter {
		sleep = cfg.FakeIdleMax
	}

	timer := time.NewTimer(sleep)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-timer.C:
		return nil
	}
}
