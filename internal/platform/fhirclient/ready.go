package fhirclient

import (
	"context"
	"fmt"
	"time"
)

// ReadinessPaths are probed in order; the server counts as ready as soon as
// any of them answers 200.
var ReadinessPaths = []string{"metadata", "Patient?_count=1", "actuator/health"}

// Ping probes each readiness path once.
func (c *Client) Ping(ctx context.Context) error {
	var lastErr error
	for _, p := range ReadinessPaths {
		resp, err := c.Get(ctx, p)
		if err == nil && resp.StatusCode == 200 {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("GET %s: unexpected status %d", p, resp.StatusCode)
		}
		lastErr = err
	}
	return lastErr
}

// WaitReady pings the server every interval until it responds or timeout
// elapses.
func (c *Client) WaitReady(ctx context.Context, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.logger.Info().Str("fhir_base", c.base).Msg("waiting for FHIR server")
	start := time.Now()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	attempt := 0
	for {
		err := c.Ping(ctx)
		if err == nil {
			c.logger.Info().Dur("waited", time.Since(start)).Msg("FHIR server is ready")
			return nil
		}
		if attempt%5 == 0 {
			c.logger.Info().Err(err).Dur("elapsed", time.Since(start)).Msg("FHIR server not ready yet")
		}
		attempt++

		select {
		case <-ctx.Done():
			return fmt.Errorf("FHIR server at %s not ready after %s: %w", c.base, timeout, err)
		case <-ticker.C:
		}
	}
}
