package agent

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
)

// RetryConfig defines how WaitReady retries the agent heartbeat.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// DefaultRetryConfig waits roughly half a minute for an agent to come up.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    4,
		InitialDelay:  time.Second,
		MaxDelay:      15 * time.Second,
		BackoffFactor: 2.0,
	}
}

// delay is the exponential backoff for attempt with +/-25% jitter, capped at MaxDelay.
func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt))
	d += d * 0.25 * (2*rand.Float64() - 1)
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

// statusError is a non-200 answer from the agent.
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string { return e.msg }

// retryable reports whether err is worth another heartbeat: transport
// failures, rate limiting and server errors. Auth failures are final.
func retryable(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		switch se.code {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	return true
}

// WaitReady polls the heartbeat until the agent answers, a non-retryable
// error occurs or the retries are used up.
func (c *Channel) WaitReady(ctx context.Context, cfg RetryConfig, logger zerolog.Logger) (HeartbeatResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		hb, err := c.Heartbeat(ctx)
		if err == nil {
			return hb, nil
		}
		lastErr = err
		if !retryable(err) || attempt == cfg.MaxRetries || ctx.Err() != nil {
			break
		}
		d := cfg.delay(attempt)
		logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_retries", cfg.MaxRetries).
			Dur("delay", d).
			Str("url", c.URL).
			Msg("agent not ready, retrying")
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return HeartbeatResponse{}, ctx.Err()
		case <-t.C:
		}
	}
	return HeartbeatResponse{}, lastErr
}
