package dispatch

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"campuscast/internal/storage"
	"campuscast/internal/transport"
)

const (
	defaultRetryBase     = 500 * time.Millisecond
	defaultRetryMaxDelay = 10 * time.Second
)

// sendWithRetry issues up to 1+RetryMax bounded sends. attempts is the number
// of sends actually handed to the transport; zero means nothing was issued.
func sendWithRetry(ctx context.Context, cfg Config, lim *rate.Limiter, tr transport.Sender, to storage.Recipient, text string) (attempts int, err error) {
	maxAttempts := 1 + cfg.RetryMax
	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				if last != nil {
					return attempts, last
				}
				return attempts, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := safeSend(callCtx, tr, to, text)
		cancel()
		attempts++
		if err == nil {
			return attempts, nil
		}
		last = err
		if ctx.Err() != nil || transport.IsPermanent(err) || attempt == maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return attempts, last
		}
	}
	return attempts, last
}

// safeSend bounds tr.Send by ctx even when the transport ignores it. A send
// that outlives ctx keeps running in the background; its result is discarded.
func safeSend(ctx context.Context, tr transport.Sender, to storage.Recipient, text string) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("transport panic: %v", r)
			}
		}()
		done <- tr.Send(ctx, to, text)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// retryDelay is the wait before attempt+1: base*2^(attempt-1) capped at
// RetryMaxDelay, with 0.7..1.3 jitter.
func retryDelay(cfg Config, attempt int) time.Duration {
	base := cfg.RetryBase
	if base <= 0 {
		base = defaultRetryBase
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = defaultRetryMaxDelay
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	if d < 0 {
		return 0
	}
	return min(d, maxD)
}
