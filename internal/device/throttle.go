package device

import (
	"context"

	"golang.org/x/time/rate"
)

type throttled struct {
	next    Channel
	limiter *rate.Limiter
}

// Throttle limits ch to perSecond commands. Each worker wraps its own channel,
// so the limit is per device. A non-positive rate returns ch unchanged.
func Throttle(ch Channel, perSecond float64) Channel {
	if perSecond <= 0 {
		return ch
	}
	return &throttled{next: ch, limiter: rate.NewLimiter(rate.Limit(perSecond), 1)}
}

func (t *throttled) Execute(ctx context.Context, handle, command string) Result {
	if err := t.limiter.Wait(ctx); err != nil {
		return Result{OK: false, Diagnostic: "rate limit: " + err.Error()}
	}
	return t.next.Execute(ctx, handle, command)
}
