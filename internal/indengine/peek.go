package indengine

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"tastream/internal/model"

	"golang.org/x/time/rate"
)

// peekLoop feeds forming bars into the process loop, either as published by
// the bar builder or aggregated here from 1s bars.
func (svc *Service) peekLoop(ctx context.Context) error {
	var err error
	if svc.cfg.PeekFrom1s {
		err = svc.reader.SubscribeBaseForPeek(ctx, svc.cfg.EnabledTFs, svc.barCh)
	} else {
		err = svc.reader.SubscribeFormingBars(ctx, svc.barCh)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		svc.log.Warn("forming bar subscription ended", slog.String("error", err.Error()))
	}
	return nil
}

// peekLimiter throttles live previews per instrument and TF. Only the
// process loop touches it.
type peekLimiter struct {
	limit    rate.Limit
	burst    int
	limiters map[string]*rate.Limiter
}

// newPeekLimiter allows perSec previews per second with the given burst.
// A zero rate disables throttling.
func newPeekLimiter(perSec float64, burst int) *peekLimiter {
	if burst < 1 {
		burst = 1
	}
	return &peekLimiter{
		limit:    rate.Limit(perSec),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (p *peekLimiter) allow(bar model.Bar, now time.Time) bool {
	if p.limit <= 0 {
		return true
	}
	key := strconv.Itoa(bar.TF) + ":" + bar.Key()
	l, ok := p.limiters[key]
	if !ok {
		l = rate.NewLimiter(p.limit, p.burst)
		p.limiters[key] = l
	}
	return l.AllowN(now, 1)
}
