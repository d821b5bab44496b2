package bot

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mkraev/switchboard/internal/notify"
	"github.com/mkraev/switchboard/internal/store"
)

// digestWindow is how far back the daily digest aggregates.
const digestWindow = 24 * time.Hour

// digestCronParser accepts standard 5-field expressions (minute, hour, dom,
// month, dow).
var digestCronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextDigestWait computes how long to sleep from now until the expression's
// next fire time. A zero return means the expression is unusable.
func nextDigestWait(expr string, now time.Time) time.Duration {
	sched, err := digestCronParser.Parse(expr)
	if err != nil {
		return 0
	}
	wait := sched.Next(now).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// BuildDigest aggregates request counts over the digest window and formats
// them. Returns "" when there was no activity, which suppresses the digest.
func BuildDigest(s *store.Store, now time.Time) (string, error) {
	counts, err := s.AggregateByStatus(now.Add(-digestWindow))
	if err != nil {
		return "", err
	}
	return notify.FormatDigest(counts), nil
}

// runDigestScheduler posts the daily digest on the configured cron schedule.
// It returns immediately if the digest is disabled or the cron is invalid.
func (d *Daemon) runDigestScheduler(ctx context.Context) {
	cfg := d.cfg.Digest
	if !cfg.Enabled || cfg.Cron == "" {
		return
	}
	wait := nextDigestWait(cfg.Cron, time.Now())
	if wait <= 0 {
		log.Printf("bot: invalid digest cron %q, digest disabled", cfg.Cron)
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.fireDigest(ctx)
			if wait := nextDigestWait(cfg.Cron, time.Now()); wait > 0 {
				timer.Reset(wait)
			} else {
				return
			}
		}
	}
}

// fireDigest builds and sends one daily digest.
func (d *Daemon) fireDigest(ctx context.Context) {
	text, err := BuildDigest(d.store, time.Now())
	if err != nil {
		log.Printf("bot: build digest: %v", err)
		return
	}
	if text == "" {
		// No activity, suppress.
		return
	}
	if _, err := d.ch.SendToOperatorChannel(ctx, text, nil); err != nil {
		log.Printf("bot: send digest: %v", err)
	}
}
