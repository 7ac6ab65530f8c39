package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"schoolhub/identity/internal/config"
)

type RefreshTokenPurger interface {
	DeleteExpiredRefreshTokens(ctx context.Context, before time.Time) (int64, error)
}

// StartRefreshPurgeJob deletes expired refresh tokens on every tick until ctx
// is done. Expired tokens are already rejected at refresh time, so this only
// keeps the table small.
func StartRefreshPurgeJob(ctx context.Context, cfg config.Config, store RefreshTokenPurger, log logrus.FieldLogger, onPurged func(int64)) {
	if store == nil {
		log.Warn("refresh purge job disabled: store not configured")
		return
	}
	interval := cfg.RefreshPurgeInterval
	if interval <= 0 {
		interval = time.Hour
	}
	timeout := cfg.RefreshPurgeTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := purgeOnce(ctx, store, time.Now().UTC(), timeout)
				if err != nil {
					log.WithError(err).WithField("op", "refresh_purge").Error("refresh purge job error")
					continue
				}
				if removed > 0 {
					log.WithField("removed", removed).Info("refresh purge job removed expired tokens")
				}
				if onPurged != nil {
					onPurged(removed)
				}
			}
		}
	}()
}

func purgeOnce(ctx context.Context, store RefreshTokenPurger, now time.Time, timeout time.Duration) (int64, error) {
	tickCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return store.DeleteExpiredRefreshTokens(tickCtx, now)
}
