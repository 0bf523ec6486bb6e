package universe

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// Refresher refreshes every account on a cron schedule.
type Refresher struct {
	cron   *cron.Cron
	cancel context.CancelFunc
}

// StartRefresher accepts the standard cron syntax and the descriptors like "@every 5m".
func (u *Universe) StartRefresher(ctx context.Context, spec string) (*Refresher, error) {
	ctx, cancel := context.WithCancel(ctx)
	scheduler := cron.New()
	_, err := scheduler.AddFunc(spec, func() {
		u.log.Debug("scheduled refresh")
		if err := u.RefreshAll(ctx, "schedule"); err != nil {
			u.log.Warningf("scheduled refresh: %v", err)
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid refresh schedule %q: %w", spec, err)
	}
	scheduler.Start()
	return &Refresher{
		cron:   scheduler,
		cancel: cancel,
	}, nil
}

// Stop waits for a refresh being scheduled.
func (r *Refresher) Stop() {
	r.cancel()
	<-r.cron.Stop().Done()
}
