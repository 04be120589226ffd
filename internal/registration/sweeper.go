package registration

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"github.com/fleetcontrol/control-plane/internal/store"
)

// DefaultSweepInterval is how often the sweeper runs.
const DefaultSweepInterval = time.Minute

// DefaultRetention is how long a Completed/Expired registration row is
// kept around before the sweeper deletes it, mainly useful for
// operator-visible audit during that window.
const DefaultRetention = 24 * time.Hour

// Sweeper periodically expires stale Pending registrations and deletes
// old terminal ones, supplementing the lazy, poll-time expiry check
// described in spec.md §4.7 with proactive housekeeping — the original
// source's management commands (ensure_superuser, healthcheck) ran
// similar periodic maintenance jobs; this is the equivalent for
// registrations.
type Sweeper struct {
	store     store.Store
	log       zerolog.Logger
	interval  time.Duration
	retention time.Duration
}

func NewSweeper(s store.Store, log zerolog.Logger) *Sweeper {
	return &Sweeper{
		store:     s,
		log:       log.With().Str("component", "registration-sweeper").Logger(),
		interval:  DefaultSweepInterval,
		retention: DefaultRetention,
	}
}

// Start registers the sweep job on sched and starts it. Callers own
// sched's lifecycle (Shutdown stops every job registered on it).
func (sw *Sweeper) Start(sched gocron.Scheduler) error {
	_, err := sched.NewJob(
		gocron.DurationJob(sw.interval),
		gocron.NewTask(sw.sweep),
	)
	if err != nil {
		return err
	}
	sched.Start()
	return nil
}

func (sw *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	expired, err := sw.store.ExpireStaleRegistrations(ctx)
	if err != nil {
		sw.log.Warn().Err(err).Msg("expire stale registrations failed")
	} else if expired > 0 {
		sw.log.Info().Int64("count", expired).Msg("expired stale registrations")
	}

	deleted, err := sw.store.DeleteOldRegistrations(ctx, sw.retention)
	if err != nil {
		sw.log.Warn().Err(err).Msg("delete old registrations failed")
	} else if deleted > 0 {
		sw.log.Info().Int64("count", deleted).Msg("deleted old registrations")
	}
}
