package services

import (
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// StartVisitPruner deletes stale room heartbeats every interval. The caller
// owns the returned scheduler and shuts it down on exit.
func (s *RoomService) StartVisitPruner(interval, ttl time.Duration) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			if _, err := s.PruneStaleVisits(ttl); err != nil {
				log.Printf("[Scheduler] room visit prune failed: %v", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, err
	}

	sched.Start()
	log.Printf("[Scheduler] room visit pruner started (every %s, ttl %s)", interval, ttl)
	return sched, nil
}
