package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/binomepay/binomepay-go/internal/platform/logutil"
)

// DefaultInterval is the periodic sync cadence.
const DefaultInterval = 30 * time.Second

// OnlineWatcher exposes connectivity state and transitions.
type OnlineWatcher interface {
	Online() bool
	Subscribe() <-chan bool
}

// Scheduler drives PerformSync from a ticker, connectivity transitions and
// external triggers such as realtime events.
type Scheduler struct {
	orch     *Orchestrator
	online   OnlineWatcher
	interval time.Duration
	logger   *slog.Logger
	trigger  chan struct{}
}

// NewScheduler creates a scheduler. online may be nil, in which case the
// network is assumed up. interval <= 0 uses DefaultInterval.
func NewScheduler(orch *Orchestrator, online OnlineWatcher, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		orch:     orch,
		online:   online,
		interval: interval,
		logger:   logutil.NoopIfNil(logger),
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a forced sync. Triggers arriving while one is pending
// are coalesced.
func (s *Scheduler) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// Run blocks until ctx is done. It performs an initial forced sync.
func (s *Scheduler) Run(ctx context.Context) error {
	var transitions <-chan bool
	if s.online != nil {
		transitions = s.online.Subscribe()
	}

	s.orch.PerformSync(ctx, true)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if s.isOnline() && !s.orch.InFlight() {
				s.orch.PerformSync(ctx, false)
			}
		case up := <-transitions:
			if up {
				s.logger.Info("back online, syncing")
				s.orch.PerformSync(ctx, true)
			}
		case <-s.trigger:
			s.orch.PerformSync(ctx, true)
		}
	}
}

func (s *Scheduler) isOnline() bool {
	return s.online == nil || s.online.Online()
}
