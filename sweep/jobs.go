package sweep

import (
	"context"
	"time"

	"github.com/agentmesh/agentmesh/blackboard"
	"github.com/agentmesh/agentmesh/messaging"
	"github.com/agentmesh/agentmesh/queue"
	"github.com/agentmesh/agentmesh/workload"
)

// LeaseExpiryJob releases expired task claims and returns them to pending.
func LeaseExpiryJob(manager *queue.Manager, interval time.Duration) Job {
	return Job{
		Name:     "lease_expiry",
		Interval: interval,
		Run:      manager.SweepExpiredLeases,
	}
}

// BlackboardTTLJob purges expired blackboard entries.
func BlackboardTTLJob(board *blackboard.Board, interval time.Duration) Job {
	return Job{
		Name:     "blackboard_ttl",
		Interval: interval,
		Run:      board.Sweep,
	}
}

// ReputationDecayJob nudges idle agents' reputation back toward neutral.
func ReputationDecayJob(tracker *workload.Tracker, interval time.Duration) Job {
	return Job{
		Name:     "reputation_decay",
		Interval: interval,
		Run:      tracker.Decay,
	}
}

// MessageTimeoutJob times out overdue acks and retries or fails them.
func MessageTimeoutJob(messenger *messaging.Messenger, interval time.Duration) Job {
	return Job{
		Name:     "message_timeout",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			result, err := messenger.SweepTimeouts(ctx)
			return result.TimedOut, err
		},
	}
}

// MessageCleanupJob deletes terminal messages past retention.
func MessageCleanupJob(messenger *messaging.Messenger, interval, retention time.Duration) Job {
	return Job{
		Name:     "message_cleanup",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			return messenger.Cleanup(ctx, retention)
		},
	}
}

// TaskCleanupJob deletes terminal tasks past retention.
func TaskCleanupJob(manager *queue.Manager, interval, retention time.Duration) Job {
	return Job{
		Name:     "task_cleanup",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			return manager.Cleanup(ctx, retention)
		},
	}
}
