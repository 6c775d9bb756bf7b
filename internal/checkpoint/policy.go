package checkpoint

import (
	"fmt"
	"time"

	"github.com/winfunc/opcode-sub004/internal/checkpoint/models"
	"github.com/winfunc/opcode-sub004/internal/common/config"
)

// Progress describes a session's transcript relative to its last checkpoint.
type Progress struct {
	Messages         int
	LastIndex        int
	LastCheckpointAt time.Time
	Now              time.Time
}

// Policy decides when a running session is snapshotted automatically.
type Policy interface {
	Trigger() models.Trigger
	ShouldCheckpoint(p Progress) bool
}

// Manual never checkpoints automatically.
type Manual struct{}

func (Manual) Trigger() models.Trigger        { return models.TriggerManual }
func (Manual) ShouldCheckpoint(Progress) bool { return false }

// MessageCount checkpoints every N transcript messages.
type MessageCount struct {
	N int
}

func (MessageCount) Trigger() models.Trigger { return models.TriggerMessageCount }

func (m MessageCount) ShouldCheckpoint(p Progress) bool {
	return m.N > 0 && p.Messages-p.LastIndex >= m.N
}

// Interval checkpoints when new messages arrived and Every has elapsed since
// the last checkpoint. Callers pass the session start time as
// LastCheckpointAt until the first checkpoint exists.
type Interval struct {
	Every time.Duration
}

func (Interval) Trigger() models.Trigger { return models.TriggerInterval }

func (i Interval) ShouldCheckpoint(p Progress) bool {
	if i.Every <= 0 || p.Messages <= p.LastIndex || p.LastCheckpointAt.IsZero() {
		return false
	}
	return p.Now.Sub(p.LastCheckpointAt) >= i.Every
}

// NewPolicy builds the policy named by the configuration.
func NewPolicy(cfg config.CheckpointConfig) (Policy, error) {
	switch cfg.Policy {
	case "", "manual":
		return Manual{}, nil
	case "messages":
		if cfg.MessageInterval <= 0 {
			return nil, fmt.Errorf("messages policy needs a positive message interval")
		}
		return MessageCount{N: cfg.MessageInterval}, nil
	case "interval":
		if cfg.TimeInterval <= 0 {
			return nil, fmt.Errorf("interval policy needs a positive time interval")
		}
		return Interval{Every: cfg.TimeInterval}, nil
	default:
		return nil, fmt.Errorf("unknown checkpoint policy %q", cfg.Policy)
	}
}
