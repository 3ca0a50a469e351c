// Package usage records and summarizes resource consumption per agent.
package usage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Zhao-yangyang/DaemonChat/internal/apperr"
	"github.com/Zhao-yangyang/DaemonChat/internal/clock"
	"github.com/Zhao-yangyang/DaemonChat/internal/store"
	"github.com/Zhao-yangyang/DaemonChat/pkg/models"
)

// Period names a summary window ending now.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodMonth Period = "month"
)

type Service struct {
	events store.UsageStore
	clock  clock.Clock
}

func New(events store.UsageStore, c clock.Clock) *Service {
	return &Service{events: events, clock: c}
}

// Record stores a usage event, filling ID and CreatedAt when unset.
func (s *Service) Record(ctx context.Context, event *models.UsageEvent) error {
	if event.ID == "" {
		event.ID = uuid.Must(uuid.NewV7()).String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.clock.Now()
	}
	if err := s.events.InsertUsageEvent(ctx, event); err != nil {
		return apperr.Infra(err, "insert usage event")
	}
	return nil
}

// Summary totals usage since the start of the current day or month, in the
// clock's time zone.
func (s *Service) Summary(ctx context.Context, agentID string, period Period) (models.UsageSummary, error) {
	now := s.clock.Now()
	var from time.Time
	switch period {
	case PeriodDay:
		from = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	case PeriodMonth:
		from = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	default:
		return models.UsageSummary{}, apperr.Validation("period must be day or month")
	}

	sum, err := s.events.SumUsage(ctx, agentID, from, now)
	if err != nil {
		return models.UsageSummary{}, apperr.Infra(err, "sum usage")
	}
	return sum, nil
}
