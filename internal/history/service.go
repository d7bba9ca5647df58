package history

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for call history.
// It MUST be append-only; no Update/Delete methods exist.
type Repository interface {
	Append(ctx context.Context, e Entry) error
	ListByUser(ctx context.Context, userID string, limit int) ([]Entry, error)
}

// Service records finished calls and serves per-user history listings.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var (
	ErrInvalidEntry = errors.New("history: invalid entry")
	ErrNotFound     = errors.New("history: not found")
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (s *Service) Record(ctx context.Context, e Entry) error {
	if s.repo == nil {
		return errors.New("history: repository not configured")
	}
	if e.UserID == "" || e.CallID == "" {
		return ErrInvalidEntry
	}
	if e.Direction != DirectionOutgoing && e.Direction != DirectionIncoming {
		return ErrInvalidEntry
	}

	now := s.clock().UTC()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.EndedAt.IsZero() {
		e.EndedAt = now
	}
	if e.DurationSeconds == 0 && !e.StartedAt.IsZero() {
		e.DurationSeconds = int(e.EndedAt.Sub(e.StartedAt).Seconds())
	}
	e.Answered = !e.StartedAt.IsZero()
	return s.repo.Append(ctx, e)
}

func (s *Service) List(ctx context.Context, userID string, limit int) ([]Entry, error) {
	if s.repo == nil {
		return nil, errors.New("history: repository not configured")
	}
	if userID == "" {
		return nil, ErrInvalidEntry
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.repo.ListByUser(ctx, userID, limit)
}
