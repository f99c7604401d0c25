package httpapi

import (
	"log/slog"

	"github.com/mistakeknot/querydesk/internal/claim"
	"github.com/mistakeknot/querydesk/internal/staff"
	"github.com/mistakeknot/querydesk/internal/transfer"
)

// Service holds the coordinators the API delegates to.
type Service struct {
	claims    *claim.Arbiter
	transfers *transfer.Coordinator
	staff     *staff.Directory
	logger    *slog.Logger

	storeState func() string
}

func NewService(claims *claim.Arbiter, transfers *transfer.Coordinator, dir *staff.Directory) *Service {
	return &Service{
		claims:    claims,
		transfers: transfers,
		staff:     dir,
		logger:    slog.Default().With("component", "http"),
	}
}

func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l.With("component", "http")
	return s
}

// WithStoreState reports the store breaker state on /api/health.
func (s *Service) WithStoreState(fn func() string) *Service {
	s.storeState = fn
	return s
}
