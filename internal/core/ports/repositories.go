package ports

import (
	"context"

	"rtcsession/internal/core/domain"
)

// SessionInfoRepository resolves the messaging endpoints of a session.
type SessionInfoRepository interface {
	Get(ctx context.Context, sessionID, token string) (*domain.SessionInfo, error)
}
