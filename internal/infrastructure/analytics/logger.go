package analytics

import (
	"encoding/json"

	"go.uber.org/zap"

	"rtcsession/internal/core/domain"
	"rtcsession/internal/core/ports"
	apperrors "rtcsession/pkg/errors"
	"rtcsession/pkg/utils"
)

// Logger encodes analytics events and queues them for delivery.
type Logger struct {
	queue     *Queue
	partnerID string
	logger    *zap.SugaredLogger
}

var _ ports.AnalyticsLogger = (*Logger)(nil)

// NewLogger creates a logger feeding queue. partnerID fills events that do
// not name one.
func NewLogger(queue *Queue, partnerID string, logger *zap.SugaredLogger) *Logger {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Logger{queue: queue, partnerID: partnerID, logger: logger}
}

// LogEvent queues ev.
func (l *Logger) LogEvent(ev domain.AnalyticsEvent) {
	if ev.PartnerID == "" {
		ev.PartnerID = l.partnerID
	}
	if ev.ClientTime == 0 {
		ev.ClientTime = utils.NowMillis()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		l.logger.Warnw("Dropping unencodable analytics event", "action", ev.Action, "error", err)
		return
	}
	l.queue.Add(payload)
}

// LogError queues a failure event for err.
func (l *Logger) LogError(action, sessionID, connectionID string, err error) {
	if err == nil {
		return
	}
	l.LogEvent(domain.AnalyticsEvent{
		Action:       action,
		Variation:    domain.VariationFailure,
		SessionID:    sessionID,
		ConnectionID: connectionID,
		Code:         int(apperrors.CodeOf(err)),
		Message:      err.Error(),
	})
}
