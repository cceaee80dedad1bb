package audit

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/pkg/logger"
)

// LogSink writes audit events as structured log entries.
type LogSink struct {
	logger *logrus.Logger
	salt   string
}

// NewLogSink creates a sink logging through logger. User IDs are hashed with salt.
func NewLogSink(logger *logrus.Logger, salt string) *LogSink {
	return &LogSink{logger: logger, salt: salt}
}

// Name identifies the sink in failure logs.
func (s *LogSink) Name() string {
	return "log"
}

// Emit logs the event at info level.
func (s *LogSink) Emit(ctx context.Context, event models.AuditEvent) error {
	fields := logrus.Fields{
		"audit":        true,
		"event_type":   string(event.Type),
		"client_id":    event.ClientID,
		"user_id_hash": HashIdentifier(s.salt, event.UserID),
		"event_time":   event.Timestamp,
	}
	for k, v := range event.Details {
		fields["detail_"+k] = v
	}

	logger.WithCorrelationID(ctx, s.logger).WithFields(fields).Info("security_audit")
	return nil
}
