// Package audit records security-relevant events of the protocol engine and
// fans them out to sinks (structured logs, AMQP).
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/pkg/logger"
)

// Sink delivers audit events to one destination.
type Sink interface {
	Name() string
	Emit(ctx context.Context, event models.AuditEvent) error
}

// Recorder delivers each event to every sink synchronously. Sink failures and
// panics are logged and never reach the caller, so auditing cannot break a
// protocol operation. A nil *Recorder drops all events.
type Recorder struct {
	sinks  []Sink
	logger *logrus.Logger
	now    func() time.Time
}

// NewRecorder creates a Recorder delivering to sinks.
func NewRecorder(logger *logrus.Logger, sinks ...Sink) *Recorder {
	return &Recorder{
		sinks:  sinks,
		logger: logger,
		now:    time.Now,
	}
}

// Record stamps the event and hands it to every sink.
func (r *Recorder) Record(ctx context.Context, event models.AuditEvent) {
	if r == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now().UTC()
	}

	for _, sink := range r.sinks {
		if err := r.emit(ctx, sink, event); err != nil {
			logger.WithCorrelationID(ctx, r.logger).WithError(err).WithFields(logrus.Fields{
				"sink":       sink.Name(),
				"event_type": event.Type,
			}).Warn("Audit sink failed")
		}
	}
}

func (r *Recorder) emit(ctx context.Context, sink Sink, event models.AuditEvent) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sink panicked: %v", p)
		}
	}()
	return sink.Emit(ctx, event)
}

// HashIdentifier returns a short salted SHA-256 of an identifier so that
// off-host records never carry raw user IDs.
func HashIdentifier(salt, id string) string {
	if id == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(salt + id))
	return hex.EncodeToString(sum[:])[:16]
}
