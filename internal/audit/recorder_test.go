package audit_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/audit"
	"github.com/jsamuelsen11/recipe-web-app/authz-server/internal/models"
)

type captureSink struct {
	events []models.AuditEvent
	err    error
	panics bool
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Emit(_ context.Context, event models.AuditEvent) error {
	if s.panics {
		panic("boom")
	}
	s.events = append(s.events, event)
	return s.err
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestRecorder_DeliversToAllSinks(t *testing.T) {
	first, second := &captureSink{}, &captureSink{}
	rec := audit.NewRecorder(quietLogger(), first, second)

	rec.Record(context.Background(), models.AuditEvent{Type: models.AuditCodeIssued, ClientID: "c1"})

	require.Len(t, first.events, 1)
	require.Len(t, second.events, 1)
	assert.Equal(t, models.AuditCodeIssued, first.events[0].Type)
	assert.False(t, first.events[0].Timestamp.IsZero())
}

func TestRecorder_IsolatesSinkFailures(t *testing.T) {
	tests := []struct {
		name   string
		broken *captureSink
	}{
		{name: "sink_error", broken: &captureSink{err: errors.New("broker down")}},
		{name: "sink_panic", broken: &captureSink{panics: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, hook := test.NewNullLogger()
			healthy := &captureSink{}
			rec := audit.NewRecorder(log, tt.broken, healthy)

			assert.NotPanics(t, func() {
				rec.Record(context.Background(), models.AuditEvent{Type: models.AuditTokenIssued})
			})
			assert.Len(t, healthy.events, 1)
			require.NotNil(t, hook.LastEntry())
			assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
		})
	}
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var rec *audit.Recorder
	assert.NotPanics(t, func() {
		rec.Record(context.Background(), models.AuditEvent{Type: models.AuditTokenIssued})
	})
}

func TestLogSink_HashesUserID(t *testing.T) {
	log, hook := test.NewNullLogger()
	sink := audit.NewLogSink(log, "salt")

	err := sink.Emit(context.Background(), models.AuditEvent{
		Type:    models.AuditRefreshRevoked,
		UserID:  "user-1",
		Details: map[string]string{"reason": "rotated"},
	})
	require.NoError(t, err)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, audit.HashIdentifier("salt", "user-1"), entry.Data["user_id_hash"])
	assert.Equal(t, "rotated", entry.Data["detail_reason"])
	assert.NotContains(t, entry.Data, "user_id")
}

func TestHashIdentifier(t *testing.T) {
	assert.Empty(t, audit.HashIdentifier("salt", ""))
	assert.Len(t, audit.HashIdentifier("salt", "user-1"), 16)
	assert.NotEqual(t, audit.HashIdentifier("a", "user-1"), audit.HashIdentifier("b", "user-1"))
}

type fakePublisher struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

func (p *fakePublisher) PublishWithContext(
	_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing,
) error {
	p.exchange, p.key, p.msg = exchange, key, msg
	return nil
}

func TestAMQPSink_PublishesHashedEvent(t *testing.T) {
	pub := &fakePublisher{}
	sink := audit.NewAMQPSinkWithPublisher(pub, "authz.audit", "audit.event", "salt")

	event := models.AuditEvent{
		Type:      models.AuditCodeReplay,
		ClientID:  "c1",
		UserID:    "user-1",
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
	require.NoError(t, sink.Emit(context.Background(), event))

	assert.Equal(t, "authz.audit", pub.exchange)
	assert.Equal(t, "audit.event.authorization_code_replay", pub.key)
	assert.Equal(t, "application/json", pub.msg.ContentType)

	var got models.AuditEvent
	require.NoError(t, json.Unmarshal(pub.msg.Body, &got))
	assert.Equal(t, audit.HashIdentifier("salt", "user-1"), got.UserID)
	assert.Equal(t, "c1", got.ClientID)

	require.NoError(t, sink.Close())
	assert.Error(t, sink.Emit(context.Background(), event))
}
