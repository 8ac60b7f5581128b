package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/localdirectory/guardian/models"
)

func sampleEvent() *models.SecurityEvent {
	return &models.SecurityEvent{
		ID:          "evt-1",
		Timestamp:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		EventType:   models.EventFeatureBypassAttempt,
		Severity:    models.SeverityHigh,
		Description: "bypass",
		Metadata: models.EventMetadata{
			Feature:        "analytics",
			RequestPattern: &models.RequestPattern{IPRequests: 3, UserRequests: 7},
		},
		UserID:    "u1",
		IPAddress: "10.0.0.1",
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	data, err := encodeEvent(sampleEvent(), "guardian-test")
	require.NoError(t, err)

	env, err := decodeEvent(data)
	require.NoError(t, err)
	assert.Equal(t, envelopeVersion, env.Version)
	assert.Equal(t, "guardian-test", env.Source)
	assert.Equal(t, "evt-1", env.Event.ID)
	assert.Equal(t, models.EventFeatureBypassAttempt, env.Event.EventType)
	require.NotNil(t, env.Event.Metadata.RequestPattern)
	assert.Equal(t, 7, env.Event.Metadata.RequestPattern.UserRequests)
}

func TestDecodeRejectsBadEnvelopes(t *testing.T) {
	cases := map[string]string{
		"not json":      `{`,
		"wrong version": `{"version":9,"event":{"id":"x","eventType":"login"}}`,
		"no id":         `{"version":1,"event":{"eventType":"login"}}`,
		"unknown type":  `{"version":1,"event":{"id":"x","eventType":"teleport"}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeEvent([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestPartitionKeyPrefersIP(t *testing.T) {
	ev := sampleEvent()
	assert.Equal(t, "10.0.0.1", string(partitionKey(ev)))

	ev.IPAddress = ""
	assert.Equal(t, "u1", string(partitionKey(ev)))

	ev.UserID = ""
	assert.Equal(t, "evt-1", string(partitionKey(ev)))
}

type memEventStore struct {
	events []models.SecurityEvent
	err    error
}

func (s *memEventStore) Create(_ context.Context, ev *models.SecurityEvent) error {
	if s.err != nil {
		return s.err
	}
	s.events = append(s.events, *ev)
	return nil
}

func TestConsumerProcessArchivesEvent(t *testing.T) {
	store := &memEventStore{}
	c := &Consumer{handler: NewArchiver(store, zap.NewNop()), logger: zap.NewNop()}

	data, err := encodeEvent(sampleEvent(), "guardian")
	require.NoError(t, err)

	require.NoError(t, c.process(context.Background(), data))
	require.Len(t, store.events, 1)
	assert.Equal(t, "evt-1", store.events[0].ID)
}

func TestConsumerProcessClassifiesErrors(t *testing.T) {
	store := &memEventStore{err: errors.New("db down")}
	c := &Consumer{handler: NewArchiver(store, zap.NewNop()), logger: zap.NewNop()}

	err := c.process(context.Background(), []byte("garbage"))
	require.Error(t, err)
	assert.True(t, isPoison(err), "undecodable payloads are skipped")

	data, err := encodeEvent(sampleEvent(), "guardian")
	require.NoError(t, err)
	err = c.process(context.Background(), data)
	require.Error(t, err)
	assert.False(t, isPoison(err), "store failures are retried")
}
