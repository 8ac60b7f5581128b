package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/localdirectory/guardian/models"
)

const envelopeVersion = 1

// Envelope is the wire format of a security event on the topic.
type Envelope struct {
	Version     int                  `json:"version"`
	Source      string               `json:"source"`
	PublishedAt time.Time            `json:"published_at"`
	Event       models.SecurityEvent `json:"event"`
}

func encodeEvent(ev *models.SecurityEvent, source string) ([]byte, error) {
	return json.Marshal(Envelope{
		Version:     envelopeVersion,
		Source:      source,
		PublishedAt: time.Now().UTC(),
		Event:       *ev,
	})
}

func decodeEvent(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid event envelope: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", env.Version)
	}
	if env.Event.ID == "" || !env.Event.EventType.Valid() {
		return nil, fmt.Errorf("envelope carries no valid event")
	}
	return &env, nil
}

// partitionKey keeps one actor's events ordered on a single partition.
func partitionKey(ev *models.SecurityEvent) []byte {
	switch {
	case ev.IPAddress != "":
		return []byte(ev.IPAddress)
	case ev.UserID != "":
		return []byte(ev.UserID)
	}
	return []byte(ev.ID)
}
