package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	fail     bool
}

func (c *capturePublisher) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("nats down")
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestNATSSinkPublishesBySubject(t *testing.T) {
	pub := &capturePublisher{}
	sink := NewNATSSink(pub, nil)
	sink.Start(context.Background())

	sink.Record(context.Background(), Event{Kind: KindAgentOnline, Agent: "a.aio"})
	sink.Record(context.Background(), Event{Kind: KindGrantChanged, Agent: "a.aio", Application: "web", Grants: []string{"*"}})
	sink.Stop()

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Equal(t, []string{"relay.events.agent_online", "relay.events.grant_changed"}, pub.subjects)

	var got Event
	require.NoError(t, json.Unmarshal(pub.payloads[1], &got))
	assert.Equal(t, "web", got.Application)
	assert.Equal(t, []string{"*"}, got.Grants)
	assert.False(t, got.Timestamp.IsZero())
}

func TestNATSSinkSurvivesPublishErrors(t *testing.T) {
	pub := &capturePublisher{fail: true}
	sink := NewNATSSink(pub, nil)
	sink.Start(context.Background())
	sink.Record(context.Background(), Event{Kind: KindAgentOffline, Agent: "a.aio"})
	assert.NotPanics(t, sink.Stop)
}

func TestNopSink(t *testing.T) {
	assert.NotPanics(t, func() { NopSink{}.Record(context.Background(), Event{Kind: KindAnchored}) })
}
