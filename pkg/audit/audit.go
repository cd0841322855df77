// Package audit publishes broker presence and grant changes for external
// consumers.
package audit

import (
	"context"
	"time"
)

// Event kinds.
const (
	KindAgentOnline  = "agent_online"
	KindAgentOffline = "agent_offline"
	KindAgentEvicted = "agent_evicted"
	KindGrantChanged = "grant_changed"
	KindAppClosed    = "app_closed"
	KindAnchored     = "anchored"
)

// Event is one audit record.
type Event struct {
	Kind        string    `json:"kind"`
	Agent       string    `json:"agent"`
	Origin      string    `json:"origin,omitempty"`
	Application string    `json:"application,omitempty"`
	Grants      []string  `json:"grants,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Sink receives audit events. Record must not block.
type Sink interface {
	Record(ctx context.Context, event Event)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) Record(context.Context, Event) {}
