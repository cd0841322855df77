package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is prepended to the event kind.
const SubjectPrefix = "relay.events."

// Publisher is the part of *nats.Conn the sink uses.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink queues events and publishes them from one goroutine so Record
// never blocks a broker service.
type NATSSink struct {
	logger *slog.Logger
	pub    Publisher
	queue  chan Event

	stopOnce sync.Once
	stopChan chan struct{}
	done     chan struct{}
}

// Connect dials url and returns a started sink plus a close function for
// the NATS connection.
func Connect(ctx context.Context, url string, logger *slog.Logger) (*NATSSink, func(), error) {
	nc, err := nats.Connect(url,
		nats.Name("relay-broker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	sink := NewNATSSink(nc, logger)
	sink.Start(ctx)
	return sink, func() {
		sink.Stop()
		if err := nc.Drain(); err != nil {
			nc.Close()
		}
	}, nil
}

// NewNATSSink wraps pub.
func NewNATSSink(pub Publisher, logger *slog.Logger) *NATSSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSink{
		logger:   logger,
		pub:      pub,
		queue:    make(chan Event, 1000),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the publish loop until ctx ends or Stop is called.
func (s *NATSSink) Start(ctx context.Context) {
	go s.sendLoop(ctx)
}

// Stop ends the publish loop after flushing queued events.
func (s *NATSSink) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.done
}

// Record enqueues event, dropping it when the queue is full.
func (s *NATSSink) Record(_ context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case s.queue <- event:
	default:
		s.logger.Warn("audit queue full, dropping event", "kind", event.Kind, "agent_id", event.Agent)
	}
}

func (s *NATSSink) sendLoop(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return
		case <-s.stopChan:
			s.flush()
			return
		case event := <-s.queue:
			s.publish(event)
		}
	}
}

func (s *NATSSink) flush() {
	for {
		select {
		case event := <-s.queue:
			s.publish(event)
		default:
			return
		}
	}
}

func (s *NATSSink) publish(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to encode audit event", "kind", event.Kind, "error", err)
		return
	}
	if err := s.pub.Publish(SubjectPrefix+event.Kind, data); err != nil {
		s.logger.Error("failed to publish audit event", "kind", event.Kind, "error", err)
	}
}
