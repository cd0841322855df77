// Package session owns agent authentication on both ends of the control
// channel. Registry is the broker's table of live sessions with the
// duplicate-session liveness race; Client is the agent's reconnecting
// control connection.
package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/protocol"
	"github.com/polisai/polis-relay/pkg/telemetry"
	"github.com/polisai/polis-relay/pkg/token"
)

// DefaultLivenessTimeout bounds how long an existing session has to answer
// an isAlive probe.
const DefaultLivenessTimeout = 3 * time.Second

// Control is the write side of an agent's control connection.
type Control interface {
	Send(event string, args ...any) error
	Close() error
}

// Session is one authenticated agent connection.
type Session struct {
	ID      string
	Referer string
	Machine string
	// Servers is the agent's declared peer allow-list.
	Servers []string
	Opened  time.Time

	ctl Control

	mu     sync.Mutex
	status domain.SessionStatus
	probe  *probe
}

type probe struct {
	code   string
	echoed chan struct{}
}

// Status returns the session status.
func (s *Session) Status() domain.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Identity returns what the agent must present on secondary sockets.
func (s *Session) Identity() domain.Identity {
	return domain.Identity{ID: s.ID, Referer: s.Referer, Machine: s.Machine}
}

// Allows reports whether the session's allow-list admits peer.
func (s *Session) Allows(peer string) bool {
	return domain.Allows(s.Servers, peer)
}

// Send writes a control event to the agent.
func (s *Session) Send(event string, args ...any) error {
	return s.ctl.Send(event, args...)
}

// Close closes the control connection.
func (s *Session) Close() error {
	s.mu.Lock()
	s.status = domain.StatusRejected
	s.mu.Unlock()
	return s.ctl.Close()
}

// Echo delivers an isAlive answer. Echoes with the wrong code or referer are
// ignored and report false.
func (s *Session) Echo(p protocol.Probe) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.probe == nil || s.probe.code != p.Code || s.Referer != p.Referer {
		return false
	}
	close(s.probe.echoed)
	s.probe = nil
	return true
}

func (s *Session) startProbe() *probe {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := &probe{code: uuid.NewString(), echoed: make(chan struct{})}
	s.probe = p
	return p
}

func (s *Session) endProbe(p *probe) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.probe == p {
		s.probe = nil
	}
}

// Options configure a Registry.
type Options struct {
	Tokens          token.Service
	LivenessTimeout time.Duration
	Logger          *slog.Logger
	Metrics         *telemetry.Metrics
}

// Registry holds at most one live session per agent id.
type Registry struct {
	tokens  token.Service
	timeout time.Duration
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu       sync.RWMutex
	sessions map[string]*Session

	locksMu sync.Mutex
	locks   map[string]*agentLock
}

type agentLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LivenessTimeout <= 0 {
		opts.LivenessTimeout = DefaultLivenessTimeout
	}
	return &Registry{
		tokens:   opts.Tokens,
		timeout:  opts.LivenessTimeout,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		sessions: make(map[string]*Session),
		locks:    make(map[string]*agentLock),
	}
}

// Authenticate validates req and registers a new session writing to ctl.
// When a session for the same agent is live it is probed first: an echo
// rejects the newcomer, silence evicts the old session.
func (r *Registry) Authenticate(ctx context.Context, req protocol.AuthRequest, ctl Control) (*Session, error) {
	sess, err := r.authenticate(ctx, req, ctl)
	if err != nil {
		code := domain.CodeOf(err)
		if code == "" {
			code = "error"
		}
		r.metrics.RecordAuth(code)
		return nil, err
	}
	r.metrics.RecordAuth("accepted")
	r.metrics.SessionOpened()
	return sess, nil
}

func (r *Registry) authenticate(ctx context.Context, req protocol.AuthRequest, ctl Control) (*Session, error) {
	switch {
	case req.Agent == "":
		return nil, domain.AuthError(domain.CodeMissingField, "agent is required")
	case req.Token == "":
		return nil, domain.AuthError(domain.CodeMissingField, "token is required")
	case req.Machine == "":
		return nil, domain.AuthError(domain.CodeMissingField, "machine is required")
	}

	rec, err := r.tokens.TokenOf(ctx, req.Agent)
	if errors.Is(err, token.ErrNotFound) {
		return nil, domain.AuthError(domain.CodeInvalidToken, "unknown agent")
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(rec.Token), []byte(req.Token)) != 1 {
		return nil, domain.AuthError(domain.CodeInvalidToken, "token does not match")
	}
	if !rec.Active() {
		return nil, domain.AuthError(domain.CodeInactiveToken, "token is not active")
	}
	if rec.Machine != "" && rec.Machine != req.Machine {
		return nil, domain.AuthError(domain.CodeMachineMismatch, "token is bound to another machine")
	}

	unlock := r.lockAgent(req.Agent)
	defer unlock()

	if existing := r.Lookup(req.Agent); existing != nil {
		alive, err := r.probe(ctx, existing)
		if err != nil {
			return nil, err
		}
		if alive {
			r.logger.Warn("rejecting duplicate agent session", "agent_id", req.Agent, "machine", req.Machine)
			return nil, domain.AuthError(domain.CodeDuplicateSession, "another instance connected")
		}
		r.logger.Warn("evicting unresponsive agent session", "agent_id", req.Agent, "referer", existing.Referer)
		r.evict(existing)
	}

	if rec.Machine == "" {
		if err := r.tokens.Link(ctx, req.Agent, req.Machine); err != nil {
			return nil, fmt.Errorf("link token: %w", err)
		}
	}

	sess := &Session{
		ID:      req.Agent,
		Referer: uuid.NewString(),
		Machine: req.Machine,
		Servers: append([]string(nil), req.Servers...),
		Opened:  time.Now(),
		ctl:     ctl,
		status:  domain.StatusAuthenticated,
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	r.mu.Unlock()

	r.logger.Info("agent authenticated", "agent_id", sess.ID, "machine", sess.Machine)
	return sess, nil
}

// probe sends isAlive to s and reports whether a matching echo arrived
// within the liveness timeout.
func (r *Registry) probe(ctx context.Context, s *Session) (bool, error) {
	p := s.startProbe()
	defer s.endProbe(p)

	if err := s.Send(protocol.EventIsAlive, protocol.Probe{Code: p.code}); err != nil {
		r.metrics.RecordLivenessProbe("send_failed")
		return false, nil
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case <-p.echoed:
		r.metrics.RecordLivenessProbe("alive")
		return true, nil
	case <-timer.C:
		r.metrics.RecordLivenessProbe("timeout")
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (r *Registry) evict(s *Session) {
	r.mu.Lock()
	if r.sessions[s.ID] == s {
		delete(r.sessions, s.ID)
		r.metrics.SessionClosed()
	}
	r.mu.Unlock()

	if err := s.Close(); err != nil {
		r.logger.Debug("close evicted session", "agent_id", s.ID, "error", err)
	}
}

func (r *Registry) lockAgent(id string) func() {
	r.locksMu.Lock()
	l, ok := r.locks[id]
	if !ok {
		l = &agentLock{}
		r.locks[id] = l
	}
	l.refs++
	r.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, id)
		}
		r.locksMu.Unlock()
	}
}

// Lookup returns the live session of id, or nil.
func (r *Registry) Lookup(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Remove drops s if it is still the live session for its id. It reports
// false when s was already replaced or evicted.
func (r *Registry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.ID] != s {
		return false
	}
	delete(r.sessions, s.ID)
	r.metrics.SessionClosed()
	return true
}

// Online returns the live sessions ordered by id.
func (r *Registry) Online() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Available returns the ids of online peers that s may see.
func (r *Registry) Available(s *Session) []string {
	var ids []string
	for _, peer := range r.Online() {
		if peer.ID != s.ID && s.Allows(peer.ID) {
			ids = append(ids, peer.ID)
		}
	}
	return ids
}

// Watchers returns the online peers whose allow-list admits s.
func (r *Registry) Watchers(s *Session) []*Session {
	var out []*Session
	for _, peer := range r.Online() {
		if peer.ID != s.ID && peer.Allows(s.ID) {
			out = append(out, peer)
		}
	}
	return out
}

// Validate checks a secondary-socket identity against the live session.
// origin must name the session's own agent.
func (r *Registry) Validate(id domain.Identity, origin string) (*Session, error) {
	s := r.Lookup(id.ID)
	if s == nil {
		return nil, domain.AuthError(domain.CodeUnauthorized, "no live session for "+id.ID)
	}
	if subtle.ConstantTimeCompare([]byte(s.Referer), []byte(id.Referer)) != 1 ||
		s.Machine != id.Machine || origin != s.ID || s.Status() != domain.StatusAuthenticated {
		return nil, domain.AuthError(domain.CodeUnauthorized, "identity does not match session")
	}
	return s, nil
}
