package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/polisai/polis-relay/internal/governance"
	"github.com/polisai/polis-relay/pkg/domain"
	"github.com/polisai/polis-relay/pkg/protocol"
	"github.com/polisai/polis-relay/pkg/telemetry"
)

// ErrNotConnected is returned by Send while no session is established.
var ErrNotConnected = errors.New("control channel not connected")

// Handler receives control-channel events on the agent side.
type Handler interface {
	// Authenticated runs after every successful (re)authentication.
	Authenticated(ctx context.Context, result protocol.AuthResult)
	// HandleEvent runs for every event other than isAlive.
	HandleEvent(ctx context.Context, env protocol.Envelope)
	// Disconnected runs when an established session ends.
	Disconnected(err error)
}

// ClientOptions configure a Client.
type ClientOptions struct {
	Address string
	Agent   string
	Token   string
	Machine string
	Servers []string

	Backoff governance.BackoffConfig
	Dial    func(ctx context.Context, network, address string) (net.Conn, error)
	Handler Handler
	Logger  *slog.Logger
}

// Client keeps the agent's control connection to the broker's Auth service.
type Client struct {
	opts    ClientOptions
	backoff *governance.Backoff
	logger  *slog.Logger

	mu       sync.RWMutex
	codec    *protocol.Codec
	identity domain.Identity
	status   domain.SessionStatus
}

// NewClient creates a client. Run connects it.
func NewClient(opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dial == nil {
		var d net.Dialer
		opts.Dial = d.DialContext
	}
	return &Client{
		opts:    opts,
		backoff: governance.NewBackoff(opts.Backoff),
		logger:  opts.Logger,
	}
}

// IsTerminal reports whether an auth rejection should stop reconnecting.
func IsTerminal(err error) bool {
	switch domain.CodeOf(err) {
	case domain.CodeMissingField, domain.CodeInvalidToken, domain.CodeInactiveToken,
		domain.CodeMachineMismatch, domain.CodeDuplicateSession:
		return true
	}
	return false
}

// Run connects and serves until ctx ends or the broker rejects the
// credentials for good.
func (c *Client) Run(ctx context.Context) error {
	err := c.backoff.Retry(ctx, c.serve, IsTerminal)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Send writes an event on the live control connection.
func (c *Client) Send(event string, args ...any) error {
	c.mu.RLock()
	codec := c.codec
	c.mu.RUnlock()
	if codec == nil {
		return ErrNotConnected
	}
	return codec.Send(event, args...)
}

// Identity returns the current session identity and whether one exists.
func (c *Client) Identity() (domain.Identity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity, c.status == domain.StatusAuthenticated
}

// Status returns the authentication state.
func (c *Client) Status() domain.SessionStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Client) serve(ctx context.Context, reset func()) error {
	conn, err := c.opts.Dial(ctx, "tcp", c.opts.Address)
	if err != nil {
		c.logger.Warn("control connect failed", "address", c.opts.Address, "error", err)
		return fmt.Errorf("dial broker: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	codec := protocol.NewCodec(conn)
	req := protocol.AuthRequest{
		Agent:   c.opts.Agent,
		Token:   c.opts.Token,
		Servers: c.opts.Servers,
		Machine: c.opts.Machine,
	}
	if err := codec.Send(protocol.EventAuth, req); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	result, early, err := c.awaitAuth(codec)
	if err != nil {
		return err
	}
	reset()

	c.mu.Lock()
	c.codec = codec
	c.identity = domain.Identity{ID: result.ID, Referer: result.Referer, Machine: c.opts.Machine}
	c.status = domain.StatusAuthenticated
	c.mu.Unlock()

	c.logger.Info("control channel authenticated", "available", result.AvailableServers)
	if c.opts.Handler != nil {
		c.opts.Handler.Authenticated(ctx, result)
		for _, env := range early {
			c.opts.Handler.HandleEvent(ctx, env)
		}
	}

	err = c.readLoop(ctx, codec, result.Referer)

	c.mu.Lock()
	c.codec = nil
	c.status = domain.StatusUnknown
	c.mu.Unlock()
	if c.opts.Handler != nil {
		c.opts.Handler.Disconnected(err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	c.logger.Warn("control channel lost", "error", err)
	return err
}

// awaitAuth reads until the broker answers the auth request. Events that
// race ahead of authResult are returned for delivery afterwards.
func (c *Client) awaitAuth(codec *protocol.Codec) (protocol.AuthResult, []protocol.Envelope, error) {
	var (
		result protocol.AuthResult
		early  []protocol.Envelope
	)
	for {
		env, err := codec.ReadEnvelope()
		if domain.IsProtocol(err) {
			c.logger.Warn("dropping malformed control frame", "error", err)
			continue
		}
		if err != nil {
			return result, nil, fmt.Errorf("await auth result: %w", err)
		}

		switch env.EventName {
		case protocol.EventAuthResult:
			if err := env.Arg(0, &result); err != nil {
				return result, nil, err
			}
			return result, early, nil
		case protocol.EventAuthFailed:
			var rej protocol.Rejection
			if err := env.Arg(0, &rej); err != nil {
				return result, nil, err
			}
			c.mu.Lock()
			c.status = domain.StatusRejected
			c.mu.Unlock()
			c.logger.Error("broker rejected agent",
				"code", rej.Code,
				"message", rej.Message,
				"token", telemetry.MaskSecret(c.opts.Token),
			)
			return result, nil, rej.Err()
		default:
			early = append(early, env)
		}
	}
}

func (c *Client) readLoop(ctx context.Context, codec *protocol.Codec, referer string) error {
	for {
		env, err := codec.ReadEnvelope()
		if domain.IsProtocol(err) {
			c.logger.Warn("dropping malformed control frame", "error", err)
			continue
		}
		if err != nil {
			return err
		}

		if env.EventName == protocol.EventIsAlive {
			var p protocol.Probe
			if err := env.Arg(0, &p); err != nil {
				c.logger.Warn("bad isAlive probe", "error", err)
				continue
			}
			if err := codec.Send(protocol.EventIsAlive, protocol.Probe{Code: p.Code, Referer: referer}); err != nil {
				return err
			}
			continue
		}
		if c.opts.Handler != nil {
			c.opts.Handler.HandleEvent(ctx, env)
		}
	}
}
