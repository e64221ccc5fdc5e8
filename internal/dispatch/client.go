package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-apns-gateway/internal/transport"
	"github.com/tinywideclouds/go-apns-gateway/pkg/apns"
)

// DialFunc opens a fresh connection to the gateway.
type DialFunc func(ctx context.Context) (transport.Conn, error)

// Client keeps one Dispatcher alive, dialing lazily on first use and again
// after the connection is lost. Sends that were pending on a lost connection
// are failed, not replayed.
type Client struct {
	dial   DialFunc
	tokens apns.TokenSource
	cfg    apns.Config
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	current *Dispatcher
	closed  bool
}

var _ apns.Sender = (*Client)(nil)

// ErrClientClosed is returned by Send after Close.
var ErrClientClosed = errors.New("dispatch: client closed")

func NewClient(dial DialFunc, tokens apns.TokenSource, cfg apns.Config, opts Options, logger *slog.Logger) *Client {
	return &Client{
		dial:   dial,
		tokens: tokens,
		cfg:    cfg,
		opts:   opts,
		logger: logger.With("component", "ApnsClient"),
	}
}

// Send delivers req on the current connection, dialing one if needed.
func (c *Client) Send(ctx context.Context, req *apns.NotificationRequest) (*apns.Response, error) {
	// A missing credential must fail before any dial.
	if _, err := c.tokens.CurrentToken(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var signErr *apns.SigningError
		if !errors.As(err, &signErr) {
			err = &apns.SigningError{Err: err}
		}
		return nil, err
	}

	d, err := c.dispatcher(ctx)
	if err != nil {
		return nil, err
	}
	return d.Send(ctx, req)
}

// Stats reports the current connection's stream table, zero when none is open.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	d := c.current
	c.mu.Unlock()
	if d == nil {
		return Stats{}
	}
	return d.Stats()
}

// Close closes the current connection, failing its pending sends.
func (c *Client) Close() error {
	c.mu.Lock()
	d := c.current
	c.current = nil
	c.closed = true
	c.mu.Unlock()
	if d == nil {
		return nil
	}
	return d.Close()
}

func (c *Client) dispatcher(ctx context.Context) (*Dispatcher, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.current != nil {
		if !c.current.Stats().Closed {
			return c.current, nil
		}
		c.logger.Info("Connection lost, redialing")
		c.current = nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return nil, &apns.TransportError{Err: fmt.Errorf("dial: %w", err)}
	}
	c.current = New(conn, c.tokens, c.cfg, c.opts, c.logger)
	return c.current, nil
}
