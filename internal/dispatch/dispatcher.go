// Package dispatch sends notifications over one shared multiplexed connection,
// bounding the number of open streams and correlating responses to callers.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/tinywideclouds/go-apns-gateway/internal/framer"
	"github.com/tinywideclouds/go-apns-gateway/internal/response"
	"github.com/tinywideclouds/go-apns-gateway/internal/transport"
	"github.com/tinywideclouds/go-apns-gateway/pkg/apns"
)

// Options tune a Dispatcher.
type Options struct {
	// RetryExpiredToken resends once with a fresh credential when the gateway
	// answers ExpiredProviderToken. Off by default.
	RetryExpiredToken bool
}

// Stats is a point-in-time view of the stream table.
type Stats struct {
	InFlight   int // streams awaiting a response
	Active     int // stream slots held, bound or not
	Queued     int // sends waiting for a free stream
	MaxStreams int
	Closed     bool // the connection is gone; sends fail immediately
}

type outcome struct {
	resp *apns.Response
	err  error
}

// inflight is one open stream awaiting its response.
type inflight struct {
	streamID uint32
	done     chan outcome // buffered; written once by whoever removes the entry
}

type waiter struct {
	ready chan struct{}
	err   error // set before ready is closed
}

// Dispatcher owns a transport.Conn. All methods are safe for concurrent use.
type Dispatcher struct {
	conn   transport.Conn
	tokens apns.TokenSource
	cfg    apns.Config
	build  framer.BuildFunc
	opts   Options
	logger *slog.Logger

	mu         sync.Mutex
	inflight   map[uint32]*inflight
	active     int // granted slots, written or about to be
	maxStreams int
	queue      []*waiter
	closed     error

	loopDone chan struct{}
}

var _ apns.Sender = (*Dispatcher)(nil)

// New starts a Dispatcher reading conn's events.
func New(conn transport.Conn, tokens apns.TokenSource, cfg apns.Config, opts Options, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		conn:       conn,
		tokens:     tokens,
		cfg:        cfg.WithDefaults(),
		build:      framer.Build,
		opts:       opts,
		logger:     logger.With("component", "ConnectionDispatcher"),
		inflight:   make(map[uint32]*inflight),
		maxStreams: conn.MaxConcurrentStreams(),
		loopDone:   make(chan struct{}),
	}
	go d.run()
	return d
}

// Send delivers req and waits for the gateway's verdict. Failures are
// *apns.SigningError, *apns.TransportError, *apns.GatewayError,
// *apns.ProtocolError or the context's error.
func (d *Dispatcher) Send(ctx context.Context, req *apns.NotificationRequest) (*apns.Response, error) {
	return d.SendAsync(ctx, req).Result()
}

// SendAsync starts delivering req. Cancelling ctx abandons the send: a queued
// send leaves the queue, an open stream is reset and its slot freed.
func (d *Dispatcher) SendAsync(ctx context.Context, req *apns.NotificationRequest) *Pending {
	p := newPending()
	go func() {
		p.resolve(d.send(ctx, req))
	}()
	return p
}

// Done is closed once the connection failed and every send was resolved.
func (d *Dispatcher) Done() <-chan struct{} { return d.loopDone }

// Close closes the connection and fails whatever is still pending.
func (d *Dispatcher) Close() error {
	err := d.conn.Close()
	<-d.loopDone
	return err
}

// Stats reports the stream table.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{
		InFlight:   len(d.inflight),
		Active:     d.active,
		Queued:     len(d.queue),
		MaxStreams: d.maxStreams,
		Closed:     d.closed != nil,
	}
}

func (d *Dispatcher) send(ctx context.Context, req *apns.NotificationRequest) (*apns.Response, error) {
	resp, cred, err := d.attempt(ctx, req)
	if err == nil || !d.opts.RetryExpiredToken || !response.IsExpiredProviderToken(err) {
		return resp, err
	}

	d.logger.Info("Gateway reported an expired provider token, retrying with a fresh one",
		"issued_at", cred.IssuedAt)
	if inv, ok := d.tokens.(apns.Invalidator); ok {
		inv.Invalidate(cred)
	}
	resp, _, err = d.attempt(ctx, req)
	return resp, err
}

// attempt runs one pass of the pipeline: credential, framing, slot, write, wait.
func (d *Dispatcher) attempt(ctx context.Context, req *apns.NotificationRequest) (*apns.Response, apns.Credential, error) {
	cred, err := d.tokens.CurrentToken(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, cred, ctxErr
		}
		var signErr *apns.SigningError
		if !errors.As(err, &signErr) {
			err = &apns.SigningError{Err: err}
		}
		return nil, cred, err
	}

	frames, err := d.build(req, cred, d.cfg)
	if err != nil {
		return nil, cred, err
	}

	if err := d.acquire(ctx); err != nil {
		return nil, cred, err
	}

	fl := &inflight{done: make(chan outcome, 1)}
	id, err := d.conn.WriteRequest(frames, func(streamID uint32) {
		d.mu.Lock()
		fl.streamID = streamID
		d.inflight[streamID] = fl
		d.mu.Unlock()
	})
	if err != nil {
		if id == 0 {
			d.release()
		} else {
			d.take(id)
		}
		d.logger.Warn("Failed to write request", "stream_id", id, "err", err)
		return nil, cred, &apns.TransportError{StreamID: id, Err: err}
	}

	select {
	case out := <-fl.done:
		return out.resp, cred, out.err
	case <-ctx.Done():
		if d.take(id) != nil {
			if err := d.conn.ResetStream(id); err != nil {
				d.logger.Debug("Failed to reset abandoned stream", "stream_id", id, "err", err)
			}
			return nil, cred, ctx.Err()
		}
		// Resolved concurrently; that outcome wins.
		out := <-fl.done
		return out.resp, cred, out.err
	}
}

// acquire takes a stream slot, queueing FIFO behind earlier callers.
func (d *Dispatcher) acquire(ctx context.Context) error {
	d.mu.Lock()
	if d.closed != nil {
		err := d.closed
		d.mu.Unlock()
		return err
	}
	if len(d.queue) == 0 && d.active < d.maxStreams {
		d.active++
		d.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	d.queue = append(d.queue, w)
	d.mu.Unlock()

	select {
	case <-w.ready:
		return w.err
	case <-ctx.Done():
		d.mu.Lock()
		for i, q := range d.queue {
			if q == w {
				d.queue = append(d.queue[:i], d.queue[i+1:]...)
				d.mu.Unlock()
				return ctx.Err()
			}
		}
		d.mu.Unlock()
		// Granted or failed while we were giving up.
		<-w.ready
		if w.err == nil {
			d.release()
		}
		return ctx.Err()
	}
}

func (d *Dispatcher) release() {
	d.mu.Lock()
	// failAll already zeroed the count.
	if d.closed == nil {
		d.active--
		d.grantLocked()
	}
	d.mu.Unlock()
}

func (d *Dispatcher) grantLocked() {
	for len(d.queue) > 0 && d.active < d.maxStreams {
		w := d.queue[0]
		d.queue = d.queue[1:]
		d.active++
		close(w.ready)
	}
}

// take removes the stream's entry and frees its slot. The caller that gets a
// non-nil entry owns its resolution.
func (d *Dispatcher) take(streamID uint32) *inflight {
	d.mu.Lock()
	defer d.mu.Unlock()
	fl := d.inflight[streamID]
	if fl == nil {
		return nil
	}
	delete(d.inflight, streamID)
	d.active--
	d.grantLocked()
	return fl
}

func (d *Dispatcher) run() {
	defer close(d.loopDone)
	for ev := range d.conn.Events() {
		switch ev.Kind {
		case transport.EventSettings:
			limit := d.conn.MaxConcurrentStreams()
			d.mu.Lock()
			d.maxStreams = limit
			d.grantLocked()
			d.mu.Unlock()

		case transport.EventStreamError:
			if fl := d.take(ev.StreamID); fl != nil {
				d.logger.Warn("Stream failed", "stream_id", ev.StreamID, "err", ev.Err)
				fl.done <- outcome{err: &apns.TransportError{StreamID: ev.StreamID, Err: ev.Err}}
			}

		case transport.EventResponse:
			fl := d.take(ev.StreamID)
			if fl == nil {
				continue // abandoned by its caller
			}
			if err := response.Classify(ev.Response.Status, ev.Response.Body); err != nil {
				d.logger.Debug("Gateway rejected notification", "stream_id", ev.StreamID, "err", err)
				fl.done <- outcome{err: err}
				continue
			}
			fl.done <- outcome{resp: &apns.Response{
				StatusCode: ev.Response.Status,
				ApnsID:     ev.Response.Header.Get("apns-id"),
			}}
		}
	}
	d.failAll(d.conn.Err())
}

// failAll resolves every open and queued send after the connection died.
func (d *Dispatcher) failAll(cause error) {
	if cause == nil {
		cause = transport.ErrClosed
	}

	d.mu.Lock()
	d.closed = &apns.TransportError{Err: cause}
	open := d.inflight
	queued := d.queue
	d.inflight = make(map[uint32]*inflight)
	d.queue = nil
	d.active = 0
	d.mu.Unlock()

	if len(open)+len(queued) > 0 {
		d.logger.Warn("Connection lost, failing pending sends", "in_flight", len(open), "queued", len(queued), "err", cause)
	}
	for id, fl := range open {
		fl.done <- outcome{err: &apns.TransportError{StreamID: id, Err: cause}}
	}
	for _, w := range queued {
		w.err = &apns.TransportError{Err: cause}
		close(w.ready)
	}
}
