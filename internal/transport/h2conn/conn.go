// Package h2conn is a client-side HTTP/2 connection that carries many request
// streams to a single gateway host. It implements transport.Conn.
package h2conn

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/tinywideclouds/go-apns-gateway/internal/framer"
	"github.com/tinywideclouds/go-apns-gateway/internal/transport"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

const (
	// Used until the peer's first SETTINGS frame arrives.
	initialMaxConcurrentStreams = 100
	initialWindowSize           = 65535
	initialMaxFrameSize         = 16384

	// Advertised receive windows.
	streamReceiveWindow = 1 << 20
	connReceiveWindow   = 4 << 20

	maxHeaderListSize = 1 << 20
	eventBuffer       = 64
)

var (
	errStreamReset = errors.New("h2conn: stream reset")
	errStreamDone  = errors.New("h2conn: stream already completed")
)

type stream struct {
	id         uint32
	sendWindow int64
	resp       *transport.RawResponse
	body       bytes.Buffer
	reset      bool // abandoned locally or refused by the peer
	done       bool // response fully received
}

// Conn is an HTTP/2 client connection.
type Conn struct {
	nc     net.Conn
	fr     *http2.Framer
	logger *slog.Logger

	// wmu serialises frame writes. Stream ids are allocated and their HEADERS
	// written under it so ids reach the wire in increasing order.
	wmu  sync.Mutex
	hbuf bytes.Buffer
	henc *hpack.Encoder

	mu            sync.Mutex
	cond          *sync.Cond // window growth, stream reset, connection failure
	nextStreamID  uint32
	streams       map[uint32]*stream
	maxConcurrent uint32
	maxFrameSize  uint32
	initialWindow int64
	connWindow    int64
	goAway        bool
	err           error

	events    chan transport.Event
	closeOnce sync.Once
}

var _ transport.Conn = (*Conn)(nil)

// Dial opens a TLS connection to addr, negotiates h2 and starts the connection.
func Dial(ctx context.Context, addr string, tlsConfig *tls.Config, logger *slog.Logger) (*Conn, error) {
	cfg := &tls.Config{}
	if tlsConfig != nil {
		cfg = tlsConfig.Clone()
	}
	cfg.NextProtos = []string{http2.NextProtoTLS}
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("h2conn: bad address %q: %w", addr, err)
		}
		cfg.ServerName = host
	}

	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second},
		Config:    cfg,
	}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("h2conn: dial %s: %w", addr, err)
	}
	if proto := nc.(*tls.Conn).ConnectionState().NegotiatedProtocol; proto != http2.NextProtoTLS {
		_ = nc.Close()
		return nil, fmt.Errorf("h2conn: %s negotiated %q, want %q", addr, proto, http2.NextProtoTLS)
	}
	return NewConn(nc, logger)
}

// NewConn speaks HTTP/2 over an established connection: it writes the client
// preface and settings and starts reading.
func NewConn(nc net.Conn, logger *slog.Logger) (*Conn, error) {
	c := &Conn{
		nc:            nc,
		logger:        logger.With("component", "H2Conn", "remote", nc.RemoteAddr().String()),
		nextStreamID:  1,
		streams:       make(map[uint32]*stream),
		maxConcurrent: initialMaxConcurrentStreams,
		maxFrameSize:  initialMaxFrameSize,
		initialWindow: initialWindowSize,
		connWindow:    initialWindowSize,
		events:        make(chan transport.Event, eventBuffer),
	}
	c.cond = sync.NewCond(&c.mu)
	c.henc = hpack.NewEncoder(&c.hbuf)
	c.fr = http2.NewFramer(nc, nc)
	c.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	c.fr.MaxHeaderListSize = maxHeaderListSize

	if _, err := io.WriteString(nc, http2.ClientPreface); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("h2conn: write preface: %w", err)
	}
	err := c.fr.WriteSettings(
		http2.Setting{ID: http2.SettingEnablePush, Val: 0},
		http2.Setting{ID: http2.SettingInitialWindowSize, Val: streamReceiveWindow},
		http2.Setting{ID: http2.SettingMaxHeaderListSize, Val: maxHeaderListSize},
	)
	if err == nil {
		err = c.fr.WriteWindowUpdate(0, connReceiveWindow-initialWindowSize)
	}
	if err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("h2conn: write settings: %w", err)
	}

	go c.readLoop()
	return c, nil
}

// Events returns the response stream. Only the read loop sends on it or closes it.
func (c *Conn) Events() <-chan transport.Event { return c.events }

// Err reports why the connection failed, or nil while it is healthy.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// MaxConcurrentStreams is the peer's advertised limit.
func (c *Conn) MaxConcurrentStreams() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.maxConcurrent)
}

// Close tears the connection down. Pending streams fail through Events.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.err == nil {
		c.err = transport.ErrClosed
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	return c.nc.Close()
}

// WriteRequest implements transport.Conn. The end of the request travels as
// END_STREAM on the last frame written.
func (c *Conn) WriteRequest(frames *framer.Frames, bind func(streamID uint32)) (uint32, error) {
	c.wmu.Lock()

	c.mu.Lock()
	if err := c.unusableLocked(); err != nil {
		c.mu.Unlock()
		c.wmu.Unlock()
		return 0, err
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	st := &stream{id: id, sendWindow: c.initialWindow}
	c.streams[id] = st
	maxFrame := int(c.maxFrameSize)
	c.mu.Unlock()

	if bind != nil {
		bind(id)
	}

	err := c.writeHeaders(id, &frames.Head, maxFrame, len(frames.Body) == 0)
	c.wmu.Unlock()
	if err != nil {
		c.breakConn(err)
		return id, fmt.Errorf("h2conn: write headers: %w", err)
	}

	if err := c.writeBody(st, frames.Body); err != nil {
		if errors.Is(err, errStreamDone) {
			// The peer answered before reading the whole body.
			return id, nil
		}
		return id, err
	}
	return id, nil
}

// ResetStream sends RST_STREAM(CANCEL) and forgets the stream.
func (c *Conn) ResetStream(streamID uint32) error {
	c.mu.Lock()
	st := c.streams[streamID]
	if st != nil {
		st.reset = true
		delete(c.streams, streamID)
		c.cond.Broadcast()
	}
	failed := c.err != nil
	c.mu.Unlock()

	if st == nil || failed {
		return nil
	}
	return c.writeFrame(func() error {
		return c.fr.WriteRSTStream(streamID, http2.ErrCodeCancel)
	})
}

func (c *Conn) unusableLocked() error {
	switch {
	case c.err != nil:
		return fmt.Errorf("%w: %v", transport.ErrClosed, c.err)
	case c.goAway:
		return fmt.Errorf("%w: draining after GOAWAY", transport.ErrClosed)
	case c.nextStreamID > math.MaxInt32:
		return fmt.Errorf("%w: stream ids exhausted", transport.ErrClosed)
	}
	return nil
}

// writeHeaders encodes the pseudo headers ahead of head's fields and writes the
// block as HEADERS plus CONTINUATION frames. Caller holds wmu.
func (c *Conn) writeHeaders(id uint32, head *framer.Head, maxFrame int, endStream bool) error {
	c.hbuf.Reset()
	authority, _ := head.Get("host")
	pseudo := []hpack.HeaderField{
		{Name: ":method", Value: head.Method},
		{Name: ":scheme", Value: "https"},
		{Name: ":authority", Value: authority},
		{Name: ":path", Value: head.Path},
	}
	for _, f := range pseudo {
		if err := c.henc.WriteField(f); err != nil {
			return err
		}
	}
	for _, f := range head.Header {
		if err := c.henc.WriteField(f); err != nil {
			return err
		}
	}

	block := c.hbuf.Bytes()
	first := true
	for first || len(block) > 0 {
		chunk := block
		if len(chunk) > maxFrame {
			chunk = chunk[:maxFrame]
		}
		block = block[len(chunk):]
		endHeaders := len(block) == 0

		var err error
		if first {
			err = c.fr.WriteHeaders(http2.HeadersFrameParam{
				StreamID:      id,
				BlockFragment: chunk,
				EndStream:     endStream,
				EndHeaders:    endHeaders,
			})
			first = false
		} else {
			err = c.fr.WriteContinuation(id, endHeaders, chunk)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) writeBody(st *stream, body []byte) error {
	for len(body) > 0 {
		n, err := c.reserve(st, len(body))
		if err != nil {
			return err
		}
		chunk := body[:n]
		body = body[n:]

		if err := c.writeFrame(func() error {
			return c.fr.WriteData(st.id, len(body) == 0, chunk)
		}); err != nil {
			return fmt.Errorf("h2conn: write data: %w", err)
		}
	}
	return nil
}

// reserve blocks until both flow-control windows allow sending and takes up to
// want bytes from them.
func (c *Conn) reserve(st *stream, want int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		switch {
		case c.err != nil:
			return 0, fmt.Errorf("%w: %v", transport.ErrClosed, c.err)
		case st.done:
			return 0, errStreamDone
		case st.reset:
			return 0, errStreamReset
		}
		avail := min(c.connWindow, st.sendWindow, int64(c.maxFrameSize))
		if avail > 0 {
			n := min(int64(want), avail)
			c.connWindow -= n
			st.sendWindow -= n
			return int(n), nil
		}
		c.cond.Wait()
	}
}

func (c *Conn) writeFrame(write func() error) error {
	c.wmu.Lock()
	err := write()
	c.wmu.Unlock()
	if err != nil {
		c.breakConn(err)
	}
	return err
}

// breakConn records a write failure and closes the socket; the read loop then
// fails everything still pending.
func (c *Conn) breakConn(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	_ = c.nc.Close()
}

func (c *Conn) readLoop() {
	var err error
	for {
		var f http2.Frame
		f, err = c.fr.ReadFrame()
		if err != nil {
			var se http2.StreamError
			if errors.As(err, &se) {
				c.failStream(se.StreamID, se)
				_ = c.writeFrame(func() error { return c.fr.WriteRSTStream(se.StreamID, se.Code) })
				continue
			}
			break
		}
		if err = c.handleFrame(f); err != nil {
			break
		}
	}
	c.shutdown(err)
}

func (c *Conn) handleFrame(f http2.Frame) error {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		return c.handleSettings(f)
	case *http2.MetaHeadersFrame:
		c.handleHeaders(f)
	case *http2.DataFrame:
		return c.handleData(f)
	case *http2.RSTStreamFrame:
		c.failStream(f.StreamID, http2.StreamError{StreamID: f.StreamID, Code: f.ErrCode})
	case *http2.WindowUpdateFrame:
		return c.handleWindowUpdate(f)
	case *http2.PingFrame:
		if !f.IsAck() {
			return c.writeFrame(func() error { return c.fr.WritePing(true, f.Data) })
		}
	case *http2.GoAwayFrame:
		c.handleGoAway(f)
	case *http2.PushPromiseFrame:
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	return nil
}

func (c *Conn) handleSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}
	var (
		limitChanged bool
		tableSize    *uint32
	)
	c.mu.Lock()
	err := f.ForeachSetting(func(s http2.Setting) error {
		if err := s.Valid(); err != nil {
			return err
		}
		switch s.ID {
		case http2.SettingMaxConcurrentStreams:
			limitChanged = c.maxConcurrent != s.Val
			c.maxConcurrent = s.Val
		case http2.SettingInitialWindowSize:
			delta := int64(s.Val) - c.initialWindow
			for _, st := range c.streams {
				st.sendWindow += delta
			}
			c.initialWindow = int64(s.Val)
		case http2.SettingMaxFrameSize:
			c.maxFrameSize = s.Val
		case http2.SettingHeaderTableSize:
			v := s.Val
			tableSize = &v
		}
		return nil
	})
	c.cond.Broadcast()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	if err := c.writeFrame(func() error {
		if tableSize != nil {
			c.henc.SetMaxDynamicTableSize(*tableSize)
		}
		return c.fr.WriteSettingsAck()
	}); err != nil {
		return err
	}
	if limitChanged {
		c.logger.Debug("Peer changed stream limit", "max_concurrent_streams", c.MaxConcurrentStreams())
		c.events <- transport.Event{Kind: transport.EventSettings}
	}
	return nil
}

func (c *Conn) handleHeaders(f *http2.MetaHeadersFrame) {
	id := f.StreamID
	status, convErr := strconv.Atoi(f.PseudoValue("status"))

	c.mu.Lock()
	st := c.streams[id]
	if st == nil {
		c.mu.Unlock()
		return
	}
	if convErr != nil {
		c.mu.Unlock()
		c.failStream(id, fmt.Errorf("h2conn: malformed :status %q", f.PseudoValue("status")))
		_ = c.writeFrame(func() error { return c.fr.WriteRSTStream(id, http2.ErrCodeProtocol) })
		return
	}
	if status >= 100 && status < 200 {
		c.mu.Unlock()
		return
	}
	// A second header block is trailers, which the gateway never sends.
	if st.resp == nil {
		st.resp = &transport.RawResponse{Status: status, Header: make(http.Header)}
		for _, hf := range f.RegularFields() {
			st.resp.Header.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
		}
	}
	c.mu.Unlock()

	if f.StreamEnded() {
		c.completeStream(id)
	}
}

func (c *Conn) handleData(f *http2.DataFrame) error {
	id := f.StreamID
	ended := f.StreamEnded()

	c.mu.Lock()
	st := c.streams[id]
	if st != nil && st.resp != nil {
		st.body.Write(f.Data())
	}
	c.mu.Unlock()

	// Padding counts against flow control too, so credit the full length.
	if n := f.Length; n > 0 {
		if err := c.writeFrame(func() error {
			if err := c.fr.WriteWindowUpdate(0, n); err != nil {
				return err
			}
			if st != nil && !ended {
				return c.fr.WriteWindowUpdate(id, n)
			}
			return nil
		}); err != nil {
			return err
		}
	}
	if ended && st != nil {
		c.completeStream(id)
	}
	return nil
}

func (c *Conn) handleWindowUpdate(f *http2.WindowUpdateFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	inc := int64(f.Increment)
	if f.StreamID == 0 {
		if c.connWindow+inc > math.MaxInt32 {
			return http2.ConnectionError(http2.ErrCodeFlowControl)
		}
		c.connWindow += inc
	} else if st := c.streams[f.StreamID]; st != nil {
		st.sendWindow += inc
	}
	c.cond.Broadcast()
	return nil
}

func (c *Conn) handleGoAway(f *http2.GoAwayFrame) {
	c.mu.Lock()
	c.goAway = true
	var refused []uint32
	for id, st := range c.streams {
		if id > f.LastStreamID {
			st.reset = true
			delete(c.streams, id)
			refused = append(refused, id)
		}
	}
	c.cond.Broadcast()
	c.mu.Unlock()

	c.logger.Warn("Peer sent GOAWAY", "code", f.ErrCode.String(), "last_stream_id", f.LastStreamID, "refused", len(refused))
	sort.Slice(refused, func(i, j int) bool { return refused[i] < refused[j] })
	for _, id := range refused {
		c.events <- transport.Event{
			Kind:     transport.EventStreamError,
			StreamID: id,
			Err:      fmt.Errorf("h2conn: stream refused by GOAWAY (%s)", f.ErrCode),
		}
	}
}

func (c *Conn) completeStream(id uint32) {
	c.mu.Lock()
	st := c.streams[id]
	if st != nil {
		st.done = true
		delete(c.streams, id)
		c.cond.Broadcast()
	}
	c.mu.Unlock()
	if st == nil {
		return
	}
	if st.resp == nil {
		c.events <- transport.Event{
			Kind:     transport.EventStreamError,
			StreamID: id,
			Err:      errors.New("h2conn: stream ended without response headers"),
		}
		return
	}
	st.resp.Body = st.body.Bytes()
	c.events <- transport.Event{Kind: transport.EventResponse, StreamID: id, Response: st.resp}
}

func (c *Conn) failStream(id uint32, err error) {
	c.mu.Lock()
	st := c.streams[id]
	if st != nil {
		st.reset = true
		delete(c.streams, id)
		c.cond.Broadcast()
	}
	c.mu.Unlock()
	if st != nil {
		c.events <- transport.Event{Kind: transport.EventStreamError, StreamID: id, Err: err}
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.err == nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("%w: peer closed the connection", transport.ErrClosed)
			}
			c.err = err
		}
		pending := len(c.streams)
		c.streams = make(map[uint32]*stream)
		c.cond.Broadcast()
		cause := c.err
		c.mu.Unlock()

		_ = c.nc.Close()
		c.logger.Info("Connection closed", "err", cause, "pending_streams", pending)
		close(c.events)
	})
}
