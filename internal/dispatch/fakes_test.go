package dispatch_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-apns-gateway/internal/framer"
	"github.com/tinywideclouds/go-apns-gateway/internal/transport"
	"github.com/tinywideclouds/go-apns-gateway/pkg/apns"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testConfig = apns.Config{
	TeamID:       "TEAM123456",
	KeyID:        "KEY1234567",
	DefaultTopic: "com.example.app",
	Host:         apns.HostSandbox,
}

type writtenReq struct {
	streamID uint32
	frames   *framer.Frames
}

// fakeConn records writes and lets tests answer streams by hand.
type fakeConn struct {
	mu       sync.Mutex
	next     uint32
	limit    int
	writes   []writtenReq
	resets   []uint32
	writeErr error
	onWrite  func() // runs before each write, outside the lock
	err      error
	closed   bool
	events   chan transport.Event
}

func newFakeConn(limit int) *fakeConn {
	return &fakeConn{next: 1, limit: limit, events: make(chan transport.Event, 64)}
}

func (f *fakeConn) WriteRequest(frames *framer.Frames, bind func(uint32)) (uint32, error) {
	if f.onWrite != nil {
		f.onWrite()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	if f.closed {
		return 0, transport.ErrClosed
	}
	id := f.next
	f.next += 2
	bind(id)
	f.writes = append(f.writes, writtenReq{streamID: id, frames: frames})
	return id, nil
}

func (f *fakeConn) ResetStream(id uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets = append(f.resets, id)
	return nil
}

func (f *fakeConn) MaxConcurrentStreams() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit
}

func (f *fakeConn) Events() <-chan transport.Event { return f.events }

func (f *fakeConn) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeConn) Close() error {
	f.fail(transport.ErrClosed)
	return nil
}

func (f *fakeConn) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	f.err = err
	close(f.events)
}

func (f *fakeConn) setLimit(n int) {
	f.mu.Lock()
	f.limit = n
	f.mu.Unlock()
	f.events <- transport.Event{Kind: transport.EventSettings}
}

func (f *fakeConn) respond(id uint32, status int, apnsID string, body string) {
	h := http.Header{}
	if apnsID != "" {
		h.Set("apns-id", apnsID)
	}
	f.events <- transport.Event{
		Kind:     transport.EventResponse,
		StreamID: id,
		Response: &transport.RawResponse{Status: status, Header: h, Body: []byte(body)},
	}
}

func (f *fakeConn) written() []writtenReq {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]writtenReq(nil), f.writes...)
}

func (f *fakeConn) resetIDs() []uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint32(nil), f.resets...)
}

// waitWrites blocks until at least n requests reached the connection.
func (f *fakeConn) waitWrites(t *testing.T, n int) []writtenReq {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.written()) >= n }, 2*time.Second, 5*time.Millisecond)
	return f.written()
}

// fakeTokens hands out numbered credentials and records invalidations.
type fakeTokens struct {
	mu          sync.Mutex
	generation  int
	err         error
	empty       bool
	invalidated []apns.Credential
}

func (s *fakeTokens) CurrentToken(context.Context) (apns.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return apns.Credential{}, s.err
	}
	if s.empty {
		return apns.Credential{}, nil
	}
	return apns.Credential{
		Token:    "token-" + string(rune('A'+s.generation)),
		IssuedAt: time.Now(),
		ValidFor: time.Hour,
	}, nil
}

func (s *fakeTokens) Invalidate(stale apns.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, stale)
	s.generation++
}

var errKeyUnreadable = errors.New("key unreadable")

func request(token string) *apns.NotificationRequest {
	return &apns.NotificationRequest{DeviceToken: token, Payload: []byte(`{"aps":{"alert":"hi"}}`)}
}
