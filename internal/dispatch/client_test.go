package dispatch_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-apns-gateway/internal/credential"
	"github.com/tinywideclouds/go-apns-gateway/internal/dispatch"
	"github.com/tinywideclouds/go-apns-gateway/internal/transport"
	"github.com/tinywideclouds/go-apns-gateway/internal/transport/h2conn"
	"github.com/tinywideclouds/go-apns-gateway/pkg/apns"
	"golang.org/x/net/http2"
)

func TestClient_DialsLazilyAndRedials(t *testing.T) {
	var conns []*fakeConn
	var mu sync.Mutex
	dial := func(context.Context) (transport.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		c := newFakeConn(10)
		conns = append(conns, c)
		return c, nil
	}
	latest := func() *fakeConn {
		mu.Lock()
		defer mu.Unlock()
		return conns[len(conns)-1]
	}
	dialed := func() int {
		mu.Lock()
		defer mu.Unlock()
		return len(conns)
	}

	client := dispatch.NewClient(dial, &fakeTokens{}, testConfig, dispatch.Options{}, newTestLogger())
	t.Cleanup(func() { _ = client.Close() })
	assert.Equal(t, 0, dialed())

	send := func() error {
		before := 0
		if dialed() > 0 {
			before = len(latest().written())
		}
		done := make(chan error, 1)
		go func() {
			_, err := client.Send(context.Background(), request("abc123"))
			done <- err
		}()
		require.Eventually(t, func() bool { return dialed() > 0 && len(latest().written()) > before }, 2*time.Second, 5*time.Millisecond)
		c := latest()
		c.respond(c.written()[before].streamID, http.StatusOK, "", "")
		return <-done
	}

	require.NoError(t, send())
	require.NoError(t, send())
	assert.Equal(t, 1, dialed(), "one connection serves consecutive sends")

	latest().fail(errors.New("goaway"))
	require.Eventually(t, func() bool { return client.Stats().Closed }, time.Second, 5*time.Millisecond)

	// The next send notices the dead connection and dials again.
	done := make(chan error, 1)
	go func() {
		_, err := client.Send(context.Background(), request("after"))
		done <- err
	}()
	require.Eventually(t, func() bool { return dialed() == 2 && len(latest().written()) == 1 }, 2*time.Second, 5*time.Millisecond)
	c := latest()
	c.respond(c.written()[0].streamID, http.StatusOK, "", "")
	require.NoError(t, <-done)
}

func TestClient_SigningFailureDoesNotDial(t *testing.T) {
	var dials atomic.Int32
	dial := func(context.Context) (transport.Conn, error) {
		dials.Add(1)
		return newFakeConn(10), nil
	}
	client := dispatch.NewClient(dial, &fakeTokens{err: errKeyUnreadable}, testConfig, dispatch.Options{}, newTestLogger())

	_, err := client.Send(context.Background(), request("abc123"))
	assert.ErrorIs(t, err, apns.ErrSigning)
	assert.Zero(t, dials.Load())
}

func TestClient_DialFailure(t *testing.T) {
	refused := errors.New("connection refused")
	client := dispatch.NewClient(func(context.Context) (transport.Conn, error) {
		return nil, refused
	}, &fakeTokens{}, testConfig, dispatch.Options{}, newTestLogger())

	_, err := client.Send(context.Background(), request("abc123"))
	assert.ErrorIs(t, err, apns.ErrTransport)
	assert.ErrorIs(t, err, refused)
}

func TestClient_Closed(t *testing.T) {
	client := dispatch.NewClient(func(context.Context) (transport.Conn, error) {
		return newFakeConn(10), nil
	}, &fakeTokens{}, testConfig, dispatch.Options{}, newTestLogger())
	require.NoError(t, client.Close())

	_, err := client.Send(context.Background(), request("abc123"))
	assert.ErrorIs(t, err, dispatch.ErrClientClosed)
}

// TestClient_EndToEnd drives a real signer, framer and HTTP/2 connection
// against a loopback gateway.
func TestClient_EndToEnd(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	var mu sync.Mutex
	var seenAuth []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.ReadAll(r.Body)
		mu.Lock()
		seenAuth = append(seenAuth, r.Header.Get("Authorization"))
		mu.Unlock()

		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "bearer ")
		_, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) { return &key.PublicKey, nil },
			jwt.WithValidMethods([]string{"ES256"}))
		if err != nil {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"reason":"InvalidProviderToken"}`))
			return
		}
		if strings.HasSuffix(r.URL.Path, "/dead") {
			w.WriteHeader(http.StatusGone)
			_, _ = w.Write([]byte(`{"reason":"Unregistered","timestamp":1700000000000}`))
			return
		}
		w.Header().Set("apns-id", "id-"+strings.TrimPrefix(r.URL.Path, "/3/device/"))
		w.WriteHeader(http.StatusOK)
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		srv := &http2.Server{}
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go srv.ServeConn(c, &http2.ServeConnOpts{Handler: handler})
		}
	}()

	provider, err := credential.NewProvider(testConfig, credential.NewES256Signer(key), newTestLogger())
	require.NoError(t, err)

	client := dispatch.NewClient(func(ctx context.Context) (transport.Conn, error) {
		var d net.Dialer
		nc, err := d.DialContext(ctx, "tcp", ln.Addr().String())
		if err != nil {
			return nil, err
		}
		return h2conn.NewConn(nc, newTestLogger())
	}, provider, testConfig, dispatch.Options{}, newTestLogger())
	t.Cleanup(func() { _ = client.Close() })

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := "device" + strings.Repeat("a", i+1)
			resp, err := client.Send(context.Background(), request(token))
			if assert.NoError(t, err) {
				assert.Equal(t, "id-"+token, resp.ApnsID)
			}
		}(i)
	}
	wg.Wait()

	_, err = client.Send(context.Background(), request("dead"))
	var gwErr *apns.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "Unregistered", gwErr.Reason)
	require.NotNil(t, gwErr.Timestamp)
	assert.Equal(t, int64(1700000000000), gwErr.Timestamp.UnixMilli())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seenAuth, n+1)
	for _, auth := range seenAuth {
		assert.Equal(t, seenAuth[0], auth, "every request reuses the cached provider token")
	}
}
