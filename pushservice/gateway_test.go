package pushservice_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tinywideclouds/go-apns-gateway/pkg/apns"
	"github.com/tinywideclouds/go-apns-gateway/pushservice"
	"github.com/tinywideclouds/go-apns-gateway/pushservice/config"
)

func newP8(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

type seenRequest struct {
	path, auth, topic, pushType string
}

func newGatewayServer(t *testing.T) (*httptest.Server, func() []seenRequest) {
	t.Helper()
	var mu sync.Mutex
	var seen []seenRequest

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		mu.Lock()
		seen = append(seen, seenRequest{
			path:     r.URL.Path,
			auth:     r.Header.Get("authorization"),
			topic:    r.Header.Get("apns-topic"),
			pushType: r.Header.Get("apns-push-type"),
		})
		mu.Unlock()
		if strings.HasSuffix(r.URL.Path, "/dead") {
			w.Header().Set("apns-id", "id-dead")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"reason":"BadDeviceToken"}`))
			return
		}
		w.Header().Set("apns-id", "id-ok")
		w.WriteHeader(http.StatusOK)
	}))
	srv.EnableHTTP2 = true
	srv.StartTLS()
	t.Cleanup(srv.Close)

	return srv, func() []seenRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]seenRequest(nil), seen...)
	}
}

func TestNewGatewayClient(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, seen := newGatewayServer(t)

	keyPath := filepath.Join(t.TempDir(), "AuthKey_TESTKEY001.p8")
	require.NoError(t, os.WriteFile(keyPath, newP8(t), 0o600))

	roots := x509.NewCertPool()
	roots.AddCert(srv.Certificate())

	cfg := config.ApnsConfig{
		TeamID:   "TEAM000001",
		KeyID:    "TESTKEY001",
		BundleID: "com.example.app",
		KeyFile:  keyPath,
		Host:     strings.TrimPrefix(srv.URL, "https://"),
	}

	client, err := pushservice.NewGatewayClient(cfg, nil, &tls.Config{RootCAs: roots}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := client.Send(ctx, &apns.NotificationRequest{DeviceToken: "good", Payload: []byte(`{"aps":{}}`)})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "id-ok", resp.ApnsID)

	_, err = client.Send(ctx, &apns.NotificationRequest{DeviceToken: "dead", Payload: []byte(`{"aps":{}}`)})
	var gwErr *apns.GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, "BadDeviceToken", gwErr.Reason)

	requests := seen()
	require.Len(t, requests, 2)
	assert.Equal(t, "/3/device/good", requests[0].path)
	assert.True(t, strings.HasPrefix(requests[0].auth, "bearer "))
	assert.Equal(t, requests[0].auth, requests[1].auth)
	assert.Equal(t, "com.example.app", requests[0].topic)
}

func TestNewGatewayClient_BadKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err := pushservice.NewGatewayClient(config.ApnsConfig{
		TeamID: "T", KeyID: "K", BundleID: "com.example.app", P8Key: "not a key",
	}, nil, nil, logger)
	assert.Error(t, err)

	_, err = pushservice.NewGatewayClient(config.ApnsConfig{
		TeamID: "T", KeyID: "K", BundleID: "com.example.app", KeyFile: filepath.Join(t.TempDir(), "missing.p8"),
	}, nil, nil, logger)
	assert.Error(t, err)
}
