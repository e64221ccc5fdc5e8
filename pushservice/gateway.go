package pushservice

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"

	"github.com/tinywideclouds/go-apns-gateway/internal/credential"
	gateway "github.com/tinywideclouds/go-apns-gateway/internal/dispatch"
	"github.com/tinywideclouds/go-apns-gateway/internal/transport"
	"github.com/tinywideclouds/go-apns-gateway/internal/transport/h2conn"
	"github.com/tinywideclouds/go-apns-gateway/pushservice/config"
)

const gatewayPort = "443"

// NewGatewayClient builds the signing credential provider and the multiplexed
// gateway client from config. shared may be nil; tlsConfig may be nil to use
// the system roots.
func NewGatewayClient(
	cfg config.ApnsConfig,
	shared credential.SharedCache,
	tlsConfig *tls.Config,
	logger *slog.Logger,
) (*gateway.Client, error) {
	signer, err := newSigner(cfg)
	if err != nil {
		return nil, err
	}

	gatewayCfg := cfg.GatewayConfig()
	var opts []credential.Option
	if shared != nil {
		opts = append(opts, credential.WithSharedCache(shared))
	}
	provider, err := credential.NewProvider(gatewayCfg, signer, logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential provider: %w", err)
	}

	addr := dialAddr(gatewayCfg.Host)
	dial := func(ctx context.Context) (transport.Conn, error) {
		logger.Debug("Dialing APNs gateway", "addr", addr)
		return h2conn.Dial(ctx, addr, tlsConfig, logger)
	}

	logger.Info("APNs gateway client configured",
		"host", gatewayCfg.Host,
		"topic", gatewayCfg.DefaultTopic,
		"refresh_interval", gatewayCfg.RefreshInterval,
		"shared_credentials", shared != nil,
	)
	return gateway.NewClient(dial, provider, gatewayCfg, gateway.Options{RetryExpiredToken: cfg.RetryExpiredToken}, logger), nil
}

func newSigner(cfg config.ApnsConfig) (*credential.ES256Signer, error) {
	if cfg.P8Key != "" {
		return credential.NewES256SignerFromP8([]byte(cfg.P8Key))
	}
	return credential.NewES256SignerFromFile(cfg.KeyFile)
}

func dialAddr(host string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, gatewayPort)
}
