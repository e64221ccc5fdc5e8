// Package credential issues and caches the signed provider token used as the
// bearer credential on every request to the gateway.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/tinywideclouds/go-apns-gateway/pkg/apns"
	"golang.org/x/sync/singleflight"
)

const flightKey = "refresh"

// SharedCache lets several processes signing with the same key reuse one token.
// Load returns (nil, nil) on a miss.
type SharedCache interface {
	Load(ctx context.Context) (*apns.Credential, error)
	Store(ctx context.Context, cred apns.Credential) error
}

// Provider is the lock-guarded owner of the current credential.
type Provider struct {
	cfg    apns.Config
	signer apns.Signer
	shared SharedCache
	now    func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	current *apns.Credential
	revoked string // last token dropped by Invalidate

	flight singleflight.Group
}

// Option configures a Provider.
type Option func(*Provider)

// WithSharedCache consults cache before signing and publishes fresh tokens to it.
func WithSharedCache(cache SharedCache) Option {
	return func(p *Provider) { p.shared = cache }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// NewProvider creates a Provider. The signer must produce ES256 signatures, as
// that is the algorithm announced in the token header.
func NewProvider(cfg apns.Config, signer apns.Signer, logger *slog.Logger, opts ...Option) (*Provider, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if signer == nil {
		return nil, errors.New("credential: signer is required")
	}
	p := &Provider{
		cfg:    cfg,
		signer: signer,
		now:    time.Now,
		logger: logger.With("component", "CredentialProvider", "key_id", cfg.KeyID),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// CurrentToken returns the cached credential, or refreshes it when it is older
// than the refresh interval. Concurrent callers share one refresh and see the
// same credential or the same *apns.SigningError. An expired credential is never
// returned.
func (p *Provider) CurrentToken(ctx context.Context) (apns.Credential, error) {
	if cred, ok := p.cached(); ok {
		return cred, nil
	}

	// The flight outlives any single caller's cancellation.
	ch := p.flight.DoChan(flightKey, func() (interface{}, error) {
		return p.refresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return apns.Credential{}, res.Err
		}
		return res.Val.(apns.Credential), nil
	case <-ctx.Done():
		return apns.Credential{}, ctx.Err()
	}
}

// Invalidate drops stale if it is still the current credential, forcing the next
// CurrentToken to refresh.
func (p *Provider) Invalidate(stale apns.Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != nil && p.current.Token == stale.Token {
		p.current = nil
		p.revoked = stale.Token
		p.logger.Info("Provider token invalidated", "issued_at", stale.IssuedAt)
	}
}

func (p *Provider) cached() (apns.Credential, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.current == nil || p.current.ExpiredAt(p.now()) {
		return apns.Credential{}, false
	}
	return *p.current, true
}

func (p *Provider) refresh(ctx context.Context) (apns.Credential, error) {
	// A flight that finished just before this one already did the work.
	if cred, ok := p.cached(); ok {
		return cred, nil
	}

	if p.shared != nil {
		if cred, ok := p.loadShared(ctx); ok {
			p.swap(cred)
			return cred, nil
		}
	}

	cred, err := p.sign(p.now())
	if err != nil {
		p.logger.Error("Failed to sign provider token", "err", err)
		return apns.Credential{}, err
	}
	p.swap(cred)
	p.logger.Debug("Provider token refreshed", "issued_at", cred.IssuedAt)

	if p.shared != nil {
		if err := p.shared.Store(ctx, cred); err != nil {
			p.logger.Warn("Failed to publish provider token to shared cache", "err", err)
		}
	}
	return cred, nil
}

func (p *Provider) loadShared(ctx context.Context) (apns.Credential, bool) {
	cred, err := p.shared.Load(ctx)
	if err != nil {
		p.logger.Warn("Shared credential cache unavailable", "err", err)
		return apns.Credential{}, false
	}
	if cred == nil || !cred.Usable() {
		return apns.Credential{}, false
	}
	cred.ValidFor = p.cfg.RefreshInterval

	p.mu.RLock()
	revoked := p.revoked
	p.mu.RUnlock()
	if cred.Token == revoked || cred.ExpiredAt(p.now()) {
		return apns.Credential{}, false
	}
	p.logger.Debug("Adopted provider token from shared cache", "issued_at", cred.IssuedAt)
	return *cred, true
}

func (p *Provider) swap(cred apns.Credential) {
	p.mu.Lock()
	p.current = &cred
	p.mu.Unlock()
}

// sign builds the claim set {iss, iat} with the key id header and signs it.
func (p *Provider) sign(now time.Time) (apns.Credential, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": p.cfg.TeamID,
		"iat": now.Unix(),
	})
	token.Header["kid"] = p.cfg.KeyID

	signingString, err := token.SigningString()
	if err != nil {
		return apns.Credential{}, &apns.SigningError{Err: fmt.Errorf("encode claims: %w", err)}
	}
	sig, err := p.signer.Sign([]byte(signingString))
	if err != nil {
		return apns.Credential{}, &apns.SigningError{Err: err}
	}
	if len(sig) == 0 {
		return apns.Credential{}, &apns.SigningError{Err: apns.ErrInvalidSignatureData}
	}

	return apns.Credential{
		Token:    signingString + "." + jwt.EncodeSegment(sig),
		IssuedAt: now,
		ValidFor: p.cfg.RefreshInterval,
	}, nil
}
