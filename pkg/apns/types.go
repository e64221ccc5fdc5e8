// Package apns contains the public domain models and contracts for delivering
// notifications to the Apple Push Notification service over token-authenticated HTTP/2.
package apns

import (
	"errors"
	"time"
)

// Gateway hosts.
const (
	HostProduction = "api.push.apple.com"
	HostSandbox    = "api.sandbox.push.apple.com"
)

// DefaultRefreshInterval keeps provider tokens inside the gateway's one hour window.
const DefaultRefreshInterval = 50 * time.Minute

// NotificationRequest is a single notification addressed to one device.
// Optional fields are nil when absent.
type NotificationRequest struct {
	DeviceToken string
	Topic       *string
	Priority    *int
	Expiration  *time.Time
	CollapseID  *string
	PushType    *string
	Payload     []byte
}

// Ptr returns a pointer to v, for filling optional request fields.
func Ptr[T any](v T) *T {
	return &v
}

// Credential is a signed provider token.
type Credential struct {
	Token    string        `json:"token"`
	IssuedAt time.Time     `json:"issued_at"`
	ValidFor time.Duration `json:"valid_for"`
}

// Usable reports whether the credential carries a token that can be sent.
func (c Credential) Usable() bool {
	return c.Token != ""
}

// ExpiredAt reports whether the credential is due for refresh at now.
func (c Credential) ExpiredAt(now time.Time) bool {
	return now.Sub(c.IssuedAt) >= c.ValidFor
}

// Config identifies the provider and the gateway.
type Config struct {
	TeamID          string // issuer
	KeyID           string
	DefaultTopic    string // usually the app bundle ID
	Host            string
	RefreshInterval time.Duration
}

// WithDefaults fills the gateway host and the refresh interval when unset.
func (c Config) WithDefaults() Config {
	if c.Host == "" {
		c.Host = HostProduction
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = DefaultRefreshInterval
	}
	return c
}

// Validate checks the fields a provider cannot work without.
func (c Config) Validate() error {
	switch {
	case c.TeamID == "":
		return errors.New("apns config: team id is required")
	case c.KeyID == "":
		return errors.New("apns config: key id is required")
	case c.Host == "":
		return errors.New("apns config: host is required")
	case c.RefreshInterval <= 0:
		return errors.New("apns config: refresh interval must be positive")
	}
	return nil
}

// Response describes an accepted notification.
type Response struct {
	StatusCode int
	ApnsID     string
}
