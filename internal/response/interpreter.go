// Package response classifies gateway responses into success or a typed failure.
package response

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/sideshow/apns2"
	"github.com/tinywideclouds/go-apns-gateway/pkg/apns"
)

// reasonDocument is the gateway's error body.
type reasonDocument struct {
	Reason    string `json:"reason"`
	Timestamp *int64 `json:"timestamp,omitempty"` // milliseconds since epoch
}

// Classify returns nil for a 200 whatever the body, *apns.GatewayError when a
// non-success status carries a reason document, and *apns.ProtocolError otherwise.
func Classify(status int, body []byte) error {
	if status == http.StatusOK {
		return nil
	}

	var doc reasonDocument
	if len(body) == 0 || json.Unmarshal(body, &doc) != nil || doc.Reason == "" {
		return &apns.ProtocolError{Status: status, Body: body}
	}

	gwErr := &apns.GatewayError{Status: status, Reason: doc.Reason}
	if doc.Timestamp != nil {
		ts := time.UnixMilli(*doc.Timestamp).UTC()
		gwErr.Timestamp = &ts
	}
	return gwErr
}

// Reason returns the gateway reason carried by err, if any.
func Reason(err error) (string, bool) {
	var gwErr *apns.GatewayError
	if errors.As(err, &gwErr) {
		return gwErr.Reason, true
	}
	return "", false
}

// IsInvalidToken reports whether the gateway declared the device token dead.
// Callers should stop sending to it.
func IsInvalidToken(err error) bool {
	reason, ok := Reason(err)
	if !ok {
		return false
	}
	switch reason {
	case apns2.ReasonBadDeviceToken, apns2.ReasonUnregistered, apns2.ReasonDeviceTokenNotForTopic:
		return true
	}
	return false
}

// IsExpiredProviderToken reports whether the gateway rejected the bearer token as stale.
func IsExpiredProviderToken(err error) bool {
	reason, ok := Reason(err)
	return ok && reason == apns2.ReasonExpiredProviderToken
}
