package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
)

// InvalidTokenStore remembers device tokens the gateway rejected, one document
// per token under apns_invalid_tokens/{topic}/tokens.
type InvalidTokenStore struct {
	client       *firestore.Client
	defaultTopic string
	ttl          time.Duration
	now          func() time.Time
}

// NewInvalidTokenStore creates a store; defaultTopic is used when a call names
// none. A zero ttl keeps tokens forever; otherwise lookups ignore records older
// than ttl. Configure a Firestore TTL policy on expires_at to reclaim them.
func NewInvalidTokenStore(client *firestore.Client, defaultTopic string, ttl time.Duration) *InvalidTokenStore {
	return &InvalidTokenStore{client: client, defaultTopic: defaultTopic, ttl: ttl, now: time.Now}
}

// tokenRecord is the internal DB representation.
type tokenRecord struct {
	Token     string     `firestore:"token"`
	MarkedAt  time.Time  `firestore:"marked_at"`
	ExpiresAt *time.Time `firestore:"expires_at,omitempty"`
}

func (s *InvalidTokenStore) MarkInvalid(ctx context.Context, topic string, tokens ...string) error {
	now := s.now()
	for _, token := range tokens {
		record := tokenRecord{Token: token, MarkedAt: now}
		if s.ttl > 0 {
			expires := now.Add(s.ttl)
			record.ExpiresAt = &expires
		}
		if _, err := s.tokenRef(topic, token).Set(ctx, record); err != nil {
			return fmt.Errorf("mark token invalid: %w", err)
		}
	}
	return nil
}

// FilterValid splits tokens into those not known to be invalid and those that are.
func (s *InvalidTokenStore) FilterValid(ctx context.Context, topic string, tokens []string) (valid, invalid []string, err error) {
	if len(tokens) == 0 {
		return nil, nil, nil
	}
	refs := make([]*firestore.DocumentRef, len(tokens))
	for i, token := range tokens {
		refs[i] = s.tokenRef(topic, token)
	}

	docs, err := s.client.GetAll(ctx, refs)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid token lookup: %w", err)
	}

	now := s.now()
	for i, doc := range docs {
		if doc.Exists() && !s.expired(doc, now) {
			invalid = append(invalid, tokens[i])
		} else {
			valid = append(valid, tokens[i])
		}
	}
	return valid, invalid, nil
}

func (s *InvalidTokenStore) expired(doc *firestore.DocumentSnapshot, now time.Time) bool {
	var record tokenRecord
	if err := doc.DataTo(&record); err != nil {
		// An unreadable record does not block delivery.
		return true
	}
	return record.ExpiresAt != nil && !now.Before(*record.ExpiresAt)
}

// tokenRef: apns_invalid_tokens/{topic}/tokens/{tokenHash}
func (s *InvalidTokenStore) tokenRef(topic, token string) *firestore.DocumentRef {
	if topic == "" {
		topic = s.defaultTopic
	}
	return s.client.Collection("apns_invalid_tokens").Doc(topic).Collection("tokens").Doc(hashToken(token))
}

func hashToken(t string) string {
	sum := sha256.Sum256([]byte(t))
	return hex.EncodeToString(sum[:])
}
