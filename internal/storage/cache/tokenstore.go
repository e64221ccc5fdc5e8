package cache

import (
	"context"
	"fmt"
	"time"
)

// CacheClient defines the subset of Redis commands we need for keyed values.
type CacheClient interface {
	// Get returns ErrCacheMiss when the key does not exist.
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// SetClient defines the set commands used to remember dead device tokens.
type SetClient interface {
	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	SMIsMember(ctx context.Context, key string, members ...string) ([]bool, error)
}

// InvalidTokenStore remembers device tokens the gateway rejected as
// unregistered or malformed, so later jobs skip them.
type InvalidTokenStore struct {
	sets         SetClient
	defaultTopic string
	ttl          time.Duration
}

// NewInvalidTokenStore keeps one set per topic; defaultTopic is used when a
// call names none. Entries expire after ttl of inactivity; zero keeps them forever.
func NewInvalidTokenStore(sets SetClient, defaultTopic string, ttl time.Duration) *InvalidTokenStore {
	return &InvalidTokenStore{
		sets:         sets,
		defaultTopic: defaultTopic,
		ttl:          ttl,
	}
}

func (s *InvalidTokenStore) key(topic string) string {
	if topic == "" {
		topic = s.defaultTopic
	}
	return fmt.Sprintf("apns:invalid:%s", topic)
}

// MarkInvalid records tokens as dead for topic.
func (s *InvalidTokenStore) MarkInvalid(ctx context.Context, topic string, tokens ...string) error {
	return s.sets.SAdd(ctx, s.key(topic), s.ttl, tokens...)
}

// FilterValid splits tokens into those still worth sending to and those known
// dead. Order is preserved.
func (s *InvalidTokenStore) FilterValid(ctx context.Context, topic string, tokens []string) (valid, invalid []string, err error) {
	if len(tokens) == 0 {
		return nil, nil, nil
	}
	flags, err := s.sets.SMIsMember(ctx, s.key(topic), tokens...)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid token lookup: %w", err)
	}
	for i, token := range tokens {
		if i < len(flags) && flags[i] {
			invalid = append(invalid, token)
			continue
		}
		valid = append(valid, token)
	}
	return valid, invalid, nil
}
