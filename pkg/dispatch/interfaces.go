// Package dispatch contains the contracts between the push job entry points
// (pipeline and HTTP API) and the platform dispatcher.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// Options are the per-job delivery settings applied to every device.
// Zero values mean "not set".
type Options struct {
	Topic      string
	Priority   int
	Expiration *time.Time
	CollapseID string
	PushType   string
}

// PushJob is one notification fanned out to a batch of device tokens.
type PushJob struct {
	Tokens  []string
	Content notification.NotificationContent
	Data    map[string]string
	Options Options
}

// Validate checks the job is deliverable at all.
func (j *PushJob) Validate() error {
	if len(j.Tokens) == 0 {
		return errors.New("push job has no device tokens")
	}
	for _, t := range j.Tokens {
		if t == "" {
			return errors.New("push job contains an empty device token")
		}
	}
	if j.Options.Priority != 0 && j.Options.Priority != 5 && j.Options.Priority != 10 {
		return errors.New("priority must be 5 or 10")
	}
	return nil
}

// Dispatcher sends a notification to a batch of device tokens. It returns a
// human readable receipt and the tokens the gateway declared dead.
type Dispatcher interface {
	Dispatch(ctx context.Context, tokens []string, content notification.NotificationContent, data map[string]string, opts Options) (string, []string, error)
}

// InvalidTokenStore remembers dead device tokens between jobs, per topic.
// An empty topic means the store's default topic.
type InvalidTokenStore interface {
	MarkInvalid(ctx context.Context, topic string, tokens ...string) error
	FilterValid(ctx context.Context, topic string, tokens []string) (valid, invalid []string, err error)
}
