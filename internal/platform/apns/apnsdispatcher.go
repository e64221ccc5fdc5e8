// Package apns fans a push job out to many devices through the gateway sender.
package apns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sideshow/apns2"
	"github.com/sideshow/apns2/payload"
	"github.com/tinywideclouds/go-apns-gateway/internal/response"
	gateway "github.com/tinywideclouds/go-apns-gateway/pkg/apns"
	"github.com/tinywideclouds/go-apns-gateway/pkg/dispatch"
	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxParallel bounds how many sends of one job are outstanding at once.
const DefaultMaxParallel = 64

type Dispatcher struct {
	sender      gateway.Sender
	maxParallel int
	logger      *slog.Logger
}

var _ dispatch.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a platform dispatcher on top of sender. The stream cap of
// the connection still applies; maxParallel only limits goroutines per job.
func NewDispatcher(sender gateway.Sender, maxParallel int, logger *slog.Logger) *Dispatcher {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &Dispatcher{
		sender:      sender,
		maxParallel: maxParallel,
		logger:      logger.With("component", "APNSDispatcher"),
	}
}

// Dispatch sends the notification to a batch of device tokens. The gateway API
// is unary, one request per token; requests share the multiplexed connection.
//
// Rejections are per token and do not fail the batch. The batch fails only when
// no token was delivered and every failure was on our side (signing, transport),
// so the caller can retry it as a whole.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	tokens []string,
	content notification.NotificationContent,
	data map[string]string,
	opts dispatch.Options,
) (string, []string, error) {
	if len(tokens) == 0 {
		return "skipped: no tokens", nil, nil
	}

	body, err := buildPayload(content, data, opts).MarshalJSON()
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode APNs payload: %w", err)
	}

	var (
		mu            sync.Mutex
		invalidTokens []string
		successCount  int
		failureCount  int
		retryable     int
		firstErr      error
	)

	var g errgroup.Group
	g.SetLimit(d.maxParallel)
	for _, deviceToken := range tokens {
		req := newRequest(deviceToken, body, opts)
		g.Go(func() error {
			res, err := d.sender.Send(ctx, req)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successCount++
				d.logger.Debug("APNs accepted notification", "apns_id", res.ApnsID)
			case response.IsInvalidToken(err):
				failureCount++
				invalidTokens = append(invalidTokens, deviceToken)
			case errors.Is(err, gateway.ErrGateway), errors.Is(err, gateway.ErrProtocol):
				// The token may be fine; our request or configuration is not.
				failureCount++
				d.logger.Warn("APNs rejected notification", "token", deviceToken, "err", err)
			default:
				failureCount++
				retryable++
				if firstErr == nil {
					firstErr = err
				}
				d.logger.Error("APNs send failed", "token", deviceToken, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	receipt := fmt.Sprintf("success:%d invalid:%d total_fail:%d", successCount, len(invalidTokens), failureCount)
	if successCount == 0 && retryable == len(tokens) {
		return receipt, invalidTokens, fmt.Errorf("all %d APNs sends failed: %w", len(tokens), firstErr)
	}
	return receipt, invalidTokens, nil
}

func buildPayload(content notification.NotificationContent, data map[string]string, opts dispatch.Options) *payload.Payload {
	var builder *payload.Payload
	if opts.PushType == string(apns2.PushTypeBackground) {
		// Background pushes must not carry an alert.
		builder = payload.NewPayload().ContentAvailable()
	} else {
		builder = payload.NewPayload().
			AlertTitle(content.Title).
			AlertBody(content.Body)
		if content.Sound != "" {
			builder.Sound(content.Sound)
		}
	}
	for k, v := range data {
		builder.Custom(k, v)
	}
	return builder
}

func newRequest(deviceToken string, body []byte, opts dispatch.Options) *gateway.NotificationRequest {
	req := &gateway.NotificationRequest{DeviceToken: deviceToken, Payload: body}
	if opts.Topic != "" {
		req.Topic = gateway.Ptr(opts.Topic)
	}
	if opts.Priority != 0 {
		req.Priority = gateway.Ptr(opts.Priority)
	}
	if opts.Expiration != nil {
		req.Expiration = gateway.Ptr(*opts.Expiration)
	}
	if opts.CollapseID != "" {
		req.CollapseID = gateway.Ptr(opts.CollapseID)
	}
	if opts.PushType != "" {
		req.PushType = gateway.Ptr(opts.PushType)
	}
	return req
}
