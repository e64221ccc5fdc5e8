package pipeline

import (
	"context"
	"log/slog"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-apns-gateway/pkg/dispatch"
)

// NewProcessor creates the logic that delivers one push job: drop devices
// already known dead, fan out, then remember the devices the gateway rejected.
// invalidTokens may be nil when no registry is configured.
func NewProcessor(
	dispatcher dispatch.Dispatcher,
	invalidTokens dispatch.InvalidTokenStore,
	logger *slog.Logger,
) messagepipeline.StreamProcessor[dispatch.PushJob] {

	return func(ctx context.Context, original messagepipeline.Message, job *dispatch.PushJob) error {
		procLogger := logger.With(
			"pubsub_msg_id", original.ID,
			"tokens", len(job.Tokens),
		)

		_, err := Deliver(ctx, dispatcher, invalidTokens, job, procLogger)
		return err
	}
}

// Result is what happened to one push job.
type Result struct {
	Receipt string
	// Invalid lists tokens that were skipped as known dead or rejected now.
	Invalid []string
}

// Deliver runs a job end to end. Registry failures are logged, not returned:
// the registry only saves work.
func Deliver(
	ctx context.Context,
	dispatcher dispatch.Dispatcher,
	invalidTokens dispatch.InvalidTokenStore,
	job *dispatch.PushJob,
	logger *slog.Logger,
) (Result, error) {
	tokens := job.Tokens
	var known []string

	if invalidTokens != nil {
		valid, invalid, err := invalidTokens.FilterValid(ctx, job.Options.Topic, tokens)
		if err != nil {
			logger.Warn("Invalid token lookup failed; sending to all tokens", "err", err)
		} else {
			tokens, known = valid, invalid
			if len(known) > 0 {
				logger.Info("Skipping known invalid tokens", "count", len(known))
			}
		}
	}

	if len(tokens) == 0 {
		logger.Info("No deliverable devices; dropping notification.")
		return Result{Receipt: "skipped: no tokens", Invalid: known}, nil
	}

	receipt, rejected, err := dispatcher.Dispatch(ctx, tokens, job.Content, job.Data, job.Options)

	// Self-Healing
	if len(rejected) > 0 && invalidTokens != nil {
		logger.Info("Recording invalid APNs tokens", "count", len(rejected))
		if err := invalidTokens.MarkInvalid(ctx, job.Options.Topic, rejected...); err != nil {
			logger.Warn("Failed to record invalid tokens", "err", err)
		}
	}

	result := Result{Receipt: receipt, Invalid: append(known, rejected...)}
	if err != nil {
		logger.Error("APNs Dispatch failed", "err", err)
		return result, err // Retryable
	}
	logger.Info("APNs Dispatched", "receipt", receipt)
	return result, nil
}
