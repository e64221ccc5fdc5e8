// Package pipeline contains the core message processing components for the service.
package pipeline

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-apns-gateway/pkg/dispatch"
)

// PushJobTransformer is a dataflow Transformer that decodes and validates a raw
// message payload into a dispatch.PushJob.
//
// Undecodable or undeliverable jobs are skipped with an error so the
// StreamingService can handle the Nack/DLQ logic.
func PushJobTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*dispatch.PushJob, bool, error) {
	job, err := dispatch.ParsePushJob(msg.Payload)
	if err != nil {
		return nil, true, fmt.Errorf("failed to decode push job from message %s: %w", msg.ID, err)
	}
	return job, false, nil
}
