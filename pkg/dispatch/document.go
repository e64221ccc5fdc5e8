package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tinywideclouds/go-platform/pkg/notification/v1"
)

// ContentDocument is the JSON form of the visible notification.
type ContentDocument struct {
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
	Sound string `json:"sound,omitempty"`
}

// OptionsDocument is the JSON form of Options. Expiration is in unix seconds.
type OptionsDocument struct {
	Topic      string `json:"topic,omitempty"`
	Priority   int    `json:"priority,omitempty"`
	Expiration *int64 `json:"expiration,omitempty"`
	CollapseID string `json:"collapse_id,omitempty"`
	PushType   string `json:"push_type,omitempty"`
}

// PushJobDocument is the JSON form of a PushJob, as published on the jobs
// topic and posted to the HTTP API.
type PushJobDocument struct {
	Tokens  []string          `json:"tokens"`
	Content ContentDocument   `json:"content"`
	Data    map[string]string `json:"data,omitempty"`
	Options OptionsDocument   `json:"options,omitempty"`
}

// ParsePushJob decodes and validates a job.
func ParsePushJob(raw []byte) (*PushJob, error) {
	var doc PushJobDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("malformed push job: %w", err)
	}
	job := doc.ToPushJob()
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return job, nil
}

func (d PushJobDocument) ToPushJob() *PushJob {
	job := &PushJob{
		Tokens: d.Tokens,
		Content: notification.NotificationContent{
			Title: d.Content.Title,
			Body:  d.Content.Body,
			Sound: d.Content.Sound,
		},
		Data: d.Data,
		Options: Options{
			Topic:      d.Options.Topic,
			Priority:   d.Options.Priority,
			CollapseID: d.Options.CollapseID,
			PushType:   d.Options.PushType,
		},
	}
	if d.Options.Expiration != nil {
		exp := time.Unix(*d.Options.Expiration, 0).UTC()
		job.Options.Expiration = &exp
	}
	return job
}
