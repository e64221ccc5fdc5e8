// Package framer turns a notification request into the head, body and end
// parts of one HTTP/2 request. It holds no state and never touches the network.
package framer

import (
	"fmt"
	"strconv"

	"github.com/tinywideclouds/go-apns-gateway/pkg/apns"
	"golang.org/x/net/http2/hpack"
)

const (
	ContentType = "application/json"
	UserAgent   = "go-apns-gateway/1.0"
)

// Kind tags a part of the request.
type Kind uint8

const (
	KindHead Kind = iota
	KindBody
	KindEnd
)

func (k Kind) String() string {
	switch k {
	case KindHead:
		return "head"
	case KindBody:
		return "body"
	case KindEnd:
		return "end"
	}
	return "unknown"
}

// Head is the request line and header list. Header order is the emission order.
type Head struct {
	Method string
	Path   string
	Header []hpack.HeaderField
}

// Get returns the first value of the named header.
func (h Head) Get(name string) (string, bool) {
	for _, f := range h.Header {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

// Frame is one part of a request. Head is set for KindHead, Body for KindBody.
// KindEnd carries nothing: requests have no trailers.
type Frame struct {
	Kind Kind
	Head *Head
	Body []byte
}

// Frames is a fully built request.
type Frames struct {
	Head Head
	Body []byte
}

// Sequence returns the parts in emission order: head, body, end.
func (f *Frames) Sequence() []Frame {
	return []Frame{
		{Kind: KindHead, Head: &f.Head},
		{Kind: KindBody, Body: f.Body},
		{Kind: KindEnd},
	}
}

// BuildFunc matches Build; the dispatcher accepts one for tests.
type BuildFunc func(req *apns.NotificationRequest, cred apns.Credential, cfg apns.Config) (*Frames, error)

// Build frames req for the gateway. It fails with *apns.SigningError when the
// credential has no token, before anything is produced.
func Build(req *apns.NotificationRequest, cred apns.Credential, cfg apns.Config) (*Frames, error) {
	if !cred.Usable() {
		return nil, &apns.SigningError{Err: apns.ErrInvalidSignatureData}
	}
	if req == nil {
		return nil, fmt.Errorf("framer: nil request")
	}

	topic := cfg.DefaultTopic
	if req.Topic != nil {
		topic = *req.Topic
	}

	header := make([]hpack.HeaderField, 0, 10)
	add := func(name, value string) {
		header = append(header, hpack.HeaderField{Name: name, Value: value})
	}
	add("content-type", ContentType)
	add("user-agent", UserAgent)
	add("content-length", strconv.Itoa(len(req.Payload)))
	add("apns-topic", topic)
	if req.Priority != nil {
		add("apns-priority", strconv.Itoa(*req.Priority))
	}
	if req.Expiration != nil {
		add("apns-expiration", strconv.FormatInt(req.Expiration.Unix(), 10))
	}
	if req.CollapseID != nil {
		add("apns-collapse-id", *req.CollapseID)
	}
	if req.PushType != nil {
		add("apns-push-type", *req.PushType)
	}
	add("host", cfg.Host)
	// The token is a credential; keep it out of the peer's dynamic table.
	header = append(header, hpack.HeaderField{Name: "authorization", Value: "bearer " + cred.Token, Sensitive: true})

	return &Frames{
		Head: Head{
			Method: "POST",
			Path:   "/3/device/" + req.DeviceToken,
			Header: header,
		},
		Body: req.Payload,
	}, nil
}
