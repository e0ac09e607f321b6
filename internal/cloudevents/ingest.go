package cloudevents

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	cloudevents "github.com/cloudevents/sdk-go/v2"
)

const (
	structuredContentType = "application/cloudevents+json"
	batchContentType      = "application/cloudevents-batch+json"
)

// Envelope holds the CloudEvents attributes of a wrapped change event.
type Envelope struct {
	ID     string
	Source string
	Type   string
}

// IsCloudEvent reports whether the request carries a CloudEvent in structured or
// binary mode.
func IsCloudEvent(r *http.Request) bool {
	switch mediaType(r.Header.Get("Content-Type")) {
	case structuredContentType, batchContentType:
		return true
	}
	return strings.TrimSpace(r.Header.Get("Ce-Specversion")) != ""
}

// ParseRequest decodes a CloudEvents HTTP request whose body has already been read
// and returns the event data together with its envelope.
func ParseRequest(r *http.Request, body []byte) ([]byte, Envelope, error) {
	if mediaType(r.Header.Get("Content-Type")) == batchContentType {
		return nil, Envelope{}, fmt.Errorf("cloudevents batch mode is not supported")
	}
	clone := r.Clone(r.Context())
	clone.Body = io.NopCloser(bytes.NewReader(body))
	clone.ContentLength = int64(len(body))

	event, err := cloudevents.NewEventFromHTTPRequest(clone)
	if err != nil {
		return nil, Envelope{}, fmt.Errorf("invalid cloudevent: %w", err)
	}
	env := Envelope{
		ID:     event.ID(),
		Source: event.Source(),
		Type:   event.Type(),
	}
	if err := Validate(event); err != nil {
		return nil, env, err
	}
	return event.Data(), env, nil
}

func mediaType(ct string) string {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if idx := strings.Index(ct, ";"); idx >= 0 {
		ct = strings.TrimSpace(ct[:idx])
	}
	return ct
}
