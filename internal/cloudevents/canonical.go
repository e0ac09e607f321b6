package cloudevents

import (
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/cloudevents/sdk-go/v2/event"
)

const (
	Source         = "lakesink"
	TypeFileLanded = "lakesink.file.landed"
)

// NewLandedEvent builds the notification published after a file lands in the lake.
func NewLandedEvent(id, subject string, at time.Time, data interface{}) (event.Event, error) {
	e := cloudevents.NewEvent()
	e.SetID(id)
	e.SetSource(Source)
	e.SetType(TypeFileLanded)
	e.SetSubject(subject)
	e.SetTime(at.UTC())
	if err := e.SetData(cloudevents.ApplicationJSON, data); err != nil {
		return e, err
	}
	return e, nil
}
