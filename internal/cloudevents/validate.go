package cloudevents

import (
	"fmt"
	"strings"

	"github.com/cloudevents/sdk-go/v2/event"
)

// Validate checks the attributes a wrapped change event needs.
func Validate(e *event.Event) error {
	if e == nil {
		return fmt.Errorf("event is required")
	}
	if err := e.Validate(); err != nil {
		return err
	}
	if len(e.Data()) == 0 || strings.TrimSpace(string(e.Data())) == "null" {
		return fmt.Errorf("data is required")
	}
	return nil
}
