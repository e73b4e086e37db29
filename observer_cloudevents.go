package stagectl

import (
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
)

// CloudEvent is an alias for the CloudEvents Event type.
type CloudEvent = cloudevents.Event

// NewCloudEvent creates a CloudEvent with a time-ordered id.
func NewCloudEvent(eventType, source string, data interface{}, metadata map[string]interface{}) cloudevents.Event {
	event := cloudevents.NewEvent()

	event.SetID(NewID())
	event.SetSource(source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)

	if data != nil {
		_ = event.SetData(cloudevents.ApplicationJSON, data)
	}

	for key, value := range metadata {
		event.SetExtension(key, value)
	}

	return event
}

// ToCloudEvent converts an observability Event into a CloudEvent. Stage, module
// and configuration identifiers become extensions so observers can filter on them.
func ToCloudEvent(e Event) cloudevents.Event {
	source := e.Source
	if source == "" {
		source = "stagectl"
	}
	metadata := map[string]interface{}{}
	if e.StageID != "" {
		metadata["stageid"] = e.StageID
	}
	if e.ModuleID != "" {
		metadata["moduleid"] = e.ModuleID
	}
	if e.ConfigurationVersion > 0 {
		metadata["configversion"] = e.ConfigurationVersion
	}
	ce := NewCloudEvent(CloudEventType(e.Kind), source, e, metadata)
	if !e.Timestamp.IsZero() {
		ce.SetTime(e.Timestamp)
	}
	return ce
}

// NewID returns a UUIDv7 string, falling back to v4.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// ValidateCloudEvent validates that a CloudEvent conforms to the specification.
func ValidateCloudEvent(event cloudevents.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("CloudEvent validation failed: %w", err)
	}
	return nil
}
