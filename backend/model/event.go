package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// TimestampLayout matches the ISO-8601 form used by browsers (millisecond precision, UTC).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

const (
	fieldID        = "id"
	fieldTimestamp = "timestamp"
	fieldType      = "type"
	fieldMessage   = "message"
)

var (
	ErrMalformedPayload = errors.New("malformed payload")
)

// EventPayload is the producer supplied part of an Event.
// Fields keeps every key of the original object so that unknown
// pass-through values (isWarning, candidateName, ...) survive verbatim.
type EventPayload struct {
	Type    string
	Message string
	Fields  map[string]json.RawMessage
}

// ParseEventPayload decodes a proctoring_event body. It must be a JSON object;
// type and message, when present, must be strings.
func ParseEventPayload(raw []byte) (EventPayload, error) {
	var p EventPayload
	if err := json.Unmarshal(raw, &p.Fields); err != nil {
		return p, errors.Join(ErrMalformedPayload, err)
	}
	if p.Fields == nil {
		return p, fmt.Errorf("%w: event must be an object", ErrMalformedPayload)
	}
	if err := stringField(p.Fields, fieldType, &p.Type); err != nil {
		return p, err
	}
	if err := stringField(p.Fields, fieldMessage, &p.Message); err != nil {
		return p, err
	}
	// id and timestamp belong to the relay
	delete(p.Fields, fieldID)
	delete(p.Fields, fieldTimestamp)
	return p, nil
}

func stringField(fields map[string]json.RawMessage, key string, dst *string) error {
	raw, ok := fields[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %q must be a string", ErrMalformedPayload, key)
	}
	return nil
}

// Event is a single proctoring signal stored in a room history.
// It is immutable once appended.
type Event struct {
	ID        string
	Timestamp time.Time
	Type      string
	Message   string

	fields map[string]json.RawMessage
}

func NewEvent(id string, ts time.Time, p EventPayload) Event {
	return Event{
		ID:        id,
		Timestamp: ts.UTC(),
		Type:      p.Type,
		Message:   p.Message,
		fields:    p.Fields,
	}
}

// Field returns a raw pass-through value.
func (ev Event) Field(key string) (json.RawMessage, bool) {
	raw, ok := ev.fields[key]
	return raw, ok
}

func (ev Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(ev.fields)+4)
	for k, v := range ev.fields {
		out[k] = v
	}
	// producer values are kept as sent, including null
	if _, ok := ev.fields[fieldType]; !ok && ev.Type != "" {
		out[fieldType] = ev.Type
	}
	if _, ok := ev.fields[fieldMessage]; !ok && ev.Message != "" {
		out[fieldMessage] = ev.Message
	}
	out[fieldID] = ev.ID
	out[fieldTimestamp] = ev.Timestamp.UTC().Format(TimestampLayout)
	return json.Marshal(out)
}

func (ev *Event) UnmarshalJSON(b []byte) error {
	p, err := ParseEventPayload(b)
	if err != nil {
		return err
	}
	var head struct {
		ID        string `json:"id"`
		Timestamp string `json:"timestamp"`
	}
	if err = json.Unmarshal(b, &head); err != nil {
		return errors.Join(ErrMalformedPayload, err)
	}
	var ts time.Time
	if head.Timestamp != "" {
		if ts, err = time.Parse(time.RFC3339Nano, head.Timestamp); err != nil {
			return errors.Join(ErrMalformedPayload, err)
		}
	}
	*ev = NewEvent(head.ID, ts, p)
	return nil
}
